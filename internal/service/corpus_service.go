package service

import (
	"context"
	"fmt"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/llm"
	"ragchat/internal/rag"
	"ragchat/internal/repository"
)

const maxSearchTopK = 20

// CorpusCache es una cache de recuperacion por usuario que hay que descartar
// cuando cambia el corpus.
type CorpusCache interface {
	Invalidate(userID string)
}

// CorpusService administra los documentos de recuperacion de cada usuario.
type CorpusService struct {
	cfg      *config.Config
	logger   *zap.Logger
	corpus   repository.RagCorpusRepository
	embedder llm.Embedder
	ingester *rag.Ingester
	cache    CorpusCache
}

// NewCorpusService acepta embedder nil: listar y borrar siguen funcionando,
// buscar e ingerir devuelven ErrBackendUnavailable.
func NewCorpusService(cfg *config.Config, logger *zap.Logger, corpus repository.RagCorpusRepository, embedder llm.Embedder, cache CorpusCache) *CorpusService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CorpusService{cfg: cfg, logger: logger, corpus: corpus, embedder: embedder, cache: cache}
	if embedder != nil {
		s.ingester = rag.NewIngester(embedder, corpus, 0, cfg.EmbeddingModel, cfg.EmbeddingDim)
	}
	return s
}

func (s *CorpusService) ListDocuments(ctx context.Context, userID string) ([]domain.RagDocument, error) {
	if s == nil || s.corpus == nil {
		return nil, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalidArg("user_id is required")
	}
	docs, err := s.corpus.ListRagDocuments(ctx, userID)
	if err != nil {
		return nil, storageErr("list documents", err)
	}
	return docs, nil
}

func (s *CorpusService) DeleteDocument(ctx context.Context, userID, docID string) error {
	if s == nil || s.corpus == nil {
		return ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	docID = strings.TrimSpace(docID)
	if userID == "" || docID == "" {
		return invalidArg("user_id and doc_id are required")
	}
	if err := s.corpus.DeleteRagDocument(ctx, userID, docID); err != nil {
		return storageErr("delete document", err)
	}
	s.invalidate(userID)
	s.logger.Info("rag document deleted", zap.String("user_id", userID), zap.String("doc_id", docID))
	return nil
}

// Search devuelve hasta topK fragmentos del corpus del usuario; topK 0 usa RAG_TOP_K.
func (s *CorpusService) Search(ctx context.Context, userID, query string, topK int) ([]domain.RagSource, error) {
	if s == nil || s.corpus == nil {
		return nil, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	query = strings.TrimSpace(query)
	if userID == "" {
		return nil, invalidArg("user_id is required")
	}
	if topK == 0 {
		topK = s.cfg.RetrievalTopK
	}
	if topK < 1 || topK > maxSearchTopK {
		return nil, invalidArg("top_k must be between 1 and %d", maxSearchTopK)
	}
	if query == "" {
		return []domain.RagSource{}, nil
	}
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: retrieval is not configured", domain.ErrBackendUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", domain.ErrBackendUnavailable, err)
	}
	hits, err := s.corpus.SearchRagChunks(ctx, userID, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, storageErr("search chunks", err)
	}
	return lo.Map(hits, func(h domain.RagChunkHit, _ int) domain.RagSource {
		return rag.SourceFromHit(h)
	}), nil
}

// Ingest agrega un documento de texto al corpus del usuario.
func (s *CorpusService) Ingest(ctx context.Context, userID, title, url, text string) (domain.RagDocument, int, error) {
	if s == nil || s.corpus == nil {
		return domain.RagDocument{}, 0, ErrServiceNotConfigured
	}
	if s.ingester == nil {
		return domain.RagDocument{}, 0, fmt.Errorf("%w: no embedding provider configured", domain.ErrBackendUnavailable)
	}
	doc, n, err := s.ingester.Ingest(ctx, userID, title, url, text)
	if err != nil {
		return domain.RagDocument{}, 0, err
	}
	s.invalidate(doc.UserID)
	s.logger.Info("rag document stored",
		zap.String("user_id", doc.UserID),
		zap.String("doc_id", doc.ID),
		zap.Int("chunks", n),
	)
	return doc, n, nil
}

func (s *CorpusService) invalidate(userID string) {
	if s.cache != nil {
		s.cache.Invalidate(userID)
	}
}
