package rag

import (
	"context"
	"fmt"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/lo"

	"ragchat/internal/domain"
	"ragchat/internal/llm"
	"ragchat/internal/repository"
)

// CorpusRetriever delega el ranking al almacenamiento (pgvector o escaneo).
type CorpusRetriever struct {
	embedder llm.Embedder
	corpus   repository.RagCorpusRepository
	topK     int
}

var _ Retriever = (*CorpusRetriever)(nil)

func NewCorpusRetriever(embedder llm.Embedder, corpus repository.RagCorpusRepository, topK int) *CorpusRetriever {
	if topK <= 0 {
		topK = 5
	}
	return &CorpusRetriever{embedder: embedder, corpus: corpus, topK: topK}
}

func (r *CorpusRetriever) Search(ctx context.Context, query, userID string) ([]domain.RagSource, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.RagSource{}, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.corpus.SearchRagChunks(ctx, userID, pgvector.NewVector(vec), r.topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return lo.Map(hits, func(h domain.RagChunkHit, _ int) domain.RagSource {
		return SourceFromHit(h)
	}), nil
}
