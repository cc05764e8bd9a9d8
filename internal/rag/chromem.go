package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"ragchat/internal/domain"
	"ragchat/internal/llm"
	"ragchat/internal/repository"
)

// ChromemRetriever mantiene una coleccion chromem por usuario, cargada desde el
// corpus con los embeddings ya calculados.
type ChromemRetriever struct {
	db        *chromem.DB
	embedder  llm.Embedder
	corpus    repository.RagCorpusRepository
	topK      int
	scanLimit int
	ttl       time.Duration

	mu     sync.Mutex
	loaded map[string]time.Time
}

var _ Retriever = (*ChromemRetriever)(nil)

func NewChromemRetriever(embedder llm.Embedder, corpus repository.RagCorpusRepository, topK, scanLimit int) *ChromemRetriever {
	if topK <= 0 {
		topK = 5
	}
	return &ChromemRetriever{
		db:        chromem.NewDB(),
		embedder:  embedder,
		corpus:    corpus,
		topK:      topK,
		scanLimit: scanLimit,
		ttl:       5 * time.Minute,
		loaded:    make(map[string]time.Time),
	}
}

func collectionName(userID string) string {
	return "rag_" + userID
}

func (r *ChromemRetriever) Search(ctx context.Context, query, userID string) ([]domain.RagSource, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.RagSource{}, nil
	}
	col, err := r.collection(ctx, userID)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return []domain.RagSource{}, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	k := r.topK
	if k > count {
		k = count
	}
	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	sources := make([]domain.RagSource, 0, len(results))
	for _, res := range results {
		idx, _ := strconv.Atoi(res.Metadata["chunk_index"])
		sources = append(sources, SourceFromHit(domain.RagChunkHit{
			Chunk: domain.RagChunk{
				ID:         res.ID,
				DocID:      res.Metadata["doc_id"],
				ChunkIndex: idx,
				Content:    res.Content,
			},
			Document: domain.RagDocument{
				Title: res.Metadata["title"],
				URL:   res.Metadata["url"],
			},
			Similarity: float64(res.Similarity),
		}))
	}
	return sources, nil
}

// Invalidate descarta la coleccion cacheada del usuario.
func (r *ChromemRetriever) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, userID)
	_ = r.db.DeleteCollection(collectionName(userID))
}

func (r *ChromemRetriever) collection(ctx context.Context, userID string) (*chromem.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := collectionName(userID)
	if at, ok := r.loaded[userID]; ok && time.Since(at) < r.ttl {
		if col := r.db.GetCollection(name, r.embedder.Embed); col != nil {
			return col, nil
		}
	}

	_ = r.db.DeleteCollection(name)
	col, err := r.db.CreateCollection(name, map[string]string{"user_id": userID}, r.embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	hits, err := r.corpus.ListRagChunks(ctx, userID, r.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	docs := make([]chromem.Document, 0, len(hits))
	for _, h := range hits {
		vec := h.Chunk.Embedding.Slice()
		if len(vec) == 0 {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        h.Chunk.ID,
			Content:   h.Chunk.Content,
			Embedding: vec,
			Metadata: map[string]string{
				"doc_id":      h.Chunk.DocID,
				"chunk_index": strconv.Itoa(h.Chunk.ChunkIndex),
				"title":       h.Document.Title,
				"url":         h.Document.URL,
			},
		})
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, 4); err != nil {
			return nil, fmt.Errorf("index chunks: %w", err)
		}
	}
	r.loaded[userID] = time.Now()
	return col, nil
}
