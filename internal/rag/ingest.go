package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"ragchat/internal/domain"
	"ragchat/internal/llm"
	"ragchat/internal/repository"
)

const defaultChunkSize = 800

// Ingester parte un texto en chunks, los embebe y los guarda en el corpus del usuario.
type Ingester struct {
	embedder  llm.Embedder
	corpus    repository.RagCorpusRepository
	chunkSize int
	model     string
	dim       int
}

func NewIngester(embedder llm.Embedder, corpus repository.RagCorpusRepository, chunkSize int, model string, dim int) *Ingester {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Ingester{embedder: embedder, corpus: corpus, chunkSize: chunkSize, model: model, dim: dim}
}

// Ingest devuelve el documento creado y la cantidad de chunks guardados.
func (in *Ingester) Ingest(ctx context.Context, userID, title, url, text string) (domain.RagDocument, int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.RagDocument{}, 0, fmt.Errorf("%w: user_id is required", domain.ErrInvalidArgument)
	}
	pieces := ChunkText(text, in.chunkSize)
	if len(pieces) == 0 {
		return domain.RagDocument{}, 0, fmt.Errorf("%w: document is empty", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	doc := domain.RagDocument{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        strings.TrimSpace(title),
		URL:          strings.TrimSpace(url),
		Tags:         []string{},
		EmbedModel:   in.model,
		EmbedDim:     in.dim,
		EmbedVersion: 1,
		CreatedAt:    now,
	}
	chunks := make([]domain.RagChunk, 0, len(pieces))
	for i, p := range pieces {
		vec, err := in.embedder.Embed(ctx, p)
		if err != nil {
			return domain.RagDocument{}, 0, fmt.Errorf("embed chunk %d: %w", i, err)
		}
		chunks = append(chunks, domain.RagChunk{
			ID:         uuid.NewString(),
			DocID:      doc.ID,
			UserID:     userID,
			ChunkIndex: i,
			Content:    p,
			Embedding:  pgvector.NewVector(vec),
			CreatedAt:  now,
		})
	}
	if err := in.corpus.UpsertRagDocument(ctx, doc, chunks); err != nil {
		return domain.RagDocument{}, 0, fmt.Errorf("store document: %w", err)
	}
	return doc, len(chunks), nil
}

// ChunkText junta parrafos hasta size runas; un parrafo mas largo se corta.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	var (
		out     []string
		current []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			out = append(out, s)
		}
		current = current[:0]
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p := []rune(strings.TrimSpace(para))
		if len(p) == 0 {
			continue
		}
		if len(current) > 0 && len(current)+2+len(p) > size {
			flush()
		}
		for len(p) > size {
			if len(current) > 0 {
				flush()
			}
			out = append(out, string(p[:size]))
			p = p[size:]
		}
		if len(current) > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, p...)
	}
	flush()
	return out
}
