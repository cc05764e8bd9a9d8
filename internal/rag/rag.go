// Package rag implementa el puerto de recuperacion sobre el corpus de cada usuario.
package rag

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"

	"ragchat/internal/domain"
)

const (
	snippetLimit = 200
	promptHeader = "You are given the following context snippets. Use them when helpful; if irrelevant, ignore them.\n"
)

type Retriever interface {
	Search(ctx context.Context, query, userID string) ([]domain.RagSource, error)
}

// Snippet colapsa espacios y corta en 200 caracteres.
func Snippet(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	r := []rune(t)
	if len(r) <= snippetLimit {
		return t
	}
	return string(r[:snippetLimit]) + "…"
}

// SourceFromHit arma la fuente publica a partir de un chunk recuperado.
func SourceFromHit(h domain.RagChunkHit) domain.RagSource {
	title := h.Document.Title
	if title == "" {
		title = "doc " + h.Chunk.DocID
	}
	return domain.RagSource{
		Title:   title,
		URL:     h.Document.URL,
		Snippet: Snippet(h.Chunk.Content),
		Score:   math.Round(h.Similarity*10000) / 10000,
		Meta: map[string]any{
			"doc_id":      h.Chunk.DocID,
			"chunk_index": h.Chunk.ChunkIndex,
		},
		Content: h.Chunk.Content,
	}
}

// FormatContext arma la entrada system con los fragmentos numerados.
func FormatContext(sources []domain.RagSource) string {
	lines := lo.Map(sources, func(s domain.RagSource, i int) string {
		text := s.Content
		if text == "" {
			text = s.Snippet
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
		return fmt.Sprintf("%d] %s", i+1, text)
	})
	return promptHeader + strings.Join(lines, "\n")
}
