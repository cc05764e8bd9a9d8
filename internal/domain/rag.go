package domain

import (
	"time"

	pgvector "github.com/pgvector/pgvector-go"
)

// RagSource es una cita recuperada. Content es el texto completo del chunk y
// solo viaja al contexto del modelo.
type RagSource struct {
	Title   string         `json:"title"`
	URL     string         `json:"url"`
	Snippet string         `json:"snippet"`
	Score   float64        `json:"score"`
	Meta    map[string]any `json:"meta"`
	Content string         `json:"-"`
}

// RagDocument y RagChunk pertenecen al corpus; el pipeline no los modifica.
type RagDocument struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Tags         []string  `json:"tags"`
	EmbedModel   string    `json:"embed_model"`
	EmbedDim     int       `json:"embed_dim"`
	EmbedVersion int       `json:"embed_version"`
	CreatedAt    time.Time `json:"created_at"`
	// ChunkCount solo se completa al listar documentos.
	ChunkCount int `json:"chunk_count"`
}

type RagChunk struct {
	ID         string          `json:"id"`
	DocID      string          `json:"doc_id"`
	UserID     string          `json:"user_id"`
	ChunkIndex int             `json:"chunk_index"`
	Content    string          `json:"content"`
	Embedding  pgvector.Vector `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

type RagChunkHit struct {
	Chunk      RagChunk
	Document   RagDocument
	Similarity float64
}
