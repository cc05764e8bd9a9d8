package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var pgSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		bot_name TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT 'web',
		rag_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		stream_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		name TEXT,
		last_idempotency_key TEXT,
		flags_version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		rag_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		stream_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'complete',
		sources JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, created_at, seq)`,
	`CREATE TABLE IF NOT EXISTS rag_documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		embed_model TEXT NOT NULL DEFAULT '',
		embed_dim INT NOT NULL DEFAULT 0,
		embed_version INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rag_chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL REFERENCES rag_documents(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		chunk_index INT NOT NULL,
		content TEXT NOT NULL,
		embedding vector NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rag_chunks_user ON rag_chunks (user_id)`,
}

// EnsurePgSchema crea las tablas si no existen.
func EnsurePgSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// pgxRows is a minimal interface to allow scanning from pgx rows and simplify testing.
type pgxRows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
	Close()
}
