package repository

import (
	"context"

	pgvector "github.com/pgvector/pgvector-go"

	"ragchat/internal/domain"
)

type SessionRepository interface {
	CreateSession(ctx context.Context, session domain.Session) error
	// GetSession devuelve ErrNotFound si la sesion no existe o pertenece a otro usuario.
	GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)
	CountSessions(ctx context.Context, userID string) (int, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	DeleteAllSessions(ctx context.Context, userID string) (int, error)
	// UpdateSessionFlags aplica el estado solo si FlagsVersion sigue siendo expectedVersion.
	UpdateSessionFlags(ctx context.Context, sessionID string, expectedVersion int64, state domain.FlagState) (domain.Session, error)
	RenameSession(ctx context.Context, sessionID, name string) error
}

type MessageRepository interface {
	AppendMessage(ctx context.Context, message domain.Message) error
	// ListMessages devuelve los mensajes de mas antiguo a mas nuevo; limit > 0 conserva los ultimos.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
}

// RagCorpusRepository es el corpus de recuperacion de cada usuario.
type RagCorpusRepository interface {
	UpsertRagDocument(ctx context.Context, doc domain.RagDocument, chunks []domain.RagChunk) error
	ListRagChunks(ctx context.Context, userID string, limit int) ([]domain.RagChunkHit, error)
	SearchRagChunks(ctx context.Context, userID string, embedding pgvector.Vector, k int) ([]domain.RagChunkHit, error)
	// ListRagDocuments devuelve los documentos del usuario, mas nuevos primero.
	ListRagDocuments(ctx context.Context, userID string) ([]domain.RagDocument, error)
	// DeleteRagDocument borra el documento y sus chunks; ErrNotFound si no es del usuario.
	DeleteRagDocument(ctx context.Context, userID, docID string) error
}

type Storage interface {
	SessionRepository
	MessageRepository
	RagCorpusRepository
}
