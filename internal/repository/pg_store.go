package repository

import "github.com/jackc/pgx/v5/pgxpool"

// PgStore agrupa los repositorios Postgres detras de Storage.
type PgStore struct {
	*PgSessionRepository
	*PgMessageRepository
	*PgRagRepository
}

var _ Storage = (*PgStore)(nil)

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{
		PgSessionRepository: NewPgSessionRepository(pool),
		PgMessageRepository: NewPgMessageRepository(pool),
		PgRagRepository:     NewPgRagRepository(pool),
	}
}
