package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ragchat/internal/domain"
)

type PgSessionRepository struct {
	pool *pgxpool.Pool
}

func NewPgSessionRepository(pool *pgxpool.Pool) *PgSessionRepository {
	return &PgSessionRepository{pool: pool}
}

const sessionColumns = `id, user_id, bot_name, channel, rag_enabled, stream_enabled, name, last_idempotency_key, flags_version, created_at, updated_at`

func (r *PgSessionRepository) CreateSession(ctx context.Context, session domain.Session) error {
	const query = `
		INSERT INTO chat_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.BotName,
		string(session.Channel),
		session.RagEnabled,
		session.StreamEnabled,
		session.Name,
		session.LastIdempotencyKey,
		session.FlagsVersion,
		session.CreatedAt,
		session.UpdatedAt,
	)
	return err
}

func (r *PgSessionRepository) GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE id = $1 AND user_id = $2
	`
	session, err := scanSession(r.pool.QueryRow(ctx, query, sessionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	return session, err
}

func (r *PgSessionRepository) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *PgSessionRepository) CountSessions(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM chat_sessions WHERE user_id = $1`
	var n int
	err := r.pool.QueryRow(ctx, query, userID).Scan(&n)
	return n, err
}

// DeleteSession borra la sesion; los mensajes caen por ON DELETE CASCADE.
func (r *PgSessionRepository) DeleteSession(ctx context.Context, userID, sessionID string) error {
	const query = `DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`
	tag, err := r.pool.Exec(ctx, query, sessionID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgSessionRepository) DeleteAllSessions(ctx context.Context, userID string) (int, error) {
	const query = `DELETE FROM chat_sessions WHERE user_id = $1`
	tag, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgSessionRepository) UpdateSessionFlags(ctx context.Context, sessionID string, expectedVersion int64, state domain.FlagState) (domain.Session, error) {
	const query = `
		UPDATE chat_sessions
		SET rag_enabled = $3, stream_enabled = $4, last_idempotency_key = $5,
			flags_version = flags_version + 1, updated_at = $6
		WHERE id = $1 AND flags_version = $2
		RETURNING ` + sessionColumns
	session, err := scanSession(r.pool.QueryRow(ctx, query,
		sessionID,
		expectedVersion,
		state.RagEnabled,
		state.StreamEnabled,
		state.LastIdempotencyKey,
		state.UpdatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("%w: session %s changed concurrently", domain.ErrConflict, sessionID)
	}
	return session, err
}

func (r *PgSessionRepository) RenameSession(ctx context.Context, sessionID, name string) error {
	const query = `UPDATE chat_sessions SET name = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, sessionID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s       domain.Session
		channel string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.BotName,
		&channel,
		&s.RagEnabled,
		&s.StreamEnabled,
		&s.Name,
		&s.LastIdempotencyKey,
		&s.FlagsVersion,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	s.Channel = domain.Channel(channel)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}
