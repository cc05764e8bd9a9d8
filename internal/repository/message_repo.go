package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ragchat/internal/domain"
)

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

func (r *PgMessageRepository) AppendMessage(ctx context.Context, message domain.Message) error {
	const query = `
		INSERT INTO chat_messages (id, session_id, role, content, rag_enabled, stream_enabled, status, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	sources, err := marshalSources(message.Sources)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		message.ID,
		message.SessionID,
		string(message.Role),
		message.Content,
		message.RagEnabled,
		message.StreamEnabled,
		string(message.Status),
		sources,
		message.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return domain.ErrNotFound
	}
	return err
}

func (r *PgMessageRepository) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	const query = `
		SELECT id, session_id, role, content, rag_enabled, stream_enabled, status, sources, created_at
		FROM (
			SELECT *
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, query, sessionID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgxRows) ([]domain.Message, error) {
	messages := make([]domain.Message, 0)
	for rows.Next() {
		var (
			m       domain.Message
			role    string
			status  string
			sources []byte
		)
		if err := rows.Scan(
			&m.ID,
			&m.SessionID,
			&role,
			&m.Content,
			&m.RagEnabled,
			&m.StreamEnabled,
			&status,
			&sources,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.Status = domain.MessageStatus(status)
		m.CreatedAt = m.CreatedAt.UTC()
		parsed, err := unmarshalSources(sources)
		if err != nil {
			return nil, err
		}
		m.Sources = parsed
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func marshalSources(sources []domain.RagSource) ([]byte, error) {
	if sources == nil {
		sources = []domain.RagSource{}
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("marshal sources: %w", err)
	}
	return b, nil
}

func unmarshalSources(raw []byte) ([]domain.RagSource, error) {
	sources := []domain.RagSource{}
	if len(raw) == 0 {
		return sources, nil
	}
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	return sources, nil
}
