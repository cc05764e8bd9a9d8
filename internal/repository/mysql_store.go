package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	pgvector "github.com/pgvector/pgvector-go"

	"ragchat/internal/domain"
)

// MySQLStore implementa Storage sobre MySQL. La busqueda vectorial se hace en memoria
// sobre un lote acotado de chunks.
type MySQLStore struct {
	db        *sqlx.DB
	scanLimit int
}

var _ Storage = (*MySQLStore)(nil)

func NewMySQLStore(db *sqlx.DB, scanLimit int) *MySQLStore {
	if scanLimit <= 0 {
		scanLimit = 5000
	}
	return &MySQLStore{db: db, scanLimit: scanLimit}
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		bot_name VARCHAR(128) NOT NULL,
		channel VARCHAR(32) NOT NULL DEFAULT 'web',
		rag_enabled TINYINT(1) NOT NULL DEFAULT 0,
		stream_enabled TINYINT(1) NOT NULL DEFAULT 0,
		name VARCHAR(255) NULL,
		last_idempotency_key VARCHAR(255) NULL,
		flags_version BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_chat_sessions_user (user_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		seq BIGINT AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL UNIQUE,
		session_id VARCHAR(64) NOT NULL,
		role VARCHAR(16) NOT NULL,
		content MEDIUMTEXT NOT NULL,
		rag_enabled TINYINT(1) NOT NULL DEFAULT 0,
		stream_enabled TINYINT(1) NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL DEFAULT 'complete',
		sources MEDIUMTEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_chat_messages_session (session_id, created_at, seq),
		CONSTRAINT fk_chat_messages_session FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS rag_documents (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		title VARCHAR(512) NOT NULL DEFAULT '',
		url VARCHAR(1024) NOT NULL DEFAULT '',
		tags TEXT NOT NULL,
		embed_model VARCHAR(128) NOT NULL DEFAULT '',
		embed_dim INT NOT NULL DEFAULT 0,
		embed_version INT NOT NULL DEFAULT 1,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_rag_documents_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS rag_chunks (
		id VARCHAR(64) PRIMARY KEY,
		doc_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(128) NOT NULL,
		chunk_index INT NOT NULL,
		content MEDIUMTEXT NOT NULL,
		embedding LONGBLOB NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_rag_chunks_user (user_id),
		CONSTRAINT fk_rag_chunks_doc FOREIGN KEY (doc_id) REFERENCES rag_documents(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema crea las tablas si no existen.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type mysqlSessionRow struct {
	ID                 string         `db:"id"`
	UserID             string         `db:"user_id"`
	BotName            string         `db:"bot_name"`
	Channel            string         `db:"channel"`
	RagEnabled         bool           `db:"rag_enabled"`
	StreamEnabled      bool           `db:"stream_enabled"`
	Name               sql.NullString `db:"name"`
	LastIdempotencyKey sql.NullString `db:"last_idempotency_key"`
	FlagsVersion       int64          `db:"flags_version"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r mysqlSessionRow) toDomain() domain.Session {
	return domain.Session{
		ID:                 r.ID,
		UserID:             r.UserID,
		BotName:            r.BotName,
		Channel:            domain.Channel(r.Channel),
		RagEnabled:         r.RagEnabled,
		StreamEnabled:      r.StreamEnabled,
		Name:               nullStringPtr(r.Name),
		LastIdempotencyKey: nullStringPtr(r.LastIdempotencyKey),
		FlagsVersion:       r.FlagsVersion,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

var mysqlSessionColumns = []string{
	"id", "user_id", "bot_name", "channel", "rag_enabled", "stream_enabled",
	"name", "last_idempotency_key", "flags_version", "created_at", "updated_at",
}

func (s *MySQLStore) CreateSession(ctx context.Context, session domain.Session) error {
	query, args, err := sq.Insert("chat_sessions").
		Columns(mysqlSessionColumns...).
		Values(session.ID, session.UserID, session.BotName, string(session.Channel),
			session.RagEnabled, session.StreamEnabled, session.Name, session.LastIdempotencyKey,
			session.FlagsVersion, session.CreatedAt, session.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return fmt.Errorf("%w: session %s already exists", domain.ErrConflict, session.ID)
	}
	return err
}

func (s *MySQLStore) GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	query, args, err := sq.Select(mysqlSessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"id": sessionID, "user_id": userID}).
		ToSql()
	if err != nil {
		return domain.Session{}, fmt.Errorf("build get session: %w", err)
	}
	var row mysqlSessionRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, domain.ErrNotFound
		}
		return domain.Session{}, err
	}
	return row.toDomain(), nil
}

func (s *MySQLStore) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	query, args, err := sq.Select(mysqlSessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions: %w", err)
	}
	var rows []mysqlSessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *MySQLStore) CountSessions(ctx context.Context, userID string) (int, error) {
	query, args, err := sq.Select("COUNT(*)").From("chat_sessions").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count sessions: %w", err)
	}
	var n int
	err = s.db.GetContext(ctx, &n, query, args...)
	return n, err
}

func (s *MySQLStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	query, args, err := sq.Delete("chat_sessions").Where(sq.Eq{"id": sessionID, "user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MySQLStore) DeleteAllSessions(ctx context.Context, userID string) (int, error) {
	query, args, err := sq.Delete("chat_sessions").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete sessions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *MySQLStore) UpdateSessionFlags(ctx context.Context, sessionID string, expectedVersion int64, state domain.FlagState) (domain.Session, error) {
	query, args, err := sq.Update("chat_sessions").
		Set("rag_enabled", state.RagEnabled).
		Set("stream_enabled", state.StreamEnabled).
		Set("last_idempotency_key", state.LastIdempotencyKey).
		Set("flags_version", sq.Expr("flags_version + 1")).
		Set("updated_at", state.UpdatedAt).
		Where(sq.Eq{"id": sessionID, "flags_version": expectedVersion}).
		ToSql()
	if err != nil {
		return domain.Session{}, fmt.Errorf("build update flags: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Session{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Session{}, fmt.Errorf("%w: session %s changed concurrently", domain.ErrConflict, sessionID)
	}

	query, args, err = sq.Select(mysqlSessionColumns...).From("chat_sessions").Where(sq.Eq{"id": sessionID}).ToSql()
	if err != nil {
		return domain.Session{}, fmt.Errorf("build get session: %w", err)
	}
	var row mysqlSessionRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return domain.Session{}, err
	}
	return row.toDomain(), nil
}

func (s *MySQLStore) RenameSession(ctx context.Context, sessionID, name string) error {
	query, args, err := sq.Update("chat_sessions").Set("name", name).Where(sq.Eq{"id": sessionID}).ToSql()
	if err != nil {
		return fmt.Errorf("build rename session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

type mysqlMessageRow struct {
	ID            string    `db:"id"`
	SessionID     string    `db:"session_id"`
	Role          string    `db:"role"`
	Content       string    `db:"content"`
	RagEnabled    bool      `db:"rag_enabled"`
	StreamEnabled bool      `db:"stream_enabled"`
	Status        string    `db:"status"`
	Sources       []byte    `db:"sources"`
	CreatedAt     time.Time `db:"created_at"`
}

func (s *MySQLStore) AppendMessage(ctx context.Context, message domain.Message) error {
	sources, err := marshalSources(message.Sources)
	if err != nil {
		return err
	}
	query, args, err := sq.Insert("chat_messages").
		Columns("id", "session_id", "role", "content", "rag_enabled", "stream_enabled", "status", "sources", "created_at").
		Values(message.ID, message.SessionID, string(message.Role), message.Content,
			message.RagEnabled, message.StreamEnabled, string(message.Status), string(sources), message.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1452 {
		return domain.ErrNotFound
	}
	return err
}

func (s *MySQLStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	b := sq.Select("id", "session_id", "role", "content", "rag_enabled", "stream_enabled", "status", "sources", "created_at").
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at DESC", "seq DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages: %w", err)
	}
	var rows []mysqlMessageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]domain.Message, len(rows))
	for i, r := range rows {
		sources, err := unmarshalSources(r.Sources)
		if err != nil {
			return nil, err
		}
		// las filas vienen de mas nuevo a mas antiguo
		out[len(rows)-1-i] = domain.Message{
			ID:            r.ID,
			SessionID:     r.SessionID,
			Role:          domain.Role(r.Role),
			Content:       r.Content,
			RagEnabled:    r.RagEnabled,
			StreamEnabled: r.StreamEnabled,
			Status:        domain.MessageStatus(r.Status),
			Sources:       sources,
			CreatedAt:     r.CreatedAt.UTC(),
		}
	}
	return out, nil
}

func (s *MySQLStore) UpsertRagDocument(ctx context.Context, doc domain.RagDocument, chunks []domain.RagChunk) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sq.Insert("rag_documents").
		Columns("id", "user_id", "title", "url", "tags", "embed_model", "embed_dim", "embed_version", "created_at").
		Values(doc.ID, doc.UserID, doc.Title, doc.URL, strings.Join(doc.Tags, ","),
			doc.EmbedModel, doc.EmbedDim, doc.EmbedVersion, doc.CreatedAt).
		Suffix("ON DUPLICATE KEY UPDATE title = VALUES(title), url = VALUES(url), tags = VALUES(tags), embed_model = VALUES(embed_model), embed_dim = VALUES(embed_dim), embed_version = VALUES(embed_version)").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	query, args, err = sq.Delete("rag_chunks").Where(sq.Eq{"doc_id": doc.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	if len(chunks) > 0 {
		ins := sq.Insert("rag_chunks").Columns("id", "doc_id", "user_id", "chunk_index", "content", "embedding", "created_at")
		for _, c := range chunks {
			ins = ins.Values(c.ID, doc.ID, doc.UserID, c.ChunkIndex, c.Content, encodeEmbedding(c.Embedding.Slice()), c.CreatedAt)
		}
		query, args, err = ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
	}
	return tx.Commit()
}

type mysqlHitRow struct {
	ID           string    `db:"id"`
	DocID        string    `db:"doc_id"`
	UserID       string    `db:"user_id"`
	ChunkIndex   int       `db:"chunk_index"`
	Content      string    `db:"content"`
	Embedding    []byte    `db:"embedding"`
	CreatedAt    time.Time `db:"created_at"`
	Title        string    `db:"title"`
	URL          string    `db:"url"`
	Tags         string    `db:"tags"`
	EmbedModel   string    `db:"embed_model"`
	EmbedDim     int       `db:"embed_dim"`
	EmbedVersion int       `db:"embed_version"`
	DocCreatedAt time.Time `db:"doc_created_at"`
}

func (s *MySQLStore) ListRagChunks(ctx context.Context, userID string, limit int) ([]domain.RagChunkHit, error) {
	b := sq.Select(
		"c.id", "c.doc_id", "c.user_id", "c.chunk_index", "c.content", "c.embedding", "c.created_at",
		"d.title", "d.url", "d.tags", "d.embed_model", "d.embed_dim", "d.embed_version", "d.created_at AS doc_created_at",
	).
		From("rag_chunks c").
		Join("rag_documents d ON d.id = c.doc_id").
		Where(sq.Eq{"c.user_id": userID}).
		OrderBy("c.doc_id", "c.chunk_index")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chunks: %w", err)
	}
	var rows []mysqlHitRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	hits := make([]domain.RagChunkHit, 0, len(rows))
	for _, r := range rows {
		vec, err := decodeEmbedding(r.Embedding)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", r.ID, err)
		}
		var tags []string
		if r.Tags != "" {
			tags = strings.Split(r.Tags, ",")
		}
		hits = append(hits, domain.RagChunkHit{
			Chunk: domain.RagChunk{
				ID:         r.ID,
				DocID:      r.DocID,
				UserID:     r.UserID,
				ChunkIndex: r.ChunkIndex,
				Content:    r.Content,
				Embedding:  pgvector.NewVector(vec),
				CreatedAt:  r.CreatedAt.UTC(),
			},
			Document: domain.RagDocument{
				ID:           r.DocID,
				UserID:       r.UserID,
				Title:        r.Title,
				URL:          r.URL,
				Tags:         tags,
				EmbedModel:   r.EmbedModel,
				EmbedDim:     r.EmbedDim,
				EmbedVersion: r.EmbedVersion,
				CreatedAt:    r.DocCreatedAt.UTC(),
			},
		})
	}
	return hits, nil
}

func (s *MySQLStore) SearchRagChunks(ctx context.Context, userID string, embedding pgvector.Vector, k int) ([]domain.RagChunkHit, error) {
	hits, err := s.ListRagChunks(ctx, userID, s.scanLimit)
	if err != nil {
		return nil, err
	}
	return rankHits(embedding.Slice(), hits, k), nil
}

type mysqlDocRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	Title        string    `db:"title"`
	URL          string    `db:"url"`
	Tags         string    `db:"tags"`
	EmbedModel   string    `db:"embed_model"`
	EmbedDim     int       `db:"embed_dim"`
	EmbedVersion int       `db:"embed_version"`
	CreatedAt    time.Time `db:"created_at"`
	ChunkCount   int       `db:"chunk_count"`
}

func (s *MySQLStore) ListRagDocuments(ctx context.Context, userID string) ([]domain.RagDocument, error) {
	query, args, err := sq.Select(
		"d.id", "d.user_id", "d.title", "d.url", "d.tags", "d.embed_model", "d.embed_dim", "d.embed_version", "d.created_at",
		"COUNT(c.id) AS chunk_count",
	).
		From("rag_documents d").
		LeftJoin("rag_chunks c ON c.doc_id = d.id").
		Where(sq.Eq{"d.user_id": userID}).
		GroupBy("d.id").
		OrderBy("d.created_at DESC", "d.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list documents: %w", err)
	}
	var rows []mysqlDocRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	docs := make([]domain.RagDocument, 0, len(rows))
	for _, r := range rows {
		var tags []string
		if r.Tags != "" {
			tags = strings.Split(r.Tags, ",")
		}
		docs = append(docs, domain.RagDocument{
			ID:           r.ID,
			UserID:       r.UserID,
			Title:        r.Title,
			URL:          r.URL,
			Tags:         tags,
			EmbedModel:   r.EmbedModel,
			EmbedDim:     r.EmbedDim,
			EmbedVersion: r.EmbedVersion,
			CreatedAt:    r.CreatedAt.UTC(),
			ChunkCount:   r.ChunkCount,
		})
	}
	return docs, nil
}

func (s *MySQLStore) DeleteRagDocument(ctx context.Context, userID, docID string) error {
	query, args, err := sq.Delete("rag_documents").Where(sq.Eq{"id": docID, "user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete document: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
