package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"ragchat/internal/domain"
)

type PgRagRepository struct {
	pool *pgxpool.Pool
}

func NewPgRagRepository(pool *pgxpool.Pool) *PgRagRepository {
	return &PgRagRepository{pool: pool}
}

func (r *PgRagRepository) UpsertRagDocument(ctx context.Context, doc domain.RagDocument, chunks []domain.RagChunk) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertDoc = `
		INSERT INTO rag_documents (id, user_id, title, url, tags, embed_model, embed_dim, embed_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, url = EXCLUDED.url, tags = EXCLUDED.tags,
			embed_model = EXCLUDED.embed_model, embed_dim = EXCLUDED.embed_dim, embed_version = EXCLUDED.embed_version
	`
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	if _, err := tx.Exec(ctx, upsertDoc,
		doc.ID, doc.UserID, doc.Title, doc.URL, tags,
		doc.EmbedModel, doc.EmbedDim, doc.EmbedVersion, doc.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rag_chunks WHERE doc_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	const insertChunk = `
		INSERT INTO rag_chunks (id, doc_id, user_id, chunk_index, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(insertChunk, c.ID, doc.ID, doc.UserID, c.ChunkIndex, c.Content, c.Embedding, c.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PgRagRepository) ListRagDocuments(ctx context.Context, userID string) ([]domain.RagDocument, error) {
	const query = `
		SELECT d.id, d.user_id, d.title, d.url, d.tags, d.embed_model, d.embed_dim, d.embed_version, d.created_at,
			COUNT(c.id)
		FROM rag_documents d
		LEFT JOIN rag_chunks c ON c.doc_id = d.id
		WHERE d.user_id = $1
		GROUP BY d.id
		ORDER BY d.created_at DESC, d.id
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]domain.RagDocument, 0)
	for rows.Next() {
		var d domain.RagDocument
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.URL, &d.Tags,
			&d.EmbedModel, &d.EmbedDim, &d.EmbedVersion, &d.CreatedAt, &d.ChunkCount); err != nil {
			return nil, err
		}
		d.CreatedAt = d.CreatedAt.UTC()
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteRagDocument borra el documento; los chunks caen por ON DELETE CASCADE.
func (r *PgRagRepository) DeleteRagDocument(ctx context.Context, userID, docID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rag_documents WHERE id = $1 AND user_id = $2`, docID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const ragHitColumns = `
	c.id, c.doc_id, c.user_id, c.chunk_index, c.content, c.embedding, c.created_at,
	d.title, d.url, d.tags, d.embed_model, d.embed_dim, d.embed_version, d.created_at`

func (r *PgRagRepository) ListRagChunks(ctx context.Context, userID string, limit int) ([]domain.RagChunkHit, error) {
	const query = `
		SELECT ` + ragHitColumns + `, 0::float8
		FROM rag_chunks c
		JOIN rag_documents d ON d.id = c.doc_id
		WHERE c.user_id = $1
		ORDER BY c.doc_id, c.chunk_index
		LIMIT $2
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, query, userID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows)
}

// SearchRagChunks ordena por distancia coseno de pgvector; similitud = 1 - distancia.
func (r *PgRagRepository) SearchRagChunks(ctx context.Context, userID string, embedding pgvector.Vector, k int) ([]domain.RagChunkHit, error) {
	if k <= 0 {
		k = 5
	}
	const query = `
		SELECT ` + ragHitColumns + `, 1 - (c.embedding <=> $2)
		FROM rag_chunks c
		JOIN rag_documents d ON d.id = c.doc_id
		WHERE c.user_id = $1
		ORDER BY c.embedding <=> $2
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, userID, embedding, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows)
}

func scanHits(rows pgxRows) ([]domain.RagChunkHit, error) {
	var hits []domain.RagChunkHit
	for rows.Next() {
		var h domain.RagChunkHit
		if err := rows.Scan(
			&h.Chunk.ID,
			&h.Chunk.DocID,
			&h.Chunk.UserID,
			&h.Chunk.ChunkIndex,
			&h.Chunk.Content,
			&h.Chunk.Embedding,
			&h.Chunk.CreatedAt,
			&h.Document.Title,
			&h.Document.URL,
			&h.Document.Tags,
			&h.Document.EmbedModel,
			&h.Document.EmbedDim,
			&h.Document.EmbedVersion,
			&h.Document.CreatedAt,
			&h.Similarity,
		); err != nil {
			return nil, err
		}
		h.Document.ID = h.Chunk.DocID
		h.Document.UserID = h.Chunk.UserID
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}
