package repository

import (
	"context"
	"testing"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

func newSession(id, user string, createdAt time.Time) domain.Session {
	return domain.Session{
		ID:        id,
		UserID:    user,
		BotName:   "echo",
		Channel:   domain.ChannelWeb,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateSession(ctx, newSession("s1", "u1", base)))
	require.NoError(t, store.CreateSession(ctx, newSession("s2", "u1", base.Add(time.Minute))))
	require.NoError(t, store.CreateSession(ctx, newSession("s3", "u2", base)))
	require.ErrorIs(t, store.CreateSession(ctx, newSession("s1", "u1", base)), domain.ErrConflict)

	list, err := store.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID, "newest first")
	assert.Equal(t, "s1", list[1].ID)

	n, err := store.CountSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.GetSession(ctx, "u2", "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "foreign session must look missing")

	assert.ErrorIs(t, store.DeleteSession(ctx, "u2", "s1"), domain.ErrNotFound)
	require.NoError(t, store.DeleteSession(ctx, "u1", "s1"))
	assert.ErrorIs(t, store.DeleteSession(ctx, "u1", "s1"), domain.ErrNotFound)

	deleted, err := store.DeleteAllSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	left, err := store.ListSessions(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestMemoryStoreDeleteCascadesMessages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(ctx, newSession("s1", "u1", now)))
	require.NoError(t, store.AppendMessage(ctx, domain.Message{ID: "m1", SessionID: "s1", Role: domain.RoleUser, Content: "hola", CreatedAt: now}))

	require.NoError(t, store.DeleteSession(ctx, "u1", "s1"))
	msgs, err := store.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.ErrorIs(t, store.AppendMessage(ctx, domain.Message{ID: "m2", SessionID: "s1"}), domain.ErrNotFound)
}

func TestMemoryStoreMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateSession(ctx, newSession("s1", "u1", base)))

	want := domain.Message{
		ID:         "m1",
		SessionID:  "s1",
		Role:       domain.RoleAssistant,
		Content:    "respuesta",
		RagEnabled: true,
		Status:     domain.MessageComplete,
		Sources:    []domain.RagSource{{Title: "doc", Score: 0.9, Meta: map[string]any{"doc_id": "d1"}}},
		CreatedAt:  base,
	}
	require.NoError(t, store.AppendMessage(ctx, want))
	for i := 2; i <= 4; i++ {
		require.NoError(t, store.AppendMessage(ctx, domain.Message{
			ID:        "m" + string(rune('0'+i)),
			SessionID: "s1",
			Role:      domain.RoleUser,
			Content:   "x",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := store.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, want, all[0])
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
	}

	last, err := store.ListMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "m3", last[0].ID)
	assert.Equal(t, "m4", last[1].ID)
}

func TestMemoryStoreUpdateFlagsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(ctx, newSession("s1", "u1", now)))

	key := "k1"
	updated, err := store.UpdateSessionFlags(ctx, "s1", 0, domain.FlagState{RagEnabled: true, LastIdempotencyKey: &key, UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, updated.RagEnabled)
	assert.Equal(t, int64(1), updated.FlagsVersion)
	require.NotNil(t, updated.LastIdempotencyKey)
	assert.Equal(t, "k1", *updated.LastIdempotencyKey)

	_, err = store.UpdateSessionFlags(ctx, "s1", 0, domain.FlagState{StreamEnabled: true, UpdatedAt: now})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.UpdateSessionFlags(ctx, "missing", 0, domain.FlagState{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStoreSearchRagChunks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertRagDocument(ctx,
		domain.RagDocument{ID: "d1", UserID: "u1", Title: "Go"},
		[]domain.RagChunk{
			{ID: "c1", ChunkIndex: 0, Content: "goroutines", Embedding: pgvector.NewVector([]float32{1, 0}), CreatedAt: now},
			{ID: "c2", ChunkIndex: 1, Content: "channels", Embedding: pgvector.NewVector([]float32{0.7, 0.7}), CreatedAt: now},
		}))
	require.NoError(t, store.UpsertRagDocument(ctx,
		domain.RagDocument{ID: "d2", UserID: "u2", Title: "other user"},
		[]domain.RagChunk{{ID: "c3", Content: "private", Embedding: pgvector.NewVector([]float32{1, 0})}}))

	hits, err := store.SearchRagChunks(ctx, "u1", pgvector.NewVector([]float32{1, 0}), 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "c1", hits[0].Chunk.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, "Go", hits[0].Document.Title)
	assert.Equal(t, "u1", hits[1].Chunk.UserID)

	top, err := store.SearchRagChunks(ctx, "u1", pgvector.NewVector([]float32{0, 1}), 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "c2", top[0].Chunk.ID)

	listed, err := store.ListRagChunks(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestMemoryStoreListAndDeleteRagDocuments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	vec := pgvector.NewVector([]float32{1, 0})

	require.NoError(t, store.UpsertRagDocument(ctx,
		domain.RagDocument{ID: "old", UserID: "u1", Title: "Viejo", CreatedAt: base},
		[]domain.RagChunk{{ID: "c1", Content: "a", Embedding: vec}, {ID: "c2", ChunkIndex: 1, Content: "b", Embedding: vec}}))
	require.NoError(t, store.UpsertRagDocument(ctx,
		domain.RagDocument{ID: "new", UserID: "u1", Title: "Nuevo", CreatedAt: base.Add(time.Hour)},
		[]domain.RagChunk{{ID: "c3", Content: "c", Embedding: vec}}))
	require.NoError(t, store.UpsertRagDocument(ctx,
		domain.RagDocument{ID: "other", UserID: "u2", CreatedAt: base},
		[]domain.RagChunk{{ID: "c4", Content: "d", Embedding: vec}}))

	docs, err := store.ListRagDocuments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "new", docs[0].ID, "newest first")
	assert.Equal(t, 1, docs[0].ChunkCount)
	assert.Equal(t, 2, docs[1].ChunkCount)

	assert.ErrorIs(t, store.DeleteRagDocument(ctx, "u2", "old"), domain.ErrNotFound)
	require.NoError(t, store.DeleteRagDocument(ctx, "u1", "old"))
	assert.ErrorIs(t, store.DeleteRagDocument(ctx, "u1", "old"), domain.ErrNotFound)

	chunks, err := store.ListRagChunks(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c3", chunks[0].Chunk.ID)

	none, err := store.ListRagDocuments(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
