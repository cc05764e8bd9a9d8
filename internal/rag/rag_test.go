package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
	"ragchat/internal/repository"
)

// keywordEmbedder proyecta el texto sobre tres ejes fijos.
type keywordEmbedder struct {
	err error
}

func (e keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	text = strings.ToLower(text)
	v := []float32{0.01, 0.01, 0.01}
	for i, kw := range []string{"go", "redis", "postgres"} {
		if strings.Contains(text, kw) {
			v[i] = 1
		}
	}
	return v, nil
}

func seedCorpus(t *testing.T) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore()
	now := time.Now().UTC()
	emb := keywordEmbedder{}
	chunk := func(id string, idx int, content string) domain.RagChunk {
		v, _ := emb.Embed(context.Background(), content)
		return domain.RagChunk{ID: id, ChunkIndex: idx, Content: content, Embedding: pgvector.NewVector(v), CreatedAt: now}
	}
	require.NoError(t, store.UpsertRagDocument(context.Background(),
		domain.RagDocument{ID: "d1", UserID: "u1", Title: "Manual", URL: "https://example.com/manual"},
		[]domain.RagChunk{
			chunk("c1", 0, "Go channels and\n goroutines"),
			chunk("c2", 1, "Redis keeps locks"),
			chunk("c3", 2, "Postgres stores rows"),
		}))
	require.NoError(t, store.UpsertRagDocument(context.Background(),
		domain.RagDocument{ID: "d2", UserID: "u2"},
		[]domain.RagChunk{chunk("c4", 0, "Redis for someone else")}))
	return store
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", Snippet("  a \n b\tc "))
	long := strings.Repeat("ñ", 250)
	got := Snippet(long)
	assert.Equal(t, 201, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestFormatContext(t *testing.T) {
	out := FormatContext([]domain.RagSource{
		{Content: "first\nchunk"},
		{Snippet: "only snippet"},
	})
	assert.True(t, strings.HasPrefix(out, promptHeader))
	assert.Contains(t, out, "1] first chunk")
	assert.Contains(t, out, "2] only snippet")
}

func TestSourceFromHit(t *testing.T) {
	src := SourceFromHit(domain.RagChunkHit{
		Chunk:      domain.RagChunk{DocID: "d9", ChunkIndex: 3, Content: "texto"},
		Similarity: 0.123456,
	})
	assert.Equal(t, "doc d9", src.Title)
	assert.Equal(t, 0.1235, src.Score)
	assert.Equal(t, "d9", src.Meta["doc_id"])
	assert.Equal(t, 3, src.Meta["chunk_index"])
}

func TestCorpusRetriever(t *testing.T) {
	store := seedCorpus(t)
	r := NewCorpusRetriever(keywordEmbedder{}, store, 2)

	sources, err := r.Search(context.Background(), "how does redis work?", "u1")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "Redis keeps locks", sources[0].Snippet)
	assert.Equal(t, "Manual", sources[0].Title)
	assert.GreaterOrEqual(t, sources[0].Score, sources[1].Score)

	empty, err := r.Search(context.Background(), "   ", "u1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = NewCorpusRetriever(keywordEmbedder{err: errors.New("down")}, store, 2).Search(context.Background(), "go", "u1")
	assert.Error(t, err)
}

func TestChromemRetriever(t *testing.T) {
	store := seedCorpus(t)
	r := NewChromemRetriever(keywordEmbedder{}, store, 5, 100)

	sources, err := r.Search(context.Background(), "postgres tuning", "u1")
	require.NoError(t, err)
	require.Len(t, sources, 3, "top k is capped by the collection size")
	assert.Equal(t, "Postgres stores rows", sources[0].Content)
	assert.Equal(t, "d1", sources[0].Meta["doc_id"])
	assert.Equal(t, 2, sources[0].Meta["chunk_index"])

	none, err := r.Search(context.Background(), "redis", "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	r.Invalidate("u1")
	again, err := r.Search(context.Background(), "go", "u1")
	require.NoError(t, err)
	require.NotEmpty(t, again)
	assert.Equal(t, "Go channels and\n goroutines", again[0].Content)
}

func TestChunkText(t *testing.T) {
	text := "uno dos\n\ntres\r\n\r\n" + strings.Repeat("x", 25)
	chunks := ChunkText(text, 10)
	assert.Equal(t, []string{"uno dos", "tres", "xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, chunks)

	assert.Equal(t, []string{"a\n\nb"}, ChunkText("a\n\nb", 10))
	assert.Empty(t, ChunkText(" \n\n ", 10))
}

func TestIngesterStoresSearchableChunks(t *testing.T) {
	store := repository.NewMemoryStore()
	in := NewIngester(keywordEmbedder{}, store, 20, "kw", 3)

	doc, n, err := in.Ingest(context.Background(), "u9", "Notas", "", "Redis locks expire\n\nPostgres keeps rows")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "u9", doc.UserID)
	assert.Equal(t, "kw", doc.EmbedModel)

	sources, err := NewCorpusRetriever(keywordEmbedder{}, store, 1).Search(context.Background(), "postgres", "u9")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "Postgres keeps rows", sources[0].Content)
	assert.Equal(t, "Notas", sources[0].Title)
	assert.Equal(t, 1, sources[0].Meta["chunk_index"])

	_, _, err = in.Ingest(context.Background(), "u9", "vacio", "", "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	failing := NewIngester(keywordEmbedder{err: errors.New("quota")}, store, 20, "kw", 3)
	_, _, err = failing.Ingest(context.Background(), "u9", "x", "", "texto")
	assert.Error(t, err)
}
