package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/llm"
	"ragchat/internal/metrics"
	"ragchat/internal/repository"
	"ragchat/internal/service"
)

type stubRetriever struct {
	sources []domain.RagSource
}

func (s stubRetriever) Search(_ context.Context, _, _ string) ([]domain.RagSource, error) {
	return s.sources, nil
}

// letterEmbedder marca con 1 el eje de cada palabra clave presente.
type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	text = strings.ToLower(text)
	v := []float32{0.01, 0.01}
	if strings.Contains(text, "redis") {
		v[0] = 1
	}
	if strings.Contains(text, "postgres") {
		v[1] = 1
	}
	return v, nil
}

type testServer struct {
	router *gin.Engine
	model  *llm.MockClient
	store  *repository.MemoryStore
	corpus *service.CorpusService
}

func newTestServer(t *testing.T, model *llm.MockClient, checks map[string]HealthCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		MaxSessions:       2,
		MaxMessagesCount:  20,
		MaxMessagesLength: 100,
		ContextBudget:     10000,
		RetrievalTopK:     5,
		RetrievalTimeout:  time.Second,
		RequestTimeout:    5 * time.Second,
		AutoNameMaxLen:    50,
	}
	logger := zap.NewNop()
	store := repository.NewMemoryStore()
	reg := llm.NewRegistry()
	if err := reg.Register(domain.BotInfo{Family: "test", Name: "mock", Desc: "scripted"}, model); err != nil {
		t.Fatalf("register bot: %v", err)
	}
	m := metrics.New()
	locker := service.NewKeyedLocker()
	retriever := stubRetriever{sources: []domain.RagSource{{Title: "Doc", Snippet: "snip", Score: 0.8, Meta: map[string]any{"doc_id": "d1", "chunk_index": 0}, Content: "chunk"}}}

	sessions := service.NewSessionService(cfg, logger, store, store, locker, reg, m)
	chat := service.NewChatService(cfg, logger, store, store, locker, reg, retriever,
		service.NewContextBuilder(cfg, service.RuneMeasurer{}), service.NewPrefixNamer(50), nil, m)

	corpus := service.NewCorpusService(cfg, logger, store, letterEmbedder{}, nil)

	r := NewRouter(logger, m, NewHandlers(logger, reg, checks), NewSessionHandler(logger, sessions),
		NewChatHandler(logger, chat), NewCorpusHandler(logger, corpus))
	return &testServer{router: r, model: model, store: store, corpus: corpus}
}

func performRequest(r http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid envelope %q: %v", rec.Body.String(), err)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("invalid data %s: %v", env.Data, err)
		}
	}
	return envelope{Code: env.Code, Message: env.Message}
}

func (s *testServer) createSession(t *testing.T, user string) domain.Session {
	t.Helper()
	rec := performRequest(s.router, http.MethodPost, "/sessions", map[string]string{"user_id": user, "bot_name": "mock"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session domain.Session
	decodeEnvelope(t, rec, &session)
	return session
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{Response: "hola"}, nil)
	first := s.createSession(t, "u1")
	if first.Channel != domain.ChannelWeb {
		t.Fatalf("expected default channel web, got %q", first.Channel)
	}
	s.createSession(t, "u1")

	rec := performRequest(s.router, http.MethodPost, "/sessions", map[string]string{"user_id": "u1", "bot_name": "mock"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 on quota, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec, nil); env.Code != codeQuotaExceeded {
		t.Fatalf("expected quota code, got %d", env.Code)
	}

	rec = performRequest(s.router, http.MethodGet, "/sessions?user_id=u1", nil)
	var list struct {
		Sessions []domain.Session `json:"sessions"`
	}
	decodeEnvelope(t, rec, &list)
	if rec.Code != http.StatusOK || len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d (status %d)", len(list.Sessions), rec.Code)
	}

	rec = performRequest(s.router, http.MethodDelete, "/sessions/"+first.ID+"?user_id=u2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for foreign delete, got %d", rec.Code)
	}
	rec = performRequest(s.router, http.MethodDelete, "/sessions/"+first.ID+"?user_id=u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	rec = performRequest(s.router, http.MethodDelete, "/sessions?user_id=u1", nil)
	var deleted struct {
		Deleted int `json:"deleted"`
	}
	decodeEnvelope(t, rec, &deleted)
	if deleted.Deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted.Deleted)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{}, nil)

	t.Run("bot desconocido", func(t *testing.T) {
		rec := performRequest(s.router, http.MethodPost, "/sessions", map[string]string{"user_id": "u1", "bot_name": "ghost"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("canal invalido", func(t *testing.T) {
		rec := performRequest(s.router, http.MethodPost, "/sessions", map[string]string{"user_id": "u1", "bot_name": "mock", "channel": "sms"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("body invalido", func(t *testing.T) {
		rec := performRequest(s.router, http.MethodPost, "/sessions", map[string]string{"bot_name": "mock"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
	})
}

func TestUpdateFlagsIdempotencyHeader(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{}, nil)
	session := s.createSession(t, "u1")
	path := "/sessions/" + session.ID + "/flags"

	rec := performRequest(s.router, http.MethodPatch, path, map[string]any{"user_id": "u1", "rag_enabled": true}, "Idempotency-Key", "abc")
	var updated domain.Session
	decodeEnvelope(t, rec, &updated)
	if rec.Code != http.StatusOK || !updated.RagEnabled || updated.FlagsVersion != 1 {
		t.Fatalf("unexpected update: status %d, %+v", rec.Code, updated)
	}

	rec = performRequest(s.router, http.MethodPatch, path, map[string]any{"user_id": "u1", "stream_enabled": true}, "Idempotency-Key", "abc")
	var replay domain.Session
	decodeEnvelope(t, rec, &replay)
	if replay.StreamEnabled || replay.FlagsVersion != 1 {
		t.Fatalf("expected replay to be a no-op, got %+v", replay)
	}

	rec = performRequest(s.router, http.MethodPatch, path, map[string]any{"user_id": "u1", "stream_enabled": true, "idempotency_key": "def"})
	var next domain.Session
	decodeEnvelope(t, rec, &next)
	if !next.StreamEnabled || next.FlagsVersion != 2 {
		t.Fatalf("expected body key to apply, got %+v", next)
	}
}

func TestPostMessageBufferedAndHistory(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{Response: "respuesta"}, nil)
	session := s.createSession(t, "u1")

	rec := performRequest(s.router, http.MethodPost, "/sessions/"+session.ID+"/notes", map[string]string{"user_id": "u1", "content": "rag activado"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 for note, got %d", rec.Code)
	}

	rec = performRequest(s.router, http.MethodPost, "/sessions/"+session.ID+"/messages", map[string]any{"user_id": "u1", "content": "hola", "rag_enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var reply struct {
		Reply   string             `json:"reply"`
		Sources []domain.RagSource `json:"sources"`
	}
	decodeEnvelope(t, rec, &reply)
	if reply.Reply != "respuesta" || len(reply.Sources) != 1 || reply.Sources[0].Title != "Doc" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if strings.Contains(rec.Body.String(), "chunk\"") {
		t.Fatalf("full chunk text must not be exposed: %s", rec.Body.String())
	}

	rec = performRequest(s.router, http.MethodGet, "/sessions/"+session.ID+"/messages?user_id=u1", nil)
	var hist struct {
		History []domain.Message `json:"history"`
	}
	decodeEnvelope(t, rec, &hist)
	if len(hist.History) != 3 {
		t.Fatalf("expected note, user and assistant, got %d", len(hist.History))
	}
	if hist.History[0].Role != domain.RoleSystem || hist.History[2].Role != domain.RoleAssistant {
		t.Fatalf("unexpected order: %+v", hist.History)
	}

	rec = performRequest(s.router, http.MethodGet, "/sessions/"+session.ID+"/messages?user_id=u2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestPostMessageStream(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{Fragments: []string{"uno ", "dos"}}, nil)
	session := s.createSession(t, "u1")

	rec := performRequest(s.router, http.MethodPost, "/sessions/"+session.ID+"/messages",
		map[string]any{"user_id": "u1", "content": "cuenta", "stream": true, "rag_enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain, got %q", ct)
	}

	sources, rest, ok, err := service.ParseSourcesFrame(rec.Body.String())
	if err != nil || !ok {
		t.Fatalf("expected sources frame, got ok=%v err=%v body=%q", ok, err, rec.Body.String())
	}
	if len(sources) != 1 || rest != "uno dos" {
		t.Fatalf("unexpected stream body: sources=%+v rest=%q", sources, rest)
	}

	msgs, err := s.store.ListMessages(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "uno dos" || msgs[1].Status != domain.MessageComplete {
		t.Fatalf("unexpected stored messages: %+v", msgs)
	}
}

func TestPostMessageBackendFailure(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{Err: errors.New("provider down")}, nil)
	session := s.createSession(t, "u1")

	rec := performRequest(s.router, http.MethodPost, "/sessions/"+session.ID+"/messages", map[string]any{"user_id": "u1", "content": "hola"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	rec = performRequest(s.router, http.MethodPost, "/sessions/"+session.ID+"/messages", map[string]any{"user_id": "u1", "content": "hola", "stream": true})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 for stream start, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected json error envelope")
	}
}

func TestHealthBotsAndMetrics(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{}, map[string]HealthCheck{
		"storage": func(context.Context) error { return nil },
	})

	rec := performRequest(s.router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	rec = performRequest(s.router, http.MethodGet, "/bots", nil)
	var bots struct {
		Bots []domain.BotInfo `json:"bots"`
	}
	decodeEnvelope(t, rec, &bots)
	if len(bots.Bots) != 1 || bots.Bots[0].Name != "mock" {
		t.Fatalf("unexpected bots: %+v", bots.Bots)
	}
	if !strings.Contains(rec.Body.String(), `"bot_name":"mock"`) {
		t.Fatalf("expected bot_name field, got %s", rec.Body.String())
	}

	s.createSession(t, "u1")
	rec = performRequest(s.router, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ragchat_sessions_created_total 1") {
		t.Fatalf("expected session counter in metrics, got %d", rec.Code)
	}

	down := newTestServer(t, &llm.MockClient{}, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("refused") },
	})
	rec = performRequest(down.router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestCorpusEndpoints(t *testing.T) {
	s := newTestServer(t, &llm.MockClient{Response: "x"}, nil)
	ctx := context.Background()
	doc, _, err := s.corpus.Ingest(ctx, "u1", "Redis", "https://example.com/redis", "Redis keeps locks")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, _, err := s.corpus.Ingest(ctx, "u1", "Postgres", "", "Postgres stores rows"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec := performRequest(s.router, http.MethodGet, "/rag/docs?user_id=u1", nil)
	var list struct {
		Documents []domain.RagDocument `json:"documents"`
	}
	decodeEnvelope(t, rec, &list)
	if rec.Code != http.StatusOK || len(list.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d (status %d)", len(list.Documents), rec.Code)
	}

	rec = performRequest(s.router, http.MethodPost, "/rag/search", map[string]any{"user_id": "u1", "query": "redis locks", "top_k": 1})
	var found struct {
		Sources []domain.RagSource `json:"sources"`
	}
	decodeEnvelope(t, rec, &found)
	if rec.Code != http.StatusOK || len(found.Sources) != 1 || found.Sources[0].Title != "Redis" {
		t.Fatalf("unexpected search result %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"content"`) {
		t.Fatalf("chunk text must not be serialized: %s", rec.Body.String())
	}

	rec = performRequest(s.router, http.MethodPost, "/rag/search", map[string]any{"user_id": "u1", "query": "redis", "top_k": 50})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for top_k, got %d", rec.Code)
	}
	rec = performRequest(s.router, http.MethodPost, "/rag/search", map[string]any{"query": "redis"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without user_id, got %d", rec.Code)
	}

	rec = performRequest(s.router, http.MethodDelete, "/rag/docs/"+doc.ID+"?user_id=u2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for a foreign document, got %d", rec.Code)
	}
	rec = performRequest(s.router, http.MethodDelete, "/rag/docs/"+doc.ID+"?user_id=u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = performRequest(s.router, http.MethodGet, "/rag/docs?user_id=u1", nil)
	decodeEnvelope(t, rec, &list)
	if len(list.Documents) != 1 || list.Documents[0].Title != "Postgres" {
		t.Fatalf("expected only the postgres document left, got %+v", list.Documents)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrInvalidArgument, http.StatusBadRequest},
		{domain.ErrUnknownBot, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrQuotaExceeded, http.StatusUnprocessableEntity},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: bot %q: %v", domain.ErrBackendUnavailable, "retirado", domain.ErrUnknownBot), http.StatusServiceUnavailable},
		{domain.ErrStorageFailure, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if status, _, _ := classify(tc.err); status != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, status)
		}
	}
}
