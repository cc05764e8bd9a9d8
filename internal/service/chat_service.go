package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/llm"
	"ragchat/internal/metrics"
	"ragchat/internal/rag"
	"ragchat/internal/repository"
)

// ModelResolver entrega el modelo configurado para un bot.
type ModelResolver interface {
	Get(name string) (llm.ChatModel, error)
}

// ChatRequest es un turno de usuario. Los flags en nil toman el valor de la sesion.
type ChatRequest struct {
	UserID     string
	SessionID  string
	Content    string
	Role       string
	Channel    string
	RagEnabled *bool
	Stream     *bool
}

// Reply es el resultado de una respuesta sin streaming.
type Reply struct {
	MessageID string             `json:"message_id"`
	Reply     string             `json:"reply"`
	Sources   []domain.RagSource `json:"sources"`
}

// ChatResult lleva Reply o Stream, nunca ambos.
type ChatResult struct {
	Reply  *Reply
	Stream *StreamHandle
}

type ChatService struct {
	cfg       *config.Config
	logger    *zap.Logger
	sessions  repository.SessionRepository
	messages  repository.MessageRepository
	locker    SessionLocker
	models    ModelResolver
	retriever rag.Retriever
	builder   *ContextBuilder
	namer     SessionNamer
	limiter   ChatRateLimiter
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewChatService(
	cfg *config.Config,
	logger *zap.Logger,
	sessions repository.SessionRepository,
	messages repository.MessageRepository,
	locker SessionLocker,
	models ModelResolver,
	retriever rag.Retriever,
	builder *ContextBuilder,
	namer SessionNamer,
	limiter ChatRateLimiter,
	m *metrics.Metrics,
) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewKeyedLocker()
	}
	if builder == nil {
		builder = NewContextBuilder(cfg, RuneMeasurer{})
	}
	if namer == nil {
		namer = NewPrefixNamer(cfg.AutoNameMaxLen)
	}
	return &ChatService{
		cfg:       cfg,
		logger:    logger,
		sessions:  sessions,
		messages:  messages,
		locker:    locker,
		models:    models,
		retriever: retriever,
		builder:   builder,
		namer:     namer,
		limiter:   limiter,
		metrics:   m,
		now:       time.Now,
	}
}

// Chat procesa un mensaje del usuario: lo guarda, recupera contexto, llama al
// bot y guarda la respuesta. En modo stream devuelve un StreamHandle que retiene
// el lock de la sesion hasta Close o fin del stream.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if s == nil || s.sessions == nil || s.messages == nil || s.models == nil {
		return nil, ErrServiceNotConfigured
	}

	userID := strings.TrimSpace(req.UserID)
	sessionID := strings.TrimSpace(req.SessionID)
	content := strings.TrimSpace(req.Content)
	if userID == "" || sessionID == "" {
		return nil, invalidArg("user_id and session_id are required")
	}
	if role := strings.TrimSpace(req.Role); role != "" && domain.Role(role) != domain.RoleUser {
		return nil, invalidArg("role %q is not accepted for chat", role)
	}
	if _, ok := domain.ParseChannel(strings.TrimSpace(req.Channel)); !ok {
		return nil, invalidArg("unknown channel %q", req.Channel)
	}
	if content == "" {
		return nil, invalidArg("content is empty")
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxMessagesLength {
		return nil, invalidArg("content exceeds %d characters", s.cfg.MaxMessagesLength)
	}
	if s.limiter != nil && !s.limiter.Allow(ctx, userID) {
		s.metrics.ChatRequest("unknown", "rate_limited")
		return nil, fmt.Errorf("%w: too many messages for user %s", domain.ErrRateLimited, userID)
	}

	unlock, err := s.locker.Lock(ctx, sessionLockKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: session busy: %w", domain.ErrConflict, err)
	}
	keepLock := false
	defer func() {
		if !keepLock {
			unlock()
		}
	}()

	session, err := s.sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, storageErr("get session", err)
	}
	model, err := s.models.Get(session.BotName)
	if err != nil {
		return nil, fmt.Errorf("%w: bot %q: %v", domain.ErrBackendUnavailable, session.BotName, err)
	}

	ragOn := lo.FromPtrOr(req.RagEnabled, session.RagEnabled)
	streamOn := lo.FromPtrOr(req.Stream, session.StreamEnabled)
	mode := "buffered"
	if streamOn {
		mode = "stream"
	}

	history, err := s.messages.ListMessages(ctx, sessionID, s.cfg.MaxMessagesCount+1)
	if err != nil {
		return nil, storageErr("list messages", err)
	}

	userMsg, history, err := s.storeUserMessage(ctx, sessionID, content, ragOn, streamOn, history)
	if err != nil {
		s.metrics.ChatRequest(mode, "storage_error")
		return nil, err
	}
	firstExchange := session.Name == nil && !lo.ContainsBy(history, func(m domain.Message) bool {
		return m.Role == domain.RoleAssistant
	})

	sources := s.retrieve(ctx, ragOn, content, userID, sessionID)
	ragPrompt := ""
	if len(sources) > 0 {
		ragPrompt = rag.FormatContext(sources)
	}
	turns := s.builder.Build(history, ragPrompt, content)

	if streamOn {
		genCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		stream, err := model.GenerateStream(genCtx, turns)
		if err != nil {
			cancel()
			s.metrics.ChatRequest(mode, "backend_error")
			s.logger.Error("stream start failed", zap.String("session_id", sessionID), zap.String("bot", session.BotName), zap.Error(err))
			return nil, fmt.Errorf("%w: start stream: %w", domain.ErrBackendUnavailable, err)
		}
		keepLock = true
		return &ChatResult{Stream: &StreamHandle{
			svc:           s,
			ctx:           genCtx,
			cancel:        cancel,
			unlock:        unlock,
			stream:        stream,
			model:         model,
			session:       session,
			userMsg:       userMsg,
			sources:       sources,
			firstExchange: firstExchange,
			started:       time.Now(),
		}}, nil
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	started := time.Now()
	text, err := model.Generate(genCtx, turns)
	s.metrics.ObserveGeneration(session.BotName, mode, time.Since(started))
	if err != nil {
		s.metrics.ChatRequest(mode, "backend_error")
		s.logger.Error("generation failed", zap.String("session_id", sessionID), zap.String("bot", session.BotName), zap.Error(err))
		return nil, fmt.Errorf("%w: generate: %w", domain.ErrBackendUnavailable, err)
	}

	public := publicSources(sources)
	assistant := domain.Message{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Role:          domain.RoleAssistant,
		Content:       text,
		RagEnabled:    ragOn,
		StreamEnabled: false,
		Status:        domain.MessageComplete,
		Sources:       public,
		CreatedAt:     nextTimestamp(s.now, userMsg.CreatedAt),
	}
	if err := s.messages.AppendMessage(ctx, assistant); err != nil {
		s.metrics.ChatRequest(mode, "storage_error")
		return nil, storageErr("append assistant message", err)
	}
	if firstExchange {
		s.autoName(ctx, session, model, content)
	}
	s.metrics.ChatRequest(mode, "ok")
	return &ChatResult{Reply: &Reply{MessageID: assistant.ID, Reply: text, Sources: public}}, nil
}

// History devuelve todos los mensajes de la sesion en orden cronologico.
func (s *ChatService) History(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	if s == nil || s.sessions == nil || s.messages == nil {
		return nil, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return nil, invalidArg("user_id and session_id are required")
	}
	if _, err := s.sessions.GetSession(ctx, userID, sessionID); err != nil {
		return nil, storageErr("get session", err)
	}
	msgs, err := s.messages.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	return msgs, nil
}

// storeUserMessage guarda el mensaje del usuario salvo que sea un reintento del
// ultimo (mismo texto y sin respuesta). Devuelve el historial previo sin el.
func (s *ChatService) storeUserMessage(ctx context.Context, sessionID, content string, ragOn, streamOn bool, history []domain.Message) (domain.Message, []domain.Message, error) {
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Role == domain.RoleUser && last.Content == content {
			s.logger.Debug("reusing unanswered user message", zap.String("session_id", sessionID), zap.String("message_id", last.ID))
			return last, history[:n-1], nil
		}
	}

	var after time.Time
	if n := len(history); n > 0 {
		after = history[n-1].CreatedAt
	}
	msg := domain.Message{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Role:          domain.RoleUser,
		Content:       content,
		RagEnabled:    ragOn,
		StreamEnabled: streamOn,
		Status:        domain.MessageComplete,
		Sources:       []domain.RagSource{},
		CreatedAt:     nextTimestamp(s.now, after),
	}
	if err := s.messages.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, nil, storageErr("append user message", err)
	}
	return msg, history, nil
}

// retrieve nunca falla: un error o timeout degrada a cero fuentes.
func (s *ChatService) retrieve(ctx context.Context, enabled bool, query, userID, sessionID string) []domain.RagSource {
	if !enabled || s.retriever == nil {
		return []domain.RagSource{}
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout)
	defer cancel()

	sources, err := s.retriever.Search(rctx, query, userID)
	if err != nil {
		s.metrics.RetrievalDegraded()
		s.logger.Warn("retrieval failed, answering without context",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return []domain.RagSource{}
	}
	if k := s.cfg.RetrievalTopK; k > 0 && len(sources) > k {
		sources = sources[:k]
	}
	if sources == nil {
		sources = []domain.RagSource{}
	}
	return sources
}

func (s *ChatService) autoName(ctx context.Context, session domain.Session, model llm.ChatModel, content string) {
	name := s.namer.Name(ctx, model, content)
	if err := s.sessions.RenameSession(ctx, session.ID, name); err != nil {
		s.logger.Warn("auto-name failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	s.logger.Debug("session named", zap.String("session_id", session.ID), zap.String("name", name))
}

// publicSources quita el texto completo de los chunks antes de persistir o responder.
func publicSources(sources []domain.RagSource) []domain.RagSource {
	return lo.Map(sources, func(src domain.RagSource, _ int) domain.RagSource {
		src.Content = ""
		return src
	})
}
