package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/metrics"
	"ragchat/internal/repository"
)

// BotCatalog es lo que el gestor de sesiones necesita saber de los bots.
type BotCatalog interface {
	Has(name string) bool
}

// SessionService gestiona el ciclo de vida de las sesiones y sus flags.
type SessionService struct {
	cfg      *config.Config
	logger   *zap.Logger
	sessions repository.SessionRepository
	messages repository.MessageRepository
	locker   SessionLocker
	bots     BotCatalog
	metrics  *metrics.Metrics
	now      func() time.Time
}

// FlagUpdate deja en nil los flags que no cambian.
type FlagUpdate struct {
	RagEnabled    *bool
	StreamEnabled *bool
}

func NewSessionService(
	cfg *config.Config,
	logger *zap.Logger,
	sessions repository.SessionRepository,
	messages repository.MessageRepository,
	locker SessionLocker,
	bots BotCatalog,
	m *metrics.Metrics,
) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewKeyedLocker()
	}
	return &SessionService{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		messages: messages,
		locker:   locker,
		bots:     bots,
		metrics:  m,
		now:      time.Now,
	}
}

func (s *SessionService) CreateSession(ctx context.Context, userID, botName, channel string) (domain.Session, error) {
	if s == nil || s.sessions == nil {
		return domain.Session{}, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	botName = strings.TrimSpace(botName)
	if userID == "" || botName == "" {
		return domain.Session{}, invalidArg("user_id and bot_name are required")
	}
	ch, ok := domain.ParseChannel(strings.TrimSpace(channel))
	if !ok {
		return domain.Session{}, invalidArg("unknown channel %q", channel)
	}
	if s.bots != nil && !s.bots.Has(botName) {
		return domain.Session{}, fmt.Errorf("%w: %w: %q", domain.ErrInvalidArgument, domain.ErrUnknownBot, botName)
	}

	// serializa por usuario para que dos creaciones simultaneas no pasen la cuota
	unlock, err := s.locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: user busy: %w", domain.ErrConflict, err)
	}
	defer unlock()

	count, err := s.sessions.CountSessions(ctx, userID)
	if err != nil {
		return domain.Session{}, storageErr("count sessions", err)
	}
	if count >= s.cfg.MaxSessions {
		return domain.Session{}, fmt.Errorf("%w: user has %d sessions (max %d)", domain.ErrQuotaExceeded, count, s.cfg.MaxSessions)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	session := domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		BotName:   botName,
		Channel:   ch,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return domain.Session{}, storageErr("create session", err)
	}
	s.metrics.SessionCreated()
	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
		zap.String("bot", botName),
		zap.String("channel", string(ch)),
	)
	return session, nil
}

func (s *SessionService) GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	if s == nil || s.sessions == nil {
		return domain.Session{}, ErrServiceNotConfigured
	}
	session, err := s.sessions.GetSession(ctx, strings.TrimSpace(userID), strings.TrimSpace(sessionID))
	if err != nil {
		return domain.Session{}, storageErr("get session", err)
	}
	return session, nil
}

// ListSessions devuelve las sesiones del usuario, la mas reciente primero.
func (s *SessionService) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	if s == nil || s.sessions == nil {
		return nil, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalidArg("user_id is required")
	}
	sessions, err := s.sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	return sessions, nil
}

func (s *SessionService) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if s == nil || s.sessions == nil {
		return ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return invalidArg("user_id and session_id are required")
	}

	unlock, err := s.locker.Lock(ctx, sessionLockKey(sessionID))
	if err != nil {
		return fmt.Errorf("%w: session busy: %w", domain.ErrConflict, err)
	}
	defer unlock()

	if err := s.sessions.DeleteSession(ctx, userID, sessionID); err != nil {
		return storageErr("delete session", err)
	}
	s.logger.Info("session deleted", zap.String("session_id", sessionID), zap.String("user_id", userID))
	return nil
}

func (s *SessionService) DeleteAllSessions(ctx context.Context, userID string) (int, error) {
	if s == nil || s.sessions == nil {
		return 0, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, invalidArg("user_id is required")
	}
	unlock, err := s.locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		return 0, fmt.Errorf("%w: user busy: %w", domain.ErrConflict, err)
	}
	defer unlock()

	// con el lock de usuario no se crean sesiones nuevas; tomamos el de cada
	// sesion en orden de id para no borrar bajo un chat en curso
	sessions, err := s.sessions.ListSessions(ctx, userID)
	if err != nil {
		return 0, storageErr("list sessions", err)
	}
	ids := lo.Map(sessions, func(sess domain.Session, _ int) string { return sess.ID })
	sort.Strings(ids)
	for _, id := range ids {
		unlockSession, err := s.locker.Lock(ctx, sessionLockKey(id))
		if err != nil {
			return 0, fmt.Errorf("%w: session busy: %w", domain.ErrConflict, err)
		}
		defer unlockSession()
	}

	n, err := s.sessions.DeleteAllSessions(ctx, userID)
	if err != nil {
		return 0, storageErr("delete sessions", err)
	}
	s.logger.Info("sessions deleted", zap.String("user_id", userID), zap.Int("count", n))
	return n, nil
}

// UpdateFlags aplica los flags bajo el lock de la sesion. Repetir la misma
// idempotencyKey que la ultima aplicada no cambia nada y devuelve el estado actual.
func (s *SessionService) UpdateFlags(ctx context.Context, userID, sessionID string, update FlagUpdate, idempotencyKey string) (domain.Session, error) {
	if s == nil || s.sessions == nil {
		return domain.Session{}, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if userID == "" || sessionID == "" {
		return domain.Session{}, invalidArg("user_id and session_id are required")
	}

	unlock, err := s.locker.Lock(ctx, sessionLockKey(sessionID))
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: session busy: %w", domain.ErrConflict, err)
	}
	defer unlock()

	session, err := s.sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		return domain.Session{}, storageErr("get session", err)
	}
	if idempotencyKey != "" && session.LastIdempotencyKey != nil && *session.LastIdempotencyKey == idempotencyKey {
		s.logger.Debug("flag update replayed", zap.String("session_id", sessionID), zap.String("idempotency_key", idempotencyKey))
		return session, nil
	}

	state := domain.FlagState{
		RagEnabled:         session.RagEnabled,
		StreamEnabled:      session.StreamEnabled,
		LastIdempotencyKey: session.LastIdempotencyKey,
		UpdatedAt:          s.now().UTC().Truncate(time.Microsecond),
	}
	if update.RagEnabled != nil {
		state.RagEnabled = *update.RagEnabled
	}
	if update.StreamEnabled != nil {
		state.StreamEnabled = *update.StreamEnabled
	}
	if idempotencyKey != "" {
		state.LastIdempotencyKey = &idempotencyKey
	}

	updated, err := s.sessions.UpdateSessionFlags(ctx, sessionID, session.FlagsVersion, state)
	if err != nil {
		return domain.Session{}, storageErr("update flags", err)
	}
	s.logger.Info("session flags updated",
		zap.String("session_id", sessionID),
		zap.Bool("rag_enabled", updated.RagEnabled),
		zap.Bool("stream_enabled", updated.StreamEnabled),
		zap.Int64("flags_version", updated.FlagsVersion),
	)
	return updated, nil
}

// AddSystemNote guarda un aviso de sistema en el historial. No se envia al modelo.
func (s *SessionService) AddSystemNote(ctx context.Context, userID, sessionID, content string) (domain.Message, error) {
	if s == nil || s.sessions == nil || s.messages == nil {
		return domain.Message{}, ErrServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	content = strings.TrimSpace(content)
	if userID == "" || sessionID == "" {
		return domain.Message{}, invalidArg("user_id and session_id are required")
	}
	if content == "" {
		return domain.Message{}, invalidArg("content is empty")
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxMessagesLength {
		return domain.Message{}, invalidArg("content exceeds %d characters", s.cfg.MaxMessagesLength)
	}

	unlock, err := s.locker.Lock(ctx, sessionLockKey(sessionID))
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: session busy: %w", domain.ErrConflict, err)
	}
	defer unlock()

	session, err := s.sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		return domain.Message{}, storageErr("get session", err)
	}
	last, err := s.messages.ListMessages(ctx, sessionID, 1)
	if err != nil {
		return domain.Message{}, storageErr("list messages", err)
	}
	var after time.Time
	if len(last) > 0 {
		after = last[0].CreatedAt
	}

	msg := domain.Message{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Role:          domain.RoleSystem,
		Content:       content,
		RagEnabled:    session.RagEnabled,
		StreamEnabled: session.StreamEnabled,
		Status:        domain.MessageComplete,
		Sources:       []domain.RagSource{},
		CreatedAt:     nextTimestamp(s.now, after),
	}
	if err := s.messages.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, storageErr("append system note", err)
	}
	return msg, nil
}
