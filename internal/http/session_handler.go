package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragchat/internal/service"
)

// SessionHandler expone el ciclo de vida de las sesiones.
type SessionHandler struct {
	logger   *zap.Logger
	sessions *service.SessionService
}

func NewSessionHandler(logger *zap.Logger, sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{logger: logger, sessions: sessions}
}

// CreateSession maneja POST /sessions.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id" binding:"required"`
		BotName string `json:"bot_name" binding:"required"`
		Channel string `json:"channel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid create session request", zap.Error(err))
		respondBadRequest(c, "invalid request")
		return
	}

	session, err := h.sessions.CreateSession(c.Request.Context(), req.UserID, req.BotName, req.Channel)
	if err != nil {
		respondError(c, h.logger, "create session", err)
		return
	}
	respondOK(c, http.StatusCreated, session)
}

// ListSessions maneja GET /sessions?user_id=.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		respondError(c, h.logger, "list sessions", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"sessions": sessions})
}

// DeleteSession maneja DELETE /sessions/:id?user_id=.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	if err := h.sessions.DeleteSession(c.Request.Context(), c.Query("user_id"), c.Param("id")); err != nil {
		respondError(c, h.logger, "delete session", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": 1})
}

// DeleteAllSessions maneja DELETE /sessions?user_id=.
func (h *SessionHandler) DeleteAllSessions(c *gin.Context) {
	n, err := h.sessions.DeleteAllSessions(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		respondError(c, h.logger, "delete sessions", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": n})
}

// UpdateFlags maneja PATCH /sessions/:id/flags. El header Idempotency-Key
// tiene prioridad sobre el campo del body.
func (h *SessionHandler) UpdateFlags(c *gin.Context) {
	var req struct {
		UserID         string `json:"user_id" binding:"required"`
		RagEnabled     *bool  `json:"rag_enabled"`
		StreamEnabled  *bool  `json:"stream_enabled"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid update flags request", zap.Error(err))
		respondBadRequest(c, "invalid request")
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}

	session, err := h.sessions.UpdateFlags(c.Request.Context(), req.UserID, c.Param("id"),
		service.FlagUpdate{RagEnabled: req.RagEnabled, StreamEnabled: req.StreamEnabled}, key)
	if err != nil {
		respondError(c, h.logger, "update flags", err)
		return
	}
	respondOK(c, http.StatusOK, session)
}

// AddNote maneja POST /sessions/:id/notes.
func (h *SessionHandler) AddNote(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id" binding:"required"`
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid add note request", zap.Error(err))
		respondBadRequest(c, "invalid request")
		return
	}

	msg, err := h.sessions.AddSystemNote(c.Request.Context(), req.UserID, c.Param("id"), req.Content)
	if err != nil {
		respondError(c, h.logger, "add note", err)
		return
	}
	respondOK(c, http.StatusCreated, msg)
}
