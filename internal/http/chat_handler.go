package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragchat/internal/service"
)

// ChatHandler expone el envio de mensajes y la lectura del historial.
type ChatHandler struct {
	logger *zap.Logger
	chat   *service.ChatService
}

func NewChatHandler(logger *zap.Logger, chat *service.ChatService) *ChatHandler {
	return &ChatHandler{logger: logger, chat: chat}
}

// PostMessage maneja POST /sessions/:id/messages.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req struct {
		UserID     string `json:"user_id" binding:"required"`
		Content    string `json:"content"`
		Role       string `json:"role"`
		Channel    string `json:"channel"`
		Stream     *bool  `json:"stream"`
		RagEnabled *bool  `json:"rag_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid post message request", zap.Error(err))
		respondBadRequest(c, "invalid request")
		return
	}

	res, err := h.chat.Chat(c.Request.Context(), service.ChatRequest{
		UserID:     req.UserID,
		SessionID:  c.Param("id"),
		Content:    req.Content,
		Role:       req.Role,
		Channel:    req.Channel,
		RagEnabled: req.RagEnabled,
		Stream:     req.Stream,
	})
	if err != nil {
		respondError(c, h.logger, "chat", err)
		return
	}
	if res.Stream != nil {
		h.writeStream(c, res.Stream)
		return
	}
	respondOK(c, http.StatusOK, res.Reply)
}

// writeStream escribe los fragmentos a medida que llegan. Si el cliente se
// desconecta, el contexto del request corta el stream y se guarda lo parcial.
func (h *ChatHandler) writeStream(c *gin.Context, stream *service.StreamHandle) {
	defer func() {
		if err := stream.Close(); err != nil {
			h.logger.Error("close stream", zap.String("session_id", c.Param("id")), zap.Error(err))
		}
	}()

	// el primer fragmento decide si todavia se puede responder con un error JSON
	first, err := stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		respondError(c, h.logger, "chat stream", err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if errors.Is(err, io.EOF) {
		c.Writer.WriteHeaderNow()
		return
	}

	fragment := first
	for {
		if _, err := c.Writer.WriteString(fragment); err != nil {
			h.logger.Info("client went away", zap.String("session_id", c.Param("id")), zap.Error(err))
			return
		}
		c.Writer.Flush()

		fragment, err = stream.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			h.logger.Warn("stream ended early", zap.String("session_id", c.Param("id")), zap.Error(err))
			return
		}
	}
}

// History maneja GET /sessions/:id/messages?user_id=.
func (h *ChatHandler) History(c *gin.Context) {
	history, err := h.chat.History(c.Request.Context(), c.Query("user_id"), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "history", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"history": history})
}
