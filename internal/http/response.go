package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragchat/internal/domain"
	"ragchat/internal/service"
)

// envelope es la forma comun de todas las respuestas JSON.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

const (
	codeOK                 = 0
	codeInvalidArgument    = 40000
	codeNotFound           = 40400
	codeConflict           = 40900
	codeQuotaExceeded      = 42200
	codeRateLimited        = 42900
	codeInternal           = 50000
	codeBackendUnavailable = 50300
)

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Code: codeOK, Message: "ok", Data: data})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, envelope{Code: codeInvalidArgument, Message: message})
}

// respondError traduce los errores de dominio a status HTTP.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status, code, message := classify(err)
	fields := []zap.Field{zap.String("op", op), zap.Int("status", status), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Warn("request rejected", fields...)
	}
	c.JSON(status, envelope{Code: code, Message: message})
}

func classify(err error) (status, code int, message string) {
	switch {
	case errors.Is(err, domain.ErrUnknownBot):
		return http.StatusBadRequest, codeInvalidArgument, "unknown bot"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, codeInvalidArgument, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, codeNotFound, "not found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, codeConflict, "conflict, retry later"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity, codeQuotaExceeded, "session quota exceeded"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited, "too many requests"
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, codeBackendUnavailable, "model backend unavailable"
	case errors.Is(err, service.ErrServiceNotConfigured):
		return http.StatusInternalServerError, codeInternal, "service not configured"
	default:
		return http.StatusInternalServerError, codeInternal, "internal error"
	}
}
