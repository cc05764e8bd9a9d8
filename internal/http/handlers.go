package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragchat/internal/domain"
)

// BotLister expone el catalogo de bots configurados.
type BotLister interface {
	List() []domain.BotInfo
}

// HealthCheck verifica una dependencia (storage, redis).
type HealthCheck func(ctx context.Context) error

// Handlers agrupa los endpoints de servicio: salud y catalogo de bots.
type Handlers struct {
	logger *zap.Logger
	bots   BotLister
	checks map[string]HealthCheck
}

func NewHandlers(logger *zap.Logger, bots BotLister, checks map[string]HealthCheck) *Handlers {
	return &Handlers{logger: logger, bots: bots, checks: checks}
}

// Health maneja GET /healthz.
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			status[name] = "down"
			healthy = false
			continue
		}
		status[name] = "up"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, envelope{Code: codeBackendUnavailable, Message: "unhealthy", Data: status})
		return
	}
	respondOK(c, http.StatusOK, status)
}

// ListBots maneja GET /bots.
func (h *Handlers) ListBots(c *gin.Context) {
	bots := []domain.BotInfo{}
	if h.bots != nil {
		bots = h.bots.List()
	}
	respondOK(c, http.StatusOK, gin.H{"bots": bots})
}
