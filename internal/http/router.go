package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragchat/internal/metrics"
)

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(
	logger *zap.Logger,
	m *metrics.Metrics,
	h *Handlers,
	sessionH *SessionHandler,
	chatH *ChatHandler,
	corpusH *CorpusHandler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/bots", h.ListBots)

	sessions := r.Group("/sessions")
	sessions.POST("", sessionH.CreateSession)
	sessions.GET("", sessionH.ListSessions)
	sessions.DELETE("", sessionH.DeleteAllSessions)
	sessions.DELETE("/:id", sessionH.DeleteSession)
	sessions.PATCH("/:id/flags", sessionH.UpdateFlags)
	sessions.POST("/:id/notes", sessionH.AddNote)
	sessions.POST("/:id/messages", chatH.PostMessage)
	sessions.GET("/:id/messages", chatH.History)

	corpus := r.Group("/rag")
	corpus.GET("/docs", corpusH.ListDocuments)
	corpus.DELETE("/docs/:id", corpusH.DeleteDocument)
	corpus.POST("/search", corpusH.Search)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware pone application/json por defecto; el stream y
// /metrics lo reemplazan antes de escribir.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
