package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragchat/internal/service"
)

// CorpusHandler expone los documentos de recuperacion del usuario.
type CorpusHandler struct {
	logger *zap.Logger
	corpus *service.CorpusService
}

func NewCorpusHandler(logger *zap.Logger, corpus *service.CorpusService) *CorpusHandler {
	return &CorpusHandler{logger: logger, corpus: corpus}
}

// ListDocuments maneja GET /rag/docs?user_id=.
func (h *CorpusHandler) ListDocuments(c *gin.Context) {
	docs, err := h.corpus.ListDocuments(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		respondError(c, h.logger, "list rag documents", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"documents": docs})
}

// DeleteDocument maneja DELETE /rag/docs/:id?user_id=.
func (h *CorpusHandler) DeleteDocument(c *gin.Context) {
	if err := h.corpus.DeleteDocument(c.Request.Context(), c.Query("user_id"), c.Param("id")); err != nil {
		respondError(c, h.logger, "delete rag document", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": 1})
}

// Search maneja POST /rag/search.
func (h *CorpusHandler) Search(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Query  string `json:"query"`
		TopK   int    `json:"top_k"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid rag search request", zap.Error(err))
		respondBadRequest(c, "invalid request")
		return
	}

	sources, err := h.corpus.Search(c.Request.Context(), req.UserID, req.Query, req.TopK)
	if err != nil {
		respondError(c, h.logger, "rag search", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"sources": sources})
}
