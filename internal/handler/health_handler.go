package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pdf-assistant-go/internal/index"
)

// HealthHandler 报告服务与索引是否可用。
type HealthHandler struct {
	idx index.VectorIndex
}

func NewHealthHandler(idx index.VectorIndex) *HealthHandler {
	return &HealthHandler{idx: idx}
}

func (h *HealthHandler) Health(c *gin.Context) {
	n, err := h.idx.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "indexed_chunks": n})
}
