package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/service"
	"pdf-assistant-go/pkg/errs"
)

// QueryHandler 处理一次性（非流式）问答请求。
type QueryHandler struct {
	queries service.QueryService
}

// NewQueryHandler 创建一个新的 QueryHandler 实例。
func NewQueryHandler(queries service.QueryService) *QueryHandler {
	return &QueryHandler{queries: queries}
}

// source 是回答引用的一条来源，文档片段或网页。
type source struct {
	Type       string  `json:"type"`
	DocumentID string  `json:"document_id,omitempty"`
	ChunkIndex int     `json:"chunk_index,omitempty"`
	Page       int     `json:"page,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
}

func sourcesOf(res *model.QueryResult) []source {
	out := make([]source, 0, len(res.Chunks)+len(res.WebSources))
	for _, ch := range res.Chunks {
		out = append(out, source{
			Type:       "document",
			DocumentID: ch.DocumentID,
			ChunkIndex: ch.ChunkIndex,
			Page:       ch.Page,
			Score:      ch.Score,
		})
	}
	for _, w := range res.WebSources {
		out = append(out, source{Type: "web", Title: w.Title, URL: w.URL})
	}
	return out
}

// Query 处理 POST /api/v1/query。
func (h *QueryHandler) Query(c *gin.Context) {
	var req model.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.E(errs.KindInvalidRequest, "request body must be JSON with a query field", err))
		return
	}
	res, err := h.queries.Query(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response":              res.Answer,
		"query":                 res.Query,
		"retrieved_chunk_count": len(res.Chunks),
		"used_web_search":       res.UsedWebSearch,
		"sources":               sourcesOf(res),
	})
}
