package handler

import (
	"github.com/gin-gonic/gin"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/metrics"
	"pdf-assistant-go/internal/middleware"
	"pdf-assistant-go/internal/service"
)

// Deps 汇总路由需要的服务。Metrics 为 nil 时不暴露 /metrics。
type Deps struct {
	Uploads        service.UploadService
	Documents      service.DocumentService
	Summaries      service.SummaryService
	Queries        service.QueryService
	Index          index.VectorIndex
	Metrics        *metrics.Metrics
	MaxUploadBytes int64
}

// NewRouter 创建 gin 引擎并注册全部路由。
func NewRouter(d Deps) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestID(), middleware.RequestLogger(), gin.Recovery())
	if d.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = d.MaxUploadBytes
	}

	r.GET("/health", NewHealthHandler(d.Index).Health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	docH := NewDocumentHandler(d.Uploads, d.Documents, d.Summaries, d.MaxUploadBytes)
	queryH := NewQueryHandler(d.Queries)
	chatH := NewChatHandler(d.Queries)

	apiV1 := r.Group("/api/v1")
	{
		documents := apiV1.Group("/documents")
		{
			documents.POST("", docH.Upload)
			documents.GET("", docH.List)
			documents.GET("/:id", docH.Get)
			documents.DELETE("/:id", docH.Delete)
			documents.GET("/:id/summary", docH.Summary)
		}
		apiV1.POST("/query", queryH.Query)
		apiV1.GET("/chat", chatH.Handle)
	}
	return r
}
