// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

// statusFor 把错误分类映射为 HTTP 状态码。
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidRequest, errs.KindInvalidChunkConfig:
		return http.StatusBadRequest
	case errs.KindDocumentNotFound:
		return http.StatusNotFound
	case errs.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.KindUnsupportedFileType:
		return http.StatusUnsupportedMediaType
	case errs.KindUnreadablePDF:
		return http.StatusUnprocessableEntity
	case errs.KindEmbeddingUnavailable, errs.KindGenerationUnavailable, errs.KindWebSearchUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError 以统一的 JSON 结构返回错误，内部原因只写日志。
func respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Errorf("[Handler] 请求失败, Path: %s, Kind: %s, Error: %v", c.FullPath(), kind, err)
	} else {
		log.Warnf("[Handler] 请求被拒绝, Path: %s, Kind: %s, Error: %v", c.FullPath(), kind, err)
	}
	c.AbortWithStatusJSON(status, errorBody(kind, errs.Message(err)))
}

func errorBody(kind errs.Kind, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "message": message}}
}
