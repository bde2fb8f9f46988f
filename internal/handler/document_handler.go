package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"pdf-assistant-go/internal/service"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	uploads   service.UploadService
	docs      service.DocumentService
	summaries service.SummaryService
	maxBytes  int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(uploads service.UploadService, docs service.DocumentService, summaries service.SummaryService, maxBytes int64) *DocumentHandler {
	return &DocumentHandler{uploads: uploads, docs: docs, summaries: summaries, maxBytes: maxBytes}
}

// Upload 处理 multipart 上传，表单字段为 file。
func (h *DocumentHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, errs.E(errs.KindInvalidRequest, "no file selected", err))
		return
	}
	if h.maxBytes > 0 && header.Size > h.maxBytes {
		respondError(c, errs.E(errs.KindFileTooLarge, "file exceeds the upload limit", nil))
		return
	}
	f, err := header.Open()
	if err != nil {
		respondError(c, errs.E(errs.KindInvalidRequest, "cannot read uploaded file", err))
		return
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxBytes > 0 {
		r = io.LimitReader(f, h.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		respondError(c, errs.E(errs.KindInvalidRequest, "cannot read uploaded file", err))
		return
	}

	log.Infof("[DocumentHandler] 收到上传, FileName: %s, Size: %d", header.Filename, len(data))
	res, err := h.uploads.Upload(c.Request.Context(), header.Filename, data)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	chunks := 0
	if res.Document != nil {
		chunks = res.Document.ChunkCount
	}
	c.JSON(status, gin.H{
		"document_id":      res.DocumentID,
		"message":          res.Message(),
		"filename":         res.Filename,
		"chunks_processed": chunks,
	})
}

// List 返回全部文档，新上传的在前。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docs.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

// Get 返回单个文档的元数据。
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Delete 删除文档及其全部分块，重复删除同样返回成功。
func (h *DocumentHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.docs.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": id, "message": "Document deleted"})
}

// Summary 为文档生成摘要。
func (h *DocumentHandler) Summary(c *gin.Context) {
	id := c.Param("id")
	summary, err := h.summaries.Summarize(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "document_id": id})
}
