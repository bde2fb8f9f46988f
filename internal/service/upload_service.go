package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/pipeline"
	"pdf-assistant-go/internal/repository"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
	"pdf-assistant-go/pkg/pdf"
	"pdf-assistant-go/pkg/storage"
	"pdf-assistant-go/pkg/tasks"
)

// Ingester 执行同步入库。
type Ingester interface {
	Ingest(ctx context.Context, src pipeline.Source) (*pipeline.Result, error)
}

// TaskQueue 接收异步入库任务。
type TaskQueue interface {
	Enqueue(ctx context.Context, task tasks.IngestTask) error
}

// UploadResult 描述一次上传的结果。
type UploadResult struct {
	DocumentID string
	Filename   string
	Document   *model.Document
	Duplicate  bool
	Queued     bool
}

// Message 返回面向用户的结果说明。
func (r *UploadResult) Message() string {
	switch {
	case r.Duplicate:
		return "File already processed"
	case r.Queued:
		return "File queued for processing"
	default:
		return "File processed successfully"
	}
}

// UploadService 定义了文件上传的接口。
type UploadService interface {
	Upload(ctx context.Context, filename string, data []byte) (*UploadResult, error)
}

type uploadService struct {
	ingester Ingester
	docs     repository.DocumentRepository
	blobs    storage.BlobStore
	queue    TaskQueue
	maxBytes int64
}

// NewUploadService 创建一个新的 UploadService 实例。queue 非 nil 时使用异步入库。
func NewUploadService(ingester Ingester, docs repository.DocumentRepository, blobs storage.BlobStore, queue TaskQueue, maxBytes int64) UploadService {
	return &uploadService{ingester: ingester, docs: docs, blobs: blobs, queue: queue, maxBytes: maxBytes}
}

// Upload 校验文件后入库。同内容文件直接返回已有文档。
func (s *uploadService) Upload(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return nil, errs.E(errs.KindInvalidRequest, "no file selected", nil)
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return nil, errs.E(errs.KindUnsupportedFileType, "Invalid file type. Only PDF files are allowed.", nil)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, errs.E(errs.KindFileTooLarge, fmt.Sprintf("file exceeds the %d byte upload limit", s.maxBytes), nil)
	}
	if !pdf.IsPDF(data) {
		return nil, errs.E(errs.KindUnreadablePDF, "file is not a valid PDF", nil)
	}

	hash := pipeline.ContentHash(data)
	if existing, err := s.docs.FindByContentHash(ctx, hash); err == nil {
		log.Infof("[UploadService] 文件已处理过, FileName: %s, DocumentID: %s", name, existing.ID)
		return &UploadResult{DocumentID: existing.ID, Filename: name, Document: existing, Duplicate: true}, nil
	}

	if s.queue != nil {
		return s.enqueue(ctx, name, hash, data)
	}

	res, err := s.ingester.Ingest(ctx, pipeline.Source{Filename: name, Data: data})
	if err != nil {
		return nil, err
	}
	out := &UploadResult{DocumentID: res.Document.ID, Filename: name, Document: res.Document, Duplicate: res.Duplicate}
	if !res.Duplicate && s.blobs != nil {
		if err := s.blobs.Put(ctx, storage.ObjectKey(res.Document.ID), data); err != nil {
			log.Warnf("[UploadService] 保存原始文件失败, DocumentID: %s, Error: %v", res.Document.ID, err)
		}
	}
	return out, nil
}

func (s *uploadService) enqueue(ctx context.Context, name, hash string, data []byte) (*UploadResult, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("async ingestion requires a blob store")
	}
	docID := uuid.NewString()
	key := storage.ObjectKey(docID)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("保存原始文件失败: %w", err)
	}
	task := tasks.IngestTask{
		DocumentID:  docID,
		Filename:    name,
		ObjectKey:   key,
		ContentHash: hash,
		ByteSize:    int64(len(data)),
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		_ = s.blobs.Delete(context.WithoutCancel(ctx), key)
		return nil, fmt.Errorf("发送入库任务失败: %w", err)
	}
	log.Infof("[UploadService] 入库任务已入队, DocumentID: %s, FileName: %s", docID, name)
	return &UploadResult{DocumentID: docID, Filename: name, Queued: true}, nil
}
