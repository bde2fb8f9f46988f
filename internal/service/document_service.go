package service

import (
	"context"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/repository"
	"pdf-assistant-go/pkg/log"
	"pdf-assistant-go/pkg/storage"
)

// DocumentService 定义了文档管理操作的接口。
type DocumentService interface {
	Get(ctx context.Context, id string) (*model.Document, error)
	List(ctx context.Context) ([]model.Document, error)
	// Delete 删除文档的所有片段、登记记录和原始文件。不存在的文档视为成功。
	Delete(ctx context.Context, id string) error
}

type documentService struct {
	index index.VectorIndex
	docs  repository.DocumentRepository
	blobs storage.BlobStore
}

// NewDocumentService 创建一个新的 DocumentService 实例。blobs 可以为 nil。
func NewDocumentService(idx index.VectorIndex, docs repository.DocumentRepository, blobs storage.BlobStore) DocumentService {
	return &documentService{index: idx, docs: docs, blobs: blobs}
}

func (s *documentService) Get(ctx context.Context, id string) (*model.Document, error) {
	return s.docs.Get(ctx, id)
}

func (s *documentService) List(ctx context.Context) ([]model.Document, error) {
	docs, err := s.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.Document{}
	}
	return docs, nil
}

// Delete 先移除索引中的片段并落盘，再删除登记记录。
// 每一步都是幂等的：任何一步失败后重试同一删除都会收敛，且登记记录消失时不会留下可检索的片段。
func (s *documentService) Delete(ctx context.Context, id string) error {
	removed, err := s.index.Remove(ctx, id)
	if err != nil {
		log.Errorf("[DocumentService] 移除索引片段失败, DocumentID: %s, Error: %v", id, err)
		return err
	}
	if err := s.index.Save(ctx); err != nil {
		log.Errorf("[DocumentService] 索引落盘失败, DocumentID: %s, Error: %v", id, err)
		return err
	}
	if err := s.docs.Delete(ctx, id); err != nil {
		log.Errorf("[DocumentService] 删除文档登记失败, DocumentID: %s, Error: %v", id, err)
		return err
	}
	if s.blobs != nil {
		if err := s.blobs.Delete(ctx, storage.ObjectKey(id)); err != nil {
			// 原始文件残留不影响检索一致性
			log.Warnf("[DocumentService] 删除原始文件失败, DocumentID: %s, Error: %v", id, err)
		}
	}
	log.Infof("[DocumentService] 文档已删除, DocumentID: %s, 移除片段: %d", id, removed)
	return nil
}
