// Package repository 定义了文档登记表的接口和实现。
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
)

// ErrDuplicateContent 表示相同内容的文档已经登记。
var ErrDuplicateContent = errors.New("document with identical content already registered")

// DocumentRepository 接口定义了文档元数据的持久化操作。
// 查不到时 Get 与 FindByContentHash 返回 errs.ErrDocumentNotFound；Delete 对不存在的 id 不报错。
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
	FindByContentHash(ctx context.Context, hash string) (*model.Document, error)
	// List 按上传时间倒序返回全部文档。
	List(ctx context.Context) ([]model.Document, error)
	Delete(ctx context.Context, id string) error
}

// gormDocumentRepository 是 DocumentRepository 接口的 GORM 实现。
type gormDocumentRepository struct {
	db *gorm.DB
}

// NewGormDocumentRepository 创建一个基于 MySQL 的 DocumentRepository 实例，并自动迁移表结构。
func NewGormDocumentRepository(db *gorm.DB) (DocumentRepository, error) {
	if err := db.AutoMigrate(&model.Document{}); err != nil {
		return nil, err
	}
	return &gormDocumentRepository{db: db}, nil
}

// Create 在数据库中创建文档记录。
func (r *gormDocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	err := r.db.WithContext(ctx).Create(doc).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateContent
	}
	return err
}

// Get 根据 ID 检索文档记录。
func (r *gormDocumentRepository) Get(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByContentHash 根据内容 MD5 检索文档记录。
func (r *gormDocumentRepository) FindByContentHash(ctx context.Context, hash string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("content_hash = ?", hash).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List 返回所有文档记录，最新的在前。
func (r *gormDocumentRepository) List(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).Order("upload_time DESC").Find(&docs).Error
	return docs, err
}

// Delete 删除文档记录，记录不存在时视为成功。
func (r *gormDocumentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Document{}).Error
}
