// Package storage 保存上传的原始 PDF，供异步入库和重新处理使用。
package storage

import (
	"context"
	"errors"
	"fmt"

	"pdf-assistant-go/internal/config"
)

// ErrObjectNotFound 表示对象不存在。
var ErrObjectNotFound = errors.New("object not found")

// BlobStore 是原始文件的存储接口。Delete 对不存在的对象不报错。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey 返回文档原始文件的存储键。
func ObjectKey(documentID string) string {
	return "documents/" + documentID + ".pdf"
}

// NewBlobStore 根据 blob.backend 创建存储实现。
func NewBlobStore(ctx context.Context, blob config.BlobConfig, minioCfg config.MinIOConfig) (BlobStore, error) {
	switch blob.Backend {
	case "", "local":
		return NewLocal(blob.Dir)
	case "minio":
		return NewMinIO(ctx, minioCfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", blob.Backend)
	}
}
