// Package index 实现持久化的向量近邻检索。
package index

import (
	"context"

	"pdf-assistant-go/internal/model"
)

// Item 是待写入索引的一个片段及其向量。
type Item struct {
	Chunk  model.Chunk
	Vector []float32
}

// VectorIndex 是检索核心依赖的向量索引能力。
//
// Search 的结果按分数从高到低排列，长度不超过 k；分数相同时先写入的片段在前。
// documentID 非空时只返回该文档的片段。Remove 对不存在的文档返回 0。
type VectorIndex interface {
	Add(ctx context.Context, items ...Item) error
	Search(ctx context.Context, vector []float32, k int, documentID string) ([]model.ScoredChunk, error)
	Remove(ctx context.Context, documentID string) (int, error)
	// Chunks 返回文档的全部片段，按 ChunkIndex 排序。
	Chunks(ctx context.Context, documentID string) ([]model.Chunk, error)
	Save(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Close() error
}
