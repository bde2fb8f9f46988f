package model

import "fmt"

// Chunk 是文档文本中的一个有界片段，是嵌入与检索的基本单位。
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	ChunkIndex int    `json:"chunkIndex"`
	Page       int    `json:"page"`
	Text       string `json:"text"`
}

// ChunkID 生成分块的唯一标识，与文档 ID 和位置绑定。
func ChunkID(documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", documentID, chunkIndex)
}

// ScoredChunk 是检索结果中带分数的分块，分数越高越相关。
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}
