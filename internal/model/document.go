// Package model 包含了应用的数据模型定义。
package model

import "time"

// Document 记录一个已上传并完成索引的 PDF。
// 创建后不可变，删除时级联移除其全部分块。
type Document struct {
	ID          string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Filename    string    `gorm:"type:varchar(255);not null" json:"filename"`
	ContentHash string    `gorm:"type:varchar(32);not null;uniqueIndex" json:"contentHash"`
	UploadTime  time.Time `gorm:"not null" json:"uploadTime"`
	PageCount   int       `gorm:"not null" json:"pageCount"`
	ByteSize    int64     `gorm:"not null" json:"byteSize"`
	ChunkCount  int       `gorm:"not null" json:"chunkCount"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// Page 是 PDF 提取出的单页文本，Number 从 1 开始。
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}
