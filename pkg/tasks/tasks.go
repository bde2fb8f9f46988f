// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// IngestTask 描述一次异步入库：原始文件已写入 blob 存储，消费者取回后执行入库流程。
type IngestTask struct {
	DocumentID  string    `json:"document_id"`
	Filename    string    `json:"filename"`
	ObjectKey   string    `json:"object_key"`
	ContentHash string    `json:"content_hash"`
	ByteSize    int64     `json:"byte_size"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
