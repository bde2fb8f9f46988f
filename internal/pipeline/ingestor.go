// Package pipeline 定义了文档入库的核心流程：提取 -> 切块 -> 向量化 -> 写入索引 -> 登记。
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/metrics"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/repository"
	"pdf-assistant-go/pkg/chunker"
	"pdf-assistant-go/pkg/embedding"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
	"pdf-assistant-go/pkg/pdf"
	"pdf-assistant-go/pkg/storage"
	"pdf-assistant-go/pkg/tasks"
)

// Options 控制入库流程。
type Options struct {
	Chunking    chunker.Config
	BatchSize   int
	Parallelism int
	// Timeout 限制单个文档的入库时间，0 表示不限制。
	Timeout time.Duration
}

// Source 是一次入库的输入。DocumentID 为空时自动生成。
type Source struct {
	DocumentID string
	Filename   string
	Data       []byte
}

// Result 是入库结果。Duplicate 为 true 时 Document 是已存在的同内容文档。
type Result struct {
	Document  *model.Document
	Duplicate bool
}

// Ingestor 封装了入库的所有依赖和逻辑。
type Ingestor struct {
	extractor pdf.Extractor
	embedder  embedding.Client
	index     index.VectorIndex
	docs      repository.DocumentRepository
	blobs     storage.BlobStore
	metrics   *metrics.Metrics
	opts      Options

	group singleflight.Group
	now   func() time.Time
}

// NewIngestor 创建一个新的 Ingestor 实例。blobs 只在处理异步任务时使用，可以为 nil。
func NewIngestor(
	extractor pdf.Extractor,
	embedder embedding.Client,
	idx index.VectorIndex,
	docs repository.DocumentRepository,
	blobs storage.BlobStore,
	m *metrics.Metrics,
	opts Options,
) *Ingestor {
	return &Ingestor{
		extractor: extractor,
		embedder:  embedder,
		index:     idx,
		docs:      docs,
		blobs:     blobs,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// ContentHash 返回文件内容的 MD5，用于去重。
func ContentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Ingest 把一个 PDF 写入索引和登记表。
// 失败或取消时不会留下该文档的任何片段或登记记录。相同内容的并发请求只处理一次。
func (i *Ingestor) Ingest(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()
	hash := ContentHash(src.Data)

	leader := false
	v, err, _ := i.group.Do(hash, func() (any, error) {
		leader = true
		return i.ingest(ctx, src, hash)
	})

	outcome := "success"
	var res *Result
	if err == nil {
		res = v.(*Result)
		if !leader {
			// 与并发的同内容请求合并
			res = &Result{Document: res.Document, Duplicate: true}
		}
		if res.Duplicate {
			outcome = "duplicate"
		}
	} else if errs.KindOf(err) == errs.KindCanceled {
		outcome = "canceled"
	} else {
		outcome = "failed"
	}
	if leader || err == nil {
		chunks := 0
		if outcome == "success" {
			chunks = res.Document.ChunkCount
		}
		i.metrics.RecordIngest(outcome, chunks, time.Since(start))
	}
	return res, err
}

func (i *Ingestor) ingest(ctx context.Context, src Source, hash string) (*Result, error) {
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}

	existing, err := i.docs.FindByContentHash(ctx, hash)
	if err == nil {
		log.Infof("[Ingestor] 文件内容已处理过, 跳过, FileName: %s, DocumentID: %s", src.Filename, existing.ID)
		return &Result{Document: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, errs.ErrDocumentNotFound) {
		return nil, fmt.Errorf("查询文档登记失败: %w", err)
	}

	docID := src.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	l := log.With("documentId", docID, "fileName", src.Filename)
	l.Infow("[Ingestor] 开始处理文件", "bytes", len(src.Data))

	// 1. 提取文本
	pages, err := i.extractor.Extract(ctx, src.Data)
	if err != nil {
		l.Warnw("[Ingestor] 提取文本失败", "error", err)
		return nil, err
	}
	l.Infow("[Ingestor] 步骤1: 文本提取成功", "pages", len(pages))

	// 2. 文本切块
	chunks, err := chunker.ChunkPages(pages, i.opts.Chunking)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errs.E(errs.KindUnreadablePDF, "pdf contains no extractable text", nil)
	}
	texts := make([]string, len(chunks))
	for n := range chunks {
		chunks[n].ID = model.ChunkID(docID, chunks[n].ChunkIndex)
		chunks[n].DocumentID = docID
		texts[n] = chunks[n].Text
	}
	l.Infow("[Ingestor] 步骤2: 文本分块完成", "chunks", len(chunks))

	// 3. 向量化，不持有任何索引锁
	vectors, err := embedding.EmbedAll(ctx, i.embedder, texts, i.opts.BatchSize, i.opts.Parallelism)
	if err != nil {
		l.Errorw("[Ingestor] 向量化失败", "error", err)
		return nil, err
	}
	l.Infow("[Ingestor] 步骤3: 向量化完成", "model", i.embedder.Model())

	// 4. 已取消的入库不再写索引
	if err := ctx.Err(); err != nil {
		l.Warnw("[Ingestor] 入库已取消")
		return nil, err
	}

	items := make([]index.Item, len(chunks))
	for n := range chunks {
		items[n] = index.Item{Chunk: chunks[n], Vector: vectors[n]}
	}
	if err := i.index.Add(ctx, items...); err != nil {
		l.Errorw("[Ingestor] 写入索引失败", "error", err)
		i.rollback(ctx, docID, false)
		return nil, err
	}

	// 5. 登记文档
	doc := &model.Document{
		ID:          docID,
		Filename:    src.Filename,
		ContentHash: hash,
		UploadTime:  i.now().UTC(),
		PageCount:   len(pages),
		ByteSize:    int64(len(src.Data)),
		ChunkCount:  len(chunks),
	}
	if err := i.docs.Create(ctx, doc); err != nil {
		l.Errorw("[Ingestor] 登记文档失败", "error", err)
		i.rollback(ctx, docID, false)
		return nil, fmt.Errorf("登记文档失败: %w", err)
	}

	if err := i.index.Save(context.WithoutCancel(ctx)); err != nil {
		l.Errorw("[Ingestor] 索引落盘失败", "error", err)
		i.rollback(ctx, docID, true)
		return nil, fmt.Errorf("索引落盘失败: %w", err)
	}

	l.Infow("[Ingestor] 文件处理成功完成", "chunks", len(chunks))
	return &Result{Document: doc}, nil
}

// rollback 移除文档已写入的片段和登记记录。使用不可取消的上下文，取消的入库也能完成清理。
func (i *Ingestor) rollback(ctx context.Context, docID string, registered bool) {
	ctx = context.WithoutCancel(ctx)
	if n, err := i.index.Remove(ctx, docID); err != nil {
		log.Errorf("[Ingestor] 回滚索引失败, DocumentID: %s, Error: %v", docID, err)
	} else if n > 0 {
		log.Warnf("[Ingestor] 已回滚 %d 个片段, DocumentID: %s", n, docID)
	}
	if registered {
		if err := i.docs.Delete(ctx, docID); err != nil {
			log.Errorf("[Ingestor] 回滚文档登记失败, DocumentID: %s, Error: %v", docID, err)
		}
	}
}

// Process 处理 Kafka 中的异步入库任务：从 blob 存储取回原始文件后入库。
func (i *Ingestor) Process(ctx context.Context, task tasks.IngestTask) error {
	if i.blobs == nil {
		return errors.New("blob store is not configured")
	}
	data, err := i.blobs.Get(ctx, task.ObjectKey)
	if err != nil {
		return fmt.Errorf("读取原始文件失败: %w", err)
	}
	res, err := i.Ingest(ctx, Source{DocumentID: task.DocumentID, Filename: task.Filename, Data: data})
	if err != nil {
		if k := errs.KindOf(err); k == errs.KindUnreadablePDF || k == errs.KindInvalidChunkConfig {
			// 重试不会成功
			log.Warnf("[Ingestor] 放弃无法处理的文件, DocumentID: %s, Error: %v", task.DocumentID, err)
			_ = i.blobs.Delete(ctx, task.ObjectKey)
			return nil
		}
		return err
	}
	if res.Duplicate && res.Document.ID != task.DocumentID {
		_ = i.blobs.Delete(ctx, task.ObjectKey)
	}
	return nil
}
