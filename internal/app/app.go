// Package app 根据配置一次性组装全部组件，供 HTTP 服务与命令行共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.etcd.io/bbolt"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/internal/handler"
	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/metrics"
	"pdf-assistant-go/internal/pipeline"
	"pdf-assistant-go/internal/repository"
	"pdf-assistant-go/internal/service"
	"pdf-assistant-go/pkg/cache"
	"pdf-assistant-go/pkg/chunker"
	"pdf-assistant-go/pkg/database"
	"pdf-assistant-go/pkg/embedding"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/es"
	"pdf-assistant-go/pkg/kafka"
	"pdf-assistant-go/pkg/llm"
	"pdf-assistant-go/pkg/log"
	"pdf-assistant-go/pkg/pdf"
	"pdf-assistant-go/pkg/storage"
	"pdf-assistant-go/pkg/tika"
	"pdf-assistant-go/pkg/websearch"
)

// 未配置 Redis 时进程内缓存的容量。
const memoryCacheSize = 50000

// App 持有所有已初始化的组件。
type App struct {
	Config  *config.Config
	Metrics *metrics.Metrics

	Index    index.VectorIndex
	Docs     repository.DocumentRepository
	Blobs    storage.BlobStore
	Ingestor *pipeline.Ingestor

	Uploads   service.UploadService
	Documents service.DocumentService
	Summaries service.SummaryService
	Queries   service.QueryService

	store    *index.Store // 仅本地索引
	cache    cache.Cache
	producer *kafka.Producer
	closers  []func() error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 按配置组装组件。失败时已打开的资源会被释放。
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// 1. 缓存：Redis 或进程内 LRU
	if cfg.Database.Redis.Addr != "" {
		rdb, err := database.NewRedis(ctx, cfg.Database.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		a.cache = cache.NewRedis(rdb, "pdfrag:")
	} else {
		a.cache = cache.NewMemory(memoryCacheSize)
	}

	// 2. 向量索引与文档登记表
	if err := a.openIndex(ctx); err != nil {
		return nil, err
	}
	if err := a.openRegistry(ctx); err != nil {
		return nil, err
	}
	if err := a.reconcile(ctx); err != nil {
		return nil, err
	}

	// 3. 原始文件存储
	if a.Blobs, err = storage.NewBlobStore(ctx, cfg.Blob, cfg.MinIO); err != nil {
		return nil, err
	}

	// 4. 外部模型与提取器
	var extractor pdf.Extractor
	switch cfg.Extractor.Backend {
	case "tika":
		extractor = tika.NewClient(cfg.Tika)
	default:
		extractor = pdf.NewLocalExtractor()
	}
	embedder, err := embedding.NewClient(cfg.Embedding, a.cache)
	if err != nil {
		return nil, err
	}
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	web, err := websearch.NewProvider(ctx, cfg.WebSearch)
	if err != nil {
		return nil, err
	}

	// 5. 入库流程与业务服务
	a.Ingestor = pipeline.NewIngestor(extractor, embedder, a.Index, a.Docs, a.Blobs, a.Metrics, pipeline.Options{
		Chunking:    chunker.Config{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap, Slack: cfg.Chunking.Slack},
		BatchSize:   cfg.Embedding.BatchSize,
		Parallelism: cfg.Embedding.Parallelism,
		Timeout:     cfg.Ingest.Timeout,
	})

	var queue service.TaskQueue
	if cfg.Ingest.Async {
		a.producer = kafka.NewProducer(cfg.Kafka)
		a.closers = append(a.closers, a.producer.Close)
		queue = a.producer
	}

	prompt := service.NewPromptBuilder(cfg.LLM.Prompt, cfg.Retrieval.ContextTokenBudget)
	a.Uploads = service.NewUploadService(a.Ingestor, a.Docs, a.Blobs, queue, cfg.Ingest.MaxUploadBytes)
	a.Documents = service.NewDocumentService(a.Index, a.Docs, a.Blobs)
	a.Summaries = service.NewSummaryService(a.Index, a.Docs, llmClient, prompt, a.Metrics, service.SummaryOptions{
		MaxChunks:       cfg.Summary.MaxChunks,
		TokenBudget:     cfg.Summary.TokenBudget,
		FallbackOnError: cfg.Summary.FallbackOnError,
		Timeout:         cfg.Retrieval.QueryTimeout,
	})
	a.Queries = service.NewQueryService(embedder, a.Index, a.Docs, llmClient, web, prompt, a.Metrics, service.QueryOptions{
		TopK:          cfg.Retrieval.TopK,
		Timeout:       cfg.Retrieval.QueryTimeout,
		WebTimeout:    cfg.WebSearch.Timeout,
		WebMaxResults: cfg.WebSearch.MaxResults,
	})

	log.Infof("[App] 组件初始化完成, index: %s, registry: %s, blob: %s, embedding: %s, llm: %s, websearch: %s, async: %v",
		cfg.Index.Backend, cfg.Registry.Backend, cfg.Blob.Backend, embedder.Model(), llmClient.Model(), web.Name(), cfg.Ingest.Async)
	return a, nil
}

func (a *App) openIndex(ctx context.Context) error {
	cfg := a.Config
	metric, err := index.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return err
	}
	if cfg.Index.Backend == "elasticsearch" {
		client, err := es.NewClient(ctx, cfg.Elasticsearch)
		if err != nil {
			return err
		}
		a.Index = es.NewIndex(client, cfg.Elasticsearch.IndexName, metric)
		a.closers = append(a.closers, a.Index.Close)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Index.Path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	store, err := OpenStore(cfg.Index.Path, index.Options{
		Metric:         metric,
		RebuildRatio:   cfg.Index.RebuildRatio,
		SaveOnMutation: cfg.Index.SaveOnMutation,
	})
	if err != nil {
		return err
	}
	a.store = store
	a.Index = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// OpenStore 打开本地索引；文件损坏时把它移到 <path>.corrupt-<unix> 并从空索引开始。
func OpenStore(path string, opts index.Options) (*index.Store, error) {
	store, err := index.Open(path, opts)
	if err == nil {
		return store, nil
	}
	if !errors.Is(err, errs.ErrCorruptIndex) {
		return nil, err
	}
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	log.Errorf("[App] 索引文件损坏, 已移至 %s 并重新创建空索引: %v", aside, err)
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, fmt.Errorf("move corrupt index aside: %w", rerr)
	}
	return index.Open(path, opts)
}

// reconcile 让本地索引与登记表一致：入库在写索引与登记之间中断时，
// 会留下没有登记记录的片段，或者没有片段的登记记录。两者都在启动时清理。
func (a *App) reconcile(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	for _, id := range a.store.DocumentIDs() {
		_, err := a.Docs.Get(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, errs.ErrDocumentNotFound) {
			return fmt.Errorf("reconcile index: %w", err)
		}
		n, err := a.store.Remove(ctx, id)
		if err != nil {
			return fmt.Errorf("remove orphaned chunks of %s: %w", id, err)
		}
		log.Warnf("[App] 移除未登记文档的 %d 个片段, DocumentID: %s", n, id)
	}

	docs, err := a.Docs.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile registry: %w", err)
	}
	for _, doc := range docs {
		chunks, err := a.store.Chunks(ctx, doc.ID)
		if err != nil {
			return err
		}
		if len(chunks) > 0 {
			continue
		}
		if err := a.Docs.Delete(ctx, doc.ID); err != nil {
			return fmt.Errorf("remove empty registry entry %s: %w", doc.ID, err)
		}
		log.Warnf("[App] 登记的文档在索引中没有片段, 已移除登记, DocumentID: %s, FileName: %s", doc.ID, doc.Filename)
	}
	return a.store.Save(ctx)
}

func (a *App) openRegistry(ctx context.Context) error {
	cfg := a.Config
	var err error
	switch cfg.Registry.Backend {
	case "mysql":
		db, derr := database.NewMySQL(ctx, cfg.Database.MySQL.DSN)
		if derr != nil {
			return derr
		}
		if sqlDB, serr := db.DB(); serr == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		a.Docs, err = repository.NewGormDocumentRepository(db)
	default:
		// 本地索引时与索引共用同一个 bbolt 文件
		if a.store != nil {
			a.Docs, err = repository.NewBoltDocumentRepository(a.store.DB())
			break
		}
		db, berr := bbolt.Open(filepath.Join(cfg.Storage.DataDir, "registry.db"), 0o600, &bbolt.Options{Timeout: 2 * time.Second})
		if berr != nil {
			return fmt.Errorf("open registry: %w", berr)
		}
		a.closers = append(a.closers, db.Close)
		a.Docs, err = repository.NewBoltDocumentRepository(db)
	}
	return err
}

// Start 启动后台任务：定时落盘、指标刷新、异步入库消费者。
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.store != nil {
		a.store.StartFlusher(ctx, a.Config.Index.FlushInterval)
	}

	var consumer *kafka.Consumer
	if a.Config.Ingest.Async {
		consumer = kafka.NewConsumer(a.Config.Kafka, a.Ingestor, a.cache, a.Config.Ingest.MaxAttempts)
	}

	if consumer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("[App] 入库消费者退出: %v", err)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.refreshGauges(ctx)
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.refreshGauges(ctx)
			}
		}
	}()
}

func (a *App) refreshGauges(ctx context.Context) {
	docs, err := a.Docs.List(ctx)
	if err != nil {
		return
	}
	if a.store != nil {
		st := a.store.Stats()
		a.Metrics.UpdateIndexStats(st.Live, st.Tombstones, len(docs))
		return
	}
	live, err := a.Index.Count(ctx)
	if err != nil {
		return
	}
	a.Metrics.UpdateIndexStats(live, 0, len(docs))
}

// Router 返回注册好全部路由的 gin 引擎。
func (a *App) Router() *gin.Engine {
	deps := handler.Deps{
		Uploads:        a.Uploads,
		Documents:      a.Documents,
		Summaries:      a.Summaries,
		Queries:        a.Queries,
		Index:          a.Index,
		MaxUploadBytes: a.Config.Ingest.MaxUploadBytes,
	}
	if a.Config.Metrics.Enabled {
		deps.Metrics = a.Metrics
	}
	return handler.NewRouter(deps)
}

// Compact 立即清理墓碑并落盘，返回回收的条目数。远程索引无需压缩。
func (a *App) Compact(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	n := a.store.Rebuild()
	return n, a.store.Save(ctx)
}

// Close 停止后台任务并按打开的逆序释放资源。
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
