// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/metrics"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/repository"
	"pdf-assistant-go/pkg/embedding"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/llm"
	"pdf-assistant-go/pkg/log"
	"pdf-assistant-go/pkg/websearch"
)

// QueryOptions 控制检索增强问答。
type QueryOptions struct {
	TopK int
	// Timeout 限制整个查询，0 表示不限制。
	Timeout time.Duration
	// WebTimeout 只限制网络搜索阶段，超时后降级为仅文档上下文。
	WebTimeout    time.Duration
	WebMaxResults int
}

// QueryService 定义了检索增强问答的接口。
type QueryService interface {
	Query(ctx context.Context, req model.QueryRequest) (*model.QueryResult, error)
	// QueryStream 与 Query 流程相同，但把生成的分块实时写入 writer。
	QueryStream(ctx context.Context, req model.QueryRequest, writer llm.MessageWriter) (*model.QueryResult, error)
}

type queryService struct {
	embedder embedding.Client
	index    index.VectorIndex
	docs     repository.DocumentRepository
	llm      llm.Client
	web      websearch.Provider
	prompt   *PromptBuilder
	metrics  *metrics.Metrics
	opts     QueryOptions
}

// NewQueryService 创建一个新的 QueryService 实例。web 为 nil 时视为未配置网络搜索。
func NewQueryService(
	embedder embedding.Client,
	idx index.VectorIndex,
	docs repository.DocumentRepository,
	llmClient llm.Client,
	web websearch.Provider,
	prompt *PromptBuilder,
	m *metrics.Metrics,
	opts QueryOptions,
) QueryService {
	if web == nil {
		web = websearch.Disabled()
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.WebMaxResults <= 0 {
		opts.WebMaxResults = 3
	}
	return &queryService{
		embedder: embedder,
		index:    idx,
		docs:     docs,
		llm:      llmClient,
		web:      web,
		prompt:   prompt,
		metrics:  m,
		opts:     opts,
	}
}

func (s *queryService) Query(ctx context.Context, req model.QueryRequest) (*model.QueryResult, error) {
	return s.run(ctx, req, nil)
}

func (s *queryService) QueryStream(ctx context.Context, req model.QueryRequest, writer llm.MessageWriter) (*model.QueryResult, error) {
	return s.run(ctx, req, writer)
}

// tracker 记录查询所处的阶段和各阶段耗时。
type tracker struct {
	m       *metrics.Metrics
	stage   model.QueryStage
	started time.Time
}

func (t *tracker) enter(stage model.QueryStage) {
	t.leave()
	t.stage = stage
	t.started = time.Now()
	log.Debugf("[QueryService] 进入阶段: %s", stage)
}

func (t *tracker) leave() {
	if t.stage != "" && !t.started.IsZero() {
		t.m.ObserveStage(string(t.stage), time.Since(t.started))
	}
	t.started = time.Time{}
}

func (t *tracker) label() string {
	if t.stage == "" {
		return "validation"
	}
	return string(t.stage)
}

func (s *queryService) run(ctx context.Context, req model.QueryRequest, writer llm.MessageWriter) (res *model.QueryResult, err error) {
	question := strings.TrimSpace(req.Query)
	if question == "" {
		return nil, errs.E(errs.KindInvalidRequest, "query must not be empty", nil)
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	t := &tracker{m: s.metrics}
	defer func() {
		t.leave()
		if err != nil {
			log.Warnf("[QueryService] 查询失败, 阶段: %s, Error: %v", t.label(), err)
			s.metrics.RecordQuery("query", "failed", t.label())
			return
		}
		s.metrics.RecordQuery("query", "success", string(model.StageDone))
	}()

	filenames := make(map[string]string)
	if req.DocumentID != "" {
		doc, err := s.docs.Get(ctx, req.DocumentID)
		if err != nil {
			return nil, err
		}
		filenames[doc.ID] = doc.Filename
	}

	// 1. 向量化问题
	t.enter(model.StageEmbedding)
	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, timedOut(err, errs.KindEmbeddingUnavailable, "embedding provider timed out")
	}

	// 2. 检索
	t.enter(model.StageRetrieving)
	k := req.TopK
	if k <= 0 {
		k = s.opts.TopK
	}
	hits, err := s.index.Search(ctx, vector, k, req.DocumentID)
	if err != nil {
		return nil, err
	}
	log.Infof("[QueryService] 检索到 %d 个片段, documentID: %q", len(hits), req.DocumentID)

	// 3. 网络搜索（可选），失败只降级
	var web []model.WebSnippet
	usedWeb := false
	if req.UseWebSearch {
		t.enter(model.StageWebAugmenting)
		web = s.searchWeb(ctx, question)
		usedWeb = len(web) > 0
	}

	// 4. 生成
	t.enter(model.StageGenerating)
	s.resolveFilenames(ctx, hits, filenames)
	prompt := s.prompt.Build(question, hits, filenames, web)
	if prompt.NoContext {
		log.Infof("[QueryService] 无可用上下文, 提示模型说明未找到相关内容")
	}

	answer, err := s.generate(ctx, prompt.Messages, writer)
	if err != nil {
		return nil, timedOut(err, errs.KindGenerationUnavailable, "generation provider timed out")
	}

	t.leave()
	t.stage = model.StageDone
	return &model.QueryResult{
		Query:         question,
		Answer:        answer,
		Chunks:        prompt.Used,
		WebSources:    prompt.Web,
		UsedWebSearch: usedWeb,
		NoContext:     prompt.NoContext,
	}, nil
}

// timedOut 把阶段内的超时归为该阶段依赖不可用；主动取消和已分类的错误原样返回。
func timedOut(err error, kind errs.Kind, msg string) error {
	if errs.KindOf(err) == errs.KindCanceled && errors.Is(err, context.DeadlineExceeded) {
		return errs.E(kind, msg, err)
	}
	return err
}

func (s *queryService) searchWeb(ctx context.Context, question string) []model.WebSnippet {
	wctx := ctx
	if s.opts.WebTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, s.opts.WebTimeout)
		defer cancel()
	}
	snippets, err := s.web.Search(wctx, question, s.opts.WebMaxResults)
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(wctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		log.Warnf("[QueryService] 网络搜索不可用(%s), 仅使用文档上下文: %v", reason, err)
		s.metrics.RecordWebFallback(reason)
		return nil
	}
	if len(snippets) > s.opts.WebMaxResults {
		snippets = snippets[:s.opts.WebMaxResults]
	}
	return snippets
}

func (s *queryService) resolveFilenames(ctx context.Context, hits []model.ScoredChunk, filenames map[string]string) {
	for _, h := range hits {
		if _, ok := filenames[h.DocumentID]; ok {
			continue
		}
		doc, err := s.docs.Get(ctx, h.DocumentID)
		if err != nil {
			filenames[h.DocumentID] = ""
			continue
		}
		filenames[h.DocumentID] = doc.Filename
	}
}

func (s *queryService) generate(ctx context.Context, messages []llm.Message, writer llm.MessageWriter) (string, error) {
	var answer string
	if writer == nil {
		out, err := s.llm.Generate(ctx, messages, nil)
		if err != nil {
			return "", err
		}
		answer = FormatAnswer(out)
	} else {
		tee := &teeWriter{next: writer}
		if err := s.llm.StreamChatMessages(ctx, messages, nil, tee); err != nil {
			return "", err
		}
		answer = strings.TrimSpace(tee.b.String())
	}
	if answer == "" {
		return "", errs.E(errs.KindGenerationUnavailable, "generation provider returned an empty answer", nil)
	}
	return answer, nil
}

// teeWriter 转发流式分块，同时保存完整回答。
type teeWriter struct {
	next llm.MessageWriter
	b    strings.Builder
}

func (w *teeWriter) WriteMessage(messageType int, data []byte) error {
	w.b.Write(data)
	return w.next.WriteMessage(messageType, data)
}
