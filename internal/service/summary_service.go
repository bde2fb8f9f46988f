package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/metrics"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/repository"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/llm"
	"pdf-assistant-go/pkg/log"
)

// NoContentSummary 是没有任何片段的文档的摘要。
const NoContentSummary = "No content found in document."

// SummaryOptions 控制摘要生成。
type SummaryOptions struct {
	MaxChunks   int
	TokenBudget int
	// FallbackOnError 为 true 时生成失败返回结构化的兜底摘要。
	FallbackOnError bool
	Timeout         time.Duration
}

// SummaryService 定义了文档摘要的接口。
type SummaryService interface {
	Summarize(ctx context.Context, documentID string) (string, error)
}

type summaryService struct {
	index   index.VectorIndex
	docs    repository.DocumentRepository
	llm     llm.Client
	prompt  *PromptBuilder
	metrics *metrics.Metrics
	opts    SummaryOptions
}

// NewSummaryService 创建一个新的 SummaryService 实例。
func NewSummaryService(idx index.VectorIndex, docs repository.DocumentRepository, llmClient llm.Client, prompt *PromptBuilder, m *metrics.Metrics, opts SummaryOptions) SummaryService {
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 10
	}
	return &summaryService{index: idx, docs: docs, llm: llmClient, prompt: prompt, metrics: m, opts: opts}
}

func (s *summaryService) Summarize(ctx context.Context, documentID string) (summary string, err error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	stage := model.StageRetrieving
	defer func() {
		if err != nil {
			s.metrics.RecordQuery("summary", "failed", string(stage))
			return
		}
		s.metrics.RecordQuery("summary", "success", string(model.StageDone))
	}()

	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	chunks, err := s.index.Chunks(ctx, documentID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return NoContentSummary, nil
	}

	selected := SelectRepresentative(chunks, s.opts.MaxChunks, s.opts.TokenBudget)
	log.Infof("[SummaryService] 文档 %s 共 %d 个片段, 选取 %d 个生成摘要", documentID, len(chunks), len(selected))

	stage = model.StageGenerating
	started := time.Now()
	out, err := s.llm.Generate(ctx, s.prompt.BuildSummary(doc.Filename, selected), nil)
	if err != nil {
		err = timedOut(err, errs.KindGenerationUnavailable, "generation provider timed out")
	}
	s.metrics.ObserveStage("summarizing", time.Since(started))
	if err == nil {
		out = FormatAnswer(out)
		if out != "" {
			return out, nil
		}
		err = errs.E(errs.KindGenerationUnavailable, "generation provider returned an empty summary", nil)
	}
	if s.opts.FallbackOnError && ctx.Err() == nil {
		log.Warnf("[SummaryService] 摘要生成失败, 使用兜底摘要, DocumentID: %s, Error: %v", documentID, err)
		return FallbackSummary(doc, len(chunks)), nil
	}
	return "", err
}

// SelectRepresentative 在片段过多或超出 token 预算时，按 round(i*(N-1)/(n-1)) 均匀选取 n 个片段，
// 逐步减少 n 直到放得下。结果保持文档顺序，至少包含一个片段。
func SelectRepresentative(chunks []model.Chunk, maxChunks, tokenBudget int) []model.Chunk {
	n := len(chunks)
	if maxChunks > 0 && n > maxChunks {
		n = maxChunks
	}
	for ; n >= 1; n-- {
		idx := SpreadIndices(len(chunks), n)
		selected := make([]model.Chunk, len(idx))
		cost := 0
		for i, j := range idx {
			selected[i] = chunks[j]
			cost += EstimateTokens(chunks[j].Text)
		}
		if tokenBudget <= 0 || cost <= tokenBudget || n == 1 {
			return selected
		}
	}
	return nil
}

// SpreadIndices 返回 [0, total) 中均匀分布的 n 个下标，包含首尾。
func SpreadIndices(total, n int) []int {
	if n <= 0 || total <= 0 {
		return nil
	}
	if n >= total {
		out := make([]int, total)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if n == 1 {
		return []int{0}
	}
	out := make([]int, n)
	for i := range out {
		out[i] = int(math.Round(float64(i*(total-1)) / float64(n-1)))
	}
	return out
}

// FallbackSummary 是生成服务不可用时的结构化摘要。
func FallbackSummary(doc *model.Document, chunkCount int) string {
	return fmt.Sprintf(`Document Summary

Filename: %s
Content Structure: %d text sections across %d pages

This document has been processed and stored in the system.
To get a detailed AI-generated summary, please ensure your language model is properly configured.

Key Information:
• Document has been successfully processed
• Content is searchable through the query system
• You can ask specific questions about the document content`, doc.Filename, chunkCount, doc.PageCount)
}
