package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
)

func TestSpreadIndices(t *testing.T) {
	assert.Equal(t, []int{0, 5, 11, 16, 22, 27, 33, 38, 44, 49}, SpreadIndices(50, 10))
	assert.Equal(t, []int{0, 1, 2}, SpreadIndices(3, 10))
	assert.Equal(t, []int{0}, SpreadIndices(7, 1))
	assert.Equal(t, []int{0, 6}, SpreadIndices(7, 2))
	assert.Nil(t, SpreadIndices(0, 3))
}

func TestSelectRepresentative_ShrinksToBudget(t *testing.T) {
	chunks := make([]model.Chunk, 20)
	for i := range chunks {
		chunks[i] = model.Chunk{ChunkIndex: i, Text: strings.Repeat("x", 40)} // 10 tokens each
	}

	assert.Len(t, SelectRepresentative(chunks, 10, 0), 10)
	sel := SelectRepresentative(chunks, 10, 45)
	require.Len(t, sel, 4)
	assert.Equal(t, 0, sel[0].ChunkIndex)
	assert.Equal(t, 19, sel[3].ChunkIndex)

	// 单个片段超出预算时仍然返回一个
	assert.Len(t, SelectRepresentative(chunks, 10, 1), 1)
}

func TestSummarize_FiftyChunksSpreadEvenly(t *testing.T) {
	f := newFixture(t)
	texts := make([]string, 50)
	for i := range texts {
		texts[i] = fmt.Sprintf("section-%02d content", i)
	}
	f.addDocument(t, "book", "book.pdf", texts...)
	gen := &fakeLLM{answer: "Summary:\nMain topics: sections."}
	svc := NewSummaryService(f.store, f.docs, gen, NewPromptBuilder(config.LLMPromptConfig{}, 0), nil, SummaryOptions{MaxChunks: 10})

	summary, err := svc.Summarize(context.Background(), "book")
	require.NoError(t, err)
	assert.Equal(t, "Main topics: sections.", summary)

	require.Equal(t, 1, gen.callCount())
	prompt := gen.calls[0][0].Content
	assert.Contains(t, prompt, `"book.pdf"`)
	want := map[int]bool{}
	for _, i := range SpreadIndices(50, 10) {
		want[i] = true
	}
	for i := 0; i < 50; i++ {
		marker := fmt.Sprintf("section-%02d ", i)
		assert.Equal(t, want[i], strings.Contains(prompt, marker), "chunk %d", i)
	}
	// 保持文档顺序
	assert.Less(t, strings.Index(prompt, "section-05 "), strings.Index(prompt, "section-44 "))
}

func TestSummarize_NoChunks(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "empty", "empty.pdf")
	gen := &fakeLLM{answer: "unused"}
	svc := NewSummaryService(f.store, f.docs, gen, NewPromptBuilder(config.LLMPromptConfig{}, 0), nil, SummaryOptions{})

	summary, err := svc.Summarize(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, NoContentSummary, summary)
	assert.Zero(t, gen.callCount())
}

func TestSummarize_UnknownDocument(t *testing.T) {
	f := newFixture(t)
	svc := NewSummaryService(f.store, f.docs, &fakeLLM{}, NewPromptBuilder(config.LLMPromptConfig{}, 0), nil, SummaryOptions{})

	_, err := svc.Summarize(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrDocumentNotFound)
}

func TestSummarize_GenerationFailure(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "doc", "doc.pdf", "one", "two", "three")
	failing := &fakeLLM{err: errs.E(errs.KindGenerationUnavailable, "generation provider unavailable", errors.New("timeout"))}
	prompt := NewPromptBuilder(config.LLMPromptConfig{}, 0)

	strict := NewSummaryService(f.store, f.docs, failing, prompt, nil, SummaryOptions{Timeout: time.Second})
	_, err := strict.Summarize(context.Background(), "doc")
	assert.ErrorIs(t, err, errs.ErrGenerationUnavailable)

	lenient := NewSummaryService(f.store, f.docs, failing, prompt, nil, SummaryOptions{FallbackOnError: true})
	summary, err := lenient.Summarize(context.Background(), "doc")
	require.NoError(t, err)
	assert.Contains(t, summary, "Filename: doc.pdf")
	assert.Contains(t, summary, "3 text sections")
}

func TestSummarize_EmptyAnswerIsGenerationUnavailable(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "doc", "doc.pdf", "one")
	svc := NewSummaryService(f.store, f.docs, &fakeLLM{answer: "Summary:\n"}, NewPromptBuilder(config.LLMPromptConfig{}, 0), nil, SummaryOptions{})

	_, err := svc.Summarize(context.Background(), "doc")
	assert.ErrorIs(t, err, errs.ErrGenerationUnavailable)
}
