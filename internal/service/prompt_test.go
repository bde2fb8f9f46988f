package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/internal/model"
)

func scored(doc string, idx, page int, text string, score float64) model.ScoredChunk {
	return model.ScoredChunk{
		Chunk: model.Chunk{ID: model.ChunkID(doc, idx), DocumentID: doc, ChunkIndex: idx, Page: page, Text: text},
		Score: score,
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("你好"))
}

func TestBuild_LabelsDocumentAndWebSources(t *testing.T) {
	b := NewPromptBuilder(config.LLMPromptConfig{}, 0)
	p := b.Build("what is x?",
		[]model.ScoredChunk{scored("d1", 0, 2, "x is a letter", 0.9)},
		map[string]string{"d1": "alphabet.pdf"},
		[]model.WebSnippet{{Title: "X", Snippet: "x on the web", URL: "https://example.com/x"}},
	)

	require.Len(t, p.Messages, 2)
	sys := p.Messages[0].Content
	assert.Equal(t, "system", p.Messages[0].Role)
	assert.Contains(t, sys, "[D1] (alphabet.pdf, page 2)\nx is a letter")
	assert.Contains(t, sys, "Web results:\n[W1] (X - https://example.com/x)\nx on the web")
	assert.Less(t, strings.Index(sys, "Document excerpts:"), strings.Index(sys, "Web results:"))
	assert.Equal(t, "user", p.Messages[1].Role)
	assert.Equal(t, "what is x?", p.Messages[1].Content)
	assert.False(t, p.NoContext)
}

func TestBuild_StopsAtFirstChunkOverBudget(t *testing.T) {
	b := NewPromptBuilder(config.LLMPromptConfig{}, 40)
	chunks := []model.ScoredChunk{
		scored("d", 0, 1, strings.Repeat("a", 40), 0.9),
		scored("d", 1, 1, strings.Repeat("b", 400), 0.8),
		scored("d", 2, 1, "c", 0.7),
	}
	p := b.Build("q", chunks, nil, nil)

	require.Len(t, p.Used, 1)
	assert.Equal(t, "d_0", p.Used[0].ID)
	assert.NotContains(t, p.Messages[0].Content, "[D3]")
}

func TestBuild_NoContextMarker(t *testing.T) {
	b := NewPromptBuilder(config.LLMPromptConfig{}, 100)
	p := b.Build("anything?", nil, nil, nil)

	assert.True(t, p.NoContext)
	assert.Empty(t, p.Used)
	assert.Contains(t, p.Messages[0].Content, defaultNoResultText)
	assert.Contains(t, p.Messages[0].Content, noContextInstruction)
}

func TestBuild_CustomMarkersAndTruncatedWebSnippet(t *testing.T) {
	b := NewPromptBuilder(config.LLMPromptConfig{Rules: "RULES", RefStart: "<<A>>", RefEnd: "<<B>>"}, 0)
	long := strings.Repeat("w", 900)
	p := b.Build("q", nil, nil, []model.WebSnippet{{Title: "t", Snippet: long, URL: "u"}})

	sys := p.Messages[0].Content
	assert.True(t, strings.HasPrefix(sys, "RULES\n\n<<A>>\n"))
	assert.True(t, strings.HasSuffix(sys, "<<B>>"))
	assert.Contains(t, sys, strings.Repeat("w", 500)+"…")
	assert.NotContains(t, sys, strings.Repeat("w", 501))
	assert.Contains(t, sys, "Document excerpts: none found.")
	assert.False(t, p.NoContext)
}

func TestFormatAnswer(t *testing.T) {
	in := "\n\nRESPONSE:\nFirst line  \n\n\n\nSecond line\nUSER QUESTION: echoed\n"
	assert.Equal(t, "First line\n\nSecond line", FormatAnswer(in))
	assert.Equal(t, "", FormatAnswer("  \n "))
}
