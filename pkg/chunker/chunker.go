// Package chunker 将提取出的文本切分为带重叠的定长片段（以 rune 计）。
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
)

const pageSeparator = "\n\n"

// Config 以 rune 为单位。Slack 是在硬切点之前寻找句子边界的窗口大小。
type Config struct {
	Size    int
	Overlap int
	Slack   int
}

// Validate 检查 Overlap 必须小于 Size。
func (c Config) Validate() error {
	if c.Size <= 0 || c.Overlap < 0 || c.Overlap >= c.Size || c.Slack < 0 {
		return errs.E(errs.KindInvalidChunkConfig,
			fmt.Sprintf("invalid chunk config: size=%d overlap=%d slack=%d (need 0 <= overlap < size, slack >= 0)",
				c.Size, c.Overlap, c.Slack), nil)
	}
	return nil
}

// Span 是输入文本中的一个精确区间 [Start, End)，单位为 rune。
type Span struct {
	Start int
	End   int
	Text  string
}

// Split 切分 text。相邻片段恰好重叠 Overlap 个 rune，因此去掉重叠后依次拼接即可还原原文。
func Split(text string, cfg Config) ([]Span, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	runes := []rune(text)
	n := len(runes)
	var spans []Span
	start := 0
	for {
		if n-start <= cfg.Size {
			spans = append(spans, Span{Start: start, End: n, Text: string(runes[start:n])})
			return spans, nil
		}

		hard := start + cfg.Size
		end := hard
		// 切点不能早于 start+Overlap+1，保证下一个片段一定前进
		lo := max(hard-cfg.Slack, start+cfg.Overlap+1)
		for i := hard; i >= lo; i-- {
			if isBoundary(runes, i) {
				end = i
				break
			}
		}

		spans = append(spans, Span{Start: start, End: end, Text: string(runes[start:end])})
		start = end - cfg.Overlap
	}
}

// isBoundary 判断 i 是否是句子结束后的切点：
// 句末标点后紧跟空白或文本结尾，中文句末标点，或者空行之后。
func isBoundary(r []rune, i int) bool {
	if i <= 0 || i > len(r) {
		return false
	}
	prev := r[i-1]
	switch prev {
	case '。', '！', '？', '；':
		return true
	case '.', '!', '?':
		return i == len(r) || unicode.IsSpace(r[i])
	case '\n':
		return i >= 2 && r[i-2] == '\n'
	}
	return false
}

// ChunkPages 把各页用空行连接后切分，每个片段归属于其起点所在的页。
// 只含空白的片段会被丢弃，片段文本去掉首尾空白。ChunkIndex 连续编号，DocumentID 与 ID 由调用方填写。
func ChunkPages(pages []model.Page, cfg Config) ([]model.Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var b strings.Builder
	offsets := make([]int, 0, len(pages))
	pos := 0
	for i, p := range pages {
		if i > 0 {
			b.WriteString(pageSeparator)
			pos += len([]rune(pageSeparator))
		}
		offsets = append(offsets, pos)
		b.WriteString(p.Text)
		pos += len([]rune(p.Text))
	}

	spans, err := Split(b.String(), cfg)
	if err != nil {
		return nil, err
	}

	chunks := make([]model.Chunk, 0, len(spans))
	for _, s := range spans {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		chunks = append(chunks, model.Chunk{
			ChunkIndex: len(chunks),
			Page:       pageAt(pages, offsets, s.Start),
			Text:       text,
		})
	}
	return chunks, nil
}

func pageAt(pages []model.Page, offsets []int, pos int) int {
	page := 0
	for i, off := range offsets {
		if off > pos {
			break
		}
		page = pages[i].Number
	}
	return page
}
