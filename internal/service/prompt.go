package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/llm"
)

const (
	maxWebSnippetRunes = 500

	defaultRules = `You are a knowledgeable assistant that answers questions about the user's PDF documents.
Answer the question using only the reference material between the markers below.
- Cite document excerpts with their labels such as [D1] and web results with labels such as [W1].
- Web results come from the public internet, not from the user's documents; say so when you rely on them.
- If the reference material does not contain enough information, clearly state what you know and what you cannot determine.
- Use bullet points, numbered lists or sections when they make the answer easier to read.`

	defaultNoResultText = "NO RELEVANT CONTEXT FOUND: the uploaded documents contain no passages related to this question."

	noContextInstruction = "There is no reference material for this question. Tell the user that no relevant context was found in the uploaded documents and do not invent an answer."
)

// EstimateTokens 以 4 个字符约等于 1 个 token 估算，向上取整。
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// PromptBuilder 把检索结果装配成有界的提示词。
type PromptBuilder struct {
	rules        string
	refStart     string
	refEnd       string
	noResultText string
	budget       int
}

// NewPromptBuilder 从配置读取规则与包裹符，缺失时使用默认值。budget 是文档片段的 token 预算，<=0 表示不限制。
func NewPromptBuilder(cfg config.LLMPromptConfig, budget int) *PromptBuilder {
	b := &PromptBuilder{
		rules:        cfg.Rules,
		refStart:     cfg.RefStart,
		refEnd:       cfg.RefEnd,
		noResultText: cfg.NoResultText,
		budget:       budget,
	}
	if b.rules == "" {
		b.rules = defaultRules
	}
	if b.refStart == "" {
		b.refStart = "<<REF>>"
	}
	if b.refEnd == "" {
		b.refEnd = "<<END>>"
	}
	if b.noResultText == "" {
		b.noResultText = defaultNoResultText
	}
	return b
}

// Prompt 是装配结果。Used 是实际放入提示词的片段，按排名顺序。
type Prompt struct {
	Messages  []llm.Message
	Used      []model.ScoredChunk
	Web       []model.WebSnippet
	NoContext bool
}

// Build 按排名依次放入片段，遇到第一个放不下的片段即停止，不会用低排名片段替换高排名片段。
// filenames 把文档 ID 映射为显示用的文件名。
func (b *PromptBuilder) Build(question string, chunks []model.ScoredChunk, filenames map[string]string, web []model.WebSnippet) Prompt {
	var docs strings.Builder
	used := make([]model.ScoredChunk, 0, len(chunks))
	spent := 0
	for i, c := range chunks {
		block := fmt.Sprintf("[D%d] (%s)\n%s\n\n", i+1, sourceLabel(c.Chunk, filenames), strings.TrimSpace(c.Text))
		cost := EstimateTokens(block)
		if b.budget > 0 && spent+cost > b.budget {
			break
		}
		spent += cost
		docs.WriteString(block)
		used = append(used, c)
	}

	var webText strings.Builder
	for i, w := range web {
		fmt.Fprintf(&webText, "[W%d] (%s - %s)\n%s\n\n", i+1, w.Title, w.URL, truncateRunes(strings.TrimSpace(w.Snippet), maxWebSnippetRunes))
	}

	p := Prompt{Used: used, Web: web, NoContext: len(used) == 0 && len(web) == 0}

	var sys strings.Builder
	sys.WriteString(b.rules)
	sys.WriteString("\n\n")
	sys.WriteString(b.refStart)
	sys.WriteString("\n")
	if p.NoContext {
		sys.WriteString(b.noResultText)
		sys.WriteString("\n")
	} else {
		if docs.Len() > 0 {
			sys.WriteString("Document excerpts:\n")
			sys.WriteString(docs.String())
		} else {
			sys.WriteString("Document excerpts: none found.\n\n")
		}
		if webText.Len() > 0 {
			sys.WriteString("Web results:\n")
			sys.WriteString(webText.String())
		}
	}
	sys.WriteString(b.refEnd)
	if p.NoContext {
		sys.WriteString("\n\n")
		sys.WriteString(noContextInstruction)
	}

	p.Messages = []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: question},
	}
	return p
}

// BuildSummary 生成文档摘要的提示词，chunks 已按文档顺序排列。
func (b *PromptBuilder) BuildSummary(filename string, chunks []model.Chunk) []llm.Message {
	var content strings.Builder
	for _, c := range chunks {
		content.WriteString(strings.TrimSpace(c.Text))
		content.WriteString("\n\n")
	}
	prompt := fmt.Sprintf(`Please provide a comprehensive summary of the following document titled %q.

Document content:
%s
Provide a clear, structured summary that includes:
1. Main topics covered
2. Key concepts and definitions
3. Important points and conclusions
4. Overall purpose or objective of the document`, filename, content.String())
	return []llm.Message{{Role: "user", Content: prompt}}
}

func sourceLabel(c model.Chunk, filenames map[string]string) string {
	name := filenames[c.DocumentID]
	if name == "" {
		name = c.DocumentID
	}
	if c.Page > 0 {
		return fmt.Sprintf("%s, page %d", name, c.Page)
	}
	return name
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

var (
	echoedHeading = regexp.MustCompile(`^(You are|INSTRUCTIONS:|CONTEXT INFORMATION:|USER QUESTION:|RESPONSE:|Summary:)`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

// FormatAnswer 去掉模型复述的提示词标题，并压缩多余空行。
func FormatAnswer(answer string) string {
	lines := strings.Split(strings.ReplaceAll(answer, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" && len(kept) == 0 {
			continue
		}
		if echoedHeading.MatchString(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	out := blankRuns.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
	return strings.TrimSpace(out)
}
