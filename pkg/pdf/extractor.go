// Package pdf 将 PDF 字节流转换为按文档顺序排列的页面文本。
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	ledongpdf "github.com/ledongthuc/pdf"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

// Extractor 从 PDF 中提取文本。实现不得有副作用。
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]model.Page, error)
}

var magic = []byte("%PDF-")

// IsPDF 检查文件头。
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), magic)
}

type localExtractor struct{}

// NewLocalExtractor 返回基于 ledongthuc/pdf 的纯 Go 提取器。
func NewLocalExtractor() Extractor {
	return &localExtractor{}
}

func (e *localExtractor) Extract(ctx context.Context, data []byte) (pages []model.Page, err error) {
	if !IsPDF(data) {
		return nil, errs.E(errs.KindUnreadablePDF, "file is not a valid PDF", nil)
	}

	// 解析器在畸形输入上可能 panic
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = errs.E(errs.KindUnreadablePDF, "failed to parse PDF", fmt.Errorf("panic: %v", r))
		}
	}()

	reader, err := ledongpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.E(errs.KindUnreadablePDF, "failed to open PDF", err)
	}

	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			log.Warnf("[PDFExtractor] 第 %d 页提取失败, 跳过: %v", i, err)
			continue
		}
		text = Normalize(text)
		if text == "" {
			continue
		}
		pages = append(pages, model.Page{Number: i, Text: text})
	}

	if len(pages) == 0 {
		return nil, errs.E(errs.KindUnreadablePDF, "PDF contains no extractable text", nil)
	}
	log.Infof("[PDFExtractor] 提取完成, 总页数: %d, 有文本页数: %d", total, len(pages))
	return pages, nil
}

var (
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
	manyNewlines  = regexp.MustCompile(`\n{3,}`)
)

// Normalize 统一换行、去掉行尾空白并把连续三个以上的换行压缩为空行。
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	text = trailingSpace.ReplaceAllString(text, "\n")
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
