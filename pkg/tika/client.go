// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
	"pdf-assistant-go/pkg/pdf"
)

// Client 是 Tika 服务器的客户端，实现 pdf.Extractor。
type Client struct {
	serverURL string
	http      *http.Client
}

var _ pdf.Extractor = (*Client)(nil)

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
	}
}

// Extract 调用 Tika 的 XHTML 输出，按 <div class="page"> 拆分页面。
func (c *Client) Extract(ctx context.Context, data []byte) ([]model.Page, error) {
	if !pdf.IsPDF(data) {
		return nil, errs.E(errs.KindUnreadablePDF, "file is not a valid PDF", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		// 422 表示 Tika 无法解析该文件
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, errs.E(errs.KindUnreadablePDF, "failed to parse PDF", fmt.Errorf("tika: %s", body))
		}
		return nil, fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取 Tika 响应失败: %w", err)
	}

	raw := splitPages(doc)
	var pages []model.Page
	for i, text := range raw {
		text = pdf.Normalize(text)
		if text == "" {
			continue
		}
		pages = append(pages, model.Page{Number: i + 1, Text: text})
	}
	if len(pages) == 0 {
		return nil, errs.E(errs.KindUnreadablePDF, "PDF contains no extractable text", nil)
	}
	log.Infof("[TikaClient] 提取完成, 页数: %d", len(pages))
	return pages, nil
}

// splitPages 返回每个 page div 的文本；没有 page div 时整个 body 作为一页。
func splitPages(doc *html.Node) []string {
	var pages []string
	var body *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "body" {
				body = n
			}
			if n.Data == "div" && hasClass(n, "page") {
				var b strings.Builder
				collectText(n, &b)
				pages = append(pages, b.String())
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if len(pages) == 0 && body != nil {
		var b strings.Builder
		collectText(body, &b)
		pages = append(pages, b.String())
	}
	return pages
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" || n.Data == "head" {
			return
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, b)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
			b.WriteString("\n")
		}
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}
