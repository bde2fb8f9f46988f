package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

// Google 使用 Custom Search JSON API，请求之间至少间隔 MinInterval。
type Google struct {
	svc      *customsearch.Service
	engineID string
	limiter  *rate.Limiter
}

// NewGoogle creates the Custom Search client. APIKey and EngineID are required.
func NewGoogle(ctx context.Context, cfg config.WebSearchConfig) (*Google, error) {
	if cfg.APIKey == "" || cfg.EngineID == "" {
		return nil, fmt.Errorf("websearch: google provider requires api_key and engine_id")
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("websearch: create custom search service: %w", err)
	}

	interval := cfg.MinInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Google{
		svc:      svc,
		engineID: cfg.EngineID,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

func (g *Google) Name() string { return "google" }

// Search 失败时统一返回 web_search_unavailable，由调用方降级处理。
func (g *Google) Search(ctx context.Context, query string, n int) ([]model.WebSnippet, error) {
	if n <= 0 {
		return nil, nil
	}
	// Custom Search 单次最多 10 条
	n = min(n, 10)

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errs.E(errs.KindWebSearchUnavailable, "web search rate limited", err)
	}

	res, err := g.svc.Cse.List().Cx(g.engineID).Q(query).Num(int64(n)).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
			log.Warnf("[WebSearch] Google Custom Search 配额已用尽: %v", gerr.Message)
		}
		return nil, errs.E(errs.KindWebSearchUnavailable, "web search failed", err)
	}

	out := make([]model.WebSnippet, 0, len(res.Items))
	for _, item := range res.Items {
		if item == nil {
			continue
		}
		out = append(out, model.WebSnippet{
			Title:   strings.TrimSpace(item.Title),
			Snippet: strings.TrimSpace(item.Snippet),
			URL:     item.Link,
		})
		if len(out) == n {
			break
		}
	}
	return out, nil
}
