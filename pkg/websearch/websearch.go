// Package websearch provides external web search used to augment query context.
package websearch

import (
	"context"
	"fmt"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
)

// Provider returns at most n snippets for a query.
type Provider interface {
	Search(ctx context.Context, query string, n int) ([]model.WebSnippet, error)
	Name() string
}

type disabled struct{}

// Disabled is used when no web search backend is configured; every search reports unavailability.
func Disabled() Provider { return disabled{} }

func (disabled) Name() string { return "none" }

func (disabled) Search(context.Context, string, int) ([]model.WebSnippet, error) {
	return nil, errs.E(errs.KindWebSearchUnavailable, "web search is not configured", nil)
}

// NewProvider selects the backend once from configuration.
func NewProvider(ctx context.Context, cfg config.WebSearchConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return Disabled(), nil
	case "google":
		return NewGoogle(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown web search provider %q", cfg.Provider)
	}
}
