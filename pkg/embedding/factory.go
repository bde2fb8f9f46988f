package embedding

import (
	"fmt"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/cache"
)

// NewClient selects the provider once from configuration and wraps it with the cache when one is given.
func NewClient(cfg config.EmbeddingConfig, c cache.Cache) (Client, error) {
	var client Client
	switch cfg.Provider {
	case "openai":
		client = NewOpenAIClient(cfg)
	case "ollama":
		client = NewOllamaClient(cfg)
	case "local":
		client = NewLocalClient(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if c != nil {
		client = NewCachedClient(client, c, cfg.CacheTTL)
	}
	return client, nil
}
