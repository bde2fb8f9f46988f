package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/errs"
)

func newGoogle(t *testing.T, handler http.HandlerFunc, interval time.Duration) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGoogle(context.Background(), config.WebSearchConfig{
		APIKey:      "key",
		EngineID:    "cx",
		Endpoint:    srv.URL + "/",
		MinInterval: interval,
	})
	require.NoError(t, err)
	return g
}

func TestGoogle_Search(t *testing.T) {
	g := newGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customsearch/v1", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "cx", q.Get("cx"))
		assert.Equal(t, "golang rag", q.Get("q"))
		assert.Equal(t, "2", q.Get("num"))
		assert.Equal(t, "key", q.Get("key"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{
				{"title": " Go ", "snippet": "Go is a language.", "link": "https://go.dev"},
				{"title": "RAG", "snippet": "Retrieval augmented generation.", "link": "https://example.com/rag"},
			},
		})
	}, time.Millisecond)

	res, err := g.Search(context.Background(), "golang rag", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Go", res[0].Title)
	assert.Equal(t, "https://example.com/rag", res[1].URL)
}

func TestGoogle_ErrorIsUnavailable(t *testing.T) {
	g := newGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
	}, time.Millisecond)

	_, err := g.Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, errs.ErrWebSearchUnavailable)
}

func TestGoogle_RateLimitsRequests(t *testing.T) {
	var calls atomic.Int32
	g := newGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}, time.Hour)

	_, err := g.Search(context.Background(), "first", 3)
	require.NoError(t, err)

	// 第二次请求需要等待一小时，上下文先超时
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Search(ctx, "second", 3)
	assert.ErrorIs(t, err, errs.ErrWebSearchUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), config.WebSearchConfig{Provider: "none"})
	require.NoError(t, err)
	_, err = p.Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, errs.ErrWebSearchUnavailable)

	_, err = NewProvider(context.Background(), config.WebSearchConfig{Provider: "google"})
	assert.Error(t, err)

	_, err = NewProvider(context.Background(), config.WebSearchConfig{Provider: "bing"})
	assert.Error(t, err)
}
