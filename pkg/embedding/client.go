// Package embedding provides clients for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

// Client defines the interface for an embedding client.
// EmbedBatch must return one vector per input, in input order.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// unavailable classifies a provider failure. Only caller cancellation passes
// through unchanged; a deadline is the provider failing to answer in time.
func unavailable(ctx context.Context, err error) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.Canceled):
		return ctxErr
	case ctxErr != nil:
		return errs.E(errs.KindEmbeddingUnavailable, "embedding provider timed out", ctxErr)
	}
	return errs.E(errs.KindEmbeddingUnavailable, "embedding provider unavailable", err)
}

type openAICompatibleClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

// NewOpenAIClient creates a client for any OpenAI-compatible /embeddings endpoint.
func NewOpenAIClient(cfg config.EmbeddingConfig) Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *openAICompatibleClient) Model() string { return c.cfg.Model }

func (c *openAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch calls the OpenAI-compatible API once for the whole batch.
func (c *openAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log.Debugf("[EmbeddingClient] 开始调用 Embedding API, model: %s, batch: %d", c.cfg.Model, len(texts))
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, unavailable(ctx, fmt.Errorf("failed to call embedding api: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		return nil, unavailable(ctx, fmt.Errorf("embedding api returned %s: %s", resp.Status, body))
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		log.Errorf("[EmbeddingClient] 解析 Embedding API 响应失败, error: %v", err)
		return nil, unavailable(ctx, fmt.Errorf("failed to decode embedding response: %w", err))
	}

	if len(embeddingResp.Data) != len(texts) {
		return nil, unavailable(ctx, fmt.Errorf("embedding api returned %d vectors for %d inputs", len(embeddingResp.Data), len(texts)))
	}

	// 按 index 字段还原输入顺序
	out := make([][]float32, len(texts))
	for pos, d := range embeddingResp.Data {
		i := d.Index
		if i < 0 || i >= len(texts) || out[i] != nil {
			i = pos
		}
		if len(d.Embedding) == 0 {
			log.Warnf("[EmbeddingClient] Embedding API 返回了空的向量数据")
			return nil, unavailable(ctx, fmt.Errorf("received empty embedding from api"))
		}
		out[i] = d.Embedding
	}

	log.Debugf("[EmbeddingClient] 成功从 Embedding API 获取向量, 数量: %d, 维度: %d", len(out), len(out[0]))
	return out, nil
}
