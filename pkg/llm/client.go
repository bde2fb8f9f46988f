// Package llm provides clients for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/errs"
)

// MessageWriter defines an interface for writing WebSocket messages.
// Both a *websocket.Conn and in-memory collectors satisfy it.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChatMessages 以 role-based 消息与可选生成参数调用聊天接口，并将流式分块写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error
	// Generate 返回完整回答。
	Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	Model() string
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// NewClient selects the provider once from configuration.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "ollama":
		return NewOllamaClient(cfg), nil
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// unavailable classifies a provider failure. Only caller cancellation passes
// through unchanged; a deadline is the provider failing to answer in time.
func unavailable(ctx context.Context, err error) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.Canceled):
		return ctxErr
	case ctxErr != nil:
		return errs.E(errs.KindGenerationUnavailable, "generation provider timed out", ctxErr)
	}
	return errs.E(errs.KindGenerationUnavailable, "generation provider unavailable", err)
}

// collector gathers streamed chunks into one string.
type collector struct {
	b strings.Builder
}

func (c *collector) WriteMessage(_ int, data []byte) error {
	c.b.Write(data)
	return nil
}

// generate runs a streaming call and returns the concatenated answer.
func generate(ctx context.Context, c Client, messages []Message, gen *GenerationParams) (string, error) {
	var col collector
	if err := c.StreamChatMessages(ctx, messages, gen, &col); err != nil {
		return "", err
	}
	return col.b.String(), nil
}

// resolveParams 传参优先，否则从配置注入非零值。
func resolveParams(cfg config.LLMGenerationConfig, gen *GenerationParams) GenerationParams {
	if gen != nil {
		return *gen
	}
	var p GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		p.Temperature = &t
	}
	if cfg.TopP != 0 {
		tp := cfg.TopP
		p.TopP = &tp
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		p.MaxTokens = &m
	}
	return p
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewOpenAIClient creates a client for any OpenAI-compatible /chat/completions endpoint (DeepSeek, OpenAI, vLLM).
func NewOpenAIClient(cfg config.LLMConfig) Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openAIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *openAIClient) Model() string { return c.cfg.Model }

func (c *openAIClient) Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	return generate(ctx, c, messages, gen)
}

func (c *openAIClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	p := resolveParams(c.cfg.Generation, gen)
	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return unavailable(ctx, fmt.Errorf("failed to call chat api: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return unavailable(ctx, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes)))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return unavailable(ctx, fmt.Errorf("failed to read from stream: %w", err))
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(data) == "[DONE]" {
				break
			}

			var chunk chatResponse
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr == nil && len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				if content != "" {
					if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
						return fmt.Errorf("failed to write message to websocket: %w", err)
					}
				}
			}
		}
		if err == io.EOF {
			break
		}
	}
	return nil
}
