package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"pdf-assistant-go/internal/config"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 1024
)

type anthropicClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewAnthropicClient creates a client for the Anthropic /v1/messages streaming API.
func NewAnthropicClient(cfg config.LLMConfig) Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultURL
	}
	return &anthropicClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicClient) Model() string { return c.cfg.Model }

func (c *anthropicClient) Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	return generate(ctx, c, messages, gen)
}

func (c *anthropicClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	p := resolveParams(c.cfg.Generation, gen)

	// system 消息单独传递
	var system []string
	var msgs []Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	maxTokens := anthropicMaxTokens
	if p.MaxTokens != nil {
		maxTokens = *p.MaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   maxTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return unavailable(ctx, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return unavailable(ctx, fmt.Errorf("anthropic error (status %d): %s", resp.StatusCode, string(b)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				if err := writer.WriteMessage(websocket.TextMessage, []byte(ev.Delta.Text)); err != nil {
					return fmt.Errorf("failed to write message: %w", err)
				}
			}
		case "error":
			return unavailable(ctx, fmt.Errorf("anthropic stream error: %s", ev.Error.Message))
		case "message_stop":
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return unavailable(ctx, fmt.Errorf("read stream: %w", err))
	}
	return nil
}
