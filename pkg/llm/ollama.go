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

type ollamaClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewOllamaClient creates a client for Ollama's streaming /api/chat endpoint.
func NewOllamaClient(cfg config.LLMConfig) Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &ollamaClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (c *ollamaClient) Model() string { return c.cfg.Model }

func (c *ollamaClient) Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	return generate(ctx, c, messages, gen)
}

func (c *ollamaClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	p := resolveParams(c.cfg.Generation, gen)
	opts := map[string]any{}
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}

	body, err := json.Marshal(ollamaChatRequest{Model: c.cfg.Model, Messages: messages, Stream: true, Options: opts})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return unavailable(ctx, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return unavailable(ctx, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(b)))
	}

	// NDJSON，每行一个分块
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return unavailable(ctx, fmt.Errorf("ollama error: %s", chunk.Error))
		}
		if chunk.Message.Content != "" {
			if err := writer.WriteMessage(websocket.TextMessage, []byte(chunk.Message.Content)); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return unavailable(ctx, fmt.Errorf("read stream: %w", err))
	}
	return nil
}
