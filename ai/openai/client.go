// Package openai implements core.ChatCompleter against any
// OpenAI-compatible /chat/completions endpoint (OpenAI, Kimi, Nvidia NIM,
// Ollama, vLLM).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinai/sentinai-go/core"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// Client is a minimal chat completion client. One prompt in, one message
// out; no streaming, no tool calls.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

// NewClient creates a client for the configured provider. The API key is
// required; baseURL and model fall back to OpenAI defaults.
func NewClient(cfg core.AIConfig, logger core.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required: %w", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		// Per-call deadlines come from the caller's context; this is the
		// hard ceiling for a hung connection.
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one prompt and returns the first choice's content
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion call failed: %w", core.ErrAIUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Chat completion request rejected", map[string]interface{}{
			"status": resp.StatusCode,
			"model":  c.model,
			"body":   truncate(string(body), 200),
		})
		return "", fmt.Errorf("chat completion returned status %d: %w", resp.StatusCode, core.ErrRequestFailed)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat completion error %s: %w", parsed.Error.Type, core.ErrRequestFailed)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices: %w", core.ErrRequestFailed)
	}

	c.logger.Debug("Chat completion succeeded", map[string]interface{}{
		"model":       c.model,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
