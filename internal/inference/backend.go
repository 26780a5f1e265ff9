package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Request is one chat-completion call: a system prompt, a user prompt, and
// sampling parameters.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// BackendConfig describes one inference backend in preference order.
type BackendConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// Backend is an OpenAI-compatible chat-completions client for a single
// provider endpoint.
type Backend struct {
	name    string
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// NewBackend builds a backend client. The API key is resolved from the
// environment variable named in cfg; an empty env name means no auth header.
func NewBackend(cfg BackendConfig, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &Backend{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Name returns the backend's configured name.
func (b *Backend) Name() string { return b.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete performs one chat-completion call and returns the first choice's
// text. Failures carry the HTTP status and any Retry-After hint so callers
// can classify them.
func (b *Backend) Complete(ctx context.Context, req Request) (string, error) {
	payload := chatRequest{
		Model:       b.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("backend %s: %w", b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &BackendError{
			Backend:    b.name,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("backend %s: decode response: %w", b.name, err)
	}
	if len(parsed.Choices) == 0 {
		return "", &BackendError{Backend: b.name, StatusCode: resp.StatusCode, Body: "response has no choices"}
	}
	return parsed.Choices[0].Message.Content, nil
}

// parseRetryAfter handles the delta-seconds form; HTTP-date hints are rare
// on these endpoints and ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
