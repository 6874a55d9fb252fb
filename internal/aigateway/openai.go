package aigateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var providerBaseURLs = map[string]string{
	"groq":   "https://api.groq.com/openai/v1",
	"openai": "https://api.openai.com/v1",
}

// ChatCompleter calls an OpenAI-compatible /chat/completions endpoint.
type ChatCompleter struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

type ChatConfig struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func NewChatCompleter(cfg ChatConfig) (*ChatCompleter, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = providerBaseURLs[strings.ToLower(cfg.Provider)]
	}
	if base == "" {
		return nil, fmt.Errorf("no base url for provider %q", cfg.Provider)
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("chat completer misconfigured: api key and model are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	return &ChatCompleter{
		endpoint:    base + "/chat/completions",
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	req := chatRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if p.MaxTokens > 0 {
		req.MaxTokens = p.MaxTokens
	}
	if p.Temperature > 0 {
		req.Temperature = p.Temperature
	}
	if p.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: p.User})

	body, err := json.Marshal(req)
	if err != nil {
		return "", &CompletionError{Kind: Rejected, Err: fmt.Errorf("marshal chat request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &CompletionError{Kind: Rejected, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &CompletionError{Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", classifyStatus(resp, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", &CompletionError{Kind: Transient, Status: resp.StatusCode, Err: fmt.Errorf("decode chat response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &CompletionError{Kind: Transient, Status: resp.StatusCode, Err: errors.New("no choices")}
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func classifyStatus(resp *http.Response, snippet string) *CompletionError {
	err := fmt.Errorf("%s: %s", resp.Status, snippet)
	ce := &CompletionError{Status: resp.StatusCode, Err: err}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		ce.Kind = AuthFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		ce.Kind = RateLimited
		if secs, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil && secs > 0 {
			ce.RetryAfter = time.Duration(secs) * time.Second
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		ce.Kind = Transient
	default:
		ce.Kind = Rejected
	}
	return ce
}
