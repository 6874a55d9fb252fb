// Package webhook publishes posts as JSON to an HTTP relay.
package webhook

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

	"newsrelay/internal/dispatch"
)

type Config struct {
	URL string
	// AuthHeader is sent verbatim as the Authorization header when set.
	AuthHeader string
	Timeout    time.Duration
}

type Publisher struct {
	url    string
	auth   string
	client *http.Client
}

// Body is the JSON document posted to the relay.
type Body struct {
	JobID    string `json:"job_id"`
	ItemID   string `json:"item_id"`
	Platform string `json:"platform"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Link     string `json:"link,omitempty"`
	Attempt  int    `json:"attempt"`
}

func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Publisher{url: cfg.URL, auth: cfg.AuthHeader, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Publish posts the payload. 2xx is success; the relay may answer with
// {"id": "..."} to report its post ID. 408/429/5xx and network errors are
// transient, every other status is permanent.
func (p *Publisher) Publish(ctx context.Context, post dispatch.Post) (string, error) {
	raw, err := json.Marshal(Body{
		JobID:    post.JobID,
		ItemID:   post.ItemID,
		Platform: post.Platform,
		Title:    post.Title,
		Text:     post.Text,
		Link:     post.Link,
		Attempt:  post.Attempt,
	})
	if err != nil {
		return "", dispatch.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		return "", dispatch.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	// the relay can drop repeats of a retried job
	req.Header.Set("Idempotency-Key", post.JobID)
	if p.auth != "" {
		req.Header.Set("Authorization", p.auth)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", dispatch.Transient(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		var out struct {
			ID string `json:"id"`
		}
		if len(body) > 0 && json.Unmarshal(body, &out) == nil && out.ID != "" {
			return out.ID, nil
		}
		return resp.Header.Get("X-Post-Id"), nil
	case code == http.StatusTooManyRequests:
		return "", dispatch.TransientAfter(statusErr(resp, body), retryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusRequestTimeout || code >= 500:
		return "", dispatch.Transient(statusErr(resp, body))
	default:
		return "", dispatch.Permanent(statusErr(resp, body))
	}
}

func statusErr(resp *http.Response, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return fmt.Errorf("webhook %s: %s", resp.Status, snippet)
}

// retryAfter accepts delta-seconds or an HTTP date.
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}
