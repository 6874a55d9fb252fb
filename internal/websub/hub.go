package websub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"newsrelay/internal/faults"
)

// HubRequest is one subscribe or unsubscribe request to a hub.
type HubRequest struct {
	Hub          string
	Mode         string // subscribe | unsubscribe
	Topic        string
	Callback     string
	Secret       string
	VerifyToken  string
	LeaseSeconds int
}

// HubClient sends subscription requests. A nil error means the hub accepted
// the request; verification arrives later on the callback.
type HubClient interface {
	Send(ctx context.Context, req HubRequest) error
}

type HTTPHub struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPHub(timeout time.Duration) *HTTPHub {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPHub{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "newsrelay-websub/1.0",
	}
}

func (h *HTTPHub) Send(ctx context.Context, r HubRequest) error {
	form := url.Values{}
	form.Set("hub.mode", r.Mode)
	form.Set("hub.topic", r.Topic)
	form.Set("hub.callback", r.Callback)
	form.Set("hub.verify", "async")
	if r.VerifyToken != "" {
		form.Set("hub.verify_token", r.VerifyToken)
	}
	if r.Mode == "subscribe" {
		if r.Secret != "" {
			form.Set("hub.secret", r.Secret)
		}
		if r.LeaseSeconds > 0 {
			form.Set("hub.lease_seconds", strconv.Itoa(r.LeaseSeconds))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Hub, strings.NewReader(form.Encode()))
	if err != nil {
		return faults.Wrap(faults.PermanentExternal, "websub.hub", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return faults.Wrap(faults.TransientExternal, "websub.hub", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("hub %s answered %d: %s", r.Mode, resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return faults.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return faults.Wrap(faults.TransientExternal, "websub.hub", err)
	}
	return faults.Wrap(faults.PermanentExternal, "websub.hub", err)
}
