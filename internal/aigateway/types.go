// Package aigateway rotates text-completion calls across a pool of API keys,
// with per-key quota windows and circuit breaking.
package aigateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsrelay/internal/faults"
)

type KeyState int

const (
	Healthy KeyState = iota
	Throttled
	Tripped
)

func (s KeyState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Throttled:
		return "throttled"
	case Tripped:
		return "tripped"
	default:
		return fmt.Sprintf("keystate(%d)", int(s))
	}
}

func (s KeyState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type CompletionKind int

const (
	Transient CompletionKind = iota
	RateLimited
	AuthFailed
	// Rejected means the provider refused the request itself (bad prompt,
	// unknown model). Another key will not do better.
	Rejected
)

func (k CompletionKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case AuthFailed:
		return "auth_failed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("completion(%d)", int(k))
	}
}

// CompletionError is returned by TextCompleter implementations.
type CompletionError struct {
	Kind       CompletionKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *CompletionError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

func (e *CompletionError) FaultKind() faults.Kind {
	switch e.Kind {
	case AuthFailed, Rejected:
		return faults.PermanentExternal
	default:
		return faults.TransientExternal
	}
}

var ErrAllKeysExhausted = faults.Wrap(faults.ResourceExhausted, "aigateway", errors.New("all keys exhausted"))

type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// TextCompleter is one provider credential able to complete a prompt.
type TextCompleter interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Key binds a completer to its pool identity.
type Key struct {
	ID        string
	Provider  string
	Completer TextCompleter
}

// Content is what gets enhanced.
type Content struct {
	Title string
	Body  string
	Link  string
	Topic string
}

type EnhancedContent struct {
	Text     string `json:"text"`
	Platform string `json:"platform"`
	KeyID    string `json:"key_id,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}
