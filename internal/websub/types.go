// Package websub manages WebSub (PubSubHubbub) lease subscriptions, validates
// signed content pushes and turns feed payloads into FeedItems.
package websub

import (
	"errors"
	"fmt"
	"time"

	"newsrelay/internal/faults"
)

type State int

const (
	Pending State = iota
	Verified
	Active
	Expiring
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	case Active:
		return "active"
	case Expiring:
		return "expiring"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Delivering reports whether the hub is expected to push for this state.
func (s State) Delivering() bool {
	return s == Verified || s == Active || s == Expiring
}

// Feed is one configured topic.
type Feed struct {
	ID     string
	Topic  string
	Hub    string
	Secret string
	// PollOnly skips the hub entirely; the feed is only ever polled.
	PollOnly bool
}

// FeedItem is one entry decomposed from a pushed or polled feed document.
// It is immutable once built.
type FeedItem struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feed_id"`
	SourceTopic string    `json:"source_topic"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Link        string    `json:"link,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	ReceivedAt  time.Time `json:"received_at"`
}

// SubscriptionView is a read-only copy of one subscription.
type SubscriptionView struct {
	FeedID         string    `json:"feed_id"`
	Topic          string    `json:"topic"`
	Hub            string    `json:"hub"`
	Callback       string    `json:"callback"`
	State          State     `json:"state"`
	LeaseSeconds   int       `json:"lease_seconds,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	RenewAttempts  int       `json:"renew_attempts,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StateChange is the payload of subscription events on the bus.
type StateChange struct {
	FeedID string `json:"feed_id"`
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

var (
	ErrUnknownFeed    = faults.Wrap(faults.Validation, "websub", errors.New("unknown feed"))
	ErrBadSignature   = faults.Wrap(faults.Validation, "websub", errors.New("signature mismatch"))
	ErrNotDelivering  = faults.Wrap(faults.Validation, "websub", errors.New("subscription is not accepting pushes"))
	ErrVerifyMismatch = faults.Wrap(faults.Validation, "websub", errors.New("verification does not match a pending request"))
	ErrRenewExhausted = faults.Wrap(faults.Lifecycle, "websub", errors.New("renewal attempts exhausted"))
)
