// Package dispatch fans enhanced items out to per-platform lanes. Each lane
// owns a bounded queue, a token bucket, an optional daily cap and a small
// worker pool; failed publishes are retried with backoff until they succeed,
// fail permanently or run out of attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsrelay/internal/faults"
)

type JobState int

const (
	Queued JobState = iota
	InFlight
	Succeeded
	Failed
	Abandoned
)

func (s JobState) String() string {
	switch s {
	case Queued:
		return "queued"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("jobstate(%d)", int(s))
	}
}

func (s JobState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s JobState) Terminal() bool { return s == Succeeded || s == Failed || s == Abandoned }

// Payload is what a Publisher posts. Texts holds per-platform bodies; Text is
// used for platforms without an entry.
type Payload struct {
	ItemID string            `json:"item_id"`
	Title  string            `json:"title"`
	Link   string            `json:"link,omitempty"`
	Text   string            `json:"text"`
	Texts  map[string]string `json:"texts,omitempty"`
}

func (p Payload) TextFor(platform string) string {
	if t, ok := p.Texts[platform]; ok && t != "" {
		return t
	}
	return p.Text
}

// Post is the single-platform view of a payload handed to a Publisher.
type Post struct {
	JobID    string
	ItemID   string
	Platform string
	Title    string
	Text     string
	Link     string
	Attempt  int
}

// Job is one (item, platform) delivery. A job is owned by exactly one of the
// lane queue, a retry timer or a worker at any time.
type Job struct {
	ID             string    `json:"id"`
	Platform       string    `json:"platform"`
	Post           Post      `json:"-"`
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`
	State          JobState  `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	PostID         string    `json:"post_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// Submission reports the outcome of enqueueing one platform.
type Submission struct {
	Platform string
	JobID    string
	Err      error
}

// Publisher posts to one platform. Errors should be PublishError values (or
// carry a faults.Kind) so the lane can tell transient from permanent.
type Publisher interface {
	Publish(ctx context.Context, post Post) (postID string, err error)
}

type PublisherFunc func(ctx context.Context, post Post) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, post Post) (string, error) { return f(ctx, post) }

// Observer is told about every job that reaches a terminal state.
type Observer interface {
	JobFinished(j Job)
}

type ObserverFunc func(j Job)

func (f ObserverFunc) JobFinished(j Job) { f(j) }

var (
	ErrQueueSaturated  = faults.Wrap(faults.ResourceExhausted, "dispatch", errors.New("queue saturated"))
	ErrUnknownPlatform = faults.Wrap(faults.Validation, "dispatch", errors.New("unknown platform"))
	ErrStopped         = faults.Wrap(faults.Lifecycle, "dispatch", errors.New("dispatcher stopped"))
)

// PublishError is the error contract for publishers.
type PublishError struct {
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *PublishError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("publish %s (retry after %s): %v", kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("publish %s: %v", kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) FaultKind() faults.Kind {
	if e.Permanent {
		return faults.PermanentExternal
	}
	return faults.TransientExternal
}

func Transient(err error) error { return &PublishError{Err: err} }

func TransientAfter(err error, after time.Duration) error {
	return &PublishError{Err: err, RetryAfter: after}
}

func Permanent(err error) error { return &PublishError{Permanent: true, Err: err} }

// classify maps a publisher error to (permanent, retry hint).
func classify(err error) (bool, time.Duration) {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Permanent, pe.RetryAfter
	}
	switch faults.KindOf(err) {
	case faults.PermanentExternal, faults.Validation:
		return true, 0
	}
	hint, _ := faults.RetryAfterHint(err)
	return false, hint
}

// JobEvent is the eventbus payload for job.* events.
type JobEvent struct {
	JobID    string        `json:"job_id"`
	ItemID   string        `json:"item_id"`
	Platform string        `json:"platform"`
	State    JobState      `json:"state"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}
