// Package faults holds the pipeline-wide error taxonomy.
//
// Components return their own sentinel or typed errors; each of them either
// wraps with Wrap or implements Classifier so KindOf can place any error into
// one of the policy buckets below.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	// Unknown errors are treated like transient ones by callers that retry.
	Unknown Kind = iota
	// Validation: bad signature, malformed feed. Dropped and logged, never retried.
	Validation
	// TransientExternal: network, timeout, remote rate limit. Retried with backoff.
	TransientExternal
	// PermanentExternal: auth revoked, content rejected. Surfaced, not retried.
	PermanentExternal
	// ResourceExhausted: no healthy AI key, saturated queue. Surfaced for backpressure.
	ResourceExhausted
	// Lifecycle: subscription renewal exhausted. Operator alert, no auto-retry.
	Lifecycle
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case TransientExternal:
		return "transient_external"
	case PermanentExternal:
		return "permanent_external"
	case ResourceExhausted:
		return "resource_exhausted"
	case Lifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classifier is implemented by typed errors that know their own Kind.
type Classifier interface {
	FaultKind() Kind
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) error {
	return &Error{Kind: Validation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the error chain and returns the first Kind it finds.
// Context deadlines count as transient; cancellation stays Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.FaultKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientExternal
	}
	return Unknown
}

func Is(err error, k Kind) bool { return KindOf(err) == k }

// Retryable reports whether the failing component should retry on its own.
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransientExternal, Unknown:
		return err != nil && !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

// RetryAfter carries a suggested delay before retrying, typically taken from
// a remote Retry-After header or a flood-wait reply.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
func (e retryAfterError) FaultKind() Kind           { return TransientExternal }

// RetryAfterHint extracts a retry hint from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
