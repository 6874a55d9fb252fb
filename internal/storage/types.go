package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-local maps, nothing survives a restart
//   - "file": dependency-free jsonl journal + snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FingerprintRecord is the persisted form of a dedup fingerprint.
// Key is either the exact content hash or an "id:" alias for the item ID.
type FingerprintRecord struct {
	Key       string    `json:"key"`
	ItemID    string    `json:"item_id,omitempty"`
	Shingles  []uint64  `json:"shingles,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r FingerprintRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// JobEntry records a dispatch job reaching a terminal state.
// Keep it compact and schema-stable.
type JobEntry struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	ItemID   string    `json:"item_id"`
	Platform string    `json:"platform"`
	State    string    `json:"state"`
	Attempts int       `json:"attempts"`
	PostID   string    `json:"post_id,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Store is the persistence API used by the fingerprint store and the
// dispatch journal. Implementations are safe for concurrent use.
type Store interface {
	GetFingerprint(ctx context.Context, key string) (FingerprintRecord, bool, error)
	// PutFingerprintIfAbsent stores rec unless a record with the same key
	// exists that is unexpired at now. It reports whether rec was stored.
	PutFingerprintIfAbsent(ctx context.Context, rec FingerprintRecord, now time.Time) (bool, error)
	DeleteFingerprint(ctx context.Context, key string) error
	// ExpiredFingerprints returns up to limit keys whose ExpiresAt <= now.
	ExpiredFingerprints(ctx context.Context, now time.Time, limit int) ([]string, error)
	// RecentFingerprints returns records unexpired at now and created at or
	// after since, newest first, capped at limit.
	RecentFingerprints(ctx context.Context, since, now time.Time, limit int) ([]FingerprintRecord, error)

	AppendJob(ctx context.Context, e JobEntry) error
	Close() error
}
