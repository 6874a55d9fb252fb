package dedup

import (
	"sync"
	"time"
)

type ringEntry struct {
	itemID   string
	shingles []uint64
	at       time.Time
}

// ring is a fixed-size window of the most recently admitted shingle sets.
// Readers share the lock; an add overwrites the oldest slot.
type ring struct {
	mu      sync.RWMutex
	entries []ringEntry
	next    int
	size    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{entries: make([]ringEntry, capacity)}
}

func (r *ring) add(e ringEntry) {
	if len(e.shingles) == 0 {
		return
	}
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
	r.mu.Unlock()
}

// best returns the highest similarity against entries recorded at or after
// since, and the item ID it matched.
func (r *ring) best(sh []uint64, since time.Time) (float64, string) {
	if len(sh) == 0 {
		return 0, ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		score float64
		match string
	)
	for i := 0; i < r.size; i++ {
		e := &r.entries[i]
		if e.at.Before(since) {
			continue
		}
		if s := Jaccard(sh, e.shingles); s > score {
			score, match = s, e.itemID
		}
	}
	return score, match
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *ring) capacity() int { return len(r.entries) }
