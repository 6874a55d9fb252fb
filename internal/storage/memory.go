package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. Jobs are kept in a short
// ring so tests and /stats can inspect recent terminal states.
type memoryStore struct {
	mu     sync.Mutex
	fps    map[string]FingerprintRecord
	jobs   []JobEntry
	closed bool
}

const memoryJobHistory = 512

func NewMemory() Store {
	return &memoryStore{fps: map[string]FingerprintRecord{}}
}

func (s *memoryStore) GetFingerprint(ctx context.Context, key string) (FingerprintRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FingerprintRecord{}, false, ErrClosed
	}
	r, ok := s.fps[key]
	return r, ok, nil
}

func (s *memoryStore) PutFingerprintIfAbsent(ctx context.Context, rec FingerprintRecord, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if cur, ok := s.fps[rec.Key]; ok && !cur.Expired(now) {
		return false, nil
	}
	s.fps[rec.Key] = rec
	return true, nil
}

func (s *memoryStore) DeleteFingerprint(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fps, key)
	return nil
}

func (s *memoryStore) ExpiredFingerprints(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, r := range s.fps {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r.Expired(now) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *memoryStore) RecentFingerprints(ctx context.Context, since, now time.Time, limit int) ([]FingerprintRecord, error) {
	s.mu.Lock()
	out := make([]FingerprintRecord, 0, len(s.fps))
	for _, r := range s.fps {
		if !r.CreatedAt.Before(since) && !r.Expired(now) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	return newestFirst(out, limit), nil
}

func (s *memoryStore) AppendJob(ctx context.Context, e JobEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.jobs = append(s.jobs, e)
	if len(s.jobs) > memoryJobHistory {
		s.jobs = s.jobs[len(s.jobs)-memoryJobHistory:]
	}
	return nil
}

// Jobs returns the retained journal entries (memory driver only).
func (s *memoryStore) Jobs() []JobEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JobEntry(nil), s.jobs...)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func newestFirst(recs []FingerprintRecord, limit int) []FingerprintRecord {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
