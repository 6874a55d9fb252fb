// Package fingerprint keeps the set of admitted content fingerprints.
//
// A bounded, sharded memory tier sits in front of a storage.Store. The memory
// tier answers most lookups; the backend keeps fingerprints across restarts.
package fingerprint

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"newsrelay/internal/storage"
	logx "newsrelay/pkg/logx"
)

const (
	shardCount      = 16
	defaultCapacity = 50000
	defaultTTL      = 24 * time.Hour
	evictBatch      = 1000
)

// Fingerprint is the admitted summary of one item. Key is the exact content
// hash, or an "id:" alias for the item ID.
type Fingerprint struct {
	Key       string
	ItemID    string
	Shingles  []uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (f Fingerprint) expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && !now.Before(f.ExpiresAt)
}

type Option func(*Store)

func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(s *Store) {
		if !l.IsZero() {
			s.log = l
		}
	}
}

type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element // value: Fingerprint
	order *list.List               // front = oldest
}

type Store struct {
	backend  storage.Store
	capacity int
	ttl      time.Duration
	now      func() time.Time
	log      logx.Logger

	shards [shardCount]*shard
}

func New(backend storage.Store, opts ...Option) *Store {
	if backend == nil {
		backend = storage.NewMemory()
	}
	s := &Store{
		backend:  backend,
		capacity: defaultCapacity,
		ttl:      defaultTTL,
		now:      time.Now,
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: map[string]*list.Element{}, order: list.New()}
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Len returns the number of entries held in memory.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.order.Len()
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Exists reports whether an unexpired fingerprint is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	if el, ok := sh.items[key]; ok {
		fp := el.Value.(Fingerprint)
		sh.mu.Unlock()
		return !fp.expired(now), nil
	}
	sh.mu.Unlock()

	rec, ok, err := s.backend.GetFingerprint(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if rec.Expired(now) {
		return false, nil
	}
	s.remember(fromRecord(rec))
	return true, nil
}

// Record stores fp unless an unexpired fingerprint with the same key exists.
// It reports whether fp was admitted. Missing CreatedAt/ExpiresAt are filled
// from the store clock and TTL.
func (s *Store) Record(ctx context.Context, fp Fingerprint) (bool, error) {
	now := s.now()
	if fp.CreatedAt.IsZero() {
		fp.CreatedAt = now
	}
	if fp.ExpiresAt.IsZero() {
		fp.ExpiresAt = fp.CreatedAt.Add(s.ttl)
	}

	sh := s.shardFor(fp.Key)
	sh.mu.Lock()
	if el, ok := sh.items[fp.Key]; ok && !el.Value.(Fingerprint).expired(now) {
		sh.mu.Unlock()
		return false, nil
	}
	sh.mu.Unlock()

	ok, err := s.backend.PutFingerprintIfAbsent(ctx, toRecord(fp), now)
	if err != nil || !ok {
		return false, err
	}
	s.remember(fp)
	return true, nil
}

// remember inserts fp into the memory tier, pushing out the oldest entries of
// the shard when it is over capacity. Pushed-out entries are deleted from the
// backend too so that total growth stays bounded.
func (s *Store) remember(fp Fingerprint) {
	sh := s.shardFor(fp.Key)
	limit := (s.capacity + shardCount - 1) / shardCount

	var dropped []string
	sh.mu.Lock()
	if el, ok := sh.items[fp.Key]; ok {
		el.Value = fp
		sh.order.MoveToBack(el)
	} else {
		sh.items[fp.Key] = sh.order.PushBack(fp)
	}
	for sh.order.Len() > limit {
		front := sh.order.Front()
		old := front.Value.(Fingerprint)
		sh.order.Remove(front)
		delete(sh.items, old.Key)
		dropped = append(dropped, old.Key)
	}
	sh.mu.Unlock()

	for _, k := range dropped {
		if err := s.backend.DeleteFingerprint(context.Background(), k); err != nil {
			s.log.Debug("fingerprint capacity delete failed", logx.String("key", k), logx.Err(err))
		}
	}
}

// Evict removes every fingerprint past its expiry from memory and backend.
// It returns the number of distinct keys removed.
func (s *Store) Evict(ctx context.Context, now time.Time) int {
	removed := map[string]struct{}{}
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.order.Front(); el != nil; {
			next := el.Next()
			fp := el.Value.(Fingerprint)
			if fp.expired(now) {
				sh.order.Remove(el)
				delete(sh.items, fp.Key)
				removed[fp.Key] = struct{}{}
			}
			el = next
		}
		sh.mu.Unlock()
	}

	for ctx.Err() == nil {
		keys, err := s.backend.ExpiredFingerprints(ctx, now, evictBatch)
		if err != nil {
			s.log.Warn("fingerprint expiry scan failed", logx.Err(err))
			break
		}
		for _, k := range keys {
			if err := s.backend.DeleteFingerprint(ctx, k); err != nil {
				s.log.Warn("fingerprint delete failed", logx.String("key", k), logx.Err(err))
				return len(removed)
			}
			removed[k] = struct{}{}
		}
		if len(keys) < evictBatch {
			break
		}
	}
	return len(removed)
}

// Recent returns unexpired fingerprints created at or after since, newest
// first. The results are also loaded into the memory tier.
func (s *Store) Recent(ctx context.Context, since time.Time, limit int) ([]Fingerprint, error) {
	recs, err := s.backend.RecentFingerprints(ctx, since, s.now(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Fingerprint, 0, len(recs))
	for _, r := range recs {
		fp := fromRecord(r)
		out = append(out, fp)
	}
	// oldest first so capacity trimming keeps the newest
	for i := len(out) - 1; i >= 0; i-- {
		s.remember(out[i])
	}
	return out, nil
}

func toRecord(fp Fingerprint) storage.FingerprintRecord {
	return storage.FingerprintRecord{
		Key:       fp.Key,
		ItemID:    fp.ItemID,
		Shingles:  fp.Shingles,
		CreatedAt: fp.CreatedAt,
		ExpiresAt: fp.ExpiresAt,
	}
}

func fromRecord(r storage.FingerprintRecord) Fingerprint {
	return Fingerprint{
		Key:       r.Key,
		ItemID:    r.ItemID,
		Shingles:  r.Shingles,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}
