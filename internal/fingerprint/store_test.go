package fingerprint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"newsrelay/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRecordIsPutIfAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory())

	ok, err := s.Record(ctx, Fingerprint{Key: "h1"})
	if err != nil || !ok {
		t.Fatalf("first record = %v, %v", ok, err)
	}
	ok, err = s.Record(ctx, Fingerprint{Key: "h1"})
	if err != nil || ok {
		t.Fatalf("second record = %v, %v; want false", ok, err)
	}
	if found, _ := s.Exists(ctx, "h1"); !found {
		t.Fatal("h1 should exist")
	}
}

func TestConcurrentRecordAdmitsOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory())

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Record(ctx, Fingerprint{Key: "same"}); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 1 {
		t.Fatalf("admitted = %d, want 1", got)
	}
}

func TestEvictRemovesExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := &clock{t: time.Now()}
	s := New(storage.NewMemory(), WithTTL(time.Hour), WithClock(c.Now))

	if _, err := s.Record(ctx, Fingerprint{Key: "old"}); err != nil {
		t.Fatal(err)
	}
	c.Advance(30 * time.Minute)
	if _, err := s.Record(ctx, Fingerprint{Key: "new"}); err != nil {
		t.Fatal(err)
	}
	c.Advance(45 * time.Minute)

	if n := s.Evict(ctx, c.Now()); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if found, _ := s.Exists(ctx, "old"); found {
		t.Fatal("old fingerprint should be gone after eviction")
	}
	if found, _ := s.Exists(ctx, "new"); !found {
		t.Fatal("new fingerprint should survive")
	}
}

func TestCapacityIsBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := storage.NewMemory()
	s := New(backend, WithCapacity(shardCount))
	for i := 0; i < 200; i++ {
		if _, err := s.Record(ctx, Fingerprint{Key: fmt.Sprintf("k%03d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Len(); got > shardCount {
		t.Fatalf("Len = %d, want <= %d", got, shardCount)
	}
	recent, err := backend.RecentFingerprints(ctx, time.Time{}, time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) > shardCount {
		t.Fatalf("backend holds %d entries, want <= %d", len(recent), shardCount)
	}
}

func TestRecentWarmsMemoryTier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := storage.NewMemory()
	now := time.Now()
	for i := 0; i < 3; i++ {
		rec := storage.FingerprintRecord{
			Key:       fmt.Sprintf("k%d", i),
			Shingles:  []uint64{uint64(i)},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			ExpiresAt: now.Add(time.Hour),
		}
		if _, err := backend.PutFingerprintIfAbsent(ctx, rec, now); err != nil {
			t.Fatal(err)
		}
	}
	s := New(backend)
	got, err := s.Recent(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Key != "k2" {
		t.Fatalf("recent = %+v", got)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
}

func TestRecordUsesStoreClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := &clock{t: time.Now().Add(72 * time.Hour)}
	s := New(storage.NewMemory(), WithTTL(time.Hour), WithClock(c.Now))

	if ok, err := s.Record(ctx, Fingerprint{Key: "h"}); err != nil || !ok {
		t.Fatalf("first record = %v, %v", ok, err)
	}
	c.Advance(2 * time.Hour)
	// expired for the store clock even though the wall clock is behind it
	if ok, err := s.Record(ctx, Fingerprint{Key: "h"}); err != nil || !ok {
		t.Fatalf("record after ttl = %v, %v; want admitted", ok, err)
	}
}
