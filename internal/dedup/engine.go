// Package dedup classifies incoming items as unique, exact duplicates or near
// duplicates of recently admitted content.
//
// Exact admission is serialized per content hash and per item ID through a
// striped mutex, so two evaluations of the same normalized text or the same
// item ID never both come back Unique.
// Near-duplicate detection is best effort: two similar items evaluated at the
// same moment can both be admitted before either reaches the window.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"newsrelay/internal/fingerprint"
	logx "newsrelay/pkg/logx"
)

const lockStripes = 256

type VerdictKind int

const (
	Unique VerdictKind = iota
	ExactDuplicate
	NearDuplicate
)

func (k VerdictKind) String() string {
	switch k {
	case Unique:
		return "unique"
	case ExactDuplicate:
		return "exact_duplicate"
	case NearDuplicate:
		return "near_duplicate"
	default:
		return fmt.Sprintf("verdict(%d)", int(k))
	}
}

type Verdict struct {
	Kind VerdictKind
	// Score is the Jaccard similarity for NearDuplicate verdicts.
	Score float64
	// MatchedID is the item the verdict was matched against, when known.
	MatchedID string
	Hash      string
}

// Item is the part of a feed item the engine looks at.
type Item struct {
	ID    string
	Title string
	Body  string
}

type Config struct {
	Threshold   float64
	ShingleSize int
	WindowSize  int
	Horizon     time.Duration
}

type Stats struct {
	Evaluated      uint64 `json:"evaluated"`
	Unique         uint64 `json:"unique"`
	ExactDuplicate uint64 `json:"exact_duplicates"`
	NearDuplicate  uint64 `json:"near_duplicates"`
	Window         int    `json:"window"`
	WindowCap      int    `json:"window_capacity"`
}

type Engine struct {
	store *fingerprint.Store
	cfg   Config
	log   logx.Logger
	now   func() time.Time

	window *ring
	locks  [lockStripes]sync.Mutex

	evaluated atomic.Uint64
	unique    atomic.Uint64
	exact     atomic.Uint64
	near      atomic.Uint64
}

func NewEngine(store *fingerprint.Store, cfg Config, log logx.Logger) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = 3
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = store.TTL()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		window: newRing(cfg.WindowSize),
	}
}

// SetClock replaces the time source used for the recency horizon.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func stripeOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

// lock takes the stripes of every non-empty key in ascending order and
// returns the matching unlock.
func (e *Engine) lock(keys ...string) func() {
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		i := stripeOf(k)
		if !slices.Contains(idx, i) {
			idx = append(idx, i)
		}
	}
	slices.Sort(idx)
	for _, i := range idx {
		e.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			e.locks[idx[j]].Unlock()
		}
	}
}

// Evaluate classifies item and, when it is Unique, records its fingerprint
// before returning.
func (e *Engine) Evaluate(ctx context.Context, item Item) (Verdict, error) {
	e.evaluated.Add(1)
	hash := ExactHash(item.Title, item.Body)
	idKey := ""
	if item.ID != "" {
		idKey = "id:" + item.ID
	}

	unlock := e.lock(hash, idKey)
	defer unlock()

	found, err := e.store.Exists(ctx, hash)
	if err != nil {
		return Verdict{}, fmt.Errorf("dedup: lookup hash: %w", err)
	}
	if found {
		e.exact.Add(1)
		return Verdict{Kind: ExactDuplicate, Score: 1, Hash: hash}, nil
	}
	if idKey != "" {
		found, err = e.store.Exists(ctx, idKey)
		if err != nil {
			return Verdict{}, fmt.Errorf("dedup: lookup id: %w", err)
		}
		if found {
			e.exact.Add(1)
			return Verdict{Kind: ExactDuplicate, Score: 1, MatchedID: item.ID, Hash: hash}, nil
		}
	}

	now := e.now()
	norm := Normalize(item.Title + " " + item.Body)
	sh := Shingles(norm, e.cfg.ShingleSize)
	if score, match := e.window.best(sh, now.Add(-e.cfg.Horizon)); score >= e.cfg.Threshold {
		e.near.Add(1)
		return Verdict{Kind: NearDuplicate, Score: score, MatchedID: match, Hash: hash}, nil
	}

	admitted, err := e.store.Record(ctx, fingerprint.Fingerprint{
		Key:       hash,
		ItemID:    item.ID,
		Shingles:  sh,
		CreatedAt: now,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("dedup: record: %w", err)
	}
	if !admitted {
		// another process sharing the backend got there first
		e.exact.Add(1)
		return Verdict{Kind: ExactDuplicate, Score: 1, Hash: hash}, nil
	}
	if idKey != "" {
		ok, err := e.store.Record(ctx, fingerprint.Fingerprint{Key: idKey, ItemID: item.ID, CreatedAt: now})
		if err != nil {
			e.log.Warn("dedup id alias not recorded", logx.String("item_id", item.ID), logx.Err(err))
		} else if !ok {
			// same item ID admitted elsewhere with a different body
			e.exact.Add(1)
			return Verdict{Kind: ExactDuplicate, Score: 1, MatchedID: item.ID, Hash: hash}, nil
		}
	}
	e.window.add(ringEntry{itemID: item.ID, shingles: sh, at: now})
	e.unique.Add(1)
	return Verdict{Kind: Unique, Hash: hash}, nil
}

// Warm loads recently admitted fingerprints into the similarity window.
func (e *Engine) Warm(ctx context.Context) error {
	recs, err := e.store.Recent(ctx, e.now().Add(-e.cfg.Horizon), e.cfg.WindowSize)
	if err != nil {
		return err
	}
	n := 0
	for i := len(recs) - 1; i >= 0; i-- {
		if len(recs[i].Shingles) == 0 {
			continue
		}
		e.window.add(ringEntry{itemID: recs[i].ItemID, shingles: recs[i].Shingles, at: recs[i].CreatedAt})
		n++
	}
	e.log.Info("dedup window warmed", logx.Int("entries", n))
	return nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Evaluated:      e.evaluated.Load(),
		Unique:         e.unique.Load(),
		ExactDuplicate: e.exact.Load(),
		NearDuplicate:  e.near.Load(),
		Window:         e.window.len(),
		WindowCap:      e.window.capacity(),
	}
}
