package aigateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsrelay/internal/eventbus"
	"newsrelay/internal/faults"
	logx "newsrelay/pkg/logx"
)

type Config struct {
	Pool         PoolConfig
	CallTimeout  time.Duration
	CacheTTL     time.Duration // 0 disables the cache
	CacheEntries int
	// Limits overrides per-platform character limits.
	Limits map[string]int
}

type Gateway struct {
	cfg   Config
	pool  *Pool
	cache *responseCache
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, keys []Key, bus eventbus.Bus, log logx.Logger) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:   cfg,
		pool:  NewPool(cfg.Pool, keys, bus, log),
		cache: newResponseCache(cfg.CacheTTL, cfg.CacheEntries),
		log:   log,
		now:   time.Now,
	}
}

func (g *Gateway) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
		g.pool.SetClock(now)
	}
}

func (g *Gateway) Pool() *Pool { return g.pool }

// Enhance writes a platform post for c. A failed call is retried once on a
// different healthy key. ErrAllKeysExhausted is returned when no key can be
// selected at all.
func (g *Gateway) Enhance(ctx context.Context, c Content, platformHint string) (EnhancedContent, error) {
	limit := CharLimit(platformHint, g.cfg.Limits)
	budget := textBudget(limit, c.Link)
	prompt := BuildPrompt(c, platformHint, budget)

	ck := promptKey(prompt)
	if text, ok := g.cache.get(ck, g.now()); ok {
		return EnhancedContent{Text: text, Platform: platformHint, Cached: true}, nil
	}

	var (
		lastErr error
		exclude string
	)
	for attempt := 0; attempt < 2; attempt++ {
		k, err := g.pool.acquire(exclude)
		if err != nil {
			if lastErr != nil {
				return EnhancedContent{}, lastErr
			}
			return EnhancedContent{}, err
		}

		text, err := g.call(ctx, k, prompt)
		g.pool.report(k, err)
		if err == nil {
			text = cleanCompletion(text, budget)
			g.cache.put(ck, text, g.now())
			return EnhancedContent{Text: text, Platform: platformHint, KeyID: k.ID}, nil
		}

		lastErr = fmt.Errorf("ai key %s: %w", k.ID, err)
		g.log.Debug("completion failed", logx.String("key", k.ID), logx.Int("attempt", attempt+1), logx.Err(err))
		if !failoverable(ctx, err) {
			break
		}
		exclude = k.ID
	}
	return EnhancedContent{}, lastErr
}

func (g *Gateway) call(ctx context.Context, k *keyState, p Prompt) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	text, err := k.Completer.Complete(cctx, p)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", &CompletionError{Kind: Transient, Err: errors.New("empty completion")}
	}
	return text, nil
}

func failoverable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var ce *CompletionError
	if errors.As(err, &ce) && ce.Kind == Rejected {
		return false
	}
	return !faults.Is(err, faults.Validation)
}
