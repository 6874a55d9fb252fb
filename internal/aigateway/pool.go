package aigateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"newsrelay/internal/eventbus"
	logx "newsrelay/pkg/logx"
)

type PoolConfig struct {
	TripFailures      int
	CooldownBase      time.Duration
	CooldownMax       time.Duration
	QuotaPerWindow    int // 0 disables the quota
	QuotaWindow       time.Duration
	RateLimitCooldown time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.TripFailures <= 0 {
		c.TripFailures = 3
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 30 * time.Minute
	}
	if c.QuotaWindow <= 0 {
		c.QuotaWindow = time.Minute
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = time.Hour
	}
}

// keyState is a single pool slot. Every field is guarded by Pool.mu.
type keyState struct {
	Key

	state KeyState
	fails int // consecutive
	trips int
	until time.Time // end of cooldown or throttle

	windowStart time.Time
	used        int

	lastUsed  time.Time
	successes uint64
	failures  uint64
}

// KeyView is a read-only copy of one key for diagnostics.
type KeyView struct {
	ID                  string    `json:"id"`
	Provider            string    `json:"provider"`
	State               KeyState  `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Trips               int       `json:"trips"`
	Until               time.Time `json:"until,omitempty"`
	UsedInWindow        int       `json:"used_in_window"`
	LastUsed            time.Time `json:"last_used,omitempty"`
	Successes           uint64    `json:"successes"`
	Failures            uint64    `json:"failures"`
}

// Pool hands out keys. Selection and the matching state transition happen in
// one critical section, as does recording a call outcome.
type Pool struct {
	cfg PoolConfig
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu     sync.Mutex
	keys   []*keyState
	cursor int
}

func NewPool(cfg PoolConfig, keys []Key, bus eventbus.Bus, log logx.Logger) *Pool {
	cfg.setDefaults()
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{cfg: cfg, log: log, bus: bus, now: time.Now}
	for _, k := range keys {
		p.keys = append(p.keys, &keyState{Key: k})
	}
	return p
}

func (p *Pool) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

func (p *Pool) Len() int { return len(p.keys) }

// acquire picks the least recently used Healthy key other than exclude,
// scanning round-robin from the cursor so ties rotate. The chosen key is
// charged one quota slot before acquire returns.
func (p *Pool) acquire(exclude string) (*keyState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.keys)
	var (
		best    *keyState
		bestIdx int
	)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		k := p.keys[idx]
		p.refreshLocked(k, now)
		if k.state != Healthy || k.ID == exclude {
			continue
		}
		if best == nil || k.lastUsed.Before(best.lastUsed) {
			best, bestIdx = k, idx
		}
	}
	if best == nil {
		return nil, ErrAllKeysExhausted
	}

	p.cursor = (bestIdx + 1) % n
	best.lastUsed = now
	if p.cfg.QuotaPerWindow > 0 {
		best.used++
		if best.used >= p.cfg.QuotaPerWindow {
			best.state = Throttled
			best.until = best.windowStart.Add(p.cfg.QuotaWindow)
			p.log.Debug("ai key quota used up", logx.String("key", best.ID), logx.Time("until", best.until))
		}
	}
	return best, nil
}

// refreshLocked applies time-based transitions: quota windows roll over, and
// keys whose cooldown or throttle ended become Healthy again. A tripped key
// comes back half-open: one more failure trips it again.
func (p *Pool) refreshLocked(k *keyState, now time.Time) {
	if k.windowStart.IsZero() || now.Sub(k.windowStart) >= p.cfg.QuotaWindow {
		k.windowStart = now
		k.used = 0
	}
	if k.state == Healthy || now.Before(k.until) {
		return
	}
	if k.state == Tripped {
		k.fails = p.cfg.TripFailures - 1
	}
	k.state = Healthy
	k.until = time.Time{}
	p.log.Info("ai key available again", logx.String("key", k.ID))
}

// report records the outcome of a call made with k.
func (p *Pool) report(k *keyState, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	if err == nil {
		k.successes++
		k.fails = 0
		k.trips = 0
		return
	}
	k.failures++

	kind := Transient
	var ce *CompletionError
	if errors.As(err, &ce) {
		kind = ce.Kind
	}

	switch kind {
	case Rejected:
		// the request was bad, not the key
	case RateLimited:
		wait := p.cfg.RateLimitCooldown
		if ce != nil && ce.RetryAfter > 0 {
			wait = ce.RetryAfter
		}
		if k.state == Tripped {
			return
		}
		k.state = Throttled
		k.until = now.Add(wait)
		p.log.Warn("ai key throttled by provider", logx.String("key", k.ID), logx.Duration("for", wait))
		p.bus.Publish(eventbus.Event{Type: eventbus.KeyThrottled, Time: now, Data: p.viewLocked(k)})
	case AuthFailed:
		p.tripLocked(k, now, p.cfg.CooldownMax, err)
	default:
		k.fails++
		if k.fails >= p.cfg.TripFailures {
			p.tripLocked(k, now, p.cooldown(k.trips), err)
		}
	}
}

func (p *Pool) tripLocked(k *keyState, now time.Time, cooldown time.Duration, cause error) {
	k.state = Tripped
	k.trips++
	k.until = now.Add(cooldown)
	p.log.Warn("ai key tripped",
		logx.String("key", k.ID),
		logx.Int("failures", k.fails),
		logx.Int("trips", k.trips),
		logx.Duration("cooldown", cooldown),
		logx.Err(cause),
	)
	p.bus.Publish(eventbus.Event{Type: eventbus.KeyTripped, Time: now, Data: p.viewLocked(k)})
}

// cooldown is CooldownBase * 2^trips, capped at CooldownMax.
func (p *Pool) cooldown(trips int) time.Duration {
	d := p.cfg.CooldownBase
	for i := 0; i < trips; i++ {
		d *= 2
		if d >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	return min(d, p.cfg.CooldownMax)
}

func (p *Pool) Snapshot() []KeyView {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]KeyView, 0, len(p.keys))
	for _, k := range p.keys {
		p.refreshLocked(k, now)
		out = append(out, p.viewLocked(k))
	}
	return out
}

// HealthyCount returns the number of keys currently selectable.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, v := range p.Snapshot() {
		if v.State == Healthy {
			n++
		}
	}
	return n
}

func (p *Pool) viewLocked(k *keyState) KeyView {
	return KeyView{
		ID:                  k.ID,
		Provider:            k.Provider,
		State:               k.state,
		ConsecutiveFailures: k.fails,
		Trips:               k.trips,
		Until:               k.until,
		UsedInWindow:        k.used,
		LastUsed:            k.lastUsed,
		Successes:           k.successes,
		Failures:            k.failures,
	}
}
