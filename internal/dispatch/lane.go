package dispatch

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LaneConfig configures one platform lane. Zero values take defaults.
type LaneConfig struct {
	RatePerSec    float64
	Burst         int
	DailyLimit    int // 0 disables the daily cap
	QueueSize     int
	Workers       int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c *LaneConfig) setDefaults() {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(math.Ceil(c.RatePerSec)))
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

// LaneStats is a point-in-time view of a lane for /stats.
type LaneStats struct {
	Platform   string  `json:"platform"`
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      int     `json:"burst"`
	Queued     int     `json:"queued"`
	Waiting    int     `json:"waiting_retry"`
	InFlight   int64   `json:"in_flight"`
	Submitted  uint64  `json:"submitted"`
	Saturated  uint64  `json:"saturated"`
	Retries    uint64  `json:"retries"`
	Succeeded  uint64  `json:"succeeded"`
	Failed     uint64  `json:"failed"`
	Abandoned  uint64  `json:"abandoned"`
}

type lane struct {
	name    string
	cfg     LaneConfig
	pub     Publisher
	limiter *rate.Limiter
	daily   *rate.Limiter // nil without a daily cap
	queue   chan *Job

	pmu     sync.Mutex
	pending map[string]*retryTimer

	inFlight  atomic.Int64
	submitted atomic.Uint64
	saturated atomic.Uint64
	retries   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64
}

type retryTimer struct {
	job   *Job
	timer *time.Timer
}

func newLane(name string, cfg LaneConfig, pub Publisher) *lane {
	cfg.setDefaults()
	l := &lane{
		name:    name,
		cfg:     cfg,
		pub:     pub,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		queue:   make(chan *Job, cfg.QueueSize),
		pending: map[string]*retryTimer{},
	}
	if cfg.DailyLimit > 0 {
		l.daily = rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(cfg.DailyLimit)), cfg.DailyLimit)
	}
	return l
}

// setRate applies a hot-reloaded rate. Queue size and worker count need a
// restart.
func (l *lane) setRate(perSec float64, burst int) {
	c := LaneConfig{RatePerSec: perSec, Burst: burst}
	c.setDefaults()
	l.limiter.SetLimit(rate.Limit(c.RatePerSec))
	l.limiter.SetBurst(c.Burst)
}

func (l *lane) stats() LaneStats {
	l.pmu.Lock()
	waiting := len(l.pending)
	l.pmu.Unlock()
	return LaneStats{
		Platform:   l.name,
		RatePerSec: float64(l.limiter.Limit()),
		Burst:      l.limiter.Burst(),
		Queued:     len(l.queue),
		Waiting:    waiting,
		InFlight:   l.inFlight.Load(),
		Submitted:  l.submitted.Load(),
		Saturated:  l.saturated.Load(),
		Retries:    l.retries.Load(),
		Succeeded:  l.succeeded.Load(),
		Failed:     l.failed.Load(),
		Abandoned:  l.abandoned.Load(),
	}
}

// backoff returns the delay before the next attempt after attempt failures:
// RetryBase * 2^(attempt-1) with 0.7..1.3 jitter, capped at RetryMaxDelay.
// A remote hint wins when it asks for longer.
func backoff(cfg LaneConfig, attempt int, hint time.Duration) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	d = min(d, cfg.RetryMaxDelay)
	return max(d, hint, 0)
}
