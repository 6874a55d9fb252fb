package websub

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"newsrelay/internal/faults"
	logx "newsrelay/pkg/logx"
)

// Sink receives decomposed items from pushes and polls.
type Sink func(ctx context.Context, items []FeedItem)

// Poller fetches feeds that have no delivering subscription. Conditional GET
// headers are remembered per feed so unchanged documents are skipped.
type Poller struct {
	mgr     *Manager
	client  *http.Client
	sink    Sink
	log     logx.Logger
	jitter  time.Duration
	maxBody int64
	workers int

	mu    sync.Mutex
	cache map[string]validators
}

type validators struct {
	etag         string
	lastModified string
}

type PollerOptions struct {
	Timeout time.Duration
	// Jitter spreads requests: each feed waits a random delay in [0, Jitter).
	Jitter  time.Duration
	MaxBody int64
	Workers int
}

func NewPoller(mgr *Manager, sink Sink, opts PollerOptions, log logx.Logger) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 5 << 20
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		mgr:     mgr,
		client:  &http.Client{Timeout: opts.Timeout},
		sink:    sink,
		log:     log,
		jitter:  opts.Jitter,
		maxBody: opts.MaxBody,
		workers: opts.Workers,
		cache:   map[string]validators{},
	}
}

// PollOnce fetches every current poll target. Feed errors are logged and do
// not stop the others; the number of items handed to the sink is returned.
func (p *Poller) PollOnce(ctx context.Context) int {
	targets := p.mgr.PollTargets()
	if len(targets) == 0 {
		return 0
	}

	sem := make(chan struct{}, p.workers)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, f := range targets {
		wg.Add(1)
		go func(f Feed) {
			defer wg.Done()
			if p.jitter > 0 {
				t := time.NewTimer(rand.N(p.jitter))
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			items, err := p.fetch(ctx, f)
			if err != nil {
				p.log.Warn("feed poll failed", logx.String("feed", f.ID), logx.Err(err))
				return
			}
			if len(items) == 0 {
				return
			}
			mu.Lock()
			total += len(items)
			mu.Unlock()
			p.sink(ctx, items)
		}(f)
	}
	wg.Wait()
	if total > 0 {
		p.log.Debug("poll pass done", logx.Int("feeds", len(targets)), logx.Int("items", total))
	}
	return total
}

func (p *Poller) fetch(ctx context.Context, f Feed) ([]FeedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Topic, nil)
	if err != nil {
		return nil, faults.Wrap(faults.PermanentExternal, "websub.poll", err)
	}
	req.Header.Set("User-Agent", "newsrelay-poller/1.0")
	p.mu.Lock()
	v := p.cache[f.ID]
	p.mu.Unlock()
	if v.etag != "" {
		req.Header.Set("If-None-Match", v.etag)
	}
	if v.lastModified != "" {
		req.Header.Set("If-Modified-Since", v.lastModified)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.TransientExternal, "websub.poll", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, faults.Wrap(faults.TransientExternal, "websub.poll", fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody))
	if err != nil {
		return nil, faults.Wrap(faults.TransientExternal, "websub.poll", err)
	}
	items, err := ParseFeed(f, body, time.Now())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[f.ID] = validators{etag: resp.Header.Get("ETag"), lastModified: resp.Header.Get("Last-Modified")}
	p.mu.Unlock()
	return items, nil
}
