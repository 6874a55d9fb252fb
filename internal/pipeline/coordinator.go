// Package pipeline wires feed items through dedup, AI enhancement and
// dispatch, and owns the cross-component error policy: one bad item or
// platform is logged and counted, never allowed to stop the rest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"newsrelay/internal/aigateway"
	"newsrelay/internal/dedup"
	"newsrelay/internal/dispatch"
	"newsrelay/internal/eventbus"
	"newsrelay/internal/faults"
	rtsup "newsrelay/internal/runtime/supervisor"
	"newsrelay/internal/websub"
	logx "newsrelay/pkg/logx"
)

var (
	ErrStopped = faults.Wrap(faults.Lifecycle, "pipeline", errors.New("pipeline is not accepting items"))
	ErrBusy    = faults.Wrap(faults.ResourceExhausted, "pipeline", errors.New("too many items in flight"))
)

type Deduper interface {
	Evaluate(ctx context.Context, item dedup.Item) (dedup.Verdict, error)
}

type Enhancer interface {
	Enhance(ctx context.Context, c aigateway.Content, platform string) (aigateway.EnhancedContent, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, p dispatch.Payload, platforms []string) []dispatch.Submission
	Stop(ctx context.Context)
}

const unsubscribeTimeout = 5 * time.Second

type Subscriptions interface {
	UnsubscribeAll(ctx context.Context) error
	Failures() uint64
}

type Config struct {
	// Platforms receive every unique item.
	Platforms         []string
	EnhanceRetryDelay time.Duration
	// FallbackPlain posts the plain formatted item when enhancement fails.
	FallbackPlain  bool
	ProcessTimeout time.Duration
	MaxInFlight    int
	// CharLimits overrides per-platform post limits.
	CharLimits map[string]int
}

// Outcome describes what Process did with one item.
type Outcome struct {
	ItemID      string
	Verdict     dedup.Verdict
	Enhanced    int // platforms with AI text
	Fallbacks   int // platforms with the plain post
	Submissions []dispatch.Submission
	Err         error
}

// ItemEvent is the eventbus payload for item.* events.
type ItemEvent struct {
	ItemID    string  `json:"item_id"`
	FeedID    string  `json:"feed_id"`
	Verdict   string  `json:"verdict,omitempty"`
	Score     float64 `json:"score,omitempty"`
	MatchedID string  `json:"matched_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type Coordinator struct {
	cfg      Config
	dedup    Deduper
	enhancer Enhancer
	disp     Dispatcher
	subs     Subscriptions
	bus      eventbus.Bus
	log      logx.Logger

	mu        sync.Mutex
	accepting bool
	sup       *rtsup.Supervisor
	streams   sync.WaitGroup
	slots     chan struct{}

	c counters
}

type counters struct {
	received, unique, exact, near                      atomic.Uint64
	enhanced, fallbacks                                atomic.Uint64
	submitted, saturated, succeeded, failed, abandoned atomic.Uint64
	validationRejected, processErrs                    atomic.Uint64
}

// New builds a coordinator. enhancer may be nil, in which case every item is
// posted in its plain form.
func New(cfg Config, d Deduper, enhancer Enhancer, disp Dispatcher, subs Subscriptions, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if cfg.EnhanceRetryDelay <= 0 {
		cfg.EnhanceRetryDelay = 30 * time.Second
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:      cfg,
		dedup:    d,
		enhancer: enhancer,
		disp:     disp,
		subs:     subs,
		bus:      bus,
		log:      log,
		slots:    make(chan struct{}, cfg.MaxInFlight),
	}
}

func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	c.accepting = true
}

// Accept hands items from one push or poll to a new supervised stream and
// returns immediately.
func (c *Coordinator) Accept(items []websub.FeedItem) error {
	if len(items) == 0 {
		return nil
	}
	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		return ErrStopped
	}
	select {
	case c.slots <- struct{}{}:
	default:
		c.mu.Unlock()
		return ErrBusy
	}
	c.streams.Add(1)
	sup := c.sup
	c.mu.Unlock()

	sup.Go0("pipeline.stream", func(ctx context.Context) {
		defer func() {
			<-c.slots
			c.streams.Done()
		}()
		for _, it := range items {
			if ctx.Err() != nil {
				return
			}
			c.Process(ctx, it)
		}
	})
	return nil
}

// Process runs one item through the pipeline.
func (c *Coordinator) Process(ctx context.Context, item websub.FeedItem) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
	defer cancel()

	out := Outcome{ItemID: item.ID}
	c.c.received.Add(1)
	c.bus.Publish(eventbus.Event{Type: eventbus.ItemReceived, Data: ItemEvent{ItemID: item.ID, FeedID: item.FeedID}})
	log := c.log.With(logx.String("item", item.ID), logx.String("feed", item.FeedID))

	v, err := c.dedup.Evaluate(ctx, dedup.Item{ID: item.ID, Title: item.Title, Body: item.Body})
	if err != nil {
		c.c.processErrs.Add(1)
		log.Warn("dedup failed, item dropped", logx.Err(err))
		out.Err = err
		return out
	}
	out.Verdict = v
	switch v.Kind {
	case dedup.ExactDuplicate, dedup.NearDuplicate:
		if v.Kind == dedup.ExactDuplicate {
			c.c.exact.Add(1)
		} else {
			c.c.near.Add(1)
		}
		log.Debug("duplicate item", logx.String("verdict", v.Kind.String()), logx.Float64("score", v.Score), logx.String("matched", v.MatchedID))
		c.bus.Publish(eventbus.Event{Type: eventbus.ItemDuplicate, Data: ItemEvent{
			ItemID: item.ID, FeedID: item.FeedID, Verdict: v.Kind.String(), Score: v.Score, MatchedID: v.MatchedID,
		}})
		return out
	}
	c.c.unique.Add(1)

	if len(c.cfg.Platforms) == 0 {
		return out
	}
	payload := dispatch.Payload{
		ItemID: item.ID,
		Title:  item.Title,
		Link:   item.Link,
		Text:   PlainPost(item.Title, item.Body, item.Link),
		Texts:  map[string]string{},
	}
	skip := false // AI exhausted even after the retry; go straight to plain
	for _, platform := range c.cfg.Platforms {
		text, enhanced, err := c.enhance(ctx, item, platform, &skip)
		switch {
		case enhanced:
			out.Enhanced++
			c.c.enhanced.Add(1)
		case err != nil && !c.cfg.FallbackPlain:
			out.Err = err
			c.c.processErrs.Add(1)
			log.Warn("enhancement failed, item dropped", logx.String("platform", platform), logx.Err(err))
			return out
		default:
			out.Fallbacks++
			c.c.fallbacks.Add(1)
		}
		payload.Texts[platform] = text
	}

	out.Submissions = c.disp.Submit(ctx, payload, c.cfg.Platforms)
	for _, s := range out.Submissions {
		switch {
		case s.Err == nil:
			c.c.submitted.Add(1)
		case errors.Is(s.Err, dispatch.ErrQueueSaturated):
			c.c.saturated.Add(1)
		default:
			log.Warn("submit failed", logx.String("platform", s.Platform), logx.Err(s.Err))
		}
	}
	return out
}

// enhance returns the post text for platform. When the gateway is out of keys
// it waits EnhanceRetryDelay once; any remaining failure yields the plain post
// together with the error.
func (c *Coordinator) enhance(ctx context.Context, item websub.FeedItem, platform string, skip *bool) (string, bool, error) {
	limit := aigateway.CharLimit(platform, c.cfg.CharLimits)
	plain := clampPost(PlainPost(item.Title, item.Body, item.Link), item.Link, limit)
	if c.enhancer == nil {
		return plain, false, nil
	}
	if *skip {
		return plain, false, aigateway.ErrAllKeysExhausted
	}
	content := aigateway.Content{Title: item.Title, Body: item.Body, Link: item.Link, Topic: item.SourceTopic}

	res, err := c.enhancer.Enhance(ctx, content, platform)
	if err != nil && faults.Is(err, faults.ResourceExhausted) {
		c.log.Info("ai keys exhausted, retrying later", logx.String("item", item.ID), logx.Duration("delay", c.cfg.EnhanceRetryDelay))
		t := time.NewTimer(c.cfg.EnhanceRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return plain, false, ctx.Err()
		case <-t.C:
		}
		res, err = c.enhancer.Enhance(ctx, content, platform)
		if err != nil && faults.Is(err, faults.ResourceExhausted) {
			*skip = true
		}
	}
	if err != nil {
		c.log.Warn("enhancement failed, using plain post", logx.String("item", item.ID), logx.String("platform", platform), logx.Err(err))
		return plain, false, err
	}
	text := res.Text
	if item.Link != "" {
		text += "\n\n" + item.Link
	}
	return clampPost(text, item.Link, limit), true, nil
}

// PlainPost is the unenhanced rendering: title, the first 200 characters of
// the body, then the link.
func PlainPost(title, body, link string) string {
	snippet := body
	if utf8.RuneCountInString(snippet) > 200 {
		snippet = string([]rune(snippet)[:200])
	}
	s := fmt.Sprintf("%s\n\n%s...", title, snippet)
	if link != "" {
		s += "\n\n" + link
	}
	return s
}

// clampPost shortens post to limit runes while keeping a trailing link.
func clampPost(post, link string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(post) <= limit {
		return post
	}
	suffix := ""
	if link != "" {
		suffix = "\n\n" + link
	}
	head := []rune(post[:len(post)-len(suffix)])
	keep := limit - utf8.RuneCountInString(suffix) - 3
	if keep <= 0 {
		return string([]rune(post)[:limit])
	}
	if keep < len(head) {
		head = head[:keep]
	}
	return string(head) + "..." + suffix
}

// Rejected records an item or push refused by validation (bad signature,
// malformed feed).
func (c *Coordinator) Rejected(feedID string, err error) {
	c.c.validationRejected.Add(1)
	c.log.Warn("push rejected", logx.String("feed", feedID), logx.String("kind", faults.KindOf(err).String()), logx.Err(err))
	c.bus.Publish(eventbus.Event{Type: eventbus.ItemRejected, Data: ItemEvent{FeedID: feedID, Error: err.Error()}})
}

// JobFinished implements dispatch.Observer.
func (c *Coordinator) JobFinished(j dispatch.Job) {
	switch j.State {
	case dispatch.Succeeded:
		c.c.succeeded.Add(1)
	case dispatch.Failed:
		c.c.failed.Add(1)
	case dispatch.Abandoned:
		c.c.abandoned.Add(1)
	}
}

// Shutdown stops intake, waits for in-flight streams, unsubscribes from the
// hubs and finally stops dispatch so every queued job reports a terminal
// state. All steps share ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.accepting = false
	sup := c.sup
	c.mu.Unlock()

	var errs []error
	done := make(chan struct{})
	go func() {
		c.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for streams: %w", ctx.Err()))
		if sup != nil {
			sup.Cancel()
		}
	}

	if c.subs != nil {
		// unsubscribe still runs when the stream wait used up ctx
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
		err := c.subs.UnsubscribeAll(uctx)
		cancel()
		if err != nil {
			c.log.Warn("unsubscribe failed", logx.Err(err))
			errs = append(errs, err)
		}
	}
	if c.disp != nil {
		c.disp.Stop(ctx)
	}
	if sup != nil {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}
	return errors.Join(errs...)
}

type Counters struct {
	Received            uint64 `json:"received"`
	Unique              uint64 `json:"unique"`
	ExactDuplicates     uint64 `json:"exact_duplicates"`
	NearDuplicates      uint64 `json:"near_duplicates"`
	Enhanced            uint64 `json:"enhanced"`
	EnhanceFallbacks    uint64 `json:"enhance_fallbacks"`
	JobsSubmitted       uint64 `json:"jobs_submitted"`
	JobsSaturated       uint64 `json:"jobs_saturated"`
	JobsSucceeded       uint64 `json:"jobs_succeeded"`
	JobsFailed          uint64 `json:"jobs_failed"`
	JobsAbandoned       uint64 `json:"jobs_abandoned"`
	SubscriptionsFailed uint64 `json:"subscriptions_failed"`
	ValidationRejected  uint64 `json:"validation_rejected"`
	ProcessErrors       uint64 `json:"process_errors"`
	InFlight            int    `json:"in_flight"`
}

func (c *Coordinator) Counters() Counters {
	return Counters{
		Received:            c.c.received.Load(),
		Unique:              c.c.unique.Load(),
		ExactDuplicates:     c.c.exact.Load(),
		NearDuplicates:      c.c.near.Load(),
		Enhanced:            c.c.enhanced.Load(),
		EnhanceFallbacks:    c.c.fallbacks.Load(),
		JobsSubmitted:       c.c.submitted.Load(),
		JobsSaturated:       c.c.saturated.Load(),
		JobsSucceeded:       c.c.succeeded.Load(),
		JobsFailed:          c.c.failed.Load(),
		JobsAbandoned:       c.c.abandoned.Load(),
		SubscriptionsFailed: c.subscriptionFailures(),
		ValidationRejected:  c.c.validationRejected.Load(),
		ProcessErrors:       c.c.processErrs.Load(),
		InFlight:            len(c.slots),
	}
}

func (c *Coordinator) subscriptionFailures() uint64 {
	if c.subs == nil {
		return 0
	}
	return c.subs.Failures()
}

// LogStats writes the periodic stats line.
func (c *Coordinator) LogStats() {
	s := c.Counters()
	c.log.Info("pipeline stats",
		logx.Uint64("received", s.Received),
		logx.Uint64("unique", s.Unique),
		logx.Uint64("exact_dups", s.ExactDuplicates),
		logx.Uint64("near_dups", s.NearDuplicates),
		logx.Uint64("enhanced", s.Enhanced),
		logx.Uint64("fallbacks", s.EnhanceFallbacks),
		logx.Uint64("jobs_ok", s.JobsSucceeded),
		logx.Uint64("jobs_failed", s.JobsFailed),
		logx.Uint64("jobs_abandoned", s.JobsAbandoned),
		logx.Uint64("jobs_saturated", s.JobsSaturated),
		logx.Uint64("subs_failed", s.SubscriptionsFailed),
		logx.Uint64("rejected", s.ValidationRejected),
	)
}
