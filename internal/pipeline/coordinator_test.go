package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"newsrelay/internal/aigateway"
	"newsrelay/internal/dedup"
	"newsrelay/internal/dispatch"
	"newsrelay/internal/fingerprint"
	"newsrelay/internal/storage"
	"newsrelay/internal/websub"
	logx "newsrelay/pkg/logx"
)

type scriptedCompleter struct{ text string }

func (s scriptedCompleter) Complete(ctx context.Context, p aigateway.Prompt) (string, error) {
	return s.text, nil
}

type captured struct {
	mu    sync.Mutex
	posts []dispatch.Post
}

func (c *captured) Publish(ctx context.Context, p dispatch.Post) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, p)
	return "post-1", nil
}

func (c *captured) all() []dispatch.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatch.Post(nil), c.posts...)
}

type fakeSubs struct {
	mu       sync.Mutex
	calls    []string
	ctxErrs  []error
	failures uint64
}

func (f *fakeSubs) UnsubscribeAll(ctx context.Context) error {
	f.mu.Lock()
	f.calls = append(f.calls, "unsubscribe")
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	return nil
}

func (f *fakeSubs) Failures() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

type blockingEnhancer struct{ started chan struct{} }

func (b blockingEnhancer) Enhance(ctx context.Context, c aigateway.Content, platform string) (aigateway.EnhancedContent, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return aigateway.EnhancedContent{}, ctx.Err()
}

type harness struct {
	coord *Coordinator
	disp  *dispatch.Scheduler
	pub   *captured
	subs  *fakeSubs
}

func newHarness(t *testing.T, enhancer Enhancer, cfg Config) *harness {
	t.Helper()
	fps := fingerprint.New(storage.NewMemory(), fingerprint.WithTTL(time.Hour))
	engine := dedup.NewEngine(fps, dedup.Config{}, logx.Nop())

	h := &harness{pub: &captured{}, subs: &fakeSubs{}}
	h.disp = dispatch.New(dispatch.Config{Lanes: map[string]dispatch.LaneConfig{"a": {RatePerSec: 100}}},
		map[string]dispatch.Publisher{"a": h.pub}, nil,
		dispatch.ObserverFunc(func(j dispatch.Job) { h.coord.JobFinished(j) }), nil, logx.Nop())
	if cfg.Platforms == nil {
		cfg.Platforms = []string{"a"}
	}
	h.coord = New(cfg, engine, enhancer, h.disp, h.subs, nil, logx.Nop())
	h.disp.Start(context.Background())
	h.coord.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coord.Shutdown(ctx)
	})
	return h
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func storm(id string) websub.FeedItem {
	return websub.FeedItem{
		ID:          id,
		FeedID:      "reuters",
		SourceTopic: "https://feeds.example.com/reuters.xml",
		Title:       "Storm hits coast",
		Body:        "A powerful storm made landfall on the northern coast early on Tuesday, cutting power to thousands of homes.",
		Link:        "https://news.example.com/storm",
	}
}

func TestUniqueItemIsEnhancedAndDelivered(t *testing.T) {
	t.Parallel()
	gw := aigateway.New(aigateway.Config{}, []aigateway.Key{{ID: "k1", Completer: scriptedCompleter{text: "Storm slams the coast. #weather"}}}, nil, logx.Nop())
	h := newHarness(t, gw, Config{FallbackPlain: true})

	out := h.coord.Process(context.Background(), storm("i1"))
	if out.Err != nil || out.Verdict.Kind != dedup.Unique || out.Enhanced != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Submissions) != 1 || out.Submissions[0].Err != nil {
		t.Fatalf("submissions = %+v", out.Submissions)
	}
	eventually(t, func() bool { return h.coord.Counters().JobsSucceeded == 1 })

	posts := h.pub.all()
	if len(posts) != 1 || posts[0].Text != "Storm slams the coast. #weather\n\nhttps://news.example.com/storm" {
		t.Fatalf("posts = %+v", posts)
	}
}

func TestSameBodyTwiceCreatesOneJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{FallbackPlain: true})

	first := h.coord.Process(context.Background(), storm("i1"))
	second := h.coord.Process(context.Background(), storm("i2"))
	if first.Verdict.Kind != dedup.Unique {
		t.Fatalf("first verdict = %v", first.Verdict.Kind)
	}
	if second.Verdict.Kind != dedup.ExactDuplicate || len(second.Submissions) != 0 {
		t.Fatalf("second outcome = %+v", second)
	}
	eventually(t, func() bool { return h.coord.Counters().JobsSucceeded == 1 })
	c := h.coord.Counters()
	if c.JobsSubmitted != 1 || c.ExactDuplicates != 1 || c.Received != 2 {
		t.Fatalf("counters = %+v", c)
	}
}

type exhaustedEnhancer struct {
	mu    sync.Mutex
	calls int
}

func (e *exhaustedEnhancer) Enhance(ctx context.Context, c aigateway.Content, platform string) (aigateway.EnhancedContent, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return aigateway.EnhancedContent{}, aigateway.ErrAllKeysExhausted
}

func TestExhaustedKeysFallBackToPlainPost(t *testing.T) {
	t.Parallel()
	enh := &exhaustedEnhancer{}
	h := newHarness(t, enh, Config{FallbackPlain: true, EnhanceRetryDelay: time.Millisecond})

	item := storm("i1")
	out := h.coord.Process(context.Background(), item)
	if out.Fallbacks != 1 || out.Enhanced != 0 || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if enh.calls != 2 {
		t.Fatalf("enhance calls = %d, want 2 (one retry)", enh.calls)
	}
	eventually(t, func() bool { return len(h.pub.all()) == 1 })
	want := PlainPost(item.Title, item.Body, item.Link)
	if got := h.pub.all()[0].Text; got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
}

func TestExhaustedKeysWithoutFallbackDropsItem(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &exhaustedEnhancer{}, Config{EnhanceRetryDelay: time.Millisecond})
	out := h.coord.Process(context.Background(), storm("i1"))
	if !errors.Is(out.Err, aigateway.ErrAllKeysExhausted) || len(out.Submissions) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestAcceptRunsAsynchronously(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{FallbackPlain: true})
	if err := h.coord.Accept([]websub.FeedItem{storm("i1")}); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return h.coord.Counters().JobsSucceeded == 1 })
}

func TestShutdownOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{FallbackPlain: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.subs.calls) != 1 {
		t.Fatalf("unsubscribe calls = %v", h.subs.calls)
	}
	if err := h.coord.Accept([]websub.FeedItem{storm("i1")}); !errors.Is(err, ErrStopped) {
		t.Fatalf("accept after shutdown = %v", err)
	}
	if subs := h.disp.Submit(ctx, dispatch.Payload{ItemID: "x"}, []string{"a"}); !errors.Is(subs[0].Err, dispatch.ErrStopped) {
		t.Fatal("dispatch should be stopped after shutdown")
	}
}

func TestPlainPost(t *testing.T) {
	t.Parallel()
	got := PlainPost("Title", strings.Repeat("x", 250), "https://l.example.com")
	want := "Title\n\n" + strings.Repeat("x", 200) + "...\n\nhttps://l.example.com"
	if got != want {
		t.Fatalf("PlainPost = %q", got)
	}
	clamped := clampPost(got, "https://l.example.com", 100)
	if n := len([]rune(clamped)); n != 100 || !strings.HasSuffix(clamped, "...\n\nhttps://l.example.com") {
		t.Fatalf("clamped (%d) = %q", n, clamped)
	}
}

func TestEnhancedPostWithLongLinkFitsLimit(t *testing.T) {
	t.Parallel()
	limits := map[string]int{"a": 60}
	gw := aigateway.New(aigateway.Config{Limits: limits},
		[]aigateway.Key{{ID: "k1", Completer: scriptedCompleter{text: strings.Repeat("storm ", 20)}}}, nil, logx.Nop())
	h := newHarness(t, gw, Config{FallbackPlain: true, CharLimits: limits})

	item := storm("i-long")
	item.Link = "https://news.example.com/storm-hits-coast"
	if out := h.coord.Process(context.Background(), item); out.Err != nil || out.Enhanced != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	eventually(t, func() bool { return len(h.pub.all()) == 1 })
	post := h.pub.all()[0].Text
	if n := len([]rune(post)); n > 60 {
		t.Fatalf("post is %d runes, limit 60: %q", n, post)
	}
	if !strings.HasSuffix(post, item.Link) {
		t.Fatalf("post lost its link: %q", post)
	}
}

func TestShutdownUnsubscribesAfterStreamTimeout(t *testing.T) {
	t.Parallel()
	enh := blockingEnhancer{started: make(chan struct{}, 1)}
	h := newHarness(t, enh, Config{FallbackPlain: true})
	if err := h.coord.Accept([]websub.FeedItem{storm("stuck")}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-enh.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never reached the enhancer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err == nil || !strings.Contains(err.Error(), "waiting for streams") {
		t.Fatalf("Shutdown err = %v", err)
	}
	h.subs.mu.Lock()
	defer h.subs.mu.Unlock()
	if len(h.subs.ctxErrs) == 0 || h.subs.ctxErrs[0] != nil {
		t.Fatalf("unsubscribe ctx errs = %v, want a live context", h.subs.ctxErrs)
	}
}

func TestSubscriptionFailuresComeFromManager(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{FallbackPlain: true})
	h.subs.mu.Lock()
	h.subs.failures = 3
	h.subs.mu.Unlock()
	if got := h.coord.Counters().SubscriptionsFailed; got != 3 {
		t.Fatalf("SubscriptionsFailed = %d, want 3", got)
	}
}
