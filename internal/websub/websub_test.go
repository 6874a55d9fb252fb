package websub

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"newsrelay/internal/eventbus"
	"newsrelay/internal/faults"
	logx "newsrelay/pkg/logx"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Wire</title>
  <link>https://news.example.com/</link>
  <description>wire</description>
  <item>
    <title>Storm hits coast</title>
    <link>https://news.example.com/storm?utm_source=rss</link>
    <guid>storm-1</guid>
    <description>&lt;p&gt;Heavy &lt;b&gt;rain&lt;/b&gt; and wind.&lt;/p&gt;</description>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
  </item>
  <item>
    <title>Markets calm</title>
    <link>https://news.example.com/markets</link>
    <description>Stocks were flat.</description>
  </item>
</channel>
</rss>`

type fakeHub struct {
	mu   sync.Mutex
	reqs []HubRequest
	fail map[string]error
}

func (h *fakeHub) Send(ctx context.Context, r HubRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, r)
	return h.fail[r.Topic]
}

func (h *fakeHub) setFail(topic string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail == nil {
		h.fail = map[string]error{}
	}
	h.fail[topic] = err
}

func (h *fakeHub) requests(topic string) []HubRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []HubRequest
	for _, r := range h.reqs {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

func (h *fakeHub) last(t *testing.T, topic string) HubRequest {
	t.Helper()
	rs := h.requests(topic)
	if len(rs) == 0 {
		t.Fatalf("no hub request for %s", topic)
	}
	return rs[len(rs)-1]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

var (
	feedA = Feed{ID: "a", Topic: "https://feeds.example.com/a.xml", Hub: "https://hub.example.com/", Secret: "secret-a"}
	feedB = Feed{ID: "b", Topic: "https://feeds.example.com/b.xml", Hub: "https://hub.example.com/", Secret: "secret-b"}
)

func newTestManager(t *testing.T, bus eventbus.Bus) (*Manager, *fakeHub, *testClock) {
	t.Helper()
	hub := &fakeHub{}
	clk := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(Config{
		PublicURL:        "https://relay.example.com/",
		RenewalWindow:    10 * time.Minute,
		MaxRenewAttempts: 5,
		RenewBackoff:     time.Second,
		RenewBackoffMax:  5 * time.Second,
		VerifyTimeout:    time.Minute,
	}, []Feed{feedA, feedB}, hub, bus, logx.Nop())
	m.SetClock(clk.Now)
	return m, hub, clk
}

func verifyQuery(r HubRequest, lease string) url.Values {
	return url.Values{
		"hub.mode":          {r.Mode},
		"hub.topic":         {r.Topic},
		"hub.challenge":     {"challenge-" + r.VerifyToken[:6]},
		"hub.verify_token":  {r.VerifyToken},
		"hub.lease_seconds": {lease},
	}
}

func stateOf(t *testing.T, m *Manager, feedID string) State {
	t.Helper()
	for _, v := range m.Snapshot() {
		if v.FeedID == feedID {
			return v.State
		}
	}
	t.Fatalf("no subscription for %s", feedID)
	return 0
}

func signed(secret, body string) http.Header {
	h := http.Header{}
	h.Set(HeaderSignature256, Sign(secret, []byte(body)))
	return h
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	body := []byte("payload")
	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{name: "sha256", header: signed("s", "payload"), want: true},
		{name: "sha1 fallback", header: http.Header{HeaderSignature: {"sha1=" + hmacSHA1Hex("s", body)}}, want: true},
		{name: "wrong secret", header: signed("other", "payload"), want: false},
		{name: "missing", header: http.Header{}, want: false},
		{name: "bad hex", header: http.Header{HeaderSignature256: {"sha256=zz"}}, want: false},
		{name: "unknown algo", header: http.Header{HeaderSignature256: {"md5=00"}}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := VerifySignature("s", body, tt.header); got != tt.want {
				t.Fatalf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFeed(t *testing.T) {
	t.Parallel()
	now := time.Now()
	items, err := ParseFeed(feedA, []byte(sampleRSS), now)
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	first := items[0]
	if first.Title != "Storm hits coast" || first.Body != "Heavy rain and wind." {
		t.Fatalf("first item = %+v", first)
	}
	if first.FeedID != "a" || first.SourceTopic != feedA.Topic || first.ReceivedAt != now {
		t.Fatalf("first item source = %+v", first)
	}
	if first.PublishedAt.Year() != 2006 {
		t.Fatalf("published = %v", first.PublishedAt)
	}
	if items[1].PublishedAt != now {
		t.Fatal("missing pubDate should fall back to receive time")
	}
	// tracking params do not change identity
	if itemID("https://news.example.com/storm", "", "") != first.ID {
		t.Fatal("canonical URL should drop utm params")
	}

	if _, err := ParseFeed(feedA, []byte("<html><body>nope"), now); !faults.Is(err, faults.Validation) {
		t.Fatalf("malformed err = %v, want validation", err)
	}
}

func TestSubscribeVerifyPush(t *testing.T) {
	t.Parallel()
	m, hub, _ := newTestManager(t, nil)
	ctx := context.Background()

	if err := m.Subscribe(ctx, "a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	req := hub.last(t, feedA.Topic)
	if req.Callback != "https://relay.example.com/webhook/a" || req.Secret != "secret-a" || req.LeaseSeconds != 604800 {
		t.Fatalf("hub request = %+v", req)
	}
	if _, err := m.HandlePush(ctx, "a", []byte(sampleRSS), signed("secret-a", sampleRSS)); !errors.Is(err, ErrNotDelivering) {
		t.Fatalf("push before verification err = %v", err)
	}

	bad := verifyQuery(req, "3600")
	bad.Set("hub.verify_token", "forged")
	if _, err := m.HandleVerification("a", bad); !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("forged verification err = %v", err)
	}

	q := verifyQuery(req, "3600")
	challenge, err := m.HandleVerification("a", q)
	if err != nil || challenge != q.Get("hub.challenge") {
		t.Fatalf("verification = %q, %v", challenge, err)
	}
	if st := stateOf(t, m, "a"); st != Verified {
		t.Fatalf("state = %v, want verified", st)
	}

	items, err := m.HandlePush(ctx, "a", []byte(sampleRSS), signed("secret-a", sampleRSS))
	if err != nil || len(items) != 2 {
		t.Fatalf("push = %d items, %v", len(items), err)
	}
	if st := stateOf(t, m, "a"); st != Active {
		t.Fatalf("state after push = %v, want active", st)
	}

	if _, err := m.HandlePush(ctx, "a", []byte(sampleRSS), http.Header{}); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("unsigned push err = %v", err)
	}
	if st := stateOf(t, m, "a"); st != Failed {
		t.Fatalf("state after bad signature = %v, want failed", st)
	}
}

func TestMalformedPushKeepsSubscription(t *testing.T) {
	t.Parallel()
	m, hub, _ := newTestManager(t, nil)
	ctx := context.Background()
	_ = m.Subscribe(ctx, "a")
	if _, err := m.HandleVerification("a", verifyQuery(hub.last(t, feedA.Topic), "3600")); err != nil {
		t.Fatal(err)
	}
	body := "this is not a feed"
	if _, err := m.HandlePush(ctx, "a", []byte(body), signed("secret-a", body)); !faults.Is(err, faults.Validation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if st := stateOf(t, m, "a"); st != Verified {
		t.Fatalf("state = %v, malformed payload must not change it", st)
	}
}

func TestRenewalExhaustionFailsOnlyThatSubscription(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	m, hub, clk := newTestManager(t, bus)
	ctx := context.Background()
	for _, f := range []Feed{feedA, feedB} {
		if err := m.Subscribe(ctx, f.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := m.HandleVerification(f.ID, verifyQuery(hub.last(t, f.Topic), "3600")); err != nil {
			t.Fatal(err)
		}
	}
	m.RenewDue(ctx, clk.Now())
	if stateOf(t, m, "a") != Active || stateOf(t, m, "b") != Active {
		t.Fatalf("snapshot = %+v", m.Snapshot())
	}

	hub.setFail(feedA.Topic, faults.Wrap(faults.TransientExternal, "test", errors.New("hub down")))
	now := clk.Advance(55 * time.Minute)
	for i := 0; i < 5; i++ {
		m.RenewDue(ctx, now)
		now = clk.Advance(10 * time.Second)
	}

	if st := stateOf(t, m, "a"); st != Failed {
		t.Fatalf("a state = %v, want failed", st)
	}
	if n := m.Failures(); n != 1 {
		t.Fatalf("Failures = %d, want 1", n)
	}
	if n := len(hub.requests(feedA.Topic)); n != 6 {
		t.Fatalf("hub requests for a = %d, want 1 subscribe + 5 renewals", n)
	}
	// b's renewal was accepted and is awaiting verification
	if st := stateOf(t, m, "b"); st != Expiring {
		t.Fatalf("b state = %v, want expiring", st)
	}
	if _, err := m.HandleVerification("b", verifyQuery(hub.last(t, feedB.Topic), "3600")); err != nil {
		t.Fatal(err)
	}
	if st := stateOf(t, m, "b"); st != Active {
		t.Fatalf("b state = %v, want active", st)
	}

	// no further attempts once failed
	m.RenewDue(ctx, clk.Advance(time.Hour))
	if n := len(hub.requests(feedA.Topic)); n != 6 {
		t.Fatalf("failed subscription was retried: %d requests", n)
	}

	var alerted bool
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.SubscriptionFailed {
			if sc, ok := ev.Data.(StateChange); ok && sc.FeedID == "a" {
				alerted = true
			}
		}
	}
	if !alerted {
		t.Fatal("expected subscription.failed event for a")
	}
}

func TestUnverifiedRequestCountsAsFailure(t *testing.T) {
	t.Parallel()
	m, hub, clk := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.Subscribe(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	m.RenewDue(ctx, clk.Advance(30*time.Second))
	if n := len(hub.requests(feedA.Topic)); n != 1 {
		t.Fatalf("requests = %d, still within verify timeout", n)
	}
	m.RenewDue(ctx, clk.Advance(2*time.Minute))
	snap := m.Snapshot()
	if snap[0].RenewAttempts != 1 || snap[0].State != Pending {
		t.Fatalf("snapshot = %+v", snap[0])
	}
	m.RenewDue(ctx, clk.Advance(10*time.Second))
	if n := len(hub.requests(feedA.Topic)); n != 2 {
		t.Fatalf("requests = %d, want a retry after backoff", n)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	t.Parallel()
	m, hub, _ := newTestManager(t, nil)
	ctx := context.Background()
	_ = m.Subscribe(ctx, "a")
	_ = m.Subscribe(ctx, "b")
	if _, err := m.HandleVerification("a", verifyQuery(hub.last(t, feedA.Topic), "3600")); err != nil {
		t.Fatal(err)
	}

	if err := m.UnsubscribeAll(ctx); err != nil {
		t.Fatalf("UnsubscribeAll: %v", err)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatalf("snapshot = %+v, want empty", m.Snapshot())
	}
	last := hub.last(t, feedA.Topic)
	if last.Mode != "unsubscribe" {
		t.Fatalf("a last mode = %s", last.Mode)
	}
	if hub.last(t, feedB.Topic).Mode != "subscribe" {
		t.Fatal("pending subscription b should not get an unsubscribe request")
	}
	challenge, err := m.HandleVerification("a", verifyQuery(last, "0"))
	if err != nil || !strings.HasPrefix(challenge, "challenge-") {
		t.Fatalf("unsubscribe verification = %q, %v", challenge, err)
	}
	if len(m.PollTargets()) != 2 {
		t.Fatal("unsubscribed feeds should fall back to polling")
	}
}

func TestDenialNeedsOutstandingRequest(t *testing.T) {
	t.Parallel()
	m, hub, _ := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.Subscribe(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.HandleVerification("a", verifyQuery(hub.last(t, feedA.Topic), "3600")); err != nil {
		t.Fatal(err)
	}

	cases := []url.Values{
		{"hub.mode": {"denied"}, "hub.topic": {"https://evil.example/x"}},
		{"hub.mode": {"denied"}, "hub.topic": {feedA.Topic}, "hub.reason": {"nope"}},
	}
	for _, q := range cases {
		if _, err := m.HandleVerification("a", q); !errors.Is(err, ErrVerifyMismatch) {
			t.Fatalf("denial %v err = %v", q, err)
		}
	}
	if st := stateOf(t, m, "a"); st != Verified {
		t.Fatalf("state = %v, unsolicited denial must not fail the subscription", st)
	}

	if err := m.Subscribe(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	wrongTopic := url.Values{"hub.mode": {"denied"}, "hub.topic": {feedA.Topic}}
	if _, err := m.HandleVerification("b", wrongTopic); !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("denial for another topic err = %v", err)
	}
	denied := url.Values{"hub.mode": {"denied"}, "hub.topic": {feedB.Topic}, "hub.reason": {"quota"}}
	if _, err := m.HandleVerification("b", denied); err != nil {
		t.Fatalf("denial err = %v", err)
	}
	if st := stateOf(t, m, "b"); st != Failed {
		t.Fatalf("b state = %v, want failed", st)
	}
}

func TestShortLeaseDoesNotRenewEverySweep(t *testing.T) {
	t.Parallel()
	m, hub, clk := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.Subscribe(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	// lease shorter than the 10m renewal window
	if _, err := m.HandleVerification("a", verifyQuery(hub.last(t, feedA.Topic), "300")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		m.RenewDue(ctx, clk.Advance(2*time.Second))
	}
	if n := len(hub.requests(feedA.Topic)); n != 1 {
		t.Fatalf("hub requests = %d, want only the initial subscribe", n)
	}
	if st := stateOf(t, m, "a"); st != Active {
		t.Fatalf("state = %v, want active", st)
	}

	// past half the lease the renewal goes out once
	m.RenewDue(ctx, clk.Advance(150*time.Second))
	m.RenewDue(ctx, clk.Advance(2*time.Second))
	if n := len(hub.requests(feedA.Topic)); n != 2 {
		t.Fatalf("hub requests = %d, want one renewal", n)
	}
	if st := stateOf(t, m, "a"); st != Expiring {
		t.Fatalf("state = %v, want expiring", st)
	}
}
