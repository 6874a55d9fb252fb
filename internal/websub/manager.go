package websub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	randv2 "math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"newsrelay/internal/eventbus"
	"newsrelay/internal/faults"
	logx "newsrelay/pkg/logx"
)

const (
	modeSubscribe   = "subscribe"
	modeUnsubscribe = "unsubscribe"
)

type Config struct {
	PublicURL        string
	LeaseSeconds     int
	RenewalWindow    time.Duration
	MaxRenewAttempts int
	RenewBackoff     time.Duration
	RenewBackoffMax  time.Duration
	VerifyTimeout    time.Duration
	RequestTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 604800
	}
	if c.RenewalWindow <= 0 {
		c.RenewalWindow = 24 * time.Hour
	}
	if c.MaxRenewAttempts <= 0 {
		c.MaxRenewAttempts = 5
	}
	if c.RenewBackoff <= 0 {
		c.RenewBackoff = 30 * time.Second
	}
	if c.RenewBackoffMax <= 0 {
		c.RenewBackoffMax = 30 * time.Minute
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
}

type subscription struct {
	feed     Feed
	callback string
	secret   string

	state          State
	leaseSeconds   int
	leaseExpiresAt time.Time

	// current outstanding hub request
	mode        string
	verifyToken string
	inFlight    bool
	requestedAt time.Time

	attempts      int
	nextAttemptAt time.Time
	lastError     string
	updatedAt     time.Time
}

// Manager owns every subscription. All state mutation happens under mu; hub
// round-trips run outside it.
type Manager struct {
	cfg Config
	hub HubClient
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	feeds   map[string]Feed
	subs    map[string]*subscription
	leaving map[string]*subscription // awaiting unsubscribe verification

	failures uint64
}

func NewManager(cfg Config, feeds []Feed, hub HubClient, bus eventbus.Bus, log logx.Logger) *Manager {
	cfg.setDefaults()
	if hub == nil {
		hub = NewHTTPHub(cfg.RequestTimeout)
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:     cfg,
		hub:     hub,
		bus:     bus,
		log:     log,
		now:     time.Now,
		feeds:   make(map[string]Feed, len(feeds)),
		subs:    map[string]*subscription{},
		leaving: map[string]*subscription{},
	}
	for _, f := range feeds {
		m.feeds[f.ID] = f
	}
	return m
}

func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *Manager) Feed(id string) (Feed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[id]
	return f, ok
}

// PollTargets lists feeds that currently need polling: poll-only feeds and
// feeds whose subscription is not delivering pushes.
func (m *Manager) PollTargets() []Feed {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Feed
	for id, f := range m.feeds {
		if sub, ok := m.subs[id]; f.PollOnly || !ok || !sub.state.Delivering() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubscribeAll sends a subscribe request for every hub-backed feed.
func (m *Manager) SubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.feeds))
	for id, f := range m.feeds {
		if !f.PollOnly {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.Subscribe(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe (re)sends a subscribe request for feedID. A delivering
// subscription keeps its state until the hub verifies the new lease.
func (m *Manager) Subscribe(ctx context.Context, feedID string) error {
	now := m.now()
	m.mu.Lock()
	feed, ok := m.feeds[feedID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownFeed
	}
	if feed.PollOnly {
		m.mu.Unlock()
		return nil
	}
	sub := m.subs[feedID]
	if sub == nil {
		secret := feed.Secret
		if secret == "" {
			secret = randomToken(32)
		}
		sub = &subscription{
			feed:      feed,
			callback:  callbackURL(m.cfg.PublicURL, feed.ID),
			secret:    secret,
			state:     Pending,
			updatedAt: now,
		}
		m.subs[feedID] = sub
	} else if !sub.state.Delivering() {
		m.setStateLocked(sub, Pending, "resubscribe", now)
	}
	sub.attempts = 0
	sub.nextAttemptAt = time.Time{}
	req := m.beginRequestLocked(sub, modeSubscribe)
	m.mu.Unlock()

	err := m.send(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishRequestLocked(sub, req.VerifyToken, err, m.now())
	if err != nil {
		return err
	}
	m.log.Info("subscribe request accepted", logx.String("feed", feedID), logx.String("hub", feed.Hub))
	return nil
}

// HandleVerification answers a hub verification (GET) for feedID and returns
// the challenge to echo back.
func (m *Manager) HandleVerification(feedID string, q url.Values) (string, error) {
	mode := q.Get("hub.mode")
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == modeUnsubscribe {
		sub, ok := m.leaving[feedID]
		if !ok || !matches(sub, q) {
			return "", ErrVerifyMismatch
		}
		delete(m.leaving, feedID)
		m.log.Info("unsubscribe verified", logx.String("feed", feedID))
		return q.Get("hub.challenge"), nil
	}

	sub, ok := m.subs[feedID]
	if !ok {
		return "", ErrUnknownFeed
	}
	if mode == "denied" {
		// a denial carries no challenge, so it only counts against a
		// subscribe request we actually sent for this topic
		if sub.mode != modeSubscribe || sub.verifyToken == "" || q.Get("hub.topic") != sub.feed.Topic {
			m.log.Warn("unsolicited denial rejected", logx.String("feed", feedID), logx.String("topic", q.Get("hub.topic")))
			return "", ErrVerifyMismatch
		}
		if tok := q.Get("hub.verify_token"); tok != "" && tok != sub.verifyToken {
			return "", ErrVerifyMismatch
		}
		reason := q.Get("hub.reason")
		sub.lastError = "hub denied subscription: " + reason
		m.failLocked(sub, "denied: "+reason, now)
		return "", nil
	}
	if mode != modeSubscribe || !matches(sub, q) {
		m.log.Warn("verification rejected", logx.String("feed", feedID), logx.String("mode", mode))
		return "", ErrVerifyMismatch
	}
	challenge := q.Get("hub.challenge")
	if challenge == "" {
		return "", faults.Validationf("websub.verify", "missing hub.challenge for feed %s", feedID)
	}

	lease := m.cfg.LeaseSeconds
	if v, err := strconv.Atoi(q.Get("hub.lease_seconds")); err == nil && v > 0 {
		lease = v
	}
	sub.leaseSeconds = lease
	sub.leaseExpiresAt = now.Add(time.Duration(lease) * time.Second)
	sub.mode, sub.verifyToken = "", ""
	sub.requestedAt = time.Time{}
	sub.attempts = 0
	sub.nextAttemptAt = time.Time{}
	sub.lastError = ""

	switch sub.state {
	case Pending:
		m.setStateLocked(sub, Verified, "challenge verified", now)
	case Expiring:
		m.setStateLocked(sub, Active, "lease renewed", now)
	default:
		sub.updatedAt = now
	}
	m.log.Debug("lease verified", logx.String("feed", feedID), logx.Int("lease_seconds", lease))
	return challenge, nil
}

// HandlePush validates the signature of a content push and decomposes the
// payload. A signature mismatch fails the subscription and never yields items.
func (m *Manager) HandlePush(ctx context.Context, feedID string, body []byte, h http.Header) ([]FeedItem, error) {
	now := m.now()

	m.mu.Lock()
	sub, ok := m.subs[feedID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownFeed
	}
	if !sub.state.Delivering() {
		m.mu.Unlock()
		return nil, ErrNotDelivering
	}
	if !VerifySignature(sub.secret, body, h) {
		sub.lastError = "push signature mismatch"
		m.failLocked(sub, "bad signature", now)
		m.mu.Unlock()
		return nil, ErrBadSignature
	}
	if sub.state == Verified {
		m.setStateLocked(sub, Active, "first push", now)
	}
	feed := sub.feed
	m.mu.Unlock()

	items, err := ParseFeed(feed, body, now)
	if err != nil {
		m.log.Warn("malformed push rejected", logx.String("feed", feedID), logx.Int("bytes", len(body)), logx.Err(err))
		return nil, err
	}
	return items, nil
}

// RenewDue runs one renewal sweep: Verified leases become Active, leases
// inside the renewal window become Expiring, and pending or expiring
// subscriptions whose backoff has elapsed get a new hub request. A request
// the hub accepted but never verified within VerifyTimeout counts as a
// failed attempt.
func (m *Manager) RenewDue(ctx context.Context, now time.Time) {
	type pending struct {
		sub *subscription
		req HubRequest
	}
	var todo []pending

	m.mu.Lock()
	for _, sub := range m.subs {
		if sub.state == Verified {
			m.setStateLocked(sub, Active, "lease running", now)
		}
		if sub.state == Active && !sub.leaseExpiresAt.IsZero() && sub.leaseExpiresAt.Sub(now) < m.renewalWindow(sub) {
			m.setStateLocked(sub, Expiring, "renewal window", now)
		}
		if (sub.state != Pending && sub.state != Expiring) || sub.inFlight {
			continue
		}
		if !sub.requestedAt.IsZero() {
			if now.Sub(sub.requestedAt) < m.cfg.VerifyTimeout {
				continue
			}
			sub.requestedAt = time.Time{}
			sub.mode, sub.verifyToken = "", ""
			if m.attemptFailedLocked(sub, errors.New("hub did not verify in time"), now) {
				continue
			}
		}
		if now.Before(sub.nextAttemptAt) {
			continue
		}
		todo = append(todo, pending{sub: sub, req: m.beginRequestLocked(sub, modeSubscribe)})
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range todo {
		wg.Add(1)
		go func(p pending) {
			defer wg.Done()
			err := m.send(ctx, p.req)
			m.mu.Lock()
			m.finishRequestLocked(p.sub, p.req.VerifyToken, err, now)
			m.mu.Unlock()
			if err == nil {
				m.log.Debug("renewal request accepted", logx.String("feed", p.sub.feed.ID))
			}
		}(p)
	}
	wg.Wait()
}

// Unsubscribe removes the subscription for feedID and, when the hub is still
// delivering, asks it to stop.
func (m *Manager) Unsubscribe(ctx context.Context, feedID string) error {
	m.mu.Lock()
	sub, ok := m.subs[feedID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, feedID)
	if !sub.state.Delivering() {
		m.mu.Unlock()
		return nil
	}
	req := m.beginRequestLocked(sub, modeUnsubscribe)
	m.leaving[feedID] = sub
	m.mu.Unlock()

	if err := m.send(ctx, req); err != nil {
		m.mu.Lock()
		delete(m.leaving, feedID)
		m.mu.Unlock()
		m.log.Warn("unsubscribe failed", logx.String("feed", feedID), logx.Err(err))
		return err
	}
	m.log.Info("unsubscribe request accepted", logx.String("feed", feedID))
	return nil
}

// UnsubscribeAll unsubscribes every delivering subscription in parallel.
func (m *Manager) UnsubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if err := m.Unsubscribe(ctx, id); err != nil {
				errs[i] = fmt.Errorf("%s: %w", id, err)
			}
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Failures counts transitions into Failed since start.
func (m *Manager) Failures() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Manager) Snapshot() []SubscriptionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionView, 0, len(m.subs))
	for id, s := range m.subs {
		out = append(out, SubscriptionView{
			FeedID:         id,
			Topic:          s.feed.Topic,
			Hub:            s.feed.Hub,
			Callback:       s.callback,
			State:          s.state,
			LeaseSeconds:   s.leaseSeconds,
			LeaseExpiresAt: s.leaseExpiresAt,
			RenewAttempts:  s.attempts,
			NextAttemptAt:  s.nextAttemptAt,
			LastError:      s.lastError,
			UpdatedAt:      s.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

func (m *Manager) send(ctx context.Context, req HubRequest) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	return m.hub.Send(cctx, req)
}

func (m *Manager) beginRequestLocked(sub *subscription, mode string) HubRequest {
	sub.mode = mode
	sub.verifyToken = randomToken(16)
	sub.inFlight = true
	sub.requestedAt = time.Time{}
	return HubRequest{
		Hub:          sub.feed.Hub,
		Mode:         mode,
		Topic:        sub.feed.Topic,
		Callback:     sub.callback,
		Secret:       sub.secret,
		VerifyToken:  sub.verifyToken,
		LeaseSeconds: m.cfg.LeaseSeconds,
	}
}

func (m *Manager) finishRequestLocked(sub *subscription, token string, err error, now time.Time) {
	sub.inFlight = false
	if m.subs[sub.feed.ID] != sub {
		return
	}
	if err != nil {
		if sub.verifyToken == token {
			sub.mode, sub.verifyToken = "", ""
		}
		m.attemptFailedLocked(sub, err, now)
		return
	}
	// verification may already have arrived while the request was in flight
	if sub.verifyToken == token {
		sub.requestedAt = now
	}
}

// attemptFailedLocked records a failed hub round and reports whether the
// subscription is now Failed.
func (m *Manager) attemptFailedLocked(sub *subscription, err error, now time.Time) bool {
	sub.attempts++
	sub.lastError = err.Error()
	if sub.attempts >= m.cfg.MaxRenewAttempts {
		m.failLocked(sub, fmt.Sprintf("%v after %d attempts: %v", ErrRenewExhausted, sub.attempts, err), now)
		return true
	}
	delay := m.backoff(sub.attempts)
	sub.nextAttemptAt = now.Add(delay)
	m.log.Warn("subscription request failed",
		logx.String("feed", sub.feed.ID),
		logx.Int("attempt", sub.attempts),
		logx.Duration("retry_in", delay),
		logx.Err(err),
	)
	return false
}

func (m *Manager) failLocked(sub *subscription, reason string, now time.Time) {
	from := sub.state
	sub.mode, sub.verifyToken = "", ""
	sub.requestedAt = time.Time{}
	m.setStateLocked(sub, Failed, reason, now)
	if from == Failed {
		return
	}
	m.failures++
	m.log.Error("subscription failed",
		logx.String("feed", sub.feed.ID),
		logx.String("topic", sub.feed.Topic),
		logx.String("from", from.String()),
		logx.String("reason", reason),
	)
	m.bus.Publish(eventbus.Event{
		Type: eventbus.SubscriptionFailed,
		Time: now,
		Data: StateChange{FeedID: sub.feed.ID, From: from, To: Failed, Reason: reason},
	})
}

func (m *Manager) setStateLocked(sub *subscription, to State, reason string, now time.Time) {
	from := sub.state
	sub.updatedAt = now
	if from == to {
		return
	}
	sub.state = to
	m.log.Info("subscription state",
		logx.String("feed", sub.feed.ID),
		logx.String("from", from.String()),
		logx.String("to", to.String()),
		logx.String("reason", reason),
	)
	m.bus.Publish(eventbus.Event{
		Type: eventbus.SubscriptionState,
		Time: now,
		Data: StateChange{FeedID: sub.feed.ID, From: from, To: to, Reason: reason},
	})
}

// renewalWindow is RenewalWindow, clamped to half the granted lease so a
// short lease still runs for a while before renewal starts.
func (m *Manager) renewalWindow(sub *subscription) time.Duration {
	w := m.cfg.RenewalWindow
	if sub.leaseSeconds > 0 {
		w = min(w, time.Duration(sub.leaseSeconds)*time.Second/2)
	}
	return w
}

// backoff is RenewBackoff * 2^(attempt-1) with ±20% jitter, capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := float64(m.cfg.RenewBackoff) * math.Pow(2, float64(max(attempt-1, 0)))
	d *= 0.8 + 0.4*randv2.Float64()
	if d > float64(m.cfg.RenewBackoffMax) {
		d = float64(m.cfg.RenewBackoffMax)
	}
	return time.Duration(d)
}

func matches(sub *subscription, q url.Values) bool {
	return sub.verifyToken != "" &&
		q.Get("hub.verify_token") == sub.verifyToken &&
		q.Get("hub.topic") == sub.feed.Topic
}

func callbackURL(base, feedID string) string {
	return strings.TrimRight(base, "/") + "/webhook/" + url.PathEscape(feedID)
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
