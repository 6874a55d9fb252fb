package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"newsrelay/internal/eventbus"
	rtsup "newsrelay/internal/runtime/supervisor"
	"newsrelay/internal/storage"
	logx "newsrelay/pkg/logx"
)

const shutdownReason = "shutdown"

type Config struct {
	// MaxTokenWait bounds how long a worker waits for a rate token before the
	// job is put back without spending an attempt.
	MaxTokenWait time.Duration
	Lanes        map[string]LaneConfig
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	observer Observer
	tokenMax time.Duration

	lanes map[string]*lane

	mu        sync.Mutex
	accepting bool
	stopping  bool
	sup       *rtsup.Supervisor
	sendWG    sync.WaitGroup
}

// New builds one lane per publisher. Lanes without a LaneConfig use defaults.
func New(cfg Config, publishers map[string]Publisher, store storage.Store, obs Observer, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.MaxTokenWait <= 0 {
		cfg.MaxTokenWait = 30 * time.Second
	}
	s := &Scheduler{
		log:      log,
		bus:      bus,
		store:    store,
		observer: obs,
		tokenMax: cfg.MaxTokenWait,
		lanes:    map[string]*lane{},
	}
	for name, pub := range publishers {
		if pub == nil {
			continue
		}
		s.lanes[name] = newLane(name, cfg.Lanes[name], pub)
	}
	return s
}

// Platforms returns the configured lane names, sorted.
func (s *Scheduler) Platforms() []string {
	out := make([]string, 0, len(s.lanes))
	for name := range s.lanes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.stopping {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// one broken lane must not take the others down
		rtsup.WithCancelOnError(false),
	)
	for _, l := range s.lanes {
		for i := 0; i < l.cfg.Workers; i++ {
			l := l
			s.sup.GoRestart(fmt.Sprintf("dispatch.%s.%d", l.name, i), func(c context.Context) error {
				return s.workerLoop(c, l)
			}, rtsup.WithPublishFirstError(true))
		}
	}
	s.accepting = true
}

// SetRate hot-applies a lane's token bucket.
func (s *Scheduler) SetRate(platform string, perSec float64, burst int) bool {
	l, ok := s.lanes[platform]
	if !ok {
		return false
	}
	l.setRate(perSec, burst)
	return true
}

// Submit enqueues one job per platform. It never blocks: a full lane reports
// ErrQueueSaturated for that platform only.
func (s *Scheduler) Submit(ctx context.Context, p Payload, platforms []string) []Submission {
	out := make([]Submission, 0, len(platforms))

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		for _, name := range platforms {
			out = append(out, Submission{Platform: name, Err: ErrStopped})
		}
		return out
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	now := time.Now()
	for _, name := range platforms {
		sub := Submission{Platform: name}
		l, ok := s.lanes[name]
		switch {
		case !ok:
			sub.Err = fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
		case ctx.Err() != nil:
			sub.Err = ctx.Err()
		default:
			j := &Job{
				ID:        uuid.NewString(),
				Platform:  name,
				State:     Queued,
				CreatedAt: now,
				Post: Post{
					ItemID:   p.ItemID,
					Platform: name,
					Title:    p.Title,
					Text:     p.TextFor(name),
					Link:     p.Link,
				},
			}
			j.Post.JobID = j.ID
			select {
			case l.queue <- j:
				sub.JobID = j.ID
				l.submitted.Add(1)
				s.publish(eventbus.JobQueued, j, 0)
			default:
				l.saturated.Add(1)
				sub.Err = ErrQueueSaturated
				s.log.Warn("dispatch queue saturated", logx.String("platform", name), logx.String("item", p.ItemID), logx.Int("queue", cap(l.queue)))
				s.publish(eventbus.JobSaturated, j, 0)
			}
		}
		out = append(out, sub)
	}
	return out
}

func (s *Scheduler) workerLoop(ctx context.Context, l *lane) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-l.queue:
			if !ok {
				// drained during Stop
				return nil
			}
			s.execute(ctx, l, j)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, l *lane, j *Job) {
	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.finish(l, j, Failed, fmt.Sprintf("publisher panic: %v", r))
		}
	}()

	if wait := time.Until(j.NextEligibleAt); wait > 0 {
		s.retryLater(l, j, wait)
		return
	}

	var dayRes *rate.Reservation
	if l.daily != nil {
		dayRes = l.daily.Reserve()
		if d := dayRes.Delay(); d > 0 {
			dayRes.Cancel()
			s.log.Info("daily cap reached", logx.String("platform", l.name), logx.Duration("resume_in", d))
			s.retryLater(l, j, d)
			return
		}
	}

	wctx, cancel := context.WithTimeout(ctx, s.tokenMax)
	err := l.limiter.Wait(wctx)
	cancel()
	if err != nil {
		if dayRes != nil {
			dayRes.Cancel()
		}
		if ctx.Err() != nil {
			s.finish(l, j, Abandoned, shutdownReason)
			return
		}
		// bucket too slow; put it back without spending an attempt
		s.retryLater(l, j, l.cfg.RetryBase)
		return
	}

	j.State = InFlight
	j.Post.Attempt = j.Attempt + 1
	pctx, pcancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
	postID, err := l.pub.Publish(pctx, j.Post)
	pcancel()

	if err == nil {
		j.PostID = postID
		s.finish(l, j, Succeeded, "")
		return
	}
	if ctx.Err() != nil {
		s.finish(l, j, Abandoned, shutdownReason)
		return
	}

	permanent, hint := classify(err)
	j.Attempt++
	if permanent {
		s.finish(l, j, Failed, err.Error())
		return
	}
	if j.Attempt >= l.cfg.MaxAttempts {
		s.finish(l, j, Abandoned, fmt.Sprintf("max attempts (%d): %v", l.cfg.MaxAttempts, err))
		return
	}
	delay := backoff(l.cfg, j.Attempt, hint)
	l.retries.Add(1)
	s.log.Debug("publish failed, retrying",
		logx.String("platform", l.name),
		logx.String("job", j.ID),
		logx.Int("attempt", j.Attempt),
		logx.Duration("delay", delay),
		logx.Err(err),
	)
	j.Reason = err.Error()
	s.publish(eventbus.JobRetry, j, delay)
	s.retryLater(l, j, delay)
}

// retryLater parks j on a timer and requeues it once eligible. While stopping
// the job is abandoned instead.
func (s *Scheduler) retryLater(l *lane, j *Job, delay time.Duration) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		s.finish(l, j, Abandoned, shutdownReason)
		return
	}

	j.State = Queued
	j.NextEligibleAt = time.Now().Add(delay)
	rt := &retryTimer{job: j}
	l.pmu.Lock()
	l.pending[j.ID] = rt
	rt.timer = time.AfterFunc(delay, func() { s.requeue(l, rt) })
	l.pmu.Unlock()
}

func (s *Scheduler) requeue(l *lane, rt *retryTimer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		// Stop flushes everything still pending
		return
	}
	l.pmu.Lock()
	if l.pending[rt.job.ID] != rt {
		l.pmu.Unlock()
		return
	}
	select {
	case l.queue <- rt.job:
		delete(l.pending, rt.job.ID)
	default:
		// lane is full of fresh work; try again shortly
		rt.timer.Reset(l.cfg.RetryBase)
	}
	l.pmu.Unlock()
}

func (s *Scheduler) finish(l *lane, j *Job, state JobState, reason string) {
	j.State = state
	j.Reason = reason
	j.FinishedAt = time.Now()

	fields := []logx.Field{
		logx.String("platform", l.name),
		logx.String("job", j.ID),
		logx.String("item", j.Post.ItemID),
		logx.Int("attempts", j.Attempt),
	}
	switch state {
	case Succeeded:
		l.succeeded.Add(1)
		s.log.Debug("job succeeded", append(fields, logx.String("post_id", j.PostID))...)
		s.publish(eventbus.JobSucceeded, j, 0)
	case Failed:
		l.failed.Add(1)
		s.log.Error("job failed", append(fields, logx.String("reason", reason))...)
		s.publish(eventbus.JobFailed, j, 0)
	case Abandoned:
		l.abandoned.Add(1)
		s.log.Warn("job abandoned", append(fields, logx.String("reason", reason))...)
		s.publish(eventbus.JobAbandoned, j, 0)
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := s.store.AppendJob(ctx, storage.JobEntry{
			At:       j.FinishedAt,
			JobID:    j.ID,
			ItemID:   j.Post.ItemID,
			Platform: l.name,
			State:    state.String(),
			Attempts: j.Attempt,
			PostID:   j.PostID,
			Error:    reason,
		})
		cancel()
		if err != nil && !errors.Is(err, storage.ErrClosed) {
			s.log.Warn("job journal write failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
	if s.observer != nil {
		s.observer.JobFinished(*j)
	}
}

func (s *Scheduler) publish(typ string, j *Job, delay time.Duration) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: JobEvent{
		JobID:    j.ID,
		ItemID:   j.Post.ItemID,
		Platform: j.Platform,
		State:    j.State,
		Attempt:  j.Attempt,
		Delay:    delay,
		Reason:   j.Reason,
	}})
}

// Stop stops intake and lets workers drain the queues until ctx expires. Jobs
// still queued or parked on a retry timer afterwards are marked Abandoned
// ("shutdown") so every job reports a terminal state.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	if sup == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()

	// requeue holds s.mu while sending, so closing under it is race free
	s.mu.Lock()
	for _, l := range s.lanes {
		close(l.queue)
	}
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("dispatch drain timed out", logx.Err(err))
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}

	flushed := 0
	for _, l := range s.lanes {
		for j := range l.queue {
			s.finish(l, j, Abandoned, shutdownReason)
			flushed++
		}
		l.pmu.Lock()
		parked := make([]*Job, 0, len(l.pending))
		for id, rt := range l.pending {
			rt.timer.Stop()
			parked = append(parked, rt.job)
			delete(l.pending, id)
		}
		l.pmu.Unlock()
		for _, j := range parked {
			s.finish(l, j, Abandoned, shutdownReason)
			flushed++
		}
	}
	if flushed > 0 {
		s.log.Warn("dispatch stopped with undelivered jobs", logx.Int("abandoned", flushed))
	}
}

// Snapshot returns per-lane stats sorted by platform.
func (s *Scheduler) Snapshot() []LaneStats {
	out := make([]LaneStats, 0, len(s.lanes))
	for _, name := range s.Platforms() {
		out = append(out, s.lanes[name].stats())
	}
	return out
}

func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
