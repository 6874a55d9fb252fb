package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsrelay/internal/aigateway"
	"newsrelay/internal/config"
	"newsrelay/internal/dedup"
	"newsrelay/internal/dispatch"
	"newsrelay/internal/eventbus"
	"newsrelay/internal/fingerprint"
	"newsrelay/internal/httpserver"
	"newsrelay/internal/pipeline"
	"newsrelay/internal/publisher/logpub"
	"newsrelay/internal/publisher/telegram"
	"newsrelay/internal/publisher/webhook"
	rtsup "newsrelay/internal/runtime/supervisor"
	"newsrelay/internal/storage"
	"newsrelay/internal/task/scheduler"
	"newsrelay/internal/websub"
	logx "newsrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	fps    *fingerprint.Store
	dedup  *dedup.Engine
	subs   *websub.Manager
	poller *websub.Poller
	gw     *aigateway.Gateway
	disp   *dispatch.Scheduler
	coord  *pipeline.Coordinator
	sched  *scheduler.Service
	http   *httpserver.Server

	started time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a, err := build(cfg, log, bus, store)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	if err := a.wireAlerts(cfg); err != nil {
		a.log.Warn("log alerts disabled", logx.Err(err))
	}
	return a, nil
}

// build assembles every component from a validated config.
func build(cfg *config.Config, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	a := &App{log: log.With(logx.String("comp", "app")), bus: bus, store: store}

	ds, err := mapDedupConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.fps = fingerprint.New(store,
		fingerprint.WithCapacity(ds.capacity),
		fingerprint.WithTTL(ds.ttl),
		fingerprint.WithLogger(log.With(logx.String("comp", "fingerprint"))),
	)
	a.dedup = dedup.NewEngine(a.fps, ds.engine, log.With(logx.String("comp", "dedup")))

	ws, err := mapWebSubConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.subs = websub.NewManager(ws.manager, ws.feeds, nil, bus, log.With(logx.String("comp", "websub")))

	var enhancer pipeline.Enhancer
	if cfg.AI.Enabled {
		gcfg, err := mapAIConfig(cfg)
		if err != nil {
			return nil, err
		}
		keys, err := buildKeys(cfg, gcfg.CallTimeout)
		if err != nil {
			return nil, err
		}
		a.gw = aigateway.New(gcfg, keys, bus, log.With(logx.String("comp", "ai")))
		enhancer = a.gw
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	pubs, err := buildPublishers(cfg, dcfg, log)
	if err != nil {
		return nil, err
	}
	a.disp = dispatch.New(dcfg, pubs, store, dispatch.ObserverFunc(func(j dispatch.Job) {
		a.coord.JobFinished(j)
	}), bus, log.With(logx.String("comp", "dispatch")))

	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.coord = pipeline.New(pcfg, a.dedup, enhancer, a.disp, a.subs, bus, log.With(logx.String("comp", "pipeline")))

	a.poller = websub.NewPoller(a.subs, func(ctx context.Context, items []websub.FeedItem) {
		if err := a.coord.Accept(items); err != nil {
			a.log.Warn("polled items dropped", logx.Int("items", len(items)), logx.Err(err))
		}
	}, ws.poller, log.With(logx.String("comp", "poller")))

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpserver.New(hcfg, a.subs, a.coord, func() any { return a.Stats() }, log.With(logx.String("comp", "http")))

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log.With(logx.String("comp", "scheduler")))
	if err := a.addJobs(cfg, ds, ws); err != nil {
		return nil, err
	}
	return a, nil
}

func buildPublishers(cfg *config.Config, dcfg dispatch.Config, log logx.Logger) (map[string]dispatch.Publisher, error) {
	pubs := make(map[string]dispatch.Publisher, len(dcfg.Lanes))
	for name, lc := range dcfg.Lanes {
		p := cfg.Dispatch.Platforms[name]
		plog := log.With(logx.String("comp", "publisher"), logx.String("platform", name))
		switch p.Kind {
		case "telegram":
			tp, err := telegram.New(telegram.Config{
				Token:          p.Token,
				ChatID:         p.ChatID,
				DisablePreview: p.DisablePreview,
				Timeout:        lc.SendTimeout,
			}, plog)
			if err != nil {
				return nil, fmt.Errorf("dispatch.platforms.%s: %w", name, err)
			}
			pubs[name] = tp
		case "webhook":
			wp, err := webhook.New(webhook.Config{URL: p.URL, AuthHeader: p.AuthHeader, Timeout: lc.SendTimeout})
			if err != nil {
				return nil, fmt.Errorf("dispatch.platforms.%s: %w", name, err)
			}
			pubs[name] = wp
		case "log":
			pubs[name] = logpub.New(plog)
		default:
			return nil, fmt.Errorf("dispatch.platforms.%s: unknown kind %q", name, p.Kind)
		}
	}
	return pubs, nil
}

// wireAlerts hands the logging service a telegram bot for high-severity
// records. The alert chat defaults to the platform's own chat.
func (a *App) wireAlerts(cfg *config.Config) error {
	al := cfg.Logging.Alerts
	if !al.Enabled || al.Platform == "" {
		return nil
	}
	p, ok := cfg.Dispatch.Platforms[al.Platform]
	if !ok || p.Kind != "telegram" {
		return fmt.Errorf("logging.alerts.platform %q is not a telegram platform", al.Platform)
	}
	chat := p.ChatID
	if al.ChatID != 0 {
		chat = al.ChatID
	}
	tp, err := telegram.New(telegram.Config{Token: p.Token, ChatID: chat, DisablePreview: true}, a.log.With(logx.String("comp", "alerts")))
	if err != nil {
		return err
	}
	a.logs.SetAlertSender(tp)
	a.logs.Apply(mapLoggingConfig(cfg))
	return nil
}

func (a *App) addJobs(cfg *config.Config, ds dedupSettings, ws websubSettings) error {
	statsEvery, err := config.ParseDurationOrDefault("scheduler.stats_every", cfg.Scheduler.StatsEvery, 5*time.Minute)
	if err != nil {
		return err
	}
	jobs := []struct {
		name    string
		every   time.Duration
		timeout time.Duration
		job     scheduler.Job
	}{
		{"dedup.evict", ds.evictEvery, 30 * time.Second, func(ctx context.Context) error {
			if n := a.fps.Evict(ctx, time.Now()); n > 0 {
				a.log.Debug("fingerprints evicted", logx.Int("count", n))
			}
			return ctx.Err()
		}},
		{"websub.renew", ws.renewEvery, 2 * time.Minute, func(ctx context.Context) error {
			a.subs.RenewDue(ctx, time.Now())
			return nil
		}},
		{"websub.poll", ws.pollInterval, ws.pollInterval, func(ctx context.Context) error {
			a.poller.PollOnce(ctx)
			return nil
		}},
		{"stats.log", statsEvery, 5 * time.Second, func(ctx context.Context) error {
			a.coord.LogStats()
			return nil
		}},
	}
	for _, j := range jobs {
		if err := a.sched.AddInterval(j.name, j.every, j.timeout, j.job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches every component under ctx. Stop drains them; canceling ctx
// instead aborts in-flight work.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
			return config.Validate(cfg)
		})
	}

	if err := a.dedup.Warm(run); err != nil {
		a.log.Warn("dedup warm-up failed; starting with an empty window", logx.Err(err))
	}

	a.disp.Start(run)
	a.coord.Start(run)

	a.sup.Go("http.serve", a.http.Serve)
	a.sup.Go0("websub.subscribe", func(c context.Context) {
		if err := a.subs.SubscribeAll(c); err != nil {
			a.log.Warn("initial subscribe incomplete; renewal sweep will retry", logx.Err(err))
		}
		a.poller.PollOnce(c)
	})

	a.sched.Start(run)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm != nil {
		a.startReload()
	}

	a.log.Info("app started",
		logx.Strings("platforms", a.disp.Platforms()),
		logx.Bool("ai", a.gw != nil),
	)
	return nil
}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig hot-applies logging, dispatch rates and the scheduler timezone.
// Everything else is reported as needing a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if dcfg, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		for name, lc := range dcfg.Lanes {
			old, ok := prev.Dispatch.Platforms[name]
			if ok && old.RatePerSec == lc.RatePerSec && old.Burst == lc.Burst {
				continue
			}
			if !a.disp.SetRate(name, lc.RatePerSec, lc.Burst) {
				a.log.Warn("new dispatch platform ignored until restart", logx.String("platform", name))
				continue
			}
			a.log.Info("dispatch rate updated", logx.String("platform", name), logx.Float64("rate_per_sec", lc.RatePerSec), logx.Int("burst", lc.Burst))
		}
	}

	if prev.Scheduler.Timezone != next.Scheduler.Timezone {
		a.sched.Apply(scheduler.Config{Timezone: next.Scheduler.Timezone})
	}
	if prev.Scheduler.StatsEvery != next.Scheduler.StatsEvery {
		if d, err := config.ParseDurationOrDefault("scheduler.stats_every", next.Scheduler.StatsEvery, 5*time.Minute); err == nil {
			_ = a.sched.AddInterval("stats.log", d, 5*time.Second, func(ctx context.Context) error {
				a.coord.LogStats()
				return nil
			})
		}
	}

	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: refuse pushes, stop triggers, drain
// the pipeline (which unsubscribes and drains dispatch), then close the
// listener and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	a.http.Drain()
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	errs = append(errs, a.step(ctx, "pipeline", 30*time.Second, a.coord.Shutdown))
	errs = append(errs, a.step(ctx, "http", 5*time.Second, a.http.Shutdown))
	errs = append(errs, a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() }))

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Any("pipeline", a.coord.Counters()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by limit (never past ctx's deadline). A
// step that ignores its context is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline passed)", logx.String("name", name))
		return fmt.Errorf("stop %s: %w", name, context.DeadlineExceeded)
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return fmt.Errorf("stop %s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}
