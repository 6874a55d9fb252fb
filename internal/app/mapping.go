package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"newsrelay/internal/aigateway"
	"newsrelay/internal/config"
	"newsrelay/internal/dedup"
	"newsrelay/internal/dispatch"
	"newsrelay/internal/httpserver"
	"newsrelay/internal/pipeline"
	"newsrelay/internal/storage"
	"newsrelay/internal/websub"
	logx "newsrelay/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

type dedupSettings struct {
	ttl        time.Duration
	capacity   int
	evictEvery time.Duration
	engine     dedup.Config
}

func mapDedupConfig(cfg *config.Config) (dedupSettings, error) {
	d := cfg.Dedup
	ttl, err := config.ParseDurationOrDefault("dedup.ttl", d.TTL, 24*time.Hour)
	if err != nil {
		return dedupSettings{}, err
	}
	horizon, err := config.ParseDurationOrDefault("dedup.horizon", d.Horizon, ttl)
	if err != nil {
		return dedupSettings{}, err
	}
	evict, err := config.ParseDurationOrDefault("dedup.evict_every", d.EvictEvery, 5*time.Minute)
	if err != nil {
		return dedupSettings{}, err
	}
	capacity := d.Capacity
	if capacity <= 0 {
		capacity = 50000
	}
	return dedupSettings{
		ttl:        ttl,
		capacity:   capacity,
		evictEvery: evict,
		engine: dedup.Config{
			Threshold:   d.Threshold,
			ShingleSize: d.ShingleSize,
			WindowSize:  d.WindowSize,
			Horizon:     horizon,
		},
	}, nil
}

type websubSettings struct {
	manager      websub.Config
	feeds        []websub.Feed
	renewEvery   time.Duration
	pollInterval time.Duration
	poller       websub.PollerOptions
}

func mapWebSubConfig(cfg *config.Config) (websubSettings, error) {
	w := cfg.WebSub
	var out websubSettings
	durs := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"websub.renewal_window", w.RenewalWindow, 0, &out.manager.RenewalWindow},
		{"websub.renew_backoff", w.RenewBackoff, 0, &out.manager.RenewBackoff},
		{"websub.renew_backoff_max", w.RenewBackoffMax, 0, &out.manager.RenewBackoffMax},
		{"websub.verify_timeout", w.VerifyTimeout, 0, &out.manager.VerifyTimeout},
		{"websub.request_timeout", w.RequestTimeout, 0, &out.manager.RequestTimeout},
		{"websub.renew_every", w.RenewEvery, time.Minute, &out.renewEvery},
		{"websub.poll_interval", w.PollInterval, 10 * time.Minute, &out.pollInterval},
	}
	for _, d := range durs {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return websubSettings{}, err
		}
		*d.dst = v
	}
	out.manager.PublicURL = cfg.HTTP.PublicURL
	out.manager.LeaseSeconds = w.LeaseSeconds
	out.manager.MaxRenewAttempts = w.MaxRenewAttempts
	out.poller = websub.PollerOptions{
		Timeout: out.manager.RequestTimeout,
		Jitter:  out.pollInterval / 10,
		MaxBody: cfg.HTTP.MaxBodyBytes,
	}

	for _, f := range w.Feeds {
		hub := f.Hub
		if hub == "" {
			hub = w.DefaultHub
		}
		out.feeds = append(out.feeds, websub.Feed{
			ID:       f.ID,
			Topic:    f.Topic,
			Hub:      hub,
			Secret:   f.Secret,
			PollOnly: f.Poll || hub == "",
		})
	}
	return out, nil
}

func mapAIConfig(cfg *config.Config) (aigateway.Config, error) {
	a := cfg.AI
	var out aigateway.Config
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"ai.cooldown_base", a.CooldownBase, &out.Pool.CooldownBase},
		{"ai.cooldown_max", a.CooldownMax, &out.Pool.CooldownMax},
		{"ai.quota_window", a.QuotaWindow, &out.Pool.QuotaWindow},
		{"ai.rate_limit_cooldown", a.RateLimitCooldown, &out.Pool.RateLimitCooldown},
		{"ai.call_timeout", a.CallTimeout, &out.CallTimeout},
		{"ai.cache_ttl", a.CacheTTL, &out.CacheTTL},
	}
	for _, d := range durs {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return aigateway.Config{}, err
		}
		*d.dst = v
	}
	out.Pool.TripFailures = a.TripFailures
	out.Pool.QuotaPerWindow = a.QuotaPerWindow
	out.CacheEntries = a.CacheEntries
	out.Limits = charLimits(cfg)
	return out, nil
}

// buildKeys resolves every key secret and builds one completer per key.
func buildKeys(cfg *config.Config, callTimeout time.Duration) ([]aigateway.Key, error) {
	keys := make([]aigateway.Key, 0, len(cfg.AI.Keys))
	for i, k := range cfg.AI.Keys {
		secret, err := config.ResolveSecret(k.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("ai.keys[%d] (%s): %w", i, k.ID, err)
		}
		c, err := aigateway.NewChatCompleter(aigateway.ChatConfig{
			Provider:    k.Provider,
			BaseURL:     k.BaseURL,
			Model:       k.Model,
			APIKey:      secret,
			Temperature: k.Temperature,
			MaxTokens:   k.MaxTokens,
			Timeout:     callTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("ai.keys[%d] (%s): %w", i, k.ID, err)
		}
		keys = append(keys, aigateway.Key{ID: k.ID, Provider: k.Provider, Completer: c})
	}
	return keys, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	maxWait, err := config.ParseDurationField("dispatch.max_token_wait", cfg.Dispatch.MaxTokenWait)
	if err != nil {
		return dispatch.Config{}, err
	}
	out := dispatch.Config{MaxTokenWait: maxWait, Lanes: map[string]dispatch.LaneConfig{}}
	for _, name := range enabledPlatforms(cfg) {
		lc, err := mapLaneConfig(name, cfg.Dispatch.Platforms[name])
		if err != nil {
			return dispatch.Config{}, err
		}
		out.Lanes[name] = lc
	}
	return out, nil
}

func mapLaneConfig(name string, p config.PlatformConfig) (dispatch.LaneConfig, error) {
	path := "dispatch.platforms." + name
	lc := dispatch.LaneConfig{
		RatePerSec:  p.RatePerSec,
		Burst:       p.Burst,
		DailyLimit:  p.DailyLimit,
		QueueSize:   p.QueueSize,
		Workers:     p.Workers,
		MaxAttempts: p.MaxAttempts,
	}
	var err error
	if lc.RetryBase, err = config.ParseDurationField(path+".retry_base", p.RetryBase); err != nil {
		return lc, err
	}
	if lc.RetryMaxDelay, err = config.ParseDurationField(path+".retry_max_delay", p.RetryMaxDelay); err != nil {
		return lc, err
	}
	if lc.SendTimeout, err = config.ParseDurationField(path+".send_timeout", p.SendTimeout); err != nil {
		return lc, err
	}
	return lc, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	p := cfg.Pipeline
	retry, err := config.ParseDurationField("pipeline.enhance_retry_delay", p.EnhanceRetryDelay)
	if err != nil {
		return pipeline.Config{}, err
	}
	timeout, err := config.ParseDurationField("pipeline.process_timeout", p.ProcessTimeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	fallback := true
	if p.FallbackPlain != nil {
		fallback = *p.FallbackPlain
	}
	return pipeline.Config{
		Platforms:         enabledPlatforms(cfg),
		EnhanceRetryDelay: retry,
		FallbackPlain:     fallback,
		ProcessTimeout:    timeout,
		MaxInFlight:       p.MaxInFlight,
		CharLimits:        charLimits(cfg),
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	out := httpserver.Config{Addr: h.Addr, MaxBodyBytes: h.MaxBodyBytes, Pprof: h.Pprof, PprofToken: h.PprofToken}
	var err error
	if out.ReadHeaderTimeout, err = config.ParseDurationField("http.read_header_timeout", h.ReadHeaderTimeout); err != nil {
		return out, err
	}
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", h.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func enabledPlatforms(cfg *config.Config) []string {
	var out []string
	for name, p := range cfg.Dispatch.Platforms {
		if p.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// charLimits maps platform names to limits. A configured max_chars wins;
// otherwise a telegram lane gets the telegram default under its own name.
func charLimits(cfg *config.Config) map[string]int {
	out := map[string]int{}
	for name, p := range cfg.Dispatch.Platforms {
		switch {
		case p.MaxChars > 0:
			out[name] = p.MaxChars
		case p.Kind != name && p.Kind != "":
			out[name] = aigateway.CharLimit(p.Kind, nil)
		}
	}
	return out
}
