package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var reFeedID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Validate checks a decoded config. It is used at startup and as the hot-reload
// validator, so it must not have side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) { _, err := ParseDurationField(path, raw); add(err) }

	dur("http.read_header_timeout", cfg.HTTP.ReadHeaderTimeout)
	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if cfg.HTTP.MaxBodyBytes < 0 {
		add(errors.New("http.max_body_bytes must be >= 0"))
	}
	if len(cfg.WebSub.Feeds) > 0 {
		if _, err := parseAbsURL(cfg.HTTP.PublicURL); err != nil {
			add(fmt.Errorf("http.public_url: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	d := cfg.Dedup
	if d.Threshold < 0 || d.Threshold > 1 {
		add(fmt.Errorf("dedup.threshold must be within [0,1], got %v", d.Threshold))
	}
	if d.ShingleSize < 0 || d.ShingleSize > 8 {
		add(fmt.Errorf("dedup.shingle_size must be within [1,8], got %d", d.ShingleSize))
	}
	if d.Capacity < 0 || d.WindowSize < 0 {
		add(errors.New("dedup.capacity and dedup.window_size must be >= 0"))
	}
	dur("dedup.ttl", d.TTL)
	dur("dedup.horizon", d.Horizon)
	dur("dedup.evict_every", d.EvictEvery)

	w := cfg.WebSub
	dur("websub.renewal_window", w.RenewalWindow)
	dur("websub.renew_every", w.RenewEvery)
	dur("websub.renew_backoff", w.RenewBackoff)
	dur("websub.renew_backoff_max", w.RenewBackoffMax)
	dur("websub.verify_timeout", w.VerifyTimeout)
	dur("websub.request_timeout", w.RequestTimeout)
	dur("websub.poll_interval", w.PollInterval)
	if w.LeaseSeconds < 0 || w.MaxRenewAttempts < 0 {
		add(errors.New("websub.lease_seconds and websub.max_renew_attempts must be >= 0"))
	}
	seenFeeds := map[string]bool{}
	for i, f := range w.Feeds {
		path := fmt.Sprintf("websub.feeds[%d]", i)
		if !reFeedID.MatchString(f.ID) {
			add(fmt.Errorf("%s.id: must match %s", path, reFeedID.String()))
		} else if seenFeeds[f.ID] {
			add(fmt.Errorf("%s.id: duplicate %q", path, f.ID))
		}
		seenFeeds[f.ID] = true
		if _, err := parseAbsURL(f.Topic); err != nil {
			add(fmt.Errorf("%s.topic: %w", path, err))
		}
		hub := f.Hub
		if hub == "" {
			hub = w.DefaultHub
		}
		if hub == "" && !f.Poll {
			add(fmt.Errorf("%s: hub is required unless poll is true (or websub.default_hub is set)", path))
		} else if hub != "" {
			if _, err := parseAbsURL(hub); err != nil {
				add(fmt.Errorf("%s.hub: %w", path, err))
			}
		}
	}

	a := cfg.AI
	dur("ai.cooldown_base", a.CooldownBase)
	dur("ai.cooldown_max", a.CooldownMax)
	dur("ai.quota_window", a.QuotaWindow)
	dur("ai.rate_limit_cooldown", a.RateLimitCooldown)
	dur("ai.call_timeout", a.CallTimeout)
	dur("ai.cache_ttl", a.CacheTTL)
	if a.TripFailures < 0 || a.QuotaPerWindow < 0 {
		add(errors.New("ai.trip_failures and ai.quota_per_window must be >= 0"))
	}
	if a.Enabled && len(a.Keys) == 0 {
		add(errors.New("ai.keys: at least one key is required when ai.enabled"))
	}
	seenKeys := map[string]bool{}
	for i, k := range a.Keys {
		path := fmt.Sprintf("ai.keys[%d]", i)
		if strings.TrimSpace(k.ID) == "" {
			add(fmt.Errorf("%s.id is required", path))
		} else if seenKeys[k.ID] {
			add(fmt.Errorf("%s.id: duplicate %q", path, k.ID))
		}
		seenKeys[k.ID] = true
		if strings.TrimSpace(k.Model) == "" {
			add(fmt.Errorf("%s.model is required", path))
		}
		if strings.TrimSpace(k.SecretRef) == "" {
			add(fmt.Errorf("%s.secret_ref is required", path))
		}
		if k.BaseURL != "" {
			if _, err := parseAbsURL(k.BaseURL); err != nil {
				add(fmt.Errorf("%s.base_url: %w", path, err))
			}
		}
	}

	dur("dispatch.max_token_wait", cfg.Dispatch.MaxTokenWait)
	for name, p := range cfg.Dispatch.Platforms {
		path := "dispatch.platforms." + name
		if p.RatePerSec < 0 || p.Burst < 0 || p.DailyLimit < 0 || p.QueueSize < 0 || p.Workers < 0 || p.MaxAttempts < 0 {
			add(fmt.Errorf("%s: numeric limits must be >= 0", path))
		}
		dur(path+".retry_base", p.RetryBase)
		dur(path+".retry_max_delay", p.RetryMaxDelay)
		dur(path+".send_timeout", p.SendTimeout)
		if !p.Enabled {
			continue
		}
		switch p.Kind {
		case "telegram":
			if strings.TrimSpace(p.Token) == "" || p.ChatID == 0 {
				add(fmt.Errorf("%s: telegram requires token and chat_id", path))
			}
		case "webhook":
			if _, err := parseAbsURL(p.URL); err != nil {
				add(fmt.Errorf("%s.url: %w", path, err))
			}
		case "log":
		default:
			add(fmt.Errorf("%s.kind: unknown %q", path, p.Kind))
		}
	}
	if al := cfg.Logging.Alerts; al.Enabled && al.Platform != "" {
		if p, ok := cfg.Dispatch.Platforms[al.Platform]; !ok || p.Kind != "telegram" {
			add(fmt.Errorf("logging.alerts.platform: %q is not a telegram platform", al.Platform))
		}
	}

	dur("pipeline.enhance_retry_delay", cfg.Pipeline.EnhanceRetryDelay)
	dur("pipeline.process_timeout", cfg.Pipeline.ProcessTimeout)
	if cfg.Pipeline.MaxInFlight < 0 {
		add(errors.New("pipeline.max_in_flight must be >= 0"))
	}

	dur("scheduler.stats_every", cfg.Scheduler.StatsEvery)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	return errors.Join(errs...)
}

func parseAbsURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}
	return u, nil
}
