package config

// Config is the root of the newsrelay configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Dedup     DedupConfig     `json:"dedup"`
	WebSub    WebSubConfig    `json:"websub"`
	AI        AIConfig        `json:"ai"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards records at or above MinLevel to the telegram alert chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// Platform names the dispatch platform whose telegram bot delivers alerts.
	Platform string `json:"platform,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
}

// HTTPConfig controls the webhook listener.
//
// PublicURL is the externally reachable base used to build hub.callback
// (e.g. "https://relay.example.com"); callbacks are PublicURL + "/webhook/<feed id>".
type HTTPConfig struct {
	Addr              string `json:"addr"`
	PublicURL         string `json:"public_url"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ReadTimeout       string `json:"read_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	MaxBodyBytes      int64  `json:"max_body_bytes,omitempty"`
	// Pprof mounts /debug/pprof on the same listener. With PprofToken set,
	// requests must carry "Authorization: Bearer <token>".
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// StorageConfig selects the fingerprint/journal backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/newsrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DedupConfig controls the deduplication engine and fingerprint store.
//
// Defaults (when omitted/zero):
//   - ttl: "24h"
//   - capacity: 50000
//   - threshold: 0.8
//   - shingle_size: 3
//   - window_size: 1000
//   - horizon: same as ttl
//   - evict_every: "5m"
type DedupConfig struct {
	TTL         string  `json:"ttl,omitempty"`
	Capacity    int     `json:"capacity,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	ShingleSize int     `json:"shingle_size,omitempty"`
	WindowSize  int     `json:"window_size,omitempty"`
	Horizon     string  `json:"horizon,omitempty"`
	EvictEvery  string  `json:"evict_every,omitempty"`
}

type WebSubConfig struct {
	DefaultHub       string       `json:"default_hub,omitempty"`
	LeaseSeconds     int          `json:"lease_seconds,omitempty"`
	RenewalWindow    string       `json:"renewal_window,omitempty"`
	RenewEvery       string       `json:"renew_every,omitempty"`
	MaxRenewAttempts int          `json:"max_renew_attempts,omitempty"`
	RenewBackoff     string       `json:"renew_backoff,omitempty"`
	RenewBackoffMax  string       `json:"renew_backoff_max,omitempty"`
	VerifyTimeout    string       `json:"verify_timeout,omitempty"`
	RequestTimeout   string       `json:"request_timeout,omitempty"`
	PollInterval     string       `json:"poll_interval,omitempty"`
	Feeds            []FeedConfig `json:"feeds"`
}

// FeedConfig is one subscribed topic. Secret signs pushes; when empty a random
// secret is generated per process.
type FeedConfig struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Hub    string `json:"hub,omitempty"`
	Secret string `json:"secret,omitempty"`
	Poll   bool   `json:"poll,omitempty"`
}

// AIConfig controls the AI gateway and its key pool.
type AIConfig struct {
	Enabled           bool          `json:"enabled"`
	TripFailures      int           `json:"trip_failures,omitempty"`
	CooldownBase      string        `json:"cooldown_base,omitempty"`
	CooldownMax       string        `json:"cooldown_max,omitempty"`
	QuotaPerWindow    int           `json:"quota_per_window,omitempty"`
	QuotaWindow       string        `json:"quota_window,omitempty"`
	RateLimitCooldown string        `json:"rate_limit_cooldown,omitempty"`
	CallTimeout       string        `json:"call_timeout,omitempty"`
	CacheTTL          string        `json:"cache_ttl,omitempty"`
	CacheEntries      int           `json:"cache_entries,omitempty"`
	Keys              []AIKeyConfig `json:"keys"`
}

// AIKeyConfig describes one completion credential. SecretRef is "env:NAME"
// or a literal key.
type AIKeyConfig struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model"`
	SecretRef   string  `json:"secret_ref"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type DispatchConfig struct {
	MaxTokenWait string                    `json:"max_token_wait,omitempty"`
	Platforms    map[string]PlatformConfig `json:"platforms"`
}

// PlatformConfig is one dispatch lane plus its publisher.
//
// Kind is one of "telegram", "webhook", "log".
type PlatformConfig struct {
	Enabled        bool    `json:"enabled"`
	Kind           string  `json:"kind"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	DailyLimit     int     `json:"daily_limit,omitempty"`
	QueueSize      int     `json:"queue_size,omitempty"`
	Workers        int     `json:"workers,omitempty"`
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	SendTimeout    string  `json:"send_timeout,omitempty"`
	MaxChars       int     `json:"max_chars,omitempty"`
	Token          string  `json:"token,omitempty"`
	ChatID         int64   `json:"chat_id,omitempty"`
	URL            string  `json:"url,omitempty"`
	AuthHeader     string  `json:"auth_header,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
}

type PipelineConfig struct {
	EnhanceRetryDelay string `json:"enhance_retry_delay,omitempty"`
	FallbackPlain     *bool  `json:"fallback_plain,omitempty"`
	ProcessTimeout    string `json:"process_timeout,omitempty"`
	MaxInFlight       int    `json:"max_in_flight,omitempty"`
}

type SchedulerConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	StatsEvery string `json:"stats_every,omitempty"`
}
