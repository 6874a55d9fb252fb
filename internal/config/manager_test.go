package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: ":8080"
  public_url: "https://relay.example.com"
storage:
  driver: sqlite
  path: ./data/relay.db
dedup:
  ttl: 24h
  threshold: 0.8
websub:
  default_hub: "https://hub.example.com/"
  feeds:
    - id: reuters
      topic: "https://feeds.example.com/reuters.xml"
ai:
  enabled: true
  keys:
    - id: groq-1
      provider: groq
      model: llama-3.1-8b-instant
      secret_ref: env:GROQ_KEY_1
dispatch:
  platforms:
    telegram:
      enabled: true
      kind: telegram
      token: "123:abc"
      chat_id: -100123
      rate_per_sec: 1
`

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "http": {"addr": ":8080", "public_url": "https://relay.example.com"},
  "storage": {"driver": "sqlite", "path": "./data/relay.db"},
  "dedup": {"ttl": "24h", "threshold": 0.8},
  "websub": {"default_hub": "https://hub.example.com/", "feeds": [{"id": "reuters", "topic": "https://feeds.example.com/reuters.xml"}]},
  "ai": {"enabled": true, "keys": [{"id": "groq-1", "provider": "groq", "model": "llama-3.1-8b-instant", "secret_ref": "env:GROQ_KEY_1"}]},
  "dispatch": {"platforms": {"telegram": {"enabled": true, "kind": "telegram", "token": "123:abc", "chat_id": -100123, "rate_per_sec": 1}}}
}`

func TestDecodeYAMLAndJSONAgree(t *testing.T) {
	t.Parallel()
	y, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	j, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if !reflect.DeepEqual(y, j) {
		t.Fatalf("yaml and json decode differ:\n%+v\n%+v", y, j)
	}
	if err := Validate(y); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{name: "unknown json key", file: "c.json", data: `{"loging": {}}`},
		{name: "unknown yaml key", file: "c.yml", data: "dedup:\n  treshold: 0.5\n"},
		{name: "trailing data", file: "c.json", data: `{} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.data)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "bad duration", mutate: func(c *Config) { c.Dedup.TTL = "soon" }, want: "dedup.ttl"},
		{name: "threshold", mutate: func(c *Config) { c.Dedup.Threshold = 1.5 }, want: "dedup.threshold"},
		{name: "feed id", mutate: func(c *Config) { c.WebSub.Feeds[0].ID = "bad id/" }, want: "websub.feeds[0].id"},
		{name: "storage path", mutate: func(c *Config) { c.Storage.Path = "" }, want: "storage.path"},
		{name: "platform kind", mutate: func(c *Config) {
			p := c.Dispatch.Platforms["telegram"]
			p.Kind = "carrier-pigeon"
			c.Dispatch.Platforms["telegram"] = p
		}, want: "kind"},
		{name: "missing key model", mutate: func(c *Config) { c.AI.Keys[0].Model = "" }, want: "ai.keys[0].model"},
		{name: "timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, want: "scheduler.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("c.yaml", []byte(sampleYAML))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.yaml", []byte(sampleYAML))
	b, _ := Decode("c.yaml", []byte(sampleYAML))
	b.Logging.Level = "info"
	b.Dedup.Threshold = 0.9

	changed, attrs, restart := SummarizeConfigChange(a, b)
	if !reflect.DeepEqual(changed, []string{"dedup", "logging"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !reflect.DeepEqual(restart, []string{"dedup"}) {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
}

func TestReloadValidatesBeforePublish(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// unchanged content is not republished
	m.reload(context.Background())
	if len(ch) != 0 {
		t.Fatal("unchanged config should not publish")
	}

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return errors.New("nope") })
	m.reload(context.Background())
	if len(ch) != 0 || m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config must not be committed")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("expected published config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5); err != nil || d != 5 {
		t.Fatalf("default = %v,%v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
}
