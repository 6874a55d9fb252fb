package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"newsrelay/internal/config"
)

const wireRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Wire</title>
<item><title>Storm hits coast</title><link>https://news.example.com/storm</link><guid>storm</guid>
<description>Heavy rain and strong wind closed roads along the northern coast overnight.</description></item>
<item><title>Markets calm</title><link>https://news.example.com/markets</link><guid>markets</guid>
<description>Stocks were flat as traders waited for the central bank decision on Thursday.</description></item>
</channel></rss>`

func eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newsrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppPollsDedupsAndDispatches(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(wireRSS))
	}))
	defer feed.Close()

	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
http:
  addr: "127.0.0.1:0"
  public_url: "https://relay.example.com"
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "relay.db")+`
websub:
  poll_interval: 1s
  feeds:
    - id: wire
      topic: "`+feed.URL+`"
      poll: true
dispatch:
  platforms:
    dry:
      enabled: true
      kind: log
      rate_per_sec: 100
`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, 5*time.Second, func() bool { return a.coord.Counters().JobsSucceeded == 2 })
	a.poller.PollOnce(context.Background())
	eventually(t, 5*time.Second, func() bool { return a.coord.Counters().ExactDuplicates >= 2 })

	st := a.Stats()
	if st.Pipeline.Unique != 2 || len(st.Lanes) != 1 || st.Lanes[0].Platform != "dry" {
		t.Fatalf("stats = %+v", st)
	}
	if st.Fingerprints == 0 {
		t.Fatal("expected recorded fingerprints")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context should be canceled after Stop")
	}
	if got := a.coord.Counters().JobsSucceeded; got != 2 {
		t.Fatalf("jobs succeeded = %d, want 2 (duplicates must not be dispatched)", got)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "dedup:\n  threshold: 3\n")
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "dedup.threshold") {
		t.Fatalf("NewApp err = %v", err)
	}
}

func TestMapping(t *testing.T) {
	t.Parallel()
	fallback := false
	cfg := &config.Config{
		HTTP: config.HTTPConfig{PublicURL: "https://relay.example.com", MaxBodyBytes: 1024},
		WebSub: config.WebSubConfig{
			DefaultHub: "https://hub.example.com/",
			Feeds: []config.FeedConfig{
				{ID: "a", Topic: "https://feeds.example.com/a.xml"},
				{ID: "b", Topic: "https://feeds.example.com/b.xml", Poll: true},
			},
		},
		Dispatch: config.DispatchConfig{Platforms: map[string]config.PlatformConfig{
			"tg":      {Enabled: true, Kind: "telegram", RetryBase: "3s"},
			"twitter": {Enabled: true, Kind: "webhook", MaxChars: 250},
			"off":     {Enabled: false, Kind: "log"},
		}},
		Pipeline: config.PipelineConfig{FallbackPlain: &fallback, EnhanceRetryDelay: "10s"},
	}

	if got := enabledPlatforms(cfg); !reflect.DeepEqual(got, []string{"tg", "twitter"}) {
		t.Fatalf("enabledPlatforms = %v", got)
	}
	limits := charLimits(cfg)
	if limits["tg"] != 4096 || limits["twitter"] != 250 {
		t.Fatalf("charLimits = %v", limits)
	}

	ws, err := mapWebSubConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.feeds) != 2 || ws.feeds[0].Hub != "https://hub.example.com/" || ws.feeds[0].PollOnly || !ws.feeds[1].PollOnly {
		t.Fatalf("feeds = %+v", ws.feeds)
	}
	if ws.pollInterval != 10*time.Minute || ws.renewEvery != time.Minute || ws.poller.MaxBody != 1024 {
		t.Fatalf("websub settings = %+v", ws)
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(dcfg.Lanes) != 2 || dcfg.Lanes["tg"].RetryBase != 3*time.Second {
		t.Fatalf("lanes = %+v", dcfg.Lanes)
	}

	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pcfg.FallbackPlain || pcfg.EnhanceRetryDelay != 10*time.Second || len(pcfg.Platforms) != 2 {
		t.Fatalf("pipeline = %+v", pcfg)
	}

	cfg.Dispatch.Platforms["tg"] = config.PlatformConfig{Enabled: true, Kind: "telegram", SendTimeout: "later"}
	if _, err := mapDispatchConfig(cfg); err == nil || !strings.Contains(err.Error(), "dispatch.platforms.tg.send_timeout") {
		t.Fatalf("bad duration err = %v", err)
	}
}
