package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"config.json", `{"device":{"url":"http://board:7000","key":"k","model":"note"},"storage":{"driver":"memory"},"http":{"port":9090}}`},
		{"config.yaml", "device:\n  url: http://board:7000\n  key: k\n  model: note\nstorage:\n  driver: memory\nhttp:\n  port: 9090\n"},
	}
	for _, tt := range tests {
		m := NewManager(writeFile(t, dir, tt.name, tt.body))
		m.getenv = noEnv
		cfg, err := m.Load()
		if err != nil {
			t.Fatalf("%s: Load: %v", tt.name, err)
		}
		if cfg.Device.URL != "http://board:7000" || cfg.Device.Model != "note" || cfg.HTTP.Port != 9090 {
			t.Fatalf("%s: cfg = %+v", tt.name, cfg)
		}
		// Omitted sections keep their defaults.
		if cfg.Scheduler.TickInterval != "1m" || cfg.Sources.Weather.Location != "Seattle,WA,US" || !cfg.Scheduler.IsEnabled() {
			t.Fatalf("%s: defaults lost: %+v", tt.name, cfg.Scheduler)
		}
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name, body, want string
	}{
		{"unknown.json", `{"device":{"url":"x","colour":"red"}}`, "unknown field"},
		{"trailing.json", `{} {}`, "trailing data"},
		{"duration.json", `{"dispatch":{"send_timeout":"soon"}}`, "dispatch.send_timeout"},
		{"driver.json", `{"storage":{"driver":"mongo"}}`, "storage.driver"},
		{"alerts.json", `{"alerts":{"enabled":true}}`, "alerts.telegram"},
		{"tz.yaml", "scheduler:\n  timezone: Mars/Olympus\n", "scheduler.timezone"},
	}
	for _, tt := range tests {
		m := NewManager(writeFile(t, dir, tt.name, tt.body))
		m.getenv = noEnv
		_, err := m.Load()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v, want containing %q", tt.name, err, tt.want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"VESTABOARD_LOCAL_URL": "http://10.0.0.5:7000",
		"VESTABOARD_LOCAL_KEY": "secret",
		"STOCK_SYMBOLS":        "aapl, msft,,",
		"WEB_PORT":             "8181",
		"DB_PATH":              "/var/lib/vestabot.db",
	}
	cfg := Default()
	ApplyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Device.URL != "http://10.0.0.5:7000" || cfg.Device.Key != "secret" {
		t.Fatalf("device = %+v", cfg.Device)
	}
	if strings.Join(cfg.Sources.Stocks.Symbols, ",") != "AAPL,MSFT" {
		t.Fatalf("symbols = %v", cfg.Sources.Stocks.Symbols)
	}
	if cfg.HTTP.Port != 8181 || cfg.Storage.Path != "/var/lib/vestabot.db" {
		t.Fatalf("http/storage = %+v %+v", cfg.HTTP, cfg.Storage)
	}
	if cfg.Sources.Weather.Location != "Seattle,WA,US" {
		t.Fatalf("unset env overwrote location: %q", cfg.Sources.Weather.Location)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-1s", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := Duration("x", tt.raw, 5*time.Second)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("Duration(%q) = %v, %v", tt.raw, got, err)
		}
	}
}

func TestChanged(t *testing.T) {
	t.Parallel()
	a, b := Default(), Default()
	b.Logging.Level = "debug"
	b.Alerts.AllFailures = true
	got := Changed(a, b)
	if strings.Join(got, ",") != "logging,alerts" {
		t.Fatalf("Changed = %v", got)
	}
	if RestartRequired(got) {
		t.Fatal("logging and alerts should apply live")
	}
	b.Storage.Driver = "memory"
	if !RestartRequired(Changed(a, b)) {
		t.Fatal("storage change should require a restart")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"logging":{"level":"info","console":true}}`)
	m := NewManager(path)
	m.getenv = noEnv
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Rewrite until the watcher is up and the change is seen.
	deadline := time.After(5 * time.Second)
	for {
		writeFile(t, dir, "config.json", `{"logging":{"level":"debug","console":true}}`)
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join("..", "..", "config.example.yaml"))
	m.getenv = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || len(cfg.Sources.Stocks.Symbols) != 4 || cfg.Sources.News.Cache.BreakerFailures != 5 {
		t.Fatalf("example config decoded as %+v", cfg)
	}
}
