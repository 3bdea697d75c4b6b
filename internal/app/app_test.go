package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vestabot/internal/config"
	"vestabot/internal/content"
	"vestabot/internal/device"
	"vestabot/internal/dispatch"
	"vestabot/internal/schedule"
	"vestabot/internal/storage"
	logx "vestabot/pkg/logx"
)

func TestMapHTTPConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 9090
	cfg.HTTP.ReadTimeout = "5s"

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	hc, err := mapHTTPConfig(cfg, dc)
	if err != nil {
		t.Fatal(err)
	}
	if hc.Addr != "127.0.0.1:9090" || hc.ReadTimeout != 5*time.Second {
		t.Fatalf("http config = %+v", hc)
	}
	if want := 20*time.Second + 60*time.Second + 10*time.Second; hc.WaitTimeout != want {
		t.Fatalf("wait timeout = %v, want %v", hc.WaitTimeout, want)
	}
}

func TestMapPolicy(t *testing.T) {
	t.Parallel()
	p, err := mapPolicy("weather", config.CacheConfig{MaxStale: "2h", RatePerMin: 30, BreakerFailures: 3}, 10*time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if p.TTL != 10*time.Minute || p.MaxStale != 2*time.Hour || p.RatePerMin != 30 || p.BreakerFailures != 3 {
		t.Fatalf("policy = %+v", p)
	}
	if _, err := mapPolicy("news", config.CacheConfig{TTL: "soon"}, time.Minute, 0); err == nil {
		t.Fatal("bad ttl accepted")
	}
}

func TestMapDeviceConfigRetryDefault(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	dc, err := mapDeviceConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dc.RetryMax != 3 {
		t.Fatalf("retry max = %d, want 3", dc.RetryMax)
	}
	zero := 0
	cfg.Device.RetryMax = &zero
	if dc, _ = mapDeviceConfig(cfg); dc.RetryMax != 0 {
		t.Fatalf("explicit retry max 0 became %d", dc.RetryMax)
	}
}

func TestOutcomeRecorder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory(storage.Config{})
	sc, err := store.Create(ctx, schedule.Schedule{Name: "Morning", Kind: "weather", CronExpr: "0 7 * * *", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	rec := outcomeRecorder{store: store, log: logx.Nop()}

	at := time.Date(2024, 1, 1, 7, 0, 5, 0, time.UTC)
	rec.RecordOutcome(ctx, dispatch.Outcome{
		Job:        dispatch.Job{ID: "j1", Source: dispatch.SourceScheduled, Kind: content.KindWeather, ScheduleID: sc.ID},
		Status:     dispatch.StatusFailed,
		Error:      "content unavailable",
		Attempts:   0,
		FinishedAt: at,
	})
	// A manual job without a schedule only reaches the log.
	rec.RecordOutcome(ctx, dispatch.Outcome{
		Job:        dispatch.Job{ID: "j2", Source: dispatch.SourceManual, Kind: content.KindText},
		Status:     dispatch.StatusSent,
		FinishedAt: at.Add(time.Second),
	})
	// Deleted schedules are tolerated.
	rec.RecordOutcome(ctx, dispatch.Outcome{
		Job:    dispatch.Job{ID: "j3", Source: dispatch.SourceScheduled, Kind: content.KindText, ScheduleID: 999},
		Status: dispatch.StatusSent,
	})

	logs, err := store.ListLog(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("log entries = %d, want 3", len(logs))
	}
	got, err := store.Get(ctx, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != "failed" || got.LastError != "content unavailable" || got.LastOutcomeAt == nil || !got.LastOutcomeAt.Equal(at) {
		t.Fatalf("schedule outcome = %q %q %v", got.LastStatus, got.LastError, got.LastOutcomeAt)
	}
	if got.Version != sc.Version {
		t.Fatalf("recording an outcome moved the version: %d -> %d", sc.Version, got.Version)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppSendsThroughTheWholePipeline(t *testing.T) {
	var posts atomic.Int32
	board := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer board.Close()

	path := writeConfig(t, `
device:
  url: "`+board.URL+`"
  key: secret
scheduler:
  enabled: false
  seed_defaults: true
storage:
  driver: memory
http:
  enabled: false
logging:
  level: error
  console: true
`)
	cfgm := config.NewManager(path)
	if _, err := cfgm.Load(); err != nil {
		t.Fatal(err)
	}
	a, err := New(cfgm)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	schedules, err := a.Scheduler().List(ctx)
	if err != nil || len(schedules) != 5 {
		t.Fatalf("seeded schedules = %d, %v", len(schedules), err)
	}

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	out, err := a.Dispatch().SubmitWait(wctx, dispatch.Job{Source: dispatch.SourceManual, Kind: content.KindText, Spec: "Hello World"})
	wcancel()
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != dispatch.StatusSent || posts.Load() != 1 {
		t.Fatalf("outcome = %s (%s), posts = %d", out.Status, out.Error, posts.Load())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopCommand); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Dispatch().Submit(dispatch.Job{Source: dispatch.SourceManual, Kind: content.KindClear}); err == nil {
		t.Fatal("submit accepted after stop")
	}
}

func TestApplyConfigSwapsAlertTransport(t *testing.T) {
	board := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer board.Close()

	path := writeConfig(t, "device: {url: '"+board.URL+"', key: k}\nstorage: {driver: memory}\nhttp: {enabled: false}\nlogging: {level: error, console: true}\n")
	cfgm := config.NewManager(path)
	oldCfg, err := cfgm.Load()
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(cfgm)
	if err != nil {
		t.Fatal(err)
	}
	defer a.closeStore()
	if a.notif.Enabled() {
		t.Fatal("alerts enabled without config")
	}

	newCfg := *oldCfg
	newCfg.Alerts.Enabled = true
	newCfg.Alerts.Telegram = config.TelegramTarget{Token: "123:abc", ChatID: 42}
	a.applyConfig(oldCfg, &newCfg)
	if !a.notif.Enabled() {
		t.Fatal("alerts not enabled after reload")
	}

	a.applyConfig(&newCfg, oldCfg)
	if a.notif.Enabled() {
		t.Fatal("alerts still enabled after being switched off")
	}
}

func TestNewReconcilesBoardSize(t *testing.T) {
	// The board reports a 3x15 matrix.
	row := "[0" + strings.Repeat(",0", 14) + "]"
	board := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":[`+row+","+row+","+row+`]}`)
	}))
	defer board.Close()

	base := "device: {url: '" + board.URL + "', key: k, %s}\nstorage: {driver: memory}\nhttp: {enabled: false}\nlogging: {level: error, console: true}\n"

	cfgm := config.NewManager(writeConfig(t, fmt.Sprintf(base, "model: flagship")))
	if _, err := cfgm.Load(); err != nil {
		t.Fatal(err)
	}
	a, err := New(cfgm)
	if err != nil {
		t.Fatalf("model-derived size should follow the board: %v", err)
	}
	defer a.closeStore()
	if a.renderer.Rows() != 3 || a.renderer.Cols() != 15 || a.Device().Capability().Model != "note" {
		t.Fatalf("renderer %dx%d, capability %+v", a.renderer.Rows(), a.renderer.Cols(), a.Device().Capability())
	}

	cfgm = config.NewManager(writeConfig(t, fmt.Sprintf(base, "rows: 6, cols: 22")))
	if _, err := cfgm.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfgm); !errors.Is(err, device.ErrCapabilityMismatch) {
		t.Fatalf("explicit size contradicted by the board: err = %v", err)
	}
}

func TestStoredCountdownsFallBackToConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory(storage.Config{})
	fallback, err := content.ParseCountdowns("Config=2025-01-01", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	list := storedCountdowns(store, fallback, time.UTC, logx.Nop())

	names := func() string {
		t.Helper()
		entries, err := list(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var out []string
		for _, e := range entries {
			out = append(out, e.Name)
		}
		return strings.Join(out, ",")
	}

	if got := names(); got != "Config" {
		t.Fatalf("empty store lists %q, want the configured countdowns", got)
	}
	for _, c := range []schedule.Countdown{
		{Name: "Trip", Date: "2025-02-01", Enabled: true},
		{Name: "Off", Date: "2025-03-01"},
		{Name: "Broken", Date: "someday", Enabled: true},
	} {
		if _, err := store.CreateCountdown(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if got := names(); got != "Trip" {
		t.Fatalf("stored countdowns = %q, want only the enabled valid one", got)
	}
}
