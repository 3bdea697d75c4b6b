package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vestabot/internal/content"
	"vestabot/internal/device"
	"vestabot/internal/dispatch"
	"vestabot/internal/eventbus"
	logx "vestabot/pkg/logx"
)

type fakeTransport struct {
	mu   sync.Mutex
	msgs []string
	sent chan struct{}
}

func (f *fakeTransport) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	if f.sent != nil {
		select {
		case f.sent <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func failed(kind content.Kind, err error) dispatch.Outcome {
	return dispatch.Outcome{
		Job:    dispatch.Job{ID: "j1", Source: dispatch.SourceScheduled, Kind: kind, ScheduleID: 3},
		Status: dispatch.StatusFailed, Stage: dispatch.StateSending, Attempts: 1,
		Err: err, Error: err.Error(),
	}
}

func TestAlertPolicy(t *testing.T) {
	t.Parallel()
	authErr := fmt.Errorf("send: %w", device.ErrAuth)
	otherErr := fmt.Errorf("resolve: %w", content.ErrUnavailable)
	tests := []struct {
		name string
		cfg  Config
		out  dispatch.Outcome
		want int
	}{
		{"auth always alerts", Config{Enabled: true}, failed(content.KindText, authErr), 1},
		{"other failures are quiet by default", Config{Enabled: true}, failed(content.KindWeather, otherErr), 0},
		{"all failures", Config{Enabled: true, AllFailures: true}, failed(content.KindWeather, otherErr), 1},
		{"disabled", Config{Enabled: false, AllFailures: true}, failed(content.KindText, authErr), 0},
	}
	for _, tt := range tests {
		tr := &fakeTransport{}
		s := New(tt.cfg, tr, nil, logx.Nop())
		s.Handle(context.Background(), tt.out)
		if tr.count() != tt.want {
			t.Fatalf("%s: sent %d alerts, want %d", tt.name, tr.count(), tt.want)
		}
	}
}

func TestAlertText(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	s := New(Config{Enabled: true}, tr, nil, logx.Nop())
	s.Handle(context.Background(), failed(content.KindWeather, fmt.Errorf("send: %w: status 401", device.ErrAuth)))
	msg := tr.msgs[0]
	for _, want := range []string{"rejected the API key", "kind: weather (scheduled)", "schedule: 3", "stage: sending", "status 401"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("alert %q missing %q", msg, want)
		}
	}
}

func TestDedupAndRateLimit(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	now := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	s := New(Config{Enabled: true, AllFailures: true, RatePerMin: 2, DedupWindow: 10 * time.Minute}, tr, nil, logx.Nop())
	s.now = func() time.Time { return now }

	same := failed(content.KindNews, errors.New("resolve: upstream down"))
	s.Handle(context.Background(), same)
	s.Handle(context.Background(), same)
	if tr.count() != 1 || s.Counters().Deduped != 1 {
		t.Fatalf("dedup: sent %d, counters %+v", tr.count(), s.Counters())
	}

	for i := 0; i < 3; i++ {
		s.Handle(context.Background(), failed(content.KindNews, fmt.Errorf("resolve: error %d", i)))
	}
	if tr.count() != 2 || s.Counters().RateLimits != 2 {
		t.Fatalf("rate limit: sent %d, counters %+v", tr.count(), s.Counters())
	}
}

func TestRunConsumesFailedEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	tr := &fakeTransport{sent: make(chan struct{}, 1)}
	s := New(Config{Enabled: true}, tr, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Retry until the subscription is in place.
	deadline := time.After(5 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: failed(content.KindText, device.ErrAuth)})
		select {
		case <-tr.sent:
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Run: %v", err)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("no alert delivered")
		}
	}
}

func TestTelegramTransport(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-100123,"type":"supergroup"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: -100123, ThreadID: 9, APIURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if err := tg.SendText(context.Background(), "board offline"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	for _, want := range []string{"board offline", "-100123", "message_thread_id"} {
		if !strings.Contains(body, want) {
			t.Fatalf("request body %q missing %q", body, want)
		}
	}

	if _, err := NewTelegram(TelegramConfig{ChatID: 1}, nil); err == nil {
		t.Fatal("expected error for empty token")
	}
}
