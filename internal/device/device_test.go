package device

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"vestabot/internal/render"
	logx "vestabot/pkg/logx"
)

func newTestClient(t *testing.T, url string, retryMax int) *Client {
	t.Helper()
	c, err := New(Config{URL: url, Key: "secret", RetryMax: retryMax}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func blankGrid(t *testing.T) render.Grid {
	t.Helper()
	r, err := render.New(6, 22)
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	g, err := r.Text("HELLO")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	return g
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/local-api/message" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Vestaboard-Local-Api-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.HasPrefix(string(body), "[[") {
			t.Errorf("body is not a matrix: %s", body)
		}
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	var results []string
	c.OnAttempt(func(r string) { results = append(results, r) })
	ack, err := c.Send(context.Background(), blankGrid(t))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.Attempts != 4 {
		t.Fatalf("Attempts = %d, want 4", ack.Attempts)
	}
	if strings.Join(results, ",") != "unreachable,unreachable,unreachable,ok" {
		t.Fatalf("attempt results = %v", results)
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ack, err := newTestClient(t, srv.URL, 2).Send(context.Background(), blankGrid(t))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if ack.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts = %d calls = %d, want 3", ack.Attempts, calls.Load())
	}
}

func TestSendPermanentErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusUnauthorized, want: ErrAuth},
		{status: http.StatusForbidden, want: ErrAuth},
		{status: http.StatusBadRequest, want: ErrRejected},
	}
	for _, tt := range tests {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tt.status)
		}))
		ack, err := newTestClient(t, srv.URL, 3).Send(context.Background(), blankGrid(t))
		srv.Close()
		if !errors.Is(err, tt.want) {
			t.Fatalf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
		if ack.Attempts != 1 || calls.Load() != 1 {
			t.Fatalf("status %d: attempts = %d, want 1 (no retry)", tt.status, ack.Attempts)
		}
	}
}

func TestSendUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ack, err := newTestClient(t, url, 1).Send(context.Background(), blankGrid(t))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if ack.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", ack.Attempts)
	}
}

func TestSendDimensionMismatch(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://127.0.0.1:1", 0)
	r, _ := render.New(3, 15)
	g, _ := r.Text("HI")
	if _, err := c.Send(context.Background(), g); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestProbeAndCurrent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		row := "[8,9" + strings.Repeat(",0", 20) + "]"
		blank := "[0" + strings.Repeat(",0", 21) + "]"
		_, _ = w.Write([]byte(`{"message":[` + row + strings.Repeat(","+blank, 5) + `]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	g, err := c.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if g.Lines()[0] != "HI" || g.Rows() != 6 {
		t.Fatalf("Current = %q", g.String())
	}
}

func TestProbeAccepts405(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()
	if err := newTestClient(t, srv.URL, 0).Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestCapability(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  Config
		want Capability
	}{
		{cfg: Config{}, want: Capability{Model: "flagship", Rows: 6, Cols: 22}},
		{cfg: Config{Model: "note"}, want: Capability{Model: "note", Rows: 3, Cols: 15}},
		{cfg: Config{Model: "note", Rows: 4, Cols: 10}, want: Capability{Model: "custom", Rows: 4, Cols: 10}},
	}
	for _, tt := range tests {
		tt.cfg.URL, tt.cfg.Key = "http://x", "k"
		c, err := New(tt.cfg, nil, logx.Nop())
		if err != nil {
			t.Fatalf("New(%+v): %v", tt.cfg, err)
		}
		if c.Capability() != tt.want {
			t.Fatalf("Capability = %+v, want %+v", c.Capability(), tt.want)
		}
	}
	if _, err := New(Config{URL: "http://x", Key: "k", Model: "wall"}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

// boardServer answers GET with a blank rows x cols matrix.
func boardServer(rows, cols int) *httptest.Server {
	row := "[0" + strings.Repeat(",0", cols-1) + "]"
	body := "[" + row + strings.Repeat(","+row, rows-1) + "]"
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	note := boardServer(3, 15)
	defer note.Close()
	flagship := boardServer(6, 22)
	defer flagship.Close()

	tests := []struct {
		name    string
		cfg     Config
		want    Capability
		wantErr error
	}{
		{"model matches board", Config{URL: flagship.URL, Model: "flagship"}, Capability{Model: "flagship", Rows: 6, Cols: 22}, nil},
		{"model adopts board size", Config{URL: note.URL, Model: "flagship"}, Capability{Model: "note", Rows: 3, Cols: 15}, nil},
		{"explicit size contradicted", Config{URL: note.URL, Rows: 6, Cols: 22}, Capability{Model: "custom", Rows: 6, Cols: 22}, ErrCapabilityMismatch},
		{"board offline keeps config", Config{URL: "http://127.0.0.1:1", Model: "note"}, Capability{Model: "note", Rows: 3, Cols: 15}, ErrUnreachable},
	}
	for _, tt := range tests {
		tt.cfg.Key = "secret"
		c, err := New(tt.cfg, nil, logx.Nop())
		if err != nil {
			t.Fatalf("%s: New: %v", tt.name, err)
		}
		got, err := c.Discover(context.Background())
		if tt.wantErr == nil && err != nil || tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
		}
		if got != tt.want || c.Capability() != tt.want {
			t.Fatalf("%s: capability = %+v (client %+v), want %+v", tt.name, got, c.Capability(), tt.want)
		}
	}
}
