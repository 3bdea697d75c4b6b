package content

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCachedSingleFetchAcrossOverlappingResolves(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context, key string) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return Weather{Location: key}, nil
	}
	c := NewCached(KindWeather, fetch, Policy{TTL: time.Hour})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.Resolve(context.Background(), "seattle")
			if err == nil && snap.Payload.(Weather).Location != "seattle" {
				err = fmt.Errorf("unexpected payload %+v", snap.Payload)
			}
			errs <- err
		}()
	}
	<-started
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d, want 1", n)
	}
}

func TestCachedOneUpstreamCallPerKind(t *testing.T) {
	t.Parallel()
	var inFlight, maxInFlight atomic.Int32
	fetch := func(ctx context.Context, key string) (any, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return News{Headline: key}, nil
	}
	c := NewCached(KindNews, fetch, Policy{TTL: time.Hour})

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if _, err := c.Resolve(context.Background(), key); err != nil {
				t.Errorf("Resolve(%s): %v", key, err)
			}
		}(key)
	}
	wg.Wait()
	if m := maxInFlight.Load(); m != 1 {
		t.Fatalf("max in-flight upstream calls = %d, want 1", m)
	}
}

func TestCachedStaleFallback(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)}
	var fail atomic.Bool
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (any, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("upstream down")
		}
		return Weather{Location: "Seattle", TempF: 50}, nil
	}
	var results []string
	var mu sync.Mutex
	hook := func(_ Kind, r string) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}
	c := NewCached(KindWeather, fetch, Policy{TTL: 10 * time.Minute, MaxStale: time.Hour},
		WithClock(clock.Now), WithFetchHook(hook))
	ctx := context.Background()

	first, err := c.Resolve(ctx, "")
	if err != nil || first.Stale {
		t.Fatalf("first resolve: %+v, %v", first, err)
	}

	// Within TTL: served from cache.
	clock.Advance(5 * time.Minute)
	if _, err := c.Resolve(ctx, ""); err != nil || calls.Load() != 1 {
		t.Fatalf("cached resolve: calls=%d err=%v", calls.Load(), err)
	}

	// Past TTL, refresh fails: stale snapshot.
	fail.Store(true)
	clock.Advance(10 * time.Minute)
	stale, err := c.Resolve(ctx, "")
	if err != nil {
		t.Fatalf("stale resolve error: %v", err)
	}
	if !stale.Stale || stale.Payload.(Weather).TempF != 50 {
		t.Fatalf("stale snapshot = %+v", stale)
	}
	if first.Stale {
		t.Fatal("cached snapshot was mutated")
	}

	// Past the ceiling: unavailable, never empty content.
	clock.Advance(time.Hour)
	if _, err := c.Resolve(ctx, ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{FetchOK, FetchCached, FetchError, FetchStale, FetchError}
	if fmt.Sprint(results) != fmt.Sprint(want) {
		t.Fatalf("hook results = %v, want %v", results, want)
	}
}

func TestCachedRateLimitFallsBackToCache(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (any, error) {
		calls.Add(1)
		return Stocks{}, nil
	}
	c := NewCached(KindStocks, fetch, Policy{TTL: time.Second, MaxStale: time.Hour, RatePerMin: 1, Burst: 1}, WithClock(clock.Now))

	if _, err := c.Resolve(context.Background(), "SPY"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	clock.Advance(2 * time.Second)
	snap, err := c.Resolve(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !snap.Stale || calls.Load() != 1 {
		t.Fatalf("stale=%v calls=%d, want stale snapshot without a second call", snap.Stale, calls.Load())
	}
}

func TestCachedNoStaleWithoutSnapshot(t *testing.T) {
	t.Parallel()
	fetch := func(ctx context.Context, key string) (any, error) { return nil, errors.New("boom") }
	c := NewCached(KindNews, fetch, Policy{TTL: time.Minute, MaxStale: time.Hour})
	if _, err := c.Resolve(context.Background(), "general"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(NewText(), NewClear())
	if got := fmt.Sprint(r.Kinds()); got != "[clear text]" {
		t.Fatalf("Kinds = %s", got)
	}
	if err := r.Validate(KindText, "  "); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("Validate empty text = %v", err)
	}
	if err := r.Validate("flights", ""); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Validate unknown = %v", err)
	}
	snap, err := r.Resolve(context.Background(), KindText, " hello ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if snap.Payload.(Text).Message != "hello" {
		t.Fatalf("payload = %+v", snap.Payload)
	}
}

func TestNormalizeKind(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Kind{"Weather": KindWeather, "countdowns": KindCountdown, " text ": KindText} {
		if got := NormalizeKind(in); got != want {
			t.Fatalf("NormalizeKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCountdown(t *testing.T) {
	t.Parallel()
	now := func() time.Time { return time.Date(2024, 12, 20, 15, 0, 0, 0, time.UTC) }
	src := NewCountdown(nil, now)
	snap, err := src.Resolve(context.Background(), "New Year=2025-01-01;Party=2024-12-20;Past=2024-01-01;Tomorrow=2024-12-21")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := snap.Payload.(Countdowns).Items
	want := []Countdown{{"Party", 0}, {"Tomorrow", 1}, {"New Year", 12}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}

	if err := src.(SpecValidator).ValidateSpec("bad"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("ValidateSpec(bad) = %v", err)
	}
	if err := src.(SpecValidator).ValidateSpec("X=2024-13-01"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("ValidateSpec(bad date) = %v", err)
	}
}

func TestCountdownListsWhenSpecEmpty(t *testing.T) {
	t.Parallel()
	now := func() time.Time { return time.Date(2024, 12, 20, 15, 0, 0, 0, time.UTC) }
	var calls int
	list := func(context.Context) ([]CountdownEntry, error) {
		calls++
		a, _ := NewCountdownEntry("Vacation", "2024-12-27", time.UTC)
		b, _ := NewCountdownEntry("Gone", "2024-12-01", time.UTC)
		return []CountdownEntry{a, b}, nil
	}
	src := NewCountdown(list, now)

	snap, err := src.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := snap.Payload.(Countdowns).Items; fmt.Sprint(got) != fmt.Sprint([]Countdown{{"Vacation", 7}}) {
		t.Fatalf("items = %v", got)
	}
	if _, err := src.Resolve(context.Background(), "Inline=2024-12-21"); err != nil || calls != 1 {
		t.Fatalf("inline spec consulted the list: calls=%d err=%v", calls, err)
	}

	failing := NewCountdown(func(context.Context) ([]CountdownEntry, error) { return nil, errors.New("db down") }, now)
	if _, err := failing.Resolve(context.Background(), ""); err == nil {
		t.Fatal("list error swallowed")
	}
}

func TestNewCountdownEntry(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, date string
		ok         bool
	}{
		{"Trip", "2025-03-01", true},
		{" ", "2025-03-01", false},
		{"Trip", "03/01/2025", false},
	}
	for _, tt := range tests {
		_, err := NewCountdownEntry(tt.name, tt.date, time.UTC)
		if (err == nil) != tt.ok || (err != nil && !errors.Is(err, ErrInvalidSpec)) {
			t.Fatalf("NewCountdownEntry(%q, %q) = %v", tt.name, tt.date, err)
		}
	}
}

func TestUpstreamSpecValidation(t *testing.T) {
	t.Parallel()
	news := NewNews(nil, UpstreamDefaults{}, Policy{})
	if err := news.ValidateSpec("technology"); err != nil {
		t.Fatalf("technology: %v", err)
	}
	if err := news.ValidateSpec("gossip"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("gossip: %v", err)
	}
	cal := NewCalendar(nil, UpstreamDefaults{}, Policy{}, nil)
	if err := cal.ValidateSpec("ftp://x"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("ftp url: %v", err)
	}
	if err := cal.ValidateSpec(""); err != nil {
		t.Fatalf("empty calendar spec: %v", err)
	}
	if got := ParseSymbols(" spy, ,qqq "); fmt.Sprint(got) != "[SPY QQQ]" {
		t.Fatalf("ParseSymbols = %v", got)
	}
}
