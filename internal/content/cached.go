package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	logx "vestabot/pkg/logx"
)

// Policy is the cache and upstream policy of one kind.
type Policy struct {
	// TTL is how long a snapshot is served without refetching.
	TTL time.Duration
	// MaxStale is the oldest snapshot served when a refresh fails. 0 disables stale serving.
	MaxStale time.Duration
	// FetchTimeout bounds one upstream call. 0 means 10s.
	FetchTimeout time.Duration
	// RatePerMin caps upstream calls per minute. 0 means unlimited.
	RatePerMin float64
	Burst      int
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown. 0 means 5.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Fetch result labels reported through the fetch hook.
const (
	FetchOK          = "ok"
	FetchError       = "error"
	FetchStale       = "stale"
	FetchCached      = "cached"
	FetchRateLimited = "rate_limited"
	FetchOpen        = "breaker_open"
)

var errRateLimited = errors.New("upstream rate limited")

// FetchFunc fetches the payload for a normalized spec key.
type FetchFunc func(ctx context.Context, key string) (any, error)

type CachedOption func(*Cached)

func WithLogger(log logx.Logger) CachedOption { return func(c *Cached) { c.log = log } }

// WithClock injects the time source used for TTL and staleness.
func WithClock(now func() time.Time) CachedOption { return func(c *Cached) { c.now = now } }

// WithNormalize maps a spec to its cache key (defaults applied, case folded).
func WithNormalize(fn func(spec string) string) CachedOption {
	return func(c *Cached) { c.normalize = fn }
}

func WithValidate(fn func(spec string) error) CachedOption {
	return func(c *Cached) { c.validate = fn }
}

// WithFetchHook observes every resolve outcome, e.g. for metrics.
func WithFetchHook(fn func(kind Kind, result string)) CachedOption {
	return func(c *Cached) { c.hook = fn }
}

// Cached wraps an upstream fetch with a per-key TTL cache.
//
// At most one upstream call per kind is in flight: concurrent resolves of the
// same key share one call (singleflight) and different keys queue on a
// weight-1 semaphore. A failed refresh falls back to the last good snapshot
// while it is younger than MaxStale.
type Cached struct {
	kind   Kind
	fetch  FetchFunc
	policy Policy

	log       logx.Logger
	now       func() time.Time
	normalize func(string) string
	validate  func(string) error
	hook      func(Kind, string)
	warn      *logx.Throttle

	group   singleflight.Group
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	cache map[string]Snapshot
}

func NewCached(kind Kind, fetch FetchFunc, p Policy, opts ...CachedOption) *Cached {
	if p.FetchTimeout <= 0 {
		p.FetchTimeout = 10 * time.Second
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = 5
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = time.Minute
	}
	c := &Cached{
		kind:      kind,
		fetch:     fetch,
		policy:    p,
		log:       logx.Nop(),
		now:       time.Now,
		normalize: strings.TrimSpace,
		warn:      logx.NewThrottle(time.Minute),
		sem:       semaphore.NewWeighted(1),
		cache:     map[string]Snapshot{},
	}
	for _, o := range opts {
		o(c)
	}
	if p.RatePerMin > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(p.RatePerMin/60), burst)
	}
	failures := p.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 1,
		Timeout:     p.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("upstream breaker state changed",
				logx.String("kind", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return c
}

func (c *Cached) Kind() Kind { return c.kind }

func (c *Cached) ValidateSpec(spec string) error {
	if c.validate == nil {
		return nil
	}
	return c.validate(spec)
}

func (c *Cached) observe(result string) {
	if c.hook != nil {
		c.hook(c.kind, result)
	}
}

func (c *Cached) lookup(key string) (Snapshot, bool) {
	c.mu.RLock()
	s, ok := c.cache[key]
	c.mu.RUnlock()
	return s, ok
}

func (c *Cached) Resolve(ctx context.Context, spec string) (Snapshot, error) {
	key := c.normalize(spec)
	if snap, ok := c.lookup(key); ok && snap.Age(c.now()) <= c.policy.TTL {
		c.observe(FetchCached)
		return snap, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return c.fallback(key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return c.fallback(key, res.Err)
		}
		return res.Val.(Snapshot), nil
	}
}

// refresh performs one upstream call under the kind's semaphore, limiter and breaker.
func (c *Cached) refresh(ctx context.Context, key string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.policy.FetchTimeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Snapshot{}, err
	}
	defer c.sem.Release(1)

	// A queued refresh for this key may have been satisfied while waiting.
	if snap, ok := c.lookup(key); ok && snap.Age(c.now()) <= c.policy.TTL {
		return snap, nil
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.observe(FetchRateLimited)
		return Snapshot{}, errRateLimited
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.observe(FetchOpen)
		} else {
			c.observe(FetchError)
		}
		return Snapshot{}, err
	}
	if v == nil {
		c.observe(FetchError)
		return Snapshot{}, errors.New("upstream returned nil payload")
	}

	snap := Snapshot{Kind: c.kind, Payload: v, FetchedAt: c.now(), TTL: c.policy.TTL}
	c.mu.Lock()
	c.cache[key] = snap
	c.mu.Unlock()
	c.observe(FetchOK)
	return snap, nil
}

func (c *Cached) fallback(key string, cause error) (Snapshot, error) {
	now := c.now()
	if snap, ok := c.lookup(key); ok && c.policy.MaxStale > 0 && snap.Age(now) <= c.policy.MaxStale {
		snap.Stale = true
		c.observe(FetchStale)
		if c.warn.Allow(now) {
			c.log.Warn("serving stale content",
				logx.String("kind", string(c.kind)), logx.Duration("age", snap.Age(now)), logx.Err(cause))
		}
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.kind, cause)
}

// Invalidate drops every cached snapshot.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.cache = map[string]Snapshot{}
	c.mu.Unlock()
}
