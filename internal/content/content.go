package content

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Kind string

const (
	KindText      Kind = "text"
	KindWeather   Kind = "weather"
	KindStocks    Kind = "stocks"
	KindCalendar  Kind = "calendar"
	KindNews      Kind = "news"
	KindCountdown Kind = "countdown"
	KindClear     Kind = "clear"
)

var (
	// ErrUnavailable means no fresh or acceptable stale content exists.
	ErrUnavailable = errors.New("content unavailable")
	ErrInvalidSpec = errors.New("invalid content spec")
	ErrUnknownKind = errors.New("unknown content kind")
)

// NormalizeKind lower-cases k and maps legacy aliases.
func NormalizeKind(k string) Kind {
	k = strings.ToLower(strings.TrimSpace(k))
	switch k {
	case "countdowns":
		return KindCountdown
	case "message":
		return KindText
	}
	return Kind(k)
}

// Snapshot is resolved content. It is shared read-only once returned.
type Snapshot struct {
	Kind      Kind
	Payload   any
	FetchedAt time.Time
	TTL       time.Duration
	Stale     bool
}

// Age returns how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration { return now.Sub(s.FetchedAt) }

type Source interface {
	Kind() Kind
	Resolve(ctx context.Context, spec string) (Snapshot, error)
}

// SpecValidator is implemented by sources that can check a spec without fetching.
type SpecValidator interface {
	ValidateSpec(spec string) error
}

// Registry maps kinds to sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[Kind]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: map[Kind]Source{}}
	for _, s := range sources {
		_ = r.Register(s)
	}
	return r
}

// Register adds src. A second source for the same kind replaces the first.
func (r *Registry) Register(src Source) error {
	if src == nil {
		return errors.New("content: nil source")
	}
	k := src.Kind()
	if k == "" {
		return errors.New("content: source without kind")
	}
	r.mu.Lock()
	r.sources[k] = src
	r.mu.Unlock()
	return nil
}

func (r *Registry) get(kind Kind) (Source, error) {
	r.mu.RLock()
	src, ok := r.sources[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return src, nil
}

func (r *Registry) Has(kind Kind) bool {
	_, err := r.get(kind)
	return err == nil
}

// Validate checks that kind is registered and spec is acceptable for it.
func (r *Registry) Validate(kind Kind, spec string) error {
	src, err := r.get(kind)
	if err != nil {
		return err
	}
	if v, ok := src.(SpecValidator); ok {
		if err := v.ValidateSpec(spec); err != nil {
			if errors.Is(err, ErrInvalidSpec) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	}
	return nil
}

func (r *Registry) Resolve(ctx context.Context, kind Kind, spec string) (Snapshot, error) {
	src, err := r.get(kind)
	if err != nil {
		return Snapshot{}, err
	}
	return src.Resolve(ctx, spec)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	out := make([]Kind, 0, len(r.sources))
	for k := range r.sources {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
