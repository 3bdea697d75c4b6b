package content

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"vestabot/internal/content/upstream"
)

// staticSource serves content that needs no upstream.
type staticSource struct {
	kind     Kind
	now      func() time.Time
	build    func(ctx context.Context, spec string, now time.Time) (any, error)
	validate func(spec string) error
}

func (s *staticSource) Kind() Kind { return s.kind }

func (s *staticSource) ValidateSpec(spec string) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(spec)
}

func (s *staticSource) Resolve(ctx context.Context, spec string) (Snapshot, error) {
	if err := s.ValidateSpec(spec); err != nil {
		return Snapshot{}, err
	}
	now := s.now()
	v, err := s.build(ctx, spec, now)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Kind: s.kind, Payload: v, FetchedAt: now}, nil
}

// NewText serves the spec verbatim as the message.
func NewText() Source {
	return &staticSource{
		kind: KindText,
		now:  time.Now,
		build: func(_ context.Context, spec string, _ time.Time) (any, error) {
			return Text{Message: strings.TrimSpace(spec)}, nil
		},
		validate: func(spec string) error {
			if strings.TrimSpace(spec) == "" {
				return fmt.Errorf("%w: text message is empty", ErrInvalidSpec)
			}
			return nil
		},
	}
}

// NewClear serves a blank board.
func NewClear() Source {
	return &staticSource{
		kind:  KindClear,
		now:   time.Now,
		build: func(context.Context, string, time.Time) (any, error) { return Clear{}, nil },
	}
}

// CountdownEntry is one target date.
type CountdownEntry struct {
	Name string
	Date time.Time
}

// NewCountdownEntry validates a name and a YYYY-MM-DD date in loc.
func NewCountdownEntry(name, date string, loc *time.Location) (CountdownEntry, error) {
	if loc == nil {
		loc = time.Local
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return CountdownEntry{}, fmt.Errorf("%w: countdown name is empty", ErrInvalidSpec)
	}
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), loc)
	if err != nil {
		return CountdownEntry{}, fmt.Errorf("%w: countdown %q: %v", ErrInvalidSpec, name, err)
	}
	return CountdownEntry{Name: name, Date: d}, nil
}

// ParseCountdowns parses "NAME=YYYY-MM-DD;NAME=YYYY-MM-DD". Dates are in loc.
func ParseCountdowns(spec string, loc *time.Location) ([]CountdownEntry, error) {
	var out []CountdownEntry
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, date, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: countdown %q: want NAME=YYYY-MM-DD", ErrInvalidSpec, part)
		}
		e, err := NewCountdownEntry(name, date, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DaysUntil counts calendar days from now's date to date. Negative means past.
func DaysUntil(now, date time.Time) int {
	return daysBetween(now, date)
}

// CountdownLister supplies the countdowns shown when a job has no spec.
type CountdownLister func(ctx context.Context) ([]CountdownEntry, error)

// NewCountdown serves days remaining until each target date. A non-empty spec
// lists the targets inline; otherwise list is asked. Past dates are dropped.
func NewCountdown(list CountdownLister, now func() time.Time) Source {
	if now == nil {
		now = time.Now
	}
	return &staticSource{
		kind: KindCountdown,
		now:  now,
		build: func(ctx context.Context, spec string, now time.Time) (any, error) {
			var entries []CountdownEntry
			var err error
			switch {
			case strings.TrimSpace(spec) != "":
				entries, err = ParseCountdowns(spec, now.Location())
			case list != nil:
				entries, err = list(ctx)
			}
			if err != nil {
				return nil, err
			}
			out := Countdowns{}
			for _, e := range entries {
				days := daysBetween(now, e.Date)
				if days < 0 {
					continue
				}
				out.Items = append(out.Items, Countdown{Name: e.Name, Days: days})
			}
			sort.SliceStable(out.Items, func(i, j int) bool { return out.Items[i].Days < out.Items[j].Days })
			return out, nil
		},
		validate: func(spec string) error {
			_, err := ParseCountdowns(spec, time.UTC)
			return err
		},
	}
}

// daysBetween counts calendar days, ignoring DST-shortened days.
func daysBetween(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// UpstreamDefaults are the spec values used when a job carries an empty spec.
type UpstreamDefaults struct {
	WeatherLocation string
	StockSymbols    []string
	CalendarURL     string
	NewsCategory    string
}

// NewWeather serves current conditions; spec overrides the location.
func NewWeather(c *upstream.OpenWeather, def UpstreamDefaults, p Policy, opts ...CachedOption) *Cached {
	normalize := func(spec string) string {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			spec = def.WeatherLocation
		}
		return strings.ToLower(spec)
	}
	fetch := func(ctx context.Context, key string) (any, error) {
		w, err := c.Current(ctx, key)
		if err != nil {
			return nil, err
		}
		return Weather(w), nil
	}
	opts = append([]CachedOption{WithNormalize(normalize)}, opts...)
	return NewCached(KindWeather, fetch, p, opts...)
}

// ParseSymbols splits a comma separated symbol list.
func ParseSymbols(spec string) []string {
	var out []string
	for _, s := range strings.Split(spec, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NewStocks serves quotes; spec is a comma separated symbol list.
func NewStocks(c *upstream.Yahoo, def UpstreamDefaults, p Policy, opts ...CachedOption) *Cached {
	normalize := func(spec string) string {
		syms := ParseSymbols(spec)
		if len(syms) == 0 {
			syms = def.StockSymbols
		}
		return strings.Join(syms, ",")
	}
	fetch := func(ctx context.Context, key string) (any, error) {
		quotes, err := c.Quotes(ctx, ParseSymbols(key))
		if err != nil {
			return nil, err
		}
		out := Stocks{Quotes: make([]Quote, 0, len(quotes))}
		for _, q := range quotes {
			out.Quotes = append(out.Quotes, Quote{Symbol: q.Symbol, Price: q.Price, ChangePercent: q.ChangePercent})
		}
		return out, nil
	}
	validate := func(spec string) error {
		for _, s := range ParseSymbols(spec) {
			if len(s) > 12 || strings.ContainsAny(s, " /?#") {
				return fmt.Errorf("%w: symbol %q", ErrInvalidSpec, s)
			}
		}
		return nil
	}
	opts = append([]CachedOption{WithNormalize(normalize), WithValidate(validate)}, opts...)
	return NewCached(KindStocks, fetch, p, opts...)
}

// NewCalendar serves today's events; spec overrides the ICS URL.
// The cache key includes the date so a cached day never leaks into the next.
func NewCalendar(c *upstream.ICS, def UpstreamDefaults, p Policy, now func() time.Time, opts ...CachedOption) *Cached {
	if now == nil {
		now = time.Now
	}
	normalize := func(spec string) string {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			spec = def.CalendarURL
		}
		return now().Format("2006-01-02") + "|" + spec
	}
	fetch := func(ctx context.Context, key string) (any, error) {
		_, url, _ := strings.Cut(key, "|")
		day := now()
		events, err := c.Day(ctx, url, day)
		if err != nil {
			return nil, err
		}
		out := Calendar{Day: day}
		for _, e := range events {
			out.Events = append(out.Events, Event{Title: e.Title, Start: e.Start, AllDay: e.AllDay})
		}
		return out, nil
	}
	validate := func(spec string) error {
		spec = strings.TrimSpace(spec)
		if spec != "" && !strings.HasPrefix(spec, "http://") && !strings.HasPrefix(spec, "https://") && !strings.HasPrefix(spec, "webcal://") {
			return fmt.Errorf("%w: calendar url %q", ErrInvalidSpec, spec)
		}
		return nil
	}
	opts = append([]CachedOption{WithNormalize(normalize), WithValidate(validate), WithClock(now)}, opts...)
	return NewCached(KindCalendar, fetch, p, opts...)
}

var newsCategories = map[string]bool{
	"business": true, "entertainment": true, "general": true, "health": true,
	"science": true, "sports": true, "technology": true,
}

// NewNews serves the top headline; spec is the NewsAPI category.
func NewNews(c *upstream.NewsAPI, def UpstreamDefaults, p Policy, opts ...CachedOption) *Cached {
	normalize := func(spec string) string {
		spec = strings.ToLower(strings.TrimSpace(spec))
		if spec == "" {
			spec = def.NewsCategory
		}
		if spec == "" {
			spec = "general"
		}
		return spec
	}
	fetch := func(ctx context.Context, key string) (any, error) {
		hs, err := c.TopHeadlines(ctx, key, 1)
		if err != nil {
			return nil, err
		}
		return News{Headline: hs[0].Title, Source: hs[0].Source}, nil
	}
	validate := func(spec string) error {
		spec = strings.ToLower(strings.TrimSpace(spec))
		if spec != "" && !newsCategories[spec] {
			return fmt.Errorf("%w: news category %q", ErrInvalidSpec, spec)
		}
		return nil
	}
	opts = append([]CachedOption{WithNormalize(normalize), WithValidate(validate)}, opts...)
	return NewCached(KindNews, fetch, p, opts...)
}
