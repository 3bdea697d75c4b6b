package app

import (
	"context"
	"net/http"
	"time"

	"vestabot/internal/config"
	"vestabot/internal/content"
	"vestabot/internal/content/upstream"
	"vestabot/internal/schedule"
	logx "vestabot/pkg/logx"
)

// Default cache policy per upstream kind: TTL, then the staleness ceiling.
var defaultPolicies = map[content.Kind][2]time.Duration{
	content.KindWeather:  {10 * time.Minute, time.Hour},
	content.KindStocks:   {5 * time.Minute, 30 * time.Minute},
	content.KindCalendar: {15 * time.Minute, 2 * time.Hour},
	content.KindNews:     {30 * time.Minute, 3 * time.Hour},
}

// buildRegistry registers every content kind. hook receives upstream fetch results.
func buildRegistry(cfg *config.Config, loc *time.Location, hc *http.Client, countdowns schedule.CountdownStore, hook func(content.Kind, string), log logx.Logger) (*content.Registry, error) {
	now := func() time.Time { return time.Now().In(loc) }
	def := mapUpstreamDefaults(cfg)
	src := cfg.Sources

	policy := func(kind content.Kind, cc config.CacheConfig) (content.Policy, error) {
		d := defaultPolicies[kind]
		return mapPolicy(string(kind), cc, d[0], d[1])
	}
	opts := func(kind content.Kind) []content.CachedOption {
		return []content.CachedOption{
			content.WithLogger(log.With(logx.String("comp", "content"), logx.String("kind", string(kind)))),
			content.WithFetchHook(hook),
		}
	}

	wp, err := policy(content.KindWeather, src.Weather.Cache)
	if err != nil {
		return nil, err
	}
	sp, err := policy(content.KindStocks, src.Stocks.Cache)
	if err != nil {
		return nil, err
	}
	cp, err := policy(content.KindCalendar, src.Calendar.Cache)
	if err != nil {
		return nil, err
	}
	np, err := policy(content.KindNews, src.News.Cache)
	if err != nil {
		return nil, err
	}
	fallback, err := content.ParseCountdowns(src.Countdowns, loc)
	if err != nil {
		return nil, err
	}

	return content.NewRegistry(
		content.NewText(),
		content.NewClear(),
		content.NewCountdown(storedCountdowns(countdowns, fallback, loc, log), now),
		content.NewWeather(upstream.NewOpenWeather(src.Weather.BaseURL, src.Weather.APIKey, hc), def, wp, opts(content.KindWeather)...),
		content.NewStocks(upstream.NewYahoo(src.Stocks.BaseURL, hc), def, sp, opts(content.KindStocks)...),
		content.NewCalendar(upstream.NewICS(src.Calendar.URL, hc), def, cp, now, opts(content.KindCalendar)...),
		content.NewNews(upstream.NewNewsAPI(src.News.BaseURL, src.News.APIKey, hc), def, np, opts(content.KindNews)...),
	), nil
}

// storedCountdowns lists the enabled stored countdowns. The configured list is
// used only while the store holds none at all.
func storedCountdowns(store schedule.CountdownStore, fallback []content.CountdownEntry, loc *time.Location, log logx.Logger) content.CountdownLister {
	return func(ctx context.Context) ([]content.CountdownEntry, error) {
		list, err := store.ListCountdowns(ctx)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return fallback, nil
		}
		out := make([]content.CountdownEntry, 0, len(list))
		for _, c := range list {
			if !c.Enabled {
				continue
			}
			e, err := content.NewCountdownEntry(c.Name, c.Date, loc)
			if err != nil {
				log.Warn("stored countdown skipped", logx.Int64("countdown", c.ID), logx.Err(err))
				continue
			}
			out = append(out, e)
		}
		return out, nil
	}
}
