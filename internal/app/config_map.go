package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"vestabot/internal/config"
	"vestabot/internal/content"
	"vestabot/internal/device"
	"vestabot/internal/dispatch"
	"vestabot/internal/httpapi"
	"vestabot/internal/notifier"
	"vestabot/internal/scheduler"
	"vestabot/internal/storage"
	logx "vestabot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		LogRetention: sc.LogRetention,
	}, nil
}

func mapDeviceConfig(cfg *config.Config) (device.Config, error) {
	dc := cfg.Device
	out := device.Config{
		URL:      dc.URL,
		Key:      dc.Key,
		Model:    dc.Model,
		Rows:     dc.Rows,
		Cols:     dc.Cols,
		RetryMax: 3,
	}
	if dc.RetryMax != nil {
		out.RetryMax = *dc.RetryMax
	}
	var err error
	if out.AttemptTimeout, err = config.Duration("device.attempt_timeout", dc.AttemptTimeout, 10*time.Second); err != nil {
		return device.Config{}, err
	}
	if out.RetryBase, err = config.Duration("device.retry_base", dc.RetryBase, 500*time.Millisecond); err != nil {
		return device.Config{}, err
	}
	if out.RetryMaxDelay, err = config.Duration("device.retry_max_delay", dc.RetryMaxDelay, 10*time.Second); err != nil {
		return device.Config{}, err
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	resolve, err := config.Duration("dispatch.resolve_timeout", dc.ResolveTimeout, 20*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	send, err := config.Duration("dispatch.send_timeout", dc.SendTimeout, 60*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		ResolveTimeout: resolve,
		SendTimeout:    send,
		HistorySize:    dc.HistorySize,
		HighWater:      dc.HighWater,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.Duration("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		TickInterval: tick,
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
		SeedDefaults: cfg.Scheduler.SeedDefaults,
	}, nil
}

// sourcesLocation is the zone countdowns and the calendar day are computed in.
func sourcesLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Sources.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Scheduler.Timezone)
	}
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("sources.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapPolicy(kind string, cc config.CacheConfig, defTTL, defStale time.Duration) (content.Policy, error) {
	p := "sources." + kind + ".cache."
	var (
		out content.Policy
		err error
	)
	if out.TTL, err = config.Duration(p+"ttl", cc.TTL, defTTL); err != nil {
		return content.Policy{}, err
	}
	if out.MaxStale, err = config.Duration(p+"max_stale", cc.MaxStale, defStale); err != nil {
		return content.Policy{}, err
	}
	if out.FetchTimeout, err = config.Duration(p+"fetch_timeout", cc.FetchTimeout, 10*time.Second); err != nil {
		return content.Policy{}, err
	}
	if out.BreakerCooldown, err = config.Duration(p+"breaker_cooldown", cc.BreakerCooldown, time.Minute); err != nil {
		return content.Policy{}, err
	}
	out.RatePerMin = cc.RatePerMin
	out.Burst = cc.Burst
	if cc.BreakerFailures > 0 {
		out.BreakerFailures = uint32(cc.BreakerFailures)
	}
	return out, nil
}

func mapUpstreamDefaults(cfg *config.Config) content.UpstreamDefaults {
	return content.UpstreamDefaults{
		WeatherLocation: cfg.Sources.Weather.Location,
		StockSymbols:    cfg.Sources.Stocks.Symbols,
		CalendarURL:     cfg.Sources.Calendar.URL,
		NewsCategory:    cfg.Sources.News.Category,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	dedup, err := config.Duration("alerts.dedup_window", cfg.Alerts.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     cfg.Alerts.Enabled,
		AllFailures: cfg.Alerts.AllFailures,
		RatePerMin:  cfg.Alerts.RatePerMin,
		DedupWindow: dedup,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) notifier.TelegramConfig {
	return notifier.TelegramConfig{
		Token:    strings.TrimSpace(cfg.Alerts.Telegram.Token),
		ChatID:   cfg.Alerts.Telegram.ChatID,
		ThreadID: cfg.Alerts.Telegram.ThreadID,
	}
}

func mapHTTPConfig(cfg *config.Config, dc dispatch.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.Duration("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.Duration("http.write_timeout", hc.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	host := strings.TrimSpace(hc.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	return httpapi.Config{
		Addr:         net.JoinHostPort(host, strconv.Itoa(hc.Port)),
		ReadTimeout:  read,
		WriteTimeout: write,
		// A manual send may wait for a full resolve and a full send.
		WaitTimeout: dc.ResolveTimeout + dc.SendTimeout + 10*time.Second,
		Pprof:       hc.Pprof,
		PprofToken:  hc.PprofToken,
	}, nil
}
