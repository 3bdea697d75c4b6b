package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Duration parses a config duration. Empty or zero values yield def.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks everything that can be checked without network access.
// Device URL and key are left to the commands that need them.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := Duration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Device.Model)) {
	case "", "flagship", "note":
	default:
		if c.Device.Rows <= 0 || c.Device.Cols <= 0 {
			errs = append(errs, fmt.Errorf("device.model: unknown model %q", c.Device.Model))
		}
	}
	if c.Device.Rows < 0 || c.Device.Cols < 0 {
		errs = append(errs, errors.New("device.rows and device.cols must be >= 0"))
	}
	if c.Device.RetryMax != nil && *c.Device.RetryMax < 0 {
		errs = append(errs, errors.New("device.retry_max must be >= 0"))
	}
	dur("device.attempt_timeout", c.Device.AttemptTimeout)
	dur("device.retry_base", c.Device.RetryBase)
	dur("device.retry_max_delay", c.Device.RetryMaxDelay)

	dur("scheduler.tick_interval", c.Scheduler.TickInterval)
	if d, err := Duration("scheduler.tick_interval", c.Scheduler.TickInterval, time.Minute); err == nil && d < time.Second {
		errs = append(errs, errors.New("scheduler.tick_interval must be >= 1s"))
	}
	for path, tz := range map[string]string{"scheduler.timezone": c.Scheduler.Timezone, "sources.timezone": c.Sources.Timezone} {
		if tz = strings.TrimSpace(tz); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid %q: %w", path, tz, err))
			}
		}
	}

	dur("dispatch.resolve_timeout", c.Dispatch.ResolveTimeout)
	dur("dispatch.send_timeout", c.Dispatch.SendTimeout)
	if c.Dispatch.HistorySize < 0 || c.Dispatch.HighWater < 0 {
		errs = append(errs, errors.New("dispatch.history_size and dispatch.high_water must be >= 0"))
	}

	for name, cc := range map[string]CacheConfig{
		"weather": c.Sources.Weather.Cache, "stocks": c.Sources.Stocks.Cache,
		"calendar": c.Sources.Calendar.Cache, "news": c.Sources.News.Cache,
	} {
		p := "sources." + name + ".cache."
		dur(p+"ttl", cc.TTL)
		dur(p+"max_stale", cc.MaxStale)
		dur(p+"fetch_timeout", cc.FetchTimeout)
		dur(p+"breaker_cooldown", cc.BreakerCooldown)
		if cc.RatePerMin < 0 || cc.Burst < 0 || cc.BreakerFailures < 0 {
			errs = append(errs, fmt.Errorf("%s*: rate_per_min, burst and breaker_failures must be >= 0", p))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	case "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	if c.Storage.LogRetention < 0 {
		errs = append(errs, errors.New("storage.log_retention must be >= 0"))
	}

	if c.HTTP.IsEnabled() && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("http.port: %d out of range", c.HTTP.Port))
	}
	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)

	if c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.Telegram.Token) == "" || c.Alerts.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("alerts.telegram.token and alerts.telegram.chat_id are required when alerts are enabled"))
		}
	}
	if c.Alerts.RatePerMin < 0 {
		errs = append(errs, errors.New("alerts.rate_per_min must be >= 0"))
	}
	dur("alerts.dedup_window", c.Alerts.DedupWindow)

	return errors.Join(errs...)
}
