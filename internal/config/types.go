package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty string means the default.
type Config struct {
	Device    DeviceConfig    `json:"device"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Sources   SourcesConfig   `json:"sources"`
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Alerts    AlertsConfig    `json:"alerts"`
}

// DeviceConfig points at the board's Local API.
//
// Model is "flagship" (6x22) or "note" (3x15). Rows and Cols override the model.
type DeviceConfig struct {
	URL   string `json:"url"`
	Key   string `json:"key"`
	Model string `json:"model,omitempty"`
	Rows  int    `json:"rows,omitempty"`
	Cols  int    `json:"cols,omitempty"`

	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	RetryMax       *int   `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

type SchedulerConfig struct {
	// Enabled is a pointer so an omitted key keeps the default (true).
	Enabled      *bool  `json:"enabled,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	SeedDefaults bool   `json:"seed_defaults"`
}

func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type DispatchConfig struct {
	ResolveTimeout string `json:"resolve_timeout,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	HighWater      int    `json:"high_water,omitempty"`
}

// CacheConfig is the per-kind upstream policy.
type CacheConfig struct {
	TTL             string  `json:"ttl,omitempty"`
	MaxStale        string  `json:"max_stale,omitempty"`
	FetchTimeout    string  `json:"fetch_timeout,omitempty"`
	RatePerMin      float64 `json:"rate_per_min,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	BreakerFailures int     `json:"breaker_failures,omitempty"`
	BreakerCooldown string  `json:"breaker_cooldown,omitempty"`
}

type SourcesConfig struct {
	// Timezone for countdowns and the calendar day. Empty means scheduler.timezone.
	Timezone string `json:"timezone,omitempty"`
	// Countdowns is the default countdown list, "NAME=YYYY-MM-DD;NAME=YYYY-MM-DD".
	Countdowns string         `json:"countdowns,omitempty"`
	Weather    WeatherSource  `json:"weather"`
	Stocks     StocksSource   `json:"stocks"`
	Calendar   CalendarSource `json:"calendar"`
	News       NewsSource     `json:"news"`
}

type WeatherSource struct {
	APIKey   string      `json:"api_key,omitempty"`
	Location string      `json:"location,omitempty"`
	BaseURL  string      `json:"base_url,omitempty"`
	Cache    CacheConfig `json:"cache"`
}

type StocksSource struct {
	Symbols []string    `json:"symbols,omitempty"`
	BaseURL string      `json:"base_url,omitempty"`
	Cache   CacheConfig `json:"cache"`
}

type CalendarSource struct {
	URL   string      `json:"url,omitempty"`
	Cache CacheConfig `json:"cache"`
}

type NewsSource struct {
	APIKey   string      `json:"api_key,omitempty"`
	Category string      `json:"category,omitempty"`
	BaseURL  string      `json:"base_url,omitempty"`
	Cache    CacheConfig `json:"cache"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "data/vestaboard.db" }
type StorageConfig struct {
	Driver       string `json:"driver,omitempty"` // memory | sqlite | postgres
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	LogRetention int    `json:"log_retention,omitempty"`
}

// HTTPConfig controls the control surface and webhook inbox.
//
// Pprof mounts net/http/pprof under /debug/pprof/. Prefer a loopback Host when
// enabled; PprofToken then guards it with a bearer token.
type HTTPConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	PprofToken   string `json:"pprof_token,omitempty"`
}

func (c HTTPConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertsConfig controls Telegram alerts for failed jobs.
type AlertsConfig struct {
	Enabled     bool           `json:"enabled"`
	AllFailures bool           `json:"all_failures,omitempty"`
	RatePerMin  int            `json:"rate_per_min,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Telegram    TelegramTarget `json:"telegram"`
}

type TelegramTarget struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{Model: "flagship"},
		Scheduler: SchedulerConfig{
			TickInterval: "1m",
			SeedDefaults: true,
		},
		Sources: SourcesConfig{
			Weather: WeatherSource{Location: "Seattle,WA,US"},
			Stocks:  StocksSource{Symbols: []string{"SPY", "QQQ"}},
			News:    NewsSource{Category: "general"},
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "data/vestaboard.db"},
		HTTP:    HTTPConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}
