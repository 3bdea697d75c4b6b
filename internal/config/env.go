package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays the environment variables the board tooling has always
// used. Non-empty values win over the file.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Device.URL, "VESTABOARD_LOCAL_URL")
	set(&cfg.Device.Key, "VESTABOARD_LOCAL_KEY")
	set(&cfg.Sources.Weather.APIKey, "OPENWEATHER_API_KEY")
	set(&cfg.Sources.Weather.Location, "WEATHER_LOCATION")
	set(&cfg.Sources.Calendar.URL, "CALENDAR_URL")
	set(&cfg.Sources.News.APIKey, "NEWS_API_KEY")
	set(&cfg.HTTP.Host, "WEB_HOST")
	set(&cfg.Storage.Path, "DB_PATH")
	set(&cfg.Storage.DSN, "DATABASE_URL")
	set(&cfg.Alerts.Telegram.Token, "TELEGRAM_BOT_TOKEN")

	if v := strings.TrimSpace(getenv("STOCK_SYMBOLS")); v != "" {
		var syms []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				syms = append(syms, s)
			}
		}
		cfg.Sources.Stocks.Symbols = syms
	}
	if v := strings.TrimSpace(getenv("WEB_PORT")); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
}
