package notifier

import (
	"context"
	"time"
)

type Config struct {
	Enabled     bool
	AllFailures bool
	RatePerMin  int
	DedupWindow time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 6
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Transport delivers one alert.
type Transport interface {
	SendText(ctx context.Context, text string) error
}

// Counters are lifetime totals.
type Counters struct {
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Deduped    uint64 `json:"deduped"`
	RateLimits uint64 `json:"rate_limited"`
}
