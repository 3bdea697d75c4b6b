package storage

import (
	"context"
	"errors"
	"time"

	"vestabot/internal/schedule"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values: "memory", "sqlite", "postgres". Empty means "sqlite".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// LogRetention caps the dispatch log; older rows are pruned. 0 means 1000.
	LogRetention int
}

// Store is the persistence API used by the scheduler, the dispatch outcome
// recorder and the control surface.
type Store interface {
	schedule.Store
	schedule.CountdownStore

	AppendLog(ctx context.Context, e schedule.LogEntry) error
	// ListLog returns up to limit entries, newest first.
	ListLog(ctx context.Context, limit int) ([]schedule.LogEntry, error)
	Close() error
}

const defaultLogRetention = 1000

func (c Config) logRetention() int {
	if c.LogRetention <= 0 {
		return defaultLogRetention
	}
	return c.LogRetention
}
