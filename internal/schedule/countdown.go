package schedule

import (
	"context"
	"errors"
	"time"
)

var ErrCountdownNotFound = errors.New("countdown not found")

// Countdown is a named target date shown by the countdown content kind.
// Date is a calendar day, "2006-01-02", read in the scheduler's zone.
type Countdown struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Date      string    `json:"target_date"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// CountdownStore persists countdowns. List is ordered by Date, then ID.
type CountdownStore interface {
	ListCountdowns(ctx context.Context) ([]Countdown, error)
	GetCountdown(ctx context.Context, id int64) (Countdown, error)
	CreateCountdown(ctx context.Context, c Countdown) (Countdown, error)
	UpdateCountdown(ctx context.Context, c Countdown) (Countdown, error)
	DeleteCountdown(ctx context.Context, id int64) error
}
