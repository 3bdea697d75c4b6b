// Package schedule defines the schedule record and the store contract the
// scheduler and the control surface depend on.
package schedule

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("schedule not found")
	// ErrConflict reports a lost compare-and-set on Version.
	ErrConflict = errors.New("schedule version conflict")
)

// Schedule is a recurring trigger bound to a content kind.
type Schedule struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"message_kind"`
	Spec     string `json:"content_spec"`
	CronExpr string `json:"cron_expression"`
	Enabled  bool   `json:"enabled"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	Version int64  `json:"version"`
	Invalid string `json:"invalid,omitempty"`

	LastStatus    string     `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastOutcomeAt *time.Time `json:"last_outcome_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether s should fire at now.
func (s Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now)
}

// Anchor is the reference time the next run is computed from when none is stored.
func (s Schedule) Anchor() time.Time {
	if s.LastRunAt != nil && s.LastRunAt.After(s.CreatedAt) {
		return *s.LastRunAt
	}
	return s.CreatedAt
}

// Outcome is the last dispatch result recorded on a schedule.
type Outcome struct {
	Status string
	Error  string
	At     time.Time
}

// Store persists schedules.
//
// Update and UpdateRunTimes compare Version and fail with ErrConflict when it
// moved; both bump Version on success. Update with Version 0 skips the check.
type Store interface {
	ListEnabled(ctx context.Context) ([]Schedule, error)
	List(ctx context.Context) ([]Schedule, error)
	Get(ctx context.Context, id int64) (Schedule, error)
	Create(ctx context.Context, s Schedule) (Schedule, error)
	Update(ctx context.Context, s Schedule) (Schedule, error)
	Delete(ctx context.Context, id int64) error
	UpdateRunTimes(ctx context.Context, id, version int64, lastRun time.Time, next *time.Time) (Schedule, error)
	FlagInvalid(ctx context.Context, id int64, reason string) error
	RecordOutcome(ctx context.Context, id int64, o Outcome) error
}

// LogEntry is one line of the dispatch log shown on the control surface.
type LogEntry struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	Source     string    `json:"source"`
	Kind       string    `json:"message_kind"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}
