package dispatch

import (
	"context"
	"errors"
	"time"

	"vestabot/internal/content"
	"vestabot/internal/device"
	"vestabot/internal/render"
)

var (
	// ErrInvalidJob rejects malformed jobs: unknown source, unknown kind or invalid spec.
	ErrInvalidJob = errors.New("invalid job")
	ErrStopped    = errors.New("dispatch stopped")
	// ErrSuperseded is the cause recorded on coalesced jobs.
	ErrSuperseded = errors.New("superseded by a newer job")
)

type Source string

const (
	SourceScheduled Source = "scheduled"
	SourceWebhook   Source = "webhook"
	SourceManual    Source = "manual"
)

func (s Source) Valid() bool {
	switch s {
	case SourceScheduled, SourceWebhook, SourceManual:
		return true
	}
	return false
}

type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// DefaultPriority is the priority a job from src gets when none is set.
func DefaultPriority(src Source) Priority {
	if src == SourceScheduled {
		return PriorityNormal
	}
	return PriorityHigh
}

type State string

const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateRendering State = "rendering"
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Job is one request to put content on the board. It is consumed exactly once.
type Job struct {
	ID          string       `json:"id"`
	Source      Source       `json:"source"`
	Kind        content.Kind `json:"message_kind"`
	Spec        string       `json:"content_spec,omitempty"`
	ScheduleID  int64        `json:"schedule_id,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Priority    Priority     `json:"priority"`
}

// Outcome is the final result of a job.
type Outcome struct {
	Job         Job       `json:"job"`
	Status      Status    `json:"status"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	Stage       State     `json:"stage,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Attempts    int       `json:"attempts"`
	Stale       bool      `json:"stale,omitempty"`
	Preview     string    `json:"preview,omitempty"`
}

type Config struct {
	ResolveTimeout time.Duration
	SendTimeout    time.Duration
	HistorySize    int
	// HighWater logs a throttled warning when this many jobs are pending.
	HighWater int
}

func (c Config) withDefaults() Config {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 20 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 60 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.HighWater <= 0 {
		c.HighWater = 50
	}
	return c
}

// Resolver turns a kind and spec into content.
type Resolver interface {
	Resolve(ctx context.Context, kind content.Kind, spec string) (content.Snapshot, error)
	Validate(kind content.Kind, spec string) error
}

type Renderer interface {
	Render(kind content.Kind, snap content.Snapshot) (render.Grid, error)
}

type Sender interface {
	Send(ctx context.Context, g render.Grid) (device.Ack, error)
}

// OutcomeRecorder persists outcomes. Errors are the recorder's to log.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o Outcome)
}

// Observer receives metrics hooks. All methods must be cheap.
type Observer interface {
	JobSubmitted(source, kind string)
	JobFinished(status, kind string)
	StageDuration(stage string, d time.Duration)
	QueueDepth(n int)
}

// Counters are lifetime totals.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

// Snapshot is a view for the control surface.
type Snapshot struct {
	Running  bool      `json:"running"`
	Pending  int       `json:"pending"`
	Current  *Job      `json:"current,omitempty"`
	State    State     `json:"state,omitempty"`
	Counters Counters  `json:"counters"`
	History  []Outcome `json:"history"`
}
