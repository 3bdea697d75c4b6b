package app

import (
	"context"
	"errors"
	"time"

	"vestabot/internal/dispatch"
	"vestabot/internal/schedule"
	"vestabot/internal/storage"
	logx "vestabot/pkg/logx"
)

const recordTimeout = 5 * time.Second

// outcomeRecorder writes every outcome to the dispatch log and, for jobs that
// came from a schedule, onto the schedule itself.
type outcomeRecorder struct {
	store storage.Store
	log   logx.Logger
}

func (r outcomeRecorder) RecordOutcome(ctx context.Context, o dispatch.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	at := o.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	entry := schedule.LogEntry{
		JobID:      o.Job.ID,
		Source:     string(o.Job.Source),
		Kind:       string(o.Job.Kind),
		ScheduleID: o.Job.ScheduleID,
		Status:     string(o.Status),
		Error:      o.Error,
		Preview:    o.Preview,
		Attempts:   o.Attempts,
		CreatedAt:  at,
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.log.Warn("dispatch log append failed", logx.String("job", o.Job.ID), logx.Err(err))
	}

	if o.Job.ScheduleID <= 0 {
		return
	}
	err := r.store.RecordOutcome(ctx, o.Job.ScheduleID, schedule.Outcome{Status: string(o.Status), Error: o.Error, At: at})
	switch {
	case err == nil:
	case errors.Is(err, schedule.ErrNotFound):
		r.log.Debug("outcome for deleted schedule", logx.Int64("schedule", o.Job.ScheduleID), logx.String("job", o.Job.ID))
	default:
		r.log.Warn("schedule outcome record failed", logx.Int64("schedule", o.Job.ScheduleID), logx.Err(err))
	}
}
