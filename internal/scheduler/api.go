package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vestabot/internal/content"
	"vestabot/internal/cronexpr"
	"vestabot/internal/dispatch"
	"vestabot/internal/schedule"
	logx "vestabot/pkg/logx"
)

// ErrInvalidSchedule reports a schedule with missing fields.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Patch is a partial edit. Nil fields keep their value. A non-zero Version
// makes the edit conditional.
type Patch struct {
	Name     *string `json:"name,omitempty"`
	Kind     *string `json:"message_kind,omitempty"`
	Spec     *string `json:"content_spec,omitempty"`
	CronExpr *string `json:"cron_expression,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Version  int64   `json:"version,omitempty"`
}

func (s *Service) List(ctx context.Context) ([]schedule.Schedule, error) { return s.store.List(ctx) }

func (s *Service) Get(ctx context.Context, id int64) (schedule.Schedule, error) {
	return s.store.Get(ctx, id)
}

// check normalizes sc and validates its name, cron expression and content spec.
func (s *Service) check(sc *schedule.Schedule) (cronexpr.Expr, error) {
	sc.Name = strings.TrimSpace(sc.Name)
	sc.CronExpr = strings.TrimSpace(sc.CronExpr)
	sc.Kind = string(content.NormalizeKind(sc.Kind))
	if sc.Name == "" {
		return cronexpr.Expr{}, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if err := cronexpr.Validate(sc.CronExpr); err != nil {
		return cronexpr.Expr{}, err
	}
	if s.validate != nil {
		if err := s.validate.Validate(content.Kind(sc.Kind), sc.Spec); err != nil {
			return cronexpr.Expr{}, err
		}
	}
	return cronexpr.Parse(sc.CronExpr)
}

// Create stores a new schedule. Enabled schedules get their first run computed from now.
func (s *Service) Create(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	expr, err := s.check(&sc)
	if err != nil {
		return schedule.Schedule{}, err
	}
	now := s.now().In(s.loc)
	sc.ID, sc.Version, sc.Invalid = 0, 0, ""
	sc.LastRunAt = nil
	sc.CreatedAt = now
	sc.NextRunAt = nextFrom(expr, sc.Enabled, now)

	out, err := s.store.Create(ctx, sc)
	if err != nil {
		return schedule.Schedule{}, err
	}
	s.log.Info("schedule created", logx.Int64("schedule", out.ID), logx.String("name", out.Name),
		logx.String("kind", out.Kind), logx.String("cron", out.CronExpr), logx.Bool("enabled", out.Enabled))
	return out, nil
}

// Update applies p to schedule id. The next run is recomputed from the edit
// time and a previous invalid flag is cleared.
func (s *Service) Update(ctx context.Context, id int64, p Patch) (schedule.Schedule, error) {
	sc, err := s.store.Get(ctx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if p.Version != 0 {
		if p.Version != sc.Version {
			return schedule.Schedule{}, fmt.Errorf("%w: %d", schedule.ErrConflict, id)
		}
	}
	if p.Name != nil {
		sc.Name = *p.Name
	}
	if p.Kind != nil {
		sc.Kind = *p.Kind
	}
	if p.Spec != nil {
		sc.Spec = *p.Spec
	}
	if p.CronExpr != nil {
		sc.CronExpr = *p.CronExpr
	}
	if p.Enabled != nil {
		sc.Enabled = *p.Enabled
	}
	expr, err := s.check(&sc)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.Invalid = ""
	sc.NextRunAt = nextFrom(expr, sc.Enabled, s.now().In(s.loc))

	out, err := s.store.Update(ctx, sc)
	if err != nil {
		return schedule.Schedule{}, err
	}
	s.log.Info("schedule updated", logx.Int64("schedule", out.ID), logx.String("name", out.Name),
		logx.Bool("enabled", out.Enabled), logx.Int64("version", out.Version))
	return out, nil
}

// SetEnabled toggles a schedule. Jobs already queued are not affected.
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) (schedule.Schedule, error) {
	return s.Update(ctx, id, Patch{Enabled: &enabled})
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("schedule deleted", logx.Int64("schedule", id))
	return nil
}

// RunNow submits a manual job with the schedule's content. Run times are left alone.
func (s *Service) RunNow(ctx context.Context, id int64) (string, error) {
	sc, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	jobID, err := s.submit.Submit(dispatch.Job{
		Source:     dispatch.SourceManual,
		Kind:       content.NormalizeKind(sc.Kind),
		Spec:       sc.Spec,
		ScheduleID: sc.ID,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("schedule run requested", logx.Int64("schedule", id), logx.String("job", jobID))
	return jobID, nil
}

func nextFrom(expr cronexpr.Expr, enabled bool, now time.Time) *time.Time {
	if !enabled {
		return nil
	}
	n := expr.Next(now)
	if n.IsZero() {
		return nil
	}
	return &n
}
