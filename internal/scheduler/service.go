package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"vestabot/internal/content"
	"vestabot/internal/cronexpr"
	"vestabot/internal/dispatch"
	"vestabot/internal/eventbus"
	"vestabot/internal/schedule"
	logx "vestabot/pkg/logx"
)

type Config struct {
	TickInterval time.Duration
	Timezone     string // IANA TZ; empty means local
	SeedDefaults bool
}

// Submitter accepts jobs. *dispatch.Service satisfies it.
type Submitter interface {
	Submit(job dispatch.Job) (string, error)
}

// Validator checks a kind and spec. *content.Registry satisfies it.
type Validator interface {
	Validate(kind content.Kind, spec string) error
}

// Observer receives tick metrics.
type Observer interface {
	Tick(d time.Duration, err error)
	Fired(kind string)
}

type Service struct {
	cfg      Config
	loc      *time.Location
	log      logx.Logger
	store    schedule.Store
	submit   Submitter
	validate Validator
	bus      eventbus.Bus
	observer Observer
	now      func() time.Time

	warn *logx.Throttle
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithObserver(o Observer) Option        { return func(s *Service) { s.observer = o } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store schedule.Store, submit Submitter, validate Validator, log logx.Logger, opts ...Option) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		store:    store,
		submit:   submit,
		validate: validate,
		now:      time.Now,
		warn:     logx.NewThrottle(5 * time.Minute),
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	for _, o := range opts {
		o(s)
	}
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// Run ticks once immediately and then on every interval boundary until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("tick loop started", logx.Duration("interval", s.cfg.TickInterval), logx.String("tz", s.loc.String()))
	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil && s.warn.Allow(s.now()) {
			s.log.Warn("tick failed", logx.Err(err))
		}
		t := time.NewTimer(untilBoundary(s.now(), s.cfg.TickInterval))
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("tick loop stopped")
			return nil
		case <-t.C:
		}
	}
}

// untilBoundary is the wait until the next multiple of every.
func untilBoundary(now time.Time, every time.Duration) time.Duration {
	d := every - time.Duration(now.UnixNano()%int64(every))
	if d <= 0 {
		d = every
	}
	return d
}

// Tick fires every due schedule once and returns how many jobs were submitted.
func (s *Service) Tick(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	fired, err := s.tick(ctx, now.In(s.loc))
	if s.observer != nil {
		s.observer.Tick(time.Since(start), err)
	}
	return fired, err
}

func (s *Service) tick(ctx context.Context, now time.Time) (int, error) {
	list, err := s.store.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, sc := range list {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if sc.Invalid != "" || !sc.Enabled {
			continue
		}
		if err := cronexpr.Validate(sc.CronExpr); err != nil {
			s.flag(ctx, sc, err)
			continue
		}
		expr, _ := cronexpr.Parse(sc.CronExpr)
		if sc.NextRunAt == nil {
			var err error
			sc, err = s.backfill(ctx, sc, expr)
			if err != nil {
				if !errors.Is(err, schedule.ErrConflict) {
					s.log.Warn("next run backfill failed", logx.Int64("schedule", sc.ID), logx.Err(err))
				}
				continue
			}
		}
		if !sc.Due(now) {
			continue
		}
		if s.fire(ctx, sc, expr, now) {
			fired++
		}
	}
	if fired > 0 {
		s.log.Debug("tick done", logx.Int("fired", fired), logx.Int("enabled", len(list)))
	}
	return fired, nil
}

// fire claims the run and submits its job. It reports whether a job was submitted.
func (s *Service) fire(ctx context.Context, sc schedule.Schedule, expr cronexpr.Expr, now time.Time) bool {
	var next *time.Time
	if n := expr.Next(now); !n.IsZero() {
		next = &n
	}
	claimed, err := s.store.UpdateRunTimes(ctx, sc.ID, sc.Version, now, next)
	if err != nil {
		if errors.Is(err, schedule.ErrConflict) {
			s.log.Debug("run claimed elsewhere", logx.Int64("schedule", sc.ID), logx.String("name", sc.Name))
		} else {
			s.log.Warn("claim failed", logx.Int64("schedule", sc.ID), logx.Err(err))
		}
		return false
	}

	job := dispatch.Job{
		Source:     dispatch.SourceScheduled,
		Kind:       content.NormalizeKind(claimed.Kind),
		Spec:       claimed.Spec,
		ScheduleID: claimed.ID,
	}
	id, err := s.submit.Submit(job)
	if err != nil {
		s.log.Warn("tick.submit_failed", logx.Int64("schedule", sc.ID), logx.String("name", sc.Name), logx.Err(err))
		if rerr := s.store.RecordOutcome(ctx, sc.ID, schedule.Outcome{Status: string(dispatch.StatusFailed), Error: err.Error(), At: now}); rerr != nil {
			s.log.Warn("record outcome failed", logx.Int64("schedule", sc.ID), logx.Err(rerr))
		}
		return false
	}

	fields := []logx.Field{
		logx.Int64("schedule", sc.ID), logx.String("name", sc.Name),
		logx.String("kind", string(job.Kind)), logx.String("job", id),
	}
	if next != nil {
		fields = append(fields, logx.Time("next", *next))
	}
	s.log.Info("tick.fired", fields...)
	if s.observer != nil {
		s.observer.Fired(string(job.Kind))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Time: now, Data: claimed})
	}
	return true
}

func (s *Service) backfill(ctx context.Context, sc schedule.Schedule, expr cronexpr.Expr) (schedule.Schedule, error) {
	next := expr.Next(sc.Anchor().In(s.loc))
	if next.IsZero() {
		return sc, cronexpr.ErrInvalidCronExpression
	}
	sc.NextRunAt = &next
	updated, err := s.store.Update(ctx, sc)
	if err != nil {
		return sc, err
	}
	s.log.Debug("next run backfilled", logx.Int64("schedule", sc.ID), logx.Time("next", next))
	return updated, nil
}

func (s *Service) flag(ctx context.Context, sc schedule.Schedule, cause error) {
	s.log.Warn("schedule flagged invalid", logx.Int64("schedule", sc.ID), logx.String("name", sc.Name),
		logx.String("cron", sc.CronExpr), logx.Err(cause))
	if err := s.store.FlagInvalid(ctx, sc.ID, cause.Error()); err != nil {
		s.log.Warn("flag invalid failed", logx.Int64("schedule", sc.ID), logx.Err(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFlag, Time: s.now(), Data: sc})
	}
}
