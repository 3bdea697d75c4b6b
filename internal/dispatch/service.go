package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vestabot/internal/content"
	"vestabot/internal/device"
	"vestabot/internal/eventbus"
	logx "vestabot/pkg/logx"
)

type entry struct {
	job Job
	seq uint64
}

// Service serializes jobs onto the board with a single worker.
//
// Pending jobs are ordered by priority, then arrival. A scheduled job
// supersedes a pending scheduled job of the same kind. The worker is the only
// caller of Sender.Send, so at most one write is in flight.
type Service struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	resolver Resolver
	renderer Renderer
	sender   Sender
	recorder OutcomeRecorder
	observer Observer
	now      func() time.Time

	emu     sync.Mutex
	mu      sync.Mutex
	pending []entry
	seq     uint64
	waiters map[string][]chan Outcome
	current *Job
	state   State
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	signal  chan struct{}

	submitted, sent, failed, skipped atomic.Uint64

	hmu     sync.Mutex
	history []Outcome

	warn *logx.Throttle
}

type Option func(*Service)

func WithRecorder(r OutcomeRecorder) Option { return func(s *Service) { s.recorder = r } }
func WithObserver(o Observer) Option        { return func(s *Service) { s.observer = o } }
func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, resolver Resolver, renderer Renderer, sender Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "dispatch")),
		resolver: resolver,
		renderer: renderer,
		sender:   sender,
		now:      time.Now,
		waiters:  map[string][]chan Outcome{},
		signal:   make(chan struct{}, 1),
		warn:     logx.NewThrottle(time.Minute),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the worker. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func(done chan struct{}) {
		defer close(done)
		s.log.Debug("worker started")
		s.worker(runCtx)
		s.log.Debug("worker stopped")
	}(s.done)

	s.log.Info("service started",
		logx.Duration("resolve_timeout", s.cfg.ResolveTimeout), logx.Duration("send_timeout", s.cfg.SendTimeout))
	return nil
}

// Stop rejects new jobs, cancels the in-flight one and fails everything pending.
func (s *Service) Stop(ctx context.Context) error {
	start := s.now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	left := s.pending
	s.pending = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, e := range left {
		s.finish(Outcome{Job: e.job, Status: StatusFailed, Err: ErrStopped, Stage: StatePending})
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info("service stopped", logx.Duration("took", s.now().Sub(start)), logx.Int("dropped_pending", len(left)))
	return nil
}

func (s *Service) prepare(job Job) (Job, error) {
	if !job.Source.Valid() {
		return job, fmt.Errorf("%w: unknown source %q", ErrInvalidJob, job.Source)
	}
	job.Kind = content.NormalizeKind(string(job.Kind))
	if err := s.resolver.Validate(job.Kind, job.Spec); err != nil {
		return job, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = s.now()
	}
	if job.Priority == 0 {
		job.Priority = DefaultPriority(job.Source)
	}
	return job, nil
}

// Submit validates and enqueues job, returning its id. It never blocks on
// queue pressure; only malformed jobs and a stopped service are rejected.
func (s *Service) Submit(job Job) (string, error) {
	job, err := s.prepare(job)
	if err != nil {
		return "", err
	}
	return job.ID, s.enqueue(job)
}

// SubmitWait submits job and waits for its outcome.
func (s *Service) SubmitWait(ctx context.Context, job Job) (Outcome, error) {
	job, err := s.prepare(job)
	if err != nil {
		return Outcome{}, err
	}
	ch := make(chan Outcome, 1)
	s.mu.Lock()
	s.waiters[job.ID] = append(s.waiters[job.ID], ch)
	s.mu.Unlock()

	if err := s.enqueue(job); err != nil {
		s.dropWaiter(job.ID, ch)
		return Outcome{}, err
	}
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		s.dropWaiter(job.ID, ch)
		return Outcome{}, ctx.Err()
	}
}

func (s *Service) dropWaiter(id string, ch chan Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[id]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = ws
	}
}

func (s *Service) enqueue(job Job) error {
	// Enqueues are serialized so a superseded job is finished before its
	// replacement becomes visible to the worker.
	s.emu.Lock()
	defer s.emu.Unlock()

	var superseded []Job
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if job.Source == SourceScheduled {
		kept := s.pending[:0]
		for _, e := range s.pending {
			if e.job.Source == SourceScheduled && e.job.Kind == job.Kind {
				superseded = append(superseded, e.job)
				continue
			}
			kept = append(kept, e)
		}
		s.pending = kept
	}
	s.mu.Unlock()

	for _, old := range superseded {
		s.finish(Outcome{Job: old, Status: StatusSkipped, Err: ErrSuperseded, Stage: StatePending})
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.seq++
	s.pending = append(s.pending, entry{job: job, seq: s.seq})
	depth := len(s.pending)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}

	s.submitted.Add(1)
	if s.observer != nil {
		s.observer.JobSubmitted(string(job.Source), string(job.Kind))
		s.observer.QueueDepth(depth)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobQueued, Time: s.now(), Data: job})
	}
	s.log.Debug("job.queued", logx.String("job", job.ID), logx.String("source", string(job.Source)),
		logx.String("kind", string(job.Kind)), logx.Int("pending", depth))
	if depth >= s.cfg.HighWater && s.warn.Allow(s.now()) {
		s.log.Warn("dispatch backlog high", logx.Int("pending", depth), logx.Int("high_water", s.cfg.HighWater))
	}
	return nil
}

// pop removes the highest-priority, oldest pending job.
func (s *Service) pop() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Job{}, false
	}
	best := 0
	for i := 1; i < len(s.pending); i++ {
		a, b := s.pending[i], s.pending[best]
		if a.job.Priority > b.job.Priority || (a.job.Priority == b.job.Priority && a.seq < b.seq) {
			best = i
		}
	}
	job := s.pending[best].job
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	s.current = &job
	s.state = StatePending
	if s.observer != nil {
		s.observer.QueueDepth(len(s.pending))
	}
	return job, true
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Service) finish(out Outcome) {
	if out.FinishedAt.IsZero() {
		out.FinishedAt = s.now()
	}
	if out.Err != nil {
		out.Error = out.Err.Error()
	}

	var evType string
	switch out.Status {
	case StatusSent:
		s.sent.Add(1)
		evType = eventbus.TypeJobSent
		s.log.Info("job.sent", logx.String("job", out.Job.ID), logx.String("kind", string(out.Job.Kind)),
			logx.String("source", string(out.Job.Source)), logx.Int("attempts", out.Attempts),
			logx.Bool("stale", out.Stale), logx.Duration("took", out.FinishedAt.Sub(out.AttemptedAt)))
	case StatusSkipped:
		s.skipped.Add(1)
		evType = eventbus.TypeJobSkipped
		s.log.Info("job.skipped", logx.String("job", out.Job.ID), logx.String("kind", string(out.Job.Kind)), logx.Err(out.Err))
	default:
		s.failed.Add(1)
		evType = eventbus.TypeJobFailed
		fields := []logx.Field{
			logx.String("job", out.Job.ID), logx.String("kind", string(out.Job.Kind)),
			logx.String("source", string(out.Job.Source)), logx.String("stage", string(out.Stage)),
			logx.Int("attempts", out.Attempts), logx.Err(out.Err),
		}
		if isAuth(out.Err) {
			s.log.Error("job.failed", fields...)
		} else {
			s.log.Warn("job.failed", fields...)
		}
	}

	s.hmu.Lock()
	s.history = append(s.history, out)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()

	if s.observer != nil {
		s.observer.JobFinished(string(out.Status), string(out.Job.Kind))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: evType, Time: out.FinishedAt, Data: out})
	}
	if s.recorder != nil {
		s.recorder.RecordOutcome(context.Background(), out)
	}

	s.mu.Lock()
	ws := s.waiters[out.Job.ID]
	delete(s.waiters, out.Job.ID)
	s.mu.Unlock()
	for _, ch := range ws {
		ch <- out
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running: s.running && !s.stopped,
		Pending: len(s.pending),
		State:   s.state,
	}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	s.mu.Unlock()

	snap.Counters = Counters{
		Submitted: s.submitted.Load(),
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
	}
	s.hmu.Lock()
	snap.History = make([]Outcome, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

// History returns up to limit outcomes, newest first.
func (s *Service) History(limit int) []Outcome {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Outcome, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

func isAuth(err error) bool { return errors.Is(err, device.ErrAuth) }
