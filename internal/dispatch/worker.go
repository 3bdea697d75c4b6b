package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "vestabot/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		// Drain before sleeping so a burst of submits is not lost to the cap-1 signal.
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			job, ok := s.pop()
			if !ok {
				break
			}
			s.finish(s.execute(ctx, job))
			s.mu.Lock()
			s.current = nil
			s.state = ""
			s.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
	}
}

// execute runs resolve, render and send for one job. Every failure, panics
// included, becomes a failed outcome.
func (s *Service) execute(ctx context.Context, job Job) (out Outcome) {
	out = Outcome{Job: job, AttemptedAt: s.now(), Stage: StateResolving}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in dispatch stage", logx.String("job", job.ID), logx.String("stage", string(out.Stage)),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out.Status = StatusFailed
			out.Err = fmt.Errorf("panic in %s: %v", out.Stage, r)
		}
	}()

	s.setState(StateResolving)
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	t0 := time.Now()
	snap, err := s.resolver.Resolve(rctx, job.Kind, job.Spec)
	cancel()
	s.observe(StateResolving, t0)
	if err != nil {
		out.Status, out.Err = StatusFailed, fmt.Errorf("resolve: %w", err)
		return out
	}
	out.Stale = snap.Stale

	out.Stage = StateRendering
	s.setState(StateRendering)
	t0 = time.Now()
	grid, err := s.renderer.Render(job.Kind, snap)
	s.observe(StateRendering, t0)
	if err != nil {
		out.Status, out.Err = StatusFailed, fmt.Errorf("render: %w", err)
		return out
	}
	out.Preview = grid.Preview()

	out.Stage = StateSending
	s.setState(StateSending)
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	t0 = time.Now()
	ack, err := s.sender.Send(sctx, grid)
	cancel()
	s.observe(StateSending, t0)
	out.Attempts = ack.Attempts
	if err != nil {
		out.Status, out.Err = StatusFailed, fmt.Errorf("send: %w", err)
		return out
	}

	out.Stage = StateSent
	out.Status = StatusSent
	return out
}

func (s *Service) observe(stage State, start time.Time) {
	if s.observer != nil {
		s.observer.StageDuration(string(stage), time.Since(start))
	}
}
