package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"vestabot/internal/device"
	"vestabot/internal/dispatch"
	"vestabot/internal/eventbus"
	logx "vestabot/pkg/logx"
	"vestabot/pkg/tgui"
)

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu        sync.Mutex
	cfg       Config
	transport Transport
	limiter *rate.Limiter
	dedup   map[string]time.Time

	sent, failed, deduped, limited atomic.Uint64
}

func New(cfg Config, transport Transport, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:       log.With(logx.String("comp", "notifier")),
		transport: transport,
		bus:       bus,
		now:       time.Now,
		dedup:     map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the alert policy at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	// Burst equals the per-minute budget.
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin)
}

// SetTransport replaces the alert transport. A nil transport disables alerts.
func (s *Service) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.transport != nil
}

func (s *Service) Counters() Counters {
	return Counters{Sent: s.sent.Load(), Failed: s.failed.Load(), Deduped: s.deduped.Load(), RateLimits: s.limited.Load()}
}

// Run consumes dispatch.failed events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.bus == nil {
		return errors.New("notifier: no event bus")
	}
	ch, unsub := s.bus.Subscribe(64, eventbus.TypeJobFailed)
	defer unsub()
	s.log.Debug("alert loop started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			out, ok := ev.Data.(dispatch.Outcome)
			if !ok {
				continue
			}
			s.Handle(ctx, out)
		}
	}
}

// Handle applies the alert policy to one failed outcome.
func (s *Service) Handle(ctx context.Context, out dispatch.Outcome) {
	s.mu.Lock()
	cfg, limiter, transport := s.cfg, s.limiter, s.transport
	s.mu.Unlock()
	if !cfg.Enabled || transport == nil || out.Status != dispatch.StatusFailed {
		return
	}
	auth := errors.Is(out.Err, device.ErrAuth)
	if !auth && !cfg.AllFailures {
		return
	}

	now := s.now()
	text := formatAlert(out, auth)
	if cfg.DedupWindow > 0 && !s.dedupAllow(alertKey(out), now, cfg.DedupWindow) {
		s.deduped.Add(1)
		return
	}
	if !limiter.AllowN(now, 1) {
		s.limited.Add(1)
		s.log.Debug("alert rate limited", logx.String("job", out.Job.ID))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if err := transport.SendText(sctx, text); err != nil {
		s.failed.Add(1)
		s.log.Warn("alert send failed", logx.String("job", out.Job.ID), logx.Err(err))
		return
	}
	s.sent.Add(1)
	s.log.Info("alert sent", logx.String("job", out.Job.ID), logx.Bool("auth", auth))
}

func (s *Service) dedupAllow(key string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	if len(s.dedup) > 512 {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

// alertKey groups failures by kind, stage and error text.
func alertKey(out dispatch.Outcome) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(out.Job.Kind))
	_, _ = h.Write([]byte("|" + string(out.Stage) + "|"))
	_, _ = h.Write([]byte(out.Error))
	return fmt.Sprintf("%x", h.Sum64())
}

// maxAlertError bounds the error text so one alert stays under Telegram's message limit.
const maxAlertError = 1000

func formatAlert(out dispatch.Outcome, auth bool) string {
	title := tgui.B("vestabot: job failed")
	if auth {
		title = tgui.B("vestabot: the board rejected the API key")
	}
	errText := out.Error
	if errText == "" && out.Err != nil {
		errText = out.Err.Error()
	}
	lines := []tgui.H{
		title,
		tgui.Field("kind", fmt.Sprintf("%s (%s)", out.Job.Kind, out.Job.Source)),
	}
	if out.Job.ScheduleID != 0 {
		lines = append(lines, tgui.Field("schedule", strconv.FormatInt(out.Job.ScheduleID, 10)))
	}
	if out.Stage != "" {
		lines = append(lines, tgui.Field("stage", string(out.Stage)))
	}
	if out.Attempts > 0 {
		lines = append(lines, tgui.Field("attempts", strconv.Itoa(out.Attempts)))
	}
	lines = append(lines, "error: "+tgui.Code(tgui.TruncRunes(errText, maxAlertError)))
	return tgui.JoinH("\n", lines...).String()
}
