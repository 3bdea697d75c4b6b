package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vestabot/internal/config"
	"vestabot/internal/content"
	"vestabot/internal/device"
	"vestabot/internal/dispatch"
	"vestabot/internal/eventbus"
	"vestabot/internal/httpapi"
	"vestabot/internal/metrics"
	"vestabot/internal/notifier"
	"vestabot/internal/render"
	"vestabot/internal/runtime/supervisor"
	"vestabot/internal/scheduler"
	"vestabot/internal/storage"
	logx "vestabot/pkg/logx"
	"vestabot/pkg/systemd"
)

const discoverTimeout = 5 * time.Second

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *supervisor.Supervisor

	store    storage.Store
	metrics  *metrics.Metrics
	registry *content.Registry
	renderer *render.Renderer
	device   *device.Client
	dispatch *dispatch.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	http     *httpapi.Server
}

// New builds every component from the manager's current config. Nothing runs until Start.
func New(cfgm *config.Manager) (_ *App, err error) {
	cfg := cfgm.Get()
	if cfg == nil {
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, cfg: cfg, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	defer func() {
		if err != nil {
			a.closeStore()
			_ = logSvc.Close()
		}
	}()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()
	a.metrics = metrics.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	dc, err := mapDeviceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.device, err = device.New(dc, nil, log); err != nil {
		return nil, err
	}
	a.device.OnAttempt(a.metrics.DeviceAttempt)
	dctx, dcancel := context.WithTimeout(context.Background(), discoverTimeout)
	capab, err := a.device.Discover(dctx)
	dcancel()
	switch {
	case errors.Is(err, device.ErrCapabilityMismatch):
		return nil, err
	case err != nil:
		// An offline board must not block startup; sends retry later.
		a.log.Warn("board size not verified; using configured size", logx.Err(err),
			logx.Int("rows", capab.Rows), logx.Int("cols", capab.Cols))
	}
	if a.renderer, err = render.New(capab.Rows, capab.Cols); err != nil {
		return nil, err
	}

	loc, err := sourcesLocation(cfg)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: 30 * time.Second}
	if a.registry, err = buildRegistry(cfg, loc, hc, a.store, a.metrics.Fetch, log); err != nil {
		return nil, err
	}

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatch = dispatch.New(dispCfg, a.registry, a.renderer, a.device, log.With(logx.String("comp", "dispatch")),
		dispatch.WithRecorder(outcomeRecorder{store: a.store, log: log.With(logx.String("comp", "recorder"))}),
		dispatch.WithObserver(a.metrics),
		dispatch.WithBus(a.bus),
	)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.store, a.dispatch, a.registry, log.With(logx.String("comp", "scheduler")),
		scheduler.WithBus(a.bus),
		scheduler.WithObserver(a.metrics),
	)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport, err := newAlertTransport(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, transport, a.bus, log)

	httpCfg, err := mapHTTPConfig(cfg, dispCfg)
	if err != nil {
		return nil, err
	}
	a.http = httpapi.New(httpCfg, httpapi.Deps{
		Dispatch:   a.dispatch,
		Schedules:  a.sched,
		Logs:       a.store,
		Countdowns: a.store,
		Device:     a.device,
		Metrics:    a.metrics.Handler(),
		Routines:   a.routines,
		Now:        func() time.Time { return time.Now().In(loc) },
	}, log.With(logx.String("comp", "http")))

	return a, nil
}

// newAlertTransport returns nil when alerts are off.
func newAlertTransport(cfg *config.Config) (notifier.Transport, error) {
	if !cfg.Alerts.Enabled {
		return nil, nil
	}
	tg, err := notifier.NewTelegram(mapTelegramConfig(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	return tg, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Device() *device.Client { return a.device }

func (a *App) Dispatch() *dispatch.Service { return a.dispatch }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) routines() []supervisor.RoutineStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StartDispatch starts only the dispatch worker. One-shot CLI commands use it
// instead of Start.
func (a *App) StartDispatch(ctx context.Context) error { return a.dispatch.Start(ctx) }

// Start launches the dispatch worker and the supervised loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.dispatch.Start(runCtx); err != nil {
		return err
	}

	if a.cfg.Scheduler.SeedDefaults {
		if _, err := a.sched.SeedDefaults(runCtx); err != nil {
			return fmt.Errorf("seed default schedules: %w", err)
		}
	}
	if a.cfg.Scheduler.IsEnabled() {
		a.sup.GoRestart("scheduler", a.sched.Run)
	} else {
		a.log.Info("scheduler disabled")
	}
	if a.cfg.HTTP.IsEnabled() {
		a.sup.GoRestart("http", a.http.Serve)
	}
	a.sup.GoRestart("notifier", a.notif.Run)

	// Debug view of the bus; components subscribe for themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.GoRestart("systemd.watchdog", systemd.Watchdog)

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started",
		logx.String("board", fmt.Sprintf("%dx%d", a.renderer.Rows(), a.renderer.Cols())),
		logx.String("tz", a.sched.Location().String()),
		logx.Bool("alerts", a.notif.Enabled()))
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, newCfg)
			last = newCfg
		}
	}
}

// applyConfig applies the live sections of newCfg. Everything else waits for a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections := config.Changed(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(mapLogging(newCfg))

	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		if oldCfg == nil || oldCfg.Alerts.Telegram != newCfg.Alerts.Telegram || oldCfg.Alerts.Enabled != newCfg.Alerts.Enabled {
			transport, err := newAlertTransport(newCfg)
			if err != nil {
				a.log.Warn("alert transport rebuild failed; keeping previous", logx.Err(err))
			} else {
				a.notif.SetTransport(transport)
			}
		}
		a.notif.Apply(ncfg)
	}

	changed := strings.Join(sections, ",")
	if config.RestartRequired(sections) {
		a.log.Warn("config changed; restart required for some sections", logx.String("changed", changed))
	}
	a.log.Info("config reloaded", logx.String("changed", changed))
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrDisabled) {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}

// Stop shuts components down in order, each step bounded by its own deadline.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
				logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name),
					logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Scheduler and HTTP unwind with the supervisor context; the queue is
	// failed only after no new jobs can arrive.
	step("supervisor", 5*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("dispatch", 10*time.Second, a.dispatch.Stop)
	step("storage", 2*time.Second, func(context.Context) error { a.closeStore(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
