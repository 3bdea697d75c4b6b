// Package httpapi is the control surface and webhook inbox: manual sends,
// schedule and countdown CRUD, the dispatch log, status, metrics and an
// optional pprof mount.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"vestabot/internal/device"
	"vestabot/internal/dispatch"
	"vestabot/internal/runtime/supervisor"
	"vestabot/internal/schedule"
	"vestabot/internal/scheduler"
	logx "vestabot/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// WaitTimeout bounds how long a manual send waits for its outcome.
	WaitTimeout time.Duration

	Pprof      bool
	PprofToken string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "0.0.0.0:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 90 * time.Second
	}
	// Manual sends hold the response open until the board answers.
	if c.WriteTimeout > 0 && c.WriteTimeout < c.WaitTimeout+5*time.Second {
		c.WriteTimeout = c.WaitTimeout + 5*time.Second
	}
	return c
}

type Dispatcher interface {
	Submit(job dispatch.Job) (string, error)
	SubmitWait(ctx context.Context, job dispatch.Job) (dispatch.Outcome, error)
	Snapshot() dispatch.Snapshot
	History(limit int) []dispatch.Outcome
}

type Schedules interface {
	List(ctx context.Context) ([]schedule.Schedule, error)
	Get(ctx context.Context, id int64) (schedule.Schedule, error)
	Create(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error)
	Update(ctx context.Context, id int64, p scheduler.Patch) (schedule.Schedule, error)
	Delete(ctx context.Context, id int64) error
	RunNow(ctx context.Context, id int64) (string, error)
}

type LogReader interface {
	ListLog(ctx context.Context, limit int) ([]schedule.LogEntry, error)
}

type Device interface {
	Probe(ctx context.Context) error
	Capability() device.Capability
}

// Deps are the components the handlers call. Countdowns, Metrics and
// Routines are optional. Now defaults to time.Now.
type Deps struct {
	Dispatch   Dispatcher
	Schedules  Schedules
	Logs       LogReader
	Countdowns schedule.CountdownStore
	Device     Device
	Metrics    http.Handler
	Routines   func() []supervisor.RoutineStats
	Now        func() time.Time
}

type Server struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	handler http.Handler

	mu   sync.Mutex
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log}
	s.handler = s.recoverer(s.requestLog(s.routes()))
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("POST /api/message", s.handleMessage)
	mux.HandleFunc("POST /api/message/{kind}", s.handleMessageKind)
	mux.HandleFunc("POST /api/clear", s.handleClear)
	mux.HandleFunc("POST /api/webhook", s.handleWebhook)

	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/run", s.handleRunSchedule)

	if s.deps.Countdowns != nil {
		mux.HandleFunc("GET /api/countdowns", s.handleListCountdowns)
		mux.HandleFunc("POST /api/countdowns", s.handleCreateCountdown)
		mux.HandleFunc("PUT /api/countdowns/{id}", s.handleUpdateCountdown)
		mux.HandleFunc("DELETE /api/countdowns/{id}", s.handleDeleteCountdown)
	}

	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.cfg.Pprof {
		mountPprof(mux, s.cfg.PprofToken)
	}
	return mux
}

// Serve listens on cfg.Addr until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Addr
	if s.cfg.Pprof && s.cfg.PprofToken == "" && !isLoopbackAddr(addr) {
		s.log.Warn("pprof mounted without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		s.log.Info("http stopped")
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("dur", time.Since(start)),
		}
		switch {
		case rec.status >= 500:
			s.log.Warn("request failed", fields...)
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
		default:
			s.log.Debug("request ok", fields...)
		}
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("panic recovered", logx.String("path", r.URL.Path), logx.Any("panic", v), logx.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
