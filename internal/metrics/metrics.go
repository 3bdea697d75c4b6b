// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vestabot/internal/content"
)

const namespace = "vestabot"

// Metrics implements the dispatch and scheduler observer hooks.
type Metrics struct {
	reg *prometheus.Registry

	jobsSubmitted  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	fetches        *prometheus.CounterVec
	deviceAttempts *prometheus.CounterVec
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	fired          *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		jobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "jobs_submitted_total",
			Help: "Jobs accepted by the dispatch queue by source and kind",
		}, []string{"source", "kind"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "jobs_finished_total",
			Help: "Job outcomes by status and kind",
		}, []string{"status", "kind"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "stage_duration_seconds",
			Help:    "Time spent in each dispatch stage",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queue_depth",
			Help: "Jobs waiting for the worker",
		}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "content", Name: "fetches_total",
			Help: "Content resolutions by kind and result",
		}, []string{"kind", "result"}),
		deviceAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "device", Name: "attempts_total",
			Help: "Device write attempts by result",
		}, []string{"result"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler ticks by result",
		}, []string{"result"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help:    "Time spent evaluating schedules per tick",
			Buckets: prometheus.DefBuckets,
		}),
		fired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fired_total",
			Help: "Schedules fired by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ---- dispatch.Observer ----

func (m *Metrics) JobSubmitted(source, kind string) { m.jobsSubmitted.WithLabelValues(source, kind).Inc() }
func (m *Metrics) JobFinished(status, kind string)  { m.jobsFinished.WithLabelValues(status, kind).Inc() }
func (m *Metrics) StageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// ---- content and device hooks ----

// Fetch matches content.WithFetchHook.
func (m *Metrics) Fetch(kind content.Kind, result string) {
	m.fetches.WithLabelValues(string(kind), result).Inc()
}

// DeviceAttempt matches device.Client.OnAttempt.
func (m *Metrics) DeviceAttempt(result string) { m.deviceAttempts.WithLabelValues(result).Inc() }

// ---- scheduler.Observer ----

func (m *Metrics) Tick(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) Fired(kind string) { m.fired.WithLabelValues(kind).Inc() }
