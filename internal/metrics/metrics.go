// Package metrics exposes scheduler and delivery counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reminderd/internal/domain"
)

const (
	Namespace = "reminderd"
	Subsystem = "scheduler"
)

// Run results.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	reg *prometheus.Registry

	RunsTotal           *prometheus.CounterVec
	RunDurationSeconds  prometheus.Histogram
	DueTotal            prometheus.Counter
	ProcessedTotal      prometheus.Counter
	ErrorsTotal         prometheus.Counter
	SkippedTotal        *prometheus.CounterVec
	ConsecutiveFailures prometheus.Gauge
	ReconnectsTotal     prometheus.Counter
	LastRunTimestamp    prometheus.Gauge

	DeliveriesTotal *prometheus.CounterVec
}

// New registers every metric on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	m := &Metrics{reg: reg}

	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "runs_total",
			Help:      "Scheduler runs that executed, by result",
		},
		[]string{"result"},
	)
	m.RunDurationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of scheduler runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~40s
		},
	)
	m.DueTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "due_items_total", Help: "Due items found across all runs",
	})
	m.ProcessedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "processed_reminders_total", Help: "Reminders delivered and marked triggered",
	})
	m.ErrorsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "errors_total", Help: "Batch and dispatch errors",
	})
	m.SkippedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "skipped_total",
			Help:      "Ticks skipped, by reason",
		},
		[]string{"reason"},
	)
	m.ConsecutiveFailures = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "consecutive_failures", Help: "Current run failure streak",
	})
	m.ReconnectsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "forced_reconnects_total", Help: "Store reconnects forced by the failure threshold",
	})
	m.LastRunTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "last_run_timestamp_seconds", Help: "Start time of the last executed run",
	})

	m.DeliveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Notification deliveries, by channel and result",
		},
		[]string{"channel", "result"},
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveRun records one executed or skipped run.
func (m *Metrics) ObserveRun(s domain.RunStats, failures int) {
	if m == nil {
		return
	}
	m.ConsecutiveFailures.Set(float64(failures))
	if s.Skipped != "" {
		m.SkippedTotal.WithLabelValues(s.Skipped).Inc()
		return
	}
	result := ResultOK
	switch {
	case s.Errors > 0 && s.Processed == 0:
		result = ResultFailed
	case s.Errors > 0 || s.TimedOut:
		result = ResultPartial
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDurationSeconds.Observe(s.Duration().Seconds())
	m.DueTotal.Add(float64(s.TotalDue))
	m.ProcessedTotal.Add(float64(s.Processed))
	m.ErrorsTotal.Add(float64(s.Errors))
	if !s.StartTime.IsZero() {
		m.LastRunTimestamp.Set(float64(s.StartTime.UnixNano()) / float64(time.Second))
	}
}

func (m *Metrics) ForcedReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// Delivery implements notifier.Recorder.
func (m *Metrics) Delivery(channel, result string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(channel, result).Inc()
}
