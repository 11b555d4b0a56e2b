// Package metrics exposes engine counters and timings as Prometheus
// collectors, fed by a bus subscriber so components never touch collectors
// directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collector set on its own registry so tests can
// run isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal    *prometheus.CounterVec
	TaskDuration  prometheus.Histogram
	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	StepFailures  *prometheus.CounterVec
	Reenqueues    *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
	ActivePickups prometheus.Gauge
}

// New builds the collector set on a fresh registry, including the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_tasks_total",
			Help: "Task lifecycle events by outcome.",
		}, []string{"event"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasker_task_duration_seconds",
			Help:    "Wall time from task start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_steps_total",
			Help: "Step lifecycle events by outcome.",
		}, []string{"event"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasker_step_duration_seconds",
			Help:    "Handler execution time per step name.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"step_name"}),
		StepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_step_failures_total",
			Help: "Step failures by exception class.",
		}, []string{"exception_class"}),
		Reenqueues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_task_reenqueues_total",
			Help: "Task reenqueue attempts by outcome.",
		}, []string{"outcome"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_events_total",
			Help: "Bus events by name.",
		}, []string{"event"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tasker_queue_depth",
			Help: "Pickups currently waiting on the task queue.",
		}),
		ActivePickups: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tasker_active_pickups",
			Help: "Task pickups currently being orchestrated.",
		}),
	}
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape endpoint for this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

