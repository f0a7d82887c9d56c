// Package metrics wires Prometheus instrumentation for the scheduler and
// HTTP layer, grounded on the teacher's MetricsConfig/promauto wiring
// (pkg/metrics/prometheus in the teacher repo): a package-level registry
// guarded by an enabled flag, so callers can record metrics unconditionally
// and have them become no-ops when metrics are disabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	enabled  bool
)

// Init activates metrics collection against a fresh registry. Safe to call
// once at startup; idempotent on repeated calls with the same value.
func Init(on bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = on
	if on && registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(prometheus.NewGoCollector())
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
}

// IsEnabled reports whether metrics collection is active.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Registry returns the process-wide Prometheus registerer. Returns nil if
// metrics were never enabled; callers must check IsEnabled first.
func Registry() prometheus.Registerer {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Gatherer exposes the registry for the /metrics HTTP handler.
func Gatherer() prometheus.Gatherer {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// SchedulerMetrics groups the scheduler's Prometheus instruments: queue
// depth, active worker count, per-status task counters, and a completion
// time histogram, matching the DOMAIN STACK section's
// "queue depth, worker utilization, task counters and completion-time
// histograms" wiring.
type SchedulerMetrics struct {
	queueDepth      prometheus.Gauge
	activeWorkers   prometheus.Gauge
	tasksByOutcome  *prometheus.CounterVec
	completionTime  prometheus.Histogram
}

// NewSchedulerMetrics constructs scheduler instruments. Returns a
// non-nil-but-inert value when metrics are disabled, so call sites never
// need a nil check.
func NewSchedulerMetrics() *SchedulerMetrics {
	if !IsEnabled() {
		return &SchedulerMetrics{}
	}
	reg := Registry()
	return &SchedulerMetrics{
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "invoicepress_queue_depth",
			Help: "Number of tasks currently buffered in the worker queue.",
		}),
		activeWorkers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "invoicepress_active_workers",
			Help: "Number of worker goroutines currently processing a task.",
		}),
		tasksByOutcome: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "invoicepress_tasks_total",
			Help: "Total tasks processed, labeled by terminal outcome.",
		}, []string{"outcome"}),
		completionTime: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "invoicepress_task_completion_seconds",
			Help:    "Wall-clock duration from enqueue to a completed task's terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		}),
	}
}

// SetQueueDepth records the current queue length.
func (m *SchedulerMetrics) SetQueueDepth(n int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetActiveWorkers records the number of workers currently holding a task.
func (m *SchedulerMetrics) SetActiveWorkers(n int) {
	if m.activeWorkers == nil {
		return
	}
	m.activeWorkers.Set(float64(n))
}

// ObserveOutcome increments the counter for a terminal outcome
// ("completed", "failed", "cancelled", "expired").
func (m *SchedulerMetrics) ObserveOutcome(outcome string) {
	if m.tasksByOutcome == nil {
		return
	}
	m.tasksByOutcome.WithLabelValues(outcome).Inc()
}

// ObserveCompletionSeconds records the duration of a completed task.
func (m *SchedulerMetrics) ObserveCompletionSeconds(seconds float64) {
	if m.completionTime == nil {
		return
	}
	m.completionTime.Observe(seconds)
}
