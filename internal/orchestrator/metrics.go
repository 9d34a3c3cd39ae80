package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"edgeai/internal/observability"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	taskDuration *prometheus.HistogramVec
	tasks        *prometheus.CounterVec
	queued       prometheus.Gauge
	activeAgents prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once so
// several orchestrators in one process share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// NewMetrics constructs a Metrics instance using the provided registerer.
// Tests pass a fresh registry. Registration conflicts panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		taskDuration: observability.MustRegister(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edgeai",
				Subsystem: "orchestrator",
				Name:      "task_duration_seconds",
				Help:      "Time from task start to its terminal status.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"role", "status"},
		)),
		tasks: observability.MustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeai",
				Subsystem: "orchestrator",
				Name:      "tasks_total",
				Help:      "Task lifecycle transitions, by role and status.",
			},
			[]string{"role", "status"},
		)),
		queued: observability.MustRegister(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "edgeai",
				Subsystem: "orchestrator",
				Name:      "tasks_queued",
				Help:      "Tasks waiting for their agent.",
			},
		)),
		activeAgents: observability.MustRegister(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "edgeai",
				Subsystem: "orchestrator",
				Name:      "active_agents",
				Help:      "Agents currently executing a task.",
			},
		)),
	}
}

// ObserveTransition counts a status change.
func (m *Metrics) ObserveTransition(role, status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(role, status).Inc()
}

// ObserveTaskDuration records the run time of a finished task.
func (m *Metrics) ObserveTaskDuration(role, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(role, status).Observe(duration.Seconds())
}

// SetQueued reports the number of queued tasks.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

// IncActiveAgents marks an agent as busy.
func (m *Metrics) IncActiveAgents() {
	if m == nil {
		return
	}
	m.activeAgents.Inc()
}

// DecActiveAgents marks an agent as idle again.
func (m *Metrics) DecActiveAgents() {
	if m == nil {
		return
	}
	m.activeAgents.Dec()
}
