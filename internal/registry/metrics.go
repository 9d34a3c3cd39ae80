package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"edgeai/internal/observability"
)

// Metrics exposes Prometheus collectors for registry activity.
type Metrics struct {
	usedBytes    prometheus.Gauge
	loads        *prometheus.CounterVec
	loadFailures *prometheus.CounterVec
	evictions    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns collectors registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// NewMetrics registers the registry collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		usedBytes: observability.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeai",
			Subsystem: "registry",
			Name:      "memory_used_bytes",
			Help:      "Device memory reserved by loading, resident and evicting models.",
		})),
		loads: observability.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeai",
			Subsystem: "registry",
			Name:      "loads_total",
			Help:      "Successful model loads.",
		}, []string{"model"})),
		loadFailures: observability.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeai",
			Subsystem: "registry",
			Name:      "load_failures_total",
			Help:      "Model loads that failed to materialize.",
		}, []string{"model"})),
		evictions: observability.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeai",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Idle models evicted to make room for another acquire.",
		}, []string{"model"})),
	}
}

func (m *Metrics) setUsed(mb int64) {
	if m == nil {
		return
	}
	m.usedBytes.Set(float64(mb) * 1024 * 1024)
}

func (m *Metrics) incLoad(model string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(model).Inc()
}

func (m *Metrics) incLoadFailure(model string) {
	if m == nil {
		return
	}
	m.loadFailures.WithLabelValues(model).Inc()
}

func (m *Metrics) incEviction(model string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(model).Inc()
}
