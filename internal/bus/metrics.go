package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"edgeai/internal/observability"
)

// Metrics holds the bus collectors; nil records nothing.
type Metrics struct {
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers prometheus.Gauge
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

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		published: observability.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeai",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Messages published, by topic.",
		}, []string{"topic"})),
		dropped: observability.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeai",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages discarded from full subscriber queues, by subscription pattern.",
		}, []string{"pattern"})),
		subscribers: observability.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeai",
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Open subscriptions.",
		})),
	}
}

func (m *Metrics) incPublished(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
}

func (m *Metrics) incDropped(pattern string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(pattern).Inc()
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
