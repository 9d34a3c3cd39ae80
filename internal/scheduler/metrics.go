package scheduler

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"edgeai/internal/observability"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	capacity      prometheus.Gauge
	held          prometheus.Gauge
	waiting       prometheus.Gauge
	waitSeconds   *prometheus.HistogramVec
	holdSeconds   prometheus.Histogram
	grants        *prometheus.CounterVec
	revocations   prometheus.Counter
	promotions    prometheus.Counter
	queueTimeouts prometheus.Counter
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

// NewMetrics registers the scheduler collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "edgeai", Subsystem: "scheduler", Name: name, Help: help}
	}
	return &Metrics{
		capacity: observability.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts(opts(
			"parallelism", "Configured number of concurrent GPU slots.")))),
		held: observability.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts(opts(
			"slots_held", "GPU slots currently leased.")))),
		waiting: observability.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts(opts(
			"queue_depth", "Slot requests currently waiting.")))),
		waitSeconds: observability.MustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgeai",
			Subsystem: "scheduler",
			Name:      "wait_seconds",
			Help:      "Time from request to grant, by requested priority.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"priority"})),
		holdSeconds: observability.MustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgeai",
			Subsystem: "scheduler",
			Name:      "hold_seconds",
			Help:      "How long slots were held before release or revocation.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		})),
		grants: observability.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts(opts(
			"grants_total", "Slots granted, by requested priority.")), []string{"priority"})),
		revocations: observability.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts(opts(
			"revocations_total", "Slots revoked for exceeding the maximum hold.")))),
		promotions: observability.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts(opts(
			"promotions_total", "Grants served at an aged, higher priority tier.")))),
		queueTimeouts: observability.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts(opts(
			"queue_timeouts_total", "Slot requests that gave up waiting.")))),
	}
}

func (m *Metrics) setCapacity(n int) {
	if m == nil {
		return
	}
	m.capacity.Set(float64(n))
}

func (m *Metrics) setWaiting(n int) {
	if m == nil {
		return
	}
	m.waiting.Set(float64(n))
}

func (m *Metrics) observeGrant(priority int, waited time.Duration, held int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(priority)
	m.grants.WithLabelValues(label).Inc()
	m.waitSeconds.WithLabelValues(label).Observe(waited.Seconds())
	m.held.Set(float64(held))
}

func (m *Metrics) observeRelease(heldFor time.Duration, held int) {
	if m == nil {
		return
	}
	m.holdSeconds.Observe(heldFor.Seconds())
	m.held.Set(float64(held))
}

func (m *Metrics) incRevocation() {
	if m == nil {
		return
	}
	m.revocations.Inc()
}

func (m *Metrics) incPromotion() {
	if m == nil {
		return
	}
	m.promotions.Inc()
}

func (m *Metrics) incQueueTimeout() {
	if m == nil {
		return
	}
	m.queueTimeouts.Inc()
}
