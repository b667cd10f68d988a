package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/elf-platform/accessrl/internal/domain/limiter"
)

// Metrics is the Prometheus implementation of limiter.MetricsSink.
// Counter increments are non-blocking as the hook contract requires.
type Metrics struct {
	allowed *prometheus.CounterVec
	limited *prometheus.CounterVec
	blocked *prometheus.CounterVec

	storeDuration prometheus.Histogram
	storeFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		allowed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "accessrl",
				Name:      "requests_allowed_total",
				Help:      "Requests allowed through the rate limiter",
			},
			[]string{"policy"},
		),
		limited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "accessrl",
				Name:      "requests_limited_total",
				Help:      "Requests denied because the bucket was exhausted",
			},
			[]string{"policy"},
		),
		blocked: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "accessrl",
				Name:      "requests_blocked_total",
				Help:      "Requests denied by an active penalty block",
			},
			[]string{"policy"},
		),
		storeDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "accessrl",
				Name:      "store_eval_duration_seconds",
				Help:      "Latency of one atomic store evaluation",
				Buckets:   prometheus.DefBuckets,
			},
		),
		storeFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "accessrl",
				Name:      "store_failures_total",
				Help:      "Store round-trips that returned an error",
			},
		),
	}
}

// ObserveStore records one store round-trip. Wire it to the store via
// redisstore.WithObserver.
func (m *Metrics) ObserveStore(d time.Duration, err error) {
	m.storeDuration.Observe(d.Seconds())
	if err != nil {
		m.storeFailures.Inc()
	}
}

// OnAllowed implements limiter.MetricsSink.
func (m *Metrics) OnAllowed(d limiter.Decision) {
	m.allowed.WithLabelValues(d.Policy).Inc()
}

// OnLimited implements limiter.MetricsSink.
func (m *Metrics) OnLimited(d limiter.Decision) {
	m.limited.WithLabelValues(d.Policy).Inc()
}

// OnBlocked implements limiter.MetricsSink.
func (m *Metrics) OnBlocked(d limiter.Decision) {
	m.blocked.WithLabelValues(d.Policy).Inc()
}
