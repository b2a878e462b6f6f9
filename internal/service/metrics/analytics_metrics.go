package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AnalyticsMetrics instruments calls to the remote ML service.
type AnalyticsMetrics struct {
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
	retries *prometheus.CounterVec
}

func NewAnalyticsMetrics(reg prometheus.Registerer) *AnalyticsMetrics {
	f := promauto.With(reg)
	return &AnalyticsMetrics{
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "leaps",
				Subsystem: "ml",
				Name:      "latency_seconds",
				Help:      "Latency of ML service endpoints",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "leaps",
				Subsystem: "ml",
				Name:      "errors_total",
				Help:      "Errors by ML service endpoint",
			},
			[]string{"endpoint"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "leaps",
				Subsystem: "ml",
				Name:      "retries_total",
				Help:      "Retried ML service calls by endpoint",
			},
			[]string{"endpoint"},
		),
	}
}

// Observe records one completed call. Safe on a nil receiver.
func (m *AnalyticsMetrics) Observe(endpoint string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(endpoint).Observe(took.Seconds())
	if err != nil {
		m.errors.WithLabelValues(endpoint).Inc()
	}
}

func (m *AnalyticsMetrics) Retry(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}
