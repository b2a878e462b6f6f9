package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"LeapsEngine/internal/domain/repository"
)

var _ repository.Metrics = (*Recorder)(nil)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	scoringLatency  *prometheus.HistogramVec
	scoringFallback *prometheus.CounterVec
	backtestRuns    prometheus.Counter
	backtestTrades  prometheus.Counter
	backtestSkipped prometheus.Counter
	backtestLatency prometheus.Histogram
}

// New creates a recorder whose collectors are registered on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		providerCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaps_provider_calls_total",
				Help: "Data provider calls by result",
			},
			[]string{"provider", "operation", "result"},
		),
		providerLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leaps_provider_call_duration_seconds",
				Help:    "Duration of data provider calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaps_cache_lookups_total",
				Help: "Router cache lookups by outcome",
			},
			[]string{"operation", "outcome"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leaps_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		scoringLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leaps_scoring_duration_seconds",
				Help:    "Duration of scoring operations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),
		scoringFallback: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaps_scoring_fallback_total",
				Help: "Scoring calls answered with the neutral fallback",
			},
			[]string{"operation"},
		),
		backtestRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "leaps_backtest_runs_total",
			Help: "Completed backtest runs",
		}),
		backtestTrades: f.NewCounter(prometheus.CounterOpts{
			Name: "leaps_backtest_trades_total",
			Help: "Trades simulated across all backtest runs",
		}),
		backtestSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "leaps_backtest_skipped_total",
			Help: "Symbol/date pairs skipped because of errors",
		}),
		backtestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leaps_backtest_duration_seconds",
			Help:    "Wall time of backtest runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
	}
}

func (r *Recorder) RecordProviderCall(provider, op, result string, seconds float64) {
	r.providerCalls.WithLabelValues(provider, op, result).Inc()
	r.providerLatency.WithLabelValues(provider, op).Observe(seconds)
}

func (r *Recorder) RecordCacheLookup(op string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cacheLookups.WithLabelValues(op, outcome).Inc()
}

func (r *Recorder) RecordBreakerState(name string, state int) {
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

func (r *Recorder) RecordScoring(op string, seconds float64, fallback bool) {
	r.scoringLatency.WithLabelValues(op).Observe(seconds)
	if fallback {
		r.scoringFallback.WithLabelValues(op).Inc()
	}
}

func (r *Recorder) RecordBacktest(trades int, skipped int, seconds float64) {
	r.backtestRuns.Inc()
	r.backtestTrades.Add(float64(trades))
	r.backtestSkipped.Add(float64(skipped))
	r.backtestLatency.Observe(seconds)
}
