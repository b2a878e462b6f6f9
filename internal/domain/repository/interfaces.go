package repository

import (
	"context"
	"errors"
	"time"

	"LeapsEngine/internal/domain/models"
)

// ErrUnsupported is returned by providers for operations they do not serve.
var ErrUnsupported = errors.New("provider: operation not supported")

// OptionsDataProvider is implemented by every injected market data source.
type OptionsDataProvider interface {
	Name() string
	GetOptionChain(ctx context.Context, symbol string, expiration *time.Time) ([]models.OptionContract, error)
	GetOptionQuote(ctx context.Context, contractSymbol string) (models.OptionContract, error)
}

// UnderlyingDataProvider is optional.
type UnderlyingDataProvider interface {
	GetUnderlyingData(ctx context.Context, symbol string) (models.MarketData, error)
}

// HealthChecker is optional; providers without it are probed with a canary call.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ResultPublisher ships reports to downstream consumers.
type ResultPublisher interface {
	PublishBacktest(ctx context.Context, res *models.BacktestResult) error
	PublishSelection(ctx context.Context, sel *models.LEAPSSelection) error
	Close() error
}

// Metrics is the instrumentation surface used by the core.
type Metrics interface {
	RecordProviderCall(provider, op, result string, seconds float64)
	RecordCacheLookup(op string, hit bool)
	RecordBreakerState(name string, state int)
	RecordScoring(op string, seconds float64, fallback bool)
	RecordBacktest(trades int, skipped int, seconds float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordProviderCall(string, string, string, float64) {}
func (NopMetrics) RecordCacheLookup(string, bool)                     {}
func (NopMetrics) RecordBreakerState(string, int)                     {}
func (NopMetrics) RecordScoring(string, float64, bool)                {}
func (NopMetrics) RecordBacktest(int, int, float64)                   {}
