//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"LeapsEngine/pkg/config"
	"LeapsEngine/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,
		ProvideAnalyticsMetrics,
		ProvideHTTPMetrics,

		// Infrastructure clients
		ProvideBreakers,
		ProvideRedis,
		ProvideKafkaProducer,
		ProvideClickHouseClient,

		// Market data
		ProvideFinnhubStream,
		ProvideRouter,

		// Models and scoring
		ProvideModelManager,
		ProvideMLClient,
		ProvideEngine,

		// Repositories
		ProvideResultPublisher,
		ProvidePriceHistory,

		// Use cases
		ProvideSelector,
		ProvideBacktester,
		ProvideJobQueue,
		ProvideBacktestJobs,
		ProvideModelHealthHandler,
		ProvideKafkaConsumer,

		// Transport and application
		ProvideHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return &server.App{}, nil
}
