// Maintained by hand in Wire's output layout. Keep it in sync with the
// injector in wire.go, or regenerate it with go generate.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package di

import (
	"LeapsEngine/pkg/config"
	"LeapsEngine/pkg/server"
)

// Injectors from wire.go:

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}
	registry := ProvideRegistry()
	recorder := ProvideMetrics(registry)
	breakerRegistry := ProvideBreakers(cfg, logger, recorder)
	redisCache, err := ProvideRedis(cfg)
	if err != nil {
		return nil, err
	}
	streamProvider := ProvideFinnhubStream(cfg, logger)
	router := ProvideRouter(cfg, logger, recorder, breakerRegistry, redisCache, streamProvider)
	modelManager := ProvideModelManager(logger)
	analyticsMetrics := ProvideAnalyticsMetrics(registry)
	mlClient, err := ProvideMLClient(cfg, logger, analyticsMetrics, breakerRegistry, modelManager)
	if err != nil {
		return nil, err
	}
	mlEngine := ProvideEngine(modelManager, mlClient, recorder, logger)
	producer, err := ProvideKafkaProducer(cfg, registry, logger)
	if err != nil {
		return nil, err
	}
	client, err := ProvideClickHouseClient(cfg)
	if err != nil {
		return nil, err
	}
	resultPublisher, err := ProvideResultPublisher(cfg, producer, client)
	if err != nil {
		return nil, err
	}
	priceHistory, err := ProvidePriceHistory(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	contractSelector := ProvideSelector(cfg, router, resultPublisher, recorder, logger)
	backtester := ProvideBacktester(priceHistory, mlEngine, contractSelector, resultPublisher, recorder, logger)
	redisQueue := ProvideJobQueue(cfg, logger, redisCache)
	backtestJobs := ProvideBacktestJobs(cfg, backtester, redisQueue, redisCache, logger)
	leapsEchoHandler := ProvideHandler(cfg, logger, mlEngine, backtester, contractSelector, modelManager, router, backtestJobs, redisQueue)
	httpMetrics := ProvideHTTPMetrics(registry)
	xhttpServer := ProvideHTTPServer(cfg, logger, leapsEchoHandler, httpMetrics, registry)
	kafkaModelHealthHandler := ProvideModelHealthHandler(cfg, modelManager, logger)
	consumer, err := ProvideKafkaConsumer(cfg, registry, logger, kafkaModelHealthHandler)
	if err != nil {
		return nil, err
	}
	app := ProvideApp(cfg, logger, xhttpServer, modelManager, streamProvider, consumer, redisQueue, producer, client, redisCache)
	return app, nil
}
