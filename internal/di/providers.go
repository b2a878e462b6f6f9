package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"LeapsEngine/internal/domain/repository"
	"LeapsEngine/internal/handler/api"
	internalrepo "LeapsEngine/internal/repository"
	icache "LeapsEngine/internal/service/cache"
	"LeapsEngine/internal/service/finnhub"
	svcmetrics "LeapsEngine/internal/service/metrics"
	"LeapsEngine/internal/service/optionsapi"
	"LeapsEngine/internal/service/ratelimit"
	"LeapsEngine/internal/service/router"
	"LeapsEngine/internal/services/analytics"
	"LeapsEngine/internal/services/registry"
	"LeapsEngine/internal/services/scoring"
	"LeapsEngine/internal/usecase"
	"LeapsEngine/pkg/breaker"
	pkgcache "LeapsEngine/pkg/cache"
	pkgch "LeapsEngine/pkg/clickhouse"
	"LeapsEngine/pkg/config"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/http/middleware"
	pkgkafka "LeapsEngine/pkg/kafka"
	applogger "LeapsEngine/pkg/logger"
	"LeapsEngine/pkg/metrics"
	"LeapsEngine/pkg/queue"
	"LeapsEngine/pkg/server"
)

const schemaTimeout = 10 * time.Second

// ProvideLogger creates the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates a private Prometheus registry with process collectors.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) *metrics.Recorder {
	return metrics.New(reg)
}

func ProvideAnalyticsMetrics(reg *prometheus.Registry) *svcmetrics.AnalyticsMetrics {
	return svcmetrics.NewAnalyticsMetrics(reg)
}

func ProvideHTTPMetrics(reg *prometheus.Registry) *middleware.HTTPMetrics {
	return middleware.NewHTTPMetrics(reg)
}

// ProvideBreakers creates the shared breaker registry. Every breaker it hands
// out reports state transitions to rec.
func ProvideBreakers(cfg *config.Config, l *applogger.Logger, rec *metrics.Recorder) *breaker.Registry {
	return breaker.NewRegistry(
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithSuccessThreshold(cfg.Breaker.SuccessThreshold),
		breaker.WithResetTimeout(cfg.Breaker.ResetTimeout),
		breaker.WithCallTimeout(cfg.Breaker.CallTimeout),
		breaker.WithLogger(l),
		breaker.WithStateListener(func(name string, _, to breaker.State) {
			rec.RecordBreakerState(name, int(to))
		}),
	)
}

// ProvideRedis connects to Redis. Returns nil when the shared cache is disabled.
func ProvideRedis(cfg *config.Config) (*pkgcache.RedisCache, error) {
	rc := cfg.Cache.Redis
	if !rc.Enabled {
		return nil, nil
	}
	c, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisHost(rc.Host),
		pkgcache.WithRedisPort(rc.Port),
		pkgcache.WithRedisPassword(rc.Password),
		pkgcache.WithRedisDB(rc.DB),
		pkgcache.WithRedisPool(20, 5, 3*time.Second),
		pkgcache.WithRedisPrefix(rc.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return c, nil
}

// ProvideFinnhubStream creates the Finnhub trade stream. Returns nil when disabled.
func ProvideFinnhubStream(cfg *config.Config, l *applogger.Logger) *finnhub.StreamProvider {
	if !cfg.Finnhub.Enabled {
		return nil
	}
	return finnhub.New(
		cfg.Finnhub.APIKey,
		cfg.Finnhub.WebSocketURL,
		cfg.Finnhub.Symbols,
		finnhub.WithReconnectDelay(cfg.Finnhub.ReconnectDelay),
		finnhub.WithPingInterval(cfg.Finnhub.PingInterval),
		finnhub.WithStaleAfter(cfg.Finnhub.StaleAfter),
		finnhub.WithLogger(l),
	)
}

// ProvideRouter registers the configured HTTP providers and, when enabled, the
// Finnhub stream behind one priority router.
func ProvideRouter(
	cfg *config.Config,
	l *applogger.Logger,
	rec *metrics.Recorder,
	breakers *breaker.Registry,
	redis *pkgcache.RedisCache,
	stream *finnhub.StreamProvider,
) *router.Router {
	regs := make([]router.Registration, 0, len(cfg.Providers)+1)
	for _, pc := range cfg.Providers {
		opts := []optionsapi.Option{
			optionsapi.WithAPIKey(pc.APIKey),
			optionsapi.WithLogger(l),
		}
		if pc.Timeout > 0 {
			opts = append(opts, optionsapi.WithHTTPClient(xhttp.NewClient(xhttp.WithTimeout(pc.Timeout))))
		}
		regs = append(regs, router.Registration{
			Provider: optionsapi.New(pc.Name, pc.BaseURL, opts...),
			Priority: pc.Priority,
		})
	}
	if stream != nil {
		regs = append(regs, router.Registration{Provider: stream, Priority: cfg.Finnhub.Priority})
	}

	opts := []router.Option{
		router.WithTTLs(cfg.Cache.ChainTTL, cfg.Cache.QuoteTTL, cfg.Cache.UnderlyingTTL),
		router.WithLogger(l),
		router.WithMetrics(rec),
		router.WithBreakers(breakers),
	}
	if cfg.RateLimit.RPS > 0 {
		opts = append(opts, router.WithLimiter(ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)))
	}
	if redis != nil {
		opts = append(opts, router.WithSharedCache(icache.NewRedisBytes(redis)))
	}
	r := router.New(regs, opts...)
	l.Info("market data router ready", applogger.Strings("providers", r.Providers()))
	return r
}

// ProvideModelManager creates the registry seeded with the built-in models.
func ProvideModelManager(l *applogger.Logger) *registry.ModelManager {
	mm := registry.NewModelManager(registry.WithLogger(l))
	mm.SeedDefaults()
	return mm
}

// ProvideMLClient creates the remote ML client and registers the remote
// ensemble. Returns nil when the ML service is disabled.
func ProvideMLClient(
	cfg *config.Config,
	l *applogger.Logger,
	am *svcmetrics.AnalyticsMetrics,
	breakers *breaker.Registry,
	mm *registry.ModelManager,
) (*analytics.MLClient, error) {
	if !cfg.MLService.Enabled {
		return nil, nil
	}
	c := analytics.NewMLClient(cfg,
		analytics.WithLogger(l),
		analytics.WithMetrics(am),
		analytics.WithBreaker(breakers.Get(analytics.ServiceName)),
	)
	if w := cfg.MLService.EnsembleWeight; w > 0 && w < 1 {
		if err := mm.RegisterRemoteEnsemble("1.0.0", w); err != nil {
			return nil, fmt.Errorf("remote ensemble: %w", err)
		}
	}
	return c, nil
}

// ProvideEngine creates the scoring engine. The remote scorer is attached only
// when the ML client exists.
func ProvideEngine(
	mm *registry.ModelManager,
	ml *analytics.MLClient,
	rec *metrics.Recorder,
	l *applogger.Logger,
) *usecase.MLEngine {
	opts := []usecase.EngineOption{
		usecase.WithEngineMetrics(rec),
		usecase.WithEngineLogger(l),
	}
	if ml != nil {
		opts = append(opts, usecase.WithRemoteScorer(ml, registry.RemoteML))
	}
	return usecase.NewMLEngine(
		scoring.NewStrikeOptimizer(scoring.WithOptimizerLogger(l)),
		scoring.NewEntryExitModel(l),
		mm,
		opts...,
	)
}

// ProvideKafkaProducer creates a Kafka producer and routes aggregated error
// logs through it. Returns nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry, l *applogger.Logger) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerMetrics(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	l.AddCollector(&applogger.CollectionConfig{
		Topic:     cfg.Kafka.Topics.Logs,
		Publisher: producer,
	})
	return producer, nil
}

// ProvideClickHouseClient connects to ClickHouse and creates the schema.
// Returns nil when ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(cfg.ClickHouse.MaxConns, cfg.ClickHouse.MaxConns/2),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecTime),
		pkgch.WithHTTP(cfg.ClickHouse.HTTP),
		pkgch.WithLZ4(cfg.ClickHouse.LZ4),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideResultPublisher fans results out to every enabled sink. Returns a nil
// interface when no sink is configured.
func ProvideResultPublisher(cfg *config.Config, producer *pkgkafka.Producer, ch *pkgch.Client) (repository.ResultPublisher, error) {
	var pubs internalrepo.FanoutPublisher
	if producer != nil {
		pubs = append(pubs, internalrepo.NewKafkaResultPublisher(producer, cfg.Kafka.Topics.BacktestResults, cfg.Kafka.Topics.Selections))
	}
	if ch != nil {
		store, err := internalrepo.NewCHResultStore(ch, cfg.ClickHouse.Database)
		if err != nil {
			return nil, fmt.Errorf("result store: %w", err)
		}
		pubs = append(pubs, store)
	}
	switch len(pubs) {
	case 0:
		return nil, nil
	case 1:
		return pubs[0], nil
	}
	return pubs, nil
}

// ProvidePriceHistory reads daily bars from ClickHouse. Returns a nil
// interface without ClickHouse, leaving backtests on simulated prices.
func ProvidePriceHistory(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) (repository.PriceHistory, error) {
	if ch == nil {
		return nil, nil
	}
	h, err := internalrepo.NewCHPriceHistory(ch, cfg.ClickHouse.Table, l)
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	return h, nil
}

func ProvideSelector(
	cfg *config.Config,
	r *router.Router,
	pub repository.ResultPublisher,
	rec *metrics.Recorder,
	l *applogger.Logger,
) *usecase.ContractSelector {
	return usecase.NewContractSelector(
		usecase.WithMarketData(r),
		usecase.WithMinDTE(cfg.Selector.MinDTE),
		usecase.WithPickTTL(cfg.Selector.PickTTL),
		usecase.WithSelectionPublisher(pub),
		usecase.WithSelectorMetrics(rec),
		usecase.WithSelectorLogger(l),
	)
}

func ProvideBacktester(
	history repository.PriceHistory,
	engine *usecase.MLEngine,
	selector *usecase.ContractSelector,
	pub repository.ResultPublisher,
	rec *metrics.Recorder,
	l *applogger.Logger,
) *usecase.Backtester {
	return usecase.NewBacktester(
		usecase.WithPriceHistory(history),
		usecase.WithEngine(engine),
		usecase.WithSelector(selector),
		usecase.WithResultPublisher(pub),
		usecase.WithBacktestMetrics(rec),
		usecase.WithBacktestLogger(l),
	)
}

// ProvideJobQueue creates the Redis job queue for async backtests. Returns nil
// unless backtest.async is set.
func ProvideJobQueue(cfg *config.Config, l *applogger.Logger, redis *pkgcache.RedisCache) *queue.RedisQueue {
	if !cfg.Backtest.Async || redis == nil {
		return nil
	}
	return queue.NewRedisQueue(l, &queue.QueueConfig{
		Workers:       cfg.Backtest.Workers,
		RetryLimit:    cfg.Backtest.RetryLimit,
		RetryDelay:    cfg.Backtest.RetryDelay,
		MaxRetryDelay: cfg.Backtest.MaxRetryDelay,
		JobTimeout:    cfg.Backtest.JobTimeout,
	}, redis.Client(), queue.WithKeyPrefix(redis.Prefix()+":backtests"))
}

// ProvideBacktestJobs registers the backtest runner on q. Returns nil without a queue.
func ProvideBacktestJobs(
	cfg *config.Config,
	bt *usecase.Backtester,
	q *queue.RedisQueue,
	redis *pkgcache.RedisCache,
	l *applogger.Logger,
) *usecase.BacktestJobs {
	if q == nil {
		return nil
	}
	jobs := usecase.NewBacktestJobs(bt, icache.NewRedisBytes(redis),
		usecase.WithJobQueue(q),
		usecase.WithJobTTL(cfg.Backtest.JobTTL),
		usecase.WithJobsLogger(l),
	)
	q.RegisterJob(jobs)
	return jobs
}

func ProvideModelHealthHandler(cfg *config.Config, mm *registry.ModelManager, l *applogger.Logger) *usecase.KafkaModelHealthHandler {
	return usecase.NewKafkaModelHealthHandler(cfg.Kafka.Topics.ModelHealth, mm, l)
}

// ProvideKafkaConsumer creates the model health consumer. Returns nil when
// Kafka is disabled.
func ProvideKafkaConsumer(
	cfg *config.Config,
	reg *prometheus.Registry,
	l *applogger.Logger,
	h *usecase.KafkaModelHealthHandler,
) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerMetrics(reg),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(h)
	return consumer, nil
}

// ProvideHandler builds the HTTP handler. Optional collaborators are attached
// only when present so the handler sees untyped nils otherwise.
func ProvideHandler(
	cfg *config.Config,
	l *applogger.Logger,
	engine *usecase.MLEngine,
	bt *usecase.Backtester,
	selector *usecase.ContractSelector,
	mm *registry.ModelManager,
	r *router.Router,
	jobs *usecase.BacktestJobs,
	q *queue.RedisQueue,
) *api.LeapsEchoHandler {
	opts := []api.HandlerOption{
		api.WithProviderMonitor(r),
		api.WithBacktestTimeout(cfg.Backtest.Timeout),
	}
	if jobs != nil {
		opts = append(opts, api.WithBacktestJobs(jobs))
	}
	if q != nil {
		opts = append(opts, api.WithQueueInspector(q))
	}
	return api.NewLeapsEchoHandler(l, engine, bt, selector, mm, opts...)
}

func ProvideHTTPServer(
	cfg *config.Config,
	l *applogger.Logger,
	h *api.LeapsEchoHandler,
	hm *middleware.HTTPMetrics,
	reg *prometheus.Registry,
) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithLogger(l),
		xhttp.WithCORS(cfg.Server.CORSOrigins...),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(hm, reg, cfg.Metrics.Path, cfg.Server.SlowThreshold))
	}
	return xhttp.NewServer(h, opts...)
}

// ProvideApp assembles the application. Closers run in the order given here.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	srv *xhttp.Server,
	mm *registry.ModelManager,
	stream *finnhub.StreamProvider,
	consumer *pkgkafka.Consumer,
	q *queue.RedisQueue,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	redis *pkgcache.RedisCache,
) *server.App {
	opts := []server.Option{server.WithModelHealth(mm)}
	if stream != nil {
		opts = append(opts, server.WithStream(stream))
	}
	if consumer != nil {
		opts = append(opts, server.WithConsumer(consumer))
	}
	if q != nil {
		opts = append(opts, server.WithJobQueue(q))
	}
	if producer != nil {
		opts = append(opts, server.WithCloser("kafka-producer", producer))
	}
	if ch != nil {
		opts = append(opts, server.WithCloser("clickhouse", ch))
	}
	if redis != nil {
		opts = append(opts, server.WithCloser("redis", redis))
	}
	return server.New(cfg, l, srv, opts...)
}
