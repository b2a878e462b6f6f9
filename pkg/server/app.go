package server

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"syscall"
	"time"

	"LeapsEngine/internal/service/finnhub"
	"LeapsEngine/internal/services/registry"
	"LeapsEngine/pkg/config"
	xhttp "LeapsEngine/pkg/http"
	pkgkafka "LeapsEngine/pkg/kafka"
	applogger "LeapsEngine/pkg/logger"
	"LeapsEngine/pkg/queue"
)

type closer struct {
	name string
	c    io.Closer
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	httpServer *xhttp.Server
	models     *registry.ModelManager
	stream     *finnhub.StreamProvider
	consumer   *pkgkafka.Consumer
	jobs       *queue.RedisQueue
	closers    []closer
}

type Option func(*App)

func WithModelHealth(mm *registry.ModelManager) Option { return func(a *App) { a.models = mm } }
func WithStream(s *finnhub.StreamProvider) Option      { return func(a *App) { a.stream = s } }
func WithConsumer(c *pkgkafka.Consumer) Option         { return func(a *App) { a.consumer = c } }
func WithJobQueue(q *queue.RedisQueue) Option          { return func(a *App) { a.jobs = q } }

// WithCloser registers c to be closed on shutdown, in registration order.
func WithCloser(name string, c io.Closer) Option {
	return func(a *App) {
		if c != nil {
			a.closers = append(a.closers, closer{name: name, c: c})
		}
	}
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, l *applogger.Logger, srv *xhttp.Server, opts ...Option) *App {
	a := &App{cfg: cfg, log: l, httpServer: srv}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = applogger.NewNop()
	}
	return a
}

// Run starts background workers and the HTTP server, then blocks until
// SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	a.log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Start launches every configured component. Background loops stop when ctx is done.
func (a *App) Start(ctx context.Context) error {
	if a.models != nil {
		a.models.StartHealthLoop(ctx, a.cfg.Registry.HealthInterval)
	}

	if a.stream != nil {
		go func() {
			if err := a.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("finnhub stream stopped", applogger.Error(err))
			}
		}()
		a.log.Info("finnhub stream started", applogger.Strings("symbols", a.cfg.Finnhub.Symbols))
	}

	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			return err
		}
		a.log.Info("kafka consumer started", applogger.String("topic", a.cfg.Kafka.Topics.ModelHealth))
	}

	if a.jobs != nil {
		if err := a.jobs.Start(); err != nil {
			return err
		}
		a.log.Info("backtest job queue started", applogger.Int("workers", a.cfg.Backtest.Workers))
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}
	return nil
}

// Shutdown stops intake first, then drains workers and closes clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down...")
	var errs []error

	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
		errs = append(errs, err)
	}

	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			a.log.Warn("finnhub close error", applogger.Error(err))
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	if a.jobs != nil {
		if err := a.jobs.Stop(ctx); err != nil {
			a.log.Warn("job queue stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	// Flushes pending aggregated logs while the producer is still open.
	a.log.RemoveCollector()

	for _, c := range a.closers {
		start := time.Now()
		if err := c.c.Close(); err != nil {
			a.log.Warn("close error", applogger.String("component", c.name), applogger.Error(err))
			errs = append(errs, err)
			continue
		}
		a.log.Debug("closed", applogger.String("component", c.name), applogger.Duration("took", time.Since(start)))
	}

	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}
