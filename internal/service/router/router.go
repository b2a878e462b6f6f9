package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/domain/repository"
	icache "LeapsEngine/internal/service/cache"
	"LeapsEngine/internal/service/ratelimit"
	"LeapsEngine/pkg/breaker"
	pkgcache "LeapsEngine/pkg/cache"
	"LeapsEngine/pkg/logger"
)

const (
	opChain      = "chain"
	opQuote      = "quote"
	opUnderlying = "underlying"
)

// Registration pairs a provider with its priority. Lower runs first.
type Registration struct {
	Provider repository.OptionsDataProvider
	Priority int
}

// Config holds router settings. Populated through Option funcs.
type Config struct {
	ChainTTL      time.Duration
	QuoteTTL      time.Duration
	UnderlyingTTL time.Duration
	HealthTimeout time.Duration
	CanarySymbol  string
	Logger        *logger.Logger
	Metrics       repository.Metrics
	Breakers      *breaker.Registry
	Limiter       *ratelimit.Limiter
	L2            icache.BytesCache
	Clock         func() time.Time
}

type Option func(*Config)

// WithTTLs overrides the per-type cache lifetimes. Zero keeps the default.
func WithTTLs(chain, quote, underlying time.Duration) Option {
	return func(c *Config) {
		if chain > 0 {
			c.ChainTTL = chain
		}
		if quote > 0 {
			c.QuoteTTL = quote
		}
		if underlying > 0 {
			c.UnderlyingTTL = underlying
		}
	}
}

func WithLogger(l *logger.Logger) Option          { return func(c *Config) { c.Logger = l } }
func WithMetrics(m repository.Metrics) Option     { return func(c *Config) { c.Metrics = m } }
func WithBreakers(r *breaker.Registry) Option     { return func(c *Config) { c.Breakers = r } }
func WithLimiter(l *ratelimit.Limiter) Option     { return func(c *Config) { c.Limiter = l } }
func WithSharedCache(l2 icache.BytesCache) Option { return func(c *Config) { c.L2 = l2 } }
func WithClock(now func() time.Time) Option       { return func(c *Config) { c.Clock = now } }

func WithHealthProbe(symbol string, t time.Duration) Option {
	return func(c *Config) {
		c.CanarySymbol = symbol
		c.HealthTimeout = t
	}
}

type route struct {
	provider repository.OptionsDataProvider
	priority int
	breaker  *breaker.Breaker
}

// Router fans requests out over data providers in priority order behind a read-through cache.
type Router struct {
	cfg *Config
	l1  *icache.TTLCache

	mu     sync.RWMutex
	routes []route
}

func New(regs []Registration, opts ...Option) *Router {
	cfg := &Config{
		ChainTTL:      30 * time.Second,
		QuoteTTL:      5 * time.Second,
		UnderlyingTTL: 10 * time.Second,
		HealthTimeout: 5 * time.Second,
		CanarySymbol:  "SPY",
		Clock:         time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = repository.NopMetrics{}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = breaker.NewRegistry()
	}

	r := &Router{
		cfg: cfg,
		l1:  icache.NewTTLCache(icache.WithClock(cfg.Clock)),
	}
	for _, reg := range regs {
		r.AddProvider(reg.Provider, reg.Priority)
	}
	return r
}

// AddProvider registers p. Ties on priority keep insertion order.
func (r *Router) AddProvider(p repository.OptionsDataProvider, priority int) {
	name := "provider:" + p.Name()
	br := r.cfg.Breakers.Get(name,
		breaker.WithIgnoredErrors(repository.ErrUnsupported, ErrEmptyResult),
		breaker.WithLogger(r.cfg.Logger),
		breaker.WithStateListener(func(name string, _, to breaker.State) {
			r.cfg.Metrics.RecordBreakerState(name, int(to))
		}),
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{provider: p, priority: priority, breaker: br})
	sort.SliceStable(r.routes, func(i, j int) bool { return r.routes[i].priority < r.routes[j].priority })
}

// Providers returns provider names in attempt order.
func (r *Router) Providers() []string {
	routes := r.snapshot()
	out := make([]string, len(routes))
	for i, rt := range routes {
		out[i] = rt.provider.Name()
	}
	return out
}

func (r *Router) snapshot() []route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]route, len(r.routes))
	copy(out, r.routes)
	return out
}

// GetOptionChain returns the chain for symbol, optionally restricted to one expiration.
func (r *Router) GetOptionChain(ctx context.Context, symbol string, expiration *time.Time) ([]models.OptionContract, error) {
	exp := "all"
	if expiration != nil {
		exp = expiration.UTC().Format(time.DateOnly)
	}
	key := pkgcache.Key(opChain, symbol, exp)

	return fetch(ctx, r, opChain, key, symbol, r.cfg.ChainTTL,
		func(v []models.OptionContract) bool { return len(v) == 0 },
		models.CloneChain,
		func(ctx context.Context, p repository.OptionsDataProvider) ([]models.OptionContract, error) {
			return p.GetOptionChain(ctx, symbol, expiration)
		})
}

// GetOptionQuote returns a fresh quote for one contract.
func (r *Router) GetOptionQuote(ctx context.Context, contractSymbol string) (models.OptionContract, error) {
	key := pkgcache.Key(opQuote, contractSymbol)

	return fetch(ctx, r, opQuote, key, contractSymbol, r.cfg.QuoteTTL,
		func(v models.OptionContract) bool { return v.Symbol == "" },
		models.OptionContract.Clone,
		func(ctx context.Context, p repository.OptionsDataProvider) (models.OptionContract, error) {
			return p.GetOptionQuote(ctx, contractSymbol)
		})
}

// GetUnderlyingData returns the underlying snapshot. Providers without
// underlying support are skipped.
func (r *Router) GetUnderlyingData(ctx context.Context, symbol string) (models.MarketData, error) {
	key := pkgcache.Key(opUnderlying, symbol)

	return fetch(ctx, r, opUnderlying, key, symbol, r.cfg.UnderlyingTTL,
		func(v models.MarketData) bool { return v.Price <= 0 },
		models.MarketData.Clone,
		func(ctx context.Context, p repository.OptionsDataProvider) (models.MarketData, error) {
			up, ok := p.(repository.UnderlyingDataProvider)
			if !ok {
				return models.MarketData{}, repository.ErrUnsupported
			}
			return up.GetUnderlyingData(ctx, symbol)
		})
}

// ClearCache evicts entries whose key contains pattern; empty pattern clears all.
func (r *Router) ClearCache(ctx context.Context, pattern string) int {
	n := r.l1.ClearPattern(pattern)
	if r.cfg.L2 != nil {
		if err := r.cfg.L2.DeleteMatching(ctx, pattern); err != nil {
			r.cfg.Logger.Warn("shared cache eviction failed", logger.String("pattern", pattern), logger.Error(err))
		}
	}
	return n
}

// fetch reads through the cache, then tries providers in priority order.
// clone keeps callers from mutating cached snapshots.
func fetch[T any](
	ctx context.Context,
	r *Router,
	op, key, symbol string,
	ttl time.Duration,
	empty func(T) bool,
	clone func(T) T,
	call func(ctx context.Context, p repository.OptionsDataProvider) (T, error),
) (T, error) {
	if v, ok := cached[T](ctx, r, key, ttl); ok {
		r.cfg.Metrics.RecordCacheLookup(op, true)
		return clone(v), nil
	}
	r.cfg.Metrics.RecordCacheLookup(op, false)

	failed := &AllProvidersFailedError{Operation: op, Symbol: symbol}
	for _, rt := range r.snapshot() {
		name := rt.provider.Name()
		if r.cfg.Limiter != nil && !r.cfg.Limiter.Allow(name) {
			failed.Failures = append(failed.Failures, SourceFailure{Provider: name, Err: ErrRateLimited})
			r.cfg.Metrics.RecordProviderCall(name, op, "rate_limited", 0)
			continue
		}

		start := time.Now()
		v, err := breaker.Call(ctx, rt.breaker, func(ctx context.Context) (T, error) {
			v, err := call(ctx, rt.provider)
			if err == nil && empty(v) {
				err = ErrEmptyResult
			}
			return v, err
		})
		took := time.Since(start).Seconds()

		if errors.Is(err, repository.ErrUnsupported) {
			continue
		}
		if err != nil {
			r.cfg.Metrics.RecordProviderCall(name, op, resultLabel(err), took)
			r.cfg.Logger.Warn("provider call failed",
				logger.String("provider", name),
				logger.String("op", op),
				logger.String("symbol", symbol),
				logger.Error(err),
			)
			failed.Failures = append(failed.Failures, SourceFailure{Provider: name, Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}

		r.cfg.Metrics.RecordProviderCall(name, op, "ok", took)
		store(ctx, r, key, clone(v), ttl)
		return v, nil
	}

	var zero T
	return zero, failed
}

func cached[T any](ctx context.Context, r *Router, key string, ttl time.Duration) (T, bool) {
	var zero T
	if v, ok := r.l1.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, true
		}
	}
	if r.cfg.L2 == nil {
		return zero, false
	}

	b, ok, err := r.cfg.L2.GetBytes(ctx, key)
	if err != nil {
		r.cfg.Logger.Debug("shared cache read failed", logger.String("key", key), logger.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, false
	}
	r.l1.Set(key, v, ttl)
	return v, true
}

func store[T any](ctx context.Context, r *Router, key string, v T, ttl time.Duration) {
	r.l1.Set(key, v, ttl)
	if r.cfg.L2 == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.cfg.L2.SetBytes(ctx, key, b, ttl); err != nil {
		r.cfg.Logger.Debug("shared cache write failed", logger.String("key", key), logger.Error(err))
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, breaker.ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrEmptyResult):
		return "empty"
	default:
		return "error"
	}
}

func (r *Router) String() string {
	return fmt.Sprintf("router%v", r.Providers())
}
