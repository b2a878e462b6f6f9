package router

import (
	"context"
	"sync"
	"time"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/domain/repository"
	"LeapsEngine/pkg/breaker"
)

// HealthCheck probes every provider concurrently. Individual failures are
// reported in the result, never returned.
func (r *Router) HealthCheck(ctx context.Context) []models.ProviderHealth {
	routes := r.snapshot()
	out := make([]models.ProviderHealth, len(routes))

	var wg sync.WaitGroup
	for i, rt := range routes {
		wg.Add(1)
		go func(i int, rt route) {
			defer wg.Done()
			out[i] = r.probe(ctx, rt)
		}(i, rt)
	}
	wg.Wait()
	return out
}

// BreakerStats snapshots every breaker known to the router's registry.
func (r *Router) BreakerStats() []breaker.Stats {
	return r.cfg.Breakers.Stats()
}

func (r *Router) probe(ctx context.Context, rt route) models.ProviderHealth {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	start := time.Now()
	err := r.canary(ctx, rt.provider)
	h := models.ProviderHealth{
		Name:      rt.provider.Name(),
		Priority:  rt.priority,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		Breaker:   rt.breaker.State().String(),
		CheckedAt: r.cfg.Clock(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

func (r *Router) canary(ctx context.Context, p repository.OptionsDataProvider) error {
	if hc, ok := p.(repository.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	if up, ok := p.(repository.UnderlyingDataProvider); ok {
		_, err := up.GetUnderlyingData(ctx, r.cfg.CanarySymbol)
		return err
	}
	chain, err := p.GetOptionChain(ctx, r.cfg.CanarySymbol, nil)
	if err == nil && len(chain) == 0 {
		return ErrEmptyResult
	}
	return err
}
