package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/domain/repository"
	icache "LeapsEngine/internal/service/cache"
	"LeapsEngine/pkg/breaker"
)

type fakeProvider struct {
	name  string
	chain []models.OptionContract
	err   error
	calls atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) GetOptionChain(context.Context, string, *time.Time) ([]models.OptionContract, error) {
	f.calls.Add(1)
	return f.chain, f.err
}

func (f *fakeProvider) GetOptionQuote(_ context.Context, symbol string) (models.OptionContract, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.OptionContract{}, f.err
	}
	for _, c := range f.chain {
		if c.Symbol == symbol {
			return c, nil
		}
	}
	return models.OptionContract{}, errors.New("not found")
}

type underlyingProvider struct {
	fakeProvider
	price float64
}

func (u *underlyingProvider) GetUnderlyingData(_ context.Context, symbol string) (models.MarketData, error) {
	u.calls.Add(1)
	return models.MarketData{Symbol: symbol, Price: u.price}, u.err
}

type checkedProvider struct {
	fakeProvider
	healthErr error
}

func (c *checkedProvider) HealthCheck(context.Context) error { return c.healthErr }

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func sampleChain() []models.OptionContract {
	return []models.OptionContract{{
		Symbol:     "AAPL260116C00150000",
		Underlying: "AAPL",
		Strike:     150,
		Expiration: time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		Right:      models.RightCall,
		Bid:        40,
		Ask:        41,
		Last:       40.5,
		ImpliedVol: 0.3,
		Greeks:     &models.Greeks{Delta: 0.7},
	}}
}

func TestRouterFailoverAndCaching(t *testing.T) {
	p1 := &fakeProvider{name: "p1", err: errors.New("timeout talking to upstream")}
	p2 := &fakeProvider{name: "p2", err: errors.New("502 bad gateway")}
	p3 := &fakeProvider{name: "p3", chain: sampleChain()}

	r := New([]Registration{{p1, 1}, {p2, 2}, {p3, 3}})
	ctx := context.Background()

	chain, err := r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, p3.chain, chain)

	again, err := r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, chain, again)

	assert.EqualValues(t, 1, p1.calls.Load())
	assert.EqualValues(t, 1, p2.calls.Load())
	assert.EqualValues(t, 1, p3.calls.Load(), "second call must be served from cache")
}

func TestRouterCachedSnapshotsAreNotShared(t *testing.T) {
	p := &fakeProvider{name: "p", chain: sampleChain()}
	r := New([]Registration{{p, 1}})
	ctx := context.Background()

	first, err := r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	first[0].Bid = 1
	first[0].Greeks.Delta = 0.1

	second, err := r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, 40.0, second[0].Bid)
	assert.Equal(t, 0.7, second[0].Greeks.Delta)
	second[0].Greeks.Delta = 0.2

	third, err := r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.7, third[0].Greeks.Delta)
	assert.EqualValues(t, 1, p.calls.Load())

	rq := New([]Registration{{&fakeProvider{name: "q", chain: sampleChain()}, 1}})
	q, err := rq.GetOptionQuote(ctx, "AAPL260116C00150000")
	require.NoError(t, err)
	q.Greeks.Delta = 0.3
	q, err = rq.GetOptionQuote(ctx, "AAPL260116C00150000")
	require.NoError(t, err)
	assert.Equal(t, 0.7, q.Greeks.Delta)
}

func TestRouterCacheExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)}
	p := &fakeProvider{name: "p", chain: sampleChain()}
	r := New([]Registration{{p, 0}}, WithClock(clk.now))
	ctx := context.Background()

	_, err := r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)

	clk.t = clk.t.Add(29 * time.Second)
	_, err = r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls.Load())

	clk.t = clk.t.Add(2 * time.Second)
	_, err = r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.calls.Load(), "expired entry is a miss")
}

func TestRouterPriorityOrderIsStable(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	c := &fakeProvider{name: "c"}
	d := &fakeProvider{name: "d"}

	r := New([]Registration{{a, 2}, {b, 1}, {c, 2}, {d, 1}})
	assert.Equal(t, []string{"b", "d", "a", "c"}, r.Providers())
}

func TestRouterAllProvidersFailed(t *testing.T) {
	errLast := errors.New("connection refused")
	p1 := &fakeProvider{name: "p1"}
	p2 := &fakeProvider{name: "p2", err: errLast}

	r := New([]Registration{{p1, 1}, {p2, 2}})
	_, err := r.GetOptionChain(context.Background(), "TSLA", nil)

	require.ErrorIs(t, err, ErrAllProvidersFailed)
	require.ErrorIs(t, err, errLast)

	var apf *AllProvidersFailedError
	require.ErrorAs(t, err, &apf)
	assert.Equal(t, "TSLA", apf.Symbol)
	assert.Equal(t, []string{"p1", "p2"}, apf.Sources())
	assert.ErrorIs(t, apf.Failures[0].Err, ErrEmptyResult)
	assert.Contains(t, err.Error(), "TSLA")
}

func TestRouterNoProviders(t *testing.T) {
	_, err := New(nil).GetOptionQuote(context.Background(), "X")
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestRouterUnderlyingSkipsUnsupportedProviders(t *testing.T) {
	chainOnly := &fakeProvider{name: "chain-only"}
	under := &underlyingProvider{fakeProvider: fakeProvider{name: "under"}, price: 187.5}

	r := New([]Registration{{chainOnly, 0}, {under, 1}})
	md, err := r.GetUnderlyingData(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 187.5, md.Price)
	assert.EqualValues(t, 0, chainOnly.calls.Load())
}

func TestRouterQuote(t *testing.T) {
	p := &fakeProvider{name: "p", chain: sampleChain()}
	r := New([]Registration{{p, 0}})

	q, err := r.GetOptionQuote(context.Background(), "AAPL260116C00150000")
	require.NoError(t, err)
	assert.Equal(t, 150.0, q.Strike)
}

func TestRouterOpenBreakerSkipsProvider(t *testing.T) {
	flaky := &fakeProvider{name: "flaky", err: errors.New("boom")}
	backup := &fakeProvider{name: "backup", chain: sampleChain()}
	breakers := breaker.NewRegistry(breaker.WithFailureThreshold(1), breaker.WithResetTimeout(time.Minute))

	r := New([]Registration{{flaky, 0}, {backup, 1}}, WithBreakers(breakers))
	ctx := context.Background()

	_, err := r.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	_, err = r.GetOptionChain(ctx, "MSFT", nil)
	require.NoError(t, err)

	assert.EqualValues(t, 1, flaky.calls.Load(), "open breaker must short-circuit")
	assert.Equal(t, breaker.StateOpen, breakers.Get("provider:flaky").State())
}

func TestRouterClearCache(t *testing.T) {
	p := &fakeProvider{name: "p", chain: sampleChain()}
	r := New([]Registration{{p, 0}})
	ctx := context.Background()

	_, _ = r.GetOptionChain(ctx, "AAPL", nil)
	_, _ = r.GetOptionChain(ctx, "MSFT", nil)

	assert.Equal(t, 1, r.ClearCache(ctx, "AAPL"))
	_, _ = r.GetOptionChain(ctx, "MSFT", nil)
	assert.EqualValues(t, 2, p.calls.Load())

	_, _ = r.GetOptionChain(ctx, "AAPL", nil)
	assert.EqualValues(t, 3, p.calls.Load())

	assert.Equal(t, 2, r.ClearCache(ctx, ""))
}

func TestRouterSharedCache(t *testing.T) {
	shared := icache.NewTTLCache()
	p := &fakeProvider{name: "p", chain: sampleChain()}
	ctx := context.Background()

	first := New([]Registration{{p, 0}}, WithSharedCache(shared))
	_, err := first.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)

	second := New([]Registration{{p, 0}}, WithSharedCache(shared))
	chain, err := second.GetOptionChain(ctx, "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, "AAPL260116C00150000", chain[0].Symbol)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestRouterHealthCheck(t *testing.T) {
	bad := &checkedProvider{fakeProvider: fakeProvider{name: "bad"}, healthErr: errors.New("auth expired")}
	good := &fakeProvider{name: "good", chain: sampleChain()}
	var _ repository.HealthChecker = bad

	r := New([]Registration{{bad, 0}, {good, 1}})
	report := r.HealthCheck(context.Background())

	require.Len(t, report, 2)
	assert.Equal(t, "bad", report[0].Name)
	assert.False(t, report[0].Healthy)
	assert.Equal(t, "auth expired", report[0].Error)
	assert.True(t, report[1].Healthy)
	assert.Equal(t, "CLOSED", report[1].Breaker)
}
