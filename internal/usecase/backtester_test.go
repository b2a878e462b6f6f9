package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	domrepo "LeapsEngine/internal/domain/repository"
	"LeapsEngine/internal/services/scoring"
)

type flatHistory struct{ price float64 }

func (h flatHistory) Closes(_ context.Context, _ string, _ time.Time, days int) ([]float64, error) {
	out := make([]float64, days+1)
	for i := range out {
		out[i] = h.price
	}
	return out, nil
}

type brokenHistory struct{}

func (brokenHistory) Closes(context.Context, string, time.Time, int) ([]float64, error) {
	return nil, errors.New("warehouse unavailable")
}

type recordingMetrics struct {
	domrepo.NopMetrics
	mu      sync.Mutex
	runs    int
	trades  int
	skipped int
}

func (m *recordingMetrics) RecordBacktest(trades, skipped int, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	m.trades = trades
	m.skipped = skipped
}

func backtestParams(days int, symbols ...string) models.BacktestParams {
	return models.BacktestParams{
		Symbols:         symbols,
		StartDate:       testAsOf,
		EndDate:         testAsOf.AddDate(0, 0, days-1),
		PositionSizePct: 50,
	}
}

func TestBacktestInvariants(t *testing.T) {
	b := NewBacktester(WithBacktestClock(fixedClock))
	params := backtestParams(60, "SPY", "AAPL")

	res, err := b.Run(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	s := res.Summary
	assert.Equal(t, len(res.Trades), s.TotalTrades)
	assert.Equal(t, s.TotalTrades, s.WinningTrades+s.LosingTrades)
	assert.GreaterOrEqual(t, s.WinRate, 0.0)
	assert.LessOrEqual(t, s.WinRate, 1.0)
	assert.GreaterOrEqual(t, s.MaxDrawdown, 0.0)
	assert.LessOrEqual(t, s.MaxDrawdown, 1.0)

	var pnl float64
	for _, tr := range res.Trades {
		pnl += tr.PnL
		assert.False(t, tr.ExitDate.Before(tr.EntryDate))
		assert.LessOrEqual(t, tr.HoldDays, 365)
		assert.Contains(t, []models.ExitReason{models.ExitTakeProfit, models.ExitStopLoss, models.ExitExpiry}, tr.ExitReason)
		assert.Positive(t, tr.Quantity)
		assert.Greater(t, tr.Expiration.Sub(tr.EntryDate), 365*24*time.Hour)
		require.NotNil(t, tr.MLScore)
	}
	assert.InDelta(t, pnl, s.TotalPnL, 0.01*float64(len(res.Trades)))
	assert.InDelta(t, res.Params.InitialCapital+s.TotalPnL, s.FinalCapital, 0.01)

	for _, tr := range res.Trades {
		open := 0
		for _, u := range res.Trades {
			if !u.EntryDate.After(tr.EntryDate) && u.ExitDate.After(tr.EntryDate) {
				open++
			}
		}
		assert.LessOrEqual(t, open, res.Params.MaxPositions)
	}

	for i := 1; i < len(res.EquityCurve); i++ {
		assert.False(t, res.EquityCurve[i].Date.Before(res.EquityCurve[i-1].Date))
	}
	assert.Len(t, res.BySymbol, len(uniqueSymbols(res.Trades)))
}

func TestBacktestFullSizingStaysSolvent(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		params := backtestParams(120, "SPY", "AAPL", "MSFT", "QQQ", "NVDA")
		params.PositionSizePct = 100
		params.MaxPositions = 5
		params.Seed = &seed

		res, err := NewBacktester(WithBacktestClock(fixedClock)).Run(context.Background(), params)
		require.NoError(t, err)

		s := res.Summary
		assert.GreaterOrEqual(t, s.FinalCapital, 0.0, "seed %d", seed)
		assert.LessOrEqual(t, s.MaxDrawdown, 1.0, "seed %d", seed)
		for _, p := range res.EquityCurve {
			assert.GreaterOrEqual(t, p.Value, 0.0, "seed %d on %s", seed, p.Date)
		}

		// Open positions on any entry day never cost more than realized equity.
		for _, tr := range res.Trades {
			equity := res.Params.InitialCapital
			committed := 0.0
			for _, u := range res.Trades {
				switch {
				case !u.ExitDate.After(tr.EntryDate) && u.EntryDate.Before(tr.EntryDate):
					equity += u.PnL
				case !u.EntryDate.After(tr.EntryDate) && u.ExitDate.After(tr.EntryDate):
					committed += u.EntryPrice * float64(u.Quantity) * 100
				}
			}
			assert.LessOrEqual(t, committed, equity+0.01, "seed %d on %s", seed, tr.EntryDate)
		}
	}
}

func TestBacktestSeedZeroIsHonoured(t *testing.T) {
	params := backtestParams(30, "SPY")
	assert.Equal(t, models.DefaultSeed, params.SeedValue())

	zero := int64(0)
	params.Seed = &zero
	assert.Equal(t, int64(0), params.SeedValue())

	res, err := NewBacktester(WithBacktestClock(fixedClock)).Run(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, res.Params.Seed)
	assert.Equal(t, int64(0), *res.Params.Seed)
}

func uniqueSymbols(trades []models.Trade) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tr := range trades {
		out[tr.Symbol] = struct{}{}
	}
	return out
}

func TestBacktestReproducible(t *testing.T) {
	params := backtestParams(30, "SPY", "MSFT")
	seed := int64(7)
	params.Seed = &seed

	a, err := NewBacktester(WithBacktestClock(fixedClock)).Run(context.Background(), params)
	require.NoError(t, err)
	b, err := NewBacktester(WithBacktestClock(fixedClock)).Run(context.Background(), params)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Summary, b.Summary)
	require.Len(t, b.Trades, len(a.Trades))
	for i := range a.Trades {
		assert.Equal(t, a.Trades[i].Contract, b.Trades[i].Contract)
		assert.Equal(t, a.Trades[i].EntryDate, b.Trades[i].EntryDate)
		assert.Equal(t, a.Trades[i].ExitDate, b.Trades[i].ExitDate)
		assert.Equal(t, a.Trades[i].PnL, b.Trades[i].PnL)
	}
}

func TestBacktestEmptyRun(t *testing.T) {
	m := &recordingMetrics{}
	b := NewBacktester(WithPriceHistory(brokenHistory{}), WithBacktestMetrics(m), WithBacktestClock(fixedClock))

	res, err := b.Run(context.Background(), backtestParams(10, "SPY", "QQQ"))
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.NotNil(t, res.Trades)
	assert.Equal(t, 20, res.Skipped)
	assert.Equal(t, models.BacktestSummary{FinalCapital: 100000}, res.Summary)
	assert.Len(t, res.EquityCurve, 10)
	assert.Equal(t, 1, m.runs)
	assert.Equal(t, 20, m.skipped)
}

func TestBacktestIVRankGate(t *testing.T) {
	b := NewBacktester(WithPriceHistory(flatHistory{price: 100}), WithBacktestClock(fixedClock))

	params := backtestParams(5, "SPY")
	params.IVRankGate = models.Float(40)
	res, err := b.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 5, res.Skipped)

	params.IVRankGate = models.Float(60)
	res, err = b.Run(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)
	for _, tr := range res.Trades {
		assert.LessOrEqual(t, tr.PnL, 0.0)
	}
}

func TestBacktestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBacktester().Run(ctx, backtestParams(10, "SPY"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBacktestRejectsInvalidParams(t *testing.T) {
	params := backtestParams(10, "SPY")
	params.EndDate = params.StartDate.AddDate(0, 0, -1)
	_, err := NewBacktester().Run(context.Background(), params)
	assert.Error(t, err)

	_, err = NewBacktester().Run(context.Background(), backtestParams(10))
	assert.Error(t, err)
}

func TestBacktestPublishes(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	b := NewBacktester(WithResultPublisher(pub), WithPriceHistory(brokenHistory{}))

	res, err := b.Run(context.Background(), backtestParams(3, "SPY"))
	require.NoError(t, err)
	require.Len(t, pub.backtests, 1)
	assert.Equal(t, res.ID, pub.backtests[0].ID)
}

func TestBacktestWithEngine(t *testing.T) {
	engine := newTestEngine(scoring.NewStrikeOptimizer(), seededManager())
	b := NewBacktester(WithEngine(engine), WithBacktestClock(fixedClock))

	params := backtestParams(20, "AAPL")
	params.UseML = true
	res, err := b.Run(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)
	for _, tr := range res.Trades {
		require.NotNil(t, tr.MLScore)
		require.NotNil(t, tr.Confidence)
		assert.GreaterOrEqual(t, *tr.Confidence, 0.0)
		assert.LessOrEqual(t, *tr.Confidence, 1.0)
	}
}

func TestSharpeSortino(t *testing.T) {
	returns := []float64{0.2, 0.1, -0.1, 0.4}
	assert.InDelta(t, 0.15/math.Sqrt(0.0325), Sharpe(returns), 1e-9)
	assert.InDelta(t, 1.5, Sortino(returns), 1e-9)

	assert.Equal(t, 0.0, Sharpe(nil))
	assert.Equal(t, 0.0, Sharpe([]float64{0.1, 0.1}))
	assert.Equal(t, 0.0, Sortino([]float64{0.1, 0.1}))
}
