package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/services/scoring"
)

func newSeeded(t *testing.T) *ModelManager {
	t.Helper()
	m := NewModelManager(WithClock(func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }))
	m.SeedDefaults()
	return m
}

func TestSeedDefaults(t *testing.T) {
	m := newSeeded(t)

	strike, ok := m.ActiveModel(models.TaskStrikeSelection)
	require.True(t, ok)
	assert.Equal(t, StrikeOptimizerV1, strike.Name)
	assert.Equal(t, "1.0.0", strike.Version)

	ee, ok := m.ActiveModel(models.TaskEntryExit)
	require.True(t, ok)
	assert.Equal(t, EntryExitV1, ee.Name)

	_, ok = m.ActiveModel(models.TaskStrategyImprovement)
	assert.False(t, ok)
	imp, ok := m.GetModel(StrategyImproverV1)
	require.True(t, ok)
	assert.Equal(t, models.StatusTesting, imp.Status)
	assert.Len(t, m.ListModels(), 3)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	m := NewModelManager()
	err := m.RegisterModel(models.ModelMeta{Name: "x", Version: "1", Type: "bogus", Status: models.StatusTesting})
	assert.Error(t, err)
	err = m.RegisterModel(models.ModelMeta{Version: "1", Type: models.TaskEntryExit, Status: models.StatusTesting})
	assert.Error(t, err)
}

func TestActivateModelSwapsAndDeprecates(t *testing.T) {
	m := newSeeded(t)
	require.NoError(t, m.RegisterModel(models.ModelMeta{
		Name: "strike-optimizer-v2", Version: "2.0.0",
		Type: models.TaskStrikeSelection, Status: models.StatusTesting,
	}))

	assert.True(t, m.ActivateModel(models.TaskStrikeSelection, "strike-optimizer-v2"))

	active, _ := m.ActiveModel(models.TaskStrikeSelection)
	assert.Equal(t, "strike-optimizer-v2", active.Name)
	old, _ := m.GetModel(StrikeOptimizerV1)
	assert.Equal(t, models.StatusDeprecated, old.Status)

	// Deprecated models stay queryable.
	cmp := m.GetModelComparison()
	assert.Len(t, cmp.Models, 4)
}

func TestActivateModelRejects(t *testing.T) {
	m := newSeeded(t)

	assert.False(t, m.ActivateModel(models.TaskStrikeSelection, "missing"))
	assert.False(t, m.ActivateModel(models.TaskStrikeSelection, EntryExitV1))

	active, _ := m.ActiveModel(models.TaskStrikeSelection)
	assert.Equal(t, StrikeOptimizerV1, active.Name)
}

func TestDeprecateClearsActive(t *testing.T) {
	m := newSeeded(t)
	assert.True(t, m.DeprecateModel(EntryExitV1))
	_, ok := m.ActiveModel(models.TaskEntryExit)
	assert.False(t, ok)
	assert.False(t, m.DeprecateModel("missing"))
}

func TestUsageAndPerformanceAreBounded(t *testing.T) {
	m := newSeeded(t)
	for i := 0; i < MaxUsageRecords+50; i++ {
		m.RecordUsage(StrikeOptimizerV1, time.Millisecond, i%2 == 0)
	}
	for i := 0; i < MaxPerformanceSnapshots+10; i++ {
		require.NoError(t, m.RecordPerformance(StrikeOptimizerV1, models.Performance{Sharpe: float64(i)}))
	}

	met, ok := m.ModelMetrics(StrikeOptimizerV1)
	require.True(t, ok)
	assert.Equal(t, MaxUsageRecords, met.Calls)
	assert.InDelta(t, 0.5, met.SuccessRate, 1e-9)
	assert.Equal(t, time.Millisecond, met.AvgLatency)
	assert.Equal(t, MaxPerformanceSnapshots, met.Snapshots)
	require.NotNil(t, met.LatestPerf)
	assert.Equal(t, float64(MaxPerformanceSnapshots+9), met.LatestPerf.Sharpe)

	assert.ErrorIs(t, m.RecordPerformance("missing", models.Performance{}), ErrModelNotFound)
}

func TestEnsemble(t *testing.T) {
	m := newSeeded(t)
	require.NoError(t, m.RegisterModel(models.ModelMeta{
		Name: "remote-ml", Version: "1", Type: models.TaskStrikeSelection, Status: models.StatusTesting,
	}))
	require.NoError(t, m.RegisterEnsemble(StrikeOptimizerV1+EnsembleSuffix, []models.EnsembleMember{
		{Model: StrikeOptimizerV1, Weight: 0.7},
		{Model: "remote-ml", Weight: 0.3},
	}))

	t.Run("weighted", func(t *testing.T) {
		s, ok := m.ApplyEnsemble(StrikeOptimizerV1+EnsembleSuffix, map[string]float64{StrikeOptimizerV1: 1, "remote-ml": 0})
		assert.True(t, ok)
		assert.InDelta(t, 0.7, s, 1e-9)
	})
	t.Run("missing member renormalizes", func(t *testing.T) {
		s, ok := m.ApplyEnsemble(StrikeOptimizerV1+EnsembleSuffix, map[string]float64{StrikeOptimizerV1: 0.4})
		assert.True(t, ok)
		assert.InDelta(t, 0.4, s, 1e-9)
	})
	t.Run("unknown ensemble passes through", func(t *testing.T) {
		s, ok := m.ApplyEnsemble("nope", map[string]float64{"a": 0.2, "b": 0.6})
		assert.False(t, ok)
		assert.InDelta(t, 0.4, s, 1e-9)
	})
	t.Run("empty is neutral", func(t *testing.T) {
		s, ok := m.ApplyEnsemble("nope", nil)
		assert.False(t, ok)
		assert.Equal(t, scoring.NeutralScore, s)
	})

	assert.ErrorIs(t, m.RegisterEnsemble("bad", []models.EnsembleMember{{Model: "ghost", Weight: 1}}), ErrModelNotFound)
	assert.ErrorIs(t, m.RegisterEnsemble("bad", []models.EnsembleMember{{Model: StrikeOptimizerV1, Weight: 0}}), ErrInvalidEnsemble)
	assert.ErrorIs(t, m.RegisterEnsemble("bad", nil), ErrInvalidEnsemble)
}

func TestRunHealthCheck(t *testing.T) {
	m := newSeeded(t)
	for i := 0; i < 10; i++ {
		m.RecordUsage(StrikeOptimizerV1, 10*time.Millisecond, i < 3)
		m.RecordUsage(EntryExitV1, 2*time.Second, true)
	}

	res := m.RunHealthCheck()
	assert.Equal(t, models.HealthUnhealthy, res[StrikeOptimizerV1])
	assert.Equal(t, models.HealthDegraded, res[EntryExitV1])
	assert.Equal(t, models.HealthHealthy, res[StrategyImproverV1])

	meta, _ := m.GetModel(StrikeOptimizerV1)
	assert.Equal(t, models.HealthUnhealthy, meta.Deployment.Health)
	assert.False(t, meta.Deployment.LastHealthCheck.IsZero())
}

func TestUpdateHealth(t *testing.T) {
	m := newSeeded(t)
	assert.True(t, m.UpdateHealth(models.ModelHealthReport{Model: EntryExitV1, Health: models.HealthDegraded, Reason: "latency"}))
	assert.False(t, m.UpdateHealth(models.ModelHealthReport{Model: "missing", Health: models.HealthDegraded}))

	meta, _ := m.GetModel(EntryExitV1)
	assert.Equal(t, models.HealthDegraded, meta.Deployment.Health)
}

func TestStartHealthLoopStopsWithContext(t *testing.T) {
	m := newSeeded(t)
	m.RecordUsage(StrikeOptimizerV1, time.Millisecond, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartHealthLoop(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		meta, _ := m.GetModel(StrikeOptimizerV1)
		return meta.Deployment.Health == models.HealthUnhealthy
	}, time.Second, 5*time.Millisecond)
}

func TestGetEntryExitAdjustment(t *testing.T) {
	m := newSeeded(t)
	f := models.UnderlyingFeatures{IVRank: 80, RSI: 50, TrendDays: 8}

	rec := m.GetEntryExitAdjustment(EntryExitV1, models.SideCall, f)
	assert.InDelta(t, 0.05, rec.SLPctAdj, 1e-9)
	assert.InDelta(t, 0.20, rec.TPPctAdj, 1e-9)
	assert.InDelta(t, 0.65, rec.Confidence, 1e-9)
	ok, _ := scoring.ValidateRecommendation(rec)
	assert.True(t, ok)

	put := m.GetEntryExitAdjustment(EntryExitV1, models.SidePut, f)
	assert.Less(t, put.SLPctAdj, rec.SLPctAdj)

	m.UpdateHealth(models.ModelHealthReport{Model: EntryExitV1, Health: models.HealthDegraded})
	degraded := m.GetEntryExitAdjustment(EntryExitV1, models.SideCall, f)
	assert.InDelta(t, 0.65*0.8, degraded.Confidence, 1e-9)

	bad := m.GetEntryExitAdjustment(EntryExitV1, "straddle", f)
	assert.Zero(t, bad.SLPctAdj)
}

func TestRegisterRemoteEnsemble(t *testing.T) {
	m := newSeeded(t)
	require.NoError(t, m.RegisterRemoteEnsemble("", 0.3))

	meta, ok := m.GetModel(RemoteML)
	require.True(t, ok)
	assert.Equal(t, models.StatusTesting, meta.Status)

	active, ok := m.ActiveModel(models.TaskStrikeSelection)
	require.True(t, ok)
	assert.Equal(t, StrikeOptimizerV1, active.Name)

	s, ok := m.ApplyEnsemble(StrikeOptimizerV1+EnsembleSuffix, map[string]float64{StrikeOptimizerV1: 1, RemoteML: 0})
	assert.True(t, ok)
	assert.InDelta(t, 0.7, s, 1e-9)

	for _, w := range []float64{0, 1, -0.2} {
		assert.ErrorIs(t, m.RegisterRemoteEnsemble("v2", w), ErrInvalidEnsemble)
	}
}
