package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"LeapsEngine/internal/domain/models"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/logger"
)

var (
	ErrModelNotFound   = errors.New("registry: model not found")
	ErrInvalidEnsemble = errors.New("registry: invalid ensemble")
)

// Seeded model names.
const (
	StrikeOptimizerV1  = "strike-optimizer-v1"
	EntryExitV1        = "entry-exit-v1"
	StrategyImproverV1 = "strategy-improver-v1"
	RemoteML           = "remote-ml"

	// EnsembleSuffix names the ensemble consulted for an active model.
	EnsembleSuffix = "-ensemble"
)

// Retention bounds per model; oldest entries are evicted first.
const (
	MaxUsageRecords         = 1000
	MaxPerformanceSnapshots = 100
)

// ModelManager is the in-memory model catalog. Construct it, call
// SeedDefaults, then share it by reference.
type ModelManager struct {
	mu        sync.RWMutex
	models    map[string]*models.ModelMeta
	active    map[models.TaskType]string
	ensembles map[string]models.Ensemble
	usage     map[string][]models.UsageRecord
	perf      map[string][]models.Performance

	log *logger.Logger
	now func() time.Time
}

type Option func(*ModelManager)

func WithLogger(l *logger.Logger) Option    { return func(m *ModelManager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *ModelManager) { m.now = now } }

func NewModelManager(opts ...Option) *ModelManager {
	m := &ModelManager{
		models:    make(map[string]*models.ModelMeta),
		active:    make(map[models.TaskType]string),
		ensembles: make(map[string]models.Ensemble),
		usage:     make(map[string][]models.UsageRecord),
		perf:      make(map[string][]models.Performance),
		log:       logger.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SeedDefaults registers the built-in models and activates the production ones.
func (m *ModelManager) SeedDefaults() {
	seeds := []models.ModelMeta{
		{
			Name:        StrikeOptimizerV1,
			Version:     "1.0.0",
			Type:        models.TaskStrikeSelection,
			Status:      models.StatusActive,
			Description: "weighted five-factor strike scorer",
		},
		{
			Name:        EntryExitV1,
			Version:     "1.0.0",
			Type:        models.TaskEntryExit,
			Status:      models.StatusActive,
			Description: "regime-based stop-loss / take-profit adjuster",
		},
		{
			Name:        StrategyImproverV1,
			Version:     "0.1.0",
			Type:        models.TaskStrategyImprovement,
			Status:      models.StatusTesting,
			Description: "backtest-driven parameter tuning",
		},
	}
	for _, meta := range seeds {
		if err := m.RegisterModel(meta); err != nil {
			m.log.Error("seed model rejected", logger.String("model", meta.Name), logger.Error(err))
		}
	}
}

// RegisterModel inserts or wholesale replaces meta. An active model becomes the
// active pointer for its task when none is set.
func (m *ModelManager) RegisterModel(meta models.ModelMeta) error {
	if err := xhttp.ValidateStruct(context.Background(), &meta); err != nil {
		return fmt.Errorf("register %q: %w", meta.Name, err)
	}

	now := m.now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	if meta.Deployment.Health == "" {
		meta.Deployment.Health = models.HealthHealthy
	}
	if meta.Deployment.DeployedAt.IsZero() {
		meta.Deployment.DeployedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[meta.Name] = &meta
	if meta.Status == models.StatusActive {
		if cur, ok := m.active[meta.Type]; !ok || cur == meta.Name {
			m.active[meta.Type] = meta.Name
		}
	}
	return nil
}

// ActivateModel points taskType at name. The previously active model is
// deprecated. Returns false when name is unknown or serves another task.
func (m *ModelManager) ActivateModel(taskType models.TaskType, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.models[name]
	if !ok || meta.Type != taskType {
		return false
	}
	now := m.now()
	if prev, ok := m.active[taskType]; ok && prev != name {
		if pm := m.models[prev]; pm != nil {
			pm.Status = models.StatusDeprecated
			pm.UpdatedAt = now
		}
	}
	meta.Status = models.StatusActive
	meta.UpdatedAt = now
	m.active[taskType] = name

	m.log.Info("model activated", logger.String("task", string(taskType)), logger.String("model", name))
	return true
}

// DeprecateModel flags name as deprecated. History is kept.
func (m *ModelManager) DeprecateModel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.models[name]
	if !ok {
		return false
	}
	meta.Status = models.StatusDeprecated
	meta.UpdatedAt = m.now()
	if m.active[meta.Type] == name {
		delete(m.active, meta.Type)
	}
	return true
}

// ActiveModel returns the active model for taskType.
func (m *ModelManager) ActiveModel(taskType models.TaskType) (models.ModelMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.active[taskType]
	if !ok {
		return models.ModelMeta{}, false
	}
	return *m.models[name], true
}

func (m *ModelManager) GetModel(name string) (models.ModelMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.models[name]
	if !ok {
		return models.ModelMeta{}, false
	}
	return *meta, true
}

// ListModels returns every model, deprecated ones included, sorted by name.
func (m *ModelManager) ListModels() []models.ModelMeta {
	m.mu.RLock()
	out := make([]models.ModelMeta, 0, len(m.models))
	for _, meta := range m.models {
		out = append(out, *meta)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordUsage appends one call to name's usage log.
func (m *ModelManager) RecordUsage(name string, latency time.Duration, success bool) {
	rec := models.UsageRecord{Model: name, Latency: latency, Success: success, Timestamp: m.now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[name] = appendBounded(m.usage[name], rec, MaxUsageRecords)
}

// RecordPerformance appends a snapshot and makes it the model's current performance.
func (m *ModelManager) RecordPerformance(name string, p models.Performance) error {
	if p.RecordedAt.IsZero() {
		p.RecordedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.models[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	meta.Performance = p
	meta.UpdatedAt = p.RecordedAt
	m.perf[name] = appendBounded(m.perf[name], p, MaxPerformanceSnapshots)
	return nil
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}
