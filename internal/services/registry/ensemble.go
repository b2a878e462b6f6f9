package registry

import (
	"fmt"
	"math"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/services/scoring"
	"LeapsEngine/pkg/logger"
)

// RegisterEnsemble stores a weighted blend of registered models under name.
func (m *ModelManager) RegisterEnsemble(name string, members []models.EnsembleMember) error {
	if name == "" || len(members) == 0 {
		return fmt.Errorf("%w: name and members are required", ErrInvalidEnsemble)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(members))
	for _, mb := range members {
		if _, ok := m.models[mb.Model]; !ok {
			return fmt.Errorf("%w: %s", ErrModelNotFound, mb.Model)
		}
		if !(mb.Weight > 0) || math.IsInf(mb.Weight, 0) {
			return fmt.Errorf("%w: weight for %s must be positive", ErrInvalidEnsemble, mb.Model)
		}
		if _, dup := seen[mb.Model]; dup {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidEnsemble, mb.Model)
		}
		seen[mb.Model] = struct{}{}
	}

	m.ensembles[name] = models.Ensemble{
		Name:    name,
		Members: append([]models.EnsembleMember(nil), members...),
	}
	m.log.Info("ensemble registered", logger.String("ensemble", name), logger.Int("members", len(members)))
	return nil
}

// RegisterRemoteEnsemble registers the remote ML service as RemoteML and
// blends it into the strike optimizer ensemble at weight w. w must be in (0,1).
func (m *ModelManager) RegisterRemoteEnsemble(version string, w float64) error {
	if !(w > 0 && w < 1) {
		return fmt.Errorf("%w: remote weight %v outside (0,1)", ErrInvalidEnsemble, w)
	}
	if version == "" {
		version = "remote"
	}
	err := m.RegisterModel(models.ModelMeta{
		Name:        RemoteML,
		Version:     version,
		Type:        models.TaskStrikeSelection,
		Status:      models.StatusTesting,
		Description: "remote ML strike scorer",
	})
	if err != nil {
		return err
	}
	return m.RegisterEnsemble(StrikeOptimizerV1+EnsembleSuffix, []models.EnsembleMember{
		{Model: StrikeOptimizerV1, Weight: 1 - w},
		{Model: RemoteML, Weight: w},
	})
}

func (m *ModelManager) Ensemble(name string) (models.Ensemble, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ensembles[name]
	return e, ok
}

// ApplyEnsemble blends memberScores using the weights registered under name.
// Members without a score are skipped and the remaining weights renormalized.
// When no ensemble is registered, or none of its members scored, the scores
// are averaged and ok is false.
func (m *ModelManager) ApplyEnsemble(name string, memberScores map[string]float64) (score float64, ok bool) {
	if len(memberScores) == 0 {
		return scoring.NeutralScore, false
	}

	m.mu.RLock()
	e, found := m.ensembles[name]
	m.mu.RUnlock()

	if found {
		var sum, wsum float64
		for _, mb := range e.Members {
			s, has := memberScores[mb.Model]
			if !has || math.IsNaN(s) {
				continue
			}
			sum += mb.Weight * s
			wsum += mb.Weight
		}
		if wsum > 0 {
			return scoring.Clamp01(sum / wsum), true
		}
	}

	var sum float64
	var n int
	for _, s := range memberScores {
		if math.IsNaN(s) {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return scoring.NeutralScore, false
	}
	return scoring.Clamp01(sum / float64(n)), false
}
