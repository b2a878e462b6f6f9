package registry

import (
	"fmt"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/services/scoring"
)

// GetEntryExitAdjustment is the registry's rule-based view of an entry/exit
// decision for model name. It is coarser than scoring.EntryExitModel and is
// meant to be blended with it. Confidence is discounted while the model's
// deployment is not healthy.
func (m *ModelManager) GetEntryExitAdjustment(name string, side models.Side, f models.UnderlyingFeatures) models.Recommendation {
	if err := side.Validate(); err != nil {
		return scoring.NeutralRecommendation(err.Error())
	}

	rec := models.Recommendation{Confidence: 0.5}
	add := func(sl, tp, conf float64, reason string) {
		rec.SLPctAdj += sl
		rec.TPPctAdj += tp
		rec.Confidence += conf
		rec.Reasons = append(rec.Reasons, reason)
	}

	switch {
	case f.IVRank > 70:
		add(0.05, 0.10, 0.05, fmt.Sprintf("registry: iv rank %.0f elevated, widen bands", f.IVRank))
	case f.IVRank >= 0 && f.IVRank < 30:
		add(-0.05, -0.05, 0.05, fmt.Sprintf("registry: iv rank %.0f depressed, tighten bands", f.IVRank))
	}

	dir := 1.0
	if side == models.SidePut {
		dir = -1
	}
	switch trend := f.TrendDays * dir; {
	case trend >= 5:
		add(0, 0.10, 0.10, "registry: trend aligned with side")
	case trend <= -5:
		add(-0.10, -0.05, 0.05, "registry: trend against side")
	}

	if f.RSI >= 0 {
		if (side == models.SideCall && f.RSI > 70) || (side == models.SidePut && f.RSI < 30) {
			add(0, -0.05, 0, fmt.Sprintf("registry: rsi %.0f stretched in trade direction", f.RSI))
		}
	}

	if meta, ok := m.GetModel(name); ok && meta.Deployment.Health != models.HealthHealthy {
		rec.Confidence *= 0.8
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("registry: %s deployment %s", name, meta.Deployment.Health))
	}

	rec.SLPctAdj = clamp(rec.SLPctAdj, scoring.MinSLAdj, scoring.MaxSLAdj)
	rec.TPPctAdj = clamp(rec.TPPctAdj, scoring.MinTPAdj, scoring.MaxTPAdj)
	rec.Confidence = clamp(rec.Confidence, 0, 1)
	if len(rec.Reasons) == 0 {
		rec.Reasons = []string{"registry: no adjustment"}
	}
	return rec
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
