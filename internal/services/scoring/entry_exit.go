package scoring

import (
	"fmt"
	"math"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/domain/service"
	"LeapsEngine/pkg/logger"
)

var _ service.RecommendationModel = (*EntryExitModel)(nil)

// Adjustment bounds.
const (
	MinSLAdj = -0.4
	MaxSLAdj = 0.4
	MinTPAdj = -0.3
	MaxTPAdj = 0.6

	// LargeAdjustment is the magnitude above which HighConfidence is required.
	LargeAdjustment = 0.3
	HighConfidence  = 0.7
)

type alignment int

const (
	aligned alignment = iota
	neutralTrend
	against
)

type adj struct{ sl, tp float64 }

// base adjustments keyed by trend alignment with the side, then momentum.
var baseTable = map[alignment]map[string]adj{
	aligned: {
		models.MomentumStrong:    {0.10, 0.25},
		models.MomentumWeak:      {0.05, 0.10},
		models.MomentumReversing: {-0.10, -0.10},
	},
	neutralTrend: {
		models.MomentumStrong:    {0, -0.05},
		models.MomentumWeak:      {0, -0.05},
		models.MomentumReversing: {-0.05, -0.05},
	},
	against: {
		models.MomentumStrong:    {-0.20, -0.15},
		models.MomentumWeak:      {-0.10, -0.10},
		models.MomentumReversing: {0.05, 0.10},
	},
}

// EntryExitModel turns a market regime into stop-loss and take-profit adjustments.
type EntryExitModel struct {
	log *logger.Logger
}

func NewEntryExitModel(l *logger.Logger) *EntryExitModel {
	if l == nil {
		l = logger.NewNop()
	}
	return &EntryExitModel{log: l}
}

// ClassifyRegime labels volatility, trend and momentum. Unknown inputs
// (negative sentinels) fall back to medium volatility and weak momentum.
func ClassifyRegime(f models.UnderlyingFeatures) models.Regime {
	r := models.Regime{
		Volatility: models.VolMedium,
		Trend:      models.TrendSideways,
		Momentum:   models.MomentumWeak,
	}

	if f.IVRank >= 0 {
		switch {
		case f.IVRank < 30:
			r.Volatility = models.VolLow
		case f.IVRank > 70:
			r.Volatility = models.VolHigh
		}
	}

	switch {
	case f.TrendDays > 5:
		r.Trend = models.TrendBullish
	case f.TrendDays < -5:
		r.Trend = models.TrendBearish
	}

	rsiKnown := f.RSI >= 0
	switch {
	case rsiKnown && ((r.Trend == models.TrendBullish && f.RSI < 30) || (r.Trend == models.TrendBearish && f.RSI > 70)):
		r.Momentum = models.MomentumReversing
	case rsiKnown && (f.RSI > 70 || f.RSI < 30):
		r.Momentum = models.MomentumStrong
	case math.Abs(f.TrendDays) >= 10:
		r.Momentum = models.MomentumStrong
	}
	return r
}

// GetRecommendation never fails; faults produce a neutral recommendation.
func (m *EntryExitModel) GetRecommendation(underlying string, side models.Side, f models.UnderlyingFeatures) (rec models.Recommendation) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("entry/exit model panicked", logger.String("symbol", underlying), logger.Any("panic", r))
			rec = NeutralRecommendation(fmt.Sprintf("model fault: %v", r))
		}
	}()

	if err := side.Validate(); err != nil {
		return NeutralRecommendation(err.Error())
	}

	regime := ClassifyRegime(f)
	align := trendAlignment(side, regime.Trend)
	a := baseTable[align][regime.Momentum]
	sl, tp := a.sl, a.tp

	reasons := []string{
		fmt.Sprintf("%s trend with %s momentum (%s)", regime.Trend, regime.Momentum, alignmentLabel(align)),
	}

	switch regime.Volatility {
	case models.VolHigh:
		sl += 0.05
		tp += 0.05
		reasons = append(reasons, "high volatility widens both bands")
	case models.VolLow:
		sl -= 0.05
		tp -= 0.05
		reasons = append(reasons, "low volatility tightens both bands")
	}

	ivKnown := f.IVRank >= 0
	rsiKnown := f.RSI >= 0
	extremeIV := ivKnown && (f.IVRank >= 90 || f.IVRank <= 10)
	extremeRSI := rsiKnown && (f.RSI >= 80 || f.RSI <= 20)
	strongTrend := math.Abs(f.TrendDays) >= 10

	if ivKnown && f.IVRank >= 90 {
		if side == models.SideCall {
			sl -= 0.05
			tp -= 0.05
			reasons = append(reasons, fmt.Sprintf("IV rank %.0f makes call premium expensive", f.IVRank))
		} else {
			tp += 0.10
			reasons = append(reasons, fmt.Sprintf("IV rank %.0f favours puts", f.IVRank))
		}
	} else if ivKnown && f.IVRank <= 10 && side == models.SideCall {
		tp += 0.05
		reasons = append(reasons, fmt.Sprintf("IV rank %.0f makes call premium cheap", f.IVRank))
	}

	if rsiKnown {
		overbought, oversold := f.RSI >= 80, f.RSI <= 20
		if side == models.SidePut {
			overbought, oversold = oversold, overbought
		}
		switch {
		case overbought:
			tp -= 0.10
			sl -= 0.05
			reasons = append(reasons, fmt.Sprintf("RSI %.0f stretched against entry", f.RSI))
		case oversold:
			tp += 0.05
			reasons = append(reasons, fmt.Sprintf("RSI %.0f supports rebound", f.RSI))
		}
	}

	if strongTrend {
		switch align {
		case aligned:
			tp += 0.10
			reasons = append(reasons, fmt.Sprintf("strong trend of %.0f days", f.TrendDays))
		case against:
			sl -= 0.10
			reasons = append(reasons, fmt.Sprintf("strong opposing trend of %.0f days", f.TrendDays))
		}
	}

	if f.ATRPct > 0.04 {
		sl += 0.10
		reasons = append(reasons, fmt.Sprintf("ATR %.1f%% of price needs a wider stop", f.ATRPct*100))
	}

	return models.Recommendation{
		SLPctAdj:   clamp(sl, MinSLAdj, MaxSLAdj),
		TPPctAdj:   clamp(tp, MinTPAdj, MaxTPAdj),
		Confidence: confidence(regime, ivKnown, rsiKnown, extremeIV, extremeRSI, f.ATR >= 0, strongTrend),
		Reasons:    reasons,
		Regime:     &regime,
	}
}

// confidence starts at 0.5 (0.6 when trending) and only grows with evidence.
func confidence(r models.Regime, ivKnown, rsiKnown, extremeIV, extremeRSI, atrKnown, strongTrend bool) float64 {
	c := 0.5
	if r.Trend != models.TrendSideways {
		c = 0.6
	}
	for _, ok := range []bool{ivKnown, rsiKnown, extremeIV, extremeRSI, atrKnown} {
		if ok {
			c += 0.05
		}
	}
	if strongTrend {
		c += 0.1
	}
	return clamp(c, 0, 1)
}

// ValidateRecommendation rejects large adjustments that lack confidence.
func ValidateRecommendation(rec models.Recommendation) (bool, string) {
	for _, v := range []float64{rec.SLPctAdj, rec.TPPctAdj, rec.Confidence} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false, "recommendation contains non-finite values"
		}
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return false, fmt.Sprintf("confidence %.2f outside [0,1]", rec.Confidence)
	}
	large := math.Abs(rec.SLPctAdj) > LargeAdjustment || math.Abs(rec.TPPctAdj) > LargeAdjustment
	if large && rec.Confidence < HighConfidence {
		return false, fmt.Sprintf("adjustment sl=%.2f tp=%.2f requires confidence >= %.2f, got %.2f",
			rec.SLPctAdj, rec.TPPctAdj, HighConfidence, rec.Confidence)
	}
	return true, ""
}

// NeutralRecommendation is the documented fallback: no adjustment, confidence 0.5.
func NeutralRecommendation(reason string) models.Recommendation {
	return models.Recommendation{
		SLPctAdj:   0,
		TPPctAdj:   0,
		Confidence: 0.5,
		Reasons:    []string{"neutral fallback: " + reason},
	}
}

func trendAlignment(side models.Side, trend string) alignment {
	switch {
	case trend == models.TrendSideways:
		return neutralTrend
	case (side == models.SideCall) == (trend == models.TrendBullish):
		return aligned
	default:
		return against
	}
}

func alignmentLabel(a alignment) string {
	switch a {
	case aligned:
		return "aligned"
	case against:
		return "against position"
	default:
		return "no trend"
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
