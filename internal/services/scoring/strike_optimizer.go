package scoring

import (
	"fmt"
	"math"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/domain/service"
	"LeapsEngine/pkg/logger"
)

var _ service.CandidateScorer = (*StrikeOptimizer)(nil)

// NeutralScore is returned for every candidate when scoring cannot proceed.
const NeutralScore = 0.5

// Weights of the five strike factors. They sum to 1.
type Weights struct {
	Delta     float64
	DTE       float64
	Liquidity float64
	IVFit     float64
	Extrinsic float64
}

var DefaultWeights = Weights{Delta: 0.30, DTE: 0.20, Liquidity: 0.20, IVFit: 0.15, Extrinsic: 0.15}

const (
	liquidityVolumeNorm = 500.0
	liquidityOINorm     = 1000.0
	liquiditySpreadNorm = 10.0 // percent
	extrinsicNorm       = 0.3  // extrinsic-per-delta as a fraction of spot
	otmBonus            = 0.1
)

type StrikeOptimizer struct {
	weights Weights
	log     *logger.Logger
}

type OptimizerOption func(*StrikeOptimizer)

func WithWeights(w Weights) OptimizerOption                { return func(o *StrikeOptimizer) { o.weights = w } }
func WithOptimizerLogger(l *logger.Logger) OptimizerOption { return func(o *StrikeOptimizer) { o.log = l } }

func NewStrikeOptimizer(opts ...OptimizerOption) *StrikeOptimizer {
	o := &StrikeOptimizer{weights: DefaultWeights, log: logger.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FactorScores are the normalized sub-scores of one candidate, each in [0,1].
type FactorScores struct {
	Delta     float64
	DTE       float64
	Liquidity float64
	IVFit     float64
	Extrinsic float64
}

// ScoreCandidates scores every candidate against sc. It never fails: a bad
// context or an internal fault yields NeutralScore for all candidates.
func (o *StrikeOptimizer) ScoreCandidates(candidates []models.Candidate, sc models.SelectionContext) (out []models.ScoredCandidate) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("strike scoring panicked", logger.Any("panic", r))
			out = Neutral(candidates, fmt.Sprintf("scoring fault: %v", r))
		}
	}()

	if err := validateContext(sc); err != nil {
		o.log.Warn("invalid selection context", logger.Error(err))
		return Neutral(candidates, err.Error())
	}

	out = make([]models.ScoredCandidate, len(candidates))
	for i, c := range candidates {
		f := o.Factors(c.Features, sc)
		out[i] = models.ScoredCandidate{
			Contract: c.Contract,
			Features: c.Features,
			Score:    Clamp01(o.combine(f)),
			Reasons:  explain(c.Features, sc, f),
		}
	}
	return out
}

// Factors computes the five sub-scores for one candidate.
func (o *StrikeOptimizer) Factors(fm models.FeatureMap, sc models.SelectionContext) FactorScores {
	c := fm.Contract

	var delta float64
	if c.AbsDelta >= 0 {
		delta = Alignment(c.AbsDelta, sc.DeltaRange)
	}

	ivRank := fm.Underlying.IVRank
	if sc.IVRank != nil {
		ivRank = *sc.IVRank
	}

	return FactorScores{
		Delta:     delta,
		DTE:       Alignment(float64(c.DTE), sc.DTERange),
		Liquidity: Liquidity(c.Volume, c.OpenInterest, c.SpreadPct),
		IVFit:     IVFit(sc.Side, ivRank),
		Extrinsic: ExtrinsicEfficiency(c, fm.Underlying.Price),
	}
}

func (o *StrikeOptimizer) combine(f FactorScores) float64 {
	w := o.weights
	return w.Delta*f.Delta + w.DTE*f.DTE + w.Liquidity*f.Liquidity + w.IVFit*f.IVFit + w.Extrinsic*f.Extrinsic
}

// Alignment peaks at 1 on the range midpoint and decays linearly to 0 at half the width.
func Alignment(x float64, r models.Range) float64 {
	half := r.HalfWidth()
	if half <= 0 {
		if x == r.Mid() {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-math.Abs(x-r.Mid())/half)
}

// Liquidity blends volume, open interest and spread tightness.
func Liquidity(volume, openInterest, spreadPct float64) float64 {
	vol := math.Min(math.Max(volume, 0)/liquidityVolumeNorm, 1)
	oi := math.Min(math.Max(openInterest, 0)/liquidityOINorm, 1)
	tight := math.Max(0, 1-spreadPct/liquiditySpreadNorm)
	return 0.3*vol + 0.3*oi + 0.4*tight
}

// IVFit favours low IV rank for calls and high IV rank for puts. Unknown rank scores 0.6.
func IVFit(side models.Side, ivRank float64) float64 {
	if ivRank < 0 {
		return 0.6
	}
	if side == models.SidePut {
		switch {
		case ivRank >= 75:
			return 1.0
		case ivRank >= 50:
			return 0.8
		case ivRank >= 25:
			return 0.6
		default:
			return 0.4
		}
	}
	switch {
	case ivRank < 25:
		return 1.0
	case ivRank < 50:
		return 0.8
	case ivRank < 75:
		return 0.6
	default:
		return 0.4
	}
}

// ExtrinsicEfficiency rewards cheap time value per unit of delta and slight out-of-the-moneyness.
func ExtrinsicEfficiency(c models.ContractFeatures, spot float64) float64 {
	if c.ExtrinsicPerDelta < 0 || spot <= 0 {
		return 0
	}
	score := math.Max(0, 1-(c.ExtrinsicPerDelta/spot)/extrinsicNorm)

	m := c.Moneyness
	if c.Right == string(models.RightPut) {
		if m > 0.9 && m <= 1 {
			score += otmBonus
		}
	} else if m > 1 && m <= 1.1 {
		score += otmBonus
	}
	return math.Min(score, 1)
}

// Neutral scores every candidate NeutralScore with the given reason.
func Neutral(candidates []models.Candidate, reason string) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = models.ScoredCandidate{
			Contract: c.Contract,
			Features: c.Features,
			Score:    NeutralScore,
			Reasons:  []string{"neutral fallback: " + reason},
		}
	}
	return out
}

func validateContext(sc models.SelectionContext) error {
	if err := sc.Side.Validate(); err != nil {
		return err
	}
	for name, r := range map[string]models.Range{"delta": sc.DeltaRange, "dte": sc.DTERange} {
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
			return fmt.Errorf("%s range is not finite", name)
		}
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("%s range [%v,%v] is invalid", name, r.Min, r.Max)
		}
	}
	return nil
}

func explain(fm models.FeatureMap, sc models.SelectionContext, f FactorScores) []string {
	c := fm.Contract
	var reasons []string
	switch {
	case c.AbsDelta < 0:
		reasons = append(reasons, "delta unavailable")
	case f.Delta >= 0.8:
		reasons = append(reasons, fmt.Sprintf("delta %.2f close to target %.2f", c.AbsDelta, sc.DeltaRange.Mid()))
	case f.Delta == 0:
		reasons = append(reasons, fmt.Sprintf("delta %.2f outside target band", c.AbsDelta))
	}
	if f.DTE == 0 {
		reasons = append(reasons, fmt.Sprintf("%d DTE outside target band", c.DTE))
	}
	if f.Liquidity >= 0.7 {
		reasons = append(reasons, "liquid contract")
	} else if f.Liquidity < 0.3 {
		reasons = append(reasons, "thin liquidity")
	}
	if f.IVFit >= 0.8 {
		reasons = append(reasons, "IV rank favours this side")
	}
	if f.Extrinsic >= 0.8 {
		reasons = append(reasons, "efficient time value")
	}
	return reasons
}

// Clamp01 bounds v to [0,1]; NaN maps to NeutralScore.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return NeutralScore
	}
	return math.Max(0, math.Min(1, v))
}
