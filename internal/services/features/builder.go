package features

import (
	"math"
	"sort"
	"time"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/pkg/util"
)

// FeatureSpecVersion tags every FeatureMap. Bump on any schema or derivation change.
const FeatureSpecVersion = "leaps-features/v1"

// Sentinels for missing inputs.
const (
	Unknown           = -1.0
	UnknownTrend      = 0.0
	UntradeableSpread = 1000.0
)

const (
	rsiPeriod   = 14
	atrPeriod   = 14
	trendPeriod = 20
	volWindow   = 20
)

// BuildUnderlyingFeatures derives u_* features. Explicit indicators win over
// values derived from Candles.
func BuildUnderlyingFeatures(p models.UnderlyingParams) models.UnderlyingFeatures {
	candles := sortedCandles(p.Candles)
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	f := models.UnderlyingFeatures{
		Symbol:      p.Symbol,
		Price:       p.Price,
		IVRank:      Unknown,
		RSI:         Unknown,
		TrendDays:   UnknownTrend,
		ATR:         Unknown,
		ATRPct:      Unknown,
		RealizedVol: Unknown,
		HasHistory:  len(candles) >= 2,
	}

	if p.IVRank != nil {
		f.IVRank = *p.IVRank
	}

	if p.RSI != nil {
		f.RSI = *p.RSI
	} else if v, ok := RSI(closes, rsiPeriod); ok {
		f.RSI = v
	}

	if p.TrendDays != nil {
		f.TrendDays = *p.TrendDays
	} else {
		f.TrendDays = TrendDays(closes, trendPeriod)
	}

	if p.ATR != nil {
		f.ATR = *p.ATR
	} else if v, ok := ATR(candles, atrPeriod); ok {
		f.ATR = v
	}
	if f.ATR >= 0 && p.Price > 0 {
		f.ATRPct = f.ATR / p.Price
	}

	if rets := ComputeLogReturns(closes); len(rets) >= volWindow {
		f.RealizedVol = RealizedVolatility(rets, volWindow, TradingDaysPerYear)
	}
	return f
}

// BuildContractFeatures derives c_* features for contract against spot as of asOf.
func BuildContractFeatures(spot float64, c models.OptionContract, asOf time.Time) models.ContractFeatures {
	mid := Mid(c)

	spread := UntradeableSpread
	if c.Bid > 0 && c.Ask > 0 && mid > 0 {
		spread = (c.Ask - c.Bid) / mid * 100
	}

	var intrinsic float64
	if spot > 0 {
		if c.Right == models.RightPut {
			intrinsic = math.Max(0, c.Strike-spot)
		} else {
			intrinsic = math.Max(0, spot-c.Strike)
		}
	}
	extrinsic := math.Max(0, mid-intrinsic)

	delta, absDelta := 0.0, Unknown
	if c.Greeks != nil {
		delta = c.Greeks.Delta
		absDelta = math.Abs(delta)
	}

	epd := Unknown
	if absDelta > 0 {
		epd = extrinsic / absDelta
	}

	moneyness := Unknown
	if spot > 0 {
		moneyness = c.Strike / spot
	}

	return models.ContractFeatures{
		Symbol:            c.Symbol,
		Right:             string(c.Right),
		Strike:            c.Strike,
		DTE:               util.DaysUntil(asOf, c.Expiration),
		Mid:               mid,
		SpreadPct:         spread,
		Delta:             delta,
		AbsDelta:          absDelta,
		Intrinsic:         intrinsic,
		Extrinsic:         extrinsic,
		ExtrinsicPerDelta: epd,
		Moneyness:         moneyness,
		ImpliedVol:        c.ImpliedVol,
		Volume:            float64(c.Volume),
		OpenInterest:      float64(c.OpenInterest),
	}
}

// BuildCombinedFeatures joins both halves under the feature version tag.
func BuildCombinedFeatures(u models.UnderlyingFeatures, c models.ContractFeatures) models.FeatureMap {
	return models.FeatureMap{Spec: FeatureSpecVersion, Underlying: u, Contract: c}
}

// BuildCandidates pairs every contract with its combined features, preserving order.
func BuildCandidates(u models.UnderlyingFeatures, contracts []models.OptionContract, asOf time.Time) []models.Candidate {
	out := make([]models.Candidate, len(contracts))
	for i, c := range contracts {
		out[i] = models.Candidate{
			Contract: c,
			Features: BuildCombinedFeatures(u, BuildContractFeatures(u.Price, c, asOf)),
		}
	}
	return out
}

// Mid is the bid/ask midpoint, falling back to last then to whichever side is quoted.
func Mid(c models.OptionContract) float64 {
	switch {
	case c.Bid > 0 && c.Ask > 0:
		return (c.Bid + c.Ask) / 2
	case c.Last > 0:
		return c.Last
	default:
		return math.Max(c.Bid, c.Ask)
	}
}

func sortedCandles(in []models.Candle) []models.Candle {
	out := make([]models.Candle, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}
