package simulation

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/services/features"
	"LeapsEngine/pkg/util"
)

// Heuristic premium model. Not a pricing library: premium is intrinsic value
// plus spot*iv*sqrt(T)*TimeValueFactor.
const (
	TimeValueFactor = 0.4
	MinOptionValue  = 0.01
	spreadPct       = 0.02
	minSpread       = 0.05
)

// ChainSpec shapes a synthetic chain.
type ChainSpec struct {
	Expirations []int     // days from asOf
	Moneyness   []float64 // strike / spot
}

// DefaultChainSpec mixes short-dated and LEAPS expirations around the money.
func DefaultChainSpec() ChainSpec {
	return ChainSpec{
		Expirations: []int{45, 200, 400, 540, 720},
		Moneyness:   []float64{0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1.0, 1.05, 1.1, 1.2},
	}
}

// BuildChain prices every expiration x strike pair for right. rng drives volume
// and open interest only; prices are a pure function of the inputs.
func BuildChain(symbol string, spot, iv float64, right models.OptionRight, asOf time.Time, spec ChainSpec, rng *rand.Rand) []models.OptionContract {
	asOf = util.TruncateDay(asOf)
	out := make([]models.OptionContract, 0, len(spec.Expirations)*len(spec.Moneyness))
	for _, dte := range spec.Expirations {
		exp := asOf.AddDate(0, 0, dte)
		years := float64(dte) / 365
		for _, m := range spec.Moneyness {
			strike := math.Round(spot*m*2) / 2
			mid := Premium(spot, strike, iv, years, right)
			half := math.Max(mid*spreadPct, minSpread) / 2
			delta := Delta(spot, strike, iv, years, right)

			oi := int64(50 + rng.Intn(2000))
			if math.Abs(m-1) <= 0.1 {
				oi += 1000
			}
			out = append(out, models.OptionContract{
				Symbol:       ContractSymbol(symbol, exp, right, strike),
				Underlying:   symbol,
				Strike:       strike,
				Expiration:   exp,
				Right:        right,
				Bid:          math.Max(mid-half, MinOptionValue),
				Ask:          mid + half,
				Last:         mid,
				Volume:       int64(rng.Intn(500)),
				OpenInterest: oi,
				ImpliedVol:   iv,
				Greeks: &models.Greeks{
					Delta: delta,
					Theta: -Theta(spot, strike, iv, years, right),
				},
			})
		}
	}
	return out
}

// Premium is intrinsic plus heuristic time value.
func Premium(spot, strike, iv, years float64, right models.OptionRight) float64 {
	intrinsic := math.Max(spot-strike, 0)
	if right == models.RightPut {
		intrinsic = math.Max(strike-spot, 0)
	}
	return math.Max(intrinsic+spot*iv*math.Sqrt(math.Max(years, 0))*TimeValueFactor, MinOptionValue)
}

// Delta approximates delta with the normal CDF of the log-moneyness z-score.
// Calls are positive, puts negative.
func Delta(spot, strike, iv, years float64, right models.OptionRight) float64 {
	sd := iv * math.Sqrt(years)
	var call float64
	switch {
	case sd <= 0 && spot > strike:
		call = 1
	case sd <= 0:
		call = 0
	default:
		d1 := (math.Log(spot/strike) + 0.5*sd*sd) / sd
		call = 0.5 * (1 + math.Erf(d1/math.Sqrt2))
	}
	if right == models.RightPut {
		return call - 1
	}
	return call
}

// Theta is the daily time-value decay, assumed linear to expiry. Returned positive.
func Theta(spot, strike, iv, years float64, right models.OptionRight) float64 {
	days := years * 365
	if days <= 0 {
		return 0
	}
	p := Premium(spot, strike, iv, years, right)
	intrinsic := math.Max(spot-strike, 0)
	if right == models.RightPut {
		intrinsic = math.Max(strike-spot, 0)
	}
	return math.Max(p-intrinsic, 0) / days
}

// ContractSymbol renders an OCC-style symbol, e.g. SPY250117C00450000.
func ContractSymbol(underlying string, exp time.Time, right models.OptionRight, strike float64) string {
	r := "C"
	if right == models.RightPut {
		r = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", underlying, exp.Format("060102"), r, int64(math.Round(strike*1000)))
}

// ImpliedVolatility proxies IV with annualized realized volatility of the
// trailing window, floored at 10%.
func ImpliedVolatility(closes []float64, window int) float64 {
	rv := features.RealizedVolatility(features.ComputeLogReturns(closes), window, features.TradingDaysPerYear)
	if math.IsNaN(rv) || rv < 0.1 {
		return 0.1
	}
	return rv
}

// IVRank is the 0-100 position of the latest window volatility within the
// range of rolling window volatilities over history. ok is false when history
// is shorter than two windows.
func IVRank(history []float64, window int) (float64, bool) {
	if window < 2 || len(history) < 2*window+1 {
		return 0, false
	}
	rets := features.ComputeLogReturns(history)
	vols := make([]float64, 0, len(rets)-window+1)
	for end := window; end <= len(rets); end++ {
		vols = append(vols, features.RealizedVolatility(rets[:end], window, features.TradingDaysPerYear))
	}
	cur := vols[len(vols)-1]
	lo, hi := cur, cur
	for _, v := range vols {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if hi-lo <= 0 {
		return 50, true
	}
	return (cur - lo) / (hi - lo) * 100, true
}
