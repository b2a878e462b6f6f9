package simulation

import (
	"math"

	"LeapsEngine/internal/domain/models"
)

// Exit thresholds as multiples of the entry price.
const (
	StopLossFactor   = 0.65
	TakeProfitFactor = 2.0
	MaxHoldDays      = 365
)

// ExitRule bounds a simulated position.
type ExitRule struct {
	StopLoss   float64 // fraction of entry, e.g. 0.65
	TakeProfit float64 // multiple of entry, e.g. 2.0
	MaxHold    int
}

func DefaultExitRule() ExitRule {
	return ExitRule{StopLoss: StopLossFactor, TakeProfit: TakeProfitFactor, MaxHold: MaxHoldDays}
}

// Exit is where a simulated position closed.
type Exit struct {
	Day    int
	Price  float64
	Reason models.ExitReason
}

// OptionValue marks an option on day t after entry using a first-order
// delta/theta model: max(MinOptionValue, entry + delta*(S_t-S_0) - theta*t).
func OptionValue(entry, delta, theta, spot0, spotT float64, t int) float64 {
	v := entry + delta*(spotT-spot0) - math.Abs(theta)*float64(t)
	return math.Max(v, MinOptionValue)
}

// WalkExit scans path (path[0] is the entry-day underlying close) day by day
// and returns the first stop-loss or take-profit hit. Without a hit the
// position closes at expiry: the last available day within MaxHold and dte.
func WalkExit(entry, delta, theta float64, path []float64, dte int, rule ExitRule) Exit {
	last := rule.MaxHold
	if dte > 0 && dte < last {
		last = dte
	}
	if last > len(path)-1 {
		last = len(path) - 1
	}
	if last < 1 {
		return Exit{Day: 0, Price: entry, Reason: models.ExitExpiry}
	}

	stop := entry * rule.StopLoss
	target := entry * rule.TakeProfit
	var v float64
	for t := 1; t <= last; t++ {
		v = OptionValue(entry, delta, theta, path[0], path[t], t)
		switch {
		case v <= stop:
			return Exit{Day: t, Price: v, Reason: models.ExitStopLoss}
		case v >= target:
			return Exit{Day: t, Price: v, Reason: models.ExitTakeProfit}
		}
	}
	return Exit{Day: last, Price: v, Reason: models.ExitExpiry}
}
