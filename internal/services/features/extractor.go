package features

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"github.com/montanaflynn/stats"

	"LeapsEngine/internal/domain/models"
)

// TradingDaysPerYear annualizes daily volatility.
const TradingDaysPerYear = 252

// ComputeLogReturns computes log returns r_t = ln(C_t / C_{t-1}).
// It returns a slice of length len(closes)-1, or nil if insufficient data.
func ComputeLogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		cur := closes[i]
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility computes annualized realized volatility over the last
// window returns using the provided number of bars per year.
func RealizedVolatility(logReturns []float64, window int, barsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	sd, err := stats.StandardDeviationSample(logReturns[len(logReturns)-window:])
	if err != nil || math.IsNaN(sd) {
		return 0
	}
	return sd * math.Sqrt(barsPerYear)
}

// RSI is Wilder's relative strength index over period. ok is false when
// there are fewer than period+1 closes. A series that never moves is 50.
func RSI(closes []float64, period int) (float64, bool) {
	if period < 2 || len(closes) < period+1 {
		return 0, false
	}
	lo, _ := stats.Min(closes)
	hi, _ := stats.Max(closes)
	if lo == hi {
		return 50, true
	}
	out := talib.Rsi(closes, period)
	return out[len(out)-1], true
}

// ATR is Wilder's average true range over period.
func ATR(candles []models.Candle, period int) (float64, bool) {
	if period < 2 || len(candles) < period+1 {
		return 0, false
	}
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		high[i], low[i], closes[i] = c.High, c.Low, c.Close
	}
	out := talib.Atr(high, low, closes, period)
	return out[len(out)-1], true
}

// TrendDays counts the most recent consecutive closes on one side of their
// trailing SMA(period): positive above, negative below, 0 when undetermined.
func TrendDays(closes []float64, period int) float64 {
	if period < 1 || len(closes) < period {
		return 0
	}
	sma := talib.Sma(closes, period)
	sign := 0
	count := 0
	for i := len(closes) - 1; i >= period-1; i-- {
		s := 0
		switch {
		case closes[i] > sma[i]:
			s = 1
		case closes[i] < sma[i]:
			s = -1
		}
		if s == 0 || (sign != 0 && s != sign) {
			break
		}
		sign = s
		count++
	}
	return float64(sign * count)
}
