package models

import "time"

// UnderlyingParams is the raw input for underlying-level features.
// Nil indicators are derived from Candles when history is supplied,
// otherwise encoded with sentinels.
type UnderlyingParams struct {
	Symbol    string    `json:"symbol" validate:"required"`
	Price     float64   `json:"price" validate:"gt=0"`
	IVRank    *float64  `json:"iv_rank,omitempty" validate:"omitempty,gte=0,lte=100"`
	RSI       *float64  `json:"rsi,omitempty" validate:"omitempty,gte=0,lte=100"`
	TrendDays *float64  `json:"trend_days,omitempty"`
	ATR       *float64  `json:"atr,omitempty" validate:"omitempty,gte=0"`
	Candles   []Candle  `json:"candles,omitempty"`
	AsOf      time.Time `json:"as_of"`
}

// UnderlyingFeatures holds the u_* keys.
type UnderlyingFeatures struct {
	Symbol      string  `json:"u_symbol"`
	Price       float64 `json:"u_price"`
	IVRank      float64 `json:"u_iv_rank"`
	RSI         float64 `json:"u_rsi"`
	TrendDays   float64 `json:"u_trend_days"`
	ATR         float64 `json:"u_atr"`
	ATRPct      float64 `json:"u_atr_pct"`
	RealizedVol float64 `json:"u_realized_vol"`
	HasHistory  bool    `json:"u_has_history"`
}

// ContractFeatures holds the c_* keys.
type ContractFeatures struct {
	Symbol            string  `json:"c_symbol"`
	Right             string  `json:"c_right"`
	Strike            float64 `json:"c_strike"`
	DTE               int     `json:"c_dte"`
	Mid               float64 `json:"c_mid"`
	SpreadPct         float64 `json:"c_spread_pct"`
	Delta             float64 `json:"c_delta"`
	AbsDelta          float64 `json:"c_abs_delta"`
	Intrinsic         float64 `json:"c_intrinsic"`
	Extrinsic         float64 `json:"c_extrinsic"`
	ExtrinsicPerDelta float64 `json:"c_extrinsic_per_delta"`
	Moneyness         float64 `json:"c_moneyness"`
	ImpliedVol        float64 `json:"c_iv"`
	Volume            float64 `json:"c_volume"`
	OpenInterest      float64 `json:"c_open_interest"`
}

// FeatureMap is the versioned feature record shared by live scoring and backtests.
type FeatureMap struct {
	Spec       string             `json:"_spec"`
	Underlying UnderlyingFeatures `json:"underlying"`
	Contract   ContractFeatures   `json:"contract"`
}

// Flatten returns the flat wire form: u_* and c_* keys plus _spec.
func (f FeatureMap) Flatten() map[string]any {
	u, c := f.Underlying, f.Contract
	return map[string]any{
		"_spec":                 f.Spec,
		"u_symbol":              u.Symbol,
		"u_price":               u.Price,
		"u_iv_rank":             u.IVRank,
		"u_rsi":                 u.RSI,
		"u_trend_days":          u.TrendDays,
		"u_atr":                 u.ATR,
		"u_atr_pct":             u.ATRPct,
		"u_realized_vol":        u.RealizedVol,
		"u_has_history":         u.HasHistory,
		"c_symbol":              c.Symbol,
		"c_right":               c.Right,
		"c_strike":              c.Strike,
		"c_dte":                 c.DTE,
		"c_mid":                 c.Mid,
		"c_spread_pct":          c.SpreadPct,
		"c_delta":               c.Delta,
		"c_abs_delta":           c.AbsDelta,
		"c_intrinsic":           c.Intrinsic,
		"c_extrinsic":           c.Extrinsic,
		"c_extrinsic_per_delta": c.ExtrinsicPerDelta,
		"c_moneyness":           c.Moneyness,
		"c_iv":                  c.ImpliedVol,
		"c_volume":              c.Volume,
		"c_open_interest":       c.OpenInterest,
	}
}
