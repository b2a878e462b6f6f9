package models

import (
	"fmt"
	"time"
)

// OptionRight is the contract type.
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

func (r OptionRight) Validate() error {
	switch r {
	case RightCall, RightPut:
		return nil
	default:
		return fmt.Errorf("invalid option right: %q", string(r))
	}
}

// Side is the strategy direction: long calls or long puts.
type Side string

const (
	SideCall Side = "call"
	SidePut  Side = "put"
)

func (s Side) Validate() error {
	switch s {
	case SideCall, SidePut:
		return nil
	default:
		return fmt.Errorf("invalid side: %q", string(s))
	}
}

// Right returns the option right traded for this side.
func (s Side) Right() OptionRight {
	if s == SidePut {
		return RightPut
	}
	return RightCall
}

// Greeks are absent until quoted.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OptionContract is an immutable quote snapshot. A new quote is a new value.
type OptionContract struct {
	Symbol       string      `json:"symbol" validate:"required"`
	Underlying   string      `json:"underlying"`
	Strike       float64     `json:"strike" validate:"gt=0"`
	Expiration   time.Time   `json:"expiration" validate:"required"`
	Right        OptionRight `json:"right" validate:"oneof=call put"`
	Bid          float64     `json:"bid" validate:"gte=0"`
	Ask          float64     `json:"ask" validate:"gte=0"`
	Last         float64     `json:"last" validate:"gte=0"`
	Volume       int64       `json:"volume" validate:"gte=0"`
	OpenInterest int64       `json:"open_interest" validate:"gte=0"`
	ImpliedVol   float64     `json:"implied_vol" validate:"gte=0"`
	Greeks       *Greeks     `json:"greeks,omitempty"`
}

// Clone returns a copy that shares no memory with c.
func (c OptionContract) Clone() OptionContract {
	if c.Greeks != nil {
		g := *c.Greeks
		c.Greeks = &g
	}
	return c
}

// CloneChain deep-copies a chain. nil stays nil.
func CloneChain(chain []OptionContract) []OptionContract {
	if chain == nil {
		return nil
	}
	out := make([]OptionContract, len(chain))
	for i, c := range chain {
		out[i] = c.Clone()
	}
	return out
}

// MarketData is the underlying snapshot returned by data providers.
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume"`
	IVRank    *float64  `json:"iv_rank,omitempty"`
	RSI       *float64  `json:"rsi,omitempty"`
	TrendDays *float64  `json:"trend_days,omitempty"`
	ATR       *float64  `json:"atr,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Clone returns a copy that shares no memory with m.
func (m MarketData) Clone() MarketData {
	m.IVRank = cloneFloat(m.IVRank)
	m.RSI = cloneFloat(m.RSI)
	m.TrendDays = cloneFloat(m.TrendDays)
	m.ATR = cloneFloat(m.ATR)
	return m
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Float(*p)
}

// Candle represents an OHLCV bar used for indicator derivation and price paths.
type Candle struct {
	Bucket time.Time `json:"bucket"`
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// ProviderHealth is one row of the router health report.
type ProviderHealth struct {
	Name      string        `json:"name"`
	Priority  int           `json:"priority"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	Breaker   string        `json:"breaker_state,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Float returns a pointer to v. Handy for optional inputs.
func Float(v float64) *float64 { return &v }
