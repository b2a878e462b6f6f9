package models

import "time"

// Strategy tags for LEAPS picks.
const (
	StrategyStockReplacement = "stock_replacement"
	StrategyBalanced         = "balanced"
	StrategyLeveraged        = "leveraged"
	StrategyProtective       = "protective_put"
	StrategyBearish          = "bearish_leaps_put"
)

type RiskReward struct {
	Risk   float64 `json:"risk"`
	Reward float64 `json:"reward"`
	Ratio  float64 `json:"ratio"`
}

type PickMetadata struct {
	SelectedAt   time.Time `json:"selected_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Source       string    `json:"source"`
	ModelVersion string    `json:"model_version"`
}

// LeapsPick is read-only after creation.
type LeapsPick struct {
	Contract    OptionContract `json:"contract"`
	Strategy    string         `json:"strategy"`
	Score       float64        `json:"score"`
	Confidence  float64        `json:"confidence"`
	EntryPrice  float64        `json:"entry_price"`
	TargetPrice float64        `json:"target_price"`
	StopPrice   float64        `json:"stop_price"`
	HorizonDays int            `json:"horizon_days"`
	RiskReward  RiskReward     `json:"risk_reward"`
	Rationale   []string       `json:"rationale"`
	Metadata    PickMetadata   `json:"metadata"`
}

// Expired reports whether the recommendation is past its metadata expiry.
func (p LeapsPick) Expired(now time.Time) bool {
	return !p.Metadata.ExpiresAt.IsZero() && now.After(p.Metadata.ExpiresAt)
}

// SelectionCriteria screens LEAPS candidates. Zero values are replaced by defaults.
type SelectionCriteria struct {
	MinDTE          int     `json:"min_dte" default:"365" validate:"gte=0"`
	MinDelta        float64 `json:"min_delta" default:"0.5" validate:"gte=0,lte=1"`
	MaxDelta        float64 `json:"max_delta" default:"0.85" validate:"gte=0,lte=1,gtefield=MinDelta"`
	MinOpenInterest int64   `json:"min_open_interest" default:"10" validate:"gte=0"`
	MinVolume       int64   `json:"min_volume" default:"0" validate:"gte=0"`
	MaxSpreadPct    float64 `json:"max_spread_pct" default:"15" validate:"gt=0"`
	MaxResults      int     `json:"max_results" default:"5" validate:"gte=1,lte=50"`
}

type SelectionRequest struct {
	Symbol     string            `json:"symbol" validate:"required"`
	Side       Side              `json:"side" default:"call" validate:"oneof=call put"`
	Underlying UnderlyingParams  `json:"underlying"`
	Chain      []OptionContract  `json:"chain" validate:"dive"`
	Criteria   SelectionCriteria `json:"criteria"`
	AsOf       time.Time         `json:"as_of"`
}

// LEAPSSelection is the ranked, capped result of a selection run.
type LEAPSSelection struct {
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	Picks      []LeapsPick    `json:"picks"`
	Considered int            `json:"considered"`
	Eligible   int            `json:"eligible"`
	Screened   int            `json:"screened"`
	Rejections map[string]int `json:"rejections,omitempty"`
	SelectedAt time.Time      `json:"selected_at"`
}
