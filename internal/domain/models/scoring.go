package models

import "time"

// Range is an inclusive numeric target band.
type Range struct {
	Min float64 `json:"min" validate:"gte=0"`
	Max float64 `json:"max" validate:"gtefield=Min"`
}

func (r Range) Mid() float64       { return (r.Min + r.Max) / 2 }
func (r Range) HalfWidth() float64 { return (r.Max - r.Min) / 2 }

// SelectionContext drives the strike optimizer.
type SelectionContext struct {
	Side       Side     `json:"side"`
	DeltaRange Range    `json:"delta_range"`
	DTERange   Range    `json:"dte_range"`
	IVRank     *float64 `json:"iv_rank,omitempty"`
}

// Candidate pairs a contract with its combined features.
type Candidate struct {
	Contract OptionContract `json:"contract"`
	Features FeatureMap     `json:"features"`
}

// ScoredCandidate carries a score clamped to [0,1].
type ScoredCandidate struct {
	Contract OptionContract `json:"contract"`
	Features FeatureMap     `json:"features"`
	Score    float64        `json:"score"`
	Reasons  []string       `json:"reasons,omitempty"`
}

// Regime labels produced by the entry/exit model.
type Regime struct {
	Volatility string `json:"volatility"` // low, medium, high
	Trend      string `json:"trend"`      // bullish, bearish, sideways
	Momentum   string `json:"momentum"`   // strong, weak, reversing
}

const (
	VolLow    = "low"
	VolMedium = "medium"
	VolHigh   = "high"

	TrendBullish  = "bullish"
	TrendBearish  = "bearish"
	TrendSideways = "sideways"

	MomentumStrong    = "strong"
	MomentumWeak      = "weak"
	MomentumReversing = "reversing"
)

// Recommendation is a stop-loss / take-profit adjustment with confidence.
type Recommendation struct {
	SLPctAdj   float64  `json:"sl_pct_adj"`
	TPPctAdj   float64  `json:"tp_pct_adj"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Regime     *Regime  `json:"regime,omitempty"`
}

// StrikeScoringRequest is the exposed scoring DTO.
type StrikeScoringRequest struct {
	Symbol     string           `json:"symbol" validate:"required"`
	Side       Side             `json:"side" default:"call" validate:"oneof=call put"`
	Underlying UnderlyingParams `json:"underlying"`
	Candidates []OptionContract `json:"candidates" validate:"required,min=1,dive"`
	DeltaRange Range            `json:"delta_range"`
	DTERange   Range            `json:"dte_range"`
	IVRank     *float64         `json:"iv_rank,omitempty" validate:"omitempty,gte=0,lte=100"`
	AsOf       time.Time        `json:"as_of"`
}

// StrikeScore is positionally aligned with the request candidates.
type StrikeScore struct {
	Symbol  string   `json:"symbol"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

type StrikeScoringResponse struct {
	Scores       []StrikeScore `json:"scores"`
	Model        string        `json:"model"`
	ModelVersion string        `json:"model_version"`
	FeatureSpec  string        `json:"feature_spec"`
	Ensemble     bool          `json:"ensemble"`
	ScoredAt     time.Time     `json:"scored_at"`
}

type EntryExitRequest struct {
	Symbol     string           `json:"symbol" validate:"required"`
	Side       Side             `json:"side" default:"call" validate:"oneof=call put"`
	Underlying UnderlyingParams `json:"underlying"`
}

type EntryExitResponse struct {
	SLPctAdj         float64   `json:"sl_pct_adj"`
	TPPctAdj         float64   `json:"tp_pct_adj"`
	Confidence       float64   `json:"confidence"`
	Reasons          []string  `json:"reasons"`
	Regime           *Regime   `json:"regime,omitempty"`
	Valid            bool      `json:"valid"`
	ValidationReason string    `json:"validation_reason,omitempty"`
	Model            string    `json:"model"`
	ModelVersion     string    `json:"model_version"`
	GeneratedAt      time.Time `json:"generated_at"`
}
