package models

import "time"

type ExitReason string

const (
	ExitTakeProfit ExitReason = "tp"
	ExitStopLoss   ExitReason = "sl"
	ExitExpiry     ExitReason = "expiry"
	ExitManual     ExitReason = "manual"
)

// BacktestParams configures a single Run.
type BacktestParams struct {
	Symbols         []string  `json:"symbols" validate:"required,min=1,dive,required"`
	StartDate       time.Time `json:"start_date" validate:"required"`
	EndDate         time.Time `json:"end_date" validate:"required,gtefield=StartDate"`
	Side            Side      `json:"side" default:"call" validate:"oneof=call put"`
	UseML           bool      `json:"use_ml"`
	IVRankGate      *float64  `json:"iv_rank_gate,omitempty" validate:"omitempty,gte=0,lte=100"`
	InitialCapital  float64   `json:"initial_capital" default:"100000" validate:"gt=0"`
	MaxPositions    int       `json:"max_positions" default:"5" validate:"gte=1,lte=100"`
	PositionSizePct float64   `json:"position_size_pct" default:"10" validate:"gt=0,lte=100"`
	Seed            *int64    `json:"seed,omitempty"`
}

// DefaultSeed is used when BacktestParams.Seed is unset.
const DefaultSeed int64 = 42

// SeedValue returns the configured seed, 0 included, or DefaultSeed.
func (p BacktestParams) SeedValue() int64 {
	if p.Seed == nil {
		return DefaultSeed
	}
	return *p.Seed
}

// Trade is one simulated round trip.
type Trade struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Contract   string     `json:"contract"`
	Strike     float64    `json:"strike"`
	Expiration time.Time  `json:"expiration"`
	EntryDate  time.Time  `json:"entry_date"`
	ExitDate   time.Time  `json:"exit_date"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Quantity   int        `json:"quantity"`
	PnL        float64    `json:"pnl"`
	ReturnPct  float64    `json:"return_pct"`
	HoldDays   int        `json:"hold_days"`
	ExitReason ExitReason `json:"exit_reason"`
	MLScore    *float64   `json:"ml_score,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
}

type EquityPoint struct {
	Date     time.Time `json:"date"`
	Value    float64   `json:"value"`
	Drawdown float64   `json:"drawdown"`
}

type SymbolStats struct {
	Symbol  string  `json:"symbol"`
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	AvgPnL  float64 `json:"avg_pnl"`
}

type BacktestSummary struct {
	TotalTrades          int     `json:"total_trades"`
	WinningTrades        int     `json:"winning_trades"`
	LosingTrades         int     `json:"losing_trades"`
	WinRate              float64 `json:"win_rate"`
	TotalPnL             float64 `json:"total_pnl"`
	AvgReturnPerTrade    float64 `json:"avg_return_per_trade"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	Sharpe               float64 `json:"sharpe"`
	Sortino              float64 `json:"sortino"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	FinalCapital         float64 `json:"final_capital"`
	TotalReturnPct       float64 `json:"total_return_pct"`
}

// BacktestResult is immutable once returned from Run.
type BacktestResult struct {
	ID          string                 `json:"id"`
	Params      BacktestParams         `json:"params"`
	Summary     BacktestSummary        `json:"summary"`
	Trades      []Trade                `json:"trades"`
	EquityCurve []EquityPoint          `json:"equity_curve"`
	BySymbol    map[string]SymbolStats `json:"by_symbol"`
	Skipped     int                    `json:"skipped"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// JobState tracks an asynchronous backtest.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// BacktestJob is the status record of an asynchronous backtest run.
type BacktestJob struct {
	ID          string          `json:"id"`
	State       JobState        `json:"state"`
	Error       string          `json:"error,omitempty"`
	Params      BacktestParams  `json:"params"`
	Result      *BacktestResult `json:"result,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
