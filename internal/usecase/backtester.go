package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"

	"LeapsEngine/internal/domain/models"
	domrepo "LeapsEngine/internal/domain/repository"
	"LeapsEngine/internal/services/features"
	"LeapsEngine/internal/services/simulation"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/logger"
	"LeapsEngine/pkg/util"
)

const (
	contractMultiplier = 100
	defaultLookback    = 120
	defaultIVWindow    = 20
	backtestMinDTE     = 365
)

var (
	errNoOpportunity    = errors.New("no opportunity")
	errInsufficientData = errors.New("insufficient price history")
)

// Backtester replays the LEAPS strategy day by day over a price history.
// Without WithPriceHistory each run uses a RandomWalk seeded from the params.
type Backtester struct {
	history   domrepo.PriceHistory
	engine    *MLEngine
	selector  *ContractSelector
	publisher domrepo.ResultPublisher
	chainSpec simulation.ChainSpec
	exitRule  simulation.ExitRule
	lookback  int
	ivWindow  int
	metrics   domrepo.Metrics
	log       *logger.Logger
	now       func() time.Time
}

type BacktestOption func(*Backtester)

func WithPriceHistory(h domrepo.PriceHistory) BacktestOption       { return func(b *Backtester) { b.history = h } }
func WithEngine(e *MLEngine) BacktestOption                        { return func(b *Backtester) { b.engine = e } }
func WithSelector(s *ContractSelector) BacktestOption              { return func(b *Backtester) { b.selector = s } }
func WithResultPublisher(p domrepo.ResultPublisher) BacktestOption { return func(b *Backtester) { b.publisher = p } }
func WithChainSpec(s simulation.ChainSpec) BacktestOption          { return func(b *Backtester) { b.chainSpec = s } }
func WithExitRule(r simulation.ExitRule) BacktestOption            { return func(b *Backtester) { b.exitRule = r } }
func WithBacktestMetrics(m domrepo.Metrics) BacktestOption         { return func(b *Backtester) { b.metrics = m } }
func WithBacktestLogger(l *logger.Logger) BacktestOption           { return func(b *Backtester) { b.log = l } }
func WithBacktestClock(now func() time.Time) BacktestOption        { return func(b *Backtester) { b.now = now } }

func NewBacktester(opts ...BacktestOption) *Backtester {
	b := &Backtester{
		chainSpec: simulation.DefaultChainSpec(),
		exitRule:  simulation.DefaultExitRule(),
		lookback:  defaultLookback,
		ivWindow:  defaultIVWindow,
		metrics:   domrepo.NopMetrics{},
		log:       logger.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.selector == nil {
		b.selector = NewContractSelector(WithSelectorClock(b.now))
	}
	return b
}

// runState is the chronological bookkeeping of one Run. capital is realized
// equity; cash is capital minus the entry cost of open positions.
type runState struct {
	capital     decimal.Decimal
	cash        decimal.Decimal
	peak        decimal.Decimal
	maxDrawdown float64
	lossStreak  int
	maxStreak   int
	open        []models.Trade
	trades      []models.Trade
	equity      []models.EquityPoint
}

// enter commits the entry cost of t.
func (s *runState) enter(t models.Trade) {
	s.cash = s.cash.Sub(entryCost(t))
	s.open = append(s.open, t)
}

// realize folds one closed trade into capital, peak, drawdown and loss
// streaks, and returns its proceeds to cash.
func (s *runState) realize(t models.Trade) {
	pnl := decimal.NewFromFloat(t.PnL)
	s.cash = s.cash.Add(entryCost(t)).Add(pnl)
	s.capital = s.capital.Add(pnl)
	if s.capital.GreaterThan(s.peak) {
		s.peak = s.capital
	}
	if s.peak.IsPositive() {
		dd := s.peak.Sub(s.capital).Div(s.peak).InexactFloat64()
		s.maxDrawdown = math.Max(s.maxDrawdown, dd)
	}
	if t.PnL > 0 {
		s.lossStreak = 0
	} else {
		s.lossStreak++
		s.maxStreak = max(s.maxStreak, s.lossStreak)
	}
	s.trades = append(s.trades, t)
}

// release realizes every open position whose exit date is on or before day.
func (s *runState) release(day time.Time) {
	sort.SliceStable(s.open, func(i, j int) bool { return s.open[i].ExitDate.Before(s.open[j].ExitDate) })
	n := 0
	for _, t := range s.open {
		if !t.ExitDate.After(day) {
			s.realize(t)
			continue
		}
		s.open[n] = t
		n++
	}
	s.open = s.open[:n]
}

func entryCost(t models.Trade) decimal.Decimal {
	return decimal.NewFromFloat(t.EntryPrice).Mul(decimal.NewFromInt(int64(t.Quantity) * contractMultiplier))
}

func (s *runState) mark(day time.Time) {
	var dd float64
	if s.peak.IsPositive() {
		dd = s.peak.Sub(s.capital).Div(s.peak).InexactFloat64()
	}
	s.equity = append(s.equity, models.EquityPoint{Date: day, Value: s.capital.Round(2).InexactFloat64(), Drawdown: dd})
}

// Run simulates params and returns an immutable result. Per symbol/date
// failures are logged and skipped; only invalid params or cancellation fail the run.
func (b *Backtester) Run(ctx context.Context, params models.BacktestParams) (*models.BacktestResult, error) {
	if err := xhttp.ValidateStruct(ctx, &params); err != nil {
		return nil, fmt.Errorf("backtest params: %w", err)
	}
	started := b.now()
	seed := params.SeedValue()
	history := b.history
	if history == nil {
		history = simulation.NewRandomWalk(seed)
	}
	if params.UseML && b.engine == nil {
		b.log.Warn("ml scoring requested without engine, using contract selector")
	}

	rng := rand.New(rand.NewSource(seed))
	initial := decimal.NewFromFloat(params.InitialCapital)
	st := &runState{capital: initial, cash: initial, peak: initial}
	skipped := 0

	var runErr error
	util.EachDay(util.TruncateDay(params.StartDate), util.TruncateDay(params.EndDate), func(day time.Time) bool {
		if err := ctx.Err(); err != nil {
			runErr = err
			return false
		}
		st.release(day)

		for _, sym := range params.Symbols {
			if len(st.open) >= params.MaxPositions {
				break
			}
			t, err := b.tryTrade(ctx, sym, day, params, history, rng, st.cash)
			if err != nil {
				skipped++
				if !errors.Is(err, errNoOpportunity) {
					b.log.Warn("backtest opportunity skipped",
						logger.String("symbol", sym),
						logger.Time("date", day),
						logger.Error(err),
					)
				}
				continue
			}
			st.enter(t)
		}
		st.mark(day)
		return true
	})
	if runErr != nil {
		return nil, fmt.Errorf("backtest cancelled: %w", runErr)
	}

	// Positions still open at the end run to their simulated exit.
	for len(st.open) > 0 {
		next := st.open[0].ExitDate
		for _, t := range st.open[1:] {
			if t.ExitDate.Before(next) {
				next = t.ExitDate
			}
		}
		st.release(next)
		st.mark(next)
	}

	res := &models.BacktestResult{
		ID:          uuid.NewString(),
		Params:      params,
		Summary:     summarize(st, params.InitialCapital),
		Trades:      st.trades,
		EquityCurve: st.equity,
		BySymbol:    bySymbol(st.trades),
		Skipped:     skipped,
		StartedAt:   started,
		CompletedAt: b.now(),
	}
	if res.Trades == nil {
		res.Trades = []models.Trade{}
	}

	b.metrics.RecordBacktest(len(res.Trades), skipped, res.CompletedAt.Sub(started).Seconds())
	b.log.Info("backtest completed",
		logger.String("id", res.ID),
		logger.Int("trades", len(res.Trades)),
		logger.Int("skipped", skipped),
		logger.Float64("win_rate", res.Summary.WinRate),
		logger.Float64("total_pnl", res.Summary.TotalPnL),
	)
	if b.publisher != nil {
		if err := b.publisher.PublishBacktest(ctx, res); err != nil {
			b.log.Warn("publish backtest failed", logger.String("id", res.ID), logger.Error(err))
		}
	}
	return res, nil
}

type opportunity struct {
	contract   models.OptionContract
	path       []float64
	score      *float64
	confidence *float64
}

// tryTrade sizes a position from available cash and simulates it to exit.
func (b *Backtester) tryTrade(ctx context.Context, sym string, day time.Time, params models.BacktestParams, history domrepo.PriceHistory, rng *rand.Rand, cash decimal.Decimal) (models.Trade, error) {
	opp, err := b.findOpportunity(ctx, sym, day, params, history, rng)
	if err != nil {
		return models.Trade{}, err
	}

	entry := features.Mid(opp.contract)
	entryD := decimal.NewFromFloat(entry).Round(2)
	if !entryD.IsPositive() {
		return models.Trade{}, fmt.Errorf("%w: contract %s has no mid", errNoOpportunity, opp.contract.Symbol)
	}
	perContract := entryD.Mul(decimal.NewFromInt(contractMultiplier))
	size := cash.Mul(decimal.NewFromFloat(params.PositionSizePct / 100))
	qty := size.Div(perContract).Floor().IntPart()
	if qty <= 0 {
		return models.Trade{}, fmt.Errorf("%w: position size too small for %s", errNoOpportunity, opp.contract.Symbol)
	}
	if cost := perContract.Mul(decimal.NewFromInt(qty)); cost.GreaterThan(cash) {
		return models.Trade{}, fmt.Errorf("%w: cost %s exceeds cash %s", errNoOpportunity, cost.StringFixed(2), cash.StringFixed(2))
	}

	var delta, theta float64
	if g := opp.contract.Greeks; g != nil {
		delta, theta = g.Delta, math.Abs(g.Theta)
	}
	exit := simulation.WalkExit(entry, delta, theta, opp.path, util.DaysUntil(day, opp.contract.Expiration), b.exitRule)

	exitD := decimal.NewFromFloat(exit.Price).Round(2)
	pnl := exitD.Sub(entryD).Mul(decimal.NewFromInt(qty * contractMultiplier)).Round(2)
	ret := exitD.Sub(entryD).Div(entryD).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()

	return models.Trade{
		ID:         uuid.NewString(),
		Symbol:     sym,
		Contract:   opp.contract.Symbol,
		Strike:     opp.contract.Strike,
		Expiration: opp.contract.Expiration,
		EntryDate:  day,
		ExitDate:   day.AddDate(0, 0, exit.Day),
		EntryPrice: entryD.InexactFloat64(),
		ExitPrice:  exitD.InexactFloat64(),
		Quantity:   int(qty),
		PnL:        pnl.InexactFloat64(),
		ReturnPct:  ret,
		HoldDays:   exit.Day,
		ExitReason: exit.Reason,
		MLScore:    opp.score,
		Confidence: opp.confidence,
	}, nil
}

func (b *Backtester) findOpportunity(ctx context.Context, sym string, day time.Time, params models.BacktestParams, history domrepo.PriceHistory, rng *rand.Rand) (opportunity, error) {
	closes, err := history.Closes(ctx, sym, day.AddDate(0, 0, -b.lookback), b.lookback+b.exitRule.MaxHold)
	if err != nil {
		return opportunity{}, fmt.Errorf("price history: %w", err)
	}
	if len(closes) < b.lookback+2 {
		return opportunity{}, fmt.Errorf("%w: %d closes", errInsufficientData, len(closes))
	}
	past, path := closes[:b.lookback+1], closes[b.lookback:]
	spot := past[b.lookback]

	ivRank, rankOK := simulation.IVRank(past, b.ivWindow)
	if params.IVRankGate != nil && (!rankOK || ivRank > *params.IVRankGate) {
		return opportunity{}, fmt.Errorf("%w: iv rank %.1f above gate %.1f", errNoOpportunity, ivRank, *params.IVRankGate)
	}

	iv := simulation.ImpliedVolatility(past, b.ivWindow)
	chain := simulation.BuildChain(sym, spot, iv, params.Side.Right(), day, b.chainSpec, rng)
	underlying := models.UnderlyingParams{
		Symbol:  sym,
		Price:   spot,
		Candles: closesToCandles(sym, past, day),
		AsOf:    day,
	}
	if rankOK {
		underlying.IVRank = models.Float(ivRank)
	}

	if params.UseML && b.engine != nil {
		return b.mlOpportunity(ctx, sym, day, params.Side, underlying, chain, path)
	}

	sel, err := b.selector.Select(ctx, models.SelectionRequest{
		Symbol:     sym,
		Side:       params.Side,
		Underlying: underlying,
		Chain:      chain,
		Criteria:   models.SelectionCriteria{MinDTE: backtestMinDTE},
		AsOf:       day,
	})
	if err != nil {
		return opportunity{}, err
	}
	if len(sel.Picks) == 0 {
		return opportunity{}, fmt.Errorf("%w: no contract passed screening", errNoOpportunity)
	}
	p := sel.Picks[0]
	return opportunity{contract: p.Contract, path: path, score: models.Float(p.Score), confidence: models.Float(p.Confidence)}, nil
}

func (b *Backtester) mlOpportunity(ctx context.Context, sym string, day time.Time, side models.Side, u models.UnderlyingParams, chain []models.OptionContract, path []float64) (opportunity, error) {
	leaps := LEAPSOnly(chain, day, backtestMinDTE)
	if len(leaps) == 0 {
		return opportunity{}, fmt.Errorf("%w: no LEAPS in chain", errNoOpportunity)
	}
	resp := b.engine.ScoreStrike(ctx, models.StrikeScoringRequest{
		Symbol:     sym,
		Side:       side,
		Underlying: u,
		Candidates: leaps,
		AsOf:       day,
	})
	best := -1
	for i, s := range resp.Scores {
		if best < 0 || s.Score > resp.Scores[best].Score {
			best = i
		}
	}
	if best < 0 {
		return opportunity{}, fmt.Errorf("%w: engine returned no scores", errNoOpportunity)
	}

	ee := b.engine.ScoreEntryExit(ctx, models.EntryExitRequest{Symbol: sym, Side: side, Underlying: u})
	return opportunity{
		contract:   leaps[best],
		path:       path,
		score:      models.Float(resp.Scores[best].Score),
		confidence: models.Float(ee.Confidence),
	}, nil
}

func closesToCandles(sym string, closes []float64, last time.Time) []models.Candle {
	out := make([]models.Candle, len(closes))
	first := last.AddDate(0, 0, -(len(closes) - 1))
	for i, c := range closes {
		out[i] = models.Candle{Bucket: first.AddDate(0, 0, i), Symbol: sym, Open: c, High: c, Low: c, Close: c}
	}
	return out
}

// summarize derives portfolio statistics. An empty run yields zeros.
func summarize(st *runState, initialCapital float64) models.BacktestSummary {
	sum := models.BacktestSummary{FinalCapital: initialCapital}
	n := len(st.trades)
	if n == 0 {
		return sum
	}

	total := decimal.Zero
	returns := make(stats.Float64Data, 0, n)
	for _, t := range st.trades {
		total = total.Add(decimal.NewFromFloat(t.PnL))
		if t.PnL > 0 {
			sum.WinningTrades++
		}
		returns = append(returns, t.ReturnPct/100)
	}

	sum.TotalTrades = n
	sum.LosingTrades = n - sum.WinningTrades
	sum.WinRate = float64(sum.WinningTrades) / float64(n)
	sum.TotalPnL = total.Round(2).InexactFloat64()
	sum.AvgReturnPerTrade = total.Div(decimal.NewFromInt(int64(n))).Round(2).InexactFloat64()
	sum.MaxDrawdown = st.maxDrawdown
	sum.MaxConsecutiveLosses = st.maxStreak
	sum.Sharpe = Sharpe(returns)
	sum.Sortino = Sortino(returns)
	sum.FinalCapital = st.capital.Round(2).InexactFloat64()
	if initialCapital > 0 {
		sum.TotalReturnPct = st.capital.Sub(decimal.NewFromFloat(initialCapital)).
			Div(decimal.NewFromFloat(initialCapital)).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	return sum
}

// Sharpe is mean/stddev of per-trade returns, 0 when stddev is 0.
func Sharpe(returns []float64) float64 {
	mean, err := stats.Mean(returns)
	if err != nil {
		return 0
	}
	sd, err := stats.StandardDeviation(returns)
	if err != nil || sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return mean / sd
}

// Sortino is mean/stddev of the returns below the mean, 0 without downside.
func Sortino(returns []float64) float64 {
	mean, err := stats.Mean(returns)
	if err != nil {
		return 0
	}
	var downside stats.Float64Data
	for _, r := range returns {
		if r < mean {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	sd, err := stats.StandardDeviation(downside)
	if err != nil || sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return mean / sd
}

func bySymbol(trades []models.Trade) map[string]models.SymbolStats {
	out := make(map[string]models.SymbolStats)
	pnl := make(map[string]decimal.Decimal)
	for _, t := range trades {
		s := out[t.Symbol]
		s.Symbol = t.Symbol
		s.Trades++
		if t.PnL > 0 {
			s.Wins++
		}
		out[t.Symbol] = s
		pnl[t.Symbol] = pnl[t.Symbol].Add(decimal.NewFromFloat(t.PnL))
	}
	for sym, s := range out {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
		s.AvgPnL = pnl[sym].Div(decimal.NewFromInt(int64(s.Trades))).Round(2).InexactFloat64()
		out[sym] = s
	}
	return out
}
