package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"LeapsEngine/internal/domain/models"
	domrepo "LeapsEngine/internal/domain/repository"
	"LeapsEngine/internal/services/features"
	"LeapsEngine/internal/services/scoring"
	"LeapsEngine/internal/services/simulation"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/logger"
	"LeapsEngine/pkg/util"
)

const (
	SelectorSource  = "contract-selector"
	SelectorVersion = "leaps-selector/v1"
)

// Selector factor weights.
const (
	weightDelta     = 0.30
	weightLiquidity = 0.25
	weightTimeValue = 0.25
	weightTenor     = 0.20
)

// Preferred LEAPS tenor band in days.
const (
	tenorSweetMin = 450
	tenorSweetMax = 800
	tenorFalloff  = 400
	minHorizon    = 30
	exitBuffer    = 90
)

// Rejection reasons reported in LEAPSSelection.Rejections.
const (
	RejectSide         = "side"
	RejectNotLEAPS     = "not_leaps"
	RejectDeltaUnknown = "delta_unknown"
	RejectDelta        = "delta"
	RejectOpenInterest = "open_interest"
	RejectVolume       = "volume"
	RejectNoMid        = "no_mid"
	RejectSpread       = "spread"
)

// MarketDataSource is the subset of the router the selector needs.
type MarketDataSource interface {
	GetOptionChain(ctx context.Context, symbol string, expiration *time.Time) ([]models.OptionContract, error)
	GetUnderlyingData(ctx context.Context, symbol string) (models.MarketData, error)
}

// ContractSelector filters a chain to LEAPS, screens and ranks survivors with
// its own weighted scorer. It does not consult the ML engine.
type ContractSelector struct {
	source    MarketDataSource
	publisher domrepo.ResultPublisher
	minDTE    int
	pickTTL   time.Duration
	metrics   domrepo.Metrics
	log       *logger.Logger
	now       func() time.Time
}

type SelectorOption func(*ContractSelector)

func WithMarketData(src MarketDataSource) SelectorOption    { return func(s *ContractSelector) { s.source = src } }
func WithMinDTE(days int) SelectorOption                    { return func(s *ContractSelector) { s.minDTE = days } }
func WithPickTTL(d time.Duration) SelectorOption            { return func(s *ContractSelector) { s.pickTTL = d } }
func WithSelectorMetrics(m domrepo.Metrics) SelectorOption  { return func(s *ContractSelector) { s.metrics = m } }
func WithSelectorLogger(l *logger.Logger) SelectorOption    { return func(s *ContractSelector) { s.log = l } }
func WithSelectorClock(now func() time.Time) SelectorOption { return func(s *ContractSelector) { s.now = now } }

// WithSelectionPublisher ships every SelectForSymbol result downstream.
func WithSelectionPublisher(p domrepo.ResultPublisher) SelectorOption {
	return func(s *ContractSelector) { s.publisher = p }
}

func NewContractSelector(opts ...SelectorOption) *ContractSelector {
	s := &ContractSelector{
		minDTE:  365,
		pickTTL: 24 * time.Hour,
		metrics: domrepo.NopMetrics{},
		log:     logger.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select ranks the LEAPS in req.Chain for req.Side. Contracts must expire more
// than Criteria.MinDTE days after AsOf.
func (s *ContractSelector) Select(ctx context.Context, req models.SelectionRequest) (models.LEAPSSelection, error) {
	start := s.now()
	if req.Underlying.Symbol == "" {
		req.Underlying.Symbol = req.Symbol
	}
	if req.Criteria.MinDTE == 0 {
		req.Criteria.MinDTE = s.minDTE
	}
	if err := xhttp.ValidateStruct(ctx, &req); err != nil {
		return models.LEAPSSelection{}, fmt.Errorf("select %s: %w", req.Symbol, err)
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = start
	}

	crit := req.Criteria
	spot := req.Underlying.Price
	sel := models.LEAPSSelection{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Rejections: map[string]int{},
		SelectedAt: start,
	}

	for _, c := range req.Chain {
		sel.Considered++
		if c.Right != req.Side.Right() {
			sel.Rejections[RejectSide]++
			continue
		}
		cf := features.BuildContractFeatures(spot, c, asOf)
		if cf.DTE <= crit.MinDTE {
			sel.Rejections[RejectNotLEAPS]++
			continue
		}
		sel.Eligible++

		if reason := screen(cf, crit); reason != "" {
			sel.Rejections[reason]++
			continue
		}
		sel.Screened++
		sel.Picks = append(sel.Picks, s.pick(c, cf, spot, crit, start))
	}

	sort.SliceStable(sel.Picks, func(i, j int) bool { return sel.Picks[i].Score > sel.Picks[j].Score })
	if len(sel.Picks) > crit.MaxResults {
		sel.Picks = sel.Picks[:crit.MaxResults]
	}
	if len(sel.Rejections) == 0 {
		sel.Rejections = nil
	}

	s.metrics.RecordScoring("select", s.now().Sub(start).Seconds(), false)
	s.log.Debug("leaps selection",
		logger.String("symbol", req.Symbol),
		logger.Int("considered", sel.Considered),
		logger.Int("eligible", sel.Eligible),
		logger.Int("picks", len(sel.Picks)),
	)
	return sel, nil
}

// SelectForSymbol fetches chain and underlying through the configured market
// data source, selects, and publishes the result when a publisher is set.
func (s *ContractSelector) SelectForSymbol(ctx context.Context, symbol string, side models.Side, crit models.SelectionCriteria) (models.LEAPSSelection, error) {
	if s.source == nil {
		return models.LEAPSSelection{}, fmt.Errorf("select %s: no market data source", symbol)
	}
	md, err := s.source.GetUnderlyingData(ctx, symbol)
	if err != nil {
		return models.LEAPSSelection{}, fmt.Errorf("select %s: underlying: %w", symbol, err)
	}
	chain, err := s.source.GetOptionChain(ctx, symbol, nil)
	if err != nil {
		return models.LEAPSSelection{}, fmt.Errorf("select %s: chain: %w", symbol, err)
	}

	sel, err := s.Select(ctx, models.SelectionRequest{
		Symbol: symbol,
		Side:   side,
		Underlying: models.UnderlyingParams{
			Symbol:    symbol,
			Price:     md.Price,
			IVRank:    md.IVRank,
			RSI:       md.RSI,
			TrendDays: md.TrendDays,
			ATR:       md.ATR,
			AsOf:      md.Timestamp,
		},
		Chain:    chain,
		Criteria: crit,
	})
	if err != nil {
		return sel, err
	}

	if s.publisher != nil {
		if perr := s.publisher.PublishSelection(ctx, &sel); perr != nil {
			s.log.Warn("publish selection failed", logger.String("symbol", symbol), logger.Error(perr))
		}
	}
	return sel, nil
}

func screen(cf models.ContractFeatures, crit models.SelectionCriteria) string {
	switch {
	case cf.AbsDelta < 0:
		return RejectDeltaUnknown
	case cf.AbsDelta < crit.MinDelta || cf.AbsDelta > crit.MaxDelta:
		return RejectDelta
	case int64(cf.OpenInterest) < crit.MinOpenInterest:
		return RejectOpenInterest
	case int64(cf.Volume) < crit.MinVolume:
		return RejectVolume
	case cf.Mid <= 0:
		return RejectNoMid
	case cf.SpreadPct > crit.MaxSpreadPct:
		return RejectSpread
	}
	return ""
}

// SelectorFactors are the selector's sub-scores, each in [0,1].
type SelectorFactors struct {
	Delta     float64
	Liquidity float64
	TimeValue float64
	Tenor     float64
}

func (f SelectorFactors) Score() float64 {
	return scoring.Clamp01(weightDelta*f.Delta + weightLiquidity*f.Liquidity + weightTimeValue*f.TimeValue + weightTenor*f.Tenor)
}

func selectorFactors(cf models.ContractFeatures, spot float64, crit models.SelectionCriteria) SelectorFactors {
	return SelectorFactors{
		Delta:     scoring.Alignment(cf.AbsDelta, models.Range{Min: crit.MinDelta, Max: crit.MaxDelta}),
		Liquidity: scoring.Liquidity(cf.Volume, cf.OpenInterest, cf.SpreadPct),
		TimeValue: scoring.ExtrinsicEfficiency(cf, spot),
		Tenor:     tenorScore(cf.DTE, crit.MinDTE),
	}
}

func tenorScore(dte, minDTE int) float64 {
	switch {
	case dte >= tenorSweetMin && dte <= tenorSweetMax:
		return 1
	case dte < tenorSweetMin:
		if tenorSweetMin <= minDTE {
			return 1
		}
		return scoring.Clamp01(float64(dte-minDTE) / float64(tenorSweetMin-minDTE))
	default:
		return scoring.Clamp01(1 - float64(dte-tenorSweetMax)/tenorFalloff)
	}
}

func (s *ContractSelector) pick(c models.OptionContract, cf models.ContractFeatures, spot float64, crit models.SelectionCriteria, at time.Time) models.LeapsPick {
	f := selectorFactors(cf, spot, crit)
	score := f.Score()

	entry := cf.Mid
	target := entry * simulation.TakeProfitFactor
	stop := entry * simulation.StopLossFactor
	rr := models.RiskReward{Risk: entry - stop, Reward: target - entry}
	if rr.Risk > 0 {
		rr.Ratio = rr.Reward / rr.Risk
	}

	return models.LeapsPick{
		Contract:    c,
		Strategy:    strategyFor(c.Right, cf.AbsDelta),
		Score:       score,
		Confidence:  scoring.Clamp01(0.8*score + 0.2*f.Liquidity),
		EntryPrice:  entry,
		TargetPrice: target,
		StopPrice:   stop,
		HorizonDays: max(cf.DTE-exitBuffer, minHorizon),
		RiskReward:  rr,
		Rationale:   rationale(cf, f),
		Metadata: models.PickMetadata{
			SelectedAt:   at,
			ExpiresAt:    at.Add(s.pickTTL),
			Source:       SelectorSource,
			ModelVersion: SelectorVersion,
		},
	}
}

func strategyFor(right models.OptionRight, absDelta float64) string {
	if right == models.RightPut {
		if absDelta >= 0.5 {
			return models.StrategyBearish
		}
		return models.StrategyProtective
	}
	switch {
	case absDelta >= 0.7:
		return models.StrategyStockReplacement
	case absDelta >= 0.5:
		return models.StrategyBalanced
	default:
		return models.StrategyLeveraged
	}
}

func rationale(cf models.ContractFeatures, f SelectorFactors) []string {
	out := []string{
		fmt.Sprintf("%d days to expiry", cf.DTE),
		fmt.Sprintf("delta %.2f (fit %.2f)", cf.AbsDelta, f.Delta),
		fmt.Sprintf("open interest %.0f, spread %.1f%%", cf.OpenInterest, cf.SpreadPct),
	}
	if cf.Extrinsic >= 0 && cf.Mid > 0 {
		out = append(out, fmt.Sprintf("time value %.0f%% of premium", cf.Extrinsic/cf.Mid*100))
	}
	if f.Tenor == 1 {
		out = append(out, "tenor in preferred band")
	}
	return out
}

// LEAPSOnly keeps contracts expiring more than minDTE days after asOf.
func LEAPSOnly(chain []models.OptionContract, asOf time.Time, minDTE int) []models.OptionContract {
	var out []models.OptionContract
	for _, c := range chain {
		if util.DaysUntil(asOf, c.Expiration) > minDTE {
			out = append(out, c)
		}
	}
	return out
}
