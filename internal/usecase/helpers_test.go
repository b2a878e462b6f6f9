package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"LeapsEngine/internal/domain/models"
)

var testAsOf = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testAsOf }

func contract(symbol string, right models.OptionRight, days int, delta, bid, ask float64, oi int64) models.OptionContract {
	c := models.OptionContract{
		Symbol:       symbol,
		Underlying:   "SPY",
		Strike:       100,
		Expiration:   testAsOf.AddDate(0, 0, days),
		Right:        right,
		Bid:          bid,
		Ask:          ask,
		Volume:       50,
		OpenInterest: oi,
		ImpliedVol:   0.25,
	}
	if !isNaN(delta) {
		c.Greeks = &models.Greeks{Delta: delta, Theta: -0.02}
	}
	return c
}

func isNaN(f float64) bool { return f != f }

type fakePublisher struct {
	mu         sync.Mutex
	backtests  []*models.BacktestResult
	selections []*models.LEAPSSelection
	err        error
}

func (p *fakePublisher) PublishBacktest(_ context.Context, res *models.BacktestResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backtests = append(p.backtests, res)
	return p.err
}

func (p *fakePublisher) PublishSelection(_ context.Context, sel *models.LEAPSSelection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selections = append(p.selections, sel)
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

type fakeSource struct {
	md    models.MarketData
	chain []models.OptionContract
	err   error
}

func (s *fakeSource) GetOptionChain(context.Context, string, *time.Time) ([]models.OptionContract, error) {
	return s.chain, s.err
}

func (s *fakeSource) GetUnderlyingData(context.Context, string) (models.MarketData, error) {
	return s.md, s.err
}

type constScorer struct {
	score float64
	panic bool
}

func (s constScorer) ScoreCandidates(candidates []models.Candidate, _ models.SelectionContext) []models.ScoredCandidate {
	if s.panic {
		panic("scorer exploded")
	}
	out := make([]models.ScoredCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = models.ScoredCandidate{Contract: c.Contract, Features: c.Features, Score: s.score, Reasons: []string{"const"}}
	}
	return out
}

type fakeRemote struct {
	score     float64
	err       error
	calls     int
	entryExit *models.EntryExitResponse
	eeCalls   int
}

func (r *fakeRemote) ScoreStrike(_ context.Context, req models.StrikeScoringRequest) (models.StrikeScoringResponse, error) {
	r.calls++
	if r.err != nil {
		return models.StrikeScoringResponse{}, r.err
	}
	out := models.StrikeScoringResponse{}
	for _, c := range req.Candidates {
		out.Scores = append(out.Scores, models.StrikeScore{Symbol: c.Symbol, Score: r.score, Reasons: []string{"remote"}})
	}
	return out, nil
}

func (r *fakeRemote) ScoreEntryExit(context.Context, models.EntryExitRequest) (models.EntryExitResponse, error) {
	r.eeCalls++
	if r.err != nil {
		return models.EntryExitResponse{}, r.err
	}
	if r.entryExit == nil {
		return models.EntryExitResponse{}, errors.New("no recommendation")
	}
	return *r.entryExit, nil
}
