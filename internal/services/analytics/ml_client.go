package analytics

import (
	"context"
	"errors"
	"fmt"

	"LeapsEngine/internal/domain/models"
	domsvc "LeapsEngine/internal/domain/service"
	"LeapsEngine/pkg/config"
	xhttp "LeapsEngine/pkg/http"
)

// ServiceName names the breaker guarding the remote ML service.
const ServiceName = "ml-service"

const (
	PathScoreStrike    = "/v1/score/strike"
	PathScoreEntryExit = "/v1/score/entry_exit"
	PathBacktestRun    = "/v1/backtest/run"
)

var ErrMalformedResponse = errors.New("analytics: malformed response")

var _ domsvc.RemoteScorer = (*MLClient)(nil)

// MLClient calls the remote ML scoring service.
type MLClient struct{ base *HTTPServiceBase }

// NewMLClient builds a client from the ml_service config section. opts are
// applied after the config-derived defaults.
func NewMLClient(cfg *config.Config, opts ...Option) *MLClient {
	ml := cfg.MLService
	policy := xhttp.DefaultRetryPolicy()
	if ml.MaxAttempts > 0 {
		policy.MaxAttempts = ml.MaxAttempts
	}
	if ml.BaseDelay > 0 {
		policy.BaseDelay = ml.BaseDelay
	}
	if ml.MaxDelay > 0 {
		policy.MaxDelay = ml.MaxDelay
	}

	base := []Option{WithRetryPolicy(policy)}
	if ml.Timeout > 0 {
		base = append(base, WithHTTPClient(xhttp.NewClient(xhttp.WithTimeout(ml.Timeout))))
	}
	return &MLClient{base: NewHTTPServiceBase(ServiceName, ml.BaseURL, append(base, opts...)...)}
}

func (c *MLClient) Base() *HTTPServiceBase { return c.base }

func (c *MLClient) ScoreStrike(ctx context.Context, req models.StrikeScoringRequest) (models.StrikeScoringResponse, error) {
	var resp models.StrikeScoringResponse
	if err := c.base.PostJSONWithRetry(ctx, PathScoreStrike, req, &resp); err != nil {
		return resp, fmt.Errorf("score strike: %w", err)
	}
	if len(resp.Scores) != len(req.Candidates) {
		return resp, fmt.Errorf("score strike: %w: %d scores for %d candidates",
			ErrMalformedResponse, len(resp.Scores), len(req.Candidates))
	}
	return resp, nil
}

func (c *MLClient) ScoreEntryExit(ctx context.Context, req models.EntryExitRequest) (models.EntryExitResponse, error) {
	var resp models.EntryExitResponse
	if err := c.base.PostJSONWithRetry(ctx, PathScoreEntryExit, req, &resp); err != nil {
		return resp, fmt.Errorf("score entry/exit: %w", err)
	}
	return resp, nil
}

func (c *MLClient) RunBacktest(ctx context.Context, params models.BacktestParams) (*models.BacktestResult, error) {
	var res models.BacktestResult
	if err := c.base.PostJSONWithRetry(ctx, PathBacktestRun, params, &res); err != nil {
		return nil, fmt.Errorf("run backtest: %w", err)
	}
	return &res, nil
}
