package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	svcmetrics "LeapsEngine/internal/service/metrics"
	"LeapsEngine/pkg/breaker"
	"LeapsEngine/pkg/config"
	xhttp "LeapsEngine/pkg/http"
)

type sleepLog struct{ delays []time.Duration }

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestClient(t *testing.T, url string, sleeps *sleepLog, opts ...Option) *MLClient {
	t.Helper()
	cfg := &config.Config{}
	cfg.MLService.BaseURL = url
	policy := xhttp.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    16 * time.Second,
		Sleep:       sleeps.sleep,
	}
	return NewMLClient(cfg, append([]Option{WithRetryPolicy(policy)}, opts...)...)
}

func strikeRequest() models.StrikeScoringRequest {
	return models.StrikeScoringRequest{
		Symbol: "SPY",
		Side:   models.SideCall,
		Candidates: []models.OptionContract{
			{Symbol: "SPY260116C00400000", Strike: 400},
			{Symbol: "SPY260116C00450000", Strike: 450},
		},
	}
}

func writeScores(w http.ResponseWriter, n int) {
	resp := models.StrikeScoringResponse{Model: "remote", ModelVersion: "2.1.0"}
	for i := 0; i < n; i++ {
		resp.Scores = append(resp.Scores, models.StrikeScore{Score: 0.8})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestScoreStrikeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathScoreStrike, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeScores(w, 2)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	sleeps := &sleepLog{}
	c := newTestClient(t, srv.URL, sleeps, WithMetrics(svcmetrics.NewAnalyticsMetrics(reg)))

	resp, err := c.ScoreStrike(context.Background(), strikeRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeps.delays)
	assert.Equal(t, "2.1.0", resp.ModelVersion)
	assert.Len(t, resp.Scores, 2)

	n, err := testutil.GatherAndCount(reg, "leaps_ml_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScoreEntryExitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(models.EntryExitResponse{TPPctAdj: 0.1, Confidence: 0.7, Valid: true})
	}))
	defer srv.Close()

	sleeps := &sleepLog{}
	c := newTestClient(t, srv.URL, sleeps)

	resp, err := c.ScoreEntryExit(context.Background(), models.EntryExitRequest{Symbol: "SPY", Side: models.SideCall})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeps.delays)
	assert.InDelta(t, 0.1, resp.TPPctAdj, 1e-9)
}

func TestClientErrorsDoNotRetryOrTrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sleeps := &sleepLog{}
	br := breaker.New(ServiceName, append(BreakerOptions(nil), breaker.WithFailureThreshold(2))...)
	c := newTestClient(t, srv.URL, sleeps, WithBreaker(br))

	for i := 0; i < 5; i++ {
		_, err := c.ScoreStrike(context.Background(), strikeRequest())
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, xhttp.StatusCodeOf(err))
	}
	assert.Equal(t, int32(5), calls.Load())
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, breaker.StateClosed, br.State())
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := breaker.New(ServiceName, breaker.WithFailureThreshold(2), breaker.WithResetTimeout(time.Hour))
	c := newTestClient(t, srv.URL, &sleepLog{}, WithBreaker(br))

	for i := 0; i < 2; i++ {
		_, err := c.RunBacktest(context.Background(), models.BacktestParams{Symbols: []string{"SPY"}})
		require.Error(t, err)
	}
	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, breaker.StateOpen, br.State())

	_, err := c.RunBacktest(context.Background(), models.BacktestParams{Symbols: []string{"SPY"}})
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(6), calls.Load())
}

func TestScoreStrikeRejectsMisalignedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeScores(w, 1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &sleepLog{})
	_, err := c.ScoreStrike(context.Background(), strikeRequest())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(&xhttp.StatusError{StatusCode: 400}))
	assert.False(t, IsClientError(&xhttp.StatusError{StatusCode: 429}))
	assert.False(t, IsClientError(&xhttp.StatusError{StatusCode: 503}))
	assert.False(t, IsClientError(context.DeadlineExceeded))
}
