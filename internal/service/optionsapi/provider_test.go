package optionsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	xhttp "LeapsEngine/pkg/http"
)

func noSleep() xhttp.RetryPolicy {
	p := xhttp.DefaultRetryPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetOptionChain(t *testing.T) {
	exp := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	var gotKey, gotExp, gotSymbol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathChain, r.URL.Path)
		gotKey = r.Header.Get(apiKeyHeader)
		gotSymbol = r.URL.Query().Get("symbol")
		gotExp = r.URL.Query().Get("expiration")
		writeJSON(w, chainResponse{
			Symbol: "AAPL",
			Contracts: []models.OptionContract{
				{Symbol: "AAPL260116C00200000", Strike: 200, Expiration: exp, Right: models.RightCall, Bid: 10, Ask: 11},
				{Symbol: "", Strike: 210, Expiration: exp, Right: models.RightCall},
				{Symbol: "AAPL260116X00200000", Strike: 200, Expiration: exp, Right: "straddle"},
			},
		})
	}))
	defer srv.Close()

	p := New("opts-a", srv.URL+"/", WithAPIKey("k1"), WithRetryPolicy(noSleep()))
	chain, err := p.GetOptionChain(context.Background(), "aapl", &exp)
	require.NoError(t, err)

	assert.Equal(t, "k1", gotKey)
	assert.Equal(t, "AAPL", gotSymbol)
	assert.Equal(t, "2026-01-16", gotExp)
	require.Len(t, chain, 1)
	assert.Equal(t, "AAPL", chain[0].Underlying)
	assert.Nil(t, chain[0].Greeks)
}

func TestGetOptionChainRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, chainResponse{})
	}))
	defer srv.Close()

	p := New("opts-a", srv.URL, WithRetryPolicy(noSleep()))
	chain, err := p.GetOptionChain(context.Background(), "MSFT", nil)
	require.NoError(t, err)
	assert.Empty(t, chain)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetOptionQuoteNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := New("opts-a", srv.URL, WithRetryPolicy(noSleep()))
	_, err := p.GetOptionQuote(context.Background(), "AAPL260116C00200000")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, http.StatusNotFound, xhttp.StatusCodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOptionQuote(t *testing.T) {
	exp := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathQuote+"AAPL260116C00200000", r.URL.Path)
		writeJSON(w, models.OptionContract{
			Symbol: "AAPL260116C00200000", Underlying: "AAPL", Strike: 200, Expiration: exp,
			Right: models.RightCall, Bid: 10, Ask: 11, Greeks: &models.Greeks{Delta: 0.7},
		})
	}))
	defer srv.Close()

	c, err := New("opts-a", srv.URL).GetOptionQuote(context.Background(), "AAPL260116C00200000")
	require.NoError(t, err)
	require.NotNil(t, c.Greeks)
	assert.Equal(t, 0.7, c.Greeks.Delta)
}

func TestGetUnderlyingDataAndHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathUnderlying+"SPY", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.MarketData{Symbol: "SPY", Price: 470, IVRank: models.Float(35)})
	})
	mux.HandleFunc(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New("opts-b", srv.URL)
	md, err := p.GetUnderlyingData(context.Background(), "spy")
	require.NoError(t, err)
	assert.Equal(t, 470.0, md.Price)
	assert.Equal(t, "opts-b", md.Source)
	require.NotNil(t, md.IVRank)
	assert.Equal(t, 35.0, *md.IVRank)

	assert.NoError(t, p.HealthCheck(context.Background()))
	assert.Equal(t, "opts-b", p.Name())
}

func TestHealthCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New("opts-a", srv.URL).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, xhttp.StatusCodeOf(err))
}
