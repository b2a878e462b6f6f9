package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/service/router"
	"LeapsEngine/internal/services/registry"
	"LeapsEngine/internal/usecase"
	"LeapsEngine/pkg/breaker"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/queue"
)

type fakeScorer struct{ lastStrike models.StrikeScoringRequest }

func (f *fakeScorer) ScoreStrike(_ context.Context, req models.StrikeScoringRequest) models.StrikeScoringResponse {
	f.lastStrike = req
	scores := make([]models.StrikeScore, len(req.Candidates))
	for i, c := range req.Candidates {
		scores[i] = models.StrikeScore{Symbol: c.Symbol, Score: 0.7}
	}
	return models.StrikeScoringResponse{Scores: scores, Model: registry.StrikeOptimizerV1}
}

func (f *fakeScorer) ScoreEntryExit(_ context.Context, req models.EntryExitRequest) models.EntryExitResponse {
	return models.EntryExitResponse{Valid: true, Confidence: 0.5, Model: registry.EntryExitV1}
}

type fakeRunner struct{ err error }

func (f fakeRunner) Run(_ context.Context, p models.BacktestParams) (*models.BacktestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.BacktestResult{ID: "run-1", Params: p}, nil
}

type fakeJobs struct{ jobs map[string]models.BacktestJob }

func (f *fakeJobs) Submit(_ context.Context, p models.BacktestParams) (models.BacktestJob, error) {
	job := models.BacktestJob{ID: "job-1", State: models.JobQueued, Params: p}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) Status(_ context.Context, id string) (models.BacktestJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.BacktestJob{}, usecase.ErrJobNotFound
	}
	return job, nil
}

type fakeSelector struct {
	viaSymbol string
	lastAsOf  time.Time
	err       error
}

func (f *fakeSelector) Select(_ context.Context, req models.SelectionRequest) (models.LEAPSSelection, error) {
	f.lastAsOf = req.AsOf
	return models.LEAPSSelection{Symbol: req.Symbol, Side: req.Side, Considered: len(req.Chain)}, f.err
}

func (f *fakeSelector) SelectForSymbol(_ context.Context, symbol string, side models.Side, _ models.SelectionCriteria) (models.LEAPSSelection, error) {
	f.viaSymbol = symbol
	return models.LEAPSSelection{Symbol: symbol, Side: side}, f.err
}

type fakeMonitor struct{ cleared string }

func (f *fakeMonitor) HealthCheck(context.Context) []models.ProviderHealth {
	return []models.ProviderHealth{{Name: "opts-a", Healthy: true}, {Name: "finnhub", Error: "disconnected"}}
}

func (f *fakeMonitor) BreakerStats() []breaker.Stats {
	return []breaker.Stats{{Name: "opts-a", State: "closed"}}
}

func (f *fakeMonitor) ClearCache(_ context.Context, pattern string) int {
	f.cleared = pattern
	return 3
}

type fakeQueue struct{}

func (fakeQueue) Depth(context.Context) (queue.Depth, error) {
	return queue.Depth{Pending: 2, Retry: 1}, nil
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type testServer struct {
	e        *echo.Echo
	scorer   *fakeScorer
	selector *fakeSelector
	mm       *registry.ModelManager
}

func newTestServer(runErr error, opts ...HandlerOption) *testServer {
	mm := registry.NewModelManager()
	mm.SeedDefaults()
	ts := &testServer{
		e:        echo.New(),
		scorer:   &fakeScorer{},
		selector: &fakeSelector{},
		mm:       mm,
	}
	h := NewLeapsEchoHandler(nil, ts.scorer, fakeRunner{err: runErr}, ts.selector, mm, opts...)
	h.RegisterRoutes(ts.e)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestScoreStrikeAnswersBareContract(t *testing.T) {
	ts := newTestServer(nil)
	body := `{"symbol":"AAPL","candidates":[{"symbol":"C1"},{"symbol":"C2"}]}`

	rec := ts.do(t, http.MethodPost, "/v1/score/strike", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.StrikeScoringResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Scores, 2)
	assert.Equal(t, "C2", resp.Scores[1].Symbol)
	assert.Equal(t, "AAPL", ts.scorer.lastStrike.Symbol)
}

func TestScoreStrikeRejectsMalformedJSON(t *testing.T) {
	ts := newTestServer(nil)
	rec := ts.do(t, http.MethodPost, "/v1/score/strike", `{"symbol":`)
	assert.Equal(t, http.StatusBadRequest, decodeEnvelope(t, rec).Status)
}

func TestScoreEntryExit(t *testing.T) {
	ts := newTestServer(nil)
	rec := ts.do(t, http.MethodPost, "/v1/score/entry_exit", `{"symbol":"AAPL","side":"put"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.EntryExitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, registry.EntryExitV1, resp.Model)
}

func TestRunBacktest(t *testing.T) {
	ts := newTestServer(nil)
	rec := ts.do(t, http.MethodPost, "/v1/backtest/run",
		`{"symbols":["AAPL"],"start_date":"2024-01-02T00:00:00Z","end_date":"2024-03-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res models.BacktestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "run-1", res.ID)
	assert.Equal(t, []string{"AAPL"}, res.Params.Symbols)
}

func TestRunBacktestErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"upstream": {err: &router.AllProvidersFailedError{Operation: "chain", Symbol: "AAPL"}, status: http.StatusBadGateway},
		"timeout":  {err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		"internal": {err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(tc.err)
			rec := ts.do(t, http.MethodPost, "/v1/backtest/run", `{"symbols":["AAPL"]}`)
			assert.Equal(t, tc.status, decodeEnvelope(t, rec).Status)
		})
	}
}

func TestRunBacktestValidationError(t *testing.T) {
	var params models.BacktestParams
	verr := xhttp.ValidateStruct(context.Background(), &params)
	require.Error(t, verr)

	ts := newTestServer(verr)
	rec := ts.do(t, http.MethodPost, "/v1/backtest/run", `{}`)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, http.StatusBadRequest, env.Status)

	var details []xhttp.ValidationError
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.NotEmpty(t, details)
}

func TestBacktestJobs(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		ts := newTestServer(nil)
		rec := ts.do(t, http.MethodPost, "/v1/backtest/jobs", `{"symbols":["AAPL"]}`)
		assert.Equal(t, http.StatusServiceUnavailable, decodeEnvelope(t, rec).Status)
	})

	t.Run("submit and status", func(t *testing.T) {
		ts := newTestServer(nil, WithBacktestJobs(&fakeJobs{jobs: map[string]models.BacktestJob{}}))

		rec := ts.do(t, http.MethodPost, "/v1/backtest/jobs", `{"symbols":["MSFT"]}`)
		env := decodeEnvelope(t, rec)
		require.Equal(t, http.StatusCreated, env.Status)

		var job models.BacktestJob
		require.NoError(t, json.Unmarshal(env.Data, &job))
		assert.Equal(t, models.JobQueued, job.State)

		rec = ts.do(t, http.MethodGet, "/v1/backtest/jobs/"+job.ID, "")
		assert.Equal(t, http.StatusOK, decodeEnvelope(t, rec).Status)

		rec = ts.do(t, http.MethodGet, "/v1/backtest/jobs/missing", "")
		assert.Equal(t, http.StatusNotFound, decodeEnvelope(t, rec).Status)
	})
}

func TestSelect(t *testing.T) {
	t.Run("posted chain", func(t *testing.T) {
		ts := newTestServer(nil)
		rec := ts.do(t, http.MethodPost, PathSelect,
			`{"symbol":"AAPL","side":"call","chain":[{"symbol":"C1"},{"symbol":"C2"}]}`)
		env := decodeEnvelope(t, rec)
		require.Equal(t, http.StatusOK, env.Status)

		var sel models.LEAPSSelection
		require.NoError(t, json.Unmarshal(env.Data, &sel))
		assert.Equal(t, 2, sel.Considered)
		assert.Empty(t, ts.selector.viaSymbol)
	})

	t.Run("routed by symbol", func(t *testing.T) {
		ts := newTestServer(nil)
		rec := ts.do(t, http.MethodPost, PathSelect, `{"symbol":"msft"}`)
		env := decodeEnvelope(t, rec)
		require.Equal(t, http.StatusOK, env.Status)
		assert.Equal(t, "MSFT", ts.selector.viaSymbol)

		var sel models.LEAPSSelection
		require.NoError(t, json.Unmarshal(env.Data, &sel))
		assert.Equal(t, models.SideCall, sel.Side)
	})

	t.Run("as_of from query", func(t *testing.T) {
		ts := newTestServer(nil)
		rec := ts.do(t, http.MethodPost, PathSelect+"?as_of=2025-03-14",
			`{"symbol":"AAPL","chain":[{"symbol":"C1"}]}`)
		require.Equal(t, http.StatusOK, decodeEnvelope(t, rec).Status)
		assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), ts.selector.lastAsOf)

		rec = ts.do(t, http.MethodPost, PathSelect+"?as_of=2025-03-14",
			`{"symbol":"AAPL","as_of":"2025-01-02T00:00:00Z","chain":[{"symbol":"C1"}]}`)
		require.Equal(t, http.StatusOK, decodeEnvelope(t, rec).Status)
		assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), ts.selector.lastAsOf.UTC())
	})

	t.Run("missing symbol", func(t *testing.T) {
		ts := newTestServer(nil)
		rec := ts.do(t, http.MethodPost, PathSelect, `{}`)
		assert.Equal(t, http.StatusBadRequest, decodeEnvelope(t, rec).Status)
	})
}

func TestModelEndpoints(t *testing.T) {
	ts := newTestServer(nil)

	rec := ts.do(t, http.MethodGet, PathModels, "")
	env := decodeEnvelope(t, rec)
	require.Equal(t, http.StatusOK, env.Status)
	var list xhttp.ListDataResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, int64(3), list.Total)

	rec = ts.do(t, http.MethodGet, PathModels+"?type=entry_exit", "")
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &list))
	assert.Equal(t, int64(1), list.Total)

	rec = ts.do(t, http.MethodGet, PathModels+"?limit=2", "")
	var capped struct {
		Rows  []models.ModelMeta `json:"rows"`
		Total int64              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &capped))
	assert.Len(t, capped.Rows, 2)
	assert.Equal(t, int64(3), capped.Total)

	rec = ts.do(t, http.MethodPost, PathModels+"/"+registry.StrikeOptimizerV1+"/deprecate", "")
	require.Equal(t, http.StatusOK, decodeEnvelope(t, rec).Status)
	_, active := ts.mm.ActiveModel(models.TaskStrikeSelection)
	assert.False(t, active)

	rec = ts.do(t, http.MethodPost, PathModels+"/"+registry.StrikeOptimizerV1+"/activate", "")
	require.Equal(t, http.StatusOK, decodeEnvelope(t, rec).Status)
	meta, active := ts.mm.ActiveModel(models.TaskStrikeSelection)
	require.True(t, active)
	assert.Equal(t, registry.StrikeOptimizerV1, meta.Name)

	rec = ts.do(t, http.MethodPost, PathModels+"/nope/activate", "")
	assert.Equal(t, http.StatusNotFound, decodeEnvelope(t, rec).Status)

	rec = ts.do(t, http.MethodGet, PathModels+"/nope/metrics", "")
	assert.Equal(t, http.StatusNotFound, decodeEnvelope(t, rec).Status)

	ts.mm.RecordUsage(registry.EntryExitV1, 5*time.Millisecond, true)
	rec = ts.do(t, http.MethodGet, PathModels+"/compare?names="+registry.EntryExitV1+",+"+registry.StrikeOptimizerV1, "")
	env = decodeEnvelope(t, rec)
	require.Equal(t, http.StatusOK, env.Status)
	var cmp models.ModelComparison
	require.NoError(t, json.Unmarshal(env.Data, &cmp))
	assert.Len(t, cmp.Models, 2)
	assert.Equal(t, registry.EntryExitV1, cmp.BestByUsage)
}

func TestProviderEndpoints(t *testing.T) {
	t.Run("without router", func(t *testing.T) {
		ts := newTestServer(nil)
		rec := ts.do(t, http.MethodGet, PathProviders+"/health", "")
		assert.Equal(t, http.StatusOK, decodeEnvelope(t, rec).Status)
	})

	mon := &fakeMonitor{}
	ts := newTestServer(nil, WithProviderMonitor(mon), WithQueueInspector(fakeQueue{}))

	rec := ts.do(t, http.MethodGet, PathProviders+"/health", "")
	env := decodeEnvelope(t, rec)
	var list xhttp.ListDataResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, int64(2), list.Total)

	rec = ts.do(t, http.MethodGet, PathProviders+"/breakers", "")
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &list))
	assert.Equal(t, int64(1), list.Total)

	rec = ts.do(t, http.MethodDelete, PathProviders+"/cache?pattern=chain", "")
	assert.Equal(t, http.StatusOK, decodeEnvelope(t, rec).Status)
	assert.Equal(t, "chain", mon.cleared)

	rec = ts.do(t, http.MethodGet, PathQueueDepth, "")
	env = decodeEnvelope(t, rec)
	var d queue.Depth
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.Equal(t, int64(2), d.Pending)
}
