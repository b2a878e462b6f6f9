package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/service/router"
	"LeapsEngine/internal/services/analytics"
	"LeapsEngine/internal/services/registry"
	"LeapsEngine/internal/usecase"
	"LeapsEngine/pkg/breaker"
	xhttp "LeapsEngine/pkg/http"
	xlogger "LeapsEngine/pkg/logger"
	"LeapsEngine/pkg/queue"
)

const (
	PathSelect       = "/v1/leaps/select"
	PathBacktestJobs = "/v1/backtest/jobs"
	PathModels       = "/v1/models"
	PathProviders    = "/v1/providers"
	PathQueueDepth   = "/v1/queue/depth"

	selectionTimeout = 30 * time.Second
)

// StrikeScorer is the fail-soft scoring surface.
type StrikeScorer interface {
	ScoreStrike(ctx context.Context, req models.StrikeScoringRequest) models.StrikeScoringResponse
	ScoreEntryExit(ctx context.Context, req models.EntryExitRequest) models.EntryExitResponse
}

type BacktestRunner interface {
	Run(ctx context.Context, params models.BacktestParams) (*models.BacktestResult, error)
}

type BacktestJobService interface {
	Submit(ctx context.Context, params models.BacktestParams) (models.BacktestJob, error)
	Status(ctx context.Context, id string) (models.BacktestJob, error)
}

type LeapsSelector interface {
	Select(ctx context.Context, req models.SelectionRequest) (models.LEAPSSelection, error)
	SelectForSymbol(ctx context.Context, symbol string, side models.Side, crit models.SelectionCriteria) (models.LEAPSSelection, error)
}

// ProviderMonitor reports on the market data router.
type ProviderMonitor interface {
	HealthCheck(ctx context.Context) []models.ProviderHealth
	BreakerStats() []breaker.Stats
	ClearCache(ctx context.Context, pattern string) int
}

type QueueInspector interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// LeapsEchoHandler serves scoring, selection, backtests and the model registry.
// The scoring and backtest paths mirror the remote ML contract and answer with
// bare JSON so one engine can act as another's remote scorer.
type LeapsEchoHandler struct {
	logger    *xlogger.Logger
	engine    StrikeScorer
	backtests BacktestRunner
	selector  LeapsSelector
	models    *registry.ModelManager
	jobs      BacktestJobService
	providers ProviderMonitor
	queue     QueueInspector
	timeout   time.Duration
}

type HandlerOption func(*LeapsEchoHandler)

func WithBacktestJobs(j BacktestJobService) HandlerOption { return func(h *LeapsEchoHandler) { h.jobs = j } }
func WithProviderMonitor(m ProviderMonitor) HandlerOption { return func(h *LeapsEchoHandler) { h.providers = m } }
func WithQueueInspector(q QueueInspector) HandlerOption   { return func(h *LeapsEchoHandler) { h.queue = q } }
func WithBacktestTimeout(d time.Duration) HandlerOption   { return func(h *LeapsEchoHandler) { h.timeout = d } }

func NewLeapsEchoHandler(
	logger *xlogger.Logger,
	engine StrikeScorer,
	backtests BacktestRunner,
	selector LeapsSelector,
	mm *registry.ModelManager,
	opts ...HandlerOption,
) *LeapsEchoHandler {
	h := &LeapsEchoHandler{
		logger:    logger,
		engine:    engine,
		backtests: backtests,
		selector:  selector,
		models:    mm,
		timeout:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = xlogger.NewNop()
	}
	return h
}

func (h *LeapsEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	e.POST(analytics.PathScoreStrike, h.ScoreStrike)
	e.POST(analytics.PathScoreEntryExit, h.ScoreEntryExit)
	e.POST(analytics.PathBacktestRun, h.RunBacktest)

	e.POST(PathBacktestJobs, h.SubmitBacktest)
	e.GET(PathBacktestJobs+"/:id", h.BacktestStatus)

	e.POST(PathSelect, h.Select)

	g := e.Group(PathModels)
	g.GET("", h.ListModels)
	g.GET("/compare", h.CompareModels)
	g.GET("/:name/metrics", h.ModelMetrics)
	g.POST("/:name/activate", h.ActivateModel)
	g.POST("/:name/deprecate", h.DeprecateModel)

	p := e.Group(PathProviders)
	p.GET("/health", h.ProviderHealth)
	p.GET("/breakers", h.BreakerStats)
	p.DELETE("/cache", h.ClearCache)

	e.GET(PathQueueDepth, h.QueueDepth)
}

func (h *LeapsEchoHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

func (h *LeapsEchoHandler) ScoreStrike(c echo.Context) error {
	req := models.StrikeScoringRequest{}
	if err := c.Bind(&req); err != nil {
		return xhttp.BadRequestResponse(c, xhttp.ValidationDetails(err))
	}
	return xhttp.ContractResponse(c, h.engine.ScoreStrike(c.Request().Context(), req))
}

func (h *LeapsEchoHandler) ScoreEntryExit(c echo.Context) error {
	req := models.EntryExitRequest{}
	if err := c.Bind(&req); err != nil {
		return xhttp.BadRequestResponse(c, xhttp.ValidationDetails(err))
	}
	return xhttp.ContractResponse(c, h.engine.ScoreEntryExit(c.Request().Context(), req))
}

func (h *LeapsEchoHandler) RunBacktest(c echo.Context) error {
	params := models.BacktestParams{}
	if err := c.Bind(&params); err != nil {
		return xhttp.BadRequestResponse(c, xhttp.ValidationDetails(err))
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	res, err := h.backtests.Run(ctx, params)
	if err != nil {
		return h.fail(c, "backtest", err)
	}
	return xhttp.ContractResponse(c, res)
}

func (h *LeapsEchoHandler) SubmitBacktest(c echo.Context) error {
	if h.jobs == nil {
		return h.fail(c, "backtest submit", usecase.ErrJobsDisabled)
	}
	params := models.BacktestParams{}
	if err := c.Bind(&params); err != nil {
		return xhttp.BadRequestResponse(c, xhttp.ValidationDetails(err))
	}
	job, err := h.jobs.Submit(c.Request().Context(), params)
	if err != nil {
		return h.fail(c, "backtest submit", err)
	}
	return xhttp.CreatedResponse(c, job)
}

func (h *LeapsEchoHandler) BacktestStatus(c echo.Context) error {
	if h.jobs == nil {
		return h.fail(c, "backtest status", usecase.ErrJobsDisabled)
	}
	job, err := h.jobs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "backtest status", err)
	}
	return xhttp.SuccessResponse(c, job)
}

// Select ranks the posted chain, or fetches one through the router when the
// request carries no chain. ?as_of= stands in for a missing body as_of.
func (h *LeapsEchoHandler) Select(c echo.Context) error {
	req := models.SelectionRequest{}
	if err := c.Bind(&req); err != nil {
		return xhttp.BadRequestResponse(c, xhttp.ValidationDetails(err))
	}
	if req.AsOf.IsZero() {
		req.AsOf = xhttp.QueryTime(c.QueryParam("as_of"), time.Time{})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), selectionTimeout)
	defer cancel()

	var (
		sel models.LEAPSSelection
		err error
	)
	if len(req.Chain) == 0 {
		if req.Symbol == "" {
			return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_REQUIRED", "symbol", "symbol is required", http.StatusBadRequest))
		}
		side := req.Side
		if side == "" {
			side = models.SideCall
		}
		sel, err = h.selector.SelectForSymbol(ctx, strings.ToUpper(req.Symbol), side, req.Criteria)
	} else {
		sel, err = h.selector.Select(ctx, req)
	}
	if err != nil {
		return h.fail(c, "selection", err)
	}
	return xhttp.SuccessResponse(c, sel)
}

// ListModels returns models sorted by name, optionally filtered by ?type= and
// capped by ?limit=. The reported total ignores the cap.
func (h *LeapsEchoHandler) ListModels(c echo.Context) error {
	task := models.TaskType(c.QueryParam("type"))
	list := make([]models.ModelMeta, 0)
	for _, m := range h.models.ListModels() {
		if task == "" || m.Type == task {
			list = append(list, m)
		}
	}
	total := int64(len(list))
	if limit := xhttp.QueryInt(c.QueryParam("limit"), 0); limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return xhttp.ListResponse(c, list, total)
}

func (h *LeapsEchoHandler) CompareModels(c echo.Context) error {
	var names []string
	for _, n := range strings.Split(c.QueryParam("names"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return xhttp.SuccessResponse(c, h.models.GetModelComparison(names...))
}

func (h *LeapsEchoHandler) ModelMetrics(c echo.Context) error {
	m, ok := h.models.ModelMetrics(c.Param("name"))
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("model %q not found", c.Param("name")))
	}
	return xhttp.SuccessResponse(c, m)
}

func (h *LeapsEchoHandler) ActivateModel(c echo.Context) error {
	name := c.Param("name")
	meta, ok := h.models.GetModel(name)
	if !ok || !h.models.ActivateModel(meta.Type, name) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("model %q not found", name))
	}
	meta, _ = h.models.GetModel(name)
	return xhttp.SuccessResponse(c, meta)
}

func (h *LeapsEchoHandler) DeprecateModel(c echo.Context) error {
	name := c.Param("name")
	if !h.models.DeprecateModel(name) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("model %q not found", name))
	}
	h.logger.Info("model deprecated", xlogger.String("model", name))
	meta, _ := h.models.GetModel(name)
	return xhttp.SuccessResponse(c, meta)
}

func (h *LeapsEchoHandler) ProviderHealth(c echo.Context) error {
	if h.providers == nil {
		return xhttp.ListResponse(c, []models.ProviderHealth{}, 0)
	}
	rows := h.providers.HealthCheck(c.Request().Context())
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *LeapsEchoHandler) BreakerStats(c echo.Context) error {
	if h.providers == nil {
		return xhttp.ListResponse(c, []breaker.Stats{}, 0)
	}
	rows := h.providers.BreakerStats()
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *LeapsEchoHandler) ClearCache(c echo.Context) error {
	if h.providers == nil {
		return xhttp.SuccessResponse(c, map[string]int{"evicted": 0})
	}
	pattern := c.QueryParam("pattern")
	n := h.providers.ClearCache(c.Request().Context(), pattern)
	h.logger.Info("provider cache cleared", xlogger.String("pattern", pattern), xlogger.Int("evicted", n))
	return xhttp.SuccessResponse(c, map[string]int{"evicted": n})
}

func (h *LeapsEchoHandler) QueueDepth(c echo.Context) error {
	if h.queue == nil {
		return h.fail(c, "queue depth", usecase.ErrJobsDisabled)
	}
	d, err := h.queue.Depth(c.Request().Context())
	if err != nil {
		return h.fail(c, "queue depth", err)
	}
	return xhttp.SuccessResponse(c, d)
}

// fail maps usecase errors onto the response envelope.
func (h *LeapsEchoHandler) fail(c echo.Context, op string, err error) error {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return xhttp.BadRequestResponse(c, xhttp.ValidationDetails(err))
	case errors.Is(err, usecase.ErrJobNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError(err.Error()))
	case errors.Is(err, usecase.ErrJobsDisabled):
		return xhttp.AppErrorResponse(c,
			xhttp.NewAppError("ERR_UNAVAILABLE", "", err.Error(), http.StatusServiceUnavailable))
	case errors.Is(err, router.ErrAllProvidersFailed):
		h.logger.Warn(op+" upstream failure", xlogger.Error(err))
		return xhttp.AppErrorResponse(c,
			xhttp.NewAppError("ERR_UPSTREAM", "", "market data unavailable", http.StatusBadGateway).WithError(err))
	case errors.Is(err, context.DeadlineExceeded):
		return xhttp.AppErrorResponse(c,
			xhttp.NewAppError("ERR_TIMEOUT", "", op+" timed out", http.StatusGatewayTimeout))
	}
	h.logger.Error(op+" failed", xlogger.Error(err))
	return xhttp.InternalServerErrorResponse(c)
}
