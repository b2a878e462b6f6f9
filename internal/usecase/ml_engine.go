package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"LeapsEngine/internal/domain/models"
	domrepo "LeapsEngine/internal/domain/repository"
	domsvc "LeapsEngine/internal/domain/service"
	"LeapsEngine/internal/services/features"
	"LeapsEngine/internal/services/registry"
	"LeapsEngine/internal/services/scoring"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/logger"
)

// Selection bands used when a request leaves them empty.
var (
	DefaultDeltaRange = models.Range{Min: 0.5, Max: 0.8}
	DefaultDTERange   = models.Range{Min: 365, Max: 900}
)

// MLEngine orchestrates feature building, strike scoring, entry/exit
// recommendations and the model registry. It never returns an error:
// failures degrade to neutral outputs.
type MLEngine struct {
	optimizer   domsvc.CandidateScorer
	entryExit   domsvc.RecommendationModel
	models      *registry.ModelManager
	remote      domsvc.RemoteScorer
	remoteModel string
	metrics     domrepo.Metrics
	log         *logger.Logger
	now         func() time.Time
}

type EngineOption func(*MLEngine)

// WithRemoteScorer adds the remote ML service as ensemble member model and
// as a third entry/exit opinion.
func WithRemoteScorer(r domsvc.RemoteScorer, model string) EngineOption {
	return func(e *MLEngine) {
		e.remote = r
		e.remoteModel = model
	}
}

func WithEngineMetrics(m domrepo.Metrics) EngineOption  { return func(e *MLEngine) { e.metrics = m } }
func WithEngineLogger(l *logger.Logger) EngineOption    { return func(e *MLEngine) { e.log = l } }
func WithEngineClock(now func() time.Time) EngineOption { return func(e *MLEngine) { e.now = now } }

func NewMLEngine(optimizer domsvc.CandidateScorer, entryExit domsvc.RecommendationModel, mm *registry.ModelManager, opts ...EngineOption) *MLEngine {
	e := &MLEngine{
		optimizer: optimizer,
		entryExit: entryExit,
		models:    mm,
		metrics:   domrepo.NopMetrics{},
		log:       logger.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ScoreStrike returns one score per request candidate, in request order. The
// ensemble registered as "<active>-ensemble" wins when present, otherwise the
// optimizer score is used, otherwise NeutralScore.
func (e *MLEngine) ScoreStrike(ctx context.Context, req models.StrikeScoringRequest) (resp models.StrikeScoringResponse) {
	start := e.now()
	model := e.activeModel(models.TaskStrikeSelection, registry.StrikeOptimizerV1)
	resp = models.StrikeScoringResponse{
		Model:        model.Name,
		ModelVersion: model.Version,
		FeatureSpec:  features.FeatureSpecVersion,
		ScoredAt:     start,
	}

	fallback := false
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("strike scoring panicked", logger.String("symbol", req.Symbol), logger.Any("panic", r))
			resp.Scores = neutralScores(req.Candidates, fmt.Sprintf("internal error: %v", r))
			resp.Ensemble = false
			fallback = true
		}
		took := e.now().Sub(start)
		e.models.RecordUsage(model.Name, took, !fallback)
		e.metrics.RecordScoring("strike", took.Seconds(), fallback)
	}()

	if req.Underlying.Symbol == "" {
		req.Underlying.Symbol = req.Symbol
	}
	if err := xhttp.ValidateStruct(ctx, &req); err != nil {
		fallback = true
		resp.Scores = neutralScores(req.Candidates, err.Error())
		return resp
	}

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = start
	}
	u := features.BuildUnderlyingFeatures(req.Underlying)
	sc := models.SelectionContext{
		Side:       req.Side,
		DeltaRange: orDefault(req.DeltaRange, DefaultDeltaRange),
		DTERange:   orDefault(req.DTERange, DefaultDTERange),
		IVRank:     req.IVRank,
	}
	if sc.IVRank == nil && u.IVRank >= 0 {
		sc.IVRank = models.Float(u.IVRank)
	}

	scored := e.optimizer.ScoreCandidates(features.BuildCandidates(u, req.Candidates, asOf), sc)
	if len(scored) != len(req.Candidates) {
		fallback = true
		resp.Scores = neutralScores(req.Candidates, "scorer returned misaligned results")
		return resp
	}

	ensembleName := model.Name + registry.EnsembleSuffix
	_, hasEnsemble := e.models.Ensemble(ensembleName)
	var remote []models.StrikeScore
	if hasEnsemble {
		remote = e.remoteScores(ctx, req)
	}

	resp.Scores = make([]models.StrikeScore, len(scored))
	for i, s := range scored {
		score := scoring.Clamp01(s.Score)
		reasons := s.Reasons
		if hasEnsemble {
			members := map[string]float64{model.Name: s.Score}
			if remote != nil {
				members[e.remoteModel] = remote[i].Score
				reasons = append(append([]string(nil), reasons...), remote[i].Reasons...)
			}
			if v, ok := e.models.ApplyEnsemble(ensembleName, members); ok {
				score = v
				resp.Ensemble = true
			}
		}
		resp.Scores[i] = models.StrikeScore{
			Symbol:  req.Candidates[i].Symbol,
			Score:   score,
			Reasons: reasons,
		}
	}
	return resp
}

// remoteScores returns nil when no remote scorer is configured or it failed.
func (e *MLEngine) remoteScores(ctx context.Context, req models.StrikeScoringRequest) []models.StrikeScore {
	if e.remote == nil {
		return nil
	}
	start := e.now()
	out, err := e.remote.ScoreStrike(ctx, req)
	e.models.RecordUsage(e.remoteModel, e.now().Sub(start), err == nil)
	if err != nil {
		e.log.Warn("remote strike scoring failed", logger.String("symbol", req.Symbol), logger.Error(err))
		return nil
	}
	if len(out.Scores) != len(req.Candidates) {
		return nil
	}
	return out.Scores
}

// ScoreEntryExit averages the entry/exit model with the registry adjustment
// for the active model and reports whether the blend passes validation.
func (e *MLEngine) ScoreEntryExit(ctx context.Context, req models.EntryExitRequest) (resp models.EntryExitResponse) {
	start := e.now()
	model := e.activeModel(models.TaskEntryExit, registry.EntryExitV1)

	fallback := false
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("entry/exit scoring panicked", logger.String("symbol", req.Symbol), logger.Any("panic", r))
			resp = entryExitResponse(scoring.NeutralRecommendation(fmt.Sprintf("internal error: %v", r)), model, start)
			fallback = true
		}
		took := e.now().Sub(start)
		e.models.RecordUsage(model.Name, took, !fallback)
		e.metrics.RecordScoring("entry_exit", took.Seconds(), fallback)
	}()

	if req.Underlying.Symbol == "" {
		req.Underlying.Symbol = req.Symbol
	}
	if err := xhttp.ValidateStruct(ctx, &req); err != nil {
		fallback = true
		return entryExitResponse(scoring.NeutralRecommendation(err.Error()), model, start)
	}

	u := features.BuildUnderlyingFeatures(req.Underlying)
	base := e.entryExit.GetRecommendation(req.Symbol, req.Side, u)
	adj := e.models.GetEntryExitAdjustment(model.Name, req.Side, u)

	opinions := []models.Recommendation{base, adj}
	if r, ok := e.remoteEntryExit(ctx, req); ok {
		opinions = append(opinions, r)
	}

	rec := models.Recommendation{Regime: base.Regime}
	n := float64(len(opinions))
	for _, o := range opinions {
		rec.SLPctAdj += o.SLPctAdj / n
		rec.TPPctAdj += o.TPPctAdj / n
		rec.Confidence += o.Confidence / n
		rec.Reasons = append(rec.Reasons, o.Reasons...)
	}
	return entryExitResponse(rec, model, start)
}

// remoteEntryExit asks the remote service for a third opinion. Responses
// with an out-of-range or non-finite confidence are discarded; adjustments
// are clamped to the local model's bounds.
func (e *MLEngine) remoteEntryExit(ctx context.Context, req models.EntryExitRequest) (models.Recommendation, bool) {
	if e.remote == nil {
		return models.Recommendation{}, false
	}
	start := e.now()
	out, err := e.remote.ScoreEntryExit(ctx, req)
	e.models.RecordUsage(e.remoteModel, e.now().Sub(start), err == nil)
	if err != nil {
		e.log.Warn("remote entry/exit scoring failed", logger.String("symbol", req.Symbol), logger.Error(err))
		return models.Recommendation{}, false
	}
	if math.IsNaN(out.Confidence) || out.Confidence < 0 || out.Confidence > 1 ||
		math.IsNaN(out.SLPctAdj) || math.IsNaN(out.TPPctAdj) {
		return models.Recommendation{}, false
	}
	reasons := make([]string, 0, len(out.Reasons))
	for _, r := range out.Reasons {
		reasons = append(reasons, "remote: "+r)
	}
	return models.Recommendation{
		SLPctAdj:   math.Max(scoring.MinSLAdj, math.Min(scoring.MaxSLAdj, out.SLPctAdj)),
		TPPctAdj:   math.Max(scoring.MinTPAdj, math.Min(scoring.MaxTPAdj, out.TPPctAdj)),
		Confidence: out.Confidence,
		Reasons:    reasons,
	}, true
}

func entryExitResponse(rec models.Recommendation, model models.ModelMeta, at time.Time) models.EntryExitResponse {
	valid, why := scoring.ValidateRecommendation(rec)
	return models.EntryExitResponse{
		SLPctAdj:         rec.SLPctAdj,
		TPPctAdj:         rec.TPPctAdj,
		Confidence:       rec.Confidence,
		Reasons:          rec.Reasons,
		Regime:           rec.Regime,
		Valid:            valid,
		ValidationReason: why,
		Model:            model.Name,
		ModelVersion:     model.Version,
		GeneratedAt:      at,
	}
}

func (e *MLEngine) activeModel(task models.TaskType, fallback string) models.ModelMeta {
	if m, ok := e.models.ActiveModel(task); ok {
		return m
	}
	return models.ModelMeta{Name: fallback, Version: "unregistered", Type: task}
}

func neutralScores(candidates []models.OptionContract, reason string) []models.StrikeScore {
	out := make([]models.StrikeScore, len(candidates))
	for i, c := range candidates {
		out[i] = models.StrikeScore{
			Symbol:  c.Symbol,
			Score:   scoring.NeutralScore,
			Reasons: []string{"neutral fallback: " + reason},
		}
	}
	return out
}

func orDefault(r, def models.Range) models.Range {
	if r.Min == 0 && r.Max == 0 {
		return def
	}
	return r
}
