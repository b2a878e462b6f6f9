package service

import (
	"context"

	"LeapsEngine/internal/domain/models"
)

// CandidateScorer scores candidates against a selection context. Implementations
// fail soft; they never return an error to the caller.
type CandidateScorer interface {
	ScoreCandidates(candidates []models.Candidate, sc models.SelectionContext) []models.ScoredCandidate
}

// RecommendationModel derives stop-loss / take-profit adjustments from underlying features.
type RecommendationModel interface {
	GetRecommendation(underlying string, side models.Side, f models.UnderlyingFeatures) models.Recommendation
}

// RemoteScorer is the optional remote ML service. Its strike scores join the
// ensemble and its entry/exit recommendation is blended with the local one.
type RemoteScorer interface {
	ScoreStrike(ctx context.Context, req models.StrikeScoringRequest) (models.StrikeScoringResponse, error)
	ScoreEntryExit(ctx context.Context, req models.EntryExitRequest) (models.EntryExitResponse, error)
}
