package batcher

import (
	"context"
	"fmt"

	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"go.uber.org/zap"
)

// ScoredCandidate is a candidate with its selection score.
type ScoredCandidate struct {
	Resource Resource `json:"resource"`
	Score    float64  `json:"score"`
	Eligible bool     `json:"eligible"`
	Reason   string   `json:"reason,omitempty"`
}

// TargetSelector picks the resource with the best money-to-security score.
type TargetSelector struct {
	logger *zap.Logger
	reader ResourceReader
	margin float64
}

// NewTargetSelector creates a selector. margin is added to minSecurity in
// the score denominator.
func NewTargetSelector(logger *zap.Logger, reader ResourceReader, margin float64) *TargetSelector {
	return &TargetSelector{
		logger: logger.Named("selector"),
		reader: reader,
		margin: margin,
	}
}

// Score evaluates every id in order. Unreadable or capacity-less resources
// are returned as ineligible.
func (s *TargetSelector) Score(ctx context.Context, ids []string) []ScoredCandidate {
	scored := make([]ScoredCandidate, 0, len(ids))
	for _, id := range ids {
		r, err := s.reader.Resource(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable candidate", zap.String("id", id), zap.Error(err))
			scored = append(scored, ScoredCandidate{
				Resource: Resource{ID: id},
				Reason:   fmt.Sprintf("read failed: %v", err),
			})
			continue
		}

		sc := ScoredCandidate{Resource: r}
		denom := r.MinSecurity + s.margin
		switch {
		case r.MaxMoney <= 0:
			sc.Reason = "no money capacity"
		case denom <= 0:
			sc.Reason = "non-positive security denominator"
		default:
			sc.Score = r.MaxMoney / denom
			sc.Eligible = true
		}
		scored = append(scored, sc)
	}
	return scored
}

// Select returns the highest-scoring eligible id. Ties go to the earliest
// candidate. When nothing is eligible it returns ErrNoTarget.
func (s *TargetSelector) Select(ctx context.Context, ids []string) (string, error) {
	best := ""
	bestScore := 0.0
	found := false

	for _, sc := range s.Score(ctx, ids) {
		if !sc.Eligible {
			continue
		}
		if !found || sc.Score > bestScore {
			best, bestScore, found = sc.Resource.ID, sc.Score, true
		}
	}

	if !found {
		return "", apperrors.ErrNoTarget.WithContext("candidates", len(ids))
	}

	s.logger.Info("Selected target",
		zap.String("target", best),
		zap.Float64("score", bestScore),
		zap.Int("candidates", len(ids)),
	)
	return best, nil
}

// AccessibleIDs keeps the ids of candidates cleared for use, in order.
func AccessibleIDs(candidates []Candidate) []string {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.HasAccess {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
