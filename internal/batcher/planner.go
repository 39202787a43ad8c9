package batcher

import (
	"context"
	"fmt"
	"math"

	apperrors "github.com/shizukutanaka/batchd/internal/errors"
)

// CapacityPlanner turns an extraction fraction into per-stage threads.
//
// Hack and grow threads come from the analysis oracle. The weaken stages
// are sized with fixed compensation ratios; these approximate the security
// the hack and grow stages add and drift from the true formulas, which the
// preparation pass re-levels each cycle.
type CapacityPlanner struct {
	analysis         AnalysisOracle
	hackCompensation float64
	growCompensation float64
}

// NewCapacityPlanner creates a planner with the given compensation ratios.
func NewCapacityPlanner(analysis AnalysisOracle, hackCompensation, growCompensation float64) *CapacityPlanner {
	return &CapacityPlanner{
		analysis:         analysis,
		hackCompensation: hackCompensation,
		growCompensation: growCompensation,
	}
}

// Plan sizes one batch that takes fraction of money from id and grows it
// back. fraction must lie strictly between 0 and 1.
func (p *CapacityPlanner) Plan(ctx context.Context, id string, fraction, money float64) (ThreadPlan, error) {
	if !(fraction > 0 && fraction < 1) {
		return ThreadPlan{}, fmt.Errorf("fraction %v outside (0,1)", fraction)
	}
	if money <= 0 {
		money = 1
	}

	rawHack, err := p.analysis.HackThreads(ctx, id, money*fraction)
	if err != nil {
		return ThreadPlan{}, apperrors.ErrOracleUnavailable.
			WithError(fmt.Errorf("hack analysis: %w", err)).
			WithContext("target", id)
	}
	rawGrow, err := p.analysis.GrowThreads(ctx, id, 1/(1-fraction))
	if err != nil {
		return ThreadPlan{}, apperrors.ErrOracleUnavailable.
			WithError(fmt.Errorf("grow analysis: %w", err)).
			WithContext("target", id)
	}
	if math.IsInf(rawHack, 0) || math.IsInf(rawGrow, 0) {
		return ThreadPlan{}, apperrors.ErrOracleUnavailable.
			WithError(fmt.Errorf("analysis returned infinite threads (hack=%v grow=%v)", rawHack, rawGrow)).
			WithContext("target", id)
	}

	hack := atLeastOne(math.Floor(rawHack))
	grow := atLeastOne(math.Ceil(rawGrow))

	return ThreadPlan{
		Hack:    hack,
		Grow:    grow,
		Weaken1: int(math.Ceil(float64(hack) * p.hackCompensation)),
		Weaken2: int(math.Ceil(float64(grow) * p.growCompensation)),
	}, nil
}

func atLeastOne(v float64) int {
	if math.IsNaN(v) || v < 1 {
		return 1
	}
	return int(v)
}
