package batcher

import (
	"context"
	"time"
)

// ResourceReader reads a resource's current state.
type ResourceReader interface {
	Resource(ctx context.Context, id string) (Resource, error)
}

// Topology lists the resources the access collaborator has cleared, in
// discovery order.
type Topology interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// CapacityOracle reports the dispatch host's capacity and what one thread
// of each operation costs.
type CapacityOracle interface {
	Capacity(ctx context.Context) (Capacity, error)
	StageCost(ctx context.Context, op Operation) (float64, error)
}

// AnalysisOracle converts money and growth targets into thread counts.
type AnalysisOracle interface {
	// HackThreads returns the threads needed to take amount from id.
	HackThreads(ctx context.Context, id string, amount float64) (float64, error)
	// GrowThreads returns the threads needed to multiply id's money by multiplier.
	GrowThreads(ctx context.Context, id string, multiplier float64) (float64, error)
}

// Dispatcher submits a stage for delayed execution. Dispatch is
// fire-and-forget: no completion is ever reported back.
type Dispatcher interface {
	Submit(ctx context.Context, kind StageKind, id string, threads int, delay time.Duration) (Handle, error)
}

// Operator runs single blocking operations for preparation.
type Operator interface {
	Weaken(ctx context.Context, id string) error
	Grow(ctx context.Context, id string) error
}

// Clock abstracts time for the control loop.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
