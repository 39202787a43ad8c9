package batcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shizukutanaka/batchd/internal/config"
	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// cancelAfterObservations cancels ctx during the n-th observation sleep, so
// n-1 cycles complete.
func cancelAfterObservations(clock *manualClock, window time.Duration, n int, cancel context.CancelFunc) {
	seen := 0
	clock.onSleep = func(d time.Duration, _ int) {
		if d != window {
			return
		}
		seen++
		if seen >= n {
			cancel()
		}
	}
}

func newTestEngine(t *testing.T, env *fakeEnv, clock *manualClock) *Engine {
	e, err := NewEngine(config.DefaultConfig().Batcher, env.deps(clock), zaptest.NewLogger(t), NewMetrics("test"))
	require.NoError(t, err)
	return e
}

func readyEnv() *fakeEnv {
	env := newFakeEnv()
	env.candidates = []Candidate{
		{ID: "empty", HasAccess: true},
		{ID: "locked", HasAccess: false},
		{ID: "target", HasAccess: true},
	}
	env.set(Resource{ID: "empty", MaxMoney: 0, MinSecurity: 1, SecurityLevel: 1})
	env.set(Resource{ID: "locked", MaxMoney: 1e9, MinSecurity: 1, SecurityLevel: 1})
	env.set(Resource{ID: "target", MaxMoney: 1e6, Money: 950000, MinSecurity: 5, SecurityLevel: 5})
	return env
}

func TestNewEngine_Validation(t *testing.T) {
	env := newFakeEnv()

	deps := env.deps(nil)
	deps.Dispatcher = nil
	_, err := NewEngine(config.DefaultConfig().Batcher, deps, nil, nil)
	assert.Error(t, err)

	cfg := config.DefaultConfig().Batcher
	cfg.MinFrac = 0.5
	cfg.MaxFrac = 0.1
	_, err = NewEngine(cfg, env.deps(nil), nil, nil)
	assert.Error(t, err)

	e, err := NewEngine(config.DefaultConfig().Batcher, env.deps(nil), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.02, e.Fraction())
	assert.Equal(t, PhaseIdle, e.Snapshot().Phase)
}

func TestEngine_NoTargetIsTerminal(t *testing.T) {
	env := newFakeEnv()
	env.candidates = []Candidate{{ID: "a", HasAccess: true}, {ID: "b", HasAccess: false}}
	env.set(Resource{ID: "a", MaxMoney: 0})
	env.set(Resource{ID: "b", MaxMoney: 1e6})

	e := newTestEngine(t, env, newManualClock())
	err := e.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoTarget))

	snap := e.Snapshot()
	assert.Equal(t, PhaseStopped, snap.Phase)
	assert.Empty(t, snap.Target)
	assert.Zero(t, snap.Cycles)
	assert.Empty(t, env.submitted())
}

func TestEngine_TopologyFailure(t *testing.T) {
	env := newFakeEnv()
	env.topoErr = errors.New("scan failed")

	e := newTestEngine(t, env, newManualClock())
	err := e.Run(context.Background())

	assert.ErrorContains(t, err, "scan failed")
	assert.ErrorIs(t, err, apperrors.ErrOracleUnavailable)

	snap := e.Snapshot()
	assert.Equal(t, PhaseStopped, snap.Phase)
	assert.Equal(t, int64(1), snap.Errors["oracle:ORACLE_UNAVAILABLE"])
	assert.Contains(t, snap.LastError, "scan failed")
}

func TestEngine_RunsCycles(t *testing.T) {
	env := readyEnv()
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterObservations(clock, config.DefaultConfig().Batcher.ObservationWindow, 3, cancel)

	e := newTestEngine(t, env, clock)
	require.NoError(t, e.Run(ctx))

	snap := e.Snapshot()
	assert.Equal(t, "target", snap.Target)
	assert.Equal(t, PhaseStopped, snap.Phase)
	assert.Equal(t, int64(2), snap.Cycles)

	// Ratio 0.95 is above the high watermark on both cycles.
	assert.InDelta(t, 0.02*1.05*1.05, snap.Fraction, 1e-12)
	assert.Equal(t, 2, snap.Yield.Samples)
	assert.InDelta(t, 0.95, snap.Yield.Mean, 1e-12)
	assert.InDelta(t, 0.0, snap.Yield.StdDev, 1e-12)

	// Two full cycles plus the dispatch phase of the third.
	assert.Len(t, env.submitted(), 3*6*4)
	assert.Equal(t, int64(18), snap.Totals.BatchesDispatched)
	for _, sub := range env.submitted() {
		assert.Equal(t, "target", sub.Target)
	}
}

func TestEngine_OracleFailureSkipsDispatch(t *testing.T) {
	env := readyEnv()
	env.analysisErr = errors.New("analysis offline")
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterObservations(clock, config.DefaultConfig().Batcher.ObservationWindow, 2, cancel)

	e := newTestEngine(t, env, clock)
	require.NoError(t, e.Run(ctx))

	snap := e.Snapshot()
	assert.Equal(t, int64(1), snap.Cycles)
	assert.Empty(t, env.submitted())
	assert.Equal(t, int64(2), snap.Totals.SkippedCycles)
	assert.Equal(t, int64(2), snap.Errors["oracle:ORACLE_UNAVAILABLE"])
	assert.Contains(t, snap.LastError, "analysis offline")

	// Tuning still runs after a skipped dispatch.
	assert.InDelta(t, 0.021, snap.Fraction, 1e-12)
}

func TestEngine_CapacityFailureKeepsPartialCycle(t *testing.T) {
	env := readyEnv()
	env.capFailOn = 6
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterObservations(clock, config.DefaultConfig().Batcher.ObservationWindow, 1, cancel)

	e := newTestEngine(t, env, clock)
	require.NoError(t, e.Run(ctx))

	// First batch complete, then the first stage of the second batch.
	require.Len(t, env.submitted(), 5)

	snap := e.Snapshot()
	assert.Equal(t, int64(2), snap.Totals.BatchesAttempted)
	assert.Equal(t, int64(1), snap.Totals.BatchesDispatched)
	assert.Equal(t, int64(5), snap.Totals.StagesDispatched)
	assert.Zero(t, snap.Totals.SkippedCycles)
	assert.Equal(t, 2, snap.LastCycle.BatchesAttempted)
	assert.Equal(t, 5, snap.LastCycle.StagesDispatched)
	assert.Equal(t, int64(1), snap.Errors["oracle:ORACLE_UNAVAILABLE"])
}

func TestEngine_CapacityFailureBeforeAnyStageSkipsCycle(t *testing.T) {
	env := readyEnv()
	env.capFailOn = 1
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterObservations(clock, config.DefaultConfig().Batcher.ObservationWindow, 1, cancel)

	e := newTestEngine(t, env, clock)
	require.NoError(t, e.Run(ctx))

	assert.Empty(t, env.submitted())

	snap := e.Snapshot()
	assert.Equal(t, int64(1), snap.Totals.SkippedCycles)
	assert.Equal(t, int64(1), snap.Totals.BatchesAttempted)
	assert.Zero(t, snap.Totals.StagesDispatched)
}

func TestEngine_DenialProceedsToTuning(t *testing.T) {
	env := readyEnv()
	env.set(Resource{ID: "target", MaxMoney: 1e6, Money: 500000, MinSecurity: 5, SecurityLevel: 5})
	env.capacity = Capacity{Total: 200}
	env.hackThreads = 40
	env.growThreads = 10
	env.grow = func(*Resource) {}
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterObservations(clock, config.DefaultConfig().Batcher.ObservationWindow, 2, cancel)

	cfg := config.DefaultConfig().Batcher
	cfg.PrepMoneyRatio = 0.4

	e, err := NewEngine(cfg, env.deps(clock), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx))

	snap := e.Snapshot()
	assert.Empty(t, env.submitted())
	assert.True(t, snap.LastCycle.Denied)
	assert.Equal(t, int64(2), snap.Totals.Denials)
	assert.InDelta(t, 0.016, snap.Fraction, 1e-12)
}

func TestEngine_PreparationFailureSkipsDispatch(t *testing.T) {
	env := readyEnv()
	env.set(Resource{ID: "target", MaxMoney: 1e6, Money: 0, MinSecurity: 5, SecurityLevel: 50})
	env.opErr = errors.New("worker crashed")
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterObservations(clock, config.DefaultConfig().Batcher.ObservationWindow, 2, cancel)

	e := newTestEngine(t, env, clock)
	require.NoError(t, e.Run(ctx))

	snap := e.Snapshot()
	assert.Equal(t, int64(1), snap.Cycles)
	assert.Empty(t, env.submitted())
	assert.Equal(t, int64(2), snap.Errors["preparation:PREPARATION_FAILED"])
	assert.InDelta(t, 0.016, snap.Fraction, 1e-12)
}

func TestEngine_DryRun(t *testing.T) {
	env := readyEnv()
	clock := newManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterObservations(clock, config.DefaultConfig().Batcher.ObservationWindow, 2, cancel)

	cfg := config.DefaultConfig().Batcher
	cfg.DryRun = true
	e, err := NewEngine(cfg, env.deps(clock), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx))

	snap := e.Snapshot()
	assert.True(t, snap.DryRun)
	assert.Empty(t, env.submitted())
	assert.Equal(t, int64(48), snap.Totals.StagesSimulated)
}

func TestEngines_AreIndependent(t *testing.T) {
	env := readyEnv()
	env.set(Resource{ID: "other", MaxMoney: 1e6, Money: 100000, MinSecurity: 5, SecurityLevel: 5})

	a := newTestEngine(t, env, newManualClock())
	b := newTestEngine(t, env, newManualClock())

	a.tune(context.Background(), "target")
	b.tune(context.Background(), "other")

	assert.InDelta(t, 0.021, a.Fraction(), 1e-12)
	assert.InDelta(t, 0.016, b.Fraction(), 1e-12)
}
