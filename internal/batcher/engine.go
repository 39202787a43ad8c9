package batcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/batchd/internal/config"
	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Phase is the control loop's current step.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSelecting   Phase = "selecting"
	PhasePreparing   Phase = "preparing"
	PhaseDispatching Phase = "dispatching"
	PhaseObserving   Phase = "observing"
	PhaseStopped     Phase = "stopped"
)

const ratioHistorySize = 32

// Deps are the collaborators an Engine drives.
type Deps struct {
	Topology   Topology
	Resources  ResourceReader
	Capacity   CapacityOracle
	Analysis   AnalysisOracle
	Dispatcher Dispatcher
	Operator   Operator
	Clock      Clock
}

func (d Deps) validate() error {
	switch {
	case d.Topology == nil:
		return errors.New("topology is required")
	case d.Resources == nil:
		return errors.New("resource reader is required")
	case d.Capacity == nil:
		return errors.New("capacity oracle is required")
	case d.Analysis == nil:
		return errors.New("analysis oracle is required")
	case d.Dispatcher == nil:
		return errors.New("dispatcher is required")
	case d.Operator == nil:
		return errors.New("operator is required")
	}
	return nil
}

// Totals are counters accumulated over the engine's lifetime.
type Totals struct {
	BatchesAttempted  int64 `json:"batches_attempted"`
	BatchesDispatched int64 `json:"batches_dispatched"`
	StagesDispatched  int64 `json:"stages_dispatched"`
	StagesFailed      int64 `json:"stages_failed"`
	StagesSimulated   int64 `json:"stages_simulated"`
	Denials           int64 `json:"denials"`
	SkippedCycles     int64 `json:"skipped_cycles"`
}

// YieldStats summarises recent money/maxMoney observations.
type YieldStats struct {
	Last    float64 `json:"last"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Samples int     `json:"samples"`
}

// Snapshot is a point-in-time view of an engine for the status surface.
type Snapshot struct {
	Target    string           `json:"target"`
	Phase     Phase            `json:"phase"`
	Fraction  float64          `json:"fraction"`
	MinFrac   float64          `json:"min_frac"`
	MaxFrac   float64          `json:"max_frac"`
	DryRun    bool             `json:"dry_run"`
	Cycles    int64            `json:"cycles"`
	Started   time.Time        `json:"started"`
	Resource  Resource         `json:"resource"`
	LastCycle CycleReport      `json:"last_cycle"`
	LastPrep  PrepReport       `json:"last_prep"`
	Totals    Totals           `json:"totals"`
	Yield     YieldStats       `json:"yield"`
	Errors    map[string]int64 `json:"errors"`
	LastError string           `json:"last_error,omitempty"`
}

// Engine is the per-target control loop: select once, then repeat
// prepare, plan, admit and dispatch, observe, tune. The extraction fraction
// lives on the instance, so independent engines can run side by side.
type Engine struct {
	logger  *zap.Logger
	cfg     config.BatcherConfig
	deps    Deps
	errs    *apperrors.ErrorHandler
	metrics *Metrics

	selector  *TargetSelector
	prep      *PreparationDriver
	planner   *CapacityPlanner
	admission *AdmissionController
	scheduler *BatchScheduler
	tuner     *ReliabilityTuner

	mu        sync.RWMutex
	target    string
	phase     Phase
	fraction  float64
	cycles    int64
	started   time.Time
	resource  Resource
	lastCycle CycleReport
	lastPrep  PrepReport
	totals    Totals
	ratios    []float64
	lastError string
}

// NewEngine assembles an engine. A nil Clock defaults to the wall clock and
// a nil metrics set gets a private one.
func NewEngine(cfg config.BatcherConfig, deps Deps, logger *zap.Logger, metrics *Metrics) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine dependencies: %w", err)
	}
	if cfg.MinFrac <= 0 || cfg.MaxFrac >= 1 || cfg.MinFrac > cfg.MaxFrac {
		return nil, fmt.Errorf("invalid fraction bounds [%v, %v]", cfg.MinFrac, cfg.MaxFrac)
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics("")
	}

	logger = logger.Named("engine")
	errs := apperrors.NewErrorHandler(logger)
	admission := NewAdmissionController(deps.Capacity, cfg.ReservedFraction, metrics)

	e := &Engine{
		logger:    logger,
		cfg:       cfg,
		deps:      deps,
		errs:      errs,
		metrics:   metrics,
		selector:  NewTargetSelector(logger, deps.Resources, cfg.ScoreMargin),
		prep:      NewPreparationDriver(logger, cfg, deps.Resources, deps.Operator, deps.Clock, metrics),
		planner:   NewCapacityPlanner(deps.Analysis, cfg.HackCompensation, cfg.GrowCompensation),
		admission: admission,
		scheduler: NewBatchScheduler(logger, admission, deps.Dispatcher, deps.Clock, errs, metrics, SchedulerOptions{
			Delta:      cfg.Delta(),
			MaxBatches: cfg.MaxBatchesInFlight,
			DryRun:     cfg.DryRun,
		}),
		tuner:    NewReliabilityTuner(cfg),
		phase:    PhaseIdle,
		fraction: math.Min(cfg.MaxFrac, math.Max(cfg.MinFrac, cfg.DefaultFrac)),
		ratios:   make([]float64, 0, ratioHistorySize),
	}
	metrics.fraction.Set(e.fraction)
	return e, nil
}

// Run selects a target and drives cycles until ctx is done. It returns nil
// on cancellation, ErrNoTarget when no candidate qualifies and
// ErrOracleUnavailable when the candidate list cannot be read.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.started = e.deps.Clock.Now()
	e.mu.Unlock()
	defer e.setPhase(PhaseStopped)

	target, err := e.selectTarget(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.errs.Handle(ctx, err)
		e.recordError(err)
		return err
	}

	e.mu.Lock()
	e.target = target
	e.mu.Unlock()

	e.logger.Info("Engine started",
		zap.String("target", target),
		zap.Float64("fraction", e.Fraction()),
		zap.Bool("dry_run", e.cfg.DryRun),
	)

	for {
		if err := e.runCycle(ctx, target); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.logger.Info("Engine stopped", zap.String("target", target), zap.Int64("cycles", e.Cycles()))
				return nil
			}
			return err
		}
	}
}

func (e *Engine) selectTarget(ctx context.Context) (string, error) {
	e.setPhase(PhaseSelecting)

	candidates, err := e.deps.Topology.Candidates(ctx)
	if err != nil {
		return "", apperrors.ErrOracleUnavailable.WithError(fmt.Errorf("list candidates: %w", err))
	}
	return e.selector.Select(ctx, AccessibleIDs(candidates))
}

// runCycle runs one prepare/dispatch/observe/tune pass. Collaborator
// failures are absorbed; only ctx errors are returned.
func (e *Engine) runCycle(ctx context.Context, target string) error {
	dispatched, recorded := false, false

	e.setPhase(PhasePreparing)
	prep, err := e.prep.Prepare(ctx, target)
	e.mu.Lock()
	e.lastPrep = prep
	e.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.absorb(ctx, err)
	} else {
		e.setPhase(PhaseDispatching)
		report, err := e.dispatch(ctx, target)
		// Stages already submitted stay in the books even when the cycle
		// is cut short.
		if err == nil || report.BatchesAttempted > 0 {
			e.recordCycle(report)
			recorded = true
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.absorb(ctx, err)
		}
		dispatched = err == nil || report.StagesDispatched+report.StagesSimulated > 0
	}
	if !dispatched {
		e.mu.Lock()
		e.totals.SkippedCycles++
		if !recorded {
			e.lastCycle = CycleReport{}
		}
		e.mu.Unlock()
	}

	e.setPhase(PhaseObserving)
	if err := e.deps.Clock.Sleep(ctx, e.cfg.ObservationWindow); err != nil {
		return err
	}

	e.tune(ctx, target)

	e.mu.Lock()
	e.cycles++
	e.mu.Unlock()
	e.metrics.cycles.Inc()
	e.logProgress(target)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, target string) (CycleReport, error) {
	r, err := e.readResource(ctx, target)
	if err != nil {
		return CycleReport{}, err
	}

	plan, err := e.planner.Plan(ctx, target, e.Fraction(), r.Money)
	if err != nil {
		return CycleReport{}, err
	}
	return e.scheduler.Dispatch(ctx, target, plan)
}

// tune samples the yield ratio and moves the fraction. A failed read
// leaves the fraction unchanged.
func (e *Engine) tune(ctx context.Context, target string) {
	r, err := e.readResource(ctx, target)
	if err != nil {
		if ctx.Err() == nil {
			e.absorb(ctx, err)
		}
		return
	}

	ratio := r.MoneyRatio()
	e.mu.Lock()
	prev := e.fraction
	e.fraction = e.tuner.Next(prev, ratio)
	e.resource = r
	if len(e.ratios) == ratioHistorySize {
		e.ratios = append(e.ratios[:0], e.ratios[1:]...)
	}
	e.ratios = append(e.ratios, ratio)
	next := e.fraction
	e.mu.Unlock()

	e.metrics.yieldRatio.Set(ratio)
	e.metrics.fraction.Set(next)
	if next != prev {
		e.logger.Debug("Fraction adjusted",
			zap.Float64("ratio", ratio),
			zap.Float64("from", prev),
			zap.Float64("to", next),
		)
	}
}

func (e *Engine) readResource(ctx context.Context, target string) (Resource, error) {
	r, err := e.deps.Resources.Resource(ctx, target)
	if err != nil {
		return Resource{}, apperrors.ErrOracleUnavailable.
			WithError(fmt.Errorf("read resource: %w", err)).
			WithContext("target", target)
	}
	e.mu.Lock()
	e.resource = r
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) absorb(ctx context.Context, err error) {
	appErr := e.errs.Handle(ctx, err)
	e.metrics.absorbedErrors.WithLabelValues(string(appErr.Type)).Inc()
	e.recordError(err)
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) recordCycle(report CycleReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCycle = report
	e.totals.BatchesAttempted += int64(report.BatchesAttempted)
	e.totals.BatchesDispatched += int64(report.BatchesDispatched)
	e.totals.StagesDispatched += int64(report.StagesDispatched)
	e.totals.StagesFailed += int64(report.StagesFailed)
	e.totals.StagesSimulated += int64(report.StagesSimulated)
	if report.Denied {
		e.totals.Denials++
	}
}

func (e *Engine) logProgress(target string) {
	e.mu.RLock()
	r := e.resource
	fraction := e.fraction
	attempted := e.lastCycle.BatchesAttempted
	cycles := e.cycles
	e.mu.RUnlock()

	e.logger.Info("Cycle complete",
		zap.String("target", target),
		zap.Int64("cycle", cycles),
		zap.String("fraction", fmt.Sprintf("%.2f%%", fraction*100)),
		zap.Int("batches_attempted", attempted),
		zap.String("money", "$"+humanize.Commaf(math.Round(r.Money))),
		zap.String("max_money", "$"+humanize.Commaf(math.Round(r.MaxMoney))),
	)
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Fraction returns the current extraction fraction.
func (e *Engine) Fraction() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fraction
}

// Cycles returns the number of completed cycles.
func (e *Engine) Cycles() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycles
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Snapshot returns a copy of the engine's state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	minFrac, maxFrac := e.tuner.Bounds()
	return Snapshot{
		Target:    e.target,
		Phase:     e.phase,
		Fraction:  e.fraction,
		MinFrac:   minFrac,
		MaxFrac:   maxFrac,
		DryRun:    e.cfg.DryRun,
		Cycles:    e.cycles,
		Started:   e.started,
		Resource:  e.resource,
		LastCycle: e.lastCycle,
		LastPrep:  e.lastPrep,
		Totals:    e.totals,
		Yield:     yieldStats(e.ratios),
		Errors:    e.errs.Stats(),
		LastError: e.lastError,
	}
}

func yieldStats(ratios []float64) YieldStats {
	ys := YieldStats{Samples: len(ratios)}
	switch len(ratios) {
	case 0:
	case 1:
		ys.Last = ratios[0]
		ys.Mean = ratios[0]
	default:
		ys.Last = ratios[len(ratios)-1]
		ys.Mean, ys.StdDev = stat.MeanStdDev(ratios, nil)
	}
	return ys
}
