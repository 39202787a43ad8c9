package batcher

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"go.uber.org/zap"
)

// CycleReport summarises the dispatch phase of one cycle.
type CycleReport struct {
	Plan              ThreadPlan `json:"plan"`
	BatchesAttempted  int        `json:"batches_attempted"`
	BatchesDispatched int        `json:"batches_dispatched"`
	StagesDispatched  int        `json:"stages_dispatched"`
	StagesFailed      int        `json:"stages_failed"`
	StagesSimulated   int        `json:"stages_simulated"`
	Denied            bool       `json:"denied"`
	LastDecision      Decision   `json:"last_decision"`
}

// BatchScheduler lays out up to maxBatches overlapping batches and submits
// their stages in order. Submission is fire-and-forget.
type BatchScheduler struct {
	logger     *zap.Logger
	admission  *AdmissionController
	dispatcher Dispatcher
	clock      Clock
	errs       *apperrors.ErrorHandler
	metrics    *Metrics

	delta      time.Duration
	maxBatches int
	dryRun     bool
}

// SchedulerOptions carries the scheduler's tunables.
type SchedulerOptions struct {
	Delta      time.Duration
	MaxBatches int
	DryRun     bool
}

// NewBatchScheduler creates a scheduler.
func NewBatchScheduler(logger *zap.Logger, admission *AdmissionController, dispatcher Dispatcher, clock Clock, errs *apperrors.ErrorHandler, metrics *Metrics, opts SchedulerOptions) *BatchScheduler {
	if opts.MaxBatches < 1 {
		opts.MaxBatches = 1
	}
	return &BatchScheduler{
		logger:     logger.Named("scheduler"),
		admission:  admission,
		dispatcher: dispatcher,
		clock:      clock,
		errs:       errs,
		metrics:    metrics,
		delta:      opts.Delta,
		maxBatches: opts.MaxBatches,
		dryRun:     opts.DryRun,
	}
}

// Dispatch submits batches built from plan against id. Before each stage
// the remaining stages of its batch are re-admitted; the first denial ends
// the cycle, leaving the current batch partial and skipping later ones.
// A stage the dispatcher rejects is skipped and its batch continues.
//
// The returned error is only non-nil for ctx cancellation or an oracle
// failure during admission.
func (s *BatchScheduler) Dispatch(ctx context.Context, id string, plan ThreadPlan) (CycleReport, error) {
	report := CycleReport{Plan: plan}
	start := s.clock.Now()

	for i := 0; i < s.maxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch := NewBatch(i, plan, s.delta)
		report.BatchesAttempted++
		s.inc(func(m *Metrics) { m.batchesAttempted.Inc() })

		complete := true
		for k, stage := range batch.Stages {
			decision, err := s.admission.Admit(ctx, batch.Demand(k))
			if err != nil {
				return report, err
			}
			report.LastDecision = decision
			if !decision.Allowed {
				report.Denied = true
				s.inc(func(m *Metrics) { m.admissionDenials.Inc() })
				s.logger.Debug("Admission denied, ending cycle",
					zap.String("target", id),
					zap.Int("batch", i),
					zap.Stringer("stage", stage.Kind),
					zap.Float64("free", decision.Free),
					zap.Float64("required", decision.Required),
				)
				return report, nil
			}

			if stage.Threads <= 0 {
				continue
			}
			if !s.submit(ctx, id, batch.Index, stage, start, &report) {
				complete = false
			}
		}

		if complete {
			report.BatchesDispatched++
			s.inc(func(m *Metrics) { m.batchesDispatched.Inc() })
		}
	}

	return report, nil
}

// submit hands one stage to the dispatcher and reports whether it went out.
func (s *BatchScheduler) submit(ctx context.Context, id string, index int, stage Stage, start time.Time, report *CycleReport) bool {
	delay := start.Add(stage.Offset).Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	if s.dryRun {
		report.StagesSimulated++
		s.inc(func(m *Metrics) { m.stagesSimulated.WithLabelValues(stage.Kind.String()).Inc() })
		s.logger.Info("Dry run: stage not submitted",
			zap.String("target", id),
			zap.Int("batch", index),
			zap.Stringer("stage", stage.Kind),
			zap.Int("threads", stage.Threads),
			zap.Duration("delay", delay),
		)
		return true
	}

	handle, err := s.dispatcher.Submit(ctx, stage.Kind, id, stage.Threads, delay)
	if err != nil {
		report.StagesFailed++
		s.inc(func(m *Metrics) { m.dispatchFailures.WithLabelValues(stage.Kind.String()).Inc() })
		s.errs.Handle(ctx, apperrors.ErrDispatchFailure.
			WithError(fmt.Errorf("submit %s: %w", stage.Kind, err)).
			WithContext("target", id).
			WithContext("batch", index).
			WithContext("threads", stage.Threads))
		return false
	}

	report.StagesDispatched++
	s.inc(func(m *Metrics) { m.stagesDispatched.WithLabelValues(stage.Kind.String()).Inc() })
	s.logger.Debug("Stage dispatched",
		zap.String("handle", handle.ID),
		zap.Int("batch", index),
		zap.Stringer("stage", stage.Kind),
		zap.Int("threads", stage.Threads),
		zap.Duration("delay", delay),
	)
	return true
}

func (s *BatchScheduler) inc(f func(*Metrics)) {
	if s.metrics != nil {
		f(s.metrics)
	}
}
