package batcher

import (
	"context"
	"fmt"
	"time"

	"github.com/shizukutanaka/batchd/internal/config"
	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"go.uber.org/zap"
)

// PrepReport counts the operations one preparation pass issued.
type PrepReport struct {
	Reductions     int  `json:"reductions"`
	Growths        int  `json:"growths"`
	FinalReduction bool `json:"final_reduction"`
}

// Operations is the total number of operations issued.
func (r PrepReport) Operations() int {
	return r.Reductions + r.Growths
}

// PreparationDriver levels a resource to near steady state: security within
// slack of its floor, then money at or above the ratio of its capacity.
//
// There is no iteration or time cap. If external drift keeps the resource
// from converging the pass runs until ctx is cancelled.
type PreparationDriver struct {
	logger   *zap.Logger
	reader   ResourceReader
	operator Operator
	clock    Clock
	metrics  *Metrics

	interval      time.Duration
	moneyRatio    float64
	securitySlack float64
	dryRun        bool
}

// NewPreparationDriver creates a driver from the batcher configuration.
func NewPreparationDriver(logger *zap.Logger, cfg config.BatcherConfig, reader ResourceReader, operator Operator, clock Clock, metrics *Metrics) *PreparationDriver {
	return &PreparationDriver{
		logger:        logger.Named("prep"),
		reader:        reader,
		operator:      operator,
		clock:         clock,
		metrics:       metrics,
		interval:      cfg.PrepInterval,
		moneyRatio:    cfg.PrepMoneyRatio,
		securitySlack: cfg.PrepSecuritySlack,
		dryRun:        cfg.DryRun,
	}
}

// Prepare runs one preparation pass on id. A resource that is already ready
// gets no operations; otherwise the pass always ends with one closing
// reduction.
func (d *PreparationDriver) Prepare(ctx context.Context, id string) (PrepReport, error) {
	var report PrepReport

	r, err := d.read(ctx, id)
	if err != nil {
		return report, err
	}

	if d.dryRun {
		d.logger.Info("Dry run: preparation skipped",
			zap.String("target", id),
			zap.Float64("security_excess", r.SecurityExcess()),
			zap.Float64("money_ratio", r.MoneyRatio()),
		)
		return report, nil
	}

	for r.SecurityExcess() > d.securitySlack {
		if err := d.issue(ctx, id, OpWeaken); err != nil {
			return report, err
		}
		report.Reductions++
		if r, err = d.pause(ctx, id); err != nil {
			return report, err
		}
	}

	for r.Money < d.moneyRatio*r.MaxMoney {
		if err := d.issue(ctx, id, OpGrow); err != nil {
			return report, err
		}
		report.Growths++
		if r, err = d.pause(ctx, id); err != nil {
			return report, err
		}
	}

	if report.Operations() > 0 {
		if err := d.issue(ctx, id, OpWeaken); err != nil {
			return report, err
		}
		report.Reductions++
		report.FinalReduction = true
	}

	if report.Operations() > 0 {
		d.logger.Debug("Target prepared",
			zap.String("target", id),
			zap.Int("reductions", report.Reductions),
			zap.Int("growths", report.Growths),
		)
	}
	return report, nil
}

func (d *PreparationDriver) issue(ctx context.Context, id string, op Operation) error {
	var err error
	switch op {
	case OpWeaken:
		err = d.operator.Weaken(ctx, id)
	case OpGrow:
		err = d.operator.Grow(ctx, id)
	default:
		err = fmt.Errorf("unsupported preparation operation %s", op)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.ErrPreparation.
			WithError(fmt.Errorf("%s: %w", op, err)).
			WithContext("target", id)
	}
	if d.metrics != nil {
		d.metrics.prepOperations.WithLabelValues(string(op)).Inc()
	}
	return nil
}

// pause sleeps the check interval and re-reads the resource.
func (d *PreparationDriver) pause(ctx context.Context, id string) (Resource, error) {
	if err := d.clock.Sleep(ctx, d.interval); err != nil {
		return Resource{}, err
	}
	return d.read(ctx, id)
}

func (d *PreparationDriver) read(ctx context.Context, id string) (Resource, error) {
	r, err := d.reader.Resource(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return Resource{}, ctx.Err()
		}
		return Resource{}, apperrors.ErrOracleUnavailable.
			WithError(fmt.Errorf("read resource: %w", err)).
			WithContext("target", id)
	}
	return r, nil
}
