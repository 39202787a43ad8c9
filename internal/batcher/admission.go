package batcher

import (
	"context"
	"fmt"
	"math"

	apperrors "github.com/shizukutanaka/batchd/internal/errors"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Free     float64 `json:"free"`
	Required float64 `json:"required"`
}

// AdmissionController gates demand against the free share of the dispatch
// host. The budget is re-read on every call and nothing is reserved between
// calls, so another consumer of the same host can race a dispatch.
type AdmissionController struct {
	oracle           CapacityOracle
	reservedFraction float64
	metrics          *Metrics
}

// NewAdmissionController creates a controller that may use up to
// reservedFraction of the host's total capacity.
func NewAdmissionController(oracle CapacityOracle, reservedFraction float64, metrics *Metrics) *AdmissionController {
	return &AdmissionController{
		oracle:           oracle,
		reservedFraction: reservedFraction,
		metrics:          metrics,
	}
}

// Budget returns the free capacity: total×reservedFraction − used, floored at zero.
func (a *AdmissionController) Budget(ctx context.Context) (float64, error) {
	c, err := a.oracle.Capacity(ctx)
	if err != nil {
		return 0, apperrors.ErrOracleUnavailable.WithError(fmt.Errorf("capacity: %w", err))
	}
	return math.Max(0, c.Total*a.reservedFraction-c.Used), nil
}

// Required prices demand with the oracle's per-thread stage costs.
func (a *AdmissionController) Required(ctx context.Context, demand Demand) (float64, error) {
	costs := make(map[Operation]float64, 3)
	required := 0.0
	for _, kind := range StageOrder {
		threads := demand[kind]
		if threads <= 0 {
			continue
		}
		op := kind.Operation()
		cost, ok := costs[op]
		if !ok {
			var err error
			cost, err = a.oracle.StageCost(ctx, op)
			if err != nil {
				return 0, apperrors.ErrOracleUnavailable.WithError(fmt.Errorf("stage cost %s: %w", op, err))
			}
			costs[op] = cost
		}
		required += float64(threads) * cost
	}
	return required, nil
}

// Admit allows demand only if its required capacity fits in the budget read
// at call time.
func (a *AdmissionController) Admit(ctx context.Context, demand Demand) (Decision, error) {
	required, err := a.Required(ctx, demand)
	if err != nil {
		return Decision{}, err
	}
	free, err := a.Budget(ctx)
	if err != nil {
		return Decision{}, err
	}

	if a.metrics != nil {
		a.metrics.freeCapacity.Set(free)
	}

	return Decision{
		Allowed:  required <= free,
		Free:     free,
		Required: required,
	}, nil
}
