package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shizukutanaka/batchd/internal/batcher"
	"github.com/shizukutanaka/batchd/internal/config"
	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"go.uber.org/zap"
)

var (
	ErrUnknownResource      = errors.New("unknown resource")
	ErrNoAccess             = errors.New("resource not accessible")
	ErrInsufficientCapacity = errors.New("insufficient host capacity")
	ErrClosed               = errors.New("world closed")
)

type server struct {
	id          string
	hasAccess   bool
	security    float64
	minSecurity float64
	money       float64
	maxMoney    float64
	growthRate  float64
}

func (s *server) snapshot() batcher.Resource {
	return batcher.Resource{
		ID:            s.id,
		SecurityLevel: s.security,
		MinSecurity:   s.minSecurity,
		Money:         s.money,
		MaxMoney:      s.maxMoney,
	}
}

// Stats counts stage activity on the simulated host.
type Stats struct {
	Submitted  int64   `json:"submitted"`
	Rejected   int64   `json:"rejected"`
	Completed  int64   `json:"completed"`
	Running    int     `json:"running"`
	MoneyTaken float64 `json:"money_taken"`
}

// World is an in-process environment: a set of resources and one dispatch
// host with finite capacity. Dispatched stages hold capacity from submission
// until they finish and apply their effect when they finish. It implements
// every collaborator interface the batcher needs.
type World struct {
	logger *zap.Logger

	timeScale    float64
	baseHackTime time.Duration
	prepThreads  int
	costs        map[batcher.Operation]float64

	mu      sync.Mutex
	servers map[string]*server
	order   []string
	total   float64
	used    float64
	timers  map[string]*time.Timer
	stats   Stats
	closed  bool
}

// NewWorld builds a world from the simulation config.
func NewWorld(logger *zap.Logger, cfg config.SimConfig) (*World, error) {
	if cfg.TimeScale <= 0 {
		return nil, fmt.Errorf("time scale must be positive, got %v", cfg.TimeScale)
	}
	if cfg.HostCapacity <= 0 {
		return nil, fmt.Errorf("host capacity must be positive, got %v", cfg.HostCapacity)
	}

	w := &World{
		logger:       logger.Named("sim"),
		timeScale:    cfg.TimeScale,
		baseHackTime: cfg.BaseHackTime,
		prepThreads:  cfg.PrepThreads,
		costs: map[batcher.Operation]float64{
			batcher.OpWeaken: cfg.WeakenCost,
			batcher.OpGrow:   cfg.GrowCost,
			batcher.OpHack:   cfg.HackCost,
		},
		servers: make(map[string]*server, len(cfg.Resources)),
		order:   make([]string, 0, len(cfg.Resources)),
		total:   cfg.HostCapacity,
		timers:  make(map[string]*time.Timer),
	}
	if w.prepThreads < 1 {
		w.prepThreads = 1
	}

	for _, rc := range cfg.Resources {
		if _, dup := w.servers[rc.ID]; dup {
			return nil, fmt.Errorf("duplicate resource %q", rc.ID)
		}
		w.servers[rc.ID] = &server{
			id:          rc.ID,
			hasAccess:   rc.HasAccess,
			security:    math.Max(rc.Security, rc.MinSecurity),
			minSecurity: rc.MinSecurity,
			money:       math.Min(rc.Money, rc.MaxMoney),
			maxMoney:    rc.MaxMoney,
			growthRate:  rc.GrowthRate,
		}
		w.order = append(w.order, rc.ID)
	}

	return w, nil
}

func (w *World) lookup(id string) (*server, error) {
	s, ok := w.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	return s, nil
}

// Candidates lists every resource in configuration order.
func (w *World) Candidates(ctx context.Context) ([]batcher.Candidate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]batcher.Candidate, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, batcher.Candidate{ID: id, HasAccess: w.servers[id].hasAccess})
	}
	return out, nil
}

// Resource returns the current state of id.
func (w *World) Resource(ctx context.Context, id string) (batcher.Resource, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.lookup(id)
	if err != nil {
		return batcher.Resource{}, err
	}
	return s.snapshot(), nil
}

// Capacity reports the host's total and currently held capacity.
func (w *World) Capacity(ctx context.Context) (batcher.Capacity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return batcher.Capacity{Total: w.total, Used: w.used}, nil
}

// StageCost is the capacity one thread of op holds while it runs.
func (w *World) StageCost(ctx context.Context, op batcher.Operation) (float64, error) {
	cost, ok := w.costs[op]
	if !ok {
		return 0, fmt.Errorf("unknown operation %q", op)
	}
	return cost, nil
}

// HackThreads returns the threads that take amount from id at its current
// state. It is +Inf when id has no money or its security blocks hacking.
func (w *World) HackThreads(ctx context.Context, id string, amount float64) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.lookup(id)
	if err != nil {
		return 0, err
	}
	return hackThreads(s, amount), nil
}

// GrowThreads returns the threads that multiply id's money by multiplier.
func (w *World) GrowThreads(ctx context.Context, id string, multiplier float64) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.lookup(id)
	if err != nil {
		return 0, err
	}
	return growThreads(s, multiplier), nil
}

// Submit reserves capacity for threads of kind and schedules the stage to
// start after delay. The stage runs for its operation time, computed when
// it starts, then applies its effect and releases the capacity.
func (w *World) Submit(ctx context.Context, kind batcher.StageKind, id string, threads int, delay time.Duration) (batcher.Handle, error) {
	if threads < 1 {
		return batcher.Handle{}, fmt.Errorf("threads must be positive, got %d", threads)
	}
	op := kind.Operation()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return batcher.Handle{}, ErrClosed
	}
	s, err := w.lookup(id)
	if err != nil {
		return batcher.Handle{}, err
	}
	if !s.hasAccess {
		return batcher.Handle{}, fmt.Errorf("%w: %s", ErrNoAccess, id)
	}

	cost := float64(threads) * w.costs[op]
	if w.used+cost > w.total {
		w.stats.Rejected++
		return batcher.Handle{}, fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientCapacity, cost, w.total-w.used)
	}
	w.used += cost
	w.stats.Submitted++
	w.stats.Running++

	handle := batcher.Handle{ID: uuid.New().String(), Kind: kind, Target: id}
	w.timers[handle.ID] = time.AfterFunc(delay, func() {
		w.start(handle, op, threads, cost)
	})
	return handle, nil
}

func (w *World) start(h batcher.Handle, op batcher.Operation, threads int, cost float64) {
	defer apperrors.SafeRecover(w.logger, "sim.start")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	duration := w.scale(operationTime(op, w.servers[h.Target], w.baseHackTime))
	w.timers[h.ID] = time.AfterFunc(duration, func() {
		w.finish(h, op, threads, cost)
	})
}

func (w *World) finish(h batcher.Handle, op batcher.Operation, threads int, cost float64) {
	defer apperrors.SafeRecover(w.logger, "sim.finish")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	delete(w.timers, h.ID)
	w.used = math.Max(0, w.used-cost)
	w.stats.Running--

	taken := w.apply(w.servers[h.Target], op, threads)
	w.stats.Completed++
	w.stats.MoneyTaken += taken

	w.logger.Debug("Stage finished",
		zap.String("handle", h.ID),
		zap.Stringer("stage", h.Kind),
		zap.String("target", h.Target),
		zap.Int("threads", threads),
		zap.Float64("taken", taken),
	)
}

// apply mutates s with threads of op and returns the money taken.
func (w *World) apply(s *server, op batcher.Operation, threads int) float64 {
	switch op {
	case batcher.OpWeaken:
		s.security = math.Max(s.minSecurity, s.security-weakenSecurityPerThread*float64(threads))
	case batcher.OpGrow:
		s.money = math.Min(s.maxMoney, (s.money+float64(threads))*growMultiplier(s, threads))
		s.security += growSecurityPerThread * float64(threads)
	case batcher.OpHack:
		taken := math.Min(s.money, s.money*hackFraction(s)*float64(threads))
		s.money -= taken
		s.security += hackSecurityPerThread * float64(threads)
		return taken
	}
	return 0
}

// Weaken runs one preparation weaken against id and blocks until it lands.
func (w *World) Weaken(ctx context.Context, id string) error {
	return w.run(ctx, id, batcher.OpWeaken)
}

// Grow runs one preparation grow against id and blocks until it lands.
func (w *World) Grow(ctx context.Context, id string) error {
	return w.run(ctx, id, batcher.OpGrow)
}

// run executes a blocking operation outside the host's capacity pool. If
// ctx ends first the operation is abandoned without effect.
func (w *World) run(ctx context.Context, id string, op batcher.Operation) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	s, err := w.lookup(id)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if !s.hasAccess {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoAccess, id)
	}
	duration := w.scale(operationTime(op, s, w.baseHackTime))
	w.mu.Unlock()

	t := time.NewTimer(duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.apply(s, op, w.prepThreads)
	return nil
}

func (w *World) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) / w.timeScale)
}

// Stats returns a copy of the host counters.
func (w *World) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close cancels every pending stage and releases its capacity. Stages that
// already finished keep their effect.
func (w *World) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.used = 0
	w.stats.Running = 0
	return nil
}

var (
	_ batcher.Topology       = (*World)(nil)
	_ batcher.ResourceReader = (*World)(nil)
	_ batcher.CapacityOracle = (*World)(nil)
	_ batcher.AnalysisOracle = (*World)(nil)
	_ batcher.Dispatcher     = (*World)(nil)
	_ batcher.Operator       = (*World)(nil)
)
