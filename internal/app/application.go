package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shizukutanaka/batchd/internal/api"
	"github.com/shizukutanaka/batchd/internal/batcher"
	"github.com/shizukutanaka/batchd/internal/config"
	"github.com/shizukutanaka/batchd/internal/sim"
	"go.uber.org/zap"
)

const ShutdownTimeout = 30 * time.Second

// Application wires the simulated world, the batching engine and the
// status API, and owns their lifecycle.
type Application struct {
	logger  *zap.Logger
	config  *config.Config
	world   *sim.World
	engine  *batcher.Engine
	metrics *batcher.Metrics
	api     *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	err     error
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config, version string) (*Application, error) {
	world, err := sim.NewWorld(logger, cfg.Sim)
	if err != nil {
		return nil, fmt.Errorf("failed to create simulated world: %w", err)
	}

	metrics := batcher.NewMetrics("batchd")
	engine, err := batcher.NewEngine(cfg.Batcher, batcher.Deps{
		Topology:   world,
		Resources:  world,
		Capacity:   world,
		Analysis:   world,
		Dispatcher: world,
		Operator:   world,
		Clock:      batcher.RealClock{},
	}, logger, metrics)
	if err != nil {
		_ = world.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	a := &Application{
		logger:  logger,
		config:  cfg,
		world:   world,
		engine:  engine,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	if cfg.API.Enabled {
		a.api, err = api.NewServer(cfg.API, logger, api.Options{
			Status:   engine,
			Host:     world,
			Gatherer: a.metrics.Registry(),
			Version:  version,
		})
		if err != nil {
			_ = world.Close()
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
	}

	return a, nil
}

// Start launches the API server and the engine loop.
func (a *Application) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("application already started")
	}

	a.logger.Info("Starting batchd",
		zap.Int("delta_ms", a.config.Batcher.DeltaMs),
		zap.Int("max_batches_in_flight", a.config.Batcher.MaxBatchesInFlight),
		zap.Float64("default_frac", a.config.Batcher.DefaultFrac),
		zap.Float64("reserved_fraction", a.config.Batcher.ReservedFraction),
		zap.Bool("dry_run", a.config.Batcher.DryRun),
	)

	if a.api != nil {
		if err := a.api.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	a.started = true
	go func() {
		defer close(a.done)
		err := a.engine.Run(a.ctx)
		if err != nil {
			a.logger.Error("Engine exited", zap.Error(err))
		}
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
	}()

	return nil
}

// Done is closed when the engine loop exits.
func (a *Application) Done() <-chan struct{} {
	return a.done
}

// Err returns the engine's exit error once Done is closed.
func (a *Application) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Engine returns the batching engine.
func (a *Application) Engine() *batcher.Engine {
	return a.engine
}

// Metrics returns the collectors served on /metrics.
func (a *Application) Metrics() *batcher.Metrics {
	return a.metrics
}

// World returns the simulated environment.
func (a *Application) World() *sim.World {
	return a.world
}

// APIAddr returns the bound API address, or "" when the API is disabled.
func (a *Application) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Shutdown stops the engine, then the API, then cancels pending stages.
func (a *Application) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down batchd")

	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	a.cancel()

	a.mu.Lock()
	started := a.started
	a.mu.Unlock()

	var errs []error
	if started {
		select {
		case <-a.done:
		case <-shutdownCtx.Done():
			errs = append(errs, fmt.Errorf("engine did not stop: %w", shutdownCtx.Err()))
		}
	}

	if a.api != nil {
		if err := a.api.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("API shutdown: %w", err))
		}
	}
	if err := a.world.Close(); err != nil {
		errs = append(errs, fmt.Errorf("world close: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("Shutdown complete", zap.Int64("cycles", a.engine.Cycles()))
	return nil
}
