// Package worker provides background workers for the engine.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
)

// Sweeper is the graph surface the sweep worker drives.
type Sweeper interface {
	// Sweep marks expired links stale and removes links stale beyond the
	// grace period, returning what changed.
	Sweep(now time.Time) types.Delta
}

// DeltaHandler receives every non-empty sweep delta.
type DeltaHandler func(ctx context.Context, delta types.Delta)

// SweepWorkerConfig holds configuration for the sweep worker.
type SweepWorkerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
}

// DefaultSweepWorkerConfig returns sensible defaults.
func DefaultSweepWorkerConfig() SweepWorkerConfig {
	return SweepWorkerConfig{
		Interval: 10 * time.Second,
	}
}

// SweepWorker ages links out of the topology graph on its own schedule,
// independent of advertisement arrival.
type SweepWorker struct {
	graph   Sweeper
	handler DeltaHandler
	config  SweepWorkerConfig
	now     func() time.Time
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweepWorker creates a new sweep worker.
func NewSweepWorker(graph Sweeper, handler DeltaHandler, config SweepWorkerConfig, logger *slog.Logger) *SweepWorker {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepWorkerConfig().Interval
	}
	return &SweepWorker{
		graph:   graph,
		handler: handler,
		config:  config,
		now:     time.Now,
		logger:  logger.With("component", "sweep_worker"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the sweep worker in a goroutine.
func (w *SweepWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current cycle to finish.
func (w *SweepWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *SweepWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Info("sweep worker started", "interval", w.config.Interval)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweep worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("sweep worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns its delta.
func (w *SweepWorker) RunOnce(ctx context.Context) types.Delta {
	start := time.Now()
	delta := w.graph.Sweep(w.now())

	stale := 0
	for _, l := range delta.Updated {
		if l.Stale {
			stale++
		}
	}

	if !delta.Empty() && w.handler != nil {
		w.handler(ctx, delta)
	}

	if stale > 0 || len(delta.Removed) > 0 {
		w.logger.Info("sweep worker cycle complete",
			"duration", time.Since(start),
			"marked_stale", stale,
			"removed", len(delta.Removed),
		)
	} else {
		w.logger.Debug("sweep worker cycle complete", "duration", time.Since(start))
	}
	return delta
}
