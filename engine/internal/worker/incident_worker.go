package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
)

// IncidentCloser is the orchestrator surface the incident worker drives.
type IncidentCloser interface {
	// CloseExpired closes resolved incidents whose reopen cooldown has elapsed.
	CloseExpired(now time.Time) []types.Incident
}

// IncidentWorkerConfig holds configuration for the incident worker.
type IncidentWorkerConfig struct {
	// Interval between close checks.
	Interval time.Duration
}

// DefaultIncidentWorkerConfig returns sensible defaults.
func DefaultIncidentWorkerConfig() IncidentWorkerConfig {
	return IncidentWorkerConfig{
		Interval: 1 * time.Minute,
	}
}

// IncidentWorker closes resolved incidents once they can no longer reopen.
type IncidentWorker struct {
	incidents IncidentCloser
	config    IncidentWorkerConfig
	now       func() time.Time
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewIncidentWorker creates a new incident worker.
func NewIncidentWorker(incidents IncidentCloser, config IncidentWorkerConfig, logger *slog.Logger) *IncidentWorker {
	if config.Interval <= 0 {
		config.Interval = DefaultIncidentWorkerConfig().Interval
	}
	return &IncidentWorker{
		incidents: incidents,
		config:    config,
		now:       time.Now,
		logger:    logger.With("component", "incident_worker"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the incident worker in a goroutine.
func (w *IncidentWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to exit.
func (w *IncidentWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *IncidentWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Info("incident worker started", "interval", w.config.Interval)

	// Run immediately on start
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("incident worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("incident worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce closes expired incidents and returns how many were closed.
func (w *IncidentWorker) RunOnce(ctx context.Context) int {
	start := time.Now()
	closed := w.incidents.CloseExpired(w.now())

	for _, inc := range closed {
		w.logger.Info("incident closed",
			"incident_id", inc.ID,
			"dedup_key", inc.DedupKey,
			"severity", inc.Severity,
		)
	}

	w.logger.Debug("incident worker cycle complete",
		"duration", time.Since(start),
		"closed", len(closed),
	)
	return len(closed)
}
