// Package scheduler runs the SNMP poll loop.
//
// # Poll Loop
//
// Every interval:
//  1. Take the current target list
//  2. Poll targets concurrently (bounded by Concurrency)
//  3. Hand each result to the handler as it completes
//  4. Sleep until next interval
//
// A cycle that takes longer than the interval delays the next one; cycles
// never overlap. Target updates apply from the next cycle.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/topomon/collector/internal/snmp"
)

// Poller polls one target.
type Poller interface {
	Poll(ctx context.Context, t snmp.Target) (*snmp.Result, error)
}

// ResultHandler receives poll results for shipping.
type ResultHandler func(res *snmp.Result)

// Config holds scheduler settings.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Scheduler polls targets on an interval.
type Scheduler struct {
	cfg     Config
	poller  Poller
	handler ResultHandler
	logger  *slog.Logger

	targets  []snmp.Target
	targetMu sync.RWMutex

	cycles    atomic.Int64
	polls     atomic.Int64
	failures  atomic.Int64
	lastCycle atomic.Int64 // duration in nanoseconds
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg Config, poller Poller, handler ResultHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		cfg:     cfg,
		poller:  poller,
		handler: handler,
		logger:  logger.With("component", "scheduler"),
	}
}

// SetTargets replaces the polled targets.
func (s *Scheduler) SetTargets(targets []snmp.Target) {
	s.targetMu.Lock()
	s.targets = append([]snmp.Target(nil), targets...)
	s.targetMu.Unlock()

	s.logger.Info("targets updated", "count", len(targets))
}

// TargetCount returns the number of targets.
func (s *Scheduler) TargetCount() int {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	return len(s.targets)
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting poll loop", "interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping poll loop")
			return ctx.Err()
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle polls every target once and returns when all polls finish.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.targetMu.RLock()
	targets := s.targets
	s.targetMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	start := time.Now()
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var failed atomic.Int64

dispatch:
	for _, t := range targets {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(t snmp.Target) {
			defer wg.Done()
			defer func() { <-sem }()
			if !s.pollOne(ctx, t) {
				failed.Add(1)
			}
		}(t)
	}
	wg.Wait()

	elapsed := time.Since(start)
	s.cycles.Add(1)
	s.lastCycle.Store(int64(elapsed))

	s.logger.Debug("poll cycle complete",
		"targets", len(targets),
		"failed", failed.Load(),
		"elapsed", elapsed)
	if elapsed > s.cfg.Interval {
		s.logger.Warn("poll cycle exceeded interval", "elapsed", elapsed, "interval", s.cfg.Interval)
	}
}

// pollOne polls a target and forwards whatever it produced. Partial results
// are forwarded alongside the error.
func (s *Scheduler) pollOne(ctx context.Context, t snmp.Target) bool {
	s.polls.Add(1)
	res, err := s.poller.Poll(ctx, t)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("poll failed", "target", t.Address, "error", err)
	}
	if res != nil && s.handler != nil {
		s.handler(res)
	}
	return err == nil
}

// Stats returns current scheduler statistics.
type Stats struct {
	Targets   int           `json:"targets"`
	Cycles    int64         `json:"cycles"`
	Polls     int64         `json:"polls"`
	Failures  int64         `json:"failures"`
	LastCycle time.Duration `json:"last_cycle"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Targets:   s.TargetCount(),
		Cycles:    s.cycles.Load(),
		Polls:     s.polls.Load(),
		Failures:  s.failures.Load(),
		LastCycle: time.Duration(s.lastCycle.Load()),
	}
}
