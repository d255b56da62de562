// Package collector provides the discovery collector.
//
// # Collector Lifecycle
//
//  1. Load configuration
//  2. Resolve secret references (env:, op://)
//  3. Start the SNMP poll loop
//  4. Start the MNDP listener (when enabled)
//  5. Start the shipper
//  6. Run until shutdown signal, then flush
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/pilot-net/topomon/collector/internal/config"
	"github.com/pilot-net/topomon/collector/internal/mndp"
	"github.com/pilot-net/topomon/collector/internal/scheduler"
	"github.com/pilot-net/topomon/collector/internal/secrets"
	"github.com/pilot-net/topomon/collector/internal/shipper"
	"github.com/pilot-net/topomon/collector/internal/snmp"
	"github.com/pilot-net/topomon/pkg/types"
)

// Version is set at build time.
var Version = "dev"

const statsInterval = time.Minute

// Collector polls and listens for neighbour information and ships it to the engine.
type Collector struct {
	cfg       *config.Config
	resolver  *secrets.Resolver
	poller    scheduler.Poller
	scheduler *scheduler.Scheduler
	shipper   *shipper.Shipper
	listener  *mndp.Listener
	logger    *slog.Logger

	startTime time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithPoller replaces the SNMP poller.
func WithPoller(p scheduler.Poller) Option {
	return func(c *Collector) { c.poller = p }
}

// WithResolver replaces the secret resolver.
func WithResolver(r *secrets.Resolver) Option {
	return func(c *Collector) { c.resolver = r }
}

// New creates a collector with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Collector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	c := &Collector{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	for _, o := range opts {
		o(c)
	}

	if c.resolver == nil {
		op := cfg.Secrets.OnePassword
		r, err := secrets.NewResolver(secrets.OnePasswordConfig{
			Host:    op.Host,
			Token:   op.Token,
			VaultID: op.VaultID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating secret resolver: %w", err)
		}
		c.resolver = r
	}

	if c.poller == nil {
		c.poller = snmp.NewPoller(snmp.Config{
			Timeout:        cfg.SNMP.Timeout,
			Retries:        cfg.SNMP.Retries,
			MaxRepetitions: cfg.SNMP.MaxRepetitions,
			HoldTime:       cfg.SNMP.HoldTime,
			Counters:       cfg.SNMP.Counters,
		}, logger)
	}

	return c, nil
}

// Run starts the collector and blocks until context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("starting collector",
		"id", c.cfg.Collector.ID,
		"version", Version,
		"engine", c.cfg.Engine.URL)

	apiKey, err := c.resolver.Resolve(ctx, c.cfg.Engine.APIKey)
	if err != nil {
		return fmt.Errorf("resolving engine api key: %w", err)
	}
	targets, err := c.resolveTargets(ctx)
	if err != nil {
		return err
	}

	c.shipper = shipper.NewShipper(shipper.Config{
		EngineURL:    c.cfg.Engine.URL,
		APIKey:       apiKey,
		CollectorID:  c.cfg.Collector.ID,
		BatchSize:    c.cfg.Shipping.BatchSize,
		BatchTimeout: c.cfg.Shipping.BatchTimeout,
		MaxRetained:  c.cfg.Shipping.MaxRetained,
		Client:       &http.Client{Timeout: c.cfg.Engine.RequestTimeout},
		Logger:       c.logger,
	})

	c.scheduler = scheduler.NewScheduler(
		scheduler.Config{
			Interval:    c.cfg.SNMP.Interval,
			Concurrency: c.cfg.SNMP.Concurrency,
		},
		c.poller,
		func(res *snmp.Result) {
			c.shipper.AddFrames(res.Frames)
			c.shipper.AddSamples(res.Samples)
		},
		c.logger,
	)
	c.scheduler.SetTargets(targets)

	if c.cfg.MNDP.Enabled {
		c.listener = mndp.New(mndp.Config{
			Listen:          c.cfg.MNDP.Listen,
			Interface:       c.cfg.MNDP.Interface,
			LocalChassisID:  c.cfg.MNDP.LocalChassisID,
			LocalSystemName: c.cfg.MNDP.LocalSystemName,
			CollectorID:     c.cfg.Collector.ID,
		}, c.shipper.AddFrames, c.logger)
		// Bind up front so a port conflict fails startup.
		if err := c.listener.Bind(); err != nil {
			return fmt.Errorf("starting mndp listener: %w", err)
		}
	}

	// Run all loops concurrently
	errCh := make(chan error, 4)

	go func() {
		errCh <- c.scheduler.Run(ctx)
	}()

	// The shipper gets its own channel so the final flush completes before Run returns.
	shipDone := make(chan error, 1)
	go func() {
		shipDone <- c.shipper.Run(ctx)
	}()

	if c.listener != nil {
		go func() {
			errCh <- c.listener.Run(ctx)
		}()
	}

	go func() {
		errCh <- c.runStatsLog(ctx)
	}()

	// Wait for first error or context cancellation
	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	if ctx.Err() == nil {
		// A loop failed on its own; nothing else will cancel the shipper.
		return runErr
	}
	<-shipDone
	return runErr
}

// resolveTargets converts configured targets, resolving credential references.
func (c *Collector) resolveTargets(ctx context.Context) ([]snmp.Target, error) {
	targets := make([]snmp.Target, 0, len(c.cfg.SNMP.Targets))
	for _, tc := range c.cfg.SNMP.Targets {
		t := snmp.Target{
			Address: tc.Address,
			Version: tc.Version,
			V3: snmp.V3Credentials{
				User:      tc.V3.User,
				AuthProto: tc.V3.AuthProto,
				PrivProto: tc.V3.PrivProto,
			},
		}
		for _, field := range []struct {
			name string
			ref  string
			dst  *string
		}{
			{"community", tc.Community, &t.Community},
			{"auth_pass", tc.V3.AuthPass, &t.V3.AuthPass},
			{"priv_pass", tc.V3.PrivPass, &t.V3.PrivPass},
		} {
			if field.ref == "" {
				continue
			}
			v, err := c.resolver.Resolve(ctx, field.ref)
			if err != nil {
				return nil, fmt.Errorf("target %s %s: %w", tc.Address, field.name, err)
			}
			*field.dst = v
		}
		for _, p := range tc.Protocols {
			t.Protocols = append(t.Protocols, types.Protocol(p))
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// runStatsLog periodically logs collector statistics.
func (c *Collector) runStatsLog(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.logStats()
		}
	}
}

func (c *Collector) logStats() {
	s := c.Stats()
	attrs := []any{
		"uptime", s.Uptime.Round(time.Second),
		"targets", s.Scheduler.Targets,
		"polls", s.Scheduler.Polls,
		"poll_failures", s.Scheduler.Failures,
		"queued_frames", s.Shipper.QueuedFrames,
		"shipped_frames", s.Shipper.ShippedFrames,
		"shipped_samples", s.Shipper.ShippedSamples,
		"dropped", s.Shipper.Dropped,
		"memory_mb", s.MemoryMB,
		"goroutines", s.Goroutines,
	}
	if s.MNDP != nil {
		attrs = append(attrs, "mndp_received", s.MNDP.Received, "mndp_invalid", s.MNDP.Invalid)
	}
	c.logger.Info("collector stats", attrs...)
}

// Stats is a point-in-time view of the collector.
type Stats struct {
	Uptime     time.Duration   `json:"uptime"`
	Scheduler  scheduler.Stats `json:"scheduler"`
	Shipper    shipper.Stats   `json:"shipper"`
	MNDP       *mndp.Stats     `json:"mndp,omitempty"`
	MemoryMB   float64         `json:"memory_mb"`
	Goroutines int             `json:"goroutines"`
}

// Stats returns collector statistics. Valid once Run has started.
func (c *Collector) Stats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Stats{
		Uptime:     time.Since(c.startTime),
		MemoryMB:   float64(m.Alloc) / 1024 / 1024,
		Goroutines: runtime.NumGoroutine(),
	}
	if c.scheduler != nil {
		s.Scheduler = c.scheduler.Stats()
	}
	if c.shipper != nil {
		s.Shipper = c.shipper.Stats()
	}
	if c.listener != nil {
		ms := c.listener.Stats()
		s.MNDP = &ms
	}
	return s
}
