// Package dispatch delivers engine output to the persistence and notification
// collaborators asynchronously.
//
// # Design
//
// Every Publish call turns its payload into one or more jobs on a bounded queue
// and returns immediately. A fixed pool of workers runs the jobs:
//  1. Each job gets its own timeout
//  2. Failures are retried with exponential backoff up to MaxAttempts
//  3. A full queue drops the job and counts it; the caller is never blocked
//
// Incident events fan out to one job per notifier so a failing webhook never
// delays the Redis publisher or persistence.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
)

// Store is the persistence collaborator.
type Store interface {
	UpsertDevices(ctx context.Context, devices []types.Device) error
	UpsertLinks(ctx context.Context, links []types.Link) error
	MarkLinksRemoved(ctx context.Context, links []types.Link) error
	InsertMerges(ctx context.Context, merges []types.MergeRecord) error
	InsertAnomalies(ctx context.Context, anomalies []types.Anomaly) error
	UpsertIncident(ctx context.Context, incident types.Incident) error
	SaveSnapshot(ctx context.Context, snap *types.Snapshot) error
}

// Notifier is the notification collaborator. Delivery is at-least-once;
// consumers deduplicate on (incident id, timeline length).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event types.IncidentEvent) error
}

// Config holds dispatcher settings.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // per attempt
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      1024,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// Stats returns dispatcher counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

// Dispatcher fans engine output out to a Store and Notifiers.
type Dispatcher struct {
	store     Store
	notifiers []Notifier
	cfg       Config
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	quit   chan struct{}
	wg     sync.WaitGroup

	enqueued  atomic.Int64
	delivered atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a dispatcher. store may be nil when persistence is disabled.
func New(store Store, notifiers []Notifier, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Dispatcher{
		store:     store,
		notifiers: notifiers,
		cfg:       cfg,
		logger:    logger.With("component", "dispatcher"),
		queue:     make(chan job, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"store", d.store != nil,
		"notifiers", names,
	)
}

// Stop stops intake and waits for queued jobs to drain. When ctx expires first,
// pending retries and queued jobs are abandoned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped", "delivered", d.delivered.Load(), "failed", d.failed.Load())
		return nil
	case <-ctx.Done():
		close(d.quit)
		<-done
		d.logger.Warn("dispatcher stopped before queue drained", "abandoned", len(d.queue))
		return ctx.Err()
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// DeliveryStats reports jobs dropped on a full queue and jobs that exhausted
// their retries.
func (d *Dispatcher) DeliveryStats() (dropped, failed int64) {
	return d.dropped.Load(), d.failed.Load()
}

// =============================================================================
// PUBLISHING
// =============================================================================

// PublishDelta persists the links and device changes of a graph delta.
func (d *Dispatcher) PublishDelta(delta types.Delta) {
	if d.store == nil || delta.Empty() {
		return
	}
	upserts := make([]types.Link, 0, len(delta.Created)+len(delta.Updated))
	upserts = append(upserts, delta.Created...)
	upserts = append(upserts, delta.Updated...)
	if len(upserts) > 0 {
		d.enqueue("upsert_links", func(ctx context.Context) error {
			return d.store.UpsertLinks(ctx, upserts)
		})
	}
	if len(delta.Removed) > 0 {
		removed := delta.Removed
		d.enqueue("mark_links_removed", func(ctx context.Context) error {
			return d.store.MarkLinksRemoved(ctx, removed)
		})
	}
	if len(delta.DeviceChanges) > 0 {
		devices := make([]types.Device, len(delta.DeviceChanges))
		for i, c := range delta.DeviceChanges {
			devices[i] = c.Current
		}
		d.PublishDevices(devices)
	}
}

// PublishDevices persists device records.
func (d *Dispatcher) PublishDevices(devices []types.Device) {
	if d.store == nil || len(devices) == 0 {
		return
	}
	d.enqueue("upsert_devices", func(ctx context.Context) error {
		return d.store.UpsertDevices(ctx, devices)
	})
}

// PublishMerges persists merge audit records.
func (d *Dispatcher) PublishMerges(merges []types.MergeRecord) {
	if d.store == nil || len(merges) == 0 {
		return
	}
	d.enqueue("insert_merges", func(ctx context.Context) error {
		return d.store.InsertMerges(ctx, merges)
	})
}

// PublishAnomalies persists anomaly records.
func (d *Dispatcher) PublishAnomalies(anomalies []types.Anomaly) {
	if d.store == nil || len(anomalies) == 0 {
		return
	}
	d.enqueue("insert_anomalies", func(ctx context.Context) error {
		return d.store.InsertAnomalies(ctx, anomalies)
	})
}

// PublishSnapshot persists a topology snapshot.
func (d *Dispatcher) PublishSnapshot(snap *types.Snapshot) {
	if d.store == nil || snap == nil {
		return
	}
	d.enqueue("save_snapshot", func(ctx context.Context) error {
		return d.store.SaveSnapshot(ctx, snap)
	})
}

// Publish persists the incident and notifies every notifier. It implements the
// orchestrator's event sink and never blocks.
func (d *Dispatcher) Publish(event types.IncidentEvent) {
	if d.store != nil {
		inc := event.Incident
		d.enqueue("upsert_incident", func(ctx context.Context) error {
			return d.store.UpsertIncident(ctx, inc)
		})
	}
	if event.Type == types.EventIncidentUpdated {
		return
	}
	for _, n := range d.notifiers {
		d.enqueue("notify_"+n.Name(), func(ctx context.Context) error {
			return n.Notify(ctx, event)
		})
	}
}

func (d *Dispatcher) enqueue(name string, run func(ctx context.Context) error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("dispatcher stopped, job dropped", "job", name)
		return
	}
	select {
	case d.queue <- job{name: name, run: run}:
		d.enqueued.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.Warn("dispatch queue full, job dropped", "job", name, "queue_size", d.cfg.QueueSize)
	}
}

// =============================================================================
// WORKERS
// =============================================================================

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		select {
		case <-d.quit:
			return
		default:
		}
		d.execute(j)
	}
}

func (d *Dispatcher) execute(j job) {
	backoff := d.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := d.attempt(j)
		if err == nil {
			d.delivered.Add(1)
			if attempt > 1 {
				d.logger.Info("job delivered after retry", "job", j.name, "attempts", attempt)
			}
			return
		}
		if attempt >= d.cfg.MaxAttempts {
			d.failed.Add(1)
			d.logger.Error("job failed, giving up", "job", j.name, "attempts", attempt, "error", err)
			return
		}

		d.retried.Add(1)
		d.logger.Warn("job failed, retrying", "job", j.name, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-d.quit:
			d.failed.Add(1)
			return
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
}

func (d *Dispatcher) attempt(j job) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.run(ctx)
}
