// Package pipeline wires the discovery engine together.
//
// # Flow
//
// Each enabled protocol gets its own feed: a buffered channel drained by one
// goroutine. A frame travels
//
//	normalize -> registry (both ends) -> graph -> detector -> orchestrator
//
// and every state change is handed to the Publisher for persistence. A separate
// feed carries metric samples to the detector's traffic baselines.
//
// # Shutdown
//
// Shutdown stops intake, closes the feeds and waits for frames already queued to
// be processed. When the context expires first the feeds stop after the frame
// in hand and the remainder is dropped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pilot-net/topomon/engine/internal/anomaly"
	"github.com/pilot-net/topomon/engine/internal/incident"
	"github.com/pilot-net/topomon/engine/internal/metrics"
	"github.com/pilot-net/topomon/engine/internal/normalize"
	"github.com/pilot-net/topomon/engine/internal/registry"
	"github.com/pilot-net/topomon/engine/internal/topology"
	"github.com/pilot-net/topomon/pkg/types"
)

var (
	// ErrShuttingDown is returned by Submit* after Shutdown has been called.
	ErrShuttingDown = errors.New("pipeline is shutting down")

	// ErrProtocolDisabled is returned for frames of a protocol with no feed.
	ErrProtocolDisabled = errors.New("protocol disabled")
)

// Publisher receives engine output. dispatch.Dispatcher implements it.
type Publisher interface {
	PublishDelta(delta types.Delta)
	PublishDevices(devices []types.Device)
	PublishMerges(merges []types.MergeRecord)
	PublishAnomalies(anomalies []types.Anomaly)
	PublishSnapshot(snap *types.Snapshot)
}

// Pruner deletes persisted snapshots older than the retention period.
type Pruner interface {
	PruneSnapshots(ctx context.Context, retention time.Duration) (int64, error)
}

// Loader reads persisted state for a warm start.
type Loader interface {
	LoadDevices(ctx context.Context) ([]types.Device, error)
	LoadMerges(ctx context.Context) ([]types.MergeRecord, error)
	LoadLinks(ctx context.Context) ([]types.Link, error)
	LoadIncidents(ctx context.Context) ([]types.Incident, error)
}

// Config holds pipeline settings.
type Config struct {
	Protocols  []types.Protocol
	FeedBuffer int // per feed

	// SnapshotSchedule is a cron spec; empty disables periodic snapshots.
	SnapshotSchedule  string
	SnapshotRetention time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Protocols:         append([]types.Protocol(nil), types.AllProtocols...),
		FeedBuffer:        1024,
		SnapshotSchedule:  "@every 5m",
		SnapshotRetention: 7 * 24 * time.Hour,
	}
}

// Components are the engine parts the pipeline drives. Registry, Graph,
// Detector and Incidents are required.
type Components struct {
	Normalizer *normalize.Normalizer
	Registry   *registry.Registry
	Graph      *topology.Graph
	Detector   *anomaly.Detector
	Incidents  *incident.Orchestrator
	Publisher  Publisher
	Counters   *metrics.Counters
	Pruner     Pruner
}

// Pipeline routes frames and metric samples through the engine.
type Pipeline struct {
	cfg        Config
	normalizer *normalize.Normalizer
	registry   *registry.Registry
	graph      *topology.Graph
	detector   *anomaly.Detector
	incidents  *incident.Orchestrator
	publisher  Publisher
	counters   *metrics.Counters
	pruner     Pruner
	logger     *slog.Logger

	feeds   map[types.Protocol]chan types.Frame
	samples chan []types.MetricSample
	quit    chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// New creates a pipeline. Nothing runs until Start.
func New(cfg Config, c Components, logger *slog.Logger) *Pipeline {
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = DefaultConfig().FeedBuffer
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = append([]types.Protocol(nil), types.AllProtocols...)
	}
	if c.Normalizer == nil {
		c.Normalizer = normalize.New(normalize.Options{})
	}
	if c.Publisher == nil {
		c.Publisher = nopPublisher{}
	}
	if c.Counters == nil {
		c.Counters = &metrics.Counters{}
	}

	p := &Pipeline{
		cfg:        cfg,
		normalizer: c.Normalizer,
		registry:   c.Registry,
		graph:      c.Graph,
		detector:   c.Detector,
		incidents:  c.Incidents,
		publisher:  c.Publisher,
		counters:   c.Counters,
		pruner:     c.Pruner,
		logger:     logger.With("component", "pipeline"),
		feeds:      make(map[types.Protocol]chan types.Frame, len(cfg.Protocols)),
		samples:    make(chan []types.MetricSample, cfg.FeedBuffer),
		quit:       make(chan struct{}),
	}
	for _, proto := range cfg.Protocols {
		p.feeds[proto] = make(chan types.Frame, cfg.FeedBuffer)
	}
	return p
}

// Restore loads persisted devices, links and incidents. Call before Start.
func (p *Pipeline) Restore(ctx context.Context, l Loader) error {
	devices, err := l.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	merges, err := l.LoadMerges(ctx)
	if err != nil {
		return fmt.Errorf("load merges: %w", err)
	}
	links, err := l.LoadLinks(ctx)
	if err != nil {
		return fmt.Errorf("load links: %w", err)
	}
	incidents, err := l.LoadIncidents(ctx)
	if err != nil {
		return fmt.Errorf("load incidents: %w", err)
	}

	p.registry.Restore(devices, merges)
	p.graph.Restore(links)
	p.incidents.Restore(incidents)

	p.logger.Info("state restored",
		"devices", len(devices),
		"merges", len(merges),
		"links", len(links),
		"incidents", len(incidents),
	)
	return nil
}

// Start launches the feed goroutines and the snapshot scheduler.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	if p.cfg.SnapshotSchedule != "" {
		cl := cronLogger{logger: p.logger}
		p.cron = cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		if _, err := p.cron.AddFunc(p.cfg.SnapshotSchedule, p.publishSnapshot); err != nil {
			return fmt.Errorf("schedule snapshots %q: %w", p.cfg.SnapshotSchedule, err)
		}
		if p.pruner != nil && p.cfg.SnapshotRetention > 0 {
			if _, err := p.cron.AddFunc("@hourly", func() { p.pruneSnapshots(ctx) }); err != nil {
				return fmt.Errorf("schedule snapshot pruning: %w", err)
			}
		}
		p.cron.Start()
	}

	for proto, ch := range p.feeds {
		p.wg.Add(1)
		go p.runFeed(proto, ch)
	}
	p.wg.Add(1)
	go p.runMetrics()

	p.started = true
	p.logger.Info("pipeline started",
		"protocols", p.cfg.Protocols,
		"feed_buffer", p.cfg.FeedBuffer,
		"snapshot_schedule", p.cfg.SnapshotSchedule,
	)
	return nil
}

// Shutdown stops intake and drains the feeds. When ctx expires first the feeds
// finish the frame in hand and drop whatever is still queued.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.feeds {
		close(ch)
	}
	close(p.samples)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	var cronDone <-chan struct{}
	if p.cron != nil {
		cronDone = p.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		if cronDone != nil {
			<-cronDone
		}
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pipeline stopped", "frames_processed", p.counters.Snapshot().FramesProcessed)
		return nil
	case <-ctx.Done():
		close(p.quit)
		dropped := 0
		for _, ch := range p.feeds {
			dropped += len(ch)
		}
		p.logger.Warn("pipeline shutdown timed out, dropping queued frames", "dropped_frames", dropped)
		return ctx.Err()
	}
}

// =============================================================================
// INTAKE
// =============================================================================

// Accepts reports whether frames of proto have a feed.
func (p *Pipeline) Accepts(proto types.Protocol) bool {
	_, ok := p.feeds[proto]
	return ok
}

// SubmitFrame queues a frame on its protocol's feed, waiting for room until ctx
// is done.
func (p *Pipeline) SubmitFrame(ctx context.Context, frame types.Frame) error {
	ch, ok := p.feeds[frame.Protocol]
	if !ok {
		return fmt.Errorf("%w: %q", ErrProtocolDisabled, frame.Protocol)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case ch <- frame:
		p.counters.FrameReceived()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitBatch queues every frame of a collector batch. Frames of disabled
// protocols are counted and skipped. It returns early only when the pipeline is
// shutting down or ctx is done.
func (p *Pipeline) SubmitBatch(ctx context.Context, batch types.FrameBatch) error {
	for _, f := range batch.Frames {
		if f.CollectorID == "" {
			f.CollectorID = batch.CollectorID
		}
		err := p.SubmitFrame(ctx, f)
		if errors.Is(err, ErrProtocolDisabled) {
			p.counters.ParseError(f.Protocol)
			p.logger.Debug("frame for disabled protocol dropped",
				"protocol", f.Protocol,
				"collector_id", f.CollectorID,
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("submit batch %s: %w", batch.BatchID, err)
		}
	}
	return nil
}

// SubmitMetrics queues a batch of metric samples.
func (p *Pipeline) SubmitMetrics(ctx context.Context, batch types.MetricBatch) error {
	if len(batch.Samples) == 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.samples <- batch.Samples:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// PROCESSING
// =============================================================================

func (p *Pipeline) runFeed(proto types.Protocol, ch <-chan types.Frame) {
	defer p.wg.Done()
	logger := p.logger.With("feed", string(proto))
	logger.Debug("feed started")
	for frame := range ch {
		select {
		case <-p.quit:
			logger.Debug("feed stopped", "dropped_frames", len(ch)+1)
			return
		default:
		}
		p.safeProcess(frame)
	}
	logger.Debug("feed drained")
}

func (p *Pipeline) runMetrics() {
	defer p.wg.Done()
	for samples := range p.samples {
		select {
		case <-p.quit:
			return
		default:
		}
		p.safeMetrics(samples)
	}
}

func (p *Pipeline) safeProcess(frame types.Frame) {
	defer func() {
		if r := recover(); r != nil {
			p.counters.Panic()
			p.logger.Error("panic processing frame",
				"protocol", frame.Protocol,
				"interface", frame.Interface,
				"collector_id", frame.CollectorID,
				"panic", r,
			)
		}
	}()
	p.ProcessFrame(frame)
}

func (p *Pipeline) safeMetrics(samples []types.MetricSample) {
	defer func() {
		if r := recover(); r != nil {
			p.counters.Panic()
			p.logger.Error("panic processing metric samples", "samples", len(samples), "panic", r)
		}
	}()
	p.ProcessMetrics(samples)
}

// ProcessFrame runs one frame through the engine synchronously. Feeds call it;
// it is exported for replay and tests.
func (p *Pipeline) ProcessFrame(frame types.Frame) {
	adv, err := p.normalizer.Normalize(frame)
	if err != nil {
		p.counters.ParseError(frame.Protocol)
		p.logger.Debug("frame dropped", "protocol", frame.Protocol, "collector_id", frame.CollectorID, "error", err)
		return
	}

	local, err := p.resolve(p.registry.ResolveLocal, adv)
	if local == nil {
		p.counters.ParseError(frame.Protocol)
		p.logger.Debug("local device unresolved", "protocol", adv.Protocol, "error", err)
		return
	}
	remote, err := p.resolve(p.registry.Resolve, adv)
	if remote == nil {
		if err != nil {
			p.logger.Debug("remote device unresolved", "protocol", adv.Protocol, "error", err)
		}
		// withdrawal of a chassis never seen
		p.counters.FrameProcessed()
		return
	}

	var delta types.Delta
	p.applyMerges(append(local.Merges, remote.Merges...))
	for _, c := range []*types.DeviceChange{local.Change, remote.Change} {
		if c != nil {
			delta.DeviceChanges = append(delta.DeviceChanges, *c)
		}
	}

	localID := p.registry.Canonical(local.Device.ID)
	remoteID := p.registry.Canonical(remote.Device.ID)
	gd, err := p.graph.Apply(adv, localID, remoteID)
	var swe *topology.StaleWriteError
	switch {
	case errors.As(err, &swe):
		p.counters.StaleWrite()
		p.logger.Debug("stale write discarded", "link_id", swe.LinkID, "error", err)
	case err != nil:
		p.counters.RejectedOperation()
		p.logger.Warn("advertisement rejected by graph",
			"protocol", adv.Protocol,
			"local_id", localID,
			"remote_id", remoteID,
			"error", err,
		)
	}
	delta.Merge(gd)

	p.publisher.PublishDelta(delta)
	if delta.Significant() {
		p.evaluate(delta, nil)
	}
	p.counters.FrameProcessed()
}

// resolve runs one registry resolution. An identity conflict still yields a
// device (the review-flagged one) and processing continues with it.
func (p *Pipeline) resolve(fn func(types.Advertisement) (*registry.Resolution, error), adv types.Advertisement) (*registry.Resolution, error) {
	res, err := fn(adv)
	var ice *registry.IdentityConflictError
	if errors.As(err, &ice) {
		p.counters.IdentityConflict()
		p.logger.Warn("identity conflict, device flagged for review",
			"chassis", ice.Key.String(),
			"device_id", ice.DeviceID,
			"candidates", ice.Candidates,
		)
		return res, nil
	}
	return res, err
}

// applyMerges folds absorbed devices' links into their survivors. The resulting
// link churn is persisted but not evaluated for anomalies.
func (p *Pipeline) applyMerges(merges []types.MergeRecord) {
	if len(merges) == 0 {
		return
	}
	var delta types.Delta
	for _, m := range merges {
		delta.Merge(p.graph.MergeDevices(m.AbsorbedID, m.SurvivorID))
	}
	p.counters.Merges(len(merges))
	p.publisher.PublishMerges(merges)
	p.publisher.PublishDelta(delta)
}

// ProcessMetrics resolves samples to canonical devices and feeds the traffic
// baselines. Samples naming no known device are counted and dropped.
func (p *Pipeline) ProcessMetrics(samples []types.MetricSample) {
	resolved := make([]types.MetricSample, 0, len(samples))
	for _, s := range samples {
		p.counters.MetricSample()
		id, ok := p.resolveSample(s)
		if !ok {
			p.counters.UnresolvedSample()
			continue
		}
		s.DeviceID = id
		resolved = append(resolved, s)
	}
	if len(resolved) > 0 {
		p.evaluate(types.Delta{}, resolved)
	}
}

func (p *Pipeline) resolveSample(s types.MetricSample) (string, bool) {
	if s.DeviceID != "" {
		if d, ok := p.registry.Lookup(s.DeviceID); ok {
			return d.ID, true
		}
	}
	if s.ChassisID != "" {
		if d, ok := p.registry.FindByChassisValue(s.ChassisID); ok {
			return d.ID, true
		}
	}
	if s.SystemName != "" {
		if d, ok := p.registry.FindByName(s.SystemName); ok {
			return d.ID, true
		}
	}
	return "", false
}

// HandleSweep persists and evaluates a sweep delta. It satisfies
// worker.DeltaHandler.
func (p *Pipeline) HandleSweep(_ context.Context, delta types.Delta) {
	p.publisher.PublishDelta(delta)
	if delta.Significant() {
		p.evaluate(delta, nil)
	}
}

func (p *Pipeline) evaluate(delta types.Delta, samples []types.MetricSample) {
	in := anomaly.Input{Delta: delta, Metrics: samples}
	if !delta.Empty() {
		in.Snapshot = p.Snapshot()
	}
	anomalies := p.detector.Evaluate(in)
	if len(anomalies) == 0 {
		return
	}

	p.publisher.PublishAnomalies(anomalies)
	for _, a := range anomalies {
		p.counters.Anomaly(a.Kind)
		out, err := p.incidents.Ingest(a)
		if err != nil {
			p.counters.RejectedOperation()
			p.logger.Warn("anomaly rejected by orchestrator", "kind", a.Kind, "primary_key", a.PrimaryKey, "error", err)
			continue
		}
		if out.Created {
			p.counters.IncidentOpened()
		}
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Snapshot returns the graph snapshot with the registry's devices filled in.
func (p *Pipeline) Snapshot() *types.Snapshot {
	snap := p.graph.Snapshot()
	snap.Devices = p.registry.List()
	return snap
}

// TopologyHealth summarises the graph and registry for health reporting.
func (p *Pipeline) TopologyHealth() types.TopologyHealth {
	snap := p.Snapshot()
	h := types.TopologyHealth{
		Version: snap.Version,
		Devices: len(snap.Devices),
		Links:   len(snap.Links),
	}
	for _, l := range snap.Links {
		if l.Stale {
			h.StaleLinks++
		}
	}
	for _, d := range snap.Devices {
		if d.NeedsReview {
			h.NeedsReview++
		}
	}
	return h
}

// Counters returns the pipeline telemetry counters.
func (p *Pipeline) Counters() *metrics.Counters { return p.counters }

func (p *Pipeline) Registry() *registry.Registry { return p.registry }
func (p *Pipeline) Graph() *topology.Graph { return p.graph }
func (p *Pipeline) Detector() *anomaly.Detector { return p.detector }
func (p *Pipeline) Incidents() *incident.Orchestrator { return p.incidents }

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

// MergeDevices merges two devices by operator request and moves the absorbed
// device's links to the survivor.
func (p *Pipeline) MergeDevices(a, b string) (types.Device, error) {
	res, err := p.registry.Merge(a, b)
	if err != nil {
		p.counters.RejectedOperation()
		return types.Device{}, err
	}
	p.applyMerges(res.Merges)
	if res.Change != nil {
		p.publisher.PublishDevices([]types.Device{res.Change.Current})
	}
	return res.Device, nil
}

// DetachChassis splits one chassis identity off a device into a new device.
func (p *Pipeline) DetachChassis(deviceID string, key types.ChassisKey) (types.Device, error) {
	res, err := p.registry.Detach(deviceID, key)
	if err != nil {
		p.counters.RejectedOperation()
		return types.Device{}, err
	}
	devices := []types.Device{res.Device}
	if d, ok := p.registry.Lookup(deviceID); ok {
		devices = append(devices, d)
	}
	p.publisher.PublishDevices(devices)
	return res.Device, nil
}

// MarkReviewed clears a device's review flag.
func (p *Pipeline) MarkReviewed(deviceID string) (types.Device, error) {
	d, err := p.registry.MarkReviewed(deviceID)
	if err != nil {
		return types.Device{}, err
	}
	p.publisher.PublishDevices([]types.Device{d})
	return d, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (p *Pipeline) publishSnapshot() {
	snap := p.Snapshot()
	p.publisher.PublishSnapshot(snap)
	p.logger.Debug("snapshot published", "version", snap.Version, "links", len(snap.Links))
}

func (p *Pipeline) pruneSnapshots(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := p.pruner.PruneSnapshots(ctx, p.cfg.SnapshotRetention)
	if err != nil {
		p.logger.Warn("snapshot pruning failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("old snapshots pruned", "deleted", n, "retention", p.cfg.SnapshotRetention)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

type nopPublisher struct{}

func (nopPublisher) PublishDelta(types.Delta) {}
func (nopPublisher) PublishDevices([]types.Device) {}
func (nopPublisher) PublishMerges([]types.MergeRecord) {}
func (nopPublisher) PublishAnomalies([]types.Anomaly) {}
func (nopPublisher) PublishSnapshot(*types.Snapshot) {}
