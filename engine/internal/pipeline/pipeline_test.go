package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/topomon/engine/internal/anomaly"
	"github.com/pilot-net/topomon/engine/internal/incident"
	"github.com/pilot-net/topomon/engine/internal/metrics"
	"github.com/pilot-net/topomon/engine/internal/registry"
	"github.com/pilot-net/topomon/engine/internal/testutil"
	"github.com/pilot-net/topomon/engine/internal/topology"
	"github.com/pilot-net/topomon/pkg/types"
	"github.com/pilot-net/topomon/pkg/wire"
)

// recorder is a Publisher that keeps everything it is handed.
type recorder struct {
	mu        sync.Mutex
	deltas    []types.Delta
	devices   []types.Device
	merges    []types.MergeRecord
	anomalies []types.Anomaly
	snapshots []*types.Snapshot
}

func (r *recorder) PublishDelta(d types.Delta) {
	r.mu.Lock()
	r.deltas = append(r.deltas, d)
	r.mu.Unlock()
}

func (r *recorder) PublishDevices(d []types.Device) {
	r.mu.Lock()
	r.devices = append(r.devices, d...)
	r.mu.Unlock()
}

func (r *recorder) PublishMerges(m []types.MergeRecord) {
	r.mu.Lock()
	r.merges = append(r.merges, m...)
	r.mu.Unlock()
}

func (r *recorder) PublishAnomalies(a []types.Anomaly) {
	r.mu.Lock()
	r.anomalies = append(r.anomalies, a...)
	r.mu.Unlock()
}

func (r *recorder) PublishSnapshot(s *types.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
}

type panicPublisher struct{ recorder }

func (*panicPublisher) PublishDelta(types.Delta) { panic("boom") }

// gatedPublisher blocks the first PublishDelta until release is closed.
type gatedPublisher struct {
	recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPublisher) PublishDelta(d types.Delta) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	g.recorder.PublishDelta(d)
}

type harness struct {
	p     *Pipeline
	pub   *recorder
	clock *testutil.Clock
}

func newHarness(t *testing.T, cfg Config, pub Publisher) *harness {
	t.Helper()
	clock := testutil.NewClock()
	logger := testutil.NewTestLogger()
	rec, _ := pub.(*recorder)
	if pub == nil {
		rec = &recorder{}
		pub = rec
	}
	p := New(cfg, Components{
		Registry:  registry.New(nil, logger, registry.WithClock(clock.Now)),
		Graph:     topology.New(topology.DefaultConfig(), logger, topology.WithClock(clock.Now)),
		Detector:  anomaly.New(anomaly.DefaultConfig(), logger, anomaly.WithClock(clock.Now)),
		Incidents: incident.New(incident.DefaultConfig(), logger, incident.WithClock(clock.Now)),
		Publisher: pub,
		Counters:  &metrics.Counters{},
	}, logger)
	return &harness{p: p, pub: rec, clock: clock}
}

// lldpFrame builds a frame received by localName on iface from the given remote.
func lldpFrame(t *testing.T, localName, iface, remoteMAC, remotePort, remoteName string, ttl uint16, at time.Time) types.Frame {
	t.Helper()
	payload, err := wire.EncodeLLDP(&wire.LLDPDU{
		ChassisSubtype:      wire.ChassisSubtypeMAC,
		ChassisID:           remoteMAC,
		PortSubtype:         wire.PortSubtypeInterfaceName,
		PortID:              remotePort,
		TTL:                 ttl,
		SystemName:          remoteName,
		HasCapabilities:     true,
		Capabilities:        wire.LLDPCapBridge,
		EnabledCapabilities: wire.LLDPCapBridge,
	})
	if err != nil {
		t.Fatalf("encode lldp: %v", err)
	}
	return types.Frame{
		Protocol:        types.ProtocolLLDP,
		Interface:       iface,
		LocalSystemName: localName,
		Payload:         payload,
		ReceivedAt:      at,
	}
}

func TestProcessFrame_BuildsTopology(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "edge-rtr-01", "ge-0/0/1", "00:00:00:00:00:02", "Gi1/0/1", "access-sw-02", 120, testutil.Epoch))

	if got := h.p.Registry().Count(); got != 2 {
		t.Fatalf("expected 2 devices, got %d", got)
	}
	local, ok := h.p.Registry().FindByName("edge-rtr-01")
	if !ok {
		t.Fatal("expected receiving device to be registered")
	}
	remote, ok := h.p.Registry().FindByChassisValue("00:00:00:00:00:02")
	if !ok {
		t.Fatal("expected remote device to be registered")
	}

	neighbors := h.p.Graph().NeighborsOf(local.ID, "")
	if len(neighbors) != 1 || neighbors[0].DeviceID != remote.ID {
		t.Fatalf("expected %s as only neighbor, got %+v", remote.ID, neighbors)
	}
	if neighbors[0].LocalInterface != "ge-0/0/1" || neighbors[0].RemoteInterface != "Gi1/0/1" {
		t.Errorf("unexpected interfaces %+v", neighbors[0])
	}

	if len(h.pub.deltas) != 1 {
		t.Fatalf("expected 1 published delta, got %d", len(h.pub.deltas))
	}
	d := h.pub.deltas[0]
	if len(d.Created) != 1 || len(d.DeviceChanges) != 2 {
		t.Errorf("expected 1 created link and 2 device changes, got %d and %d", len(d.Created), len(d.DeviceChanges))
	}
	if got := h.p.Counters().Snapshot().FramesProcessed; got != 1 {
		t.Errorf("expected 1 frame processed, got %d", got)
	}
}

func TestProcessFrame_ParseErrorDoesNotStopPipeline(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.p.ProcessFrame(types.Frame{Protocol: types.ProtocolLLDP, Interface: "eth0", LocalSystemName: "r1", Payload: []byte{0x02, 0xff}})
	h.p.ProcessFrame(types.Frame{Protocol: types.ProtocolCDP, Interface: "", Payload: nil})
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch))

	s := h.p.Counters().Snapshot()
	if s.ParseErrors["lldp"] != 1 || s.ParseErrors["cdp"] != 1 {
		t.Errorf("expected one parse error per protocol, got %v", s.ParseErrors)
	}
	if s.FramesProcessed != 1 {
		t.Errorf("expected the valid frame to be processed, got %d", s.FramesProcessed)
	}
	if len(h.p.Snapshot().Links) != 1 {
		t.Errorf("expected 1 link after the valid frame")
	}
}

func TestProcessFrame_WithdrawalOfUnknownChassis(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 0, testutil.Epoch))

	if _, ok := h.p.Registry().FindByChassisValue("00:00:00:00:00:09"); ok {
		t.Error("expected withdrawal not to create the remote device")
	}
	if len(h.p.Snapshot().Links) != 0 {
		t.Error("expected no link")
	}
}

func TestProcessFrame_WithdrawalMarksLinkStale(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch))
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 0, testutil.Epoch.Add(5*time.Second)))

	links := h.p.Snapshot().Links
	if len(links) != 1 || !links[0].Stale {
		t.Fatalf("expected one stale link, got %+v", links)
	}
	local, _ := h.p.Registry().FindByName("r1")
	if n := h.p.Graph().NeighborsOf(local.ID, ""); len(n) != 0 {
		t.Errorf("expected no active neighbors after withdrawal, got %d", len(n))
	}
}

func TestProcessFrame_StaleWriteCounted(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch.Add(time.Minute)))
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch))

	if got := h.p.Counters().Snapshot().StaleWrites; got != 1 {
		t.Errorf("expected 1 stale write, got %d", got)
	}
	links := h.p.Snapshot().Links
	if len(links) != 1 || !links[0].LastSeen.Equal(testutil.Epoch.Add(time.Minute)) {
		t.Errorf("expected newest observation to win, got %+v", links)
	}
}

func TestSweep_LinkLossOpensIncident(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	frame := func(at time.Time) types.Frame {
		return lldpFrame(t, "edge-rtr-01", "ge-0/0/1", "00:00:00:00:00:02", "Gi1/0/1", "access-sw-02", 120, at)
	}
	h.p.ProcessFrame(frame(testutil.Epoch))
	h.p.ProcessFrame(frame(testutil.Epoch.Add(90 * time.Second)))

	// TTL lapses at +210s
	now := h.clock.Advance(211 * time.Second)
	delta := h.p.Graph().Sweep(now)
	if !delta.Significant() {
		t.Fatalf("expected a significant sweep delta, got %+v", delta)
	}
	h.p.HandleSweep(context.Background(), delta)

	var change *types.Anomaly
	for i, a := range h.pub.anomalies {
		if a.Kind == types.AnomalyTopologyChange {
			change = &h.pub.anomalies[i]
		}
	}
	if change == nil {
		t.Fatalf("expected a topology change anomaly, got %+v", h.pub.anomalies)
	}

	incidents := h.p.Incidents().List(types.IncidentFilter{})
	found := false
	for _, inc := range incidents {
		if inc.Kind == types.AnomalyTopologyChange && inc.Status == types.IncidentOpen {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an open topology change incident, got %+v", incidents)
	}
	if got := h.p.Counters().Snapshot().IncidentsOpened; got != int64(len(incidents)) {
		t.Errorf("expected %d incidents opened, got %d", len(incidents), got)
	}
}

func TestWithdrawal_GraceRemovalOpensIncident(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	frame := func(ttl uint16, at time.Time) types.Frame {
		return lldpFrame(t, "X", "eth0", "00:00:00:00:00:c1", "eth1", "Y", ttl, at)
	}

	h.p.ProcessFrame(frame(120, testutil.Epoch))
	links := h.p.Snapshot().Links
	if len(links) != 1 || links[0].Stale {
		t.Fatalf("expected one active link, got %+v", links)
	}
	linkID := links[0].ID

	h.p.ProcessFrame(frame(0, testutil.Epoch.Add(100*time.Second)))
	links = h.p.Snapshot().Links
	if len(links) != 1 || !links[0].Stale {
		t.Fatalf("expected the link kept and marked stale, got %+v", links)
	}

	// grace is 90s from the withdrawal
	now := h.clock.Advance(191 * time.Second)
	delta := h.p.Graph().Sweep(now)
	if len(delta.Removed) != 1 || delta.Removed[0].ID != linkID {
		t.Fatalf("expected %s removed, got %+v", linkID, delta.Removed)
	}
	h.p.HandleSweep(context.Background(), delta)

	if got := len(h.p.Snapshot().Links); got != 0 {
		t.Errorf("expected no links after the sweep, got %d", got)
	}

	removed := false
	for _, a := range h.pub.anomalies {
		if a.Kind == types.AnomalyTopologyChange && a.PrimaryKey == linkID && a.Evidence["transition"] == "removed" {
			removed = true
		}
	}
	if !removed {
		t.Fatalf("expected a topology change for the removed link, got %+v", h.pub.anomalies)
	}

	open := 0
	for _, inc := range h.p.Incidents().List(types.IncidentFilter{}) {
		if inc.DedupKey == string(types.AnomalyTopologyChange)+":"+linkID {
			open++
			if inc.Status != types.IncidentOpen {
				t.Errorf("expected open incident, got %s", inc.Status)
			}
		}
	}
	if open != 1 {
		t.Errorf("expected 1 topology change incident for the link, got %d", open)
	}
}

func TestProcessMetrics_Resolution(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "edge-rtr-01", "ge-0/0/1", "00:00:00:00:00:02", "Gi1/0/1", "access-sw-02", 120, testutil.Epoch))
	remote, _ := h.p.Registry().FindByChassisValue("00:00:00:00:00:02")

	h.p.ProcessMetrics([]types.MetricSample{
		{DeviceID: remote.ID, Interface: "Gi1/0/1", Metric: "if_in_bps", Value: 1},
		{ChassisID: "00:00:00:00:00:02", Interface: "Gi1/0/1", Metric: "if_in_bps", Value: 1},
		{SystemName: "EDGE-RTR-01", Interface: "ge-0/0/1", Metric: "if_in_bps", Value: 1},
		{SystemName: "unknown", Interface: "eth0", Metric: "if_in_bps", Value: 1},
	})

	s := h.p.Counters().Snapshot()
	if s.MetricSamples != 4 {
		t.Errorf("expected 4 samples counted, got %d", s.MetricSamples)
	}
	if s.UnresolvedSamples != 1 {
		t.Errorf("expected 1 unresolved sample, got %d", s.UnresolvedSamples)
	}
}

func TestProcessMetrics_SustainedSpikeOpensIncident(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch))

	sample := func(v float64) []types.MetricSample {
		return []types.MetricSample{{ChassisID: "00:00:00:00:00:09", Interface: "eth1", Metric: "if_in_bps", Value: v}}
	}
	for i := 0; i < 10; i++ {
		v := 100e3
		if i%2 == 1 {
			v = 110e3
		}
		h.p.ProcessMetrics(sample(v))
	}
	for i := 0; i < 3; i++ {
		h.p.ProcessMetrics(sample(500e3))
	}

	if got := h.p.Counters().Snapshot().Anomalies["traffic_spike"]; got != 1 {
		t.Fatalf("expected 1 traffic spike, got %d", got)
	}
	if len(h.p.Incidents().List(types.IncidentFilter{})) != 1 {
		t.Error("expected 1 incident for the spike")
	}
}

func TestMergeDevices_RepointsLinks(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:0b", "eth1", "b", 120, testutil.Epoch))
	h.p.ProcessFrame(lldpFrame(t, "r3", "eth0", "00:00:00:00:00:0d", "eth2", "d", 120, testutil.Epoch.Add(time.Second)))

	b, _ := h.p.Registry().FindByName("b")
	d, _ := h.p.Registry().FindByName("d")
	survivor, err := h.p.MergeDevices(d.ID, b.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if survivor.ID != b.ID {
		t.Errorf("expected first seen device %s to survive, got %s", b.ID, survivor.ID)
	}
	if got := h.p.Registry().Canonical(d.ID); got != b.ID {
		t.Errorf("expected absorbed id to alias the survivor, got %s", got)
	}
	r3, _ := h.p.Registry().FindByName("r3")
	n := h.p.Graph().NeighborsOf(r3.ID, "")
	if len(n) != 1 || n[0].DeviceID != b.ID {
		t.Errorf("expected r3 to neighbor the survivor, got %+v", n)
	}
	if len(h.pub.merges) != 1 {
		t.Errorf("expected merge record published, got %d", len(h.pub.merges))
	}
	if got := h.p.Counters().Snapshot().Merges; got != 1 {
		t.Errorf("expected 1 merge counted, got %d", got)
	}
}

func TestMergeDevices_Unknown(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.p.MergeDevices("nope", "nada")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if got := h.p.Counters().Snapshot().RejectedOperations; got != 1 {
		t.Errorf("expected rejected operation counted, got %d", got)
	}
}

func TestPanicRecovered(t *testing.T) {
	h := newHarness(t, Config{}, &panicPublisher{})
	frame := lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch)

	h.p.safeProcess(frame)
	h.p.safeProcess(frame)

	if got := h.p.Counters().Snapshot().Panics; got != 2 {
		t.Errorf("expected 2 recovered panics, got %d", got)
	}
}

func TestSubmitAndShutdown_Drains(t *testing.T) {
	h := newHarness(t, Config{FeedBuffer: 4, SnapshotSchedule: "@every 1h"}, nil)
	ctx := context.Background()
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		at := testutil.Epoch.Add(time.Duration(i) * time.Second)
		if err := h.p.SubmitFrame(ctx, lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, at)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := h.p.SubmitMetrics(ctx, types.MetricBatch{Samples: []types.MetricSample{{SystemName: "r2", Metric: "if_in_bps", Value: 1}}}); err != nil {
		t.Fatalf("submit metrics: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.p.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	s := h.p.Counters().Snapshot()
	if s.FramesReceived != n || s.FramesProcessed != n {
		t.Errorf("expected %d frames received and processed, got %d and %d", n, s.FramesReceived, s.FramesProcessed)
	}
	if s.MetricSamples != 1 {
		t.Errorf("expected the queued metric sample to drain, got %d", s.MetricSamples)
	}

	err := h.p.SubmitFrame(ctx, lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch))
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	if err := h.p.Shutdown(shutdownCtx); err != nil {
		t.Errorf("expected second shutdown to be a no-op, got %v", err)
	}
}

func TestShutdown_TimeoutStopsFeeds(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, Config{FeedBuffer: 8}, pub)
	ctx := context.Background()
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 5; i++ {
		at := testutil.Epoch.Add(time.Duration(i) * time.Second)
		if err := h.p.SubmitFrame(ctx, lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, at)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	<-pub.entered

	shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := h.p.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	close(pub.release)
	h.p.wg.Wait()

	if got := h.p.Counters().Snapshot().FramesProcessed; got != 1 {
		t.Errorf("expected only the in-flight frame processed, got %d", got)
	}
}

func TestSubmitFrame_ContextCancelled(t *testing.T) {
	// not started: nothing drains the feed
	h := newHarness(t, Config{FeedBuffer: 1}, nil)
	frame := lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch)
	if err := h.p.SubmitFrame(context.Background(), frame); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.p.SubmitFrame(ctx, frame); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded on a full feed, got %v", err)
	}
}

func TestSubmitBatch_SkipsDisabledProtocol(t *testing.T) {
	h := newHarness(t, Config{Protocols: []types.Protocol{types.ProtocolLLDP}}, nil)
	if h.p.Accepts(types.ProtocolCDP) {
		t.Fatal("expected cdp feed to be disabled")
	}

	batch := types.FrameBatch{
		CollectorID: "dc1",
		BatchID:     "b-1",
		Frames: []types.Frame{
			{Protocol: types.ProtocolCDP, Interface: "Gi0/1", Payload: []byte{2}},
			lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch),
		},
	}
	if err := h.p.SubmitBatch(context.Background(), batch); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	s := h.p.Counters().Snapshot()
	if s.ParseErrors["cdp"] != 1 {
		t.Errorf("expected disabled cdp frame counted, got %v", s.ParseErrors)
	}
	if s.FramesReceived != 1 {
		t.Errorf("expected 1 frame queued, got %d", s.FramesReceived)
	}
	queued := <-h.p.feeds[types.ProtocolLLDP]
	if queued.CollectorID != "dc1" {
		t.Errorf("expected collector id stamped from batch, got %q", queued.CollectorID)
	}
}

func TestPublishSnapshot_IncludesDevices(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.p.ProcessFrame(lldpFrame(t, "r1", "eth0", "00:00:00:00:00:09", "eth1", "r2", 120, testutil.Epoch))
	h.p.publishSnapshot()

	if len(h.pub.snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(h.pub.snapshots))
	}
	snap := h.pub.snapshots[0]
	if len(snap.Devices) != 2 || len(snap.Links) != 1 {
		t.Errorf("expected 2 devices and 1 link, got %d and %d", len(snap.Devices), len(snap.Links))
	}
	if health := h.p.TopologyHealth(); health.Devices != 2 || health.Links != 1 || health.Version != snap.Version {
		t.Errorf("unexpected topology health %+v", health)
	}
}

type fakeLoader struct {
	devices   []types.Device
	links     []types.Link
	incidents []types.Incident
	err       error
}

func (f fakeLoader) LoadDevices(context.Context) ([]types.Device, error) { return f.devices, f.err }
func (f fakeLoader) LoadMerges(context.Context) ([]types.MergeRecord, error) { return nil, nil }
func (f fakeLoader) LoadLinks(context.Context) ([]types.Link, error) { return f.links, nil }
func (f fakeLoader) LoadIncidents(context.Context) ([]types.Incident, error) { return f.incidents, nil }

func TestRestore(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	a := testutil.FixtureDevice()
	b := testutil.FixtureDevice(func(d *types.Device) {
		d.ChassisIDs = []types.ChassisKey{{Protocol: types.ProtocolLLDP, ID: "00:00:00:00:00:02"}}
		d.DisplayName = "access-sw-02"
	})
	loader := fakeLoader{
		devices:   []types.Device{*a, *b},
		links:     []types.Link{*testutil.FixtureLink(a.ID, b.ID)},
		incidents: []types.Incident{*testutil.FixtureIncident()},
	}
	if err := h.p.Restore(context.Background(), loader); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.p.Registry().Count() != 2 {
		t.Errorf("expected 2 devices restored, got %d", h.p.Registry().Count())
	}
	if len(h.p.Graph().NeighborsOf(a.ID, "")) != 1 {
		t.Error("expected restored link")
	}
	if len(h.p.Incidents().List(types.IncidentFilter{})) != 1 {
		t.Error("expected restored incident")
	}

	if err := h.p.Restore(context.Background(), fakeLoader{err: errors.New("db down")}); err == nil {
		t.Error("expected load error to surface")
	}
}
