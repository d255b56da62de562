package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/topomon/engine/internal/incident"
	"github.com/pilot-net/topomon/engine/internal/testutil"
	"github.com/pilot-net/topomon/engine/internal/topology"
	"github.com/pilot-net/topomon/pkg/types"
)

// mockSweeper returns queued deltas in order.
type mockSweeper struct {
	mu     sync.Mutex
	deltas []types.Delta
	calls  []time.Time
}

func (m *mockSweeper) Sweep(now time.Time) types.Delta {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, now)
	if len(m.deltas) == 0 {
		return types.Delta{}
	}
	d := m.deltas[0]
	m.deltas = m.deltas[1:]
	return d
}

func (m *mockSweeper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestSweepWorker_HandlesNonEmptyDeltas(t *testing.T) {
	stale := *testutil.FixtureLinkStale("dev-a", "dev-b")
	sweeper := &mockSweeper{deltas: []types.Delta{
		{Updated: []types.Link{stale}},
		{},
	}}

	var handled []types.Delta
	w := NewSweepWorker(sweeper, func(_ context.Context, d types.Delta) {
		handled = append(handled, d)
	}, DefaultSweepWorkerConfig(), testutil.NewTestLogger())

	ctx := context.Background()
	first := w.RunOnce(ctx)
	second := w.RunOnce(ctx)

	if len(first.Updated) != 1 {
		t.Errorf("expected 1 updated link, got %d", len(first.Updated))
	}
	if !second.Empty() {
		t.Errorf("expected empty second delta")
	}
	if len(handled) != 1 {
		t.Errorf("expected handler called once, got %d", len(handled))
	}
}

func TestSweepWorker_AgainstGraph(t *testing.T) {
	clock := testutil.NewClock()
	g := topology.New(topology.DefaultConfig(), testutil.NewTestLogger(), topology.WithClock(clock.Now))
	if _, err := g.Apply(testutil.FixtureAdvertisement(), "dev-local", "dev-remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var removed int
	w := NewSweepWorker(g, func(_ context.Context, d types.Delta) {
		removed += len(d.Removed)
	}, DefaultSweepWorkerConfig(), testutil.NewTestLogger())
	w.now = clock.Now

	// TTL 120s then 90s of grace
	clock.Advance(121 * time.Second)
	if d := w.RunOnce(context.Background()); len(d.Updated) != 1 || !d.Updated[0].Stale {
		t.Fatalf("expected link marked stale, got %+v", d)
	}
	clock.Advance(91 * time.Second)
	w.RunOnce(context.Background())

	if removed != 1 {
		t.Errorf("expected link removed after grace, got %d removals", removed)
	}
}

func TestSweepWorker_StartStop(t *testing.T) {
	sweeper := &mockSweeper{}
	w := NewSweepWorker(sweeper, nil, SweepWorkerConfig{Interval: 5 * time.Millisecond}, testutil.NewTestLogger())

	w.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for sweeper.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if sweeper.callCount() < 2 {
		t.Errorf("expected at least 2 sweeps, got %d", sweeper.callCount())
	}
}

func TestIncidentWorker_ClosesAfterCooldown(t *testing.T) {
	clock := testutil.NewClock()
	o := incident.New(incident.DefaultConfig(), testutil.NewTestLogger(), incident.WithClock(clock.Now))
	out, err := o.Ingest(*testutil.FixtureAnomaly())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	id := out.Incident.ID
	for _, s := range []types.IncidentStatus{types.IncidentAcknowledged, types.IncidentMitigating, types.IncidentResolved} {
		if _, err := o.Transition(id, s, "", "noc"); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	w := NewIncidentWorker(o, DefaultIncidentWorkerConfig(), testutil.NewTestLogger())
	w.now = clock.Now

	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("expected nothing closed within cooldown, got %d", n)
	}
	clock.Advance(16 * time.Minute)
	if n := w.RunOnce(context.Background()); n != 1 {
		t.Errorf("expected 1 incident closed, got %d", n)
	}

	inc, _ := o.Get(id)
	if inc.Status != types.IncidentClosed {
		t.Errorf("expected closed, got %s", inc.Status)
	}
}

func TestIncidentWorker_StopOnContextCancel(t *testing.T) {
	o := incident.New(incident.DefaultConfig(), testutil.NewTestLogger())
	w := NewIncidentWorker(o, IncidentWorkerConfig{Interval: time.Hour}, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()

	select {
	case <-w.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
