package incident

import (
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/topomon/engine/internal/testutil"
	"github.com/pilot-net/topomon/pkg/types"
)

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []types.IncidentEvent
}

func (s *recordingSink) Publish(e types.IncidentEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) eventTypes() []types.IncidentEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.IncidentEventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func newTestOrchestrator() (*Orchestrator, *testutil.Clock, *recordingSink) {
	clock := testutil.NewClock()
	sink := &recordingSink{}
	o := New(DefaultConfig(), testutil.NewTestLogger(), WithClock(clock.Now), WithSink(sink))
	return o, clock, sink
}

func anomalyFor(key string, sev types.Severity) types.Anomaly {
	return *testutil.FixtureAnomaly(func(a *types.Anomaly) {
		a.PrimaryKey = key
		a.Severity = sev
	})
}

func TestIngest_CreatesIncident(t *testing.T) {
	o, clock, sink := newTestOrchestrator()
	a := anomalyFor("link-1", types.SeverityWarning)

	out, err := o.Ingest(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Created {
		t.Fatal("expected a new incident")
	}
	inc := out.Incident
	if inc.Status != types.IncidentOpen {
		t.Errorf("expected open, got %s", inc.Status)
	}
	if inc.DedupKey != "topology_change:link-1" {
		t.Errorf("unexpected dedup key %s", inc.DedupKey)
	}
	if !inc.OpenedAt.Equal(clock.Now()) {
		t.Errorf("expected opened at %v, got %v", clock.Now(), inc.OpenedAt)
	}
	if len(inc.Timeline) != 1 || inc.Timeline[0].To != types.IncidentOpen {
		t.Errorf("expected a single open timeline entry, got %+v", inc.Timeline)
	}
	if got := sink.eventTypes(); len(got) != 1 || got[0] != types.EventIncidentCreated {
		t.Errorf("expected created event, got %v", got)
	}
}

func TestIngest_RequiresKey(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	if _, err := o.Ingest(types.Anomaly{ID: "a1"}); err == nil {
		t.Fatal("expected error for anomaly without primary key")
	}
}

func TestIngest_DeduplicatesAndEscalates(t *testing.T) {
	o, _, sink := newTestOrchestrator()

	first, _ := o.Ingest(anomalyFor("dev-1", types.SeverityWarning))
	second, _ := o.Ingest(anomalyFor("dev-1", types.SeverityInfo))
	third, _ := o.Ingest(anomalyFor("dev-1", types.SeverityCritical))

	if second.Created || third.Created {
		t.Fatal("expected repeat anomalies to join the open incident")
	}
	if third.Incident.ID != first.Incident.ID {
		t.Fatalf("expected same incident, got %s and %s", first.Incident.ID, third.Incident.ID)
	}
	if second.Incident.Severity != types.SeverityWarning {
		t.Errorf("expected no downgrade, got %s", second.Incident.Severity)
	}
	if !third.Escalated || third.Incident.Severity != types.SeverityCritical {
		t.Errorf("expected escalation to critical, got %s", third.Incident.Severity)
	}
	if n := len(third.Incident.OriginatingAnomalyIDs); n != 3 {
		t.Errorf("expected 3 originating anomalies, got %d", n)
	}
	// open + escalation
	if n := len(third.Incident.Timeline); n != 2 {
		t.Errorf("expected 2 timeline entries, got %d", n)
	}
	esc := third.Incident.Timeline[1]
	if esc.From != types.IncidentOpen || esc.To != types.IncidentOpen {
		t.Errorf("expected from==to escalation entry, got %+v", esc)
	}

	want := []types.IncidentEventType{types.EventIncidentCreated, types.EventIncidentUpdated, types.EventIncidentEscalated}
	got := sink.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestIngest_SameAnomalyTwice(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	a := anomalyFor("dev-1", types.SeverityWarning)

	o.Ingest(a)
	out, _ := o.Ingest(a)
	if n := len(out.Incident.OriginatingAnomalyIDs); n != 1 {
		t.Errorf("expected duplicate anomaly id ignored, got %d ids", n)
	}
}

func TestIngest_UnrelatedKeysNeverMerge(t *testing.T) {
	for _, order := range [][]string{{"dev-a", "dev-b"}, {"dev-b", "dev-a"}} {
		o, _, _ := newTestOrchestrator()
		ids := map[string]string{}
		for _, key := range order {
			out, err := o.Ingest(*testutil.FixtureAnomaly(func(a *types.Anomaly) {
				a.Kind = types.AnomalyDeviceDown
				a.PrimaryKey = key
			}))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			ids[key] = out.Incident.ID
		}
		if ids["dev-a"] == ids["dev-b"] {
			t.Errorf("order %v: unrelated devices merged into one incident", order)
		}
		if n := len(o.List(types.IncidentFilter{})); n != 2 {
			t.Errorf("order %v: expected 2 incidents, got %d", order, n)
		}
	}
}

func TestIngest_SameDeviceDifferentKind(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	a, _ := o.Ingest(*testutil.FixtureAnomaly(func(a *types.Anomaly) {
		a.Kind = types.AnomalyDeviceDown
		a.PrimaryKey = "dev-1"
	}))
	b, _ := o.Ingest(*testutil.FixtureAnomaly(func(a *types.Anomaly) {
		a.Kind = types.AnomalyComplianceDrift
		a.PrimaryKey = "dev-1"
	}))
	if a.Incident.ID == b.Incident.ID {
		t.Error("expected separate incidents per anomaly kind")
	}
}

func walkToResolved(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	for _, s := range []types.IncidentStatus{types.IncidentAcknowledged, types.IncidentMitigating, types.IncidentResolved} {
		if _, err := o.Transition(id, s, "", "noc"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestTransition_Workflow(t *testing.T) {
	o, clock, sink := newTestOrchestrator()
	out, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	id := out.Incident.ID

	clock.Advance(time.Minute)
	walkToResolved(t, o, id)

	inc, ok := o.Get(id)
	if !ok {
		t.Fatal("incident not found")
	}
	if inc.Status != types.IncidentResolved {
		t.Errorf("expected resolved, got %s", inc.Status)
	}
	if inc.ResolvedAt == nil || !inc.ResolvedAt.Equal(clock.Now()) {
		t.Errorf("expected resolved_at %v, got %v", clock.Now(), inc.ResolvedAt)
	}
	if n := len(inc.Timeline); n != 4 {
		t.Errorf("expected 4 timeline entries, got %d", n)
	}
	if inc.Timeline[1].Actor != "noc" {
		t.Errorf("expected actor noc, got %s", inc.Timeline[1].Actor)
	}

	got := sink.eventTypes()
	if got[len(got)-1] != types.EventIncidentResolved {
		t.Errorf("expected resolved event last, got %v", got)
	}
}

func TestTransition_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, o *Orchestrator, id string)
		to    types.IncidentStatus
		from  types.IncidentStatus
	}{
		{
			name:  "skip acknowledged",
			setup: func(t *testing.T, o *Orchestrator, id string) {},
			to:    types.IncidentMitigating,
			from:  types.IncidentOpen,
		},
		{
			name:  "same status",
			setup: func(t *testing.T, o *Orchestrator, id string) {},
			to:    types.IncidentOpen,
			from:  types.IncidentOpen,
		},
		{
			name: "backwards",
			setup: func(t *testing.T, o *Orchestrator, id string) {
				o.Transition(id, types.IncidentAcknowledged, "", "noc")
			},
			to:   types.IncidentOpen,
			from: types.IncidentAcknowledged,
		},
		{
			name:  "manual reopen",
			setup: walkToResolved,
			to:    types.IncidentOpen,
			from:  types.IncidentResolved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, _ := newTestOrchestrator()
			out, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
			id := out.Incident.ID
			tt.setup(t, o, id)
			before, _ := o.Get(id)

			_, err := o.Transition(id, tt.to, "", "noc")
			if !IsTransitionRejected(err) {
				t.Fatalf("expected TransitionRejected, got %v", err)
			}
			rej := err.(*TransitionRejected)
			if rej.From != tt.from || rej.To != tt.to {
				t.Errorf("expected %s -> %s, got %s -> %s", tt.from, tt.to, rej.From, rej.To)
			}

			after, _ := o.Get(id)
			if after.Status != before.Status || len(after.Timeline) != len(before.Timeline) {
				t.Errorf("rejected transition changed the incident")
			}
		})
	}
}

func TestTransition_UnknownIncident(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	if _, err := o.Transition("missing", types.IncidentAcknowledged, "", "noc"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := o.Transition("missing", "bogus", "", "noc"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestReopenWithinCooldown(t *testing.T) {
	o, clock, sink := newTestOrchestrator()
	out, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	id := out.Incident.ID
	walkToResolved(t, o, id)

	clock.Advance(5 * time.Minute)
	again, err := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Reopened || again.Incident.ID != id {
		t.Fatalf("expected incident %s reopened, got %+v", id, again)
	}
	if again.Incident.Status != types.IncidentOpen || again.Incident.ResolvedAt != nil {
		t.Errorf("expected open with resolved_at cleared, got %s %v", again.Incident.Status, again.Incident.ResolvedAt)
	}
	last := again.Incident.Timeline[len(again.Incident.Timeline)-1]
	if last.From != types.IncidentResolved || last.To != types.IncidentOpen {
		t.Errorf("expected resolved -> open entry, got %+v", last)
	}
	got := sink.eventTypes()
	if got[len(got)-1] != types.EventIncidentReopened {
		t.Errorf("expected reopened event, got %v", got)
	}
}

func TestNewIncidentAfterCooldown(t *testing.T) {
	o, clock, _ := newTestOrchestrator()
	out, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	id := out.Incident.ID
	walkToResolved(t, o, id)

	clock.Advance(20 * time.Minute)
	again, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	if !again.Created || again.Incident.ID == id {
		t.Fatalf("expected a fresh incident after cooldown")
	}
	old, _ := o.Get(id)
	if old.Status != types.IncidentResolved {
		t.Errorf("expected old incident left resolved, got %s", old.Status)
	}
}

func TestCloseExpired(t *testing.T) {
	o, clock, _ := newTestOrchestrator()
	resolved, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	open, _ := o.Ingest(anomalyFor("link-2", types.SeverityWarning))
	walkToResolved(t, o, resolved.Incident.ID)

	if closed := o.CloseExpired(clock.Advance(time.Minute)); len(closed) != 0 {
		t.Fatalf("expected nothing closed within cooldown, got %d", len(closed))
	}

	closed := o.CloseExpired(clock.Advance(15 * time.Minute))
	if len(closed) != 1 || closed[0].ID != resolved.Incident.ID {
		t.Fatalf("expected %s closed, got %+v", resolved.Incident.ID, closed)
	}
	last := closed[0].Timeline[len(closed[0].Timeline)-1]
	if last.Cause != "reopen cooldown elapsed" || last.Actor != "system" {
		t.Errorf("unexpected close entry %+v", last)
	}
	if inc, _ := o.Get(open.Incident.ID); inc.Status != types.IncidentOpen {
		t.Errorf("expected unrelated incident still open, got %s", inc.Status)
	}

	// a closed incident is never reused
	again, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	if !again.Created {
		t.Error("expected a new incident for a closed key")
	}
}

func TestNoTransitionOutOfClosed(t *testing.T) {
	o, clock, _ := newTestOrchestrator()
	out, _ := o.Ingest(anomalyFor("link-1", types.SeverityWarning))
	id := out.Incident.ID
	walkToResolved(t, o, id)
	if _, err := o.Transition(id, types.IncidentClosed, "", "noc"); err != nil {
		t.Fatalf("close: %v", err)
	}
	clock.Advance(time.Minute)

	statuses := []types.IncidentStatus{
		types.IncidentOpen, types.IncidentAcknowledged, types.IncidentMitigating,
		types.IncidentResolved, types.IncidentClosed,
	}
	for _, s := range statuses {
		if _, err := o.Transition(id, s, "", "noc"); !IsTransitionRejected(err) {
			t.Errorf("expected transition closed -> %s rejected, got %v", s, err)
		}
	}
	if _, err := o.Assign(id, "alice", "noc"); !IsTransitionRejected(err) {
		t.Errorf("expected assignment on closed incident rejected, got %v", err)
	}
	inc, _ := o.Get(id)
	if inc.Status != types.IncidentClosed || inc.ClosedAt == nil {
		t.Errorf("expected closed incident, got %s", inc.Status)
	}
}

func TestAssignAndNotes(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	out, _ := o.Ingest(anomalyFor("dev-1", types.SeverityWarning))
	id := out.Incident.ID

	inc, err := o.Assign(id, "alice", "bob")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if inc.Assignee != "alice" {
		t.Errorf("expected assignee alice, got %s", inc.Assignee)
	}
	last := inc.Timeline[len(inc.Timeline)-1]
	if last.Cause != "assigned to alice" || last.Actor != "bob" || last.From != last.To {
		t.Errorf("unexpected assignment entry %+v", last)
	}

	inc, err = o.AddNote(id, "alice", "replaced optic on ge-0/0/1")
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if len(inc.Notes) != 1 || inc.Notes[0].Author != "alice" {
		t.Errorf("expected one note by alice, got %+v", inc.Notes)
	}
	if _, err := o.AddNote(id, "alice", ""); err == nil {
		t.Error("expected error for empty note")
	}
}

func TestRevisionIncreasesOnEveryChange(t *testing.T) {
	o, _, sink := newTestOrchestrator()

	out, _ := o.Ingest(anomalyFor("dev-1", types.SeverityWarning))
	id := out.Incident.ID
	steps := []func() (*types.Incident, error){
		func() (*types.Incident, error) {
			out, err := o.Ingest(anomalyFor("dev-1", types.SeverityInfo))
			if err != nil {
				return nil, err
			}
			return &out.Incident, nil
		},
		func() (*types.Incident, error) { return o.AddNote(id, "alice", "checking optics") },
		func() (*types.Incident, error) { return o.Assign(id, "alice", "bob") },
		func() (*types.Incident, error) { return o.Transition(id, types.IncidentAcknowledged, "", "alice") },
	}

	prev := out.Incident.Revision
	if prev != 1 {
		t.Fatalf("expected revision 1 on creation, got %d", prev)
	}
	for i, step := range steps {
		inc, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if inc.Revision != prev+1 {
			t.Errorf("step %d: expected revision %d, got %d", i, prev+1, inc.Revision)
		}
		prev = inc.Revision
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, ev := range sink.events {
		if ev.Revision != uint64(i+1) {
			t.Errorf("event %d: expected revision %d, got %d", i, i+1, ev.Revision)
		}
	}
}

func TestListFilter(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	o.Ingest(anomalyFor("a", types.SeverityWarning))
	crit, _ := o.Ingest(anomalyFor("b", types.SeverityCritical))
	o.Ingest(anomalyFor("c", types.SeverityInfo))
	o.Transition(crit.Incident.ID, types.IncidentAcknowledged, "", "noc")

	tests := []struct {
		name   string
		filter types.IncidentFilter
		want   int
	}{
		{"all", types.IncidentFilter{}, 3},
		{"open only", types.IncidentFilter{Status: []types.IncidentStatus{types.IncidentOpen}}, 2},
		{"critical", types.IncidentFilter{Severity: []types.Severity{types.SeverityCritical}}, 1},
		{"limit", types.IncidentFilter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.List(tt.filter); len(got) != tt.want {
				t.Errorf("expected %d, got %d", tt.want, len(got))
			}
		})
	}

	counts := o.Counts()
	if counts[types.IncidentOpen] != 2 || counts[types.IncidentAcknowledged] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestRestore(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	inc := testutil.FixtureIncident()
	o.Restore([]types.Incident{*inc})

	got, ok := o.Get(inc.ID)
	if !ok || got.Status != types.IncidentOpen {
		t.Fatalf("expected restored open incident, got %+v", got)
	}

	out, _ := o.Ingest(*testutil.FixtureAnomaly(func(a *types.Anomaly) { a.PrimaryKey = "link-1" }))
	if out.Created || out.Incident.ID != inc.ID {
		t.Errorf("expected anomaly to join the restored incident")
	}
}

func TestConcurrentTransitionsSerialized(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	out, _ := o.Ingest(anomalyFor("dev-1", types.SeverityWarning))
	id := out.Incident.ID

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Transition(id, types.IncidentAcknowledged, "", "noc"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly one acknowledgement to win, got %d", accepted)
	}
	inc, _ := o.Get(id)
	if n := len(inc.Timeline); n != 2 {
		t.Errorf("expected 2 timeline entries, got %d", n)
	}
}
