package incident

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/pilot-net/topomon/engine/internal/testutil"
	"github.com/pilot-net/topomon/pkg/types"
)

var severities = []types.Severity{types.SeverityInfo, types.SeverityWarning, types.SeverityCritical}

// N anomalies with one dedup key during an incident's open lifetime give one
// incident with N originating anomalies and the maximum severity.
func TestDeduplicationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		o := New(DefaultConfig(), testutil.NewTestLogger(), WithClock(testutil.NewClock().Now))
		n := rapid.IntRange(1, 50).Draw(t, "n")

		var (
			id      string
			highest types.Severity
		)
		for i := 0; i < n; i++ {
			sev := rapid.SampledFrom(severities).Draw(t, fmt.Sprintf("sev-%d", i))
			highest = types.MaxSeverity(highest, sev)
			out, err := o.Ingest(types.Anomaly{
				ID:         fmt.Sprintf("anomaly-%d", i),
				Kind:       types.AnomalyDeviceDown,
				PrimaryKey: "dev-1",
				Severity:   sev,
			})
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if id == "" {
				id = out.Incident.ID
			}
			if out.Incident.ID != id {
				t.Fatalf("anomaly %d opened a second incident", i)
			}
		}

		all := o.List(types.IncidentFilter{})
		if len(all) != 1 {
			t.Fatalf("expected 1 incident, got %d", len(all))
		}
		if got := len(all[0].OriginatingAnomalyIDs); got != n {
			t.Fatalf("expected %d originating anomalies, got %d", n, got)
		}
		if all[0].Severity != highest {
			t.Fatalf("expected severity %s, got %s", highest, all[0].Severity)
		}
	})
}

// No sequence of operations moves an incident out of Closed.
func TestClosedIsTerminalProperty(t *testing.T) {
	statuses := []types.IncidentStatus{
		types.IncidentOpen, types.IncidentAcknowledged, types.IncidentMitigating,
		types.IncidentResolved, types.IncidentClosed,
	}
	rapid.Check(t, func(t *rapid.T) {
		clock := testutil.NewClock()
		o := New(DefaultConfig(), testutil.NewTestLogger(), WithClock(clock.Now))
		out, _ := o.Ingest(types.Anomaly{ID: "a0", Kind: types.AnomalyTopologyChange, PrimaryKey: "link-1", Severity: types.SeverityWarning})
		id := out.Incident.ID
		for _, s := range statuses[1:] {
			if _, err := o.Transition(id, s, "", "noc"); err != nil {
				t.Fatalf("transition to %s: %v", s, err)
			}
		}

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("op-%d", i)) {
			case 0:
				to := rapid.SampledFrom(statuses).Draw(t, fmt.Sprintf("to-%d", i))
				if _, err := o.Transition(id, to, "", "noc"); err == nil {
					t.Fatalf("transition closed -> %s succeeded", to)
				}
			case 1:
				o.Ingest(types.Anomaly{ID: fmt.Sprintf("a%d", i+1), Kind: types.AnomalyTopologyChange, PrimaryKey: "link-1", Severity: types.SeverityCritical})
			case 2:
				secs := rapid.SampledFrom([]int{1, 60, 3600}).Draw(t, fmt.Sprintf("adv-%d", i))
				clock.Advance(time.Duration(secs) * time.Second)
				o.CloseExpired(clock.Now())
			}
			inc, _ := o.Get(id)
			if inc.Status != types.IncidentClosed {
				t.Fatalf("closed incident moved to %s", inc.Status)
			}
		}
	})
}
