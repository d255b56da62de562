package topology

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/pilot-net/topomon/engine/internal/testutil"
	"github.com/pilot-net/topomon/pkg/types"
)

// Every device that advertised with ttl>0 stays a neighbour until it withdraws.
func TestNeighborsIncludeAdvertisers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := New(DefaultConfig(), testutil.NewTestLogger())
		steps := rapid.IntRange(1, 40).Draw(t, "steps")

		active := make(map[string]bool) // remote device -> expected present
		for i := 0; i < steps; i++ {
			remote := fmt.Sprintf("dev-%d", rapid.IntRange(0, 5).Draw(t, "remote"))
			withdraw := rapid.Bool().Draw(t, "withdraw")
			adv := testutil.FixtureAdvertisement(func(a *types.Advertisement) {
				a.ObservedAt = testutil.Epoch.Add(time.Duration(i) * time.Second)
				a.SourceInterface = "port-" + remote
				if withdraw {
					a.TTLSeconds = 0
				}
			})
			if _, err := g.Apply(adv, "hub", remote); err != nil {
				t.Fatalf("apply: %v", err)
			}
			active[remote] = !withdraw
		}

		got := make(map[string]bool)
		for _, n := range g.NeighborsOf("hub", "") {
			got[n.DeviceID] = true
		}
		for remote, want := range active {
			if got[remote] != want {
				t.Fatalf("neighbour %s: expected present=%v, got %v", remote, want, got[remote])
			}
		}
	})
}

// Re-applying an advertisement leaves the graph state unchanged.
func TestApplyIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := New(DefaultConfig(), testutil.NewTestLogger())
		ttl := rapid.IntRange(0, 300).Draw(t, "ttl")
		routed := rapid.Bool().Draw(t, "routed")
		adv := testutil.FixtureAdvertisement(func(a *types.Advertisement) {
			a.TTLSeconds = ttl
			if routed {
				a.Capabilities = []types.Capability{types.CapabilityRouter}
			}
		})
		// seed the link so a withdrawal has something to act on
		if _, err := g.Apply(testutil.FixtureAdvertisement(), "x", "y"); err != nil {
			t.Fatalf("seed: %v", err)
		}

		if _, err := g.Apply(adv, "x", "y"); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		once := g.Snapshot().Links
		if _, err := g.Apply(adv, "x", "y"); err != nil {
			t.Fatalf("second apply: %v", err)
		}
		twice := g.Snapshot().Links

		if len(once) != len(twice) {
			t.Fatalf("link count changed: %d -> %d", len(once), len(twice))
		}
		for i := range once {
			a, b := once[i], twice[i]
			if a.ID != b.ID || a.Stale != b.Stale || a.Layer != b.Layer || !a.LastSeen.Equal(b.LastSeen) || !a.ExpiresAt.Equal(b.ExpiresAt) {
				t.Fatalf("state changed:\n%+v\n%+v", a, b)
			}
		}
	})
}
