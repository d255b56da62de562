package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/pilot-net/topomon/engine/internal/compliance"
	"github.com/pilot-net/topomon/engine/internal/testutil"
	"github.com/pilot-net/topomon/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	checker, err := compliance.NewChecker(compliance.DefaultProfile())
	if err != nil {
		t.Fatalf("compliance checker: %v", err)
	}
	clock := testutil.NewClock()
	return New(checker, testutil.NewTestLogger(), WithClock(clock.Now))
}

func TestResolveCreatesThenReuses(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Resolve(testutil.FixtureAdvertisement())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Created {
		t.Error("expected first resolution to create a device")
	}
	if first.Change == nil || first.Change.Previous != nil {
		t.Error("expected a creation change with no previous state")
	}
	if first.Device.DisplayName != "access-sw-01" {
		t.Errorf("expected display name access-sw-01, got %s", first.Device.DisplayName)
	}
	if first.Device.Vendor != "cisco" {
		t.Errorf("expected vendor cisco from platform, got %q", first.Device.Vendor)
	}
	if first.Device.Role != types.RoleSwitch {
		t.Errorf("expected role switch, got %s", first.Device.Role)
	}
	if first.Device.ComplianceStatus != types.ComplianceCompliant {
		t.Errorf("expected compliance check on creation, got %s", first.Device.ComplianceStatus)
	}

	later := testutil.Epoch.Add(30 * time.Second)
	second, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.ObservedAt = later
		a.RemoteChassisID = "00:00:00:00:00:01 " // normalised
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Created {
		t.Error("expected the existing device to be reused")
	}
	if second.Device.ID != first.Device.ID {
		t.Errorf("expected id %s, got %s", first.Device.ID, second.Device.ID)
	}
	if !second.Device.LastSeen.Equal(later) {
		t.Errorf("expected last seen %v, got %v", later, second.Device.LastSeen)
	}
	if second.Change != nil {
		t.Error("expected no change for a plain refresh")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 device, got %d", r.Count())
	}
}

func TestResolveWithdrawal(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("unknown chassis", func(t *testing.T) {
		res, err := r.Resolve(testutil.FixtureWithdrawal())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res != nil {
			t.Error("expected withdrawal for unknown device to resolve to nothing")
		}
		if r.Count() != 0 {
			t.Errorf("expected no device created, got %d", r.Count())
		}
	})

	t.Run("known chassis keeps last seen", func(t *testing.T) {
		created, _ := r.Resolve(testutil.FixtureAdvertisement())
		res, err := r.Resolve(testutil.FixtureWithdrawal(func(a *types.Advertisement) {
			a.ObservedAt = testutil.Epoch.Add(time.Minute)
			a.Platform = ""
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Device.ID != created.Device.ID {
			t.Errorf("expected %s, got %s", created.Device.ID, res.Device.ID)
		}
		if !res.Device.LastSeen.Equal(testutil.Epoch) {
			t.Errorf("expected last seen unchanged at %v, got %v", testutil.Epoch, res.Device.LastSeen)
		}
	})
}

func TestResolveCrossProtocol(t *testing.T) {
	r := newTestRegistry(t)

	lldp, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.RemoteChassisID = "4c:5e:0c:11:22:33"
		a.RemoteSystemName = "branch-mt-03"
		a.RemoteInterfaceID = "ether2"
		a.Platform = ""
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("same system and interface", func(t *testing.T) {
		res, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
			a.Protocol = types.ProtocolMDP
			a.RemoteChassisID = "4c:5e:0c:11:22:34"
			a.RemoteSystemName = "Branch-MT-03"
			a.RemoteInterfaceID = "ether2"
			a.Platform = "MikroTik hAP ax3"
			a.Capabilities = []types.Capability{types.CapabilityRouter}
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Created {
			t.Error("expected the lldp device to be reused")
		}
		if res.Device.ID != lldp.Device.ID {
			t.Errorf("expected %s, got %s", lldp.Device.ID, res.Device.ID)
		}
		if len(res.Device.ChassisIDs) != 2 {
			t.Errorf("expected chassis in two namespaces, got %v", res.Device.ChassisIDs)
		}
		if res.Device.Role != types.RoleRouter {
			t.Errorf("expected router role from latest capabilities, got %s", res.Device.Role)
		}
		if res.Change == nil || res.Change.Previous == nil {
			t.Error("expected an attribute change with previous state")
		}
	})

	t.Run("same chassis value", func(t *testing.T) {
		res, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
			a.Protocol = types.ProtocolCDP
			a.RemoteChassisID = "4C:5E:0C:11:22:33"
			a.RemoteSystemName = ""
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Device.ID != lldp.Device.ID {
			t.Errorf("expected %s, got %s", lldp.Device.ID, res.Device.ID)
		}
	})

	t.Run("different chassis in same namespace stays distinct", func(t *testing.T) {
		res, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
			a.RemoteChassisID = "4c:5e:0c:99:99:99"
			a.RemoteSystemName = "branch-mt-03"
			a.RemoteInterfaceID = "ether2"
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Created {
			t.Error("expected a new device for a different lldp chassis")
		}
	})
}

func TestResolveLocal(t *testing.T) {
	r := newTestRegistry(t)
	adv := testutil.FixtureAdvertisement()

	local, err := r.ResolveLocal(adv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if local.Device.DisplayName != "edge-rtr-01" {
		t.Errorf("expected local display name edge-rtr-01, got %s", local.Device.DisplayName)
	}
	if !local.Device.HasChassis(types.ChassisKey{Protocol: types.ProtocolLLDP, ID: "00:00:00:00:00:aa"}) {
		t.Errorf("expected local chassis key, got %v", local.Device.ChassisIDs)
	}

	// The router's own advertisement seen from the switch resolves to the same device.
	remote, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.RemoteChassisID = "00:00:00:00:00:AA"
		a.RemoteSystemName = "edge-rtr-01"
		a.RemoteInterfaceID = "ge-0/0/1"
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remote.Device.ID != local.Device.ID {
		t.Errorf("expected %s, got %s", local.Device.ID, remote.Device.ID)
	}

	if _, err := r.ResolveLocal(types.Advertisement{Protocol: types.ProtocolLLDP}); err == nil {
		t.Error("expected error for advertisement without local identity")
	}
}

func TestIdentityConflict(t *testing.T) {
	r := newTestRegistry(t)

	for _, mac := range []string{"4c:5e:0c:00:00:01", "4c:5e:0c:00:00:02"} {
		if _, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
			a.Protocol = types.ProtocolMDP
			a.RemoteChassisID = mac
			a.RemoteSystemName = "MikroTik"
			a.RemoteInterfaceID = "ether1"
		})); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if r.Count() != 2 {
		t.Fatalf("expected two factory-default devices, got %d", r.Count())
	}

	res, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.RemoteChassisID = "cc"
		a.RemoteSystemName = "MikroTik"
		a.RemoteInterfaceID = "ether1"
	}))
	var ice *IdentityConflictError
	if !errors.As(err, &ice) {
		t.Fatalf("expected *IdentityConflictError, got %v", err)
	}
	if len(ice.Candidates) != 2 {
		t.Errorf("expected 2 candidates, got %v", ice.Candidates)
	}
	if res == nil || !res.Created || !res.Device.NeedsReview {
		t.Fatal("expected a distinct review-flagged device")
	}
	if r.Count() != 3 {
		t.Errorf("expected entities kept distinct, got %d devices", r.Count())
	}

	reviewed, err := r.MarkReviewed(res.Device.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reviewed.NeedsReview {
		t.Error("expected review flag cleared")
	}
	if _, err := r.MarkReviewed("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSharedChassisAutoMerge(t *testing.T) {
	r := newTestRegistry(t)
	older := testutil.FixtureDevice(func(d *types.Device) {
		d.ID = "dev-old"
		d.ChassisIDs = []types.ChassisKey{{Protocol: types.ProtocolLLDP, ID: "aa"}}
		d.DisplayName = ""
	})
	newer := testutil.FixtureDevice(func(d *types.Device) {
		d.ID = "dev-new"
		d.ChassisIDs = []types.ChassisKey{{Protocol: types.ProtocolMDP, ID: "aa"}}
		d.DisplayName = "core-mt"
		d.FirstSeen = testutil.Epoch.Add(time.Hour)
	})
	r.Restore([]types.Device{*newer, *older}, nil)

	res, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.Protocol = types.ProtocolMDP
		a.RemoteChassisID = "aa"
		a.RemoteSystemName = ""
		a.ObservedAt = testutil.Epoch.Add(2 * time.Hour)
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Merges) != 1 {
		t.Fatalf("expected one merge, got %d", len(res.Merges))
	}
	if res.Merges[0].SurvivorID != "dev-old" || res.Merges[0].AbsorbedID != "dev-new" {
		t.Errorf("expected dev-new absorbed into dev-old, got %+v", res.Merges[0])
	}
	if res.Device.ID != "dev-old" {
		t.Errorf("expected survivor dev-old, got %s", res.Device.ID)
	}
	if res.Device.DisplayName != "core-mt" {
		t.Errorf("expected blank attributes filled from absorbed device, got %q", res.Device.DisplayName)
	}
	if got := r.Canonical("dev-new"); got != "dev-old" {
		t.Errorf("expected alias to survivor, got %s", got)
	}
	if d, ok := r.Lookup("dev-new"); !ok || d.ID != "dev-old" {
		t.Error("expected lookup by absorbed id to reach the survivor")
	}
}

func TestMerge(t *testing.T) {
	r := newTestRegistry(t)
	a := testutil.FixtureDevice(func(d *types.Device) {
		d.ID = "b-device"
		d.ChassisIDs = []types.ChassisKey{{Protocol: types.ProtocolLLDP, ID: "aa"}}
	})
	b := testutil.FixtureDevice(func(d *types.Device) {
		d.ID = "a-device"
		d.ChassisIDs = []types.ChassisKey{{Protocol: types.ProtocolCDP, ID: "sw1"}}
		d.LastSeen = testutil.Epoch.Add(time.Hour)
		d.NeedsReview = true
	})
	r.Restore([]types.Device{*a, *b}, nil)

	res, err := r.Merge("b-device", "a-device")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// equal first seen: the smaller id survives
	if res.Device.ID != "a-device" {
		t.Errorf("expected survivor a-device, got %s", res.Device.ID)
	}
	if len(res.Device.ChassisIDs) != 2 {
		t.Errorf("expected chassis union, got %v", res.Device.ChassisIDs)
	}
	if !res.Device.LastSeen.Equal(testutil.Epoch.Add(time.Hour)) {
		t.Errorf("expected latest last seen, got %v", res.Device.LastSeen)
	}
	if res.Device.NeedsReview {
		t.Error("expected operator merge to clear the review flag")
	}

	again, err := r.Merge("a-device", "b-device")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again.Merges) != 0 {
		t.Error("expected second merge to be a no-op")
	}
	if len(r.Merges()) != 1 {
		t.Errorf("expected 1 merge record, got %d", len(r.Merges()))
	}

	if _, err := r.Merge("a-device", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDetach(t *testing.T) {
	r := newTestRegistry(t)
	d := testutil.FixtureDevice(func(d *types.Device) {
		d.ID = "dev-1"
		d.ChassisIDs = []types.ChassisKey{
			{Protocol: types.ProtocolLLDP, ID: "aa"},
			{Protocol: types.ProtocolMDP, ID: "aa"},
		}
	})
	r.Restore([]types.Device{*d}, nil)

	key := types.ChassisKey{Protocol: types.ProtocolMDP, ID: "aa"}
	res, err := r.Detach("dev-1", key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || !res.Device.HasChassis(key) {
		t.Fatalf("expected new device owning %s", key)
	}
	orig, _ := r.Lookup("dev-1")
	if orig.HasChassis(key) {
		t.Error("expected key removed from original device")
	}

	// The shared value must not re-merge the operator's split.
	again, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.Protocol = types.ProtocolMDP
		a.RemoteChassisID = "aa"
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again.Merges) != 0 {
		t.Error("expected detached devices to stay apart")
	}
	if again.Device.ID != res.Device.ID {
		t.Errorf("expected %s, got %s", res.Device.ID, again.Device.ID)
	}

	if _, err := r.Detach(res.Device.ID, key); err == nil {
		t.Error("expected error detaching the only chassis identity")
	}
}

func TestComplianceOnAttributeChange(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.SoftwareVersion = "12.2(55)SE"
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Device.ComplianceStatus != types.ComplianceNoncompliant {
		t.Errorf("expected noncompliant, got %s", first.Device.ComplianceStatus)
	}

	upgraded, err := r.Resolve(testutil.FixtureAdvertisement(func(a *types.Advertisement) {
		a.ObservedAt = testutil.Epoch.Add(time.Minute)
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upgraded.Device.ComplianceStatus != types.ComplianceCompliant {
		t.Errorf("expected compliant after upgrade, got %s", upgraded.Device.ComplianceStatus)
	}
	if upgraded.Change == nil || upgraded.Change.Previous.ComplianceStatus != types.ComplianceNoncompliant {
		t.Error("expected change carrying the previous compliance status")
	}
}

func TestFind(t *testing.T) {
	r := newTestRegistry(t)
	created, _ := r.Resolve(testutil.FixtureAdvertisement())

	if d, ok := r.FindByChassisValue("00:00:00:00:00:01"); !ok || d.ID != created.Device.ID {
		t.Error("expected lookup by chassis value")
	}
	if d, ok := r.FindByName("ACCESS-SW-01"); !ok || d.ID != created.Device.ID {
		t.Error("expected case-insensitive lookup by name")
	}
	if _, ok := r.FindByName("unknown"); ok {
		t.Error("expected no match")
	}
}
