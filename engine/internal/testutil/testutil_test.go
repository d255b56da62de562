package testutil

import (
	"testing"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
)

func TestClock(t *testing.T) {
	c := NewClock()
	if !c.Now().Equal(Epoch) {
		t.Errorf("expected clock to start at epoch, got %v", c.Now())
	}
	got := c.Advance(90 * time.Second)
	if !got.Equal(Epoch.Add(90 * time.Second)) {
		t.Errorf("expected advanced time, got %v", got)
	}
	c.Set(Epoch)
	if !c.Now().Equal(Epoch) {
		t.Errorf("expected clock reset to epoch, got %v", c.Now())
	}
}

func TestFixtureAdvertisement(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		adv := FixtureAdvertisement()
		if adv.IsWithdrawal() {
			t.Error("expected default advertisement to carry a ttl")
		}
		if adv.Protocol != types.ProtocolLLDP {
			t.Errorf("expected protocol lldp, got %s", adv.Protocol)
		}
	})

	t.Run("withdrawal variant", func(t *testing.T) {
		adv := FixtureWithdrawal()
		if !adv.IsWithdrawal() {
			t.Error("expected withdrawal")
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		adv := FixtureAdvertisement(func(a *types.Advertisement) {
			a.RemoteChassisID = "c1"
		})
		if adv.RemoteChassisID != "c1" {
			t.Errorf("expected chassis 'c1', got %s", adv.RemoteChassisID)
		}
	})
}

func TestFixtureDevice(t *testing.T) {
	d := FixtureDevice()
	if d.ID == "" {
		t.Error("expected device to have ID")
	}
	if len(d.ChassisIDs) != 1 {
		t.Errorf("expected one chassis id, got %d", len(d.ChassisIDs))
	}

	nc := FixtureDeviceNoncompliant()
	if nc.ComplianceStatus != types.ComplianceNoncompliant {
		t.Errorf("expected status %s, got %s", types.ComplianceNoncompliant, nc.ComplianceStatus)
	}
}

func TestFixtureLinkStale(t *testing.T) {
	l := FixtureLinkStale("a", "b")
	if !l.Stale || l.StaleSince == nil {
		t.Error("expected stale link with stale_since")
	}
	if !l.Touches("a") || !l.Touches("b") {
		t.Error("expected link to touch both endpoints")
	}
}
