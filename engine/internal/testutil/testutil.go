// Package testutil provides testing utilities and fixtures for the engine.
//
// This package contains:
//   - Test helper functions (loggers, a manual clock)
//   - Fixture factories for domain types (advertisements, devices, links, anomalies, incidents)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	adv := testutil.FixtureAdvertisement()
//	adv := testutil.FixtureAdvertisement(func(a *types.Advertisement) {
//		a.RemoteChassisID = "c1"
//		a.TTLSeconds = 0
//	})
package testutil

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pilot-net/topomon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Epoch is the fixed start time used by fixtures and Clock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// CLOCK
// =============================================================================

// Clock is a manually advanced clock. Its Now method satisfies the
// `now func() time.Time` hooks the engine components accept.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// =============================================================================
// ADVERTISEMENT FIXTURES
// =============================================================================

// FixtureAdvertisement creates an LLDP advertisement from switch "access-sw-01"
// (chassis 00:00:00:00:00:01, port eth0) received on "edge-rtr-01" ge-0/0/1.
func FixtureAdvertisement(overrides ...func(*types.Advertisement)) types.Advertisement {
	adv := types.Advertisement{
		Protocol:          types.ProtocolLLDP,
		SourceInterface:   "ge-0/0/1",
		LocalChassisID:    "00:00:00:00:00:aa",
		LocalSystemName:   "edge-rtr-01",
		RemoteChassisID:   "00:00:00:00:00:01",
		RemoteInterfaceID: "eth0",
		RemoteSystemName:  "access-sw-01",
		Platform:          "cisco WS-C2960X-48FPD-L",
		SoftwareVersion:   "15.2(7)E4",
		Capabilities:      []types.Capability{types.CapabilityBridge},
		TTLSeconds:        120,
		ObservedAt:        Epoch,
	}

	for _, override := range overrides {
		override(&adv)
	}

	return adv
}

// FixtureWithdrawal creates a TTL=0 LLDP advertisement for the default pair.
func FixtureWithdrawal(overrides ...func(*types.Advertisement)) types.Advertisement {
	return FixtureAdvertisement(append([]func(*types.Advertisement){
		func(a *types.Advertisement) {
			a.TTLSeconds = 0
		},
	}, overrides...)...)
}

// =============================================================================
// DEVICE FIXTURES
// =============================================================================

// FixtureDevice creates a test device with sensible defaults.
func FixtureDevice(overrides ...func(*types.Device)) *types.Device {
	device := &types.Device{
		ID:               uuid.New().String(),
		ChassisIDs:       []types.ChassisKey{{Protocol: types.ProtocolLLDP, ID: "00:00:00:00:00:01"}},
		DisplayName:      "access-sw-01",
		Vendor:           "cisco",
		Platform:         "cisco WS-C2960X-48FPD-L",
		Software:         "15.2(7)E4",
		Role:             types.RoleSwitch,
		Capabilities:     []types.Capability{types.CapabilityBridge},
		FirstSeen:        Epoch,
		LastSeen:         Epoch,
		ComplianceStatus: types.ComplianceCompliant,
		ComplianceScore:  100,
	}

	for _, override := range overrides {
		override(device)
	}

	return device
}

// FixtureDeviceNoncompliant creates a device failing the patch level category.
func FixtureDeviceNoncompliant(overrides ...func(*types.Device)) *types.Device {
	return FixtureDevice(append([]func(*types.Device){
		func(d *types.Device) {
			d.Software = "12.2(55)SE"
			d.ComplianceStatus = types.ComplianceNoncompliant
			d.ComplianceScore = 50
			d.ComplianceViolations = []string{"Security Patch Level"}
		},
	}, overrides...)...)
}

// =============================================================================
// LINK FIXTURES
// =============================================================================

// FixtureLink creates an active L2 link between two devices.
func FixtureLink(deviceA, deviceB string, overrides ...func(*types.Link)) *types.Link {
	link := &types.Link{
		ID:         uuid.New().String(),
		DeviceA:    deviceA,
		InterfaceA: "eth0",
		DeviceB:    deviceB,
		InterfaceB: "eth1",
		Layer:      types.LayerL2,
		Protocols:  []types.Protocol{types.ProtocolLLDP},
		FirstSeen:  Epoch,
		LastSeen:   Epoch,
		ExpiresAt:  Epoch.Add(120 * time.Second),
	}

	for _, override := range overrides {
		override(link)
	}

	return link
}

// FixtureLinkStale creates a link marked stale at Epoch.
func FixtureLinkStale(deviceA, deviceB string, overrides ...func(*types.Link)) *types.Link {
	return FixtureLink(deviceA, deviceB, append([]func(*types.Link){
		func(l *types.Link) {
			l.Stale = true
			l.StaleSince = Ptr(Epoch)
		},
	}, overrides...)...)
}

// =============================================================================
// ANOMALY & INCIDENT FIXTURES
// =============================================================================

// FixtureAnomaly creates a warning-level topology change anomaly.
func FixtureAnomaly(overrides ...func(*types.Anomaly)) *types.Anomaly {
	anomaly := &types.Anomaly{
		ID:         uuid.New().String(),
		Kind:       types.AnomalyTopologyChange,
		Severity:   types.SeverityWarning,
		Title:      "link went stale",
		PrimaryKey: "link-" + uuid.New().String()[:8],
		DetectedAt: Epoch,
	}

	for _, override := range overrides {
		override(anomaly)
	}

	return anomaly
}

// FixtureIncident creates an open incident with one originating anomaly.
func FixtureIncident(overrides ...func(*types.Incident)) *types.Incident {
	anomalyID := uuid.New().String()
	incident := &types.Incident{
		ID:                    uuid.New().String(),
		DedupKey:              "topology_change:link-1",
		Title:                 "link went stale",
		Kind:                  types.AnomalyTopologyChange,
		Status:                types.IncidentOpen,
		Severity:              types.SeverityWarning,
		OriginatingAnomalyIDs: []string{anomalyID},
		OpenedAt:              Epoch,
		Revision:              1,
		Timeline: []types.StatusChange{
			{To: types.IncidentOpen, At: Epoch, Cause: "anomaly " + anomalyID, Actor: "system"},
		},
	}

	for _, override := range overrides {
		override(incident)
	}

	return incident
}

// FixtureMetricSample creates an inbound octet-rate sample.
func FixtureMetricSample(deviceID string, value float64, overrides ...func(*types.MetricSample)) types.MetricSample {
	sample := types.MetricSample{
		DeviceID:  deviceID,
		Interface: "eth0",
		Metric:    "if_in_bps",
		Value:     value,
		At:        Epoch,
	}

	for _, override := range overrides {
		override(&sample)
	}

	return sample
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
