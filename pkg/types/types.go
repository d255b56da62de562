// Package types contains shared types used by both the engine and the collector.
//
// # Discovery Model
//
// Collectors deliver decoded discovery frames (LLDP, CDP, MDP) tagged with the
// receiving interface. The engine normalizes each frame into an Advertisement,
// resolves both ends to canonical Devices, and maintains Links between them.
//
//	collector ──Frame──▶ normalize ──Advertisement──▶ registry ──▶ topology ──Delta──▶ anomaly ──▶ incident
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// PROTOCOLS & CAPABILITIES
// =============================================================================

// Protocol identifies a link-layer neighbour discovery protocol.
type Protocol string

const (
	ProtocolLLDP Protocol = "lldp" // IEEE 802.1AB
	ProtocolCDP  Protocol = "cdp"  // Cisco Discovery Protocol
	ProtocolMDP  Protocol = "mdp"  // MikroTik Neighbor Discovery (MNDP)
)

// AllProtocols lists the supported protocols in a stable order.
var AllProtocols = []Protocol{ProtocolLLDP, ProtocolCDP, ProtocolMDP}

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolLLDP, ProtocolCDP, ProtocolMDP:
		return true
	}
	return false
}

// Capability is a neutral device capability derived from protocol capability bits.
type Capability string

const (
	CapabilityRouter    Capability = "router"
	CapabilityBridge    Capability = "bridge"
	CapabilityStation   Capability = "station"
	CapabilityWLAN      Capability = "wlan_ap"
	CapabilityTelephone Capability = "telephone"
	CapabilityRepeater  Capability = "repeater"
	CapabilityDOCSIS    Capability = "docsis"
	CapabilityOther     Capability = "other"
)

// Layer classifies a link as switched (L2) or routed (L3).
type Layer string

const (
	LayerL2 Layer = "l2"
	LayerL3 Layer = "l3"
)

// ParseLayer parses a query-string layer value. Empty means "any layer".
func ParseLayer(s string) (Layer, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "l2", "2":
		return LayerL2, nil
	case "l3", "3":
		return LayerL3, nil
	}
	return "", fmt.Errorf("invalid layer %q", s)
}

// =============================================================================
// FRAMES & ADVERTISEMENTS
// =============================================================================

// Frame is a decoded discovery PDU as delivered by a collector.
type Frame struct {
	Protocol        Protocol  `json:"protocol"`
	Interface       string    `json:"interface"`                   // Receiving interface on the local device
	LocalChassisID  string    `json:"local_chassis_id,omitempty"`  // Chassis of the receiving device
	LocalSystemName string    `json:"local_system_name,omitempty"` // sysName of the receiving device
	CollectorID     string    `json:"collector_id,omitempty"`
	Payload         []byte    `json:"payload"` // Raw PDU bytes (base64 in JSON)
	ReceivedAt      time.Time `json:"received_at"`
}

// FrameBatch is the unit of transfer from collector to engine.
type FrameBatch struct {
	CollectorID string    `json:"collector_id"`
	BatchID     string    `json:"batch_id"`
	Frames      []Frame   `json:"frames"`
	CreatedAt   time.Time `json:"created_at"`
}

// Advertisement is the protocol-neutral view of one neighbour announcement.
// It is ephemeral and never persisted.
type Advertisement struct {
	Protocol        Protocol `json:"protocol"`
	SourceInterface string   `json:"source_interface"`

	// Receiving side, as reported by the collector.
	LocalChassisID  string `json:"local_chassis_id,omitempty"`
	LocalSystemName string `json:"local_system_name,omitempty"`

	RemoteChassisID   string `json:"remote_chassis_id"`
	RemoteInterfaceID string `json:"remote_interface_id"`
	RemoteSystemName  string `json:"remote_system_name,omitempty"`

	// Optional remote attributes
	Platform          string   `json:"platform,omitempty"`
	SoftwareVersion   string   `json:"software_version,omitempty"`
	SystemDescription string   `json:"system_description,omitempty"`
	Addresses         []string `json:"addresses,omitempty"`

	Capabilities []Capability `json:"capabilities,omitempty"`
	TTLSeconds   int          `json:"ttl_seconds"`
	ObservedAt   time.Time    `json:"observed_at"`
}

// IsWithdrawal reports whether the advertisement withdraws the neighbour.
func (a Advertisement) IsWithdrawal() bool {
	return a.TTLSeconds == 0
}

// TTL returns the advertised hold time.
func (a Advertisement) TTL() time.Duration {
	return time.Duration(a.TTLSeconds) * time.Second
}

// HasCapability reports whether the remote advertised capability c.
func (a Advertisement) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Routed reports whether the remote end advertised routing.
func (a Advertisement) Routed() bool {
	return a.HasCapability(CapabilityRouter)
}

// =============================================================================
// DEVICES
// =============================================================================

// ChassisKey is a chassis identity within one protocol namespace.
type ChassisKey struct {
	Protocol Protocol `json:"protocol"`
	ID       string   `json:"id"`
}

func (k ChassisKey) String() string {
	return string(k.Protocol) + "/" + k.ID
}

// ParseChassisKey parses the "protocol/id" form produced by String.
func ParseChassisKey(s string) (ChassisKey, error) {
	proto, id, ok := strings.Cut(s, "/")
	if !ok || id == "" || !Protocol(proto).Valid() {
		return ChassisKey{}, fmt.Errorf("invalid chassis key %q", s)
	}
	return ChassisKey{Protocol: Protocol(proto), ID: id}, nil
}

// DeviceRole is the functional role inferred from capabilities.
type DeviceRole string

const (
	RoleRouter  DeviceRole = "router"
	RoleSwitch  DeviceRole = "switch"
	RoleHost    DeviceRole = "host"
	RoleUnknown DeviceRole = "unknown"
)

// RoleFromCapabilities infers a role. Router wins over bridge.
func RoleFromCapabilities(caps []Capability) DeviceRole {
	role := RoleUnknown
	for _, c := range caps {
		switch c {
		case CapabilityRouter:
			return RoleRouter
		case CapabilityBridge, CapabilityRepeater, CapabilityWLAN:
			role = RoleSwitch
		case CapabilityStation, CapabilityTelephone:
			if role == RoleUnknown {
				role = RoleHost
			}
		}
	}
	return role
}

// ComplianceStatus is the result of the last compliance evaluation.
type ComplianceStatus string

const (
	ComplianceUnknown      ComplianceStatus = "unknown"
	ComplianceCompliant    ComplianceStatus = "compliant"
	ComplianceNoncompliant ComplianceStatus = "noncompliant"
)

// Device is a canonical network device. One device may be known under several
// chassis identities, one per protocol namespace it was observed in.
type Device struct {
	ID          string       `json:"id"`
	ChassisIDs  []ChassisKey `json:"chassis_ids"`
	DisplayName string       `json:"display_name"`
	Vendor      string       `json:"vendor,omitempty"`
	Platform    string       `json:"platform,omitempty"`
	Software    string       `json:"software_version,omitempty"`
	Role        DeviceRole   `json:"role"`

	Capabilities []Capability `json:"capabilities,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Compliance
	ComplianceStatus     ComplianceStatus `json:"compliance_status"`
	ComplianceScore      float64          `json:"compliance_score"`
	ComplianceViolations []string         `json:"compliance_violations,omitempty"`

	// Identity review (set when resolution was ambiguous)
	NeedsReview  bool   `json:"needs_review,omitempty"`
	ReviewReason string `json:"review_reason,omitempty"`
}

// HasChassis reports whether the device owns the chassis key.
func (d *Device) HasChassis(k ChassisKey) bool {
	for _, have := range d.ChassisIDs {
		if have == k {
			return true
		}
	}
	return false
}

// ChassisIn returns the device's chassis id in protocol p, if any.
func (d *Device) ChassisIn(p Protocol) (string, bool) {
	for _, k := range d.ChassisIDs {
		if k.Protocol == p {
			return k.ID, true
		}
	}
	return "", false
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	d.ChassisIDs = append([]ChassisKey(nil), d.ChassisIDs...)
	d.Capabilities = append([]Capability(nil), d.Capabilities...)
	d.ComplianceViolations = append([]string(nil), d.ComplianceViolations...)
	return d
}

// SortChassis orders chassis keys by protocol then id.
func SortChassis(keys []ChassisKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Protocol != keys[j].Protocol {
			return keys[i].Protocol < keys[j].Protocol
		}
		return keys[i].ID < keys[j].ID
	})
}

// DeviceChange describes a device creation (Previous == nil) or an attribute change.
type DeviceChange struct {
	Previous *Device `json:"previous,omitempty"`
	Current  Device  `json:"current"`
}

// MergeRecord is the audit record of one effective device merge.
type MergeRecord struct {
	SurvivorID string    `json:"survivor_id"`
	AbsorbedID string    `json:"absorbed_id"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason"`
}

// =============================================================================
// LINKS & SNAPSHOTS
// =============================================================================

// Link is an undirected adjacency between two device interfaces.
// DeviceA/InterfaceA is always the lexically smaller endpoint.
type Link struct {
	ID         string `json:"id"`
	DeviceA    string `json:"device_a"`
	InterfaceA string `json:"interface_a"`
	DeviceB    string `json:"device_b"`
	InterfaceB string `json:"interface_b"`
	Layer      Layer  `json:"layer"`

	Protocols []Protocol `json:"protocols"`

	// Latest routed capability seen from each endpoint
	RoutedA bool `json:"routed_a"`
	RoutedB bool `json:"routed_b"`

	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Stale      bool       `json:"stale"`
	StaleSince *time.Time `json:"stale_since,omitempty"`
}

// Touches reports whether the link has deviceID as an endpoint.
func (l *Link) Touches(deviceID string) bool {
	return l.DeviceA == deviceID || l.DeviceB == deviceID
}

// Other returns the endpoint opposite deviceID and both interfaces as seen from deviceID.
func (l *Link) Other(deviceID string) (peer, localIface, peerIface string) {
	if l.DeviceA == deviceID {
		return l.DeviceB, l.InterfaceA, l.InterfaceB
	}
	return l.DeviceA, l.InterfaceB, l.InterfaceA
}

// Clone returns a deep copy.
func (l Link) Clone() Link {
	l.Protocols = append([]Protocol(nil), l.Protocols...)
	if l.StaleSince != nil {
		t := *l.StaleSince
		l.StaleSince = &t
	}
	return l
}

// Snapshot is an immutable, consistent point-in-time view of the topology.
type Snapshot struct {
	Version uint64    `json:"version"`
	Devices []Device  `json:"devices"`
	Links   []Link    `json:"links"`
	TakenAt time.Time `json:"taken_at"`
}

// Device returns the device with the given id.
func (s *Snapshot) Device(id string) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// LinksOf returns all links (stale included) touching deviceID.
func (s *Snapshot) LinksOf(deviceID string) []Link {
	var out []Link
	for _, l := range s.Links {
		if l.Touches(deviceID) {
			out = append(out, l)
		}
	}
	return out
}

// Delta is the set of changes produced by one graph mutation.
type Delta struct {
	Created       []Link         `json:"created,omitempty"`
	Updated       []Link         `json:"updated,omitempty"`
	Removed       []Link         `json:"removed,omitempty"`
	DeviceChanges []DeviceChange `json:"device_changes,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0 && len(d.DeviceChanges) == 0
}

// Significant reports whether the delta contains anything beyond plain refreshes
// of active links, i.e. anything the anomaly rules can act on.
func (d Delta) Significant() bool {
	if len(d.Removed) > 0 || len(d.DeviceChanges) > 0 {
		return true
	}
	for _, l := range d.Updated {
		if l.Stale {
			return true
		}
	}
	return false
}

// Merge appends other into d.
func (d *Delta) Merge(other Delta) {
	d.Created = append(d.Created, other.Created...)
	d.Updated = append(d.Updated, other.Updated...)
	d.Removed = append(d.Removed, other.Removed...)
	d.DeviceChanges = append(d.DeviceChanges, other.DeviceChanges...)
}

// =============================================================================
// METRICS FEED
// =============================================================================

// MetricSample is one performance/traffic observation for a device interface.
// DeviceID may be empty when the collector only knows the chassis or sysName;
// the engine resolves it through the registry.
type MetricSample struct {
	DeviceID   string    `json:"device_id,omitempty"`
	ChassisID  string    `json:"chassis_id,omitempty"`
	SystemName string    `json:"system_name,omitempty"`
	Interface  string    `json:"interface"`
	Metric     string    `json:"metric"` // e.g. "if_in_bps"
	Value      float64   `json:"value"`
	At         time.Time `json:"at"`
}

// SeriesKey identifies the baseline a sample belongs to.
func (m MetricSample) SeriesKey() string {
	return m.DeviceID + "|" + m.Interface + "|" + m.Metric
}

// MetricBatch is the unit of transfer for metric samples.
type MetricBatch struct {
	CollectorID string         `json:"collector_id"`
	Samples     []MetricSample `json:"samples"`
	CreatedAt   time.Time      `json:"created_at"`
}
