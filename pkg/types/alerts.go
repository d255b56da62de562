// Package types - Anomalies and incidents
//
// # Incident Design
//
// The anomaly detector emits immutable Anomaly records. The incident orchestrator
// groups anomalies by deduplication key into Incidents and drives them through
//
//	Open → Acknowledged → Mitigating → Resolved → Closed
//	          Resolved → Open (reopen, only by a new anomaly within the cooldown)
//
// Every change to an incident appends a StatusChange to its timeline. The timeline
// is append-only and is the audit trail consumers use to deduplicate notifications
// (incident id + timeline length).
package types

import (
	"time"
)

// =============================================================================
// SEVERITY
// =============================================================================

// Severity levels shared by anomalies and incidents.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Level returns numeric level for comparison (higher = more severe).
func (s Severity) Level() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the more severe of a and b. Ties keep a.
func MaxSeverity(a, b Severity) Severity {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

// =============================================================================
// ANOMALIES
// =============================================================================

// AnomalyKind classifies an anomaly.
type AnomalyKind string

const (
	AnomalyTopologyChange  AnomalyKind = "topology_change"
	AnomalyTrafficSpike    AnomalyKind = "traffic_spike"
	AnomalyDeviceDown      AnomalyKind = "device_down"
	AnomalyComplianceDrift AnomalyKind = "compliance_drift"
)

// Anomaly is a single detection. Anomalies are immutable once created; a repeat
// detection of the same condition is a new record pointing at the previous one.
type Anomaly struct {
	ID       string      `json:"id"`
	Kind     AnomalyKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Title    string      `json:"title"`

	// PrimaryKey is the device or link id the anomaly is about.
	PrimaryKey string `json:"primary_key"`

	Evidence map[string]any `json:"evidence,omitempty"`

	RelatedDeviceIDs []string `json:"related_device_ids,omitempty"`
	RelatedLinkIDs   []string `json:"related_link_ids,omitempty"`

	Supersedes string    `json:"supersedes,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// DedupKey returns the incident deduplication key: kind + primary device or link.
func (a *Anomaly) DedupKey() string {
	return string(a.Kind) + ":" + a.PrimaryKey
}

// BlastRadius is the number of devices and links the anomaly touches.
func (a *Anomaly) BlastRadius() int {
	return len(a.RelatedDeviceIDs) + len(a.RelatedLinkIDs)
}

// =============================================================================
// INCIDENTS
// =============================================================================

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentMitigating   IncidentStatus = "mitigating"
	IncidentResolved     IncidentStatus = "resolved"
	IncidentClosed       IncidentStatus = "closed"
)

// Active reports whether new anomalies for the key are absorbed by the incident.
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentAcknowledged || s == IncidentMitigating
}

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentOpen, IncidentAcknowledged, IncidentMitigating, IncidentResolved, IncidentClosed:
		return true
	}
	return false
}

// StatusChange is one timeline entry. From == To records a non-status event
// (escalation, assignment) in the same audit trail.
type StatusChange struct {
	From  IncidentStatus `json:"from"`
	To    IncidentStatus `json:"to"`
	At    time.Time      `json:"at"`
	Cause string         `json:"cause"`
	Actor string         `json:"actor,omitempty"`
}

// Note is a free-text operator note on an incident.
type Note struct {
	At     time.Time `json:"at"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
}

// Incident tracks an underlying problem across repeated anomaly detections.
type Incident struct {
	ID       string         `json:"id"`
	DedupKey string         `json:"dedup_key"`
	Title    string         `json:"title"`
	Kind     AnomalyKind    `json:"kind"`
	Status   IncidentStatus `json:"status"`
	Severity Severity       `json:"severity"`

	OriginatingAnomalyIDs []string `json:"originating_anomaly_ids"`
	Assignee              string   `json:"assignee,omitempty"`

	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`

	Timeline []StatusChange `json:"timeline"`
	Notes    []Note         `json:"notes,omitempty"`

	// Revision increases on every change to the incident.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy.
func (i Incident) Clone() Incident {
	i.OriginatingAnomalyIDs = append([]string(nil), i.OriginatingAnomalyIDs...)
	i.Timeline = append([]StatusChange(nil), i.Timeline...)
	i.Notes = append([]Note(nil), i.Notes...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		i.ResolvedAt = &t
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		i.ClosedAt = &t
	}
	return i
}

// IncidentFilter for listing incidents.
type IncidentFilter struct {
	Status   []IncidentStatus `json:"status,omitempty"`
	Severity []Severity       `json:"severity,omitempty"`
	Limit    int              `json:"limit,omitempty"`
}

// Matches reports whether inc passes the filter (Limit is applied by the caller).
func (f IncidentFilter) Matches(inc *Incident) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if inc.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Severity) > 0 {
		ok := false
		for _, s := range f.Severity {
			if inc.Severity == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// IncidentEventType is the kind of notification emitted for an incident.
type IncidentEventType string

const (
	EventIncidentCreated      IncidentEventType = "incident.created"
	EventIncidentEscalated    IncidentEventType = "incident.escalated"
	EventIncidentAcknowledged IncidentEventType = "incident.acknowledged"
	EventIncidentMitigating   IncidentEventType = "incident.mitigating"
	EventIncidentResolved     IncidentEventType = "incident.resolved"
	EventIncidentReopened     IncidentEventType = "incident.reopened"
	EventIncidentClosed       IncidentEventType = "incident.closed"
	EventIncidentUpdated      IncidentEventType = "incident.updated"
)

// IncidentEvent is delivered at-least-once to notification consumers.
// Consumers deduplicate on (IncidentID, Revision).
type IncidentEvent struct {
	Type           IncidentEventType `json:"type"`
	IncidentID     string            `json:"incident_id"`
	Revision       uint64            `json:"revision"`
	TimelineLength int               `json:"timeline_length"`
	Status         IncidentStatus    `json:"status"`
	Severity       Severity          `json:"severity"`
	Incident       Incident          `json:"incident"`
	At             time.Time         `json:"at"`
}
