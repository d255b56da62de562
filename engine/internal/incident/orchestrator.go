// Package incident turns anomalies into tracked incidents and drives their
// response workflow.
//
// # Lifecycle
//
//	Open → Acknowledged → Mitigating → Resolved → Closed
//
// Resolved → Open happens only through Ingest, when an anomaly for the same
// dedup key arrives within the reopen cooldown. Nothing leaves Closed.
//
// # Locking
//
// The index (dedup key and id maps) has its own mutex; each incident entry has
// another. The index lock is always taken before an entry lock. Status and
// timeline are mutated together under the entry lock so they never disagree.
package incident

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/topomon/pkg/types"
)

// EventSink receives incident events. Publish must not block.
type EventSink interface {
	Publish(event types.IncidentEvent)
}

// Config holds orchestrator settings.
type Config struct {
	// ReopenCooldown is how long after resolution a repeat anomaly reopens the
	// incident instead of opening a new one.
	ReopenCooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReopenCooldown: 15 * time.Minute,
	}
}

// Outcome describes what Ingest did with an anomaly.
type Outcome struct {
	Incident  types.Incident
	Created   bool
	Reopened  bool
	Escalated bool
}

// next lists the only status each status may move to through Transition.
var next = map[types.IncidentStatus]types.IncidentStatus{
	types.IncidentOpen:         types.IncidentAcknowledged,
	types.IncidentAcknowledged: types.IncidentMitigating,
	types.IncidentMitigating:   types.IncidentResolved,
	types.IncidentResolved:     types.IncidentClosed,
}

type entry struct {
	mu  sync.Mutex
	inc types.Incident
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSink sets the event sink.
func WithSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// Orchestrator owns all incidents.
type Orchestrator struct {
	cfg    Config
	now    func() time.Time
	sink   EventSink
	logger *slog.Logger

	mu    sync.RWMutex
	byID  map[string]*entry
	byKey map[string]*entry // latest incident per dedup key
	order []*entry
}

// New creates an orchestrator.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.ReopenCooldown <= 0 {
		cfg.ReopenCooldown = DefaultConfig().ReopenCooldown
	}
	o := &Orchestrator{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "incident_orchestrator"),
		byID:   make(map[string]*entry),
		byKey:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Ingest absorbs an anomaly into the incident for its dedup key, reopening or
// creating one as needed.
func (o *Orchestrator) Ingest(a types.Anomaly) (*Outcome, error) {
	if a.ID == "" || a.PrimaryKey == "" {
		return nil, fmt.Errorf("ingest anomaly: id and primary key are required")
	}
	key := a.DedupKey()
	now := o.now()

	o.mu.Lock()
	var (
		out   *Outcome
		event types.IncidentEventType
	)
	if e := o.byKey[key]; e != nil {
		e.mu.Lock()
		switch {
		case e.inc.Status.Active():
			event = o.absorbLocked(e, a, now)
			out = &Outcome{Incident: e.inc.Clone(), Escalated: event == types.EventIncidentEscalated}
		case e.inc.Status == types.IncidentResolved && e.inc.ResolvedAt != nil &&
			now.Sub(*e.inc.ResolvedAt) <= o.cfg.ReopenCooldown:
			o.reopenLocked(e, a, now)
			event = types.EventIncidentReopened
			out = &Outcome{Incident: e.inc.Clone(), Reopened: true}
		}
		e.mu.Unlock()
	}
	if out == nil {
		e := o.createLocked(a, now)
		event = types.EventIncidentCreated
		out = &Outcome{Incident: e.inc.Clone(), Created: true}
	}
	o.mu.Unlock()

	o.logger.Info("anomaly ingested",
		"incident_id", out.Incident.ID,
		"anomaly_id", a.ID,
		"dedup_key", key,
		"event", event,
		"severity", out.Incident.Severity,
	)
	o.publish(event, out.Incident, now)
	return out, nil
}

func (o *Orchestrator) createLocked(a types.Anomaly, now time.Time) *entry {
	e := &entry{inc: types.Incident{
		ID:                    uuid.New().String(),
		DedupKey:              a.DedupKey(),
		Title:                 a.Title,
		Kind:                  a.Kind,
		Status:                types.IncidentOpen,
		Severity:              a.Severity,
		OriginatingAnomalyIDs: []string{a.ID},
		OpenedAt:              now,
		Revision:              1,
		Timeline: []types.StatusChange{{
			To:    types.IncidentOpen,
			At:    now,
			Cause: "anomaly " + a.ID,
			Actor: "system",
		}},
	}}
	o.byID[e.inc.ID] = e
	o.byKey[e.inc.DedupKey] = e
	o.order = append(o.order, e)
	return e
}

// absorbLocked appends the anomaly to an active incident. Severity only rises.
func (o *Orchestrator) absorbLocked(e *entry, a types.Anomaly, now time.Time) types.IncidentEventType {
	for _, id := range e.inc.OriginatingAnomalyIDs {
		if id == a.ID {
			return types.EventIncidentUpdated
		}
	}
	e.inc.OriginatingAnomalyIDs = append(e.inc.OriginatingAnomalyIDs, a.ID)
	e.inc.Revision++

	if a.Severity.Level() <= e.inc.Severity.Level() {
		return types.EventIncidentUpdated
	}
	from := e.inc.Severity
	e.inc.Severity = a.Severity
	e.inc.Timeline = append(e.inc.Timeline, types.StatusChange{
		From:  e.inc.Status,
		To:    e.inc.Status,
		At:    now,
		Cause: fmt.Sprintf("severity escalated %s -> %s by anomaly %s", from, a.Severity, a.ID),
		Actor: "system",
	})
	return types.EventIncidentEscalated
}

func (o *Orchestrator) reopenLocked(e *entry, a types.Anomaly, now time.Time) {
	e.inc.OriginatingAnomalyIDs = append(e.inc.OriginatingAnomalyIDs, a.ID)
	e.inc.Severity = types.MaxSeverity(e.inc.Severity, a.Severity)
	e.inc.Status = types.IncidentOpen
	e.inc.ResolvedAt = nil
	e.inc.Revision++
	e.inc.Timeline = append(e.inc.Timeline, types.StatusChange{
		From:  types.IncidentResolved,
		To:    types.IncidentOpen,
		At:    now,
		Cause: "reopened by anomaly " + a.ID,
		Actor: "system",
	})
}

// Transition moves an incident to the next workflow status.
func (o *Orchestrator) Transition(id string, to types.IncidentStatus, cause, actor string) (*types.Incident, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown incident status %q", to)
	}
	e := o.entry(id)
	if e == nil {
		return nil, ErrNotFound
	}
	now := o.now()

	e.mu.Lock()
	from := e.inc.Status
	if want, ok := next[from]; !ok || want != to {
		e.mu.Unlock()
		rej := &TransitionRejected{IncidentID: id, From: from, To: to}
		switch {
		case from == types.IncidentClosed:
			rej.Reason = "incident is closed"
		case from == types.IncidentResolved && to == types.IncidentOpen:
			rej.Reason = "only a new anomaly may reopen a resolved incident"
		}
		o.logger.Warn("incident transition rejected", "incident_id", id, "from", from, "to", to, "actor", actor)
		return nil, rej
	}
	if cause == "" {
		cause = "manual transition"
	}
	e.inc.Status = to
	switch to {
	case types.IncidentResolved:
		e.inc.ResolvedAt = &now
	case types.IncidentClosed:
		e.inc.ClosedAt = &now
	}
	e.inc.Timeline = append(e.inc.Timeline, types.StatusChange{From: from, To: to, At: now, Cause: cause, Actor: actor})
	e.inc.Revision++
	inc := e.inc.Clone()
	e.mu.Unlock()

	o.logger.Info("incident transitioned", "incident_id", id, "from", from, "to", to, "actor", actor)
	o.publish(eventFor(to), inc, now)
	return &inc, nil
}

// Assign sets (or clears, with an empty assignee) the incident owner.
func (o *Orchestrator) Assign(id, assignee, actor string) (*types.Incident, error) {
	e := o.entry(id)
	if e == nil {
		return nil, ErrNotFound
	}
	now := o.now()

	e.mu.Lock()
	if e.inc.Status == types.IncidentClosed {
		e.mu.Unlock()
		return nil, &TransitionRejected{IncidentID: id, From: types.IncidentClosed, To: types.IncidentClosed, Reason: "incident is closed"}
	}
	cause := "assigned to " + assignee
	if assignee == "" {
		cause = "unassigned"
	}
	e.inc.Assignee = assignee
	e.inc.Timeline = append(e.inc.Timeline, types.StatusChange{From: e.inc.Status, To: e.inc.Status, At: now, Cause: cause, Actor: actor})
	e.inc.Revision++
	inc := e.inc.Clone()
	e.mu.Unlock()

	o.publish(types.EventIncidentUpdated, inc, now)
	return &inc, nil
}

// AddNote appends an operator note. Notes are allowed in every status.
func (o *Orchestrator) AddNote(id, author, text string) (*types.Incident, error) {
	if text == "" {
		return nil, fmt.Errorf("note text is required")
	}
	e := o.entry(id)
	if e == nil {
		return nil, ErrNotFound
	}
	now := o.now()

	e.mu.Lock()
	e.inc.Notes = append(e.inc.Notes, types.Note{At: now, Author: author, Text: text})
	e.inc.Revision++
	inc := e.inc.Clone()
	e.mu.Unlock()

	o.publish(types.EventIncidentUpdated, inc, now)
	return &inc, nil
}

// CloseExpired closes resolved incidents whose reopen cooldown has elapsed and
// returns them.
func (o *Orchestrator) CloseExpired(now time.Time) []types.Incident {
	o.mu.RLock()
	entries := append([]*entry(nil), o.order...)
	o.mu.RUnlock()

	var closed []types.Incident
	for _, e := range entries {
		e.mu.Lock()
		if e.inc.Status != types.IncidentResolved || e.inc.ResolvedAt == nil ||
			now.Sub(*e.inc.ResolvedAt) < o.cfg.ReopenCooldown {
			e.mu.Unlock()
			continue
		}
		e.inc.Status = types.IncidentClosed
		e.inc.ClosedAt = &now
		e.inc.Timeline = append(e.inc.Timeline, types.StatusChange{
			From:  types.IncidentResolved,
			To:    types.IncidentClosed,
			At:    now,
			Cause: "reopen cooldown elapsed",
			Actor: "system",
		})
		e.inc.Revision++
		inc := e.inc.Clone()
		e.mu.Unlock()

		closed = append(closed, inc)
		o.publish(types.EventIncidentClosed, inc, now)
	}
	return closed
}

// Get returns a copy of the incident.
func (o *Orchestrator) Get(id string) (types.Incident, bool) {
	e := o.entry(id)
	if e == nil {
		return types.Incident{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inc.Clone(), true
}

// List returns incidents matching the filter, most recently opened first.
func (o *Orchestrator) List(filter types.IncidentFilter) []types.Incident {
	o.mu.RLock()
	entries := append([]*entry(nil), o.order...)
	o.mu.RUnlock()

	var out []types.Incident
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		e.mu.Lock()
		if filter.Matches(&e.inc) {
			out = append(out, e.inc.Clone())
		}
		e.mu.Unlock()
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Counts returns the number of incidents per status.
func (o *Orchestrator) Counts() map[types.IncidentStatus]int {
	o.mu.RLock()
	entries := append([]*entry(nil), o.order...)
	o.mu.RUnlock()

	counts := make(map[types.IncidentStatus]int)
	for _, e := range entries {
		e.mu.Lock()
		counts[e.inc.Status]++
		e.mu.Unlock()
	}
	return counts
}

// Restore replaces the orchestrator's state with previously persisted incidents.
// The most recently opened incident per dedup key becomes the key's target.
func (o *Orchestrator) Restore(incidents []types.Incident) {
	sorted := make([]types.Incident, 0, len(incidents))
	for _, inc := range incidents {
		sorted = append(sorted, inc.Clone())
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenedAt.Before(sorted[j].OpenedAt) })

	o.mu.Lock()
	defer o.mu.Unlock()
	o.byID = make(map[string]*entry, len(sorted))
	o.byKey = make(map[string]*entry)
	o.order = o.order[:0]
	for _, inc := range sorted {
		e := &entry{inc: inc}
		o.byID[inc.ID] = e
		o.byKey[inc.DedupKey] = e
		o.order = append(o.order, e)
	}
	o.logger.Info("incidents restored", "count", len(sorted))
}

func (o *Orchestrator) entry(id string) *entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.byID[id]
}

func (o *Orchestrator) publish(t types.IncidentEventType, inc types.Incident, at time.Time) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(types.IncidentEvent{
		Type:           t,
		IncidentID:     inc.ID,
		Revision:       inc.Revision,
		TimelineLength: len(inc.Timeline),
		Status:         inc.Status,
		Severity:       inc.Severity,
		Incident:       inc,
		At:             at,
	})
}

func eventFor(status types.IncidentStatus) types.IncidentEventType {
	switch status {
	case types.IncidentAcknowledged:
		return types.EventIncidentAcknowledged
	case types.IncidentMitigating:
		return types.EventIncidentMitigating
	case types.IncidentResolved:
		return types.EventIncidentResolved
	case types.IncidentClosed:
		return types.EventIncidentClosed
	case types.IncidentOpen:
		return types.EventIncidentReopened
	}
	return types.EventIncidentUpdated
}
