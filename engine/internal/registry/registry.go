// Package registry maintains canonical device identities across discovery
// protocols.
//
// A device can be known under several chassis identities, normally one per
// protocol namespace. Resolution tries, in order:
//
//  1. the (protocol, chassis id) key of the advertisement,
//  2. a secondary key: the (system name, interface) pair the device was seen
//     advertising from, or the same chassis value seen in another protocol,
//  3. creation of a new device.
//
// When two devices turn out to share a chassis value they are merged; the device
// seen first survives and the other id becomes an alias. Ambiguous secondary
// matches are never guessed: a distinct device is created and flagged for review.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/topomon/engine/internal/compliance"
	"github.com/pilot-net/topomon/pkg/types"
)

// Checker scores a device against the active compliance profile.
type Checker interface {
	Check(d types.Device) compliance.Result
}

// Resolution is the outcome of an identity operation.
type Resolution struct {
	Device  types.Device
	Created bool
	// Change is set when the device was created or its observed attributes,
	// chassis identities or compliance changed.
	Change *types.DeviceChange
	Merges []types.MergeRecord
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used when an observation carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type portKey struct {
	system string
	iface  string
}

func makePortKey(system, iface string) portKey {
	return portKey{system: strings.ToLower(strings.TrimSpace(system)), iface: strings.TrimSpace(iface)}
}

func (p portKey) valid() bool {
	return p.system != "" && p.iface != ""
}

type idSet map[string]struct{}

// Registry is the device identity store. All methods are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	devices   map[string]*types.Device
	byChassis map[types.ChassisKey]string
	byValue   map[string]idSet  // chassis value -> devices, any protocol
	byPort    map[portKey]idSet // (system, iface) -> devices
	ports     map[string][]portKey
	aliases   map[string]string // absorbed id -> survivor id
	separated map[[2]string]struct{}
	merges    []types.MergeRecord

	checker Checker
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty registry. checker may be nil, in which case devices keep
// an unknown compliance status.
func New(checker Checker, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		devices:   make(map[string]*types.Device),
		byChassis: make(map[types.ChassisKey]string),
		byValue:   make(map[string]idSet),
		byPort:    make(map[portKey]idSet),
		ports:     make(map[string][]portKey),
		aliases:   make(map[string]string),
		separated: make(map[[2]string]struct{}),
		checker:   checker,
		now:       time.Now,
		logger:    logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type observation struct {
	key         types.ChassisKey
	port        portKey
	displayName string
	attrs       *types.Advertisement // nil when observing the receiving side
	withdrawal  bool
	at          time.Time
}

// Resolve returns the canonical device for the advertisement's remote side,
// creating it if needed. A withdrawal never creates a device: Resolve returns
// (nil, nil) when a withdrawal names an unknown chassis.
//
// On an ambiguous secondary match the returned Resolution holds the new,
// review-flagged device and the error is an *IdentityConflictError.
func (r *Registry) Resolve(adv types.Advertisement) (*Resolution, error) {
	id := normalizeID(adv.RemoteChassisID)
	if id == "" {
		return nil, fmt.Errorf("resolve remote device: advertisement has no chassis id")
	}
	if !adv.Protocol.Valid() {
		return nil, fmt.Errorf("resolve remote device: unknown protocol %q", adv.Protocol)
	}
	obs := observation{
		key:         types.ChassisKey{Protocol: adv.Protocol, ID: id},
		port:        makePortKey(adv.RemoteSystemName, adv.RemoteInterfaceID),
		displayName: adv.RemoteSystemName,
		attrs:       &adv,
		withdrawal:  adv.IsWithdrawal(),
		at:          adv.ObservedAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(obs)
}

// ResolveLocal returns the canonical device that received the advertisement,
// identified by its local chassis id (or system name when the collector could
// not report one) in the advertisement's protocol namespace.
func (r *Registry) ResolveLocal(adv types.Advertisement) (*Resolution, error) {
	id := normalizeID(adv.LocalChassisID)
	if id == "" {
		id = normalizeID(adv.LocalSystemName)
	}
	if id == "" {
		return nil, fmt.Errorf("resolve local device: advertisement has no local identity")
	}
	if !adv.Protocol.Valid() {
		return nil, fmt.Errorf("resolve local device: unknown protocol %q", adv.Protocol)
	}
	obs := observation{
		key:         types.ChassisKey{Protocol: adv.Protocol, ID: id},
		port:        makePortKey(adv.LocalSystemName, adv.SourceInterface),
		displayName: adv.LocalSystemName,
		at:          adv.ObservedAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(obs)
}

func (r *Registry) resolveLocked(obs observation) (*Resolution, error) {
	if obs.at.IsZero() {
		obs.at = r.now()
	}

	res := &Resolution{}
	var conflict *IdentityConflictError

	dev := r.devices[r.byChassis[obs.key]]
	if dev == nil && obs.withdrawal {
		return nil, nil
	}

	var prev *types.Device
	if dev != nil {
		p := dev.Clone()
		prev = &p
	} else {
		candidates := r.candidatesLocked(obs)
		switch len(candidates) {
		case 0:
			dev = r.createLocked(obs.key, obs.at)
			res.Created = true
		case 1:
			dev = r.devices[candidates[0]]
			p := dev.Clone()
			prev = &p
			r.attachLocked(dev, obs.key)
		default:
			dev = r.createLocked(obs.key, obs.at)
			dev.NeedsReview = true
			dev.ReviewReason = fmt.Sprintf("secondary identity matched %d devices", len(candidates))
			res.Created = true
			conflict = &IdentityConflictError{Key: obs.key, DeviceID: dev.ID, Candidates: candidates}
			r.logger.Warn("identity conflict",
				"chassis", obs.key.String(),
				"device_id", dev.ID,
				"candidates", candidates,
			)
		}
	}

	attrsChanged := r.observeLocked(dev, obs)

	// Shared chassis value in another namespace: same physical device.
	if !dev.NeedsReview {
		for _, otherID := range r.sharingLocked(dev, obs.key.ID) {
			other := r.devices[otherID]
			survivor, rec := r.mergeLocked(dev, other, "shared chassis identity", obs.at)
			res.Merges = append(res.Merges, rec)
			dev = survivor
			attrsChanged = true
		}
	}
	if obs.port.valid() {
		r.indexPortLocked(dev.ID, obs.port)
	}

	if res.Created || attrsChanged {
		r.applyComplianceLocked(dev)
	}

	switch {
	case res.Created:
		res.Change = &types.DeviceChange{Current: dev.Clone()}
	case prev != nil && (attrsChanged || prev.ID != dev.ID || complianceChanged(prev, dev) || len(prev.ChassisIDs) != len(dev.ChassisIDs)):
		res.Change = &types.DeviceChange{Previous: prev, Current: dev.Clone()}
	}
	res.Device = dev.Clone()

	if conflict != nil {
		return res, conflict
	}
	return res, nil
}

// candidatesLocked returns existing devices matching obs on a secondary key.
// Devices that already hold a different chassis id in the same protocol
// namespace are excluded.
func (r *Registry) candidatesLocked(obs observation) []string {
	set := make(idSet)
	if obs.port.valid() {
		for id := range r.byPort[obs.port] {
			set[id] = struct{}{}
		}
	}
	for id := range r.byValue[obs.key.ID] {
		set[id] = struct{}{}
	}

	var out []string
	for id := range set {
		d := r.devices[id]
		if d == nil {
			continue
		}
		if _, has := d.ChassisIn(obs.key.Protocol); has {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sharingLocked returns other devices that hold the chassis value in any namespace
// and may be merged with dev.
func (r *Registry) sharingLocked(dev *types.Device, value string) []string {
	var out []string
	for id := range r.byValue[value] {
		if id == dev.ID {
			continue
		}
		other := r.devices[id]
		if other == nil || other.NeedsReview {
			continue
		}
		if _, split := r.separated[pairKey(dev.ID, id)]; split {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) createLocked(key types.ChassisKey, at time.Time) *types.Device {
	d := &types.Device{
		ID:               uuid.New().String(),
		ChassisIDs:       []types.ChassisKey{key},
		Role:             types.RoleUnknown,
		FirstSeen:        at,
		LastSeen:         at,
		ComplianceStatus: types.ComplianceUnknown,
	}
	r.devices[d.ID] = d
	r.byChassis[key] = d.ID
	r.addValueLocked(key.ID, d.ID)
	return d
}

func (r *Registry) attachLocked(d *types.Device, key types.ChassisKey) {
	d.ChassisIDs = append(d.ChassisIDs, key)
	types.SortChassis(d.ChassisIDs)
	r.byChassis[key] = d.ID
	r.addValueLocked(key.ID, d.ID)
}

// observeLocked applies observed attributes and reports whether any attribute
// the compliance profile looks at changed. Withdrawals carry no attributes and
// never advance LastSeen.
func (r *Registry) observeLocked(d *types.Device, obs observation) bool {
	if obs.withdrawal {
		return false
	}
	if obs.at.After(d.LastSeen) {
		d.LastSeen = obs.at
	}
	if obs.at.Before(d.FirstSeen) {
		d.FirstSeen = obs.at
	}

	changed := false
	set := func(field *string, v string) {
		if v != "" && *field != v {
			*field = v
			changed = true
		}
	}
	set(&d.DisplayName, obs.displayName)

	if a := obs.attrs; a != nil {
		set(&d.Platform, a.Platform)
		set(&d.Software, a.SoftwareVersion)
		if d.Vendor == "" {
			set(&d.Vendor, guessVendor(*a))
		}
		if len(a.Capabilities) > 0 {
			caps := sortedCapabilities(a.Capabilities)
			if !equalCapabilities(caps, d.Capabilities) {
				d.Capabilities = caps
				changed = true
			}
			if role := types.RoleFromCapabilities(caps); role != d.Role {
				d.Role = role
				changed = true
			}
		}
	}
	return changed
}

func (r *Registry) applyComplianceLocked(d *types.Device) {
	if r.checker == nil {
		return
	}
	res := r.checker.Check(*d)
	d.ComplianceStatus = res.Status
	d.ComplianceScore = res.Score
	d.ComplianceViolations = res.Violations
}

// Merge merges two devices and returns the survivor. Merging a device with
// itself (or with one of its aliases) is a no-op. An operator merge clears the
// review flag.
func (r *Registry) Merge(a, b string) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	da, db := r.devices[r.canonicalLocked(a)], r.devices[r.canonicalLocked(b)]
	if da == nil {
		return nil, fmt.Errorf("merge %s: %w", a, ErrNotFound)
	}
	if db == nil {
		return nil, fmt.Errorf("merge %s: %w", b, ErrNotFound)
	}
	if da == db {
		return &Resolution{Device: da.Clone()}, nil
	}

	prev := survivorOf(da, db).Clone()
	survivor, rec := r.mergeLocked(da, db, "operator merge", r.now())
	survivor.NeedsReview = false
	survivor.ReviewReason = ""

	r.logger.Info("devices merged",
		"survivor_id", rec.SurvivorID,
		"absorbed_id", rec.AbsorbedID,
	)
	return &Resolution{
		Device: survivor.Clone(),
		Change: &types.DeviceChange{Previous: &prev, Current: survivor.Clone()},
		Merges: []types.MergeRecord{rec},
	}, nil
}

// survivorOf picks the device seen first; ties go to the smaller id.
func survivorOf(a, b *types.Device) *types.Device {
	if b.FirstSeen.Before(a.FirstSeen) || (b.FirstSeen.Equal(a.FirstSeen) && b.ID < a.ID) {
		return b
	}
	return a
}

func (r *Registry) mergeLocked(a, b *types.Device, reason string, at time.Time) (*types.Device, types.MergeRecord) {
	survivor, absorbed := a, b
	if survivorOf(a, b) == b {
		survivor, absorbed = b, a
	}

	for _, k := range absorbed.ChassisIDs {
		if !survivor.HasChassis(k) {
			survivor.ChassisIDs = append(survivor.ChassisIDs, k)
		}
		r.byChassis[k] = survivor.ID
		delete(r.byValue[k.ID], absorbed.ID)
		r.addValueLocked(k.ID, survivor.ID)
	}
	types.SortChassis(survivor.ChassisIDs)

	for _, p := range r.ports[absorbed.ID] {
		delete(r.byPort[p], absorbed.ID)
		r.indexPortLocked(survivor.ID, p)
	}
	delete(r.ports, absorbed.ID)

	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&survivor.DisplayName, absorbed.DisplayName)
	fill(&survivor.Vendor, absorbed.Vendor)
	fill(&survivor.Platform, absorbed.Platform)
	fill(&survivor.Software, absorbed.Software)
	if len(survivor.Capabilities) == 0 && len(absorbed.Capabilities) > 0 {
		survivor.Capabilities = append([]types.Capability(nil), absorbed.Capabilities...)
		survivor.Role = types.RoleFromCapabilities(survivor.Capabilities)
	}
	if absorbed.LastSeen.After(survivor.LastSeen) {
		survivor.LastSeen = absorbed.LastSeen
	}
	if absorbed.NeedsReview && !survivor.NeedsReview {
		survivor.NeedsReview = true
		survivor.ReviewReason = absorbed.ReviewReason
	}

	delete(r.devices, absorbed.ID)
	r.aliases[absorbed.ID] = survivor.ID
	for from, to := range r.aliases {
		if to == absorbed.ID {
			r.aliases[from] = survivor.ID
		}
	}
	for pair := range r.separated {
		if pair[0] == absorbed.ID || pair[1] == absorbed.ID {
			delete(r.separated, pair)
			other := pair[0]
			if other == absorbed.ID {
				other = pair[1]
			}
			if other != survivor.ID {
				r.separated[pairKey(survivor.ID, other)] = struct{}{}
			}
		}
	}

	r.applyComplianceLocked(survivor)

	rec := types.MergeRecord{SurvivorID: survivor.ID, AbsorbedID: absorbed.ID, At: at, Reason: reason}
	r.merges = append(r.merges, rec)
	return survivor, rec
}

// Detach moves one chassis identity off a device into a new device. The two
// devices are never merged automatically afterwards.
func (r *Registry) Detach(deviceID string, key types.ChassisKey) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.devices[r.canonicalLocked(deviceID)]
	if d == nil {
		return nil, fmt.Errorf("detach from %s: %w", deviceID, ErrNotFound)
	}
	if !d.HasChassis(key) {
		return nil, fmt.Errorf("detach from %s: device does not own %s", d.ID, key)
	}
	if len(d.ChassisIDs) == 1 {
		return nil, fmt.Errorf("detach from %s: %s is the only chassis identity", d.ID, key)
	}

	kept := d.ChassisIDs[:0]
	for _, k := range d.ChassisIDs {
		if k != key {
			kept = append(kept, k)
		}
	}
	d.ChassisIDs = kept
	stillHoldsValue := false
	for _, k := range d.ChassisIDs {
		if k.ID == key.ID {
			stillHoldsValue = true
		}
	}
	if !stillHoldsValue {
		delete(r.byValue[key.ID], d.ID)
	}

	created := r.createLocked(key, r.now())
	r.separated[pairKey(d.ID, created.ID)] = struct{}{}
	r.applyComplianceLocked(created)

	r.logger.Info("chassis identity detached",
		"device_id", d.ID,
		"chassis", key.String(),
		"new_device_id", created.ID,
	)
	return &Resolution{
		Device:  created.Clone(),
		Created: true,
		Change:  &types.DeviceChange{Current: created.Clone()},
	}, nil
}

// MarkReviewed clears the review flag on a device.
func (r *Registry) MarkReviewed(deviceID string) (types.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.devices[r.canonicalLocked(deviceID)]
	if d == nil {
		return types.Device{}, fmt.Errorf("mark reviewed %s: %w", deviceID, ErrNotFound)
	}
	d.NeedsReview = false
	d.ReviewReason = ""
	return d.Clone(), nil
}

// Lookup returns the device for id, following merge aliases.
func (r *Registry) Lookup(id string) (types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := r.devices[r.canonicalLocked(id)]
	if d == nil {
		return types.Device{}, false
	}
	return d.Clone(), true
}

// Canonical returns the surviving id for id (id itself when it was never absorbed).
func (r *Registry) Canonical(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(id)
}

func (r *Registry) canonicalLocked(id string) string {
	if to, ok := r.aliases[id]; ok {
		return to
	}
	return id
}

// FindByChassisValue returns the device holding the chassis value in any
// namespace. It reports false when no device, or more than one, matches.
func (r *Registry) FindByChassisValue(value string) (types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byValue[normalizeID(value)]
	if len(ids) != 1 {
		return types.Device{}, false
	}
	for id := range ids {
		return r.devices[id].Clone(), true
	}
	return types.Device{}, false
}

// FindByName returns the single device whose display name equals name
// (case-insensitive).
func (r *Registry) FindByName(name string) (types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *types.Device
	for _, d := range r.devices {
		if strings.EqualFold(d.DisplayName, name) {
			if found != nil {
				return types.Device{}, false
			}
			found = d
		}
	}
	if found == nil {
		return types.Device{}, false
	}
	return found.Clone(), true
}

// List returns all devices ordered by id.
func (r *Registry) List() []types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of canonical devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Merges returns the merge audit records in the order they happened.
func (r *Registry) Merges() []types.MergeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.MergeRecord(nil), r.merges...)
}

// Restore loads persisted devices and merge records into an empty registry.
func (r *Registry) Restore(devices []types.Device, merges []types.MergeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dev := range devices {
		d := dev.Clone()
		r.devices[d.ID] = &d
		for _, k := range d.ChassisIDs {
			r.byChassis[k] = d.ID
			r.addValueLocked(k.ID, d.ID)
		}
	}
	for _, m := range merges {
		r.aliases[m.AbsorbedID] = m.SurvivorID
		r.merges = append(r.merges, m)
	}
	// Collapse alias chains left by successive merges.
	for from := range r.aliases {
		to := r.aliases[from]
		for seen := 0; seen < len(r.aliases); seen++ {
			next, ok := r.aliases[to]
			if !ok {
				break
			}
			to = next
		}
		r.aliases[from] = to
	}

	r.logger.Info("registry restored", "devices", len(devices), "aliases", len(r.aliases))
}

func (r *Registry) addValueLocked(value, id string) {
	set, ok := r.byValue[value]
	if !ok {
		set = make(idSet)
		r.byValue[value] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) indexPortLocked(id string, p portKey) {
	set, ok := r.byPort[p]
	if !ok {
		set = make(idSet)
		r.byPort[p] = set
	}
	if _, dup := set[id]; dup {
		return
	}
	set[id] = struct{}{}
	r.ports[id] = append(r.ports[id], p)
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func sortedCapabilities(caps []types.Capability) []types.Capability {
	out := make([]types.Capability, 0, len(caps))
	seen := make(map[types.Capability]bool, len(caps))
	for _, c := range caps {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalCapabilities(a, b []types.Capability) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func complianceChanged(prev, cur *types.Device) bool {
	if prev.ComplianceStatus != cur.ComplianceStatus || prev.ComplianceScore != cur.ComplianceScore {
		return true
	}
	if len(prev.ComplianceViolations) != len(cur.ComplianceViolations) {
		return true
	}
	for i := range prev.ComplianceViolations {
		if prev.ComplianceViolations[i] != cur.ComplianceViolations[i] {
			return true
		}
	}
	return false
}
