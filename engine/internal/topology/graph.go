// Package topology holds the live adjacency graph built from neighbour
// advertisements.
//
// # Locking
//
// Adjacency is sharded over 64 stripes keyed by an FNV hash of the device id.
// A link is stored once and referenced from both endpoints' adjacency maps; it
// is only mutated while both endpoint stripes are held, acquired in ascending
// stripe order. Writers also hold the epoch lock for read, which Snapshot takes
// for write, so a snapshot never sees a half-applied change.
//
// # Staleness
//
// A withdrawal marks a link stale immediately. The sweep marks links stale when
// their TTL lapses without a refresh, and removes links that stayed stale longer
// than the grace period. A refresh always clears staleness; the sweep re-checks
// each candidate under the stripe locks before acting, so a refresh that lands
// between the scan and the action wins.
package topology

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/topomon/pkg/types"
)

const stripeCount = 64

// linkNamespace seeds name-based link ids.
var linkNamespace = uuid.MustParse("6b1f3c8e-2d4a-5e7f-9a0b-1c2d3e4f5a6b")

// Config holds staleness settings.
type Config struct {
	// AdvertisementInterval is the expected re-advertisement period.
	AdvertisementInterval time.Duration

	// GraceMultiplier times AdvertisementInterval is how long a link may stay
	// stale before it is removed.
	GraceMultiplier int
}

// DefaultConfig returns LLDP-conventional defaults (30s interval, 3x grace).
func DefaultConfig() Config {
	return Config{
		AdvertisementInterval: 30 * time.Second,
		GraceMultiplier:       3,
	}
}

// Grace returns the stale-to-removal grace period.
func (c Config) Grace() time.Duration {
	return time.Duration(c.GraceMultiplier) * c.AdvertisementInterval
}

// StaleWriteError reports an observation older than the link state it targets.
// The graph is left unchanged.
type StaleWriteError struct {
	LinkID     string
	ObservedAt time.Time
	Current    time.Time
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write to link %s: observed %s, link already at %s",
		e.LinkID, e.ObservedAt.Format(time.RFC3339Nano), e.Current.Format(time.RFC3339Nano))
}

// Neighbor is one active adjacency of a device.
type Neighbor struct {
	DeviceID        string      `json:"device_id"`
	LocalInterface  string      `json:"local_interface"`
	RemoteInterface string      `json:"remote_interface"`
	LinkID          string      `json:"link_id"`
	Layer           types.Layer `json:"layer"`
}

// linkKey is the canonical endpoint tuple; (devA, ifA) sorts before (devB, ifB).
type linkKey struct {
	devA, ifA string
	devB, ifB string
}

func canonicalKey(dev1, if1, dev2, if2 string) (key linkKey, swapped bool) {
	if dev2 < dev1 || (dev2 == dev1 && if2 < if1) {
		return linkKey{devA: dev2, ifA: if2, devB: dev1, ifB: if1}, true
	}
	return linkKey{devA: dev1, ifA: if1, devB: dev2, ifB: if2}, false
}

func (k linkKey) id() string {
	return uuid.NewSHA1(linkNamespace, []byte(k.devA+"\x00"+k.ifA+"\x00"+k.devB+"\x00"+k.ifB)).String()
}

type stripe struct {
	mu  sync.Mutex
	adj map[string]map[linkKey]*types.Link
}

// Graph is the concurrent topology graph.
type Graph struct {
	epoch   sync.RWMutex
	stripes [stripeCount]stripe
	index   sync.Map // link id -> linkKey
	version atomic.Uint64

	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithClock sets the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// New creates an empty graph.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Graph {
	if cfg.AdvertisementInterval <= 0 {
		cfg.AdvertisementInterval = DefaultConfig().AdvertisementInterval
	}
	if cfg.GraceMultiplier <= 0 {
		cfg.GraceMultiplier = DefaultConfig().GraceMultiplier
	}
	g := &Graph{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "topology"),
	}
	for i := range g.stripes {
		g.stripes[i].adj = make(map[string]map[linkKey]*types.Link)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the graph's staleness settings.
func (g *Graph) Config() Config {
	return g.cfg
}

// Version returns the current graph version. It increases on every mutation.
func (g *Graph) Version() uint64 {
	return g.version.Load()
}

func stripeOf(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % stripeCount)
}

// lockPair locks the stripes of both devices in ascending order and returns the
// matching unlock.
func (g *Graph) lockPair(a, b string) func() {
	i, j := stripeOf(a), stripeOf(b)
	if i > j {
		i, j = j, i
	}
	g.stripes[i].mu.Lock()
	if i != j {
		g.stripes[j].mu.Lock()
	}
	return func() {
		if i != j {
			g.stripes[j].mu.Unlock()
		}
		g.stripes[i].mu.Unlock()
	}
}

// adjLocked returns the adjacency map of a device; its stripe must be held.
func (g *Graph) adjLocked(deviceID string) map[linkKey]*types.Link {
	return g.stripes[stripeOf(deviceID)].adj[deviceID]
}

func (g *Graph) putLocked(key linkKey, l *types.Link) {
	for _, dev := range []string{key.devA, key.devB} {
		s := &g.stripes[stripeOf(dev)]
		m, ok := s.adj[dev]
		if !ok {
			m = make(map[linkKey]*types.Link)
			s.adj[dev] = m
		}
		m[key] = l
	}
	g.index.Store(l.ID, key)
}

func (g *Graph) deleteLocked(key linkKey, linkID string) {
	for _, dev := range []string{key.devA, key.devB} {
		s := &g.stripes[stripeOf(dev)]
		if m, ok := s.adj[dev]; ok {
			delete(m, key)
			if len(m) == 0 {
				delete(s.adj, dev)
			}
		}
	}
	g.index.Delete(linkID)
}

// Apply folds one advertisement into the graph. localID is the device that
// received the advertisement on adv.SourceInterface; remoteID the device that
// sent it from adv.RemoteInterfaceID.
//
// A withdrawal marks the link stale (and is a no-op for an unknown link). Any
// other advertisement creates or refreshes the link. An observation older than
// the link's current state fails with *StaleWriteError.
func (g *Graph) Apply(adv types.Advertisement, localID, remoteID string) (types.Delta, error) {
	var delta types.Delta
	if localID == "" || remoteID == "" {
		return delta, fmt.Errorf("apply advertisement: missing device id")
	}
	if localID == remoteID {
		// A device hearing its own advertisement (loopback or bridged port).
		return delta, nil
	}

	key, swapped := canonicalKey(localID, adv.SourceInterface, remoteID, adv.RemoteInterfaceID)
	at := adv.ObservedAt

	g.epoch.RLock()
	defer g.epoch.RUnlock()
	unlock := g.lockPair(localID, remoteID)
	defer unlock()

	l := g.adjLocked(localID)[key]

	if adv.IsWithdrawal() {
		if l == nil || l.Stale {
			return delta, nil
		}
		if at.Before(l.LastSeen) {
			return delta, &StaleWriteError{LinkID: l.ID, ObservedAt: at, Current: l.LastSeen}
		}
		l.Stale = true
		l.StaleSince = &at
		g.version.Add(1)
		delta.Updated = append(delta.Updated, l.Clone())
		return delta, nil
	}

	// The remote device is endpoint B unless the key was swapped.
	remoteRouted := adv.Routed()

	if l == nil {
		l = &types.Link{
			ID:         key.id(),
			DeviceA:    key.devA,
			InterfaceA: key.ifA,
			DeviceB:    key.devB,
			InterfaceB: key.ifB,
			Protocols:  []types.Protocol{adv.Protocol},
			FirstSeen:  at,
			LastSeen:   at,
			ExpiresAt:  at.Add(adv.TTL()),
		}
		setRouted(l, swapped, remoteRouted)
		g.putLocked(key, l)
		g.version.Add(1)
		delta.Created = append(delta.Created, l.Clone())
		return delta, nil
	}

	if at.Before(l.LastSeen) {
		return delta, &StaleWriteError{LinkID: l.ID, ObservedAt: at, Current: l.LastSeen}
	}
	if l.Stale && l.StaleSince != nil && at.Before(*l.StaleSince) {
		return delta, &StaleWriteError{LinkID: l.ID, ObservedAt: at, Current: *l.StaleSince}
	}

	l.LastSeen = at
	if exp := at.Add(adv.TTL()); exp.After(l.ExpiresAt) {
		l.ExpiresAt = exp
	}
	l.Stale = false
	l.StaleSince = nil
	setRouted(l, swapped, remoteRouted)
	addProtocol(l, adv.Protocol)
	g.version.Add(1)
	delta.Updated = append(delta.Updated, l.Clone())
	return delta, nil
}

// setRouted records the remote endpoint's routed capability and reclassifies the
// link. The remote device is endpoint B unless the canonical key was swapped.
func setRouted(l *types.Link, swapped, routed bool) {
	if swapped {
		l.RoutedA = routed
	} else {
		l.RoutedB = routed
	}
	l.Layer = types.LayerL2
	if l.RoutedA || l.RoutedB {
		l.Layer = types.LayerL3
	}
}

func addProtocol(l *types.Link, p types.Protocol) {
	for _, have := range l.Protocols {
		if have == p {
			return
		}
	}
	l.Protocols = append(l.Protocols, p)
	sort.Slice(l.Protocols, func(i, j int) bool { return l.Protocols[i] < l.Protocols[j] })
}

// Sweep marks links whose TTL lapsed as stale and removes links stale for
// longer than the grace period. A link already past both deadlines is removed
// directly.
func (g *Graph) Sweep(now time.Time) types.Delta {
	var delta types.Delta
	grace := g.cfg.Grace()

	expired := func(l *types.Link) bool {
		return !l.Stale && now.After(l.ExpiresAt)
	}
	removable := func(l *types.Link) bool {
		return l.Stale && l.StaleSince != nil && now.Sub(*l.StaleSince) > grace
	}

	g.epoch.RLock()
	defer g.epoch.RUnlock()

	// Scan each stripe independently; each link is considered from its A side.
	var candidates []linkKey
	for i := range g.stripes {
		s := &g.stripes[i]
		s.mu.Lock()
		for dev, links := range s.adj {
			for key, l := range links {
				if key.devA == dev && (expired(l) || removable(l)) {
					candidates = append(candidates, key)
				}
			}
		}
		s.mu.Unlock()
	}

	for _, key := range candidates {
		unlock := g.lockPair(key.devA, key.devB)
		l := g.adjLocked(key.devA)[key]
		switch {
		case l == nil:
		case expired(l):
			since := l.ExpiresAt
			l.Stale = true
			l.StaleSince = &since
			g.version.Add(1)
			if removable(l) {
				g.deleteLocked(key, l.ID)
				delta.Removed = append(delta.Removed, l.Clone())
			} else {
				delta.Updated = append(delta.Updated, l.Clone())
			}
		case removable(l):
			g.deleteLocked(key, l.ID)
			g.version.Add(1)
			delta.Removed = append(delta.Removed, l.Clone())
		}
		unlock()
	}
	return delta
}

// MergeDevices re-points every link of absorbed at survivor after a registry
// merge. Links that would become self-loops are removed; when two links collapse
// onto the same endpoints the most recently seen one is kept. The returned delta
// describes the rewrite for persistence; it is not an anomaly signal.
func (g *Graph) MergeDevices(absorbed, survivor string) types.Delta {
	var delta types.Delta
	if absorbed == survivor {
		return delta
	}

	g.epoch.Lock()
	defer g.epoch.Unlock()

	links := g.stripes[stripeOf(absorbed)].adj[absorbed]
	if len(links) == 0 {
		return delta
	}
	moved := make([]*types.Link, 0, len(links))
	for key, l := range links {
		g.deleteLocked(key, l.ID)
		moved = append(moved, l)
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i].ID < moved[j].ID })

	for _, l := range moved {
		devA, devB := l.DeviceA, l.DeviceB
		routedA, routedB := l.RoutedA, l.RoutedB
		if devA == absorbed {
			devA = survivor
		}
		if devB == absorbed {
			devB = survivor
		}
		if devA == devB {
			delta.Removed = append(delta.Removed, l.Clone())
			continue
		}

		key, swapped := canonicalKey(devA, l.InterfaceA, devB, l.InterfaceB)
		l.DeviceA, l.InterfaceA, l.DeviceB, l.InterfaceB = key.devA, key.ifA, key.devB, key.ifB
		if swapped {
			l.RoutedA, l.RoutedB = routedB, routedA
		}

		if existing := g.adjLocked(key.devA)[key]; existing != nil {
			keep, drop := existing, l
			if l.LastSeen.After(existing.LastSeen) {
				keep, drop = l, existing
			}
			for _, p := range drop.Protocols {
				addProtocol(keep, p)
			}
			if drop.FirstSeen.Before(keep.FirstSeen) {
				keep.FirstSeen = drop.FirstSeen
			}
			g.deleteLocked(key, existing.ID)
			g.putLocked(key, keep)
			delta.Removed = append(delta.Removed, drop.Clone())
			delta.Updated = append(delta.Updated, keep.Clone())
			continue
		}
		g.putLocked(key, l)
		delta.Updated = append(delta.Updated, l.Clone())
	}
	g.version.Add(1)

	g.logger.Debug("links remapped after merge",
		"absorbed_id", absorbed,
		"survivor_id", survivor,
		"updated", len(delta.Updated),
		"removed", len(delta.Removed),
	)
	return delta
}

// Snapshot returns a consistent deep copy of every link.
func (g *Graph) Snapshot() *types.Snapshot {
	g.epoch.Lock()
	defer g.epoch.Unlock()

	seen := make(map[*types.Link]bool)
	var links []types.Link
	for i := range g.stripes {
		for _, adj := range g.stripes[i].adj {
			for _, l := range adj {
				if !seen[l] {
					seen[l] = true
					links = append(links, l.Clone())
				}
			}
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].ID < links[j].ID })

	return &types.Snapshot{
		Version: g.version.Load(),
		Links:   links,
		TakenAt: g.now(),
	}
}

// NeighborsOf returns the active (non-stale) adjacencies of a device, filtered
// by layer ("" = any).
func (g *Graph) NeighborsOf(deviceID string, layer types.Layer) []Neighbor {
	g.epoch.RLock()
	defer g.epoch.RUnlock()
	s := &g.stripes[stripeOf(deviceID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Neighbor
	for _, l := range s.adj[deviceID] {
		if l.Stale || (layer != "" && l.Layer != layer) {
			continue
		}
		peer, localIf, peerIf := l.Other(deviceID)
		out = append(out, Neighbor{
			DeviceID:        peer,
			LocalInterface:  localIf,
			RemoteInterface: peerIf,
			LinkID:          l.ID,
			Layer:           l.Layer,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LocalInterface != out[j].LocalInterface {
			return out[i].LocalInterface < out[j].LocalInterface
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Link returns a copy of the link with the given id.
func (g *Graph) Link(id string) (types.Link, bool) {
	v, ok := g.index.Load(id)
	if !ok {
		return types.Link{}, false
	}
	key := v.(linkKey)
	g.epoch.RLock()
	defer g.epoch.RUnlock()
	unlock := g.lockPair(key.devA, key.devB)
	defer unlock()

	l := g.adjLocked(key.devA)[key]
	if l == nil {
		return types.Link{}, false
	}
	return l.Clone(), true
}

// Restore loads persisted links into an empty graph.
func (g *Graph) Restore(links []types.Link) {
	g.epoch.Lock()
	defer g.epoch.Unlock()

	for _, link := range links {
		l := link.Clone()
		key, _ := canonicalKey(l.DeviceA, l.InterfaceA, l.DeviceB, l.InterfaceB)
		g.putLocked(key, &l)
	}
	g.version.Add(1)
	g.logger.Info("topology restored", "links", len(links))
}
