// Package anomaly turns topology deltas, device changes and metric samples into
// anomaly records.
//
// The detector never touches the graph: it reads the delta/snapshot pair it is
// handed. Its only state is the per-series traffic baselines and the last
// anomaly id per dedup key (for Supersedes).
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/topomon/pkg/types"
)

// Config holds detection thresholds.
type Config struct {
	// KFactor is the number of standard deviations above the mean that counts
	// as a traffic excursion.
	KFactor float64

	// BaselineWindow is the number of samples kept per series.
	BaselineWindow int

	// MinSamples is the baseline size required before spikes are detected.
	MinSamples int

	// SustainedSamples is how many consecutive excursions make a spike.
	SustainedSamples int

	// MinDeviation is the smallest deviation the spike threshold is built
	// from, so a flat baseline (an idle port) does not flag every small rise.
	// MinDeviationRatio raises that floor to a fraction of the baseline mean.
	// Zero disables either floor.
	MinDeviation      float64
	MinDeviationRatio float64

	// MinStability is how long a link must have been continuously observed
	// before losing it is reported.
	MinStability time.Duration

	// DeviceDownAfter is how long a device with no active links must have gone
	// unobserved before it is reported down.
	DeviceDownAfter time.Duration

	// Blast radius thresholds (devices + links touched).
	BlastWarning  int
	BlastCritical int

	// HistorySize is the number of recent anomalies kept for queries.
	HistorySize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		KFactor:           3.0,
		BaselineWindow:    60,
		MinSamples:        10,
		SustainedSamples:  3,
		MinDeviation:      1000, // bit rates
		MinDeviationRatio: 0.02,
		MinStability:      60 * time.Second,
		DeviceDownAfter:   90 * time.Second,
		BlastWarning:      3,
		BlastCritical:     10,
		HistorySize:       500,
	}
}

// Input is one evaluation request: an immutable delta/snapshot pair plus any
// metric samples received since the last call.
type Input struct {
	Delta    types.Delta
	Snapshot *types.Snapshot
	Metrics  []types.MetricSample
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the detection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector evaluates inputs against the anomaly rules. Safe for concurrent use.
type Detector struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	baselines map[string]*baseline
	lastByKey map[string]string
	history   []types.Anomaly
}

// New creates a detector.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.KFactor <= 0 {
		cfg.KFactor = def.KFactor
	}
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = def.BaselineWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinSamples > cfg.BaselineWindow {
		cfg.MinSamples = cfg.BaselineWindow
	}
	if cfg.SustainedSamples <= 0 {
		cfg.SustainedSamples = def.SustainedSamples
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	cfg.MinDeviation = math.Max(cfg.MinDeviation, 0)
	cfg.MinDeviationRatio = math.Max(cfg.MinDeviationRatio, 0)
	d := &Detector{
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "anomaly_detector"),
		baselines: make(map[string]*baseline),
		lastByKey: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate runs every rule against the input and returns the anomalies found,
// in rule order: topology changes, device down, compliance drift, traffic spikes.
func (d *Detector) Evaluate(in Input) []types.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var out []types.Anomaly

	lost := lostLinks(in.Delta)
	out = append(out, d.topologyChanges(lost, in.Snapshot)...)
	out = append(out, d.devicesDown(lost, in.Snapshot)...)
	out = append(out, d.complianceDrift(in.Delta.DeviceChanges)...)
	out = append(out, d.trafficSpikes(in.Metrics)...)

	for i := range out {
		a := &out[i]
		a.ID = uuid.New().String()
		a.DetectedAt = now
		a.Severity = d.calculateSeverity(a)
		key := a.DedupKey()
		if prev, ok := d.lastByKey[key]; ok {
			a.Supersedes = prev
		}
		d.lastByKey[key] = a.ID

		d.logger.Info("anomaly detected",
			"anomaly_id", a.ID,
			"kind", a.Kind,
			"severity", a.Severity,
			"primary_key", a.PrimaryKey,
		)
	}

	d.history = append(d.history, out...)
	if over := len(d.history) - d.cfg.HistorySize; over > 0 {
		d.history = append([]types.Anomaly(nil), d.history[over:]...)
	}
	return out
}

// Recent returns up to limit of the most recent anomalies, newest first.
func (d *Detector) Recent(limit int) []types.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]types.Anomaly, 0, limit)
	for i := len(d.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.history[i])
	}
	return out
}

type lostLink struct {
	link       types.Link
	transition string // "stale" or "removed"
}

// lostLinks collects links that went stale or were removed, one entry per link
// (removal wins).
func lostLinks(delta types.Delta) []lostLink {
	byID := make(map[string]lostLink)
	for _, l := range delta.Updated {
		if l.Stale {
			byID[l.ID] = lostLink{link: l, transition: "stale"}
		}
	}
	for _, l := range delta.Removed {
		byID[l.ID] = lostLink{link: l, transition: "removed"}
	}
	out := make([]lostLink, 0, len(byID))
	for _, ll := range byID {
		out = append(out, ll)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].link.ID < out[j].link.ID })
	return out
}

func (d *Detector) topologyChanges(lost []lostLink, snap *types.Snapshot) []types.Anomaly {
	var out []types.Anomaly
	for _, ll := range lost {
		l := ll.link
		present := lostAt(l).Sub(l.FirstSeen)
		if present < d.cfg.MinStability {
			continue
		}
		evidence := map[string]any{
			"transition":  ll.transition,
			"device_a":    l.DeviceA,
			"interface_a": l.InterfaceA,
			"device_b":    l.DeviceB,
			"interface_b": l.InterfaceB,
			"layer":       string(l.Layer),
			"first_seen":  l.FirstSeen,
			"last_seen":   l.LastSeen,
			"present_for": present.String(),
		}
		if l.StaleSince != nil {
			evidence["stale_since"] = *l.StaleSince
		}
		out = append(out, types.Anomaly{
			Kind:  types.AnomalyTopologyChange,
			Title: fmt.Sprintf("link %s:%s - %s:%s %s", deviceName(snap, l.DeviceA), l.InterfaceA, deviceName(snap, l.DeviceB), l.InterfaceB, transitionVerb(ll.transition)),
			// one incident per link
			PrimaryKey:       l.ID,
			Evidence:         evidence,
			RelatedDeviceIDs: []string{l.DeviceA, l.DeviceB},
			RelatedLinkIDs:   []string{l.ID},
		})
	}
	return out
}

// lostAt is when a link stopped being observed: the moment it went stale (a
// withdrawal or TTL lapse), or its last observation when that is unknown.
func lostAt(l types.Link) time.Time {
	if l.StaleSince != nil && l.StaleSince.After(l.LastSeen) {
		return *l.StaleSince
	}
	return l.LastSeen
}

func transitionVerb(t string) string {
	if t == "removed" {
		return "removed"
	}
	return "went stale"
}

// devicesDown reports endpoints of lost links that have no active link left and
// have not been observed within DeviceDownAfter.
func (d *Detector) devicesDown(lost []lostLink, snap *types.Snapshot) []types.Anomaly {
	if snap == nil || len(lost) == 0 {
		return nil
	}
	candidates := make(map[string]bool)
	for _, ll := range lost {
		candidates[ll.link.DeviceA] = true
		candidates[ll.link.DeviceB] = true
	}
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []types.Anomaly
	for _, id := range ids {
		dev, ok := snap.Device(id)
		if !ok {
			continue
		}
		links := snap.LinksOf(id)
		active := false
		var linkIDs []string
		for _, l := range links {
			if !l.Stale {
				active = true
				break
			}
			linkIDs = append(linkIDs, l.ID)
		}
		if active {
			continue
		}
		// Links already removed from the graph still count toward the blast radius.
		for _, ll := range lost {
			if ll.transition == "removed" && ll.link.Touches(id) {
				linkIDs = append(linkIDs, ll.link.ID)
			}
		}
		silent := snap.TakenAt.Sub(dev.LastSeen)
		if silent <= d.cfg.DeviceDownAfter {
			continue
		}
		out = append(out, types.Anomaly{
			Kind:       types.AnomalyDeviceDown,
			Title:      fmt.Sprintf("device %s is down", deviceName(snap, id)),
			PrimaryKey: id,
			Evidence: map[string]any{
				"last_seen":    dev.LastSeen,
				"silent_for":   silent.String(),
				"stale_links":  len(linkIDs),
				"display_name": dev.DisplayName,
			},
			RelatedDeviceIDs: []string{id},
			RelatedLinkIDs:   linkIDs,
		})
	}
	return out
}

func (d *Detector) complianceDrift(changes []types.DeviceChange) []types.Anomaly {
	var out []types.Anomaly
	for _, c := range changes {
		cur := c.Current
		if cur.ComplianceStatus != types.ComplianceNoncompliant {
			continue
		}
		if c.Previous != nil && c.Previous.ComplianceStatus == types.ComplianceNoncompliant &&
			sameViolations(c.Previous.ComplianceViolations, cur.ComplianceViolations) {
			continue
		}
		previous := types.ComplianceUnknown
		if c.Previous != nil {
			previous = c.Previous.ComplianceStatus
		}
		out = append(out, types.Anomaly{
			Kind:       types.AnomalyComplianceDrift,
			Title:      fmt.Sprintf("device %s is out of compliance", displayOr(cur)),
			PrimaryKey: cur.ID,
			Evidence: map[string]any{
				"score":           cur.ComplianceScore,
				"violations":      cur.ComplianceViolations,
				"previous_status": string(previous),
				"vendor":          cur.Vendor,
				"software":        cur.Software,
			},
			RelatedDeviceIDs: []string{cur.ID},
		})
	}
	return out
}

func (d *Detector) trafficSpikes(samples []types.MetricSample) []types.Anomaly {
	var out []types.Anomaly
	for _, s := range samples {
		if s.DeviceID == "" {
			continue
		}
		key := s.SeriesKey()
		b, ok := d.baselines[key]
		if !ok {
			b = newBaseline(d.cfg.BaselineWindow)
			d.baselines[key] = b
		}

		if b.count >= d.cfg.MinSamples {
			mean, std := b.stats()
			dev := d.deviation(mean, std)
			threshold := mean + d.cfg.KFactor*dev
			if s.Value > threshold {
				b.run++
				if b.run == d.cfg.SustainedSamples {
					out = append(out, types.Anomaly{
						Kind:       types.AnomalyTrafficSpike,
						Title:      fmt.Sprintf("%s on %s %s above baseline", s.Metric, s.DeviceID, s.Interface),
						PrimaryKey: s.DeviceID,
						Evidence: map[string]any{
							"interface": s.Interface,
							"metric":    s.Metric,
							"value":     s.Value,
							"mean":      mean,
							"stddev":    std,
							"deviation": dev,
							"threshold": threshold,
							"samples":   b.run,
							"critical":  dev > 0 && s.Value-mean > 2*d.cfg.KFactor*dev,
						},
						RelatedDeviceIDs: []string{s.DeviceID},
					})
				}
				// excursions do not feed the baseline
				continue
			}
		}
		b.run = 0
		b.push(s.Value)
	}
	return out
}

// deviation is the baseline stddev raised to the configured floors.
func (d *Detector) deviation(mean, std float64) float64 {
	return math.Max(std, math.Max(d.cfg.MinDeviation, d.cfg.MinDeviationRatio*math.Abs(mean)))
}

// calculateSeverity applies the kind rule and the blast-radius rule and keeps
// the higher of the two.
func (d *Detector) calculateSeverity(a *types.Anomaly) types.Severity {
	var base types.Severity
	switch a.Kind {
	case types.AnomalyDeviceDown:
		base = types.SeverityCritical
	case types.AnomalyTopologyChange:
		base = types.SeverityWarning
	case types.AnomalyTrafficSpike:
		base = types.SeverityWarning
		if crit, _ := a.Evidence["critical"].(bool); crit {
			base = types.SeverityCritical
		}
	case types.AnomalyComplianceDrift:
		base = types.SeverityInfo
		if v, _ := a.Evidence["violations"].([]string); len(v) > 1 {
			base = types.SeverityWarning
		}
	default:
		base = types.SeverityInfo
	}

	blast := types.SeverityInfo
	switch r := a.BlastRadius(); {
	case r >= d.cfg.BlastCritical:
		blast = types.SeverityCritical
	case r >= d.cfg.BlastWarning:
		blast = types.SeverityWarning
	}
	return types.MaxSeverity(base, blast)
}

func deviceName(snap *types.Snapshot, id string) string {
	if snap != nil {
		if d, ok := snap.Device(id); ok && d.DisplayName != "" {
			return d.DisplayName
		}
	}
	return id
}

func displayOr(d types.Device) string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

func sameViolations(a, b []string) bool {
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
