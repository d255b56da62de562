package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/pilot-net/topomon/pkg/types"
)

// Counters are cumulative pipeline telemetry counters. The zero value is ready
// to use; all methods are safe for concurrent use.
type Counters struct {
	framesReceived     atomic.Int64
	framesProcessed    atomic.Int64
	identityConflicts  atomic.Int64
	staleWrites        atomic.Int64
	merges             atomic.Int64
	metricSamples      atomic.Int64
	unresolvedSamples  atomic.Int64
	incidentsOpened    atomic.Int64
	rejectedOperations atomic.Int64
	panics             atomic.Int64

	mu          sync.Mutex
	parseErrors map[string]int64
	anomalies   map[string]int64
}

// FrameReceived counts a frame accepted by a feed.
func (c *Counters) FrameReceived() { c.framesReceived.Add(1) }

// FrameProcessed counts a frame that made it through the graph.
func (c *Counters) FrameProcessed() { c.framesProcessed.Add(1) }

func (c *Counters) IdentityConflict() { c.identityConflicts.Add(1) }
func (c *Counters) StaleWrite() { c.staleWrites.Add(1) }
func (c *Counters) Merges(n int) { c.merges.Add(int64(n)) }
func (c *Counters) MetricSample() { c.metricSamples.Add(1) }
func (c *Counters) UnresolvedSample() { c.unresolvedSamples.Add(1) }
func (c *Counters) IncidentOpened() { c.incidentsOpened.Add(1) }
func (c *Counters) RejectedOperation() { c.rejectedOperations.Add(1) }
func (c *Counters) Panic() { c.panics.Add(1) }

// ParseError counts a dropped frame for a protocol.
func (c *Counters) ParseError(p types.Protocol) {
	c.mu.Lock()
	if c.parseErrors == nil {
		c.parseErrors = make(map[string]int64)
	}
	c.parseErrors[string(p)]++
	c.mu.Unlock()
}

// Anomaly counts an emitted anomaly by kind.
func (c *Counters) Anomaly(kind types.AnomalyKind) {
	c.mu.Lock()
	if c.anomalies == nil {
		c.anomalies = make(map[string]int64)
	}
	c.anomalies[string(kind)]++
	c.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (c *Counters) Snapshot() types.PipelineStats {
	s := types.PipelineStats{
		FramesReceived:     c.framesReceived.Load(),
		FramesProcessed:    c.framesProcessed.Load(),
		IdentityConflicts:  c.identityConflicts.Load(),
		StaleWrites:        c.staleWrites.Load(),
		Merges:             c.merges.Load(),
		MetricSamples:      c.metricSamples.Load(),
		UnresolvedSamples:  c.unresolvedSamples.Load(),
		IncidentsOpened:    c.incidentsOpened.Load(),
		RejectedOperations: c.rejectedOperations.Load(),
		Panics:             c.panics.Load(),
		ParseErrors:        make(map[string]int64),
		Anomalies:          make(map[string]int64),
	}
	c.mu.Lock()
	for k, v := range c.parseErrors {
		s.ParseErrors[k] = v
	}
	for k, v := range c.anomalies {
		s.Anomalies[k] = v
	}
	c.mu.Unlock()
	return s
}
