// Package metrics provides pipeline telemetry and process health for the engine.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/topomon/pkg/types"
)

// BufferStatsProvider reports the ingest buffer depth.
type BufferStatsProvider interface {
	Len(ctx context.Context) (int64, error)
}

// TopologyStatsProvider summarises the current graph.
type TopologyStatsProvider interface {
	TopologyHealth() types.TopologyHealth
}

// DispatchStatsProvider reports delivery failures of the dispatcher.
type DispatchStatsProvider interface {
	DeliveryStats() (dropped, failed int64)
}

// Collector gathers infrastructure metrics with caching.
type Collector struct {
	counters *Counters
	topology TopologyStatsProvider
	buffer   BufferStatsProvider   // may be nil if buffer is disabled
	dispatch DispatchStatsProvider // may be nil

	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.InfrastructureHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(counters *Counters, topology TopologyStatsProvider, buffer BufferStatsProvider, dispatch DispatchStatsProvider) *Collector {
	return &Collector{
		counters:      counters,
		topology:      topology,
		buffer:        buffer,
		dispatch:      dispatch,
		startTime:     time.Now(),
		cacheDuration: 10 * time.Second,
	}
}

// PipelineStats returns the live pipeline counters (uncached).
func (c *Collector) PipelineStats() types.PipelineStats {
	stats := c.counters.Snapshot()
	if c.dispatch != nil {
		stats.DispatchDropped, stats.DispatchFailed = c.dispatch.DeliveryStats()
	}
	return stats
}

// GetInfrastructureHealth returns the current infrastructure health metrics.
// Results are cached for 10 seconds; process sampling is not free.
func (c *Collector) GetInfrastructureHealth(ctx context.Context) (*types.InfrastructureHealth, error) {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health := &types.InfrastructureHealth{
		Timestamp: time.Now(),
		Engine:    c.collectEngineHealth(),
		Pipeline:  c.PipelineStats(),
		Buffer:    c.collectBufferHealth(ctx),
	}
	if c.topology != nil {
		health.Topology = c.topology.TopologyHealth()
	}

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health, nil
}

func (c *Collector) collectEngineHealth() types.EngineHealth {
	health := types.EngineHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	// Get process metrics using gopsutil
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

func (c *Collector) collectBufferHealth(ctx context.Context) types.BufferHealth {
	if c.buffer == nil {
		return types.BufferHealth{}
	}

	depth, err := c.buffer.Len(ctx)
	if err != nil {
		return types.BufferHealth{Enabled: true}
	}
	return types.BufferHealth{
		Enabled:    true,
		Connected:  true,
		QueueDepth: depth,
	}
}
