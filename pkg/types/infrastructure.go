package types

import "time"

// InfrastructureHealth contains engine health metrics.
type InfrastructureHealth struct {
	Timestamp time.Time      `json:"timestamp"`
	Engine    EngineHealth   `json:"engine"`
	Pipeline  PipelineStats  `json:"pipeline"`
	Buffer    BufferHealth   `json:"buffer"`
	Topology  TopologyHealth `json:"topology"`
}

// EngineHealth contains process metrics.
type EngineHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// PipelineStats are cumulative pipeline counters.
type PipelineStats struct {
	FramesReceived     int64            `json:"frames_received"`
	FramesProcessed    int64            `json:"frames_processed"`
	ParseErrors        map[string]int64 `json:"parse_errors"` // by protocol
	IdentityConflicts  int64            `json:"identity_conflicts"`
	StaleWrites        int64            `json:"stale_writes"`
	Merges             int64            `json:"merges"`
	MetricSamples      int64            `json:"metric_samples"`
	UnresolvedSamples  int64            `json:"unresolved_samples"`
	Anomalies          map[string]int64 `json:"anomalies"` // by kind
	IncidentsOpened    int64            `json:"incidents_opened"`
	RejectedOperations int64            `json:"rejected_operations"`
	DispatchDropped    int64            `json:"dispatch_dropped"`
	DispatchFailed     int64            `json:"dispatch_failed"`
	Panics             int64            `json:"panics"`
}

// BufferHealth contains Redis frame buffer metrics.
type BufferHealth struct {
	Enabled    bool  `json:"enabled"`
	Connected  bool  `json:"connected"`
	QueueDepth int64 `json:"queue_depth"`
}

// TopologyHealth summarises the graph.
type TopologyHealth struct {
	Version     uint64 `json:"version"`
	Devices     int    `json:"devices"`
	Links       int    `json:"links"`
	StaleLinks  int    `json:"stale_links"`
	NeedsReview int    `json:"needs_review"`
}
