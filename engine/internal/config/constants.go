package config

// This file centralizes default values so they are easy to find, modify, and
// test. Every one of them can be overridden in the config file.

import "time"

// Discovery timing. LLDP's conventional transmit interval is 30s with a hold
// multiplier of 4 (TTL 120s); the grace period runs after a link goes stale.
const (
	// DefaultAdvertisementInterval is the expected re-advertisement period.
	DefaultAdvertisementInterval = 30 * time.Second

	// DefaultGraceMultiplier times the advertisement interval is how long a
	// stale link is kept before it is removed.
	DefaultGraceMultiplier = 3

	// DefaultSweepInterval is how often expired and stale links are swept.
	// Must be shorter than the advertisement interval.
	DefaultSweepInterval = 10 * time.Second

	// DefaultMDPHoldTime is the TTL given to MNDP announcements, which carry none.
	DefaultMDPHoldTime = 120 * time.Second

	// DefaultFeedBuffer is the per-protocol feed channel capacity.
	DefaultFeedBuffer = 1024
)

// Anomaly detection thresholds.
const (
	DefaultKFactor          = 3.0
	DefaultBaselineWindow   = 60
	DefaultMinSamples       = 10
	DefaultSustainedSamples = 3

	// DefaultMinDeviation (bps) and DefaultMinDeviationRatio (of the baseline
	// mean) floor the deviation behind the traffic spike threshold.
	DefaultMinDeviation      = 1000.0
	DefaultMinDeviationRatio = 0.02

	// DefaultMinStability - a link must have been up this long before its loss
	// is reported.
	DefaultMinStability = 60 * time.Second

	// DefaultDeviceDownAfter - a device with no active links is reported down
	// after going unobserved this long.
	DefaultDeviceDownAfter = 90 * time.Second

	// Blast radius (devices + links touched) severity thresholds.
	DefaultBlastWarning  = 3
	DefaultBlastCritical = 10
)

// Incident lifecycle.
const (
	// DefaultReopenCooldown is how long a resolved incident can be reopened by
	// a repeat anomaly before it is closed.
	DefaultReopenCooldown = 15 * time.Minute

	// DefaultCloseCheckInterval is how often resolved incidents past their
	// cooldown are closed.
	DefaultCloseCheckInterval = time.Minute
)

// Snapshot persistence.
const (
	// DefaultSnapshotSchedule is a robfig/cron spec.
	DefaultSnapshotSchedule = "@every 5m"

	// DefaultSnapshotRetention is how long persisted snapshots are kept.
	DefaultSnapshotRetention = 7 * 24 * time.Hour
)

// Collector ingest limits.
const (
	// DefaultCollectorRateLimit is the sustained uploads per second allowed
	// per collector.
	DefaultCollectorRateLimit = 5.0

	// DefaultCollectorBurst is the upload burst allowed per collector.
	DefaultCollectorBurst = 20

	// MaxUploadBytes bounds a single (decompressed) upload body.
	MaxUploadBytes = 8 << 20

	// MaxFramesPerBatch bounds the frames in a single batch.
	MaxFramesPerBatch = 5000
)

// Pagination defaults for API list endpoints.
const (
	DefaultPaginationLimit = 100
	MaxPaginationLimit     = 1000
)

// Timeouts.
const (
	DefaultShutdownTimeout = 30 * time.Second
	DatabasePingTimeout    = 5 * time.Second
	RedisConnectionTimeout = 5 * time.Second

	// CacheTTLComponents bounds how long a versioned component view is kept.
	CacheTTLComponents = 5 * time.Minute
)
