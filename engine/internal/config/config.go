// Package config loads and validates engine configuration.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (TOPOMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  port: 8080
//
//	database:
//	  driver: postgres
//	  url: postgres://localhost:5432/topomon?sslmode=disable
//
//	redis:
//	  url: redis://localhost:6379/0
//	  buffer: true
//	  cache: true
//	  pubsub: true
//
//	discovery:
//	  protocols: {lldp: true, cdp: true, mdp: false}
//	  advertisement_interval: 30s
//	  grace_multiplier: 3
//
//	anomaly:
//	  k_factor: 3
//	  baseline_window: 60
//	  min_deviation: 1000
//
//	incident:
//	  reopen_cooldown: 15m
//
//	compliance:
//	  profile: /etc/topomon/compliance.yaml
//
//	notify:
//	  webhooks:
//	    - url: https://hooks.example.net/noc
//	      min_severity: warning
//
//	collectors:
//	  require_auth: true
//	  keys:
//	    dc1-collector: $2a$10$...
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/pilot-net/topomon/engine/internal/anomaly"
	"github.com/pilot-net/topomon/engine/internal/dispatch"
	"github.com/pilot-net/topomon/engine/internal/incident"
	"github.com/pilot-net/topomon/engine/internal/notify"
	"github.com/pilot-net/topomon/engine/internal/topology"
	"github.com/pilot-net/topomon/pkg/types"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNone     = "none"
)

// Config is the complete engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Incident   IncidentConfig   `yaml:"incident"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Notify     NotifyConfig     `yaml:"notify"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Collectors CollectorsConfig `yaml:"collectors"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig selects the persistence collaborator.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres, sqlite, none
	URL    string `yaml:"url"`    // postgres
	Path   string `yaml:"path"`   // sqlite
}

// RedisConfig enables the Redis-backed features. All are off without a URL.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Buffer  bool   `yaml:"buffer"`  // queue collector uploads through Redis
	Cache   bool   `yaml:"cache"`   // cache derived topology views
	PubSub  bool   `yaml:"pubsub"`  // publish incident events
	Channel string `yaml:"channel"` // pub/sub channel; default topomon:incidents
}

// ProtocolsConfig holds the discovery protocol enable flags.
type ProtocolsConfig struct {
	LLDP bool `yaml:"lldp"`
	CDP  bool `yaml:"cdp"`
	MDP  bool `yaml:"mdp"`
}

// Enabled lists enabled protocols in a stable order.
func (p ProtocolsConfig) Enabled() []types.Protocol {
	var out []types.Protocol
	if p.LLDP {
		out = append(out, types.ProtocolLLDP)
	}
	if p.CDP {
		out = append(out, types.ProtocolCDP)
	}
	if p.MDP {
		out = append(out, types.ProtocolMDP)
	}
	return out
}

// DiscoveryConfig defines ingestion and staleness behavior.
type DiscoveryConfig struct {
	Protocols             ProtocolsConfig `yaml:"protocols"`
	AdvertisementInterval time.Duration   `yaml:"advertisement_interval"`
	GraceMultiplier       int             `yaml:"grace_multiplier"`
	SweepInterval         time.Duration   `yaml:"sweep_interval"`
	MDPHoldTime           time.Duration   `yaml:"mdp_hold_time"`
	FeedBuffer            int             `yaml:"feed_buffer"`
}

// AnomalyConfig defines detection thresholds.
type AnomalyConfig struct {
	KFactor           float64       `yaml:"k_factor"`
	BaselineWindow    int           `yaml:"baseline_window"`
	MinSamples        int           `yaml:"min_samples"`
	SustainedSamples  int           `yaml:"sustained_samples"`
	MinDeviation      float64       `yaml:"min_deviation"`
	MinDeviationRatio float64       `yaml:"min_deviation_ratio"`
	MinStability      time.Duration `yaml:"min_stability"`
	DeviceDownAfter   time.Duration `yaml:"device_down_after"`
	BlastWarning      int           `yaml:"blast_warning"`
	BlastCritical     int           `yaml:"blast_critical"`
}

// IncidentConfig defines the incident lifecycle timing.
type IncidentConfig struct {
	ReopenCooldown     time.Duration `yaml:"reopen_cooldown"`
	CloseCheckInterval time.Duration `yaml:"close_check_interval"`
}

// ComplianceConfig selects the compliance profile. Empty uses the built-in one.
type ComplianceConfig struct {
	Profile string `yaml:"profile"`
}

// NotifyConfig defines notification targets and delivery retries.
type NotifyConfig struct {
	Webhooks []notify.WebhookConfig `yaml:"webhooks"`
	Log      bool                   `yaml:"log"`

	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SnapshotConfig defines periodic snapshot persistence.
type SnapshotConfig struct {
	Schedule  string        `yaml:"schedule"` // cron spec, e.g. "@every 5m" or "*/5 * * * *"
	Retention time.Duration `yaml:"retention"`
}

// CollectorsConfig defines collector authentication and rate limiting.
type CollectorsConfig struct {
	RequireAuth bool              `yaml:"require_auth"`
	Keys        map[string]string `yaml:"keys"` // collector id -> bcrypt hash of its API key
	RateLimit   float64           `yaml:"rate_limit"`
	Burst       int               `yaml:"burst"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	dispatchDefaults := dispatch.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: DriverNone,
		},
		Discovery: DiscoveryConfig{
			Protocols:             ProtocolsConfig{LLDP: true, CDP: true, MDP: true},
			AdvertisementInterval: DefaultAdvertisementInterval,
			GraceMultiplier:       DefaultGraceMultiplier,
			SweepInterval:         DefaultSweepInterval,
			MDPHoldTime:           DefaultMDPHoldTime,
			FeedBuffer:            DefaultFeedBuffer,
		},
		Anomaly: AnomalyConfig{
			KFactor:           DefaultKFactor,
			BaselineWindow:    DefaultBaselineWindow,
			MinSamples:        DefaultMinSamples,
			SustainedSamples:  DefaultSustainedSamples,
			MinDeviation:      DefaultMinDeviation,
			MinDeviationRatio: DefaultMinDeviationRatio,
			MinStability:      DefaultMinStability,
			DeviceDownAfter:   DefaultDeviceDownAfter,
			BlastWarning:      DefaultBlastWarning,
			BlastCritical:     DefaultBlastCritical,
		},
		Incident: IncidentConfig{
			ReopenCooldown:     DefaultReopenCooldown,
			CloseCheckInterval: DefaultCloseCheckInterval,
		},
		Notify: NotifyConfig{
			Log:            true,
			Workers:        dispatchDefaults.Workers,
			QueueSize:      dispatchDefaults.QueueSize,
			MaxAttempts:    dispatchDefaults.MaxAttempts,
			InitialBackoff: dispatchDefaults.InitialBackoff,
			MaxBackoff:     dispatchDefaults.MaxBackoff,
		},
		Snapshot: SnapshotConfig{
			Schedule:  DefaultSnapshotSchedule,
			Retention: DefaultSnapshotRetention,
		},
		Collectors: CollectorsConfig{
			Keys:      make(map[string]string),
			RateLimit: DefaultCollectorRateLimit,
			Burst:     DefaultCollectorBurst,
		},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverNone:
	default:
		return fmt.Errorf("unknown database.driver %q (want postgres, sqlite or none)", c.Database.Driver)
	}

	if (c.Redis.Buffer || c.Redis.Cache || c.Redis.PubSub) && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when a redis feature is enabled")
	}

	d := c.Discovery
	if len(d.Protocols.Enabled()) == 0 {
		return fmt.Errorf("at least one discovery protocol must be enabled")
	}
	if d.AdvertisementInterval <= 0 {
		return fmt.Errorf("discovery.advertisement_interval must be positive")
	}
	if d.GraceMultiplier < 1 {
		return fmt.Errorf("discovery.grace_multiplier must be at least 1")
	}
	if d.SweepInterval <= 0 || d.SweepInterval > d.AdvertisementInterval {
		return fmt.Errorf("discovery.sweep_interval must be positive and no longer than the advertisement interval")
	}

	a := c.Anomaly
	if a.KFactor <= 0 {
		return fmt.Errorf("anomaly.k_factor must be positive")
	}
	if a.MinSamples < 2 || a.MinSamples > a.BaselineWindow {
		return fmt.Errorf("anomaly.min_samples must be between 2 and baseline_window")
	}
	if a.SustainedSamples < 1 {
		return fmt.Errorf("anomaly.sustained_samples must be at least 1")
	}
	if a.MinDeviation < 0 || a.MinDeviationRatio < 0 {
		return fmt.Errorf("anomaly.min_deviation and min_deviation_ratio must not be negative")
	}
	if a.BlastWarning >= a.BlastCritical {
		return fmt.Errorf("anomaly.blast_warning must be below blast_critical")
	}

	if c.Incident.ReopenCooldown <= 0 {
		return fmt.Errorf("incident.reopen_cooldown must be positive")
	}

	if c.Snapshot.Schedule != "" {
		if _, err := cron.ParseStandard(c.Snapshot.Schedule); err != nil {
			return fmt.Errorf("invalid snapshot.schedule: %w", err)
		}
	}

	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}

	if c.Collectors.RequireAuth && len(c.Collectors.Keys) == 0 {
		return fmt.Errorf("collectors.keys is required when collectors.require_auth is set")
	}
	if c.Collectors.RateLimit <= 0 || c.Collectors.Burst < 1 {
		return fmt.Errorf("collectors.rate_limit and collectors.burst must be positive")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the TOPOMON_ prefix:
// - TOPOMON_PORT
// - TOPOMON_DATABASE_DRIVER, TOPOMON_DATABASE_URL, TOPOMON_DATABASE_PATH
// - TOPOMON_REDIS_URL
// - TOPOMON_PROTOCOLS (comma list, e.g. "lldp,cdp")
// - TOPOMON_GRACE_MULTIPLIER
// - TOPOMON_K_FACTOR
// - TOPOMON_REOPEN_COOLDOWN (duration)
// - TOPOMON_COMPLIANCE_PROFILE
// - TOPOMON_WEBHOOK_URL (adds a webhook)
// - TOPOMON_SNAPSHOT_SCHEDULE
// - TOPOMON_COLLECTOR_KEYS (JSON object, e.g. '{"dc1":"$2a$10$..."}')
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TOPOMON_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("TOPOMON_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("TOPOMON_DATABASE_URL"); v != "" {
		c.Database.URL = v
		if os.Getenv("TOPOMON_DATABASE_DRIVER") == "" {
			c.Database.Driver = DriverPostgres
		}
	}
	if v := os.Getenv("TOPOMON_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TOPOMON_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("TOPOMON_PROTOCOLS"); v != "" {
		var p ProtocolsConfig
		for _, name := range strings.Split(v, ",") {
			switch types.Protocol(strings.ToLower(strings.TrimSpace(name))) {
			case types.ProtocolLLDP:
				p.LLDP = true
			case types.ProtocolCDP:
				p.CDP = true
			case types.ProtocolMDP:
				p.MDP = true
			}
		}
		c.Discovery.Protocols = p
	}
	if v := os.Getenv("TOPOMON_GRACE_MULTIPLIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Discovery.GraceMultiplier = n
		}
	}
	if v := os.Getenv("TOPOMON_K_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Anomaly.KFactor = f
		}
	}
	if v := os.Getenv("TOPOMON_REOPEN_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Incident.ReopenCooldown = d
		}
	}
	if v := os.Getenv("TOPOMON_COMPLIANCE_PROFILE"); v != "" {
		c.Compliance.Profile = v
	}
	if v := os.Getenv("TOPOMON_WEBHOOK_URL"); v != "" {
		c.Notify.Webhooks = append(c.Notify.Webhooks, notify.WebhookConfig{URL: v})
	}
	if v := os.Getenv("TOPOMON_SNAPSHOT_SCHEDULE"); v != "" {
		c.Snapshot.Schedule = v
	}
	if v := os.Getenv("TOPOMON_COLLECTOR_KEYS"); v != "" {
		var keys map[string]string
		if err := json.Unmarshal([]byte(v), &keys); err == nil {
			if c.Collectors.Keys == nil {
				c.Collectors.Keys = make(map[string]string)
			}
			for id, hash := range keys {
				c.Collectors.Keys[id] = hash
			}
		}
	}
}

// =============================================================================
// COMPONENT CONFIGS
// =============================================================================

// GraphConfig returns the graph staleness settings.
func (c *Config) GraphConfig() topology.Config {
	return topology.Config{
		AdvertisementInterval: c.Discovery.AdvertisementInterval,
		GraceMultiplier:       c.Discovery.GraceMultiplier,
	}
}

// DetectorConfig returns the detector thresholds.
func (c *Config) DetectorConfig() anomaly.Config {
	cfg := anomaly.DefaultConfig()
	cfg.KFactor = c.Anomaly.KFactor
	cfg.BaselineWindow = c.Anomaly.BaselineWindow
	cfg.MinSamples = c.Anomaly.MinSamples
	cfg.SustainedSamples = c.Anomaly.SustainedSamples
	cfg.MinDeviation = c.Anomaly.MinDeviation
	cfg.MinDeviationRatio = c.Anomaly.MinDeviationRatio
	cfg.MinStability = c.Anomaly.MinStability
	cfg.DeviceDownAfter = c.Anomaly.DeviceDownAfter
	cfg.BlastWarning = c.Anomaly.BlastWarning
	cfg.BlastCritical = c.Anomaly.BlastCritical
	return cfg
}

// OrchestratorConfig returns the orchestrator settings.
func (c *Config) OrchestratorConfig() incident.Config {
	return incident.Config{ReopenCooldown: c.Incident.ReopenCooldown}
}

// DispatcherConfig returns the delivery settings.
func (c *Config) DispatcherConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.Workers = c.Notify.Workers
	cfg.QueueSize = c.Notify.QueueSize
	cfg.MaxAttempts = c.Notify.MaxAttempts
	cfg.InitialBackoff = c.Notify.InitialBackoff
	cfg.MaxBackoff = c.Notify.MaxBackoff
	return cfg
}
