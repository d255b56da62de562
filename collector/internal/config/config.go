// Package config handles collector configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (TOPOMON_COLLECTOR_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	engine:
//	  url: https://topomon.pilot.net
//	  api_key: op://collectors/dc1-collector/api_key
//
//	collector:
//	  id: dc1-collector
//
//	snmp:
//	  interval: 30s
//	  targets:
//	    - address: 10.0.0.1
//	      community: env:DC1_COMMUNITY
//	    - address: 10.0.0.2
//	      version: v3
//	      v3:
//	        user: topomon
//	        auth_pass: op://snmp/core-v3/auth
//	        priv_pass: op://snmp/core-v3/priv
//
//	mndp:
//	  enabled: true
//	  interface: eth0
//
//	secrets:
//	  onepassword:
//	    host: http://op-connect:8080
//	    vault_id: 5x2v...
//
// Secret-bearing fields (api_key, community, auth_pass, priv_pass) accept
// references resolved at startup: "env:NAME" or "op://item/field".
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete collector configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Collector CollectorConfig `yaml:"collector"`
	SNMP      SNMPConfig      `yaml:"snmp"`
	MNDP      MNDPConfig      `yaml:"mndp"`
	Shipping  ShippingConfig  `yaml:"shipping"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// EngineConfig defines how to reach the engine.
type EngineConfig struct {
	URL    string `yaml:"url"`     // e.g., https://topomon.pilot.net
	APIKey string `yaml:"api_key"` // Bearer key, or a secret reference

	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// CollectorConfig defines collector identity.
type CollectorConfig struct {
	ID string `yaml:"id"` // Sent as X-Collector-ID
}

// SNMPConfig defines neighbour-table and counter polling.
type SNMPConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	Retries        int           `yaml:"retries"`
	MaxRepetitions uint32        `yaml:"max_repetitions"`
	Concurrency    int           `yaml:"concurrency"`

	// HoldTime is the TTL given to advertisements rebuilt from neighbour
	// tables. It must outlast the polling interval.
	HoldTime time.Duration `yaml:"hold_time"`

	// Counters enables IF-MIB octet counter sampling.
	Counters bool `yaml:"counters"`

	Targets []TargetConfig `yaml:"targets"`
}

// TargetConfig is one polled device.
type TargetConfig struct {
	Address   string   `yaml:"address"` // host or host:port
	Version   string   `yaml:"version"` // v2c (default) or v3
	Community string   `yaml:"community"`
	V3        V3Config `yaml:"v3,omitempty"`

	// Protocols limits which neighbour tables are walked; empty walks all.
	Protocols []string `yaml:"protocols,omitempty"`
}

// V3Config holds SNMPv3 USM credentials.
type V3Config struct {
	User      string `yaml:"user"`
	AuthProto string `yaml:"auth_proto,omitempty"` // md5, sha (default), sha256, sha512
	AuthPass  string `yaml:"auth_pass,omitempty"`
	PrivProto string `yaml:"priv_proto,omitempty"` // des, aes (default)
	PrivPass  string `yaml:"priv_pass,omitempty"`
}

// MNDPConfig defines the MikroTik neighbour discovery listener.
type MNDPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`

	// Interface is the collector-host interface the announcements arrive on.
	Interface string `yaml:"interface"`

	// LocalChassisID and LocalSystemName identify the collector host as the
	// receiving device. LocalSystemName defaults to the collector id.
	LocalChassisID  string `yaml:"local_chassis_id,omitempty"`
	LocalSystemName string `yaml:"local_system_name,omitempty"`
}

// ShippingConfig defines batching toward the engine.
type ShippingConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// MaxRetained bounds frames and samples kept for retry while the engine
	// is unreachable.
	MaxRetained int `yaml:"max_retained"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	OnePassword OnePasswordConfig `yaml:"onepassword"`
}

// OnePasswordConfig holds 1Password Connect settings.
type OnePasswordConfig struct {
	Host    string `yaml:"host"`     // OP_CONNECT_HOST
	Token   string `yaml:"token"`    // OP_CONNECT_TOKEN
	VaultID string `yaml:"vault_id"` // OP_VAULT_ID
}

// Enabled reports whether 1Password Connect is configured.
func (o OnePasswordConfig) Enabled() bool {
	return o.Host != "" && o.Token != "" && o.VaultID != ""
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			RequestTimeout: 30 * time.Second,
		},
		SNMP: SNMPConfig{
			Interval:       30 * time.Second,
			Timeout:        3 * time.Second,
			Retries:        1,
			MaxRepetitions: 20,
			Concurrency:    8,
			HoldTime:       120 * time.Second,
			Counters:       true,
		},
		MNDP: MNDPConfig{
			Listen: ":5678",
		},
		Shipping: ShippingConfig{
			BatchSize:    500,
			BatchTimeout: 5 * time.Second,
			MaxRetained:  20000,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
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

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}
	if u, err := url.Parse(c.Engine.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("engine.url %q is not an absolute URL", c.Engine.URL)
	}
	if c.Collector.ID == "" {
		return fmt.Errorf("collector.id is required")
	}
	if len(c.SNMP.Targets) == 0 && !c.MNDP.Enabled {
		return fmt.Errorf("nothing to collect: configure snmp.targets or enable mndp")
	}

	s := c.SNMP
	if len(s.Targets) > 0 {
		if s.Interval <= 0 {
			return fmt.Errorf("snmp.interval must be positive")
		}
		if s.HoldTime <= s.Interval {
			return fmt.Errorf("snmp.hold_time must be longer than snmp.interval")
		}
		if s.HoldTime > 65535*time.Second {
			return fmt.Errorf("snmp.hold_time must fit in 16 bits of seconds")
		}
		if s.Concurrency < 1 {
			return fmt.Errorf("snmp.concurrency must be at least 1")
		}
	}
	for i, t := range s.Targets {
		if t.Address == "" {
			return fmt.Errorf("snmp.targets[%d].address is required", i)
		}
		switch strings.ToLower(t.Version) {
		case "", "v2c", "2c":
		case "v3":
			if t.V3.User == "" {
				return fmt.Errorf("snmp.targets[%d].v3.user is required for v3", i)
			}
			if t.V3.PrivPass != "" && t.V3.AuthPass == "" {
				return fmt.Errorf("snmp.targets[%d]: v3 privacy requires authentication", i)
			}
		default:
			return fmt.Errorf("snmp.targets[%d].version %q is not supported (want v2c or v3)", i, t.Version)
		}
		for _, p := range t.Protocols {
			if p != "lldp" && p != "cdp" {
				return fmt.Errorf("snmp.targets[%d].protocols: unknown protocol %q", i, p)
			}
		}
	}

	if c.MNDP.Enabled && c.MNDP.Interface == "" {
		return fmt.Errorf("mndp.interface is required when mndp is enabled")
	}

	if c.Shipping.BatchSize < 1 {
		return fmt.Errorf("shipping.batch_size must be at least 1")
	}
	if c.Shipping.MaxRetained < c.Shipping.BatchSize {
		return fmt.Errorf("shipping.max_retained must be at least shipping.batch_size")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the TOPOMON_COLLECTOR_ prefix:
// - TOPOMON_COLLECTOR_ENGINE_URL
// - TOPOMON_COLLECTOR_API_KEY
// - TOPOMON_COLLECTOR_ID
// - TOPOMON_COLLECTOR_SNMP_INTERVAL (duration)
// - TOPOMON_COLLECTOR_SNMP_TARGETS (comma list of v2c addresses; community from
//   TOPOMON_COLLECTOR_SNMP_COMMUNITY)
// - TOPOMON_COLLECTOR_MNDP_INTERFACE (enables the listener)
// - TOPOMON_COLLECTOR_BATCH_SIZE
//
// 1Password Connect uses its conventional variables: OP_CONNECT_HOST,
// OP_CONNECT_TOKEN, OP_VAULT_ID.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TOPOMON_COLLECTOR_ENGINE_URL"); v != "" {
		c.Engine.URL = v
	}
	if v := os.Getenv("TOPOMON_COLLECTOR_API_KEY"); v != "" {
		c.Engine.APIKey = v
	}
	if v := os.Getenv("TOPOMON_COLLECTOR_ID"); v != "" {
		c.Collector.ID = v
	}
	if v := os.Getenv("TOPOMON_COLLECTOR_SNMP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SNMP.Interval = d
		}
	}
	if v := os.Getenv("TOPOMON_COLLECTOR_SNMP_TARGETS"); v != "" {
		community := os.Getenv("TOPOMON_COLLECTOR_SNMP_COMMUNITY")
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				c.SNMP.Targets = append(c.SNMP.Targets, TargetConfig{Address: addr, Community: community})
			}
		}
	}
	if v := os.Getenv("TOPOMON_COLLECTOR_MNDP_INTERFACE"); v != "" {
		c.MNDP.Enabled = true
		c.MNDP.Interface = v
	}
	if v := os.Getenv("TOPOMON_COLLECTOR_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shipping.BatchSize = n
		}
	}
	if v := os.Getenv("OP_CONNECT_HOST"); v != "" {
		c.Secrets.OnePassword.Host = v
	}
	if v := os.Getenv("OP_CONNECT_TOKEN"); v != "" {
		c.Secrets.OnePassword.Token = v
	}
	if v := os.Getenv("OP_VAULT_ID"); v != "" {
		c.Secrets.OnePassword.VaultID = v
	}
}
