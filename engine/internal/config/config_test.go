package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestDefaultRelationships(t *testing.T) {
	if DefaultSweepInterval >= DefaultAdvertisementInterval {
		t.Errorf("DefaultSweepInterval (%v) should be less than DefaultAdvertisementInterval (%v)",
			DefaultSweepInterval, DefaultAdvertisementInterval)
	}
	if DefaultDeviceDownAfter < DefaultAdvertisementInterval {
		t.Errorf("DefaultDeviceDownAfter (%v) should cover at least one advertisement interval (%v)",
			DefaultDeviceDownAfter, DefaultAdvertisementInterval)
	}
	if DefaultBlastWarning >= DefaultBlastCritical {
		t.Errorf("DefaultBlastWarning (%d) should be less than DefaultBlastCritical (%d)",
			DefaultBlastWarning, DefaultBlastCritical)
	}
	if DefaultMinSamples > DefaultBaselineWindow {
		t.Errorf("DefaultMinSamples (%d) should fit in DefaultBaselineWindow (%d)",
			DefaultMinSamples, DefaultBaselineWindow)
	}
	if DefaultCloseCheckInterval >= DefaultReopenCooldown {
		t.Errorf("DefaultCloseCheckInterval (%v) should be less than DefaultReopenCooldown (%v)",
			DefaultCloseCheckInterval, DefaultReopenCooldown)
	}
	if DefaultPaginationLimit > MaxPaginationLimit {
		t.Errorf("DefaultPaginationLimit (%d) should not exceed MaxPaginationLimit (%d)",
			DefaultPaginationLimit, MaxPaginationLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"postgres without url", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.url"},
		{"sqlite without path", func(c *Config) { c.Database.Driver = DriverSQLite }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown database.driver"},
		{"redis feature without url", func(c *Config) { c.Redis.Cache = true }, "redis.url"},
		{"no protocols", func(c *Config) { c.Discovery.Protocols = ProtocolsConfig{} }, "discovery protocol"},
		{"zero grace", func(c *Config) { c.Discovery.GraceMultiplier = 0 }, "grace_multiplier"},
		{"sweep slower than adverts", func(c *Config) { c.Discovery.SweepInterval = time.Minute }, "sweep_interval"},
		{"negative k", func(c *Config) { c.Anomaly.KFactor = -1 }, "k_factor"},
		{"negative deviation floor", func(c *Config) { c.Anomaly.MinDeviation = -1 }, "min_deviation"},
		{"deviation floors disabled", func(c *Config) {
			c.Anomaly.MinDeviation = 0
			c.Anomaly.MinDeviationRatio = 0
		}, ""},
		{"min samples over window", func(c *Config) { c.Anomaly.MinSamples = 100 }, "min_samples"},
		{"blast thresholds inverted", func(c *Config) { c.Anomaly.BlastWarning = 20 }, "blast_warning"},
		{"bad cron", func(c *Config) { c.Snapshot.Schedule = "every five minutes" }, "snapshot.schedule"},
		{"auth without keys", func(c *Config) { c.Collectors.RequireAuth = true }, "collectors.keys"},
		{"zero burst", func(c *Config) { c.Collectors.Burst = 0 }, "burst"},
		{"sqlite ok", func(c *Config) {
			c.Database.Driver = DriverSQLite
			c.Database.Path = "/var/lib/topomon/topomon.db"
		}, ""},
		{"cron 5 field ok", func(c *Config) { c.Snapshot.Schedule = "*/5 * * * *" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topomon.yaml")
	data := `
server:
  port: 9090
discovery:
  protocols:
    lldp: true
    cdp: false
    mdp: false
  grace_multiplier: 5
anomaly:
  k_factor: 2.5
  min_deviation: 0
incident:
  reopen_cooldown: 30m
notify:
  webhooks:
    - url: https://hooks.example.net/noc
      min_severity: critical
      timeout: 3s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if got := cfg.Discovery.Protocols.Enabled(); len(got) != 1 || got[0] != types.ProtocolLLDP {
		t.Errorf("expected only lldp enabled, got %v", got)
	}
	if cfg.GraphConfig().Grace() != 5*DefaultAdvertisementInterval {
		t.Errorf("expected grace of 5 intervals, got %v", cfg.GraphConfig().Grace())
	}
	if cfg.DetectorConfig().KFactor != 2.5 {
		t.Errorf("expected k 2.5, got %v", cfg.DetectorConfig().KFactor)
	}
	if d := cfg.DetectorConfig(); d.MinDeviation != 0 || d.MinDeviationRatio != DefaultMinDeviationRatio {
		t.Errorf("expected absolute floor disabled and default ratio, got %v and %v", d.MinDeviation, d.MinDeviationRatio)
	}
	if cfg.OrchestratorConfig().ReopenCooldown != 30*time.Minute {
		t.Errorf("expected cooldown 30m, got %v", cfg.OrchestratorConfig().ReopenCooldown)
	}
	if len(cfg.Notify.Webhooks) != 1 || cfg.Notify.Webhooks[0].Timeout != 3*time.Second {
		t.Errorf("unexpected webhooks %+v", cfg.Notify.Webhooks)
	}
	// untouched sections keep their defaults
	if cfg.Anomaly.BaselineWindow != DefaultBaselineWindow {
		t.Errorf("expected default baseline window, got %d", cfg.Anomaly.BaselineWindow)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TOPOMON_PORT", "7070")
	t.Setenv("TOPOMON_DATABASE_URL", "postgres://db/topomon")
	t.Setenv("TOPOMON_PROTOCOLS", "cdp, MDP")
	t.Setenv("TOPOMON_REOPEN_COOLDOWN", "1h")
	t.Setenv("TOPOMON_COLLECTOR_KEYS", `{"dc1":"$2a$10$abc"}`)
	t.Setenv("TOPOMON_WEBHOOK_URL", "https://hooks.example.net/x")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.URL != "postgres://db/topomon" {
		t.Errorf("expected postgres driver from url, got %+v", cfg.Database)
	}
	if cfg.Discovery.Protocols != (ProtocolsConfig{CDP: true, MDP: true}) {
		t.Errorf("unexpected protocols %+v", cfg.Discovery.Protocols)
	}
	if cfg.Incident.ReopenCooldown != time.Hour {
		t.Errorf("expected cooldown 1h, got %v", cfg.Incident.ReopenCooldown)
	}
	if cfg.Collectors.Keys["dc1"] != "$2a$10$abc" {
		t.Errorf("expected collector key, got %v", cfg.Collectors.Keys)
	}
	if len(cfg.Notify.Webhooks) != 1 {
		t.Errorf("expected webhook added, got %d", len(cfg.Notify.Webhooks))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected overridden config to validate, got %v", err)
	}
}
