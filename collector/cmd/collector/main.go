// Command collector polls LLDP/CDP neighbour tables over SNMP, listens for
// MNDP announcements, and ships the resulting frames to the topomon engine.
//
// # Usage
//
//	collector --engine https://topomon.pilot.net --id dc1-collector
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (TOPOMON_COLLECTOR_*)
// - Config file (--config)
//
// # Examples
//
// Run with a config file:
//
//	collector --config /etc/topomon/collector.yaml
//
// Poll two switches with a community from the environment:
//
//	TOPOMON_COLLECTOR_ENGINE_URL=https://topomon.pilot.net \
//	TOPOMON_COLLECTOR_ID=dc1 \
//	TOPOMON_COLLECTOR_SNMP_TARGETS=10.0.0.1,10.0.0.2 \
//	TOPOMON_COLLECTOR_SNMP_COMMUNITY=env:DC1_COMMUNITY \
//	collector
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/topomon/collector"
	"github.com/pilot-net/topomon/collector/internal/config"
)

func main() {
	// Parse flags
	var (
		configFile = flag.String("config", "", "Path to config file")
		engineURL  = flag.String("engine", "", "Engine URL")
		apiKey     = flag.String("api-key", "", "Engine API key (or env:/op:// reference)")
		id         = flag.String("id", "", "Collector ID")
		mndpIface  = flag.String("mndp-interface", "", "Enable the MNDP listener for this interface")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("topomon-collector %s\n", collector.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration
	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	// Apply flag overrides
	if *engineURL != "" {
		cfg.Engine.URL = *engineURL
	}
	if *apiKey != "" {
		cfg.Engine.APIKey = *apiKey
	}
	if *id != "" {
		cfg.Collector.ID = *id
	}
	if *mndpIface != "" {
		cfg.MNDP.Enabled = true
		cfg.MNDP.Interface = *mndpIface
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	c, err := collector.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create collector", "error", err)
		os.Exit(1)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting topomon collector",
		"id", cfg.Collector.ID,
		"engine", cfg.Engine.URL,
		"targets", len(cfg.SNMP.Targets),
		"mndp", cfg.MNDP.Enabled)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("collector exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("collector shutdown complete")
}
