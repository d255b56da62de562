// Command server runs the topomon correlation engine.
//
// # Usage
//
//	server --config /etc/topomon/engine.yaml --port 8080
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (TOPOMON_*)
// - A YAML config file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/topomon/db/migrate"
	"github.com/pilot-net/topomon/engine/internal/anomaly"
	"github.com/pilot-net/topomon/engine/internal/api"
	"github.com/pilot-net/topomon/engine/internal/buffer"
	"github.com/pilot-net/topomon/engine/internal/cache"
	"github.com/pilot-net/topomon/engine/internal/compliance"
	"github.com/pilot-net/topomon/engine/internal/config"
	"github.com/pilot-net/topomon/engine/internal/dispatch"
	"github.com/pilot-net/topomon/engine/internal/incident"
	"github.com/pilot-net/topomon/engine/internal/metrics"
	"github.com/pilot-net/topomon/engine/internal/normalize"
	"github.com/pilot-net/topomon/engine/internal/notify"
	"github.com/pilot-net/topomon/engine/internal/pipeline"
	"github.com/pilot-net/topomon/engine/internal/registry"
	"github.com/pilot-net/topomon/engine/internal/store"
	"github.com/pilot-net/topomon/engine/internal/store/sqlite"
	"github.com/pilot-net/topomon/engine/internal/topology"
	"github.com/pilot-net/topomon/engine/internal/worker"
)

const serverVersion = "topomon-engine v0.1.0"

// persistence is what a database backend provides to the engine.
type persistence interface {
	dispatch.Store
	pipeline.Loader
	pipeline.Pruner
	Ping(ctx context.Context) error
}

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		port          = flag.Int("port", 0, "HTTP server port (overrides config)")
		debug         = flag.Bool("debug", false, "Enable debug logging")
		migrateStatus = flag.Bool("migrate-status", false, "Print database migration status and exit")
		version       = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(serverVersion)
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

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, closeDB, err := openStore(ctx, cfg.Database, logger, *migrateStatus)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer closeDB()
	if *migrateStatus {
		os.Exit(0)
	}

	// Redis: one client shared by buffer, cache and pub/sub
	var (
		redisClient *redis.Client
		ingest      *buffer.Buffer
		views       *cache.Cache
	)
	if cfg.Redis.URL != "" {
		redisClient, err = buffer.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("connected to redis",
			"buffer", cfg.Redis.Buffer,
			"cache", cfg.Redis.Cache,
			"pubsub", cfg.Redis.PubSub)

		if cfg.Redis.Buffer {
			ingest = buffer.New(redisClient, logger)
		}
		if cfg.Redis.Cache {
			views = cache.New(redisClient, config.CacheTTLComponents, logger)
		}
	}

	// Notifiers
	var notifiers []dispatch.Notifier
	for _, wc := range cfg.Notify.Webhooks {
		wh, err := notify.NewWebhook(wc)
		if err != nil {
			logger.Error("invalid webhook", "url", wc.URL, "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, wh)
	}
	if redisClient != nil && cfg.Redis.PubSub {
		notifiers = append(notifiers, notify.NewRedisPublisher(redisClient, cfg.Redis.Channel))
	}
	if cfg.Notify.Log {
		notifiers = append(notifiers, notify.NewLog(logger))
	}

	dispatcher := dispatch.New(db, notifiers, cfg.DispatcherConfig(), logger)
	dispatcher.Start()

	// Compliance
	profile := compliance.DefaultProfile()
	if cfg.Compliance.Profile != "" {
		profile, err = compliance.LoadProfile(cfg.Compliance.Profile)
		if err != nil {
			logger.Error("failed to load compliance profile", "path", cfg.Compliance.Profile, "error", err)
			os.Exit(1)
		}
	}
	checker, err := compliance.NewChecker(profile)
	if err != nil {
		logger.Error("invalid compliance profile", "error", err)
		os.Exit(1)
	}
	logger.Info("compliance profile loaded", "profile", checker.Profile())

	// Engine
	counters := &metrics.Counters{}
	graph := topology.New(cfg.GraphConfig(), logger)
	orchestrator := incident.New(cfg.OrchestratorConfig(), logger, incident.WithSink(dispatcher))

	pcfg := pipeline.Config{
		Protocols:         cfg.Discovery.Protocols.Enabled(),
		FeedBuffer:        cfg.Discovery.FeedBuffer,
		SnapshotSchedule:  cfg.Snapshot.Schedule,
		SnapshotRetention: cfg.Snapshot.Retention,
	}
	comps := pipeline.Components{
		Normalizer: normalize.New(normalize.Options{MDPHoldTime: cfg.Discovery.MDPHoldTime}),
		Registry:   registry.New(checker, logger),
		Graph:      graph,
		Detector:   anomaly.New(cfg.DetectorConfig(), logger),
		Incidents:  orchestrator,
		Publisher:  dispatcher,
		Counters:   counters,
		Pruner:     db,
	}
	pipe := pipeline.New(pcfg, comps, logger)

	if db != nil {
		restoreCtx, restoreCancel := context.WithTimeout(ctx, 30*time.Second)
		err := pipe.Restore(restoreCtx, db)
		restoreCancel()
		if err != nil {
			logger.Error("failed to restore state", "error", err)
			os.Exit(1)
		}
	}
	// Graph versions restart after a restore, so views cached by a previous
	// run can collide with new versions.
	if views != nil {
		if err := views.InvalidateComponents(ctx); err != nil {
			logger.Warn("failed to clear cached views", "error", err)
		}
	}

	if err := pipe.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	// Workers
	sweeper := worker.NewSweepWorker(graph, pipe.HandleSweep,
		worker.SweepWorkerConfig{Interval: cfg.Discovery.SweepInterval}, logger)
	sweeper.Start(ctx)

	closer := worker.NewIncidentWorker(orchestrator,
		worker.IncidentWorkerConfig{Interval: cfg.Incident.CloseCheckInterval}, logger)
	closer.Start(ctx)

	var drainer *buffer.Drainer
	if ingest != nil {
		drainer = buffer.NewDrainer(ingest, pipe, logger)
		drainer.Start(ctx)
	}

	// Metrics and API
	var bufferStats metrics.BufferStatsProvider
	if ingest != nil {
		bufferStats = ingest
	}
	collector := metrics.NewCollector(counters, pipe, bufferStats, dispatcher)

	opts := api.Options{
		Health: collector,
		Auth: api.CollectorAuthConfig{
			Enabled:   cfg.Collectors.RequireAuth,
			Keys:      cfg.Collectors.Keys,
			RateLimit: cfg.Collectors.RateLimit,
			Burst:     cfg.Collectors.Burst,
		},
	}
	if ingest != nil {
		opts.Buffer = ingest
	}
	if views != nil {
		opts.Cache = views
	}
	apiServer := api.NewServer(pipe, opts, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("starting server",
			"port", cfg.Server.Port,
			"protocols", pcfg.Protocols,
			"database", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	// Graceful shutdown: stop intake first, then drain inward.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if drainer != nil {
		drainer.Stop()
	}
	sweeper.Stop()
	closer.Stop()

	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown error", "error", err)
	}
	cancel()

	logger.Info("shutdown complete")
}

// openStore connects the configured backend. It returns a nil persistence
// for the none driver. With statusOnly set, postgres migration status is
// printed instead of applying migrations.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger, statusOnly bool) (persistence, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := store.NewStoreFromURL(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := pingStore(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		if statusOnly {
			status, err := migrate.GetStatus(ctx, db.Pool())
			if err != nil {
				db.Close()
				return nil, nil, err
			}
			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
			return db, db.Close, nil
		}
		if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrating: %w", err)
		}
		logger.Info("connected to database", "driver", cfg.Driver)
		return db, db.Close, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := pingStore(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		if statusOnly {
			fmt.Println("sqlite schema is applied on open; no migrations to report")
		}
		logger.Info("opened database", "driver", cfg.Driver, "path", cfg.Path)
		closeFn := func() {
			if err := db.Close(); err != nil {
				logger.Error("closing database", "error", err)
			}
		}
		return db, closeFn, nil

	default:
		if statusOnly {
			fmt.Println("no database configured")
		}
		logger.Warn("running without persistence; state is lost on restart")
		return nil, func() {}, nil
	}
}

func pingStore(ctx context.Context, db interface{ Ping(context.Context) error }) error {
	ctx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
