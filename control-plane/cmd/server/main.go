// Command server runs the alertcore control plane.
//
// # Usage
//
//	server --config /etc/alertcore/alertcore.yaml --database postgres://localhost/alertcore --redis redis://localhost:6379/0
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (ALERTCORE_*)
// - The YAML configuration file (rules, policies, windows, providers),
// reloaded when it changes on disk
//
// Without a database the server keeps state in memory only. Without Redis
// events are ingested synchronously and list responses are not cached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/alertcore/control-plane/internal/alerting"
	"github.com/pilot-net/alertcore/control-plane/internal/api"
	"github.com/pilot-net/alertcore/control-plane/internal/buffer"
	"github.com/pilot-net/alertcore/control-plane/internal/cache"
	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/config"
	"github.com/pilot-net/alertcore/control-plane/internal/escalation"
	"github.com/pilot-net/alertcore/control-plane/internal/incident"
	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/control-plane/internal/provider"
	"github.com/pilot-net/alertcore/control-plane/internal/rules"
	"github.com/pilot-net/alertcore/control-plane/internal/secrets"
	"github.com/pilot-net/alertcore/control-plane/internal/service"
	"github.com/pilot-net/alertcore/control-plane/internal/state"
	"github.com/pilot-net/alertcore/control-plane/internal/store"
	"github.com/pilot-net/alertcore/control-plane/internal/worker"
	"github.com/pilot-net/alertcore/db/migrate"
	"github.com/pilot-net/alertcore/pkg/types"
)

const version = "v0.1.0"

func main() {
	var (
		port        = flag.Int("port", 8080, "HTTP server port")
		configPath  = flag.String("config", "", "Path to the YAML configuration file")
		dbURL       = flag.String("database", "", "Database URL (postgres://...)")
		redisURL    = flag.String("redis", "", "Redis URL for the event buffer and query cache")
		adminHash   = flag.String("admin-token-hash", "", "bcrypt hash of the admin bearer token")
		workers     = flag.Int("workers", 0, "Ingest pool workers (0 = default)")
		noMigrate   = flag.Bool("no-migrate", false, "Skip database migrations at start-up")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		jsonLogs    = flag.Bool("json-logs", false, "Log as JSON")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("alertcore-server " + version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug || os.Getenv("ALERTCORE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if *jsonLogs || os.Getenv("ALERTCORE_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	envDefault(configPath, "ALERTCORE_CONFIG")
	envDefault(dbURL, "ALERTCORE_DATABASE_URL")
	envDefault(redisURL, "ALERTCORE_REDIS_URL")
	envDefault(adminHash, "ALERTCORE_ADMIN_TOKEN_HASH")

	if err := run(logger, options{
		port:       *port,
		configPath: *configPath,
		dbURL:      *dbURL,
		redisURL:   *redisURL,
		adminHash:  *adminHash,
		workers:    *workers,
		migrate:    !*noMigrate,
	}); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	port       int
	configPath string
	dbURL      string
	redisURL   string
	adminHash  string
	workers    int
	migrate    bool
}

func envDefault(v *string, key string) {
	if *v == "" {
		*v = os.Getenv(key)
	}
}

func run(logger *slog.Logger, opts options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Configuration file
	file := &config.File{Policies: []types.EscalationPolicy{config.DefaultPolicy()}}
	if opts.configPath != "" {
		f, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		file = f
	} else {
		logger.Warn("no configuration file, using the default log-only policy")
	}

	// Database
	var db *store.Store
	if opts.dbURL != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		defer connectCancel()

		var err error
		db, err = store.NewStoreFromURL(connectCtx, opts.dbURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
		err = db.Ping(pingCtx)
		pingCancel()
		if err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		logger.Info("connected to database")

		if opts.migrate {
			if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
		}
	} else {
		logger.Warn("no database configured, state will not survive a restart")
	}

	// Notification providers
	ks, err := secrets.NewKeyStore(secrets.ConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("initializing secrets: %w", err)
	}
	dcfg := provider.DefaultDispatcherConfig()
	if file.Escalation.DeliveryTimeout > 0 {
		dcfg.Timeout = file.Escalation.DeliveryTimeout.Std()
	}
	if file.Escalation.RateLimit > 0 {
		dcfg.RateLimit = rate.Limit(file.Escalation.RateLimit)
	}
	if file.Escalation.Burst > 0 {
		dcfg.Burst = file.Escalation.Burst
	}
	dispatcher, err := provider.Build(ctx, file.Providers, ks, dcfg, logger)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}

	// Core components
	clk := clock.Real{}

	var runStore escalation.RunStore
	var alertPersister alerting.Persister
	var incidentPersister incident.Persister
	var svcStore service.Store
	var retention worker.RetentionStore
	var dbStats metrics.DatabaseStatsProvider
	if db != nil {
		runStore, alertPersister, incidentPersister = db, db, db
		svcStore, retention, dbStats = db, db, db
	}

	engine := escalation.NewEngine(
		escalation.NewScheduler(clk),
		dispatcher,
		clk,
		runStore,
		escalation.Config{FanOutConcurrency: file.Escalation.FanOutConcurrency},
		logger,
	)
	defer engine.Stop()

	router, err := alerting.NewPolicyRouter(file.Policies)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	dedupCfg := alerting.DefaultDedupConfig()
	if file.Dedup.Window > 0 {
		dedupCfg.Window = file.Dedup.Window.Std()
	}
	dedupCfg.GroupBy = file.Dedup.GroupBy
	dedupCfg.DefaultGroupBy = file.Dedup.DefaultGroupBy

	alerts, err := alerting.NewManager(alerting.Deps{
		Dedup:     alerting.NewDeduplicator(dedupCfg),
		Router:    router,
		Escalator: engine,
		Clock:     clk,
		Persister: alertPersister,
	}, logger)
	if err != nil {
		return err
	}
	engine.SetSink(alerts)

	incidents := incident.NewManager(state.NewIncidentStore(), alerts, clk, incidentPersister, logger)
	alerts.SetTimelineRecorder(incidents)

	evaluator := rules.NewEvaluator("rules", logger)

	poolCfg := worker.DefaultIngestPoolConfig()
	poolCfg.Workers = opts.workers
	pool := worker.NewIngestPool(alerts, poolCfg, logger)
	pool.Start(ctx)
	defer pool.Stop()

	evalWorker := worker.NewEvaluatorWorker(evaluator, pool, alerts, clk, worker.DefaultEvaluatorWorkerConfig(), logger)

	svc, err := service.NewService(service.Deps{
		Alerts:      alerts,
		Incidents:   incidents,
		Escalations: engine,
		Rules:       evaluator,
		Samples:     evalWorker,
		Store:       svcStore,
		Pool:        pool,
		Providers:   dispatcher,
		Clock:       clk,
	}, logger)
	if err != nil {
		return err
	}

	if err := svc.ApplyConfig(ctx, file); err != nil {
		return fmt.Errorf("applying configuration: %w", err)
	}

	// Restore persisted state
	if db != nil {
		if err := restore(ctx, db, svc, alerts, incidents, clk, logger); err != nil {
			return err
		}
	}

	evalWorker.Start(ctx)
	defer evalWorker.Stop()

	// Redis event buffer and query cache
	var bufferStats metrics.BufferStatsProvider
	var queryCache api.QueryCache
	var invalidator *cache.Invalidator
	if opts.redisURL != "" {
		eb, err := buffer.NewEventBuffer(opts.redisURL, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer eb.Close()

		drainer := buffer.NewDrainer(eb, pool, logger)
		drainer.Start()
		defer drainer.Stop()
		svc.SetQueue(eb)
		bufferStats = drainer

		responseCache := cache.New(eb.Client(), logger)
		invalidator = cache.NewInvalidator(responseCache, alerts.Feed(), config.CacheInvalidationInterval, logger)
		invalidator.Start(ctx)
		defer invalidator.Stop()
		queryCache = responseCache
		logger.Info("redis buffer and query cache enabled")
	}

	// Background workers
	maintenance := worker.NewMaintenanceWorker(alerts, svc, retention, clk, worker.DefaultMaintenanceWorkerConfig(), logger)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	autoCfg := incident.DefaultAutoDeclareConfig()
	autoCfg.Enabled = file.Incidents.AutoDeclare
	if file.Incidents.MinSeverity != "" {
		autoCfg.MinSeverity = file.Incidents.MinSeverity
	}
	autoCfg.OnExhausted = file.Incidents.OnExhausted
	autoDeclarer := incident.NewAutoDeclarer(autoCfg, incidents, alerts.Feed(), logger)
	autoDeclarer.Start(ctx)
	defer autoDeclarer.Stop()

	if opts.configPath != "" {
		watcher, err := config.NewWatcher(opts.configPath, func(f *config.File) {
			if err := svc.ApplyConfig(ctx, f); err != nil {
				logger.Error("failed to apply reloaded configuration", "error", err)
				return
			}
			if invalidator != nil {
				invalidator.MarkDirty(cache.NamespaceAlerts)
			}
			if !reflect.DeepEqual(f.Providers, file.Providers) {
				logger.Warn("provider changes take effect after a restart")
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("watching configuration: %w", err)
		}
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	// HTTP API
	collector := metrics.NewCollector(dbStats, bufferStats, svc)
	apiServer := api.NewServer(svc, collector, queryCache, api.Config{AdminTokenHash: opts.adminHash}, logger)
	if invalidator != nil {
		apiServer.SetInvalidator(invalidator)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", opts.port, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown; deferred Stops run after the listener closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// restore loads persisted overrides, incidents, live alerts and escalation
// runs. Firing alerts resume escalation where they left off.
func restore(ctx context.Context, db *store.Store, svc *service.Service, alerts *alerting.Manager, incidents *incident.Manager, clk clock.Clock, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, config.RestoreTimeout)
	defer cancel()

	policies, err := db.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	windows, err := db.ListWindows(ctx, clk.Now())
	if err != nil {
		return fmt.Errorf("loading maintenance windows: %w", err)
	}
	svc.RestoreOverrides(policies, windows)

	open, err := db.LoadIncidents(ctx)
	if err != nil {
		return fmt.Errorf("loading incidents: %w", err)
	}
	incidents.Restore(open)

	live, err := db.LoadLiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("loading alerts: %w", err)
	}
	runs, err := db.LoadRuns(ctx)
	if err != nil {
		return fmt.Errorf("loading escalation runs: %w", err)
	}
	resumed := alerts.Restore(live, runs)

	logger.Info("restored state",
		"policies", len(policies),
		"windows", len(windows),
		"incidents", len(open),
		"alerts", len(live),
		"escalations_resumed", resumed)
	return nil
}
