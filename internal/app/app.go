// Package app wires every gateway package into a running process: config,
// database/redis connectivity, migrations, and the api/worker/drill modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sendcat/chat-gateway/internal/adapters"
	"github.com/sendcat/chat-gateway/internal/alertenvelope"
	"github.com/sendcat/chat-gateway/internal/config"
	"github.com/sendcat/chat-gateway/internal/httpserver"
	"github.com/sendcat/chat-gateway/internal/platform"
	"github.com/sendcat/chat-gateway/internal/telemetry"
	"github.com/sendcat/chat-gateway/pkg/admission"
	"github.com/sendcat/chat-gateway/pkg/bulkhead"
	"github.com/sendcat/chat-gateway/pkg/circuit"
	"github.com/sendcat/chat-gateway/pkg/gateway"
	"github.com/sendcat/chat-gateway/pkg/ops"
	"github.com/sendcat/chat-gateway/pkg/provider"
	"github.com/sendcat/chat-gateway/pkg/ratelimit"
	"github.com/sendcat/chat-gateway/pkg/replay"
	"github.com/sendcat/chat-gateway/pkg/toolcache"
	"github.com/sendcat/chat-gateway/pkg/toolqueue"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, runs migrations, and starts the appropriate mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting chat gateway", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	deps := buildDeps(cfg, logger, db, rdb)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, deps)
	case "worker":
		return runWorker(ctx, cfg, logger, deps)
	case "drill":
		logger.Info("drill mode: use the reliabilitydrill binary against a running gateway, this process has nothing to run standalone")
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// deps bundles every infrastructure-backed package constructed once and
// shared between api and worker modes.
type deps struct {
	rateLimiter       *ratelimit.Limiter
	rateStore         *ratelimit.PostgresStore
	rateMonitor       *ratelimit.Monitor
	replayGuard       *replay.Guard
	circuitBreaker    *circuit.Breaker
	circuitStore      *circuit.PostgresStore
	bulkheadPool      *bulkhead.Bulkhead
	bulkheadStore     *bulkhead.PostgresStore
	toolQueue         *toolqueue.Queue
	toolStore         *toolqueue.PostgresStore
	toolMonitor       *toolqueue.Monitor
	toolCache         *toolcache.Cache
	toolCacheStore    *toolcache.PostgresStore
	admissionRecorder *admission.Recorder
	envelope          *alertenvelope.Client
}

func buildDeps(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) deps {
	envelope := alertenvelope.NewClient(cfg.SentryDSN)

	rateStore := ratelimit.NewPostgresStore(db)
	rateLimiter := ratelimit.NewLimiter(rateStore)
	rateMonitor := ratelimit.NewMonitor(rateStore, envelope, logger, []ratelimit.Threshold{
		{Bucket: "chat_stream", MaxDenials: 50, WindowMinutes: 5},
		{Bucket: "tool_call", MaxDenials: 100, WindowMinutes: 5},
	})

	replayGuard := replay.NewGuard(db)

	circuitStore := circuit.NewPostgresStore(db)
	circuitBreaker := circuit.NewBreaker(circuitStore)

	bulkheadStore := bulkhead.NewPostgresStore(db)
	bulkheadPool := bulkhead.NewBulkhead(bulkheadStore, logger, envelope)

	toolStore := toolqueue.NewPostgresStore(db)
	toolQueue := toolqueue.NewQueue(toolStore)
	toolMonitor := toolqueue.NewMonitor(toolStore, envelope, logger, toolqueue.HealthThresholds{
		MaxQueuedDepth:      cfg.ToolJobClaimScanSize * 4,
		MaxDeadLetterDepth:  50,
		MaxOldestQueuedAge:  5 * time.Minute,
		MaxOldestRunningAge: time.Duration(cfg.ToolJobLeaseMs) * time.Millisecond * 3,
		CooldownMs:          10 * 60 * 1000,
	})

	toolCacheStore := toolcache.NewPostgresStore(db)
	toolCache := toolcache.NewCache(toolCacheStore)

	return deps{
		rateLimiter:       rateLimiter,
		rateStore:         rateStore,
		rateMonitor:       rateMonitor,
		replayGuard:       replayGuard,
		circuitBreaker:    circuitBreaker,
		circuitStore:      circuitStore,
		bulkheadPool:      bulkheadPool,
		bulkheadStore:     bulkheadStore,
		toolQueue:         toolQueue,
		toolStore:         toolStore,
		toolMonitor:       toolMonitor,
		toolCache:         toolCache,
		toolCacheStore:    toolCacheStore,
		admissionRecorder: admission.NewRecorder(1 * time.Hour),
		envelope:          envelope,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, d deps) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	providerRouter := provider.NewRouter(
		provider.EchoCaller{},
		adapters.CircuitGate{Breaker: d.circuitBreaker},
		adapters.ProviderBulkheadGate{Bulkhead: d.bulkheadPool},
		cfg.CircuitThreshold, cfg.CircuitCooldownMs, cfg.CircuitCooldownMs*2,
		cfg.BulkheadMaxConcurrent, cfg.BulkheadLeaseTTLMs, cfg.BulkheadSentryCooldownMs,
	)

	toolWorker := newToolWorker(cfg, logger, d)
	runID := workerRunID()
	kick := func(ctx context.Context) {
		result := toolWorker.ProcessQueue(ctx, runID, cfg.ToolJobMaxPerRun, cfg.ToolJobWorkerConcurrency, cfg.ToolJobLeaseMs, cfg.BulkheadSentryCooldownMs)
		if result.Skipped != "" {
			logger.Debug("tool queue kick skipped", "reason", result.Skipped)
		}
	}
	toolEnqueuer := gateway.NewDefaultToolEnqueuer(d.toolQueue, d.toolStore, kick)

	admitter := gateway.NewDefaultAdmitter(logger, d.admissionRecorder)

	chatHandler := &gateway.Handler{
		Logger:    logger,
		Cfg:       cfg,
		RateLim:   d.rateLimiter,
		Admit:     admitter,
		Router:    providerRouter,
		ToolJobs:  toolEnqueuer,
		Auth:      gateway.BearerPassthroughAuthenticator{},
		Replay:    d.replayGuard,
		ToolCache: d.toolCache,
	}
	srv.Router.Mount("/api/chat", chatHandler.Routes())

	opsHandler := &ops.Handler{
		Logger:        logger,
		OperatorToken: cfg.OpsOperatorToken,
		Deps: ops.Dependencies{
			Config:    cfg,
			RateLimit: d.rateLimiter,
			Circuit:   d.circuitStore,
			Bulkhead:  d.bulkheadStore,
			Replay:    d.replayGuard,
			ToolCache: d.toolCacheStore,
			ToolQueue: d.toolStore,
			Admission: d.admissionRecorder,
		},
		Requeue:            d.toolQueue,
		RequeueRetentionMs: cfg.ToolJobDLQTTLMs,
	}
	srv.Router.Mount("/api/ops", opsHandler.Routes())

	go d.rateMonitor.Run(ctx, 5*time.Minute)
	go d.toolMonitor.Run(ctx, 1*time.Minute)
	go cleanupLoop(ctx, logger, d)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker processes the tool-job queue and periodic cleanup sweeps; the
// HTTP-facing chat gateway runs only under "api".
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, d deps) error {
	logger.Info("worker started")

	worker := newToolWorker(cfg, logger, d)
	runID := workerRunID()

	go d.rateMonitor.Run(ctx, 5*time.Minute)
	go d.toolMonitor.Run(ctx, 1*time.Minute)
	go cleanupLoop(ctx, logger, d)

	ticker := time.NewTicker(time.Duration(cfg.ToolJobPollMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result := worker.ProcessQueue(ctx, runID, cfg.ToolJobMaxPerRun, cfg.ToolJobWorkerConcurrency, cfg.ToolJobLeaseMs, cfg.BulkheadSentryCooldownMs)
			if result.Skipped != "" {
				logger.Debug("tool queue run skipped", "reason", result.Skipped)
			}
		}
	}
}

// workerRunID identifies this process's tool-job worker bulkhead lease;
// stable for the process lifetime since the lease is acquired and released
// within each ProcessQueue call.
func workerRunID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// newToolWorker builds the tool-job worker shared by api and worker modes:
// the former kicks it inline after enqueueing, the latter polls it.
func newToolWorker(cfg *config.Config, logger *slog.Logger, d deps) *toolqueue.Worker {
	return toolqueue.NewWorker(
		d.toolQueue,
		toolqueue.EchoExecutor{},
		adapters.ToolQueueBulkheadGate{Bulkhead: d.bulkheadPool},
		logger,
		toolqueue.ClaimConfig{
			LeaseMs:       cfg.ToolJobLeaseMs,
			ClaimScanSize: cfg.ToolJobClaimScanSize,
			Caps:          toolqueue.Caps{PerTool: map[string]int{}, PerQos: map[string]int{}},
		},
		toolqueue.FailConfig{
			MaxAttempts:           cfg.ToolJobMaxAttempts,
			RetryBaseMs:           cfg.ToolJobRetryBaseMs,
			DeadLetterRetentionMs: cfg.ToolJobDLQTTLMs,
		},
	)
}

// cleanupLoop runs the expired-row sweeps every package's store exposes:
// bulkhead leases, stale queue alerts. Replay/rate-limit rows carry their
// own expiry and are pruned lazily by their read paths, so nothing to sweep
// here for those.
func cleanupLoop(ctx context.Context, logger *slog.Logger, d deps) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.bulkheadPool.CleanupExpired(ctx); err != nil {
				logger.Warn("bulkhead cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("bulkhead cleanup", "reclaimed", n)
			}
			if n, err := d.toolMonitor.CleanupExpiredAlerts(ctx); err != nil {
				logger.Warn("tool queue alert cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("tool queue alert cleanup", "deleted", n)
			}
		}
	}
}
