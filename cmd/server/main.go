// Command server starts the GPU fleet dispatch orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/rodan32/imgen-orchestrator/internal/adapter/httpserver"
	"github.com/rodan32/imgen-orchestrator/internal/adapter/observability"
	"github.com/rodan32/imgen-orchestrator/internal/adapter/repo/memory"
	"github.com/rodan32/imgen-orchestrator/internal/adapter/repo/postgres"
	"github.com/rodan32/imgen-orchestrator/internal/adapter/workerclient"
	"github.com/rodan32/imgen-orchestrator/internal/aggregator"
	"github.com/rodan32/imgen-orchestrator/internal/app"
	"github.com/rodan32/imgen-orchestrator/internal/config"
	"github.com/rodan32/imgen-orchestrator/internal/domain"
	"github.com/rodan32/imgen-orchestrator/internal/lifecycle"
	"github.com/rodan32/imgen-orchestrator/internal/registry"
	"github.com/rodan32/imgen-orchestrator/internal/router"
	"github.com/rodan32/imgen-orchestrator/internal/service/ratelimiter"
	"github.com/rodan32/imgen-orchestrator/internal/template"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job repository: Postgres in production, in-memory for a zero-dependency
	// local run (see USE_MEMORY_REPO).
	var jobRepo domain.JobRepository
	var pinger app.Pinger
	if cfg.UseMemoryRepo {
		jobRepo = memory.New()
		slog.Info("using in-memory job repository")
	} else {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		jobRepo = postgres.NewJobRepo(pool)
		pinger = pool

		if cfg.DataRetentionDays > 0 {
			cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
			go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
			slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
		}
	}

	// Fleet registry: health-probed worker table.
	reg, err := registry.Load(cfg.FleetConfigPath, func(n domain.WorkerNode) registry.Prober {
		return workerclient.New(n)
	})
	if err != nil {
		slog.Error("fleet config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	reg.StartHealthLoop(ctx, cfg.ProbeInterval)
	defer reg.StopAndWait()

	// Job-graph template engine.
	templates, err := template.Load(cfg.TemplatesDir)
	if err != nil {
		slog.Error("template load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Progress aggregator: one reconnecting subscriber per worker in the
	// fleet, fanning worker events out to subscribed client sessions.
	agg := aggregator.New()
	for _, n := range reg.All() {
		agg.StartWorkerSubscriber(ctx, n, aggregator.DialWorker)
	}
	defer agg.Shutdown()

	rt := router.New(reg, nil) // no preference oracle implementation wired yet
	driver := lifecycle.New(jobRepo, reg, agg, func(n domain.WorkerNode) lifecycle.WorkerClient {
		return workerclient.New(n)
	}, lifecycle.WithPollInterval(cfg.PollInterval), lifecycle.WithDeadline(cfg.PollDeadline))

	sweeper := app.NewStuckJobSweeper(jobRepo, cfg.StuckJobMaxAge, cfg.StuckJobSweepInterval)
	if sweeper != nil {
		go sweeper.Run(ctx)
	}

	var limiter *ratelimiter.RedisLuaLimiter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis url parse failed, rate limiting disabled", slog.Any("error", err))
		} else {
			rdb := redis.NewClient(opt)
			limiter = ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin), nil)
			defer rdb.Close()
		}
	}

	dbCheck, fleetCheck := app.BuildReadinessChecks(pinger, reg)

	srv := httpserver.NewServer(cfg, jobRepo, reg, rt, templates, driver, agg, limiter, dbCheck, fleetCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
