package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bustinjailey/devfarm/internal/app/migrate"
	"github.com/bustinjailey/devfarm/internal/engine"
	httpx "github.com/bustinjailey/devfarm/internal/http"
	"github.com/bustinjailey/devfarm/internal/repository/postgres"
	"github.com/bustinjailey/devfarm/internal/service/copilot"
	"github.com/bustinjailey/devfarm/internal/service/lifecycle"
	"github.com/bustinjailey/devfarm/internal/service/status"
	"github.com/bustinjailey/devfarm/internal/ws"
	"github.com/bustinjailey/devfarm/pkg/config"
	"github.com/bustinjailey/devfarm/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	docker, err := engine.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	pub := ws.NewPublisher(hub, log)

	tracker := copilot.NewTracker(docker, pub, log.With("component", "copilot"))
	reconciler := status.NewReconciler(repo, docker, tracker, pub, status.Config{
		PublicHost: cfg.PublicHost,
		Workers:    cfg.ReconcileWorkers,
		EnvTimeout: cfg.EnvProbeTimeout,
	}, log.With("component", "reconciler"))

	lifecycleSvc := lifecycle.New(repo, docker, pub, tracker, cfg, log.With("component", "lifecycle"), tracker, reconciler)

	if _, err := lifecycleSvc.RecoverRegistry(ctx); err != nil {
		log.Warn("startup registry recovery failed", "error", err)
	}

	go reconciler.Run(ctx, cfg.ReconcileInterval)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, lifecycleSvc, hub, limiter, pool.Ping, httpx.Options{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		SSEHeartbeat:       cfg.SSEHeartbeat,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
