// Package main is the entrypoint for the Triplog sync server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/api"
	"github.com/triplog-app/triplog/internal/config"
	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/license"
	"github.com/triplog-app/triplog/internal/metrics"
	"github.com/triplog-app/triplog/internal/notify"
	"github.com/triplog-app/triplog/internal/reconcile"
	"github.com/triplog-app/triplog/internal/scheduler"
	syncsvc "github.com/triplog-app/triplog/internal/sync"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Triplog server")

	// Load configuration
	cfg := config.LoadServerConfig()
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL environment variable is required")
		return 1
	}

	// Connect to database
	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	store := database.Store()
	registry := metrics.NewRegistry(store, logger)

	// Change-notification hub
	hub := notify.NewHub(notify.DefaultConfig(), logger)
	hub.Start()
	defer hub.Stop()

	// Core services
	syncService := syncsvc.NewService(syncsvc.PgRunner{DB: database}, registry, hub, logger)
	machine := license.NewMachine(license.PgRunner{DB: database}, registry, logger)
	reconciler := reconcile.New(reconcile.PgRunner{DB: database}, registry, logger)

	// Background maintenance
	sched := scheduler.New(machine, reconciler, store, syncService, logger)
	if err := sched.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start scheduler")
	}
	defer sched.Stop()

	// Build API router
	routerCfg := api.Config{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.CORSOrigins,
		SyncRateLimit:  cfg.SyncRateLimit,
		MetricsEnabled: cfg.MetricsEnabled,
	}

	router, err := api.NewRouter(routerCfg, database, syncService, machine, hub, registry, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}
