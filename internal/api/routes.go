// Package api provides the HTTP API for the Triplog server.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/api/handlers"
	"github.com/triplog-app/triplog/internal/api/middleware"
	"github.com/triplog-app/triplog/internal/config"
	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/license"
	"github.com/triplog-app/triplog/internal/metrics"
	"github.com/triplog-app/triplog/internal/notify"
	syncsvc "github.com/triplog-app/triplog/internal/sync"
)

// Config holds configuration for the API router.
type Config struct {
	// Environment controls CORS strictness.
	Environment config.Environment
	// AllowedOrigins for CORS. Empty means all origins allowed in dev mode.
	AllowedOrigins []string
	// SyncRateLimit is the per-client request rate in limiter format (e.g. "60-M").
	SyncRateLimit string
	// MetricsEnabled exposes /metrics when true.
	MetricsEnabled bool
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Environment:    config.EnvDevelopment,
		AllowedOrigins: []string{},
		SyncRateLimit:  "60-M",
		MetricsEnabled: true,
	}
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
	db     *db.DB
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(
	cfg Config,
	database *db.DB,
	syncService *syncsvc.Service,
	machine *license.Machine,
	hub *notify.Hub,
	registry *metrics.Registry,
	logger zerolog.Logger,
) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
		db:     database,
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment))

	// Rate limiting
	rateLimiter, err := middleware.NewRateLimiter(cfg.SyncRateLimit)
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	store := database.Store()

	// Health check endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(database, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	// Prometheus metrics endpoint (no auth required)
	if cfg.MetricsEnabled {
		metricsHandler := handlers.NewMetricsHandler(registry)
		metricsHandler.RegisterPublicRoutes(r.Engine)
	}

	devicesHandler := handlers.NewDevicesHandler(store, logger)

	// Signup and device registration (no device token yet)
	public := r.Engine.Group("/api/v1")
	devicesHandler.RegisterPublicRoutes(public)

	// API v1 routes (device token required)
	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(middleware.DeviceTokenMiddleware(store, logger))

	devicesHandler.RegisterRoutes(apiV1)

	syncHandler := handlers.NewSyncHandler(syncService, logger)
	syncHandler.RegisterRoutes(apiV1)

	licensesHandler := handlers.NewLicensesHandler(store, machine, logger)
	licensesHandler.RegisterRoutes(apiV1)

	changesHandler := handlers.NewChangesHandler(hub, logger)
	changesHandler.RegisterRoutes(apiV1)

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
