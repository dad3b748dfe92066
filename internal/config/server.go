// Package config provides configuration management for Triplog.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment
	ListenAddr  string // HTTP listen address (default: :8080)
	DatabaseURL string
	// SyncRateLimit is the per-device sync rate in limiter format (default: 60-M).
	SyncRateLimit string
	// PullLimit is the per-entity page size of the delta feed (default: 200).
	PullLimit int
	// MetricsEnabled exposes /metrics when true.
	MetricsEnabled bool
	// CORSOrigins lists allowed browser origins. Required in production.
	CORSOrigins []string
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	rate := os.Getenv("SYNC_RATE_LIMIT")
	if rate == "" {
		rate = "60-M"
	}

	pullLimit := getEnvInt("PULL_LIMIT", 200)
	if pullLimit <= 0 {
		pullLimit = 200
	}

	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return ServerConfig{
		Environment:    env,
		ListenAddr:     addr,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SyncRateLimit:  rate,
		PullLimit:      pullLimit,
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		CORSOrigins:    origins,
	}
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
