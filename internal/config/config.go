// Package config loads process configuration from the environment,
// collecting the results into one typed struct instead of scattered
// os.Getenv calls at each call site.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration for cmd/server.
type Config struct {
	// DSN is the MySQL/TiDB connection string (URI or traditional DSN).
	DSN string
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string
	// GatewayWorkers bounds the gateway's worker pool size.
	GatewayWorkers int
}

// Load reads .env (if present, non-fatal) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of .env is expected in production; not fatal.
		fmt.Fprintf(os.Stderr, "[INFO] .env not loaded: %v\n", err)
	}

	cfg := Config{
		DSN:            os.Getenv("DB_DSN"),
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		GatewayWorkers: envIntOr("GATEWAY_WORKERS", 8),
	}
	if cfg.DSN == "" {
		return Config{}, fmt.Errorf("DB_DSN environment variable is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
