package config

import (
	"os"
	"testing"
)

func TestLoad_RequiresDSN(t *testing.T) {
	original := os.Getenv("DB_DSN")
	os.Unsetenv("DB_DSN")
	t.Cleanup(func() {
		if original != "" {
			os.Setenv("DB_DSN", original)
		}
	})

	_, err := Load()
	if err == nil {
		t.Error("expected error when DB_DSN is not set")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "user:pass@tcp(localhost:3306)/db")
	os.Unsetenv("LISTEN_ADDR")
	os.Unsetenv("GATEWAY_WORKERS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %s", cfg.ListenAddr)
	}
	if cfg.GatewayWorkers != 8 {
		t.Errorf("expected default gateway workers 8, got %d", cfg.GatewayWorkers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "user:pass@tcp(localhost:3306)/db")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("GATEWAY_WORKERS", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected overridden listen addr :9090, got %s", cfg.ListenAddr)
	}
	if cfg.GatewayWorkers != 16 {
		t.Errorf("expected overridden gateway workers 16, got %d", cfg.GatewayWorkers)
	}
}

func TestLoad_InvalidWorkerCountFallsBackToDefault(t *testing.T) {
	t.Setenv("DB_DSN", "user:pass@tcp(localhost:3306)/db")
	t.Setenv("GATEWAY_WORKERS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GatewayWorkers != 8 {
		t.Errorf("expected fallback to default 8 on invalid value, got %d", cfg.GatewayWorkers)
	}
}
