package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Remote.BaseURL != "http://127.0.0.1:8000" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Rental.Duration != time.Hour || cfg.Rental.Amount != 0.01 || cfg.Rental.Hours != 1 {
		t.Errorf("Rental = %+v", cfg.Rental)
	}
	if cfg.Rental.ConsoleIdle != 30*time.Minute {
		t.Errorf("Rental.ConsoleIdle = %s", cfg.Rental.ConsoleIdle)
	}
	if cfg.Remote.DevTxSignature != "dev-ok" || cfg.Remote.AgentID != "web" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment = false with no FRONTEND_URL")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REMOTE_BASE_URL", "https://rent.example.com")
	t.Setenv("RENTAL_DURATION", "90s")
	t.Setenv("HEALTH_GRPC_PORT", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FRONTEND_URL", "https://app.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.BaseURL != "https://rent.example.com" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Rental.Duration != 90*time.Second {
		t.Errorf("Rental.Duration = %s", cfg.Rental.Duration)
	}
	if cfg.Health.GRPCPort != "" {
		t.Errorf("Health.GRPCPort = %q, want empty", cfg.Health.GRPCPort)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Errorf("SlogLevel = %v, want debug", lvl)
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment = true for public frontend")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"bad remote", func(c *Config) { c.Remote.BaseURL = "ftp://x" }, "REMOTE_BASE_URL"},
		{"zero duration", func(c *Config) { c.Rental.Duration = 0 }, "RENTAL_DURATION"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"zero amount", func(c *Config) { c.Rental.Amount = 0 }, "RENTAL_AMOUNT"},
		{"zero console idle", func(c *Config) { c.Rental.ConsoleIdle = 0 }, "RENTAL_CONSOLE_IDLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}
