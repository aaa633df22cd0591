// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Port        string `default:"8080" envconfig:"PORT"`
	FrontendURL string `envconfig:"FRONTEND_URL"`
	DBPath      string `default:"./data/rentdesk.db" envconfig:"DB_PATH"`
	LogLevel    string `default:"info" envconfig:"LOG_LEVEL"`

	Remote RemoteConfig `envconfig:"REMOTE"`
	Rental RentalConfig `envconfig:"RENTAL"`
	Health HealthConfig `envconfig:"HEALTH"`
}

// RemoteConfig locates the rental service. Variables are prefixed REMOTE_.
type RemoteConfig struct {
	BaseURL          string        `default:"http://127.0.0.1:8000" envconfig:"BASE_URL"`
	Timeout          time.Duration `default:"15s" envconfig:"TIMEOUT"`
	DevTxSignature   string        `default:"dev-ok" envconfig:"DEV_TX_SIGNATURE"`
	AgentID          string        `default:"web" envconfig:"AGENT_ID"`
	AgentDescription string        `default:"frontend" envconfig:"AGENT_DESCRIPTION"`
}

// RentalConfig holds the terms quoted to users and how rentals are kept.
// Variables are prefixed RENTAL_.
type RentalConfig struct {
	Duration       time.Duration `default:"1h" envconfig:"DURATION"`
	Hours          int           `default:"1" envconfig:"HOURS"`
	Amount         float64       `default:"0.01" envconfig:"AMOUNT"`
	Currency       string        `default:"SOL" envconfig:"CURRENCY"`
	Receiver       string        `default:"DemoReceiver1" envconfig:"RECEIVER"`
	ReaperInterval time.Duration `default:"1m" envconfig:"REAPER_INTERVAL"`
	Retention      time.Duration `default:"720h" envconfig:"RETENTION"`
	MaxUploadBytes int64         `default:"10485760" envconfig:"MAX_UPLOAD_BYTES"`
	ConsoleIdle    time.Duration `default:"30m" envconfig:"CONSOLE_IDLE"`
}

// HealthConfig controls the gRPC health endpoint. Variables are prefixed HEALTH_.
type HealthConfig struct {
	GRPCPort      string        `default:"9090" envconfig:"GRPC_PORT"`
	ProbeInterval time.Duration `default:"30s" envconfig:"PROBE_INTERVAL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("REMOTE_BASE_URL must be an http(s) URL, got %q", c.Remote.BaseURL)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be > 0")
	}
	if c.Rental.Duration <= 0 {
		return fmt.Errorf("RENTAL_DURATION must be > 0")
	}
	if c.Rental.Hours <= 0 {
		return fmt.Errorf("RENTAL_HOURS must be > 0")
	}
	if c.Rental.Amount <= 0 {
		return fmt.Errorf("RENTAL_AMOUNT must be > 0")
	}
	if c.Rental.ReaperInterval <= 0 {
		return fmt.Errorf("RENTAL_REAPER_INTERVAL must be > 0")
	}
	if c.Rental.MaxUploadBytes <= 0 {
		return fmt.Errorf("RENTAL_MAX_UPLOAD_BYTES must be > 0")
	}
	if c.Rental.ConsoleIdle <= 0 {
		return fmt.Errorf("RENTAL_CONSOLE_IDLE must be > 0")
	}
	if c.Health.GRPCPort != "" && c.Health.ProbeInterval <= 0 {
		return fmt.Errorf("HEALTH_PROBE_INTERVAL must be > 0")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
