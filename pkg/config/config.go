package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Mindburn-Labs/ccos/core/pkg/artifacts"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel"
	"github.com/Mindburn-Labs/ccos/core/pkg/observability"
)

// Config holds process configuration read from the environment.
type Config struct {
	DBDriver    string `env:"CCOS_DB_DRIVER"    envDefault:"sqlite"`
	DatabaseURL string `env:"CCOS_DATABASE_URL" envDefault:"ccos.db"`
	LogLevel    string `env:"CCOS_LOG_LEVEL"    envDefault:"INFO"`
	// RedisAddr enables the shared capability rate limiter when set.
	RedisAddr string `env:"CCOS_REDIS_ADDR"`
	// RateLimitRPM applies to capabilities whose manifest declares no limit.
	// Zero leaves them unlimited.
	RateLimitRPM   int `env:"CCOS_RATE_LIMIT_RPM"`
	RateLimitBurst int `env:"CCOS_RATE_LIMIT_BURST" envDefault:"10"`

	ProfileDir string `env:"CCOS_PROFILE_DIR" envDefault:"profiles"`
	Profile    string `env:"CCOS_PROFILE"     envDefault:"default"`

	Constitution string        `env:"CCOS_CONSTITUTION"`
	GrantTTL     time.Duration `env:"CCOS_GRANT_TTL"    envDefault:"5m"`
	// SigningSeed is a hex-encoded 32 byte Ed25519 seed. Empty means a fresh
	// key per process.
	SigningSeed string `env:"CCOS_SIGNING_SEED"`
	AuditLog    bool   `env:"CCOS_AUDIT_LOG" envDefault:"true"`

	OTel      OTelConfig `envPrefix:"CCOS_OTEL_"`
	Artifacts artifacts.Config
}

// OTelConfig is the environment view of observability.Config.
type OTelConfig struct {
	Enabled      bool          `env:"ENABLED"`
	Endpoint     string        `env:"ENDPOINT"      envDefault:"localhost:4317"`
	ServiceName  string        `env:"SERVICE_NAME"  envDefault:"ccos-core"`
	Environment  string        `env:"ENVIRONMENT"   envDefault:"development"`
	SampleRate   float64       `env:"SAMPLE_RATE"   envDefault:"1.0"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"5s"`
	Insecure     bool          `env:"INSECURE"`
	CertFile     string        `env:"CERT_FILE"`
	KeyFile      string        `env:"KEY_FILE"`
	CAFile       string        `env:"CA_FILE"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if _, err := cfg.Seed(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Seed decodes SigningSeed. It returns nil when no seed is configured.
func (c *Config) Seed() ([]byte, error) {
	if c.SigningSeed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("CCOS_SIGNING_SEED: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("CCOS_SIGNING_SEED must be 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RateLimit returns the default capability backpressure policy.
func (c *Config) RateLimit() kernel.BackpressurePolicy {
	return kernel.BackpressurePolicy{RPM: c.RateLimitRPM, Burst: c.RateLimitBurst}
}

// Observability returns the provider config for OTel.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTel.Enabled
	oc.OTLPEndpoint = c.OTel.Endpoint
	oc.ServiceName = c.OTel.ServiceName
	oc.Environment = c.OTel.Environment
	oc.SampleRate = c.OTel.SampleRate
	oc.BatchTimeout = c.OTel.BatchTimeout
	oc.Insecure = c.OTel.Insecure
	oc.CertFile = c.OTel.CertFile
	oc.KeyFile = c.OTel.KeyFile
	oc.CAFile = c.OTel.CAFile
	return oc
}
