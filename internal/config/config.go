// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/trustscore"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	Store       string // "memory", "postgres", "redis"; inferred when empty
	DatabaseURL string
	RedisURL    string

	// Ledger
	ProgramID         string // base58
	RecordLayout      string // "owner" or "compact"
	EnforceOwnership  bool
	EnforceRiskBand   bool
	AuthorizedOracles []string // base58; empty means any signer
	SignatureMaxAge   time.Duration

	// Limits
	OracleRateLimitPerMinute int // 0 disables the per-oracle limiter
	RateLimitRPM             int // per-IP

	// Tracing
	OTLPEndpoint string
}

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "json"
	DefaultRecordLayout             = "owner"
	DefaultOracleRateLimitPerMinute = 60
	DefaultRateLimitRPM             = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	enforceOwnership, ownershipErr := getEnvBool("ENFORCE_OWNERSHIP", true)
	enforceRiskBand, riskBandErr := getEnvBool("ENFORCE_RISK_BAND", false)
	maxAge, maxAgeErr := getEnvDuration("SIGNATURE_MAX_AGE", trustscore.DefaultSignatureMaxAge)
	if err := errors.Join(ownershipErr, riskBandErr, maxAgeErr); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		Store:                    strings.ToLower(os.Getenv("STORE")),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisURL:                 os.Getenv("REDIS_URL"),
		ProgramID:                getEnv("PROGRAM_ID", trustscore.DefaultProgramID),
		RecordLayout:             getEnv("RECORD_LAYOUT", DefaultRecordLayout),
		EnforceOwnership:         enforceOwnership,
		EnforceRiskBand:          enforceRiskBand,
		AuthorizedOracles:        getEnvList("AUTHORIZED_ORACLES"),
		SignatureMaxAge:          maxAge,
		OracleRateLimitPerMinute: int(getEnvInt64("ORACLE_RATE_LIMIT_PER_MINUTE", DefaultOracleRateLimitPerMinute)),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.Store == "" {
		cfg.Store = cfg.inferStore()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) inferStore() string {
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.RedisURL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if _, err := c.ProgramKey(); err != nil {
		return fmt.Errorf("PROGRAM_ID: %w", err)
	}
	layout, err := c.Layout()
	if err != nil {
		return fmt.Errorf("RECORD_LAYOUT: %w", err)
	}
	if c.EnforceOwnership && !layout.HasOwner() {
		return trustscore.ErrOwnershipNeedsOwnerLayout
	}
	if _, err := c.OracleKeys(); err != nil {
		return fmt.Errorf("AUTHORIZED_ORACLES: %w", err)
	}
	if c.SignatureMaxAge <= 0 {
		return fmt.Errorf("SIGNATURE_MAX_AGE must be positive")
	}

	switch c.Store {
	case StoreMemory, "":
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE=postgres")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for STORE=redis")
		}
	default:
		return fmt.Errorf("unknown STORE %q (want memory, postgres or redis)", c.Store)
	}

	return nil
}

// ProgramKey parses ProgramID.
func (c *Config) ProgramKey() (pda.PublicKey, error) {
	return pda.ParsePublicKey(c.ProgramID)
}

// Layout parses RecordLayout.
func (c *Config) Layout() (trustscore.Layout, error) {
	return trustscore.ParseLayout(c.RecordLayout)
}

// OracleKeys parses AuthorizedOracles.
func (c *Config) OracleKeys() ([]pda.PublicKey, error) {
	keys := make([]pda.PublicKey, 0, len(c.AuthorizedOracles))
	for _, s := range c.AuthorizedOracles {
		k, err := pda.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool and getEnvDuration return an error for a set value that does
// not parse.
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a boolean (use true or false)", key, value)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a duration", key, value)
	}
	return d, nil
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
