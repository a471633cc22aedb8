package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockid/trustledger/internal/trustscore"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		setEnv(t, k, "")
	}
}

var ledgerKeys = []string{
	"STORE", "DATABASE_URL", "REDIS_URL", "PROGRAM_ID", "RECORD_LAYOUT",
	"ENFORCE_OWNERSHIP", "ENFORCE_RISK_BAND", "AUTHORIZED_ORACLES", "SIGNATURE_MAX_AGE",
}

const oracleKey = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, ledgerKeys...)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, trustscore.DefaultProgramID, cfg.ProgramID)
	assert.True(t, cfg.EnforceOwnership)
	assert.False(t, cfg.EnforceRiskBand)
	assert.Equal(t, trustscore.DefaultSignatureMaxAge, cfg.SignatureMaxAge)

	layout, err := cfg.Layout()
	require.NoError(t, err)
	assert.Equal(t, trustscore.LayoutWithOwner, layout)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t, ledgerKeys...)
	setEnv(t, "RECORD_LAYOUT", "compact")
	setEnv(t, "ENFORCE_OWNERSHIP", "false")
	setEnv(t, "ENFORCE_RISK_BAND", "true")
	setEnv(t, "AUTHORIZED_ORACLES", oracleKey+" , ")
	setEnv(t, "SIGNATURE_MAX_AGE", "30s")
	setEnv(t, "ORACLE_RATE_LIMIT_PER_MINUTE", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.EnforceOwnership)
	assert.True(t, cfg.EnforceRiskBand)
	assert.Equal(t, []string{oracleKey}, cfg.AuthorizedOracles)
	assert.Equal(t, 30*time.Second, cfg.SignatureMaxAge)
	assert.Equal(t, 5, cfg.OracleRateLimitPerMinute)

	keys, err := cfg.OracleKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, oracleKey, keys[0].String())
}

func TestLoad_InfersStore(t *testing.T) {
	clearEnv(t, ledgerKeys...)
	setEnv(t, "REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store)

	setEnv(t, "DATABASE_URL", "postgres://localhost/trust")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
}

func TestLoad_CompactWithOwnershipRejected(t *testing.T) {
	clearEnv(t, ledgerKeys...)
	setEnv(t, "RECORD_LAYOUT", "compact")

	_, err := Load()
	assert.ErrorIs(t, err, trustscore.ErrOwnershipNeedsOwnerLayout)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			ProgramID:        trustscore.DefaultProgramID,
			RecordLayout:     "owner",
			EnforceOwnership: true,
			SignatureMaxAge:  time.Minute,
			Store:            StoreMemory,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"bad program id", func(c *Config) { c.ProgramID = "not-base58!" }, "PROGRAM_ID"},
		{"bad layout", func(c *Config) { c.RecordLayout = "wide" }, "RECORD_LAYOUT"},
		{"compact with ownership", func(c *Config) { c.RecordLayout = "compact" }, "requires"},
		{"compact without ownership", func(c *Config) { c.RecordLayout = "compact"; c.EnforceOwnership = false }, ""},
		{"bad oracle", func(c *Config) { c.AuthorizedOracles = []string{"xyz"} }, "AUTHORIZED_ORACLES"},
		{"zero max age", func(c *Config) { c.SignatureMaxAge = 0 }, "SIGNATURE_MAX_AGE"},
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }, "DATABASE_URL is required"},
		{"redis without url", func(c *Config) { c.Store = StoreRedis }, "REDIS_URL is required"},
		{"unknown store", func(c *Config) { c.Store = "etcd" }, "unknown STORE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_BOOL", "false")
	setEnv(t, "TEST_DUR", "90s")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error

	b, err := getEnvBool("TEST_BOOL", true)
	require.NoError(t, err)
	assert.False(t, b)
	b, err = getEnvBool("NONEXISTENT_VAR", true)
	require.NoError(t, err)
	assert.True(t, b)
	_, err = getEnvBool("TEST_INVALID", true)
	assert.ErrorContains(t, err, "TEST_INVALID")

	d, err := getEnvDuration("TEST_DUR", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	_, err = getEnvDuration("TEST_INVALID", time.Second)
	assert.ErrorContains(t, err, "not a duration")
}

func TestLoad_RejectsUnparseableStrictness(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"ENFORCE_OWNERSHIP", "off"},
		{"ENFORCE_RISK_BAND", "yes"},
		{"SIGNATURE_MAX_AGE", "5 minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t, ledgerKeys...)
			setEnv(t, tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_ExplicitStrictness(t *testing.T) {
	clearEnv(t, ledgerKeys...)
	setEnv(t, "ENFORCE_RISK_BAND", "TRUE")
	setEnv(t, "ENFORCE_OWNERSHIP", "0")
	setEnv(t, "RECORD_LAYOUT", "compact")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnforceRiskBand)
	assert.False(t, cfg.EnforceOwnership)
}
