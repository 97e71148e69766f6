package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":31415", cfg.ListenAddr)
	assert.Equal(t, "wlanpi-core", cfg.Issuer)
	assert.True(t, cfg.TimeValidation)
	assert.Equal(t, 5*time.Minute, cfg.ValidationCacheTTL)
	assert.Equal(t, 1*time.Hour, cfg.TimestampCacheTTL)
	assert.Equal(t, 1000, cfg.TimestampCacheCap)
	assert.Equal(t, 1*time.Hour, cfg.TokenPurgeInterval)
	assert.Equal(t, 24*time.Hour, cfg.ActivityRetentionSpan)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WLANPI_CORE_LISTEN_ADDR", ":9000")
	t.Setenv("WLANPI_CORE_DB_MAX_SIZE_MB", "25")
	t.Setenv("WLANPI_CORE_TIME_VALIDATION_ENABLED", "false")

	cfg := Load()

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 25, cfg.DBMaxSizeMB)
	assert.False(t, cfg.TimeValidation)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Load()
	cfg.ListenAddr = ""
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.DBMaxSizeMB = 0
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.TokenTTL = 0
	require.Error(t, cfg.Validate())
}
