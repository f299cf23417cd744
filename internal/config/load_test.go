package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequiredEnv fills the settings that have no defaults.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SEGQ_DATABASE_URL", "postgres://localhost:5432/segqueue")
	t.Setenv("SEGQ_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SEGQ_STORAGE_ENDPOINT", "localhost:9000")
	t.Setenv("SEGQ_STORAGE_ACCESS_KEY", "minio")
	t.Setenv("SEGQ_STORAGE_SECRET_KEY", "minio123")
	t.Setenv("SEGQ_STORAGE_BUCKET", "images")
	t.Setenv("SEGQ_ML_BASE_URL", "http://localhost:8000")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.ML.RequestTimeout)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrentBatches)
	assert.Equal(t, 8, cfg.Queue.BatchSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.RetryInitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Queue.RetryMaxDelay)
	assert.Equal(t, 2.0, cfg.Queue.RetryBackoffFactor)
	assert.Equal(t, 10*time.Minute, cfg.Queue.StuckThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Queue.Retention)
	assert.Equal(t, 2*time.Second, cfg.Queue.DriverInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SEGQ_SERVER_PORT", "9090")
	t.Setenv("SEGQ_SERVER_LOG_LEVEL", "debug")
	t.Setenv("SEGQ_QUEUE_MAX_CONCURRENT_BATCHES", "2")
	t.Setenv("SEGQ_QUEUE_STUCK_THRESHOLD", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrentBatches)
	assert.Equal(t, 5*time.Minute, cfg.Queue.StuckThreshold)
}

func TestLoadMissingRequiredSettings(t *testing.T) {
	// Only a subset of the required settings present.
	t.Setenv("SEGQ_DATABASE_URL", "postgres://localhost:5432/segqueue")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SEGQ_SERVER_LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangeConcurrency(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SEGQ_QUEUE_MAX_CONCURRENT_BATCHES", "64")

	_, err := Load()
	require.Error(t, err)
}
