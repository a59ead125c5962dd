package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "thistle", cfg.AppName)
	assert.Equal(t, 30*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 100, cfg.WritebackBatchSize)
	assert.Equal(t, "US", cfg.DefaultPhoneRegion)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RUN_TIMEOUT", "90s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("WRITEBACK_BATCH_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.RunTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokerList())
	assert.Equal(t, 25, cfg.WritebackBatchSize)
}

func TestValidate_RejectsNonPositiveBudgets(t *testing.T) {
	cfg := Config{RunTimeout: 0, RunMaxParallelism: 0, WritebackBatchSize: 0, RetryMaxAttempts: 1, SourcePageSize: 1}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUN_TIMEOUT")
	assert.Contains(t, err.Error(), "RUN_MAX_PARALLELISM")
	assert.Contains(t, err.Error(), "WRITEBACK_BATCH_SIZE")
}

func TestComponentConfigs(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "6")
	t.Setenv("RUN_CANCEL_POLL_INTERVAL", "500ms")
	t.Setenv("SOURCE_RATE_LIMIT", "2.5")
	t.Setenv("KAFKA_COMPRESSION", "zstd")

	cfg, err := Load()
	require.NoError(t, err)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 6, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.InitialDelay)
	assert.Equal(t, 2*time.Minute, policy.Deadline)

	run := cfg.Orchestrator()
	assert.Equal(t, 30*time.Minute, run.Timeout)
	assert.Equal(t, 500*time.Millisecond, run.CancelPollInterval)
	assert.Equal(t, 4, run.MaxParallelism)
	assert.Equal(t, 6, run.PersistPolicy.MaxAttempts)

	src := cfg.Source()
	assert.Equal(t, "http://localhost:8080", src.BaseURL)
	assert.Equal(t, "next_cursor", src.NextCursorPath)
	assert.Equal(t, 2.5, src.RateLimit)

	producer := cfg.Kafka()
	assert.Equal(t, []string{"localhost:9092"}, producer.Brokers)
	assert.Equal(t, "zstd", producer.Compression)
	assert.Equal(t, "integrity-runs", producer.RunTopic)

	assert.Equal(t, 6379, cfg.Redis().Port)
	assert.Equal(t, "db/pg", cfg.Migration().MigrationFolderPath)
}
