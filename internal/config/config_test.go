package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.OutboxBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.OutboxDedupeWindow)
	assert.Equal(t, 2*time.Second, cfg.OutboxRetryBaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.OutboxRetryMaxDelay)
	assert.Equal(t, 30*24*time.Hour, cfg.OutboxRetention)
	assert.Equal(t, 7*24*time.Hour, cfg.OutboxExpiry)
	assert.Equal(t, 160, cfg.SmsMaxLength)
	assert.Len(t, cfg.RetryTierDelays, 5)
	assert.Nil(t, cfg.GetKafkaBrokers())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "10")
	t.Setenv("RETRY_TIER_DELAYS", "1s, 2s,3s")
	t.Setenv("KAFKA_BROKER_URL", "k1:9092,k2:9092")
	t.Setenv("NOTIFY_DB_PORT", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.OutboxBatchSize)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, cfg.RetryTierDelays)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.GetKafkaBrokers())
	assert.Equal(t, 5432, cfg.DBConfig.Port)
}

func TestLoadConfig_RejectsNonIncreasingTiers(t *testing.T) {
	t.Setenv("RETRY_TIER_DELAYS", "5m,1m")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestLoadConfig_RejectsMalformedTier(t *testing.T) {
	t.Setenv("RETRY_TIER_DELAYS", "1m,soon")

	_, err := LoadConfig()
	require.Error(t, err)
}
