package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultBroker = "localhost:9092"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{defaultBroker}, cfg.KafkaBrokers)
	assert.Equal(t, "pbar-triggers", cfg.KafkaTriggerTopic)
	assert.Equal(t, "calibrated-thresholds", cfg.KafkaNotifyTopic)
	assert.Equal(t, "threshold-calibration", cfg.KafkaGroupID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "calibration.yaml", cfg.ParamsPath)
	assert.Equal(t, "data/grids", cfg.GridStorePath)
	assert.Equal(t, "data/thresholds.db", cfg.ThresholdDBPath)
	assert.Equal(t, ModeRealtime, cfg.RunMode)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 64, cfg.ObsCacheSize)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_TRIGGER_TOPIC", "custom-triggers")
	t.Setenv("KAFKA_NOTIFY_TOPIC", "custom-notify")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("CALIBRATION_PARAMS", "/etc/calibration.yaml")
	t.Setenv("GRID_STORE_PATH", "/var/lib/grids")
	t.Setenv("THRESHOLD_DB_PATH", "/var/lib/thresholds.db")
	t.Setenv("WORKERS", "16")
	t.Setenv("OBS_CACHE_SIZE", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-triggers", cfg.KafkaTriggerTopic)
	assert.Equal(t, "custom-notify", cfg.KafkaNotifyTopic)
	assert.Equal(t, "custom-group", cfg.KafkaGroupID)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/etc/calibration.yaml", cfg.ParamsPath)
	assert.Equal(t, "/var/lib/grids", cfg.GridStorePath)
	assert.Equal(t, "/var/lib/thresholds.db", cfg.ThresholdDBPath)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 8, cfg.ObsCacheSize)
}

func TestLoad_EmptyNotifyTopicDisablesNotifications(t *testing.T) {
	t.Setenv("KAFKA_NOTIFY_TOPIC", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.KafkaNotifyTopic)
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_InvalidWorkers(t *testing.T) {
	for _, v := range []string{"0", "65", "many"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("WORKERS", v)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "WORKERS")
		})
	}
}

func TestLoad_InvalidObsCacheSizeUsesDefault(t *testing.T) {
	t.Setenv("OBS_CACHE_SIZE", "-3")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.ObsCacheSize)
}

func TestLoad_InvalidRunMode(t *testing.T) {
	t.Setenv("RUN_MODE", "batch")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUN_MODE")
}

func TestLoad_ArchiveMode(t *testing.T) {
	t.Setenv("RUN_MODE", ModeArchive)
	t.Setenv("ARCHIVE_START", "2026-01-01T00:00:00Z")
	t.Setenv("ARCHIVE_END", "2026-01-02T00:00:00Z")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cfg.ArchiveStart)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), cfg.ArchiveEnd)
}

func TestLoad_ArchiveModeRequiresRange(t *testing.T) {
	t.Setenv("RUN_MODE", ModeArchive)
	t.Setenv("ARCHIVE_START", "2026-01-01T00:00:00Z")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_END")
}

func TestLoad_ArchiveModeReversedRange(t *testing.T) {
	t.Setenv("RUN_MODE", ModeArchive)
	t.Setenv("ARCHIVE_START", "2026-01-02T00:00:00Z")
	t.Setenv("ARCHIVE_END", "2026-01-01T00:00:00Z")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_START")
}

func TestLoad_ArchiveModeBadTime(t *testing.T) {
	t.Setenv("RUN_MODE", ModeArchive)
	t.Setenv("ARCHIVE_START", "yesterday")
	t.Setenv("ARCHIVE_END", "2026-01-01T00:00:00Z")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_START")
}
