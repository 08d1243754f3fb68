package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Run modes.
const (
	ModeRealtime = "realtime"
	ModeArchive  = "archive"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers      []string
	KafkaTriggerTopic string
	KafkaNotifyTopic  string
	KafkaGroupID      string
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	ShutdownTimeout   time.Duration

	ParamsPath      string
	GridStorePath   string
	ThresholdDBPath string

	// RunMode is realtime (consume triggers) or archive (replay a closed range).
	RunMode      string
	ArchiveStart time.Time
	ArchiveEnd   time.Time

	Workers      int
	ObsCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	workers, err := parseWorkers()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:      sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTriggerTopic: sharedcfg.EnvOrDefault("KAFKA_TRIGGER_TOPIC", "pbar-triggers"),
		KafkaNotifyTopic:  envOrDefaultAllowEmpty("KAFKA_NOTIFY_TOPIC", "calibrated-thresholds"),
		KafkaGroupID:      sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "threshold-calibration"),
		HTTPAddr:          sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:          sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:   shutdownTimeout,

		ParamsPath:      sharedcfg.EnvOrDefault("CALIBRATION_PARAMS", "calibration.yaml"),
		GridStorePath:   sharedcfg.EnvOrDefault("GRID_STORE_PATH", "data/grids"),
		ThresholdDBPath: sharedcfg.EnvOrDefault("THRESHOLD_DB_PATH", "data/thresholds.db"),

		RunMode:      sharedcfg.EnvOrDefault("RUN_MODE", ModeRealtime),
		Workers:      workers,
		ObsCacheSize: parseObsCacheSize(),
	}

	switch cfg.RunMode {
	case ModeRealtime:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaTriggerTopic == "" {
			return nil, errors.New("KAFKA_TRIGGER_TOPIC is required")
		}
	case ModeArchive:
		if cfg.ArchiveStart, err = parseTime("ARCHIVE_START"); err != nil {
			return nil, err
		}
		if cfg.ArchiveEnd, err = parseTime("ARCHIVE_END"); err != nil {
			return nil, err
		}
		if !cfg.ArchiveStart.Before(cfg.ArchiveEnd) {
			return nil, errors.New("ARCHIVE_START must be before ARCHIVE_END")
		}
	default:
		return nil, fmt.Errorf("invalid RUN_MODE %q (want %s or %s)", cfg.RunMode, ModeRealtime, ModeArchive)
	}

	return cfg, nil
}

func parseWorkers() (int, error) {
	s := sharedcfg.EnvOrDefault("WORKERS", "4")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 64 {
		return 0, fmt.Errorf("invalid WORKERS %q (want 1..64)", s)
	}
	return n, nil
}

func parseObsCacheSize() int {
	if s := os.Getenv("OBS_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 64
}

func parseTime(key string) (time.Time, error) {
	s := os.Getenv(key)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required in archive mode", key)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return t.UTC(), nil
}

// envOrDefaultAllowEmpty treats an explicitly empty variable as a value.
func envOrDefaultAllowEmpty(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
