package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/threshold-calibration/internal/adapter/pebblestore"
	"github.com/couchcryptid/threshold-calibration/internal/adapter/sqlite"
	"github.com/couchcryptid/threshold-calibration/internal/config"
)

const testParams = `
lead_seconds: [300]
tiling:
  grid_nx: 4
  grid_ny: 4
  tile_nx: 2
  tile_ny: 2
  verification_y0: 0
  verification_y1: 4
fields:
  - name: precip
    comparison: ge
    coldstart_threshold: 1.5
    obar_thresholds: [0.5]
    target_bias: [0]
`

func TestRun_SetupErrorClosesStores(t *testing.T) {
	dir := t.TempDir()
	paramsPath := filepath.Join(dir, "calibration.yaml")
	require.NoError(t, os.WriteFile(paramsPath, []byte(testParams), 0o600))

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cfg := &config.Config{
		ParamsPath:      paramsPath,
		GridStorePath:   filepath.Join(dir, "grids"),
		ThresholdDBPath: filepath.Join(dir, "thresholds.db"),
		RunMode:         config.ModeArchive,
		ArchiveStart:    start,
		ArchiveEnd:      start.Add(time.Hour),
		Workers:         0,
		ObsCacheSize:    4,
		ShutdownTimeout: time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.Error(t, run(cfg, logger))

	// Both stores reopen only if run released them.
	grids, err := pebblestore.Open(cfg.GridStorePath, pebblestore.Options{})
	require.NoError(t, err)
	require.NoError(t, grids.Close())

	db, err := sqlite.Open(cfg.ThresholdDBPath, logger)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
