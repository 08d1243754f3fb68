// Command calibrator runs the threshold calibration service. In realtime mode
// it consumes pbar triggers from Kafka; in archive mode it replays a closed
// range of stored generations and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/threshold-calibration/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/threshold-calibration/internal/adapter/kafka"
	"github.com/couchcryptid/threshold-calibration/internal/adapter/pebblestore"
	"github.com/couchcryptid/threshold-calibration/internal/adapter/sqlite"
	"github.com/couchcryptid/threshold-calibration/internal/config"
	"github.com/couchcryptid/threshold-calibration/internal/observability"
	"github.com/couchcryptid/threshold-calibration/internal/pipeline"
	"github.com/couchcryptid/threshold-calibration/internal/readiness"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Error("calibrator failed", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until shutdown. Stores and Kafka clients
// are closed on every return path.
func run(cfg *config.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	params, err := config.LoadParams(cfg.ParamsPath)
	if err != nil {
		return fmt.Errorf("load calibration params %s: %w", cfg.ParamsPath, err)
	}
	tiles, err := tiling.New(params.TilingSpec())
	if err != nil {
		return fmt.Errorf("invalid tiling: %w", err)
	}

	grids, err := pebblestore.Open(cfg.GridStorePath, pebblestore.Options{})
	if err != nil {
		return fmt.Errorf("open grid store %s: %w", cfg.GridStorePath, err)
	}
	defer closeLogged(logger, "grid store", grids.Close)

	db, err := sqlite.Open(cfg.ThresholdDBPath, logger)
	if err != nil {
		return fmt.Errorf("open threshold database %s: %w", cfg.ThresholdDBPath, err)
	}
	defer closeLogged(logger, "threshold database", db.Close)

	feeds := make([]readiness.ObservationTimes, 0, len(params.Fields))
	for _, name := range params.FieldNames() {
		feeds = append(feeds, grids.Feed(name))
	}

	deps := pipeline.Deps{
		Pbar:         grids,
		Observations: pebblestore.NewCachedObservations(grids, cfg.ObsCacheSize),
		Feeds:        feeds,
		DB:           db,
		Clock:        clockwork.NewRealClock(),
		Logger:       logger,
		Metrics:      metrics,
	}

	if cfg.RunMode == config.ModeArchive {
		deps.Source = pebblestore.NewArchiveSource(grids, cfg.ArchiveStart, cfg.ArchiveEnd)
		logger.Info("archive mode", "start", cfg.ArchiveStart, "end", cfg.ArchiveEnd)
	} else {
		reader := kafkaadapter.NewReader(cfg, logger)
		defer closeLogged(logger, "kafka reader", reader.Close)
		deps.Source = reader
	}

	if cfg.KafkaNotifyTopic != "" {
		writer := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaNotifyTopic, logger)
		defer closeLogged(logger, "kafka writer", writer.Close)
		deps.Notifier = writer
	} else {
		logger.Info("threshold update notifications disabled")
	}

	m, err := pipeline.New(deps, params, tiles, pipeline.Options{
		Mode:         cfg.RunMode,
		Workers:      cfg.Workers,
		ArchiveStart: cfg.ArchiveStart,
		ArchiveEnd:   cfg.ArchiveEnd,
	})
	if err != nil {
		return fmt.Errorf("invalid calibration setup: %w", err)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, m, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the calibration manager. An archive run ends on its own.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Run(ctx); err != nil {
			logger.Error("calibration manager error", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		<-done
	case <-done:
		logger.Info("calibration manager finished")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func closeLogged(logger *slog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Error(name+" close error", "error", err)
	}
}
