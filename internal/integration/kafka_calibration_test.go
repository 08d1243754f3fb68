//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/threshold-calibration/internal/adapter/kafka"
	"github.com/couchcryptid/threshold-calibration/internal/adapter/pebblestore"
	"github.com/couchcryptid/threshold-calibration/internal/adapter/sqlite"
	"github.com/couchcryptid/threshold-calibration/internal/config"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
	"github.com/couchcryptid/threshold-calibration/internal/observability"
	"github.com/couchcryptid/threshold-calibration/internal/pipeline"
	"github.com/couchcryptid/threshold-calibration/internal/readiness"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

const (
	testTriggerTopic = "test-pbar-triggers"
	testNotifyTopic  = "test-calibrated-thresholds"
)

var testGen = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("threshold-calibration"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cconn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cconn.Close()

	require.NoError(t, cconn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func testConfig(broker string) *config.Config {
	return &config.Config{
		KafkaBrokers:      []string{broker},
		KafkaTriggerTopic: testTriggerTopic,
		KafkaNotifyTopic:  testNotifyTopic,
		KafkaGroupID:      fmt.Sprintf("test-calibrator-%d", time.Now().UnixNano()),
		RunMode:           config.ModeRealtime,
		Workers:           2,
	}
}

// nextTrigger retries while the consumer group rebalances.
func nextTrigger(ctx context.Context, t *testing.T, r *kafka.Reader) (domain.Trigger, error) {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return r.Next(readCtx)
}

// TestTriggerRoundTrip verifies the trigger Writer and Reader agree on the
// wire format and that undecodable messages surface as malformed triggers.
func TestTriggerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testTriggerTopic)
	cfg := testConfig(broker)

	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testTriggerTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx, kafkago.Message{Key: []byte("bad"), Value: []byte("not json")}))

	writer := kafka.NewWriter(cfg.KafkaBrokers, testTriggerTopic, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.PublishTriggers(ctx, []domain.Trigger{{
		GenerationTime: testGen,
		LeadSeconds:    3600,
		Sources:        []string{"ensemble-a", "ensemble-b"},
		Complete:       true,
	}}))

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	_, err := nextTrigger(ctx, t, reader)
	require.ErrorIs(t, err, domain.ErrMalformedTrigger)

	got, err := nextTrigger(ctx, t, reader)
	require.NoError(t, err)
	assert.True(t, got.GenerationTime.Equal(testGen))
	assert.Equal(t, 3600, got.LeadSeconds)
	assert.Equal(t, []string{"ensemble-a", "ensemble-b"}, got.Sources)
	assert.True(t, got.Complete)
	require.NotNil(t, got.Commit)
	require.NoError(t, got.Commit(ctx))
}

// TestCalibrationEndToEnd runs the manager against a real broker, a Pebble
// grid store and a SQLite threshold database.
func TestCalibrationEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testTriggerTopic)
	createTopic(t, broker, testNotifyTopic)
	cfg := testConfig(broker)

	params := config.DefaultParams()
	params.LeadSeconds = []int{3600}
	params.Tiling = config.TilingParams{GridNX: 4, GridNY: 4, TileNX: 2, TileNY: 2, VerificationY0: 0, VerificationY1: 4}
	params.Fields = []config.FieldParams{{
		Name: "precip", Comparison: "ge", ColdstartThreshold: 1.5,
		ObarThresholds: []float64{0.5}, TargetBias: []float64{0},
	}}
	require.NoError(t, params.Validate())
	tiles, err := tiling.New(params.TilingSpec())
	require.NoError(t, err)

	grids, err := pebblestore.Open(filepath.Join(t.TempDir(), "grids"), pebblestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = grids.Close() })
	seedGrids(t, grids, tiles)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "thresholds.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	notifier := kafka.NewWriter(cfg.KafkaBrokers, testNotifyTopic, discardLogger())
	t.Cleanup(func() { _ = notifier.Close() })

	m, err := pipeline.New(pipeline.Deps{
		Source:       reader,
		Pbar:         grids,
		Observations: pebblestore.NewCachedObservations(grids, 8),
		Feeds:        []readiness.ObservationTimes{grids.Feed("precip")},
		DB:           db,
		Notifier:     notifier,
		Logger:       discardLogger(),
		Metrics:      observability.NewMetricsForTesting(),
	}, &params, tiles, pipeline.Options{Mode: config.ModeRealtime, Workers: cfg.Workers})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		<-done
	})

	triggers := kafka.NewWriter(cfg.KafkaBrokers, testTriggerTopic, discardLogger())
	t.Cleanup(func() { _ = triggers.Close() })
	require.NoError(t, triggers.PublishTriggers(ctx, []domain.Trigger{{GenerationTime: testGen, LeadSeconds: 3600, Complete: true}}))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testNotifyTopic,
		GroupID:     fmt.Sprintf("test-notify-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, time.Minute)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read threshold update")

	var update domain.ThresholdUpdate
	require.NoError(t, json.Unmarshal(msg.Value, &update))
	assert.True(t, update.GenerationTime.Equal(testGen))
	assert.Equal(t, []int{3600}, update.Leads)
	assert.Equal(t, []string{"precip"}, update.Fields)
	assert.Equal(t, tiles.NumTiles(), update.Tiles)

	table, err := db.Load(ctx, testGen, sqlite.Layout{
		ObarThresholds: map[string][]float64{"precip": {0.5}},
		NumTiles:       tiles.NumTiles(),
	})
	require.NoError(t, err)
	assert.Equal(t, tiles.NumTiles(), table.Len())
	r, ok := table.Lookup(3600, "precip", 0, 1)
	require.True(t, ok)
	assert.InDelta(t, 2.0, r.Threshold, 1e-9)

	require.NoError(t, m.CheckReadiness(ctx))
	stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("manager returned %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("manager did not stop")
	}
	done <- nil
}

// seedGrids stores one generation whose pbar [0.6,0.3,0.1] over candidates
// [1,2,3] matches an obar of 0.3 at threshold 2.
func seedGrids(t *testing.T, grids *pebblestore.Store, tiles *tiling.Tiling) {
	t.Helper()
	n := tiles.NumTiles()
	lp := &domain.LeadPbar{Primary: make([][]domain.Optional[float64], n)}
	for tile := range n {
		lp.Primary[tile] = []domain.Optional[float64]{domain.Some(0.6), domain.Some(0.3), domain.Some(0.1)}
	}
	require.NoError(t, grids.PutPbar(&domain.PbarDataset{
		GenerationTime: testGen,
		Thresholds:     [2][]float64{{1, 2, 3}},
		NumTiles:       n,
		Leads:          map[int]*domain.LeadPbar{3600: lp},
	}))

	nx, ny := tiles.GridSize()
	grid := gridmath.NewGrid(nx, ny)
	for i := range grid.Data {
		grid.Data[i] = 0.3
	}
	require.NoError(t, grids.PutObservation(&domain.ObservationDataset{
		Field:      "precip",
		ValidTime:  testGen.Add(time.Hour),
		Thresholds: []float64{0.5},
		Obar:       []gridmath.Grid{grid},
	}))
}
