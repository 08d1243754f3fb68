// Package pipeline runs the calibration manager: it consumes pbar triggers,
// tracks generation readiness, and calibrates every ready generation on a
// fixed set of worker goroutines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/threshold-calibration/internal/adapter/sqlite"
	"github.com/couchcryptid/threshold-calibration/internal/calibration"
	"github.com/couchcryptid/threshold-calibration/internal/config"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/observability"
	"github.com/couchcryptid/threshold-calibration/internal/readiness"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// TriggerSource yields pbar arrival triggers. Archive sources return io.EOF
// once exhausted.
type TriggerSource interface {
	Next(ctx context.Context) (domain.Trigger, error)
}

// PbarStore reads tile-averaged pbar datasets.
type PbarStore interface {
	ReadPbar(ctx context.Context, gen time.Time) (*domain.PbarDataset, error)
	PbarTriggers(ctx context.Context, t0, t1 time.Time) ([]domain.Trigger, error)
}

// ObservationStore reads one field's observation dataset at a valid time.
type ObservationStore interface {
	ReadObservation(ctx context.Context, field string, valid time.Time) (*domain.ObservationDataset, error)
}

// ThresholdDB persists calibrated thresholds per generation.
type ThresholdDB interface {
	Load(ctx context.Context, gen time.Time, expect sqlite.Layout) (*sqlite.Table, error)
	LoadBestOlder(ctx context.Context, gen time.Time, maxLookback time.Duration, expect sqlite.Layout) (*sqlite.Table, error)
	Save(ctx context.Context, t *sqlite.Table) error
	Generations(ctx context.Context, t0, t1 time.Time) ([]time.Time, error)
}

// Notifier announces persisted generations downstream.
type Notifier interface {
	PublishUpdate(ctx context.Context, u domain.ThresholdUpdate) error
}

// Deps are the manager's collaborators. Notifier may be nil.
type Deps struct {
	Source       TriggerSource
	Pbar         PbarStore
	Observations ObservationStore
	// Feeds has one observation time feed per configured field, in field order.
	Feeds    []readiness.ObservationTimes
	DB       ThresholdDB
	Notifier Notifier
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Options selects the run mode and pool size.
type Options struct {
	Mode         string
	Workers      int
	ArchiveStart time.Time
	ArchiveEnd   time.Time
}

// Manager is the calibration orchestrator.
type Manager struct {
	source   TriggerSource
	pbar     PbarStore
	obs      ObservationStore
	db       ThresholdDB
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	params *config.Params
	tiles  *tiling.Tiling
	fields []calibration.FieldConfig
	layout sqlite.Layout
	opts   Options
	state  *readiness.State

	// ioMu serializes every threshold database access and table update.
	ioMu sync.Mutex

	ready      atomic.Bool
	backfilled bool
	// calibrated holds the generations an archive run skips, by unix second.
	calibrated map[int64]bool

	statusMu   sync.Mutex
	lastGen    time.Time
	lastReason readiness.Reason
}

// New validates the setup and creates a Manager. A tiling that breaks the
// below-tile ordering is a configuration error.
func New(d Deps, params *config.Params, tiles *tiling.Tiling, opts Options) (*Manager, error) {
	if d.Source == nil || d.Pbar == nil || d.Observations == nil || d.DB == nil {
		return nil, errors.New("pipeline: trigger source, pbar store, observation store and database are required")
	}
	if err := tiling.Validate(tiles); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	fields := params.FieldConfigs()
	if len(d.Feeds) != len(fields) {
		return nil, fmt.Errorf("pipeline: %d observation feeds for %d fields", len(d.Feeds), len(fields))
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("pipeline: workers must be at least 1, got %d", opts.Workers)
	}
	switch opts.Mode {
	case config.ModeRealtime:
	case config.ModeArchive:
		if !opts.ArchiveStart.Before(opts.ArchiveEnd) {
			return nil, errors.New("pipeline: archive start must be before archive end")
		}
	default:
		return nil, fmt.Errorf("pipeline: unknown mode %q", opts.Mode)
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}

	layout := sqlite.Layout{ObarThresholds: make(map[string][]float64, len(fields)), NumTiles: tiles.NumTiles()}
	for _, f := range fields {
		layout.ObarThresholds[f.Name] = f.ObarThresholds
	}

	return &Manager{
		source:     d.Source,
		pbar:       d.Pbar,
		obs:        d.Observations,
		db:         d.DB,
		notifier:   d.Notifier,
		clock:      d.Clock,
		logger:     d.Logger,
		metrics:    d.Metrics,
		params:     params,
		tiles:      tiles,
		fields:     fields,
		layout:     layout,
		opts:       opts,
		state:      readiness.NewState(params.LeadSeconds, d.Feeds, d.Logger),
		calibrated: make(map[int64]bool),
	}, nil
}

// CheckReadiness returns nil once a trigger has been processed or the
// startup backfill has completed.
func (m *Manager) CheckReadiness(_ context.Context) error {
	if !m.ready.Load() {
		return errors.New("calibration manager has not processed any triggers yet")
	}
	return nil
}

// Run consumes triggers until the context is cancelled or an archive source
// is exhausted.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("calibration manager started",
		"mode", m.opts.Mode,
		"workers", m.opts.Workers,
		"leads", len(m.params.LeadSeconds),
		"fields", len(m.fields),
		"tiles", m.tiles.NumTiles(),
	)
	m.metrics.PipelineRunning.Set(1)
	defer m.metrics.PipelineRunning.Set(0)

	if m.opts.Mode == config.ModeArchive {
		if err := m.loadCalibrated(ctx); err != nil {
			return fmt.Errorf("archive startup: %w", err)
		}
	}

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("calibration manager stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !m.step(ctx, &backoff) {
			return nil
		}
	}
}

// step reads and handles one trigger. Returns false if the manager should stop.
func (m *Manager) step(ctx context.Context, backoff *time.Duration) bool {
	t, err := m.source.Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		m.drain(ctx)
		return false
	case errors.Is(err, domain.ErrMalformedTrigger):
		m.logger.Warn("malformed trigger skipped", "error", err)
		m.metrics.TriggerErrors.Inc()
		return true
	case err != nil:
		if ctx.Err() != nil {
			return false
		}
		m.logger.Error("read trigger failed", "error", err)
		return m.backoffOrStop(ctx, backoff)
	}

	*backoff = initialBackoff
	m.metrics.TriggersConsumed.Inc()

	m.handleTrigger(ctx, t)
	m.commit(ctx, t)
	m.ready.Store(true)
	return true
}

func (m *Manager) handleTrigger(ctx context.Context, t domain.Trigger) {
	logger := m.logger.With("generation_time", t.GenerationTime, "lead_seconds", t.LeadSeconds)
	logger.Debug("trigger received", "sources", t.Sources, "complete", t.Complete)

	if m.opts.Mode == config.ModeRealtime && !m.backfilled {
		m.backfilled = true
		m.backfill(ctx, t.GenerationTime)
	}
	if m.calibrated[t.GenerationTime.Unix()] {
		logger.Debug("generation already calibrated, trigger skipped")
		return
	}

	m.record(ctx, t)
	m.processReady(ctx)
}

func (m *Manager) record(ctx context.Context, t domain.Trigger) {
	if err := m.state.RecordTrigger(ctx, t.GenerationTime, t.LeadSeconds); err != nil {
		m.logger.Warn("observation feed query failed",
			"generation_time", t.GenerationTime, "lead_seconds", t.LeadSeconds, "error", err)
	}
}

// processReady evicts and calibrates every generation that became ready.
func (m *Manager) processReady(ctx context.Context) {
	for _, rg := range m.state.EvictCompleted(m.now(), m.params.MaxIncompleteAge) {
		m.processGeneration(ctx, rg)
	}
	m.metrics.GenerationsInFlight.Set(float64(m.state.Len()))
}

// now is wall-clock time in realtime mode. An archive run's clock follows
// the newest generation it has replayed.
func (m *Manager) now() time.Time {
	if m.opts.Mode == config.ModeArchive {
		return m.state.NewestSeen()
	}
	return m.clock.Now()
}

// backfill records the stored pbar of every generation inside the backfill
// window that the database does not hold yet. The live trigger's own
// generation is always replayed so leads stored while the process was down
// are not pruned. The caller records the live trigger and processes whatever
// became ready.
func (m *Manager) backfill(ctx context.Context, first time.Time) {
	if m.params.BackfillWindow <= 0 {
		return
	}
	t0 := first.Add(-m.params.BackfillWindow)
	t1 := first

	var existing []time.Time
	err := m.withIOLock(func() error {
		var err error
		existing, err = m.db.Generations(ctx, t0, t1)
		return err
	})
	if err != nil {
		m.logger.Error("backfill: list calibrated generations failed", "error", err)
		return
	}
	done := unixSet(existing)

	triggers, err := m.pbar.PbarTriggers(ctx, t0, t1)
	if err != nil {
		m.logger.Error("backfill: list stored pbar failed", "error", err)
		return
	}

	replayed := 0
	for _, t := range triggers {
		if done[t.GenerationTime.Unix()] && !t.GenerationTime.Equal(first) {
			continue
		}
		m.record(ctx, t)
		replayed++
	}
	m.logger.Info("backfill replayed",
		"from", t0, "to", t1,
		"triggers", replayed,
		"already_calibrated", len(existing),
	)
}

// loadCalibrated remembers which generations of the archive range are
// already in the database.
func (m *Manager) loadCalibrated(ctx context.Context) error {
	var existing []time.Time
	err := m.withIOLock(func() error {
		var err error
		existing, err = m.db.Generations(ctx, m.opts.ArchiveStart, m.opts.ArchiveEnd)
		return err
	})
	if err != nil {
		return err
	}
	m.calibrated = unixSet(existing)
	m.logger.Info("archive range loaded",
		"start", m.opts.ArchiveStart, "end", m.opts.ArchiveEnd,
		"already_calibrated", len(existing))
	return nil
}

// drain calibrates whatever is still pending once an archive source is
// exhausted.
func (m *Manager) drain(ctx context.Context) {
	pending := m.state.EvictAll()
	m.logger.Info("trigger source exhausted, draining", "generations", len(pending))
	for _, rg := range pending {
		m.processGeneration(ctx, rg)
	}
	m.metrics.GenerationsInFlight.Set(0)
	m.ready.Store(true)
}

// withIOLock runs fn holding the threshold database lock.
func (m *Manager) withIOLock(fn func() error) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	return fn()
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the manager should stop.
func (m *Manager) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, m.clock, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commit acknowledges the trigger if its source needs it.
func (m *Manager) commit(ctx context.Context, t domain.Trigger) {
	if t.Commit == nil {
		return
	}
	if err := t.Commit(ctx); err != nil {
		m.logger.Warn("commit trigger failed", "error", err,
			"generation_time", t.GenerationTime, "lead_seconds", t.LeadSeconds)
	}
}

// Status is the /status payload.
type Status struct {
	Mode           string               `json:"mode"`
	Ready          bool                 `json:"ready"`
	NewestSeen     *time.Time           `json:"newest_seen,omitempty"`
	LastCalibrated *time.Time           `json:"last_calibrated,omitempty"`
	LastReason     readiness.Reason     `json:"last_reason,omitempty"`
	InFlight       []readiness.Snapshot `json:"in_flight"`
}

// Status snapshots the in-flight generations for the HTTP status endpoint.
func (m *Manager) Status() any {
	s := Status{
		Mode:     m.opts.Mode,
		Ready:    m.ready.Load(),
		InFlight: m.state.Snapshot(),
	}
	if newest := m.state.NewestSeen(); !newest.IsZero() {
		s.NewestSeen = &newest
	}
	m.statusMu.Lock()
	if !m.lastGen.IsZero() {
		last := m.lastGen
		s.LastCalibrated = &last
		s.LastReason = m.lastReason
	}
	m.statusMu.Unlock()
	return s
}

func (m *Manager) setLastCalibrated(gen time.Time, reason readiness.Reason) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.lastGen = gen
	m.lastReason = reason
}

func unixSet(ts []time.Time) map[int64]bool {
	set := make(map[int64]bool, len(ts))
	for _, t := range ts {
		set[t.Unix()] = true
	}
	return set
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
