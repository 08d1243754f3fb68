package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/threshold-calibration/internal/adapter/sqlite"
	"github.com/couchcryptid/threshold-calibration/internal/calibration"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/readiness"
)

// Lead task outcomes, used as metric labels.
const (
	outcomeSuccess = "success"
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

// leadTask is the unit of work handed to a worker: one lead of one
// generation. Every task of a generation shares the same table and prior.
type leadTask struct {
	gen   time.Time
	lead  int
	pbar  *domain.PbarDataset
	table *sqlite.Table
	prior calibration.PriorLookup
}

// processGeneration calibrates every triggered lead of a ready generation,
// then flushes its thresholds once.
func (m *Manager) processGeneration(ctx context.Context, rg readiness.ReadyGeneration) {
	start := m.clock.Now()
	gen := rg.State.GenerationTime
	logger := m.logger.With("generation_time", gen, "reason", rg.Reason)

	if pruned := rg.State.Prune(); len(pruned) > 0 {
		logger.Info("leads never triggered, pruned", "lead_seconds", pruned)
	}
	leads := rg.State.ArrivedLeads()
	if len(leads) == 0 {
		logger.Warn("ready generation has no triggered leads")
		return
	}

	ds, err := m.pbar.ReadPbar(ctx, gen)
	if err != nil {
		logger.Error("read pbar failed", "error", err)
		return
	}
	if err := validatePbar(ds, m.tiles.NumTiles(), len(m.fields)); err != nil {
		logger.Error("pbar dataset rejected", "error", err)
		return
	}

	table, prior, err := m.loadTables(ctx, gen)
	if err != nil {
		logger.Error("load thresholds failed", "error", err)
		return
	}

	m.runLeads(ctx, leads, func(lead int) leadTask {
		return leadTask{gen: gen, lead: lead, pbar: ds, table: table, prior: prior}
	})

	saved, err := m.flush(ctx, table)
	if err != nil {
		logger.Error("flush thresholds failed", "error", err)
		return
	}

	m.metrics.GenerationsProcessed.WithLabelValues(string(rg.Reason)).Inc()
	m.metrics.GenerationDuration.Observe(m.clock.Now().Sub(start).Seconds())
	m.setLastCalibrated(gen, rg.Reason)
	logger.Info("generation calibrated",
		"leads", leads,
		"thresholds", table.Len(),
		"saved", saved,
		"duration", m.clock.Now().Sub(start),
	)
	if saved {
		m.notify(ctx, table)
	}
}

// loadTables reads the generation's own table, or starts an empty one, and
// the newest older table within the lookback for warm starting.
func (m *Manager) loadTables(ctx context.Context, gen time.Time) (*sqlite.Table, calibration.PriorLookup, error) {
	var (
		table *sqlite.Table
		prior calibration.PriorLookup
	)
	err := m.withIOLock(func() error {
		t, err := m.db.Load(ctx, gen, m.layout)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			t = sqlite.NewTable(gen, m.layout)
		case err != nil:
			return err
		}
		table = t

		older, err := m.db.LoadBestOlder(ctx, gen, m.params.MaxLookback, m.layout)
		switch {
		case err == nil:
			prior = older
		case errors.Is(err, domain.ErrNotFound):
		case errors.Is(err, domain.ErrInconsistentData):
			m.logger.Warn("warm start table inconsistent with configuration, using coldstart",
				"generation_time", gen, "error", err)
		default:
			return fmt.Errorf("load warm start: %w", err)
		}
		return nil
	})
	return table, prior, err
}

// runLeads feeds one task per lead to a fixed set of workers and returns
// once every task has finished.
func (m *Manager) runLeads(ctx context.Context, leads []int, task func(lead int) leadTask) {
	tasks := make(chan leadTask)
	var g errgroup.Group
	for range min(m.opts.Workers, len(leads)) {
		g.Go(func() error {
			for t := range tasks {
				m.runLead(ctx, t)
			}
			return nil
		})
	}
	for _, lead := range leads {
		tasks <- task(lead)
	}
	close(tasks)
	_ = g.Wait()
}

func (m *Manager) runLead(ctx context.Context, t leadTask) {
	logger := m.logger.With("generation_time", t.gen, "lead_seconds", t.lead)
	outcome, err := m.calibrateLead(ctx, t, logger)
	if err != nil {
		logger.Error("lead calibration failed", "error", err)
	}
	m.metrics.LeadTasks.WithLabelValues(outcome).Inc()
}

// calibrateLead validates every input before the first table write, so a
// rejected lead leaves no rows behind.
func (m *Manager) calibrateLead(ctx context.Context, t leadTask, logger *slog.Logger) (string, error) {
	if err := validatePbarLead(t.pbar, t.lead, len(m.fields)); err != nil {
		return outcomeError, err
	}
	valid := t.gen.Add(time.Duration(t.lead) * time.Second)

	primary, err := m.fieldInput(ctx, 0, valid)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("observations missing, lead skipped", "field", m.fields[0].Name, "valid_time", valid)
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeError, err
	}

	var secondary *calibration.FieldInput
	if len(m.fields) > 1 {
		in, err := m.fieldInput(ctx, 1, valid)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("observations missing, field skipped", "field", m.fields[1].Name, "valid_time", valid)
		case err != nil:
			return outcomeError, err
		default:
			secondary = &in
		}
	}

	lc, err := calibration.NewLeadtimeCalibration(m.tiles, t.pbar, t.lead, primary, secondary, m.logger)
	if err != nil {
		return outcomeError, err
	}
	lc.SetInitialThresholds(t.prior)
	if err := lc.Run(&tableSink{m: m, table: t.table}); err != nil {
		return outcomeError, err
	}
	return outcomeSuccess, nil
}

// fieldInput reads and validates the observations of the field at index i.
func (m *Manager) fieldInput(ctx context.Context, i int, valid time.Time) (calibration.FieldInput, error) {
	cfg := m.fields[i]
	ds, err := m.obs.ReadObservation(ctx, cfg.Name, valid)
	if err != nil {
		return calibration.FieldInput{}, fmt.Errorf("read %s observations: %w", cfg.Name, err)
	}
	nx, ny := m.tiles.GridSize()
	if err := validateObservation(cfg, ds, nx, ny); err != nil {
		return calibration.FieldInput{}, err
	}
	return calibration.FieldInput{
		Config: cfg,
		Obar:   calibration.GridObar{Dataset: ds, Tiles: m.tiles},
	}, nil
}

// flush saves the table if any task changed it.
func (m *Manager) flush(ctx context.Context, table *sqlite.Table) (bool, error) {
	saved := false
	err := m.withIOLock(func() error {
		if !table.Modified() {
			return nil
		}
		if err := m.db.Save(ctx, table); err != nil {
			return err
		}
		saved = true
		return nil
	})
	if saved {
		m.metrics.DatabaseFlushes.Inc()
	}
	return saved, err
}

func (m *Manager) notify(ctx context.Context, table *sqlite.Table) {
	if m.notifier == nil {
		return
	}
	u := domain.ThresholdUpdate{
		GenerationTime: table.GenerationTime,
		Leads:          table.Leads(),
		Fields:         m.params.FieldNames(),
		Tiles:          m.tiles.NumTiles(),
		WrittenAt:      m.clock.Now().UTC(),
	}
	if err := m.notifier.PublishUpdate(ctx, u); err != nil {
		m.logger.Warn("publish threshold update failed",
			"generation_time", table.GenerationTime, "error", err)
	}
}

// tableSink records sweeps into a generation's table under the I/O lock.
type tableSink struct {
	m     *Manager
	table *sqlite.Table
}

func (s *tableSink) Record(field string, obarIndex int, results []domain.TileThresholdResult) error {
	err := s.m.withIOLock(func() error {
		s.table.Update(field, obarIndex, results)
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		s.m.metrics.TileResults.WithLabelValues(string(r.Source)).Inc()
	}
	return nil
}
