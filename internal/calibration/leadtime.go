package calibration

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

// Sink receives each completed sweep. Implementations persist the results.
type Sink interface {
	Record(field string, obarIndex int, results []domain.TileThresholdResult) error
}

// FieldInput bundles what one field needs for a lead.
type FieldInput struct {
	Config FieldConfig
	Obar   ObarSource
}

// LeadtimeCalibration is the working context of one (generation, lead) task.
type LeadtimeCalibration struct {
	gen       time.Time
	lead      int
	pbar      *domain.PbarDataset
	primary   *FieldCalibrator
	secondary *FieldCalibrator
	logger    *slog.Logger
}

// NewLeadtimeCalibration builds the per-field calibrators. secondary is nil
// for a single-field setup.
func NewLeadtimeCalibration(g tiling.Geometry, pbar *domain.PbarDataset, lead int, primary FieldInput, secondary *FieldInput, logger *slog.Logger) (*LeadtimeCalibration, error) {
	if _, err := pbar.Series(lead, g.MotherTileIndex()); err != nil {
		return nil, fmt.Errorf("lead %d: %w", lead, err)
	}
	lc := &LeadtimeCalibration{
		gen:    pbar.GenerationTime,
		lead:   lead,
		pbar:   pbar,
		logger: logger,
	}
	lc.primary = NewFieldCalibrator(primary.Config, g, pbar.CandidateThresholds(domain.FieldPrimary), primary.Obar, lc.gen, lead, logger)
	if secondary != nil {
		lc.secondary = NewFieldCalibrator(secondary.Config, g, pbar.CandidateThresholds(domain.FieldSecondary), secondary.Obar, lc.gen, lead, logger)
	}
	return lc, nil
}

// SetInitialThresholds warm-starts both fields from persisted results.
func (lc *LeadtimeCalibration) SetInitialThresholds(prior PriorLookup) {
	if prior == nil {
		return
	}
	lc.primary.SetInitialThresholds(prior)
	if lc.secondary != nil {
		lc.secondary.SetInitialThresholds(prior)
	}
}

// Run sweeps every verification threshold. For each index the primary field
// is calibrated first; the secondary field then reads its pbar at the
// primary's chosen pbar index per tile.
func (lc *LeadtimeCalibration) Run(sink Sink) error {
	for k := range lc.primary.cfg.ObarThresholds {
		first, err := lc.primary.Sweep(k, func(tile int) ([]domain.Optional[float64], error) {
			return lc.pbar.Series(lc.lead, tile)
		})
		if err != nil {
			return err
		}
		if err := sink.Record(lc.primary.Name(), k, first); err != nil {
			return fmt.Errorf("record %s obar %d: %w", lc.primary.Name(), k, err)
		}

		if lc.secondary == nil {
			continue
		}
		second, err := lc.secondary.Sweep(k, lc.jointSeries(first))
		if err != nil {
			return err
		}
		if err := sink.Record(lc.secondary.Name(), k, second); err != nil {
			return fmt.Errorf("record %s obar %d: %w", lc.secondary.Name(), k, err)
		}
	}
	return nil
}

func (lc *LeadtimeCalibration) jointSeries(first []domain.TileThresholdResult) SeriesFunc {
	index := make(map[int]domain.Optional[int], len(first))
	for _, r := range first {
		index[r.TileIndex] = r.PbarIndex
	}
	return func(tile int) ([]domain.Optional[float64], error) {
		idx, ok := index[tile].Get()
		if !ok {
			return nil, fmt.Errorf("tile %d: primary field has no pbar index", tile)
		}
		return lc.pbar.SecondarySeries(lc.lead, tile, idx)
	}
}

// RectSource maps tiles to grid rectangles.
type RectSource interface {
	Rect(tileIndex int) gridmath.Rect
}

// GridObar averages an observation dataset's obar grids over each tile.
type GridObar struct {
	Dataset *domain.ObservationDataset
	Tiles   RectSource
}

func (g GridObar) Obar(obarIndex, tileIndex int) (float64, bool) {
	grid, err := g.Dataset.ObarGrid(obarIndex)
	if err != nil {
		return 0, false
	}
	return gridmath.RectMean(grid, g.Tiles.Rect(tileIndex))
}
