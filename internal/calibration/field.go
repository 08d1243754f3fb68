package calibration

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

// FieldConfig is the immutable calibration setup of one field.
type FieldConfig struct {
	Name           string
	Selector       domain.FieldSelector
	Comparison     domain.Comparison
	Coldstart      float64
	ObarThresholds []float64
	// TargetBias is indexed like ObarThresholds.
	TargetBias []float64
}

// ObarSource yields the observed exceedance fraction of a tile for one
// verification threshold. ok is false when the tile has no valid cells.
type ObarSource interface {
	Obar(obarIndex, tileIndex int) (value float64, ok bool)
}

// PriorLookup returns a previously persisted result used to warm-start the
// search.
type PriorLookup interface {
	Lookup(lead int, field string, obarIndex, tileIndex int) (domain.TileThresholdResult, bool)
}

// SeriesFunc returns a tile's pbar list over the field's candidates.
type SeriesFunc func(tileIndex int) ([]domain.Optional[float64], error)

// FieldCalibrator runs the tile loop for one field of one (generation, lead).
// A joint calibration holds two, one per field selector.
type FieldCalibrator struct {
	cfg        FieldConfig
	geometry   tiling.Geometry
	candidates []float64
	obar       ObarSource
	prior      PriorLookup
	tiles      *ThresholdForEachTile
	gen        time.Time
	lead       int
	logger     *slog.Logger
}

// NewFieldCalibrator prepares a calibrator. candidates are the field's
// ascending candidate thresholds.
func NewFieldCalibrator(cfg FieldConfig, g tiling.Geometry, candidates []float64, obar ObarSource, gen time.Time, lead int, logger *slog.Logger) *FieldCalibrator {
	return &FieldCalibrator{
		cfg:        cfg,
		geometry:   g,
		candidates: candidates,
		obar:       obar,
		tiles:      NewThresholdForEachTile(g, cfg.Coldstart, gen, lead),
		gen:        gen,
		lead:       lead,
		logger:     logger.With("field", cfg.Name, "generation_time", gen, "lead_seconds", lead),
	}
}

// Name is the configured field name.
func (f *FieldCalibrator) Name() string { return f.cfg.Name }

// SetInitialThresholds installs the prior-best lookup. Without one, every
// tile starts from the coldstart threshold.
func (f *FieldCalibrator) SetInitialThresholds(prior PriorLookup) {
	f.prior = prior
}

// Sweep calibrates every tile for one verification threshold index and
// returns the results in tile order. Every tile receives a result.
func (f *FieldCalibrator) Sweep(obarIndex int, series SeriesFunc) ([]domain.TileThresholdResult, error) {
	if obarIndex < 0 || obarIndex >= len(f.cfg.ObarThresholds) {
		return nil, fmt.Errorf("field %s: obar index %d out of range [0,%d)", f.cfg.Name, obarIndex, len(f.cfg.ObarThresholds))
	}
	f.tiles.Reset()
	mother := f.geometry.MotherTileIndex()

	for _, tile := range tiling.Order(f.geometry) {
		isMother := tile == mother
		if !isMother {
			r, ok, err := f.tiles.UseTileBelow(tile)
			if ok {
				f.tiles.Set(r)
				continue
			}
			if err != nil {
				if errors.Is(err, ErrBelowTileMissing) {
					f.logger.Error("below tile unresolved", "tile", tile, "error", err)
				}
				f.tiles.SetToMotherOrColdstart(tile, false)
				continue
			}
		}

		r, err := f.compute(obarIndex, tile, series)
		if err != nil {
			f.logger.Debug("tile fallback", "tile", tile, "obar_index", obarIndex, "error", err)
			f.tiles.SetToMotherOrColdstart(tile, isMother)
			continue
		}
		f.tiles.Set(r)
		if isMother {
			f.tiles.HandleMotherResults(r)
		}
	}

	if f.tiles.MotherFailed() {
		f.logger.Warn("mother tile fell back to coldstart", "obar_index", obarIndex)
	}
	return f.tiles.Results(), nil
}

func (f *FieldCalibrator) compute(obarIndex, tile int, series SeriesFunc) (domain.TileThresholdResult, error) {
	obar, ok := f.obar.Obar(obarIndex, tile)
	if !ok {
		return domain.TileThresholdResult{}, errors.New("no observed value")
	}
	pbar, err := series(tile)
	if err != nil {
		return domain.TileThresholdResult{}, err
	}
	vec, err := NewPbarVector(f.cfg.Comparison, f.candidates, pbar)
	if err != nil {
		return domain.TileThresholdResult{}, err
	}
	choice, err := vec.Best(obar, f.cfg.TargetBias[obarIndex], f.currentBest(obarIndex, tile))
	if err != nil {
		return domain.TileThresholdResult{}, err
	}
	return domain.TileThresholdResult{
		TileIndex:      tile,
		GenerationTime: f.gen,
		LeadSeconds:    f.lead,
		Threshold:      choice.Threshold,
		Bias:           domain.Some(choice.Bias),
		PbarIndex:      domain.Some(choice.Index),
		IsMotherTile:   tile == f.geometry.MotherTileIndex(),
		Source:         domain.SourceComputed,
	}, nil
}

func (f *FieldCalibrator) currentBest(obarIndex, tile int) float64 {
	if f.prior != nil {
		if r, ok := f.prior.Lookup(f.lead, f.cfg.Name, obarIndex, tile); ok {
			return r.Threshold
		}
	}
	return f.cfg.Coldstart
}
