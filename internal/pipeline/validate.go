package pipeline

import (
	"fmt"
	"math"

	"github.com/couchcryptid/threshold-calibration/internal/calibration"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
)

// thresholdTolerance matches the slack the threshold database allows when it
// compares stored and configured obar thresholds.
const thresholdTolerance = 1e-6

// validateObservation checks an observation dataset against the configured
// field and the tiling grid.
func validateObservation(cfg calibration.FieldConfig, ds *domain.ObservationDataset, nx, ny int) error {
	if len(ds.Thresholds) != len(cfg.ObarThresholds) {
		return fmt.Errorf("%w: %s observations carry %d obar thresholds, configured %d",
			domain.ErrInconsistentData, cfg.Name, len(ds.Thresholds), len(cfg.ObarThresholds))
	}
	for i, want := range cfg.ObarThresholds {
		if math.Abs(ds.Thresholds[i]-want) > thresholdTolerance {
			return fmt.Errorf("%w: %s obar threshold %d is %g, configured %g",
				domain.ErrInconsistentData, cfg.Name, i, ds.Thresholds[i], want)
		}
	}
	if len(ds.Obar) != len(ds.Thresholds) {
		return fmt.Errorf("%w: %s has %d obar grids for %d thresholds",
			domain.ErrInconsistentData, cfg.Name, len(ds.Obar), len(ds.Thresholds))
	}
	for i, g := range ds.Obar {
		if g.NX != nx || g.NY != ny {
			return fmt.Errorf("%w: %s obar grid %d is %dx%d, tiling covers %dx%d",
				domain.ErrInconsistentData, cfg.Name, i, g.NX, g.NY, nx, ny)
		}
	}
	return nil
}

// validatePbar checks the generation-wide shape of a pbar dataset. Candidate
// thresholds must be strictly ascending for every calibrated field.
func validatePbar(ds *domain.PbarDataset, numTiles, numFields int) error {
	if ds.NumTiles != numTiles {
		return fmt.Errorf("%w: pbar has %d tiles, tiling has %d", domain.ErrInconsistentData, ds.NumTiles, numTiles)
	}
	if len(ds.Thresholds[domain.FieldPrimary]) == 0 {
		return fmt.Errorf("%w: pbar has no primary candidate thresholds", domain.ErrInconsistentData)
	}
	if numFields > 1 && len(ds.Thresholds[domain.FieldSecondary]) == 0 {
		return fmt.Errorf("%w: pbar has no secondary candidate thresholds", domain.ErrInconsistentData)
	}
	for f := range min(numFields, len(ds.Thresholds)) {
		thresholds := ds.Thresholds[f]
		for i := 1; i < len(thresholds); i++ {
			if thresholds[i] <= thresholds[i-1] {
				return fmt.Errorf("%w: pbar field %d candidate thresholds not strictly ascending at index %d (%g after %g)",
					domain.ErrInconsistentData, f, i, thresholds[i], thresholds[i-1])
			}
		}
	}
	return nil
}

// validatePbarLead checks one lead's tables. The secondary table needs one
// row per primary candidate.
func validatePbarLead(ds *domain.PbarDataset, lead, numFields int) error {
	lp, ok := ds.Leads[lead]
	if !ok {
		return fmt.Errorf("pbar lead %d: %w", lead, domain.ErrNotFound)
	}
	nPrimary := len(ds.Thresholds[domain.FieldPrimary])
	if len(lp.Primary) != ds.NumTiles {
		return fmt.Errorf("%w: lead %d primary pbar has %d tiles, want %d",
			domain.ErrInconsistentData, lead, len(lp.Primary), ds.NumTiles)
	}
	for tile, row := range lp.Primary {
		if len(row) != nPrimary {
			return fmt.Errorf("%w: lead %d tile %d primary pbar has %d candidates, want %d",
				domain.ErrInconsistentData, lead, tile, len(row), nPrimary)
		}
	}
	if numFields < 2 {
		return nil
	}

	nSecondary := len(ds.Thresholds[domain.FieldSecondary])
	if len(lp.Secondary) != ds.NumTiles {
		return fmt.Errorf("%w: lead %d secondary pbar has %d tiles, want %d",
			domain.ErrInconsistentData, lead, len(lp.Secondary), ds.NumTiles)
	}
	for tile, rows := range lp.Secondary {
		if len(rows) != nPrimary {
			return fmt.Errorf("%w: lead %d tile %d secondary pbar has %d rows, want one per primary candidate (%d)",
				domain.ErrInconsistentData, lead, tile, len(rows), nPrimary)
		}
		for i, row := range rows {
			if len(row) != nSecondary {
				return fmt.Errorf("%w: lead %d tile %d secondary row %d has %d candidates, want %d",
					domain.ErrInconsistentData, lead, tile, i, len(row), nSecondary)
			}
		}
	}
	return nil
}
