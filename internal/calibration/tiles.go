package calibration

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

var (
	// ErrNoTileBelow is returned for out-of-band tiles on the southern edge.
	ErrNoTileBelow = errors.New("no tile below")
	// ErrBelowTileMissing means the tile below had not been resolved yet.
	ErrBelowTileMissing = errors.New("below tile has no result")
)

// ThresholdForEachTile holds one calibration pass's per-tile results. It is
// reset in place between passes so a lead's sweeps reuse one allocation.
type ThresholdForEachTile struct {
	geometry  tiling.Geometry
	coldstart float64

	gen  time.Time
	lead int

	results      []domain.Optional[domain.TileThresholdResult]
	mother       domain.Optional[domain.TileThresholdResult]
	motherFailed bool
}

// NewThresholdForEachTile returns an empty holder sized for the geometry.
func NewThresholdForEachTile(g tiling.Geometry, coldstart float64, gen time.Time, lead int) *ThresholdForEachTile {
	return &ThresholdForEachTile{
		geometry:  g,
		coldstart: coldstart,
		gen:       gen,
		lead:      lead,
		results:   make([]domain.Optional[domain.TileThresholdResult], g.NumTiles()),
	}
}

// Reset clears all results for a new pass.
func (t *ThresholdForEachTile) Reset() {
	clear(t.results)
	t.mother = domain.None[domain.TileThresholdResult]()
	t.motherFailed = false
}

// Set records the result for r.TileIndex.
func (t *ThresholdForEachTile) Set(r domain.TileThresholdResult) {
	t.results[r.TileIndex] = domain.Some(r)
}

// Result returns the stored result for a tile.
func (t *ThresholdForEachTile) Result(tileIndex int) (domain.TileThresholdResult, bool) {
	if tileIndex < 0 || tileIndex >= len(t.results) {
		return domain.TileThresholdResult{}, false
	}
	return t.results[tileIndex].Get()
}

// Results returns every stored result in tile order.
func (t *ThresholdForEachTile) Results() []domain.TileThresholdResult {
	out := make([]domain.TileThresholdResult, 0, len(t.results))
	for _, r := range t.results {
		if r.Valid {
			out = append(out, r.Value)
		}
	}
	return out
}

// Complete reports whether every tile has a result.
func (t *ThresholdForEachTile) Complete() bool {
	for _, r := range t.results {
		if !r.Valid {
			return false
		}
	}
	return true
}

// UseTileBelow returns a copy of the below tile's result when tileIndex lies
// outside the verification band. ok is false for in-band tiles, which must be
// computed. An out-of-band tile with nothing usable below returns an error
// and the caller falls back to SetToMotherOrColdstart.
func (t *ThresholdForEachTile) UseTileBelow(tileIndex int) (domain.TileThresholdResult, bool, error) {
	out, below := t.geometry.OutOfBoundsBelow(tileIndex)
	if !out {
		return domain.TileThresholdResult{}, false, nil
	}
	if below < 0 {
		return domain.TileThresholdResult{}, false, fmt.Errorf("tile %d: %w", tileIndex, ErrNoTileBelow)
	}
	r, ok := t.Result(below)
	if !ok {
		return domain.TileThresholdResult{}, false, fmt.Errorf("tile %d: below tile %d: %w", tileIndex, below, ErrBelowTileMissing)
	}
	r = r.WithTile(tileIndex)
	r.Source = domain.SourceBelow
	return r, true, nil
}

// HandleMotherResults stores a successfully computed mother-tile result for
// later fallbacks.
func (t *ThresholdForEachTile) HandleMotherResults(r domain.TileThresholdResult) {
	t.mother = domain.Some(r)
	t.motherFailed = false
}

// MotherFailed reports whether the mother tile fell back to coldstart.
func (t *ThresholdForEachTile) MotherFailed() bool { return t.motherFailed }

// SetToMotherOrColdstart assigns the fallback result to a tile and records it.
// The mother tile itself always falls back to coldstart; other tiles copy the
// mother's result unless the mother failed too.
func (t *ThresholdForEachTile) SetToMotherOrColdstart(tileIndex int, isMother bool) domain.TileThresholdResult {
	var r domain.TileThresholdResult
	switch {
	case isMother:
		r = t.coldstartResult(tileIndex)
		r.IsMotherTile = true
		t.motherFailed = true
	case t.mother.Valid && !t.motherFailed:
		r = t.mother.Value.WithTile(tileIndex)
		r.IsMotherTile = true
		r.Source = domain.SourceMother
	default:
		r = t.coldstartResult(tileIndex)
	}
	t.Set(r)
	return r
}

func (t *ThresholdForEachTile) coldstartResult(tileIndex int) domain.TileThresholdResult {
	return domain.TileThresholdResult{
		TileIndex:      tileIndex,
		GenerationTime: t.gen,
		LeadSeconds:    t.lead,
		Threshold:      t.coldstart,
		IsColdstart:    true,
		Source:         domain.SourceColdstart,
	}
}
