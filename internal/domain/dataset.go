package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
)

// FieldSelector picks one of the (at most two) jointly calibrated fields.
type FieldSelector int

const (
	FieldPrimary FieldSelector = iota
	FieldSecondary
)

// PbarDataset holds every lead of one generation's tile-averaged pbar.
type PbarDataset struct {
	GenerationTime time.Time
	// Thresholds are the ascending candidate thresholds per field selector.
	Thresholds [2][]float64
	NumTiles   int
	Leads      map[int]*LeadPbar
}

// LeadPbar is the pbar table for one lead time.
type LeadPbar struct {
	// Primary is indexed [tile][candidate].
	Primary [][]Optional[float64]
	// Secondary is indexed [tile][primary candidate][secondary candidate]: the
	// secondary field is tabulated against the member subset chosen by the
	// primary field.
	Secondary [][][]Optional[float64]
}

// LeadSeconds returns the leads present in the dataset in ascending order.
func (d *PbarDataset) LeadSeconds() []int {
	leads := make([]int, 0, len(d.Leads))
	for lead := range d.Leads {
		leads = append(leads, lead)
	}
	slices.Sort(leads)
	return leads
}

// CandidateThresholds returns the candidate threshold list of a field.
func (d *PbarDataset) CandidateThresholds(f FieldSelector) []float64 {
	return d.Thresholds[f]
}

// Series returns the primary field's pbar over its candidates at one tile.
func (d *PbarDataset) Series(lead, tile int) ([]Optional[float64], error) {
	lp, ok := d.Leads[lead]
	if !ok {
		return nil, fmt.Errorf("lead %d: %w", lead, ErrNotFound)
	}
	if tile < 0 || tile >= len(lp.Primary) {
		return nil, fmt.Errorf("lead %d tile %d out of range [0,%d)", lead, tile, len(lp.Primary))
	}
	return lp.Primary[tile], nil
}

// SecondarySeries returns the secondary field's pbar at one tile, restricted to
// the member subset selected by the primary field's pbar index.
func (d *PbarDataset) SecondarySeries(lead, tile, pbarIndex int) ([]Optional[float64], error) {
	lp, ok := d.Leads[lead]
	if !ok {
		return nil, fmt.Errorf("lead %d: %w", lead, ErrNotFound)
	}
	if tile < 0 || tile >= len(lp.Secondary) {
		return nil, fmt.Errorf("lead %d tile %d out of range [0,%d)", lead, tile, len(lp.Secondary))
	}
	rows := lp.Secondary[tile]
	if pbarIndex < 0 || pbarIndex >= len(rows) {
		return nil, fmt.Errorf("lead %d tile %d pbar index %d out of range [0,%d)", lead, tile, pbarIndex, len(rows))
	}
	return rows[pbarIndex], nil
}

// ObservationDataset holds the obar grids of one field at one valid time.
type ObservationDataset struct {
	Field     string
	ValidTime time.Time
	// Thresholds are the verification thresholds, one obar grid each.
	Thresholds []float64
	Obar       []gridmath.Grid
}

// ObarGrid returns the obar grid for a verification threshold index.
func (o *ObservationDataset) ObarGrid(obarIndex int) (gridmath.Grid, error) {
	if obarIndex < 0 || obarIndex >= len(o.Obar) {
		return gridmath.Grid{}, fmt.Errorf("obar index %d out of range [0,%d)", obarIndex, len(o.Obar))
	}
	return o.Obar[obarIndex], nil
}
