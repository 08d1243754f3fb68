package sqlite

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
)

// thresholdTolerance is the slack allowed when comparing stored and
// configured obar thresholds.
const thresholdTolerance = 1e-6

// Layout is the configuration a generation's thresholds were computed with.
type Layout struct {
	// ObarThresholds maps field name to its verification thresholds.
	ObarThresholds map[string][]float64
	NumTiles       int
}

// Check returns ErrInconsistentData when other differs from l.
func (l Layout) Check(other Layout) error {
	if l.NumTiles != other.NumTiles {
		return fmt.Errorf("%w: %d tiles, configured %d", domain.ErrInconsistentData, other.NumTiles, l.NumTiles)
	}
	for field, want := range l.ObarThresholds {
		got, ok := other.ObarThresholds[field]
		if !ok {
			return fmt.Errorf("%w: field %s missing", domain.ErrInconsistentData, field)
		}
		if !thresholdsMatch(want, got) {
			return fmt.Errorf("%w: field %s obar thresholds %v, configured %v", domain.ErrInconsistentData, field, got, want)
		}
	}
	return nil
}

func thresholdsMatch(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > thresholdTolerance {
			return false
		}
	}
	return true
}

// Key addresses one stored threshold within a generation.
type Key struct {
	LeadSeconds int
	Field       string
	ObarIndex   int
	TileIndex   int
}

// Table accumulates one generation's thresholds in memory. It is not safe
// for concurrent use; the calibration manager serializes access.
type Table struct {
	GenerationTime time.Time
	Layout         Layout

	rows     map[Key]domain.TileThresholdResult
	modified bool
}

// NewTable returns an empty table for a generation.
func NewTable(gen time.Time, layout Layout) *Table {
	return &Table{
		GenerationTime: gen.UTC(),
		Layout:         layout,
		rows:           make(map[Key]domain.TileThresholdResult),
	}
}

// Update stores one sweep's results.
func (t *Table) Update(field string, obarIndex int, results []domain.TileThresholdResult) {
	for _, r := range results {
		t.rows[Key{LeadSeconds: r.LeadSeconds, Field: field, ObarIndex: obarIndex, TileIndex: r.TileIndex}] = r
	}
	if len(results) > 0 {
		t.modified = true
	}
}

// Lookup returns a stored result.
func (t *Table) Lookup(lead int, field string, obarIndex, tileIndex int) (domain.TileThresholdResult, bool) {
	r, ok := t.rows[Key{LeadSeconds: lead, Field: field, ObarIndex: obarIndex, TileIndex: tileIndex}]
	return r, ok
}

// Modified reports whether the table changed since it was loaded or saved.
func (t *Table) Modified() bool { return t.modified }

// Len is the number of stored thresholds.
func (t *Table) Len() int { return len(t.rows) }

// Leads lists the leads with at least one stored threshold, ascending.
func (t *Table) Leads() []int {
	seen := make(map[int]bool)
	var leads []int
	for k := range t.rows {
		if !seen[k.LeadSeconds] {
			seen[k.LeadSeconds] = true
			leads = append(leads, k.LeadSeconds)
		}
	}
	slices.Sort(leads)
	return leads
}

// Keys returns every stored key in (lead, field, obar index, tile) order.
func (t *Table) Keys() []Key {
	keys := make([]Key, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(
			cmp.Compare(a.LeadSeconds, b.LeadSeconds),
			cmp.Compare(a.Field, b.Field),
			cmp.Compare(a.ObarIndex, b.ObarIndex),
			cmp.Compare(a.TileIndex, b.TileIndex),
		)
	})
	return keys
}

func (t *Table) put(k Key, r domain.TileThresholdResult) {
	t.rows[k] = r
}
