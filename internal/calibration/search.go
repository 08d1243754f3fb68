// Package calibration selects, per tile and verification threshold, the
// forecast threshold whose pbar best reproduces a target bias against obar.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
)

// ErrNoGoodCandidates means no candidate had a usable pbar.
var ErrNoGoodCandidates = errors.New("no good pbar candidates")

// Candidate pairs a candidate threshold with its pbar at one tile.
type Candidate struct {
	Threshold float64
	Pbar      domain.Optional[float64]
}

// Choice is the outcome of a search.
type Choice struct {
	Threshold float64
	// Bias is pbar - obar at the chosen threshold.
	Bias float64
	// Index is the candidate slot chosen. A jointly calibrated second field
	// reads its pbar table at this index.
	Index int
}

// PbarVector is the candidate list for one tile, one field and one
// verification threshold, ordered by ascending threshold.
type PbarVector struct {
	comparison domain.Comparison
	candidates []Candidate
}

// NewPbarVector pairs ascending thresholds with their pbar values.
func NewPbarVector(cmp domain.Comparison, thresholds []float64, pbar []domain.Optional[float64]) (*PbarVector, error) {
	if len(thresholds) != len(pbar) {
		return nil, fmt.Errorf("%d thresholds but %d pbar values", len(thresholds), len(pbar))
	}
	cands := make([]Candidate, len(thresholds))
	for i, thr := range thresholds {
		if i > 0 && thr <= thresholds[i-1] {
			return nil, fmt.Errorf("thresholds not strictly ascending at index %d (%g after %g)", i, thr, thresholds[i-1])
		}
		cands[i] = Candidate{Threshold: thr, Pbar: pbar[i]}
	}
	return &PbarVector{comparison: cmp, candidates: cands}, nil
}

// Len is the number of candidates, good or not.
func (v *PbarVector) Len() int { return len(v.candidates) }

// Best picks the threshold for an observed value. currentBest is the tile's
// previous best threshold, used to detect a zero-pbar operating point.
func (v *PbarVector) Best(obar, targetBias, currentBest float64) (Choice, error) {
	if obar == 0 {
		return v.bestWhenObsZero()
	}
	return v.bestWhenObsNonZero(obar, targetBias, currentBest)
}

// bestWhenObsZero scans from the extreme end of the list (highest threshold
// for ge, lowest for le) for the first pbar exactly zero. Without one, the
// most extreme good candidate is used.
func (v *PbarVector) bestWhenObsZero() (Choice, error) {
	extreme := -1
	for _, i := range v.fromExtreme() {
		p, ok := v.candidates[i].Pbar.Get()
		if !ok {
			continue
		}
		if p == 0 {
			return Choice{Threshold: v.candidates[i].Threshold, Bias: 0, Index: i}, nil
		}
		if extreme == -1 {
			extreme = i
		}
	}
	if extreme == -1 {
		return Choice{}, ErrNoGoodCandidates
	}
	return v.choice(extreme, 0), nil
}

// bestWhenObsNonZero minimizes |pbar - obar - targetBias|. When the current
// best threshold yields zero pbar, only candidates from it toward rising
// pbar are considered, defaulting to the farthest one if all are zero.
func (v *PbarVector) bestWhenObsNonZero(obar, targetBias, currentBest float64) (Choice, error) {
	if !v.hasGood() {
		return Choice{}, ErrNoGoodCandidates
	}

	ci := v.nearest(currentBest)
	if p, ok := v.candidates[ci].Pbar.Get(); ok && p == 0 {
		return v.constrained(ci, obar, targetBias), nil
	}

	best := -1
	bestErr := math.Inf(1)
	for i, c := range v.candidates {
		p, ok := c.Pbar.Get()
		if !ok {
			continue
		}
		if e := math.Abs(p - obar - targetBias); e < bestErr {
			best, bestErr = i, e
		}
	}
	return v.choice(best, obar), nil
}

func (v *PbarVector) constrained(from int, obar, targetBias float64) Choice {
	step := v.towardRisingPbar()
	best, farthest := -1, -1
	bestErr := math.Inf(1)
	anyNonZero := false
	for i := from; i >= 0 && i < len(v.candidates); i += step {
		p, ok := v.candidates[i].Pbar.Get()
		if !ok {
			continue
		}
		farthest = i
		if p != 0 {
			anyNonZero = true
		}
		if e := math.Abs(p - obar - targetBias); e < bestErr {
			best, bestErr = i, e
		}
	}
	if !anyNonZero {
		return v.choice(farthest, obar)
	}
	return v.choice(best, obar)
}

func (v *PbarVector) choice(i int, obar float64) Choice {
	c := v.candidates[i]
	return Choice{Threshold: c.Threshold, Bias: c.Pbar.Value - obar, Index: i}
}

func (v *PbarVector) hasGood() bool {
	for _, c := range v.candidates {
		if c.Pbar.Valid {
			return true
		}
	}
	return false
}

// nearest returns the index of the candidate closest to threshold; ties go
// to the lower index.
func (v *PbarVector) nearest(threshold float64) int {
	best := 0
	for i, c := range v.candidates {
		if math.Abs(c.Threshold-threshold) < math.Abs(v.candidates[best].Threshold-threshold) {
			best = i
		}
	}
	return best
}

// fromExtreme lists indices starting at the end where pbar is smallest.
func (v *PbarVector) fromExtreme() []int {
	n := len(v.candidates)
	idx := make([]int, n)
	for i := range idx {
		if v.comparison == domain.ComparisonGE {
			idx[i] = n - 1 - i
		} else {
			idx[i] = i
		}
	}
	return idx
}

// towardRisingPbar is the index step that moves toward larger pbar.
func (v *PbarVector) towardRisingPbar() int {
	if v.comparison == domain.ComparisonGE {
		return -1
	}
	return 1
}
