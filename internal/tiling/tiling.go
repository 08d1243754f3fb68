// Package tiling describes the ordered set of spatial tiles a calibration pass
// iterates over.
//
// Tile 0 is the mother tile and covers the whole grid. Tiles 1..N are
// rectangles laid out in row-major order starting from the southern row, so
// the tile immediately below any tile has a lower index. Tiles that are not
// fully inside the verification band (rows [VerificationY0, VerificationY1))
// have no usable observations. Those north of the band inherit from the tile
// below them; those south of it have nothing below to inherit from.
package tiling

import (
	"errors"
	"fmt"

	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
)

// MotherTile is the index of the tile covering the full domain.
const MotherTile = 0

// ErrInvalidTiling reports a tiling that violates the ordering invariant or
// has inconsistent dimensions.
var ErrInvalidTiling = errors.New("invalid tiling")

// Geometry is the read-only view of a tiling used during calibration.
type Geometry interface {
	NumTiles() int
	MotherTileIndex() int
	// OutOfBoundsBelow reports whether the tile lies outside the verification
	// band and, if so, the index of the tile below it (-1 when there is none).
	OutOfBoundsBelow(tileIndex int) (bool, int)
}

// Spec holds the configured tiling dimensions, in grid cells.
type Spec struct {
	GridNX         int
	GridNY         int
	TileNX         int
	TileNY         int
	VerificationY0 int
	VerificationY1 int
}

// Tiling is a regular tiling of a grid plus a mother tile.
type Tiling struct {
	spec  Spec
	cols  int
	rows  int
	rects []gridmath.Rect
}

// New builds a tiling from its spec.
func New(s Spec) (*Tiling, error) {
	if s.GridNX <= 0 || s.GridNY <= 0 || s.TileNX <= 0 || s.TileNY <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidTiling)
	}
	if s.GridNX%s.TileNX != 0 || s.GridNY%s.TileNY != 0 {
		return nil, fmt.Errorf("%w: tile %dx%d does not divide grid %dx%d",
			ErrInvalidTiling, s.TileNX, s.TileNY, s.GridNX, s.GridNY)
	}
	if s.VerificationY0 < 0 || s.VerificationY1 > s.GridNY || s.VerificationY0 >= s.VerificationY1 {
		return nil, fmt.Errorf("%w: verification band [%d,%d) outside grid rows [0,%d)",
			ErrInvalidTiling, s.VerificationY0, s.VerificationY1, s.GridNY)
	}

	t := &Tiling{
		spec: s,
		cols: s.GridNX / s.TileNX,
		rows: s.GridNY / s.TileNY,
	}
	t.rects = make([]gridmath.Rect, 0, 1+t.cols*t.rows)
	t.rects = append(t.rects, gridmath.Rect{NX: s.GridNX, NY: s.GridNY})
	for r := 0; r < t.rows; r++ {
		for c := 0; c < t.cols; c++ {
			t.rects = append(t.rects, gridmath.Rect{
				X0: c * s.TileNX,
				Y0: r * s.TileNY,
				NX: s.TileNX,
				NY: s.TileNY,
			})
		}
	}
	return t, nil
}

// NumTiles includes the mother tile.
func (t *Tiling) NumTiles() int { return len(t.rects) }

func (t *Tiling) MotherTileIndex() int { return MotherTile }

// GridSize returns the grid dimensions the tiling covers.
func (t *Tiling) GridSize() (nx, ny int) { return t.spec.GridNX, t.spec.GridNY }

// Rect returns the cells covered by a tile.
func (t *Tiling) Rect(tileIndex int) gridmath.Rect { return t.rects[tileIndex] }

func (t *Tiling) OutOfBoundsBelow(tileIndex int) (bool, int) {
	if tileIndex == MotherTile || tileIndex < 0 || tileIndex >= len(t.rects) {
		return false, -1
	}
	rect := t.rects[tileIndex]
	if rect.Y0 >= t.spec.VerificationY0 && rect.Y1() <= t.spec.VerificationY1 {
		return false, -1
	}
	row := (tileIndex - 1) / t.cols
	if rect.Y0 < t.spec.VerificationY0 || row == 0 {
		return true, -1
	}
	return true, tileIndex - t.cols
}

// Validate checks the ordering invariant the below-tile fallback relies on:
// the mother tile is never out of bounds, and every below index is a
// non-mother tile with a lower index.
func Validate(g Geometry) error {
	n := g.NumTiles()
	mother := g.MotherTileIndex()
	if n <= 0 {
		return fmt.Errorf("%w: no tiles", ErrInvalidTiling)
	}
	if mother < 0 || mother >= n {
		return fmt.Errorf("%w: mother tile %d out of range [0,%d)", ErrInvalidTiling, mother, n)
	}
	if out, _ := g.OutOfBoundsBelow(mother); out {
		return fmt.Errorf("%w: mother tile reported out of bounds", ErrInvalidTiling)
	}
	for i := 0; i < n; i++ {
		if i == mother {
			continue
		}
		out, below := g.OutOfBoundsBelow(i)
		if !out || below == -1 {
			continue
		}
		switch {
		case below < 0 || below >= n:
			return fmt.Errorf("%w: tile %d below index %d out of range", ErrInvalidTiling, i, below)
		case below == mother:
			return fmt.Errorf("%w: tile %d names the mother tile as its below tile", ErrInvalidTiling, i)
		case below >= i:
			return fmt.Errorf("%w: tile %d below tile %d is not earlier in the ordering", ErrInvalidTiling, i, below)
		}
	}
	return nil
}

// Order returns tile indices in calibration order: the mother tile first,
// then every other tile ascending.
func Order(g Geometry) []int {
	n := g.NumTiles()
	mother := g.MotherTileIndex()
	order := make([]int, 0, n)
	order = append(order, mother)
	for i := 0; i < n; i++ {
		if i != mother {
			order = append(order, i)
		}
	}
	return order
}
