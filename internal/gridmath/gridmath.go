// Package gridmath provides the grid operations the calibration engine needs:
// a row-major grid with missing cells and the mean over a rectangular subset.
package gridmath

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Grid is a row-major field of NX columns by NY rows. Row 0 is the southern
// edge. Missing cells are NaN.
type Grid struct {
	NX   int
	NY   int
	Data []float64
}

// NewGrid returns an NX by NY grid with every cell missing.
func NewGrid(nx, ny int) Grid {
	data := make([]float64, nx*ny)
	for i := range data {
		data[i] = math.NaN()
	}
	return Grid{NX: nx, NY: ny, Data: data}
}

// Validate reports whether the dimensions agree with the backing slice.
func (g Grid) Validate() error {
	if g.NX <= 0 || g.NY <= 0 {
		return fmt.Errorf("grid dimensions must be positive, got %dx%d", g.NX, g.NY)
	}
	if len(g.Data) != g.NX*g.NY {
		return fmt.Errorf("grid %dx%d has %d cells", g.NX, g.NY, len(g.Data))
	}
	return nil
}

// At returns the value at column x, row y.
func (g Grid) At(x, y int) float64 {
	return g.Data[y*g.NX+x]
}

// Set stores v at column x, row y.
func (g Grid) Set(x, y int, v float64) {
	g.Data[y*g.NX+x] = v
}

// Rect is a rectangle of grid cells anchored at its south-west corner.
type Rect struct {
	X0 int
	Y0 int
	NX int
	NY int
}

// Y1 is the row just past the rectangle's northern edge.
func (r Rect) Y1() int { return r.Y0 + r.NY }

// X1 is the column just past the rectangle's eastern edge.
func (r Rect) X1() int { return r.X0 + r.NX }

// Within reports whether r lies entirely inside an nx by ny grid.
func (r Rect) Within(nx, ny int) bool {
	return r.X0 >= 0 && r.Y0 >= 0 && r.NX > 0 && r.NY > 0 && r.X1() <= nx && r.Y1() <= ny
}

// RectMean returns the mean of the non-missing cells of g inside r. The
// second result is false when r is outside the grid or has no valid cells.
func RectMean(g Grid, r Rect) (float64, bool) {
	if g.Validate() != nil || !r.Within(g.NX, g.NY) {
		return 0, false
	}
	m := mat.NewDense(g.NY, g.NX, g.Data)
	sub := m.Slice(r.Y0, r.Y1(), r.X0, r.X1()).(*mat.Dense)

	vals := make([]float64, 0, r.NX*r.NY)
	for i := 0; i < r.NY; i++ {
		for _, v := range sub.RawRowView(i) {
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	return stat.Mean(vals, nil), true
}
