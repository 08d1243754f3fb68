package tiling

import (
	"errors"
	"testing"

	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 3 columns x 4 rows of 2x2 tiles on a 6x8 grid; verification rows [2,6)
// cover tile rows 1 and 2.
func testSpec() Spec {
	return Spec{GridNX: 6, GridNY: 8, TileNX: 2, TileNY: 2, VerificationY0: 2, VerificationY1: 6}
}

func TestNew_Layout(t *testing.T) {
	tl, err := New(testSpec())
	require.NoError(t, err)

	assert.Equal(t, 13, tl.NumTiles())
	assert.Equal(t, MotherTile, tl.MotherTileIndex())
	assert.Equal(t, gridmath.Rect{NX: 6, NY: 8}, tl.Rect(0))
	assert.Equal(t, gridmath.Rect{X0: 0, Y0: 0, NX: 2, NY: 2}, tl.Rect(1))
	assert.Equal(t, gridmath.Rect{X0: 4, Y0: 0, NX: 2, NY: 2}, tl.Rect(3))
	assert.Equal(t, gridmath.Rect{X0: 0, Y0: 2, NX: 2, NY: 2}, tl.Rect(4))
	assert.Equal(t, gridmath.Rect{X0: 4, Y0: 6, NX: 2, NY: 2}, tl.Rect(12))

	nx, ny := tl.GridSize()
	assert.Equal(t, 6, nx)
	assert.Equal(t, 8, ny)
}

func TestOutOfBoundsBelow(t *testing.T) {
	tl, err := New(testSpec())
	require.NoError(t, err)

	tests := []struct {
		tile      int
		wantOut   bool
		wantBelow int
	}{
		{tile: 0, wantOut: false, wantBelow: -1},
		{tile: 1, wantOut: true, wantBelow: -1}, // south of the band
		{tile: 5, wantOut: false, wantBelow: -1},
		{tile: 9, wantOut: false, wantBelow: -1},
		{tile: 10, wantOut: true, wantBelow: 7}, // north of the band
		{tile: 12, wantOut: true, wantBelow: 9},
	}
	for _, tc := range tests {
		out, below := tl.OutOfBoundsBelow(tc.tile)
		assert.Equal(t, tc.wantOut, out, "tile %d", tc.tile)
		assert.Equal(t, tc.wantBelow, below, "tile %d", tc.tile)
	}
	assert.NoError(t, Validate(tl))
}

func TestNew_Rejects(t *testing.T) {
	bad := []Spec{
		{GridNX: 6, GridNY: 8, TileNX: 4, TileNY: 2, VerificationY0: 0, VerificationY1: 8},
		{GridNX: 6, GridNY: 8, TileNX: 2, TileNY: 2, VerificationY0: 4, VerificationY1: 4},
		{GridNX: 6, GridNY: 8, TileNX: 2, TileNY: 2, VerificationY0: 0, VerificationY1: 9},
		{GridNX: 0, GridNY: 8, TileNX: 2, TileNY: 2, VerificationY0: 0, VerificationY1: 8},
	}
	for _, s := range bad {
		_, err := New(s)
		assert.True(t, errors.Is(err, ErrInvalidTiling), "spec %+v", s)
	}
}

type fakeGeometry struct {
	n     int
	below map[int]int
}

func (f fakeGeometry) NumTiles() int        { return f.n }
func (f fakeGeometry) MotherTileIndex() int { return 0 }
func (f fakeGeometry) OutOfBoundsBelow(i int) (bool, int) {
	b, ok := f.below[i]
	return ok, b
}

func TestValidate_OrderingViolations(t *testing.T) {
	tests := []struct {
		name  string
		below map[int]int
		ok    bool
	}{
		{name: "valid", below: map[int]int{7: 3}, ok: true},
		{name: "no below tile", below: map[int]int{7: -1}, ok: true},
		{name: "below is later", below: map[int]int{3: 7}},
		{name: "below is self", below: map[int]int{3: 3}},
		{name: "below is mother", below: map[int]int{3: 0}},
		{name: "below out of range", below: map[int]int{3: 40}},
		{name: "mother out of bounds", below: map[int]int{0: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(fakeGeometry{n: 10, below: tc.below})
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidTiling))
		})
	}
}

func TestOrder_MotherFirst(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 3}, Order(fakeGeometry{n: 4}))
}
