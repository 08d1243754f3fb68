package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPbarDataset_Series(t *testing.T) {
	d := &PbarDataset{
		Thresholds: [2][]float64{{1, 2}, {10, 20, 30}},
		NumTiles:   1,
		Leads: map[int]*LeadPbar{
			600: {
				Primary: [][]Optional[float64]{{Some(0.5), Some(0.1)}},
				Secondary: [][][]Optional[float64]{{
					{Some(0.9), Some(0.4), None[float64]()},
					{Some(0.3), Some(0.2), Some(0.0)},
				}},
			},
			300: {},
		},
	}

	assert.Equal(t, []int{300, 600}, d.LeadSeconds())
	assert.Equal(t, []float64{10, 20, 30}, d.CandidateThresholds(FieldSecondary))

	s, err := d.Series(600, 0)
	require.NoError(t, err)
	assert.Len(t, s, 2)

	s2, err := d.SecondarySeries(600, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, Some(0.3), s2[0])

	_, err = d.Series(900, 0)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = d.Series(600, 4)
	assert.Error(t, err)

	_, err = d.SecondarySeries(600, 0, 2)
	assert.Error(t, err)
}
