package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/threshold-calibration/internal/calibration"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
)

func series(n int) []domain.Optional[float64] {
	return make([]domain.Optional[float64], n)
}

func jointPbar() *domain.PbarDataset {
	lp := &domain.LeadPbar{}
	for range 2 {
		lp.Primary = append(lp.Primary, series(3))
		lp.Secondary = append(lp.Secondary, [][]domain.Optional[float64]{series(2), series(2), series(2)})
	}
	return &domain.PbarDataset{
		Thresholds: [2][]float64{{1, 2, 3}, {10, 20}},
		NumTiles:   2,
		Leads:      map[int]*domain.LeadPbar{3600: lp},
	}
}

func TestValidatePbar(t *testing.T) {
	ds := jointPbar()
	require.NoError(t, validatePbar(ds, 2, 2))
	assert.ErrorIs(t, validatePbar(ds, 3, 2), domain.ErrInconsistentData)

	ds.Thresholds[domain.FieldSecondary] = nil
	require.NoError(t, validatePbar(ds, 2, 1))
	assert.ErrorIs(t, validatePbar(ds, 2, 2), domain.ErrInconsistentData)
}

func TestValidatePbar_CandidateOrder(t *testing.T) {
	tests := []struct {
		name      string
		primary   []float64
		secondary []float64
		numFields int
		wantErr   bool
	}{
		{"ascending", []float64{1, 2, 3}, []float64{10, 20}, 2, false},
		{"primary descending", []float64{3, 2, 1}, []float64{10, 20}, 2, true},
		{"primary repeated", []float64{1, 2, 2}, []float64{10, 20}, 1, true},
		{"secondary descending", []float64{1, 2, 3}, []float64{20, 10}, 2, true},
		{"secondary ignored for one field", []float64{1, 2, 3}, []float64{20, 10}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := jointPbar()
			ds.Thresholds = [2][]float64{tt.primary, tt.secondary}
			err := validatePbar(ds, 2, tt.numFields)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInconsistentData)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidatePbarLead(t *testing.T) {
	require.NoError(t, validatePbarLead(jointPbar(), 3600, 2))
	assert.ErrorIs(t, validatePbarLead(jointPbar(), 7200, 2), domain.ErrNotFound)

	short := jointPbar()
	short.Leads[3600].Primary[1] = series(2)
	assert.ErrorIs(t, validatePbarLead(short, 3600, 1), domain.ErrInconsistentData)

	// The secondary table needs one row per primary candidate.
	rows := jointPbar()
	rows.Leads[3600].Secondary[0] = rows.Leads[3600].Secondary[0][:2]
	require.NoError(t, validatePbarLead(rows, 3600, 1))
	assert.ErrorIs(t, validatePbarLead(rows, 3600, 2), domain.ErrInconsistentData)
}

func TestValidateObservation(t *testing.T) {
	cfg := calibration.FieldConfig{Name: "precip", ObarThresholds: []float64{0.5, 1}}
	obs := func(thresholds ...float64) *domain.ObservationDataset {
		ds := &domain.ObservationDataset{Field: "precip", Thresholds: thresholds}
		for range thresholds {
			ds.Obar = append(ds.Obar, gridmath.NewGrid(4, 2))
		}
		return ds
	}

	require.NoError(t, validateObservation(cfg, obs(0.5, 1), 4, 2))
	require.NoError(t, validateObservation(cfg, obs(0.5, 1+1e-9), 4, 2))

	tests := []struct {
		name   string
		ds     *domain.ObservationDataset
		nx, ny int
	}{
		{"count", obs(0.5), 4, 2},
		{"value", obs(0.5, 2), 4, 2},
		{"grid size", obs(0.5, 1), 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, validateObservation(cfg, tt.ds, tt.nx, tt.ny), domain.ErrInconsistentData)
		})
	}
}
