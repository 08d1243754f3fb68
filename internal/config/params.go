package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/threshold-calibration/internal/calibration"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

// Params is the calibration parameter file.
type Params struct {
	LeadSeconds      []int         `yaml:"lead_seconds"`
	MaxIncompleteAge time.Duration `yaml:"max_incomplete_age"`
	BackfillWindow   time.Duration `yaml:"backfill_window"`
	MaxLookback      time.Duration `yaml:"max_lookback"`
	Tiling           TilingParams  `yaml:"tiling"`
	Fields           []FieldParams `yaml:"fields"`
}

// TilingParams sizes the grid and its tiles, in cells.
type TilingParams struct {
	GridNX         int `yaml:"grid_nx"`
	GridNY         int `yaml:"grid_ny"`
	TileNX         int `yaml:"tile_nx"`
	TileNY         int `yaml:"tile_ny"`
	VerificationY0 int `yaml:"verification_y0"`
	VerificationY1 int `yaml:"verification_y1"`
}

// FieldParams configures one calibrated field.
type FieldParams struct {
	Name               string    `yaml:"name"`
	Comparison         string    `yaml:"comparison"`
	ColdstartThreshold float64   `yaml:"coldstart_threshold"`
	ObarThresholds     []float64 `yaml:"obar_thresholds"`
	TargetBias         []float64 `yaml:"target_bias"`
}

// DefaultParams returns the timing defaults. Leads, tiling and fields have
// no default.
func DefaultParams() Params {
	return Params{
		MaxIncompleteAge: 6 * time.Hour,
		BackfillWindow:   24 * time.Hour,
		MaxLookback:      48 * time.Hour,
	}
}

// LoadParams reads and validates a YAML parameter file.
func LoadParams(path string) (*Params, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	return ParseParams(bs)
}

// ParseParams decodes and validates YAML parameters.
func ParseParams(bs []byte) (*Params, error) {
	p := DefaultParams()
	if err := yaml.Unmarshal(bs, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	slices.Sort(p.LeadSeconds)
	return &p, nil
}

// Validate performs sanity checks on the parameters.
func (p Params) Validate() error {
	if len(p.LeadSeconds) == 0 {
		return errors.New("lead_seconds must not be empty")
	}
	seen := make(map[int]bool, len(p.LeadSeconds))
	for _, lead := range p.LeadSeconds {
		if lead <= 0 {
			return fmt.Errorf("lead_seconds: %d must be positive", lead)
		}
		if seen[lead] {
			return fmt.Errorf("lead_seconds: %d listed twice", lead)
		}
		seen[lead] = true
	}
	if p.MaxIncompleteAge <= 0 {
		return errors.New("max_incomplete_age must be positive")
	}
	if p.BackfillWindow < 0 || p.MaxLookback < 0 {
		return errors.New("backfill_window and max_lookback must not be negative")
	}

	switch len(p.Fields) {
	case 1, 2:
	default:
		return fmt.Errorf("fields: want 1 or 2, got %d", len(p.Fields))
	}
	for i, f := range p.Fields {
		if err := f.validate(); err != nil {
			return fmt.Errorf("fields[%d]: %w", i, err)
		}
	}
	if len(p.Fields) == 2 {
		if p.Fields[0].Name == p.Fields[1].Name {
			return fmt.Errorf("fields: duplicate name %q", p.Fields[0].Name)
		}
		if len(p.Fields[0].ObarThresholds) != len(p.Fields[1].ObarThresholds) {
			return errors.New("fields: jointly calibrated fields need the same number of obar_thresholds")
		}
	}

	if _, err := tiling.New(p.TilingSpec()); err != nil {
		return fmt.Errorf("tiling: %w", err)
	}
	return nil
}

func (f FieldParams) validate() error {
	if f.Name == "" {
		return errors.New("name is required")
	}
	if _, err := domain.ParseComparison(f.Comparison); err != nil {
		return err
	}
	if len(f.ObarThresholds) == 0 {
		return errors.New("obar_thresholds must not be empty")
	}
	for i := 1; i < len(f.ObarThresholds); i++ {
		if f.ObarThresholds[i] <= f.ObarThresholds[i-1] {
			return fmt.Errorf("obar_thresholds not ascending at index %d", i)
		}
	}
	if len(f.TargetBias) != len(f.ObarThresholds) {
		return fmt.Errorf("target_bias has %d values for %d obar_thresholds", len(f.TargetBias), len(f.ObarThresholds))
	}
	return nil
}

// TilingSpec converts the tiling block.
func (p Params) TilingSpec() tiling.Spec {
	return tiling.Spec{
		GridNX:         p.Tiling.GridNX,
		GridNY:         p.Tiling.GridNY,
		TileNX:         p.Tiling.TileNX,
		TileNY:         p.Tiling.TileNY,
		VerificationY0: p.Tiling.VerificationY0,
		VerificationY1: p.Tiling.VerificationY1,
	}
}

// FieldConfigs returns the per-field calibration setup in selector order.
func (p Params) FieldConfigs() []calibration.FieldConfig {
	out := make([]calibration.FieldConfig, len(p.Fields))
	for i, f := range p.Fields {
		cmp, _ := domain.ParseComparison(f.Comparison)
		out[i] = calibration.FieldConfig{
			Name:           f.Name,
			Selector:       domain.FieldSelector(i),
			Comparison:     cmp,
			Coldstart:      f.ColdstartThreshold,
			ObarThresholds: f.ObarThresholds,
			TargetBias:     f.TargetBias,
		}
	}
	return out
}

// FieldNames lists the configured field names in selector order.
func (p Params) FieldNames() []string {
	names := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		names[i] = f.Name
	}
	return names
}

// MaxLead is the largest configured lead.
func (p Params) MaxLead() time.Duration {
	return time.Duration(slices.Max(p.LeadSeconds)) * time.Second
}
