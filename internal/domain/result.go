package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Comparison is the direction in which ensemble members are compared against
// a candidate threshold.
type Comparison string

const (
	ComparisonGE Comparison = "ge"
	ComparisonLE Comparison = "le"
)

// ParseComparison validates a configured comparison string.
func ParseComparison(s string) (Comparison, error) {
	switch Comparison(s) {
	case ComparisonGE, ComparisonLE:
		return Comparison(s), nil
	}
	return "", fmt.Errorf("unknown comparison %q (want ge or le)", s)
}

// ResultSource records how a tile's threshold was obtained.
type ResultSource string

const (
	SourceComputed  ResultSource = "computed"
	SourceBelow     ResultSource = "below"
	SourceMother    ResultSource = "mother"
	SourceColdstart ResultSource = "coldstart"
)

// TileThresholdResult is the outcome for one tile in one calibration pass.
type TileThresholdResult struct {
	TileIndex      int
	GenerationTime time.Time
	LeadSeconds    int
	Threshold      float64
	// Bias is pbar - obar at the chosen threshold; absent for coldstart.
	Bias Optional[float64]
	// PbarIndex is the candidate slot the threshold was chosen from. Only
	// computed results carry one.
	PbarIndex    Optional[int]
	IsMotherTile bool
	IsColdstart  bool
	Source       ResultSource
}

// WithTile returns a copy of r attributed to another tile.
func (r TileThresholdResult) WithTile(tileIndex int) TileThresholdResult {
	r.TileIndex = tileIndex
	return r
}

// ThresholdUpdate announces that a generation's thresholds were persisted.
type ThresholdUpdate struct {
	GenerationTime time.Time `json:"generation_time"`
	Leads          []int     `json:"leads"`
	Fields         []string  `json:"fields"`
	Tiles          int       `json:"tiles"`
	WrittenAt      time.Time `json:"written_at"`
}

// SerializeThresholdUpdate marshals an update for the notification topic.
func SerializeThresholdUpdate(u ThresholdUpdate) (OutputEvent, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize threshold update: %w", err)
	}
	return OutputEvent{
		Key:   []byte(u.GenerationTime.UTC().Format(time.RFC3339)),
		Value: data,
		Headers: map[string]string{
			"leads":      strconv.Itoa(len(u.Leads)),
			"written_at": u.WrittenAt.UTC().Format(time.RFC3339),
		},
	}, nil
}
