package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ObservationTimes lists the valid times one observation feed has available.
type ObservationTimes interface {
	ObservationTimes(ctx context.Context, t0, t1 time.Time) ([]time.Time, error)
}

// Reason explains why a generation became ready.
type Reason string

const (
	ReasonComplete    Reason = "complete"
	ReasonLargestLead Reason = "largest_lead"
	ReasonForced      Reason = "forced"
	ReasonDrain       Reason = "archive_drain"
)

// ReadyGeneration is a generation removed from the State for processing.
type ReadyGeneration struct {
	State  *ForecastState
	Reason Reason
}

// State holds one ForecastState per in-flight generation time, ordered by
// generation time. It is safe for concurrent use.
type State struct {
	mu           sync.Mutex
	leadSeconds  []int
	observations []ObservationTimes
	entries      []*ForecastState
	newestSeen   time.Time
	logger       *slog.Logger
}

// NewState creates an empty State. observations has one entry per calibrated
// field, in field order.
func NewState(leadSeconds []int, observations []ObservationTimes, logger *slog.Logger) *State {
	return &State{
		leadSeconds:  slices.Clone(leadSeconds),
		observations: observations,
		logger:       logger,
	}
}

// Add returns the state for gen, creating it if needed. The second result
// reports whether it was created.
func (s *State) Add(gen time.Time) (*ForecastState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(gen)
}

func (s *State) add(gen time.Time) (*ForecastState, bool) {
	idx, found := slices.BinarySearchFunc(s.entries, gen, func(fs *ForecastState, t time.Time) int {
		return fs.GenerationTime.Compare(t)
	})
	if found {
		return s.entries[idx], false
	}
	fs := NewForecastState(gen, s.leadSeconds, len(s.observations))
	s.entries = slices.Insert(s.entries, idx, fs)
	if gen.After(s.newestSeen) {
		s.newestSeen = gen
	}
	return fs, true
}

// RecordTrigger registers a forecast arrival and then re-queries every
// observation feed, updating all in-flight generations. Feeds lag the
// forecast by different amounts, so a new observation time may complete an
// older generation rather than the triggered one.
func (s *State) RecordTrigger(ctx context.Context, gen time.Time, leadSeconds int) error {
	s.mu.Lock()
	fs, _ := s.add(gen)
	if !fs.RecordForecastArrival(leadSeconds) {
		s.logger.Warn("trigger for untracked lead ignored",
			"generation_time", gen, "lead_seconds", leadSeconds)
	}
	s.mu.Unlock()

	return s.RefreshObservations(ctx)
}

// RefreshObservations queries every feed over the valid-time span of the
// in-flight generations and records what has arrived. A failing feed does not
// stop the others; the joined error is returned.
func (s *State) RefreshObservations(ctx context.Context) error {
	s.mu.Lock()
	t0, t1, ok := s.validSpan()
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for field, src := range s.observations {
		times, err := src.ObservationTimes(ctx, t0, t1)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %d observation times: %w", field, err))
			continue
		}
		s.mu.Lock()
		for _, fs := range s.entries {
			fs.RecordObservationArrival(field, times)
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// validSpan covers every valid time any in-flight generation can need.
func (s *State) validSpan() (time.Time, time.Time, bool) {
	if len(s.entries) == 0 {
		return time.Time{}, time.Time{}, false
	}
	maxLead := 0
	for _, fs := range s.entries {
		maxLead = max(maxLead, fs.MaxLeadSeconds())
	}
	oldest := s.entries[0].GenerationTime
	newest := s.entries[len(s.entries)-1].GenerationTime
	return oldest, newest.Add(time.Duration(maxLead) * time.Second), true
}

// EvictCompleted removes and returns every generation that is ready: all
// leads arrived, the largest lead arrived, or the generation went stale.
func (s *State) EvictCompleted(now time.Time, maxIncompleteAge time.Duration) []ReadyGeneration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []ReadyGeneration
	kept := s.entries[:0]
	for _, fs := range s.entries {
		switch {
		case fs.AllArrived():
			ready = append(ready, ReadyGeneration{State: fs, Reason: ReasonComplete})
		case fs.HasLargestLead():
			ready = append(ready, ReadyGeneration{State: fs, Reason: ReasonLargestLead})
		case fs.IsStale(now, maxIncompleteAge):
			ready = append(ready, ReadyGeneration{State: fs, Reason: ReasonForced})
		default:
			kept = append(kept, fs)
		}
	}
	clear(s.entries[len(kept):])
	s.entries = kept
	return ready
}

// EvictAll removes and returns every in-flight generation regardless of
// readiness. Used when an archive run has no more triggers.
func (s *State) EvictAll() []ReadyGeneration {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make([]ReadyGeneration, 0, len(s.entries))
	for _, fs := range s.entries {
		ready = append(ready, ReadyGeneration{State: fs, Reason: ReasonDrain})
	}
	s.entries = nil
	return ready
}

// Prune drops the never-triggered leads of one generation and returns them.
func (s *State) Prune(gen time.Time) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fs := range s.entries {
		if fs.GenerationTime.Equal(gen) {
			return fs.Prune()
		}
	}
	return nil
}

// Len is the number of in-flight generations.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NewestSeen is the latest generation time ever added.
func (s *State) NewestSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newestSeen
}

// Snapshot is a point-in-time copy of one in-flight generation.
type Snapshot struct {
	GenerationTime time.Time    `json:"generation_time"`
	Leads          []LeadStatus `json:"leads"`
}

// Snapshot copies the in-flight generations for reporting.
func (s *State) Snapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.entries))
	for i, fs := range s.entries {
		out[i] = Snapshot{GenerationTime: fs.GenerationTime, Leads: fs.Leads()}
	}
	return out
}
