// Package readiness tracks which (lead, data source) combinations of each
// in-flight generation time have arrived and decides when a generation is
// ready to calibrate.
package readiness

import (
	"slices"
	"time"
)

// LeadStatus records arrivals for one lead time of a generation.
type LeadStatus struct {
	LeadSeconds     int  `json:"lead_seconds"`
	ForecastArrived bool `json:"forecast_arrived"`
	// ObservationArrived has one flag per calibrated field.
	ObservationArrived []bool `json:"observation_arrived"`
}

// Complete reports whether the forecast and every observation have arrived.
func (l LeadStatus) Complete() bool {
	if !l.ForecastArrived {
		return false
	}
	for _, ok := range l.ObservationArrived {
		if !ok {
			return false
		}
	}
	return true
}

// ForecastState is the arrival record of one generation time. The lead list
// is fixed at construction; Prune may remove entries but never reorders them.
type ForecastState struct {
	GenerationTime time.Time
	leads          []LeadStatus
}

// NewForecastState creates a state with nothing arrived.
func NewForecastState(gen time.Time, leadSeconds []int, numFields int) *ForecastState {
	leads := make([]LeadStatus, len(leadSeconds))
	for i, lead := range leadSeconds {
		leads[i] = LeadStatus{
			LeadSeconds:        lead,
			ObservationArrived: make([]bool, numFields),
		}
	}
	return &ForecastState{GenerationTime: gen, leads: leads}
}

// Leads returns a copy of the per-lead status in construction order.
func (s *ForecastState) Leads() []LeadStatus {
	out := make([]LeadStatus, len(s.leads))
	for i, l := range s.leads {
		l.ObservationArrived = slices.Clone(l.ObservationArrived)
		out[i] = l
	}
	return out
}

// RecordForecastArrival marks a lead's forecast as arrived. It returns false
// when the lead is not tracked.
func (s *ForecastState) RecordForecastArrival(leadSeconds int) bool {
	for i := range s.leads {
		if s.leads[i].LeadSeconds == leadSeconds {
			s.leads[i].ForecastArrived = true
			return true
		}
	}
	return false
}

// RecordObservationArrival marks field observations for every lead whose
// valid time is among validTimes. It returns the number of flags newly set.
func (s *ForecastState) RecordObservationArrival(field int, validTimes []time.Time) int {
	if len(validTimes) == 0 {
		return 0
	}
	available := make(map[int64]struct{}, len(validTimes))
	for _, t := range validTimes {
		available[t.Unix()] = struct{}{}
	}

	marked := 0
	for i := range s.leads {
		l := &s.leads[i]
		if field < 0 || field >= len(l.ObservationArrived) || l.ObservationArrived[field] {
			continue
		}
		if _, ok := available[s.validTime(l.LeadSeconds).Unix()]; ok {
			l.ObservationArrived[field] = true
			marked++
		}
	}
	return marked
}

// AllArrived reports whether every tracked lead is complete.
func (s *ForecastState) AllArrived() bool {
	for _, l := range s.leads {
		if !l.Complete() {
			return false
		}
	}
	return true
}

// IsStale reports whether the generation is older than maxIncompleteAge.
func (s *ForecastState) IsStale(now time.Time, maxIncompleteAge time.Duration) bool {
	return now.Sub(s.GenerationTime) > maxIncompleteAge
}

// IsComplete is true when every lead has fully arrived, or when the
// generation is stale and must be processed with whatever it has.
func (s *ForecastState) IsComplete(now time.Time, maxIncompleteAge time.Duration) bool {
	return s.AllArrived() || s.IsStale(now, maxIncompleteAge)
}

// HasLargestLead reports whether the largest lead has fully arrived, even if
// smaller leads are still missing.
func (s *ForecastState) HasLargestLead() bool {
	idx := -1
	for i, l := range s.leads {
		if idx == -1 || l.LeadSeconds > s.leads[idx].LeadSeconds {
			idx = i
		}
	}
	return idx >= 0 && s.leads[idx].Complete()
}

// MaxLeadSeconds returns the largest tracked lead, or 0 when none remain.
func (s *ForecastState) MaxLeadSeconds() int {
	m := 0
	for _, l := range s.leads {
		m = max(m, l.LeadSeconds)
	}
	return m
}

// ArrivedLeads returns the leads whose forecast has arrived, in order.
func (s *ForecastState) ArrivedLeads() []int {
	var out []int
	for _, l := range s.leads {
		if l.ForecastArrived {
			out = append(out, l.LeadSeconds)
		}
	}
	return out
}

// Prune drops leads that never received a forecast trigger and returns them.
func (s *ForecastState) Prune() []int {
	var removed []int
	kept := s.leads[:0]
	for _, l := range s.leads {
		if l.ForecastArrived {
			kept = append(kept, l)
		} else {
			removed = append(removed, l.LeadSeconds)
		}
	}
	s.leads = kept
	return removed
}

func (s *ForecastState) validTime(leadSeconds int) time.Time {
	return s.GenerationTime.Add(time.Duration(leadSeconds) * time.Second)
}
