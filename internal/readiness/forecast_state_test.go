package readiness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testGen = time.Date(2024, time.April, 26, 12, 0, 0, 0, time.UTC)

func validTimes(gen time.Time, leads ...int) []time.Time {
	out := make([]time.Time, len(leads))
	for i, l := range leads {
		out[i] = gen.Add(time.Duration(l) * time.Second)
	}
	return out
}

func arriveAll(fs *ForecastState, leads ...int) {
	for _, l := range leads {
		fs.RecordForecastArrival(l)
	}
	fs.RecordObservationArrival(0, validTimes(fs.GenerationTime, leads...))
	fs.RecordObservationArrival(1, validTimes(fs.GenerationTime, leads...))
}

func TestForecastState_CompleteRegardlessOfNow(t *testing.T) {
	fs := NewForecastState(testGen, []int{300, 600}, 2)
	arriveAll(fs, 300, 600)

	for _, now := range []time.Time{testGen, testGen.Add(-time.Hour), testGen.Add(72 * time.Hour)} {
		assert.True(t, fs.IsComplete(now, time.Hour), "now=%s", now)
	}
}

func TestForecastState_ForcedCompletion(t *testing.T) {
	fs := NewForecastState(testGen, []int{300, 600}, 2)
	fs.RecordForecastArrival(300)

	assert.False(t, fs.IsComplete(testGen.Add(time.Hour), time.Hour), "exactly max age is not stale")
	assert.True(t, fs.IsComplete(testGen.Add(time.Hour+time.Second), time.Hour))
}

func TestForecastState_ObservationsPerField(t *testing.T) {
	fs := NewForecastState(testGen, []int{300, 600}, 2)
	fs.RecordForecastArrival(300)
	fs.RecordForecastArrival(600)

	assert.Equal(t, 2, fs.RecordObservationArrival(0, validTimes(testGen, 300, 600, 900)))
	assert.Equal(t, 0, fs.RecordObservationArrival(0, validTimes(testGen, 300)), "already marked")
	assert.False(t, fs.AllArrived())

	assert.Equal(t, 1, fs.RecordObservationArrival(1, validTimes(testGen, 600)))
	assert.False(t, fs.AllArrived())
	assert.True(t, fs.HasLargestLead())

	fs.RecordObservationArrival(1, validTimes(testGen, 300))
	assert.True(t, fs.AllArrived())
}

func TestForecastState_HasLargestLead(t *testing.T) {
	fs := NewForecastState(testGen, []int{600, 1800, 900}, 1)
	fs.RecordForecastArrival(900)
	fs.RecordObservationArrival(0, validTimes(testGen, 900))
	assert.False(t, fs.HasLargestLead())

	fs.RecordForecastArrival(1800)
	assert.False(t, fs.HasLargestLead(), "observation still missing")

	fs.RecordObservationArrival(0, validTimes(testGen, 1800))
	assert.True(t, fs.HasLargestLead())
	assert.False(t, fs.AllArrived())
}

func TestForecastState_UntrackedLead(t *testing.T) {
	fs := NewForecastState(testGen, []int{300}, 1)
	assert.False(t, fs.RecordForecastArrival(450))
	assert.Empty(t, fs.ArrivedLeads())
}

func TestForecastState_Prune(t *testing.T) {
	fs := NewForecastState(testGen, []int{300, 600, 900}, 1)
	fs.RecordForecastArrival(900)
	fs.RecordForecastArrival(300)

	assert.Equal(t, []int{600}, fs.Prune())
	assert.Equal(t, []int{300, 900}, fs.ArrivedLeads())

	leads := fs.Leads()
	assert.Len(t, leads, 2)
	assert.Equal(t, 300, leads[0].LeadSeconds)
	assert.Equal(t, 900, leads[1].LeadSeconds)
	assert.Equal(t, 900, fs.MaxLeadSeconds())
}

func TestForecastState_LeadsIsACopy(t *testing.T) {
	fs := NewForecastState(testGen, []int{300}, 1)
	leads := fs.Leads()
	leads[0].ObservationArrived[0] = true
	leads[0].ForecastArrived = true
	assert.False(t, fs.AllArrived())
}
