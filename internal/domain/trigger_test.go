package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrigger(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 10, 3, 500, time.UTC))
	SetClock(fakeClock)
	t.Cleanup(func() { SetClock(nil) })

	t.Run("valid message", func(t *testing.T) {
		raw := RawEvent{Value: []byte(`{"generation_time":"2024-04-26T12:00:00Z","lead_seconds":3600,"sources":["hrrr"],"complete":true}`)}
		trig, err := ParseTrigger(raw)
		require.NoError(t, err)

		assert.Equal(t, time.Date(2024, time.April, 26, 12, 0, 0, 0, time.UTC), trig.GenerationTime)
		assert.Equal(t, 3600, trig.LeadSeconds)
		assert.Equal(t, []string{"hrrr"}, trig.Sources)
		assert.True(t, trig.Complete)
		assert.Equal(t, time.Date(2024, time.April, 26, 15, 10, 3, 0, time.UTC), trig.ReceivedAt)
		assert.Equal(t, time.Date(2024, time.April, 26, 13, 0, 0, 0, time.UTC), trig.ValidTime())
	})

	t.Run("offset generation time is normalized to UTC", func(t *testing.T) {
		raw := RawEvent{Value: []byte(`{"generation_time":"2024-04-26T07:00:00-05:00","lead_seconds":0}`)}
		trig, err := ParseTrigger(raw)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, time.April, 26, 12, 0, 0, 0, time.UTC), trig.GenerationTime)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseTrigger(RawEvent{Value: []byte("{nope")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse trigger")
	})

	t.Run("missing generation time", func(t *testing.T) {
		_, err := ParseTrigger(RawEvent{Value: []byte(`{"lead_seconds":60}`)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "generation_time")
	})

	t.Run("negative lead", func(t *testing.T) {
		_, err := ParseTrigger(RawEvent{Value: []byte(`{"generation_time":"2024-04-26T12:00:00Z","lead_seconds":-60}`)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lead_seconds")
	})
}

func TestSerializeTrigger_RoundTrip(t *testing.T) {
	gen := time.Date(2024, time.April, 26, 12, 0, 0, 0, time.UTC)
	out, err := SerializeTrigger(Trigger{GenerationTime: gen, LeadSeconds: 900})
	require.NoError(t, err)
	assert.Equal(t, []byte("2024-04-26T12:00:00Z"), out.Key)
	assert.Equal(t, "900", out.Headers["lead_seconds"])

	trig, err := ParseTrigger(RawEvent{Value: out.Value})
	require.NoError(t, err)
	assert.Equal(t, gen, trig.GenerationTime)
	assert.Equal(t, 900, trig.LeadSeconds)
}

func TestSerializeThresholdUpdate(t *testing.T) {
	gen := time.Date(2024, time.April, 26, 12, 0, 0, 0, time.UTC)
	out, err := SerializeThresholdUpdate(ThresholdUpdate{
		GenerationTime: gen,
		Leads:          []int{300, 600},
		Fields:         []string{"precip"},
		Tiles:          13,
		WrittenAt:      gen.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "2", out.Headers["leads"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Value, &decoded))
	assert.Equal(t, "2024-04-26T12:00:00Z", decoded["generation_time"])
	assert.EqualValues(t, 13, decoded["tiles"])
}

func TestOptional(t *testing.T) {
	v, ok := Some(0.0).Get()
	assert.True(t, ok)
	assert.Zero(t, v)

	_, ok = None[float64]().Get()
	assert.False(t, ok)
	assert.Equal(t, 2.5, None[float64]().OrElse(2.5))
	assert.Equal(t, 1.0, Some(1.0).OrElse(2.5))
}

func TestTileThresholdResult_WithTile(t *testing.T) {
	r := TileThresholdResult{TileIndex: 3, Threshold: 5, Source: SourceComputed}
	c := r.WithTile(7)
	assert.Equal(t, 7, c.TileIndex)
	assert.Equal(t, 5.0, c.Threshold)
	assert.Equal(t, 3, r.TileIndex)
}
