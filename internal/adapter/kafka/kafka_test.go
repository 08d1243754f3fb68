package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapMessageToRawEvent(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("2026-03-14T12:00:00Z"),
		Value:     []byte(`{"generation_time":"2026-03-14T12:00:00Z","lead_seconds":300}`),
		Topic:     "pbar-triggers",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "lead_seconds", Value: []byte("300")},
		},
	}

	raw := mapMessageToRawEvent(msg)

	assert.Equal(t, []byte("2026-03-14T12:00:00Z"), raw.Key)
	assert.JSONEq(t, `{"generation_time":"2026-03-14T12:00:00Z","lead_seconds":300}`, string(raw.Value))
	assert.Equal(t, "pbar-triggers", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "300", raw.Headers["lead_seconds"])
	assert.Nil(t, raw.Commit)
}

func TestToMessage_ThresholdUpdate(t *testing.T) {
	gen := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	written := gen.Add(20 * time.Minute)
	event, err := domain.SerializeThresholdUpdate(domain.ThresholdUpdate{
		GenerationTime: gen,
		Leads:          []int{300, 600},
		Fields:         []string{"precip"},
		Tiles:          13,
		WrittenAt:      written,
	})
	require.NoError(t, err)

	msg := toMessage(event)

	assert.Equal(t, []byte("2026-03-14T12:00:00Z"), msg.Key)
	var decoded domain.ThresholdUpdate
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, []int{300, 600}, decoded.Leads)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "leads", msg.Headers[0].Key)
	assert.Equal(t, []byte("2"), msg.Headers[0].Value)
	assert.Equal(t, "written_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(written.Format(time.RFC3339)), msg.Headers[1].Value)
}

func TestToMessage_TriggerParsesBack(t *testing.T) {
	gen := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	event, err := domain.SerializeTrigger(domain.Trigger{GenerationTime: gen, LeadSeconds: 900, Complete: true})
	require.NoError(t, err)

	raw := mapMessageToRawEvent(toMessage(event))
	got, err := domain.ParseTrigger(raw)

	require.NoError(t, err)
	assert.Equal(t, gen, got.GenerationTime)
	assert.Equal(t, 900, got.LeadSeconds)
	assert.True(t, got.Complete)
	assert.Equal(t, "900", raw.Headers["lead_seconds"])
}
