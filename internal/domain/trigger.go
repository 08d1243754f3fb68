package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// RawEvent represents an unprocessed message from the trigger topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// TriggerMessage is the JSON payload announcing that pbar data for one
// (generation, lead) has been written.
type TriggerMessage struct {
	GenerationTime string   `json:"generation_time"`
	LeadSeconds    int      `json:"lead_seconds"`
	Sources        []string `json:"sources,omitempty"`
	Complete       bool     `json:"complete"`
}

// Trigger is a parsed pbar arrival event.
type Trigger struct {
	GenerationTime time.Time
	LeadSeconds    int
	Sources        []string
	// Complete is set by the producer when every upstream source for this
	// generation has reported.
	Complete   bool
	ReceivedAt time.Time

	// Commit acknowledges the trigger to its source. Nil for sources that do
	// not need acknowledgement.
	Commit func(ctx context.Context) error
}

// ValidTime is the time the triggered forecast is valid for.
func (t Trigger) ValidTime() time.Time {
	return t.GenerationTime.Add(time.Duration(t.LeadSeconds) * time.Second)
}

// ParseTrigger decodes a raw trigger message.
func ParseTrigger(raw RawEvent) (Trigger, error) {
	var msg TriggerMessage
	if err := json.Unmarshal(raw.Value, &msg); err != nil {
		return Trigger{}, fmt.Errorf("parse trigger: %w", err)
	}
	if msg.GenerationTime == "" {
		return Trigger{}, errors.New("parse trigger: generation_time is required")
	}
	gen, err := time.Parse(time.RFC3339, msg.GenerationTime)
	if err != nil {
		return Trigger{}, fmt.Errorf("parse trigger: generation_time: %w", err)
	}
	if msg.LeadSeconds < 0 {
		return Trigger{}, fmt.Errorf("parse trigger: negative lead_seconds %d", msg.LeadSeconds)
	}
	return Trigger{
		GenerationTime: NormalizeTime(gen),
		LeadSeconds:    msg.LeadSeconds,
		Sources:        msg.Sources,
		Complete:       msg.Complete,
		ReceivedAt:     Now(),
		Commit:         raw.Commit,
	}, nil
}

// SerializeTrigger encodes a trigger as a message for the trigger topic. The
// key is the generation time so every lead of one generation lands on the
// same partition and stays ordered.
func SerializeTrigger(t Trigger) (OutputEvent, error) {
	data, err := json.Marshal(TriggerMessage{
		GenerationTime: t.GenerationTime.UTC().Format(time.RFC3339),
		LeadSeconds:    t.LeadSeconds,
		Sources:        t.Sources,
		Complete:       t.Complete,
	})
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize trigger: %w", err)
	}
	return OutputEvent{
		Key:   []byte(t.GenerationTime.UTC().Format(time.RFC3339)),
		Value: data,
		Headers: map[string]string{
			"lead_seconds": strconv.Itoa(t.LeadSeconds),
		},
	}, nil
}

// NormalizeTime converts t to UTC whole seconds, the resolution every store
// keys on.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// OutputEvent is the serialized form destined for a Kafka topic.
type OutputEvent struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}
