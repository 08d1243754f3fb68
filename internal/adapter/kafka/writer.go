package kafka

import (
	"context"
	"log/slog"
	"slices"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer produces messages to a Kafka topic.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for one topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishUpdate announces a persisted generation.
func (w *Writer) PublishUpdate(ctx context.Context, u domain.ThresholdUpdate) error {
	event, err := domain.SerializeThresholdUpdate(u)
	if err != nil {
		return err
	}
	return w.Write(ctx, event)
}

// PublishTriggers writes pbar triggers, as cmd/seed does after loading data.
func (w *Writer) PublishTriggers(ctx context.Context, triggers []domain.Trigger) error {
	events := make([]domain.OutputEvent, 0, len(triggers))
	for _, t := range triggers {
		event, err := domain.SerializeTrigger(t)
		if err != nil {
			return err
		}
		events = append(events, event)
	}
	return w.Write(ctx, events...)
}

// Write publishes serialized events in a single WriteMessages call.
func (w *Writer) Write(ctx context.Context, events ...domain.OutputEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i, e := range events {
		msgs[i] = toMessage(e)
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// toMessage converts an output event into a Kafka message. Headers are
// emitted in sorted key order.
func toMessage(e domain.OutputEvent) kafkago.Message {
	keys := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	headers := make([]kafkago.Header, len(keys))
	for i, k := range keys {
		headers[i] = kafkago.Header{Key: k, Value: []byte(e.Headers[k])}
	}
	return kafkago.Message{Key: e.Key, Value: e.Value, Headers: headers}
}
