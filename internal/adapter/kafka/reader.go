package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/threshold-calibration/internal/config"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Reader consumes pbar triggers from a Kafka topic.
type Reader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewReader creates a Kafka consumer for the configured trigger topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaTriggerTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Reader{reader: r, logger: logger}
}

// Next blocks for the next trigger. The returned trigger carries a Commit
// callback; the caller commits once the trigger has been handled. A message
// that cannot be decoded is committed here and reported as
// domain.ErrMalformedTrigger.
func (r *Reader) Next(ctx context.Context) (domain.Trigger, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return domain.Trigger{}, err
	}
	raw := r.mapMessageToRawEvent(msg)

	trigger, err := domain.ParseTrigger(raw)
	if err != nil {
		if cerr := raw.Commit(ctx); cerr != nil {
			r.logger.Error("commit malformed trigger", "offset", msg.Offset, "error", cerr)
		}
		return domain.Trigger{}, fmt.Errorf("%w: partition %d offset %d: %w", domain.ErrMalformedTrigger, msg.Partition, msg.Offset, err)
	}
	return trigger, nil
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

func (r *Reader) mapMessageToRawEvent(msg kafkago.Message) domain.RawEvent {
	raw := mapMessageToRawEvent(msg)
	raw.Commit = func(ctx context.Context) error {
		return r.reader.CommitMessages(ctx, msg)
	}
	return raw
}

// mapMessageToRawEvent copies a Kafka message into the domain shape.
func mapMessageToRawEvent(msg kafkago.Message) domain.RawEvent {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return domain.RawEvent{
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}
}
