package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes lifecycle events keyed by case id, so every event of
// one query lands on the same partition in order
type KafkaPublisher struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaPublisher creates an async Kafka writer for topic
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}

	p := &KafkaPublisher{
		logger: logger.With().Str("component", "events").Logger(),
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		Async:        true,
		Completion:   p.completion,
	}
	p.logger.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka publisher ready")
	return p, nil
}

// Publish enqueues ev. Delivery failures are reported to the log.
func (p *KafkaPublisher) Publish(ctx context.Context, ev types.LifecycleEvent) error {
	msg, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close flushes pending messages
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.logger.Error().Err(err).Int("messages", len(messages)).Msg("lifecycle events not delivered")
}

func encodeMessage(ev types.LifecycleEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.TenantID + "/" + ev.CaseID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}
