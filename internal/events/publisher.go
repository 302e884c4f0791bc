// Package events publishes query lifecycle events to downstream consumers.
package events

import (
	"context"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// Publisher emits lifecycle events. Publish must not block on the broker.
type Publisher interface {
	Publish(ctx context.Context, ev types.LifecycleEvent) error
	Close() error
}

// Noop discards every event
type Noop struct{}

// Publish implements Publisher
func (Noop) Publish(context.Context, types.LifecycleEvent) error { return nil }

// Close implements Publisher
func (Noop) Close() error { return nil }

// NewPublisher returns a Kafka publisher, or Noop when no brokers are configured
func NewPublisher(brokers []string, topic string, logger zerolog.Logger) (Publisher, error) {
	if len(brokers) == 0 {
		logger.Info().Msg("no kafka brokers configured, lifecycle events disabled")
		return Noop{}, nil
	}
	return NewKafkaPublisher(brokers, topic, logger)
}
