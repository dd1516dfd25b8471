// Package bus carries bundle lifecycle events between the batch job and the
// API replicas.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// New creates an event bus for the configured type: "channel" keeps events
// in-process, "nats" shares them across processes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type %q", domain.ErrInvalidInput, cfg.Type)
	}
}

// PublishEvent encodes a bundle event and publishes it on topic.
func PublishEvent(ctx context.Context, b domain.EventBus, topic string, ev domain.BundleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// DecodeEvent parses the bundle event carried by msg.
func DecodeEvent(msg *domain.Message) (domain.BundleEvent, error) {
	var ev domain.BundleEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("%w: message %s is not a bundle event: %v", domain.ErrInvalidInput, msg.ID, err)
	}
	return ev, nil
}
