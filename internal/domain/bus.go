package domain

import "context"

// Topics carrying batch lifecycle events. The batch pipeline publishes them;
// the bundle reloader consumes TopicBundlePublished.
const (
	TopicBatchStarted    = "sentinel.batch.started"
	TopicBatchFailed     = "sentinel.batch.failed"
	TopicBundlePublished = "sentinel.bundle.published"
)

// BundleEvent is the JSON payload of every batch topic. Version is set once
// a bundle has been persisted; Error only on TopicBatchFailed.
type BundleEvent struct {
	RunID    string `json:"run_id"`
	Version  string `json:"version,omitempty"`
	Accounts int    `json:"accounts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EventBus decouples the batch pipeline from the API processes that serve
// its bundles. Delivery is at-most-once: a missed event is recovered by the
// next explicit reload.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message. A returned error is
// logged by the bus and does not stop the subscription.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope a bus hands to subscribers.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus. "channel" keeps batch and serving in one
// process; "nats" lets a separate batch job notify every API replica.
type EventBusConfig struct {
	Type              string
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// SubjectPrefix namespaces subjects when several deployments share a NATS cluster
	SubjectPrefix string
}
