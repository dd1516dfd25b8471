package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus delivers events between goroutines of one process: the batch
// scheduler publishes and the bundle reloader subscribes. Each subscriber
// owns a buffered queue; a full queue drops the event rather than stalling
// the publisher.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]map[string]*channelSubscription
	closed     bool
	dropped    atomic.Uint64
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	topic   string
	handler domain.MessageHandler
	queue   chan *domain.Message
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates a bus whose subscribers each buffer bufferSize events.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]map[string]*channelSubscription),
	}
}

// Publish enqueues payload for every subscriber of topic without blocking.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}
	for id, sub := range b.topics[topic] {
		select {
		case sub.queue <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("subscriber queue full; event dropped", "topic", topic, "subscription", id)
		}
	}
	return nil
}

// Subscribe starts a goroutine feeding handler until the subscription, ctx
// or the bus ends.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		queue:   make(chan *domain.Message, b.bufferSize),
		cancel:  cancel,
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*channelSubscription)
	}
	b.topics[topic][sub.id] = sub

	go sub.consume(ctx)
	return sub, nil
}

func (s *channelSubscription) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.handler(ctx, msg); err != nil {
				slog.Error("event handler failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Dropped reports how many events were discarded on full subscriber queues.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Calling it twice is a no-op.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.topics = nil
	return nil
}

func (s *channelSubscription) stop() {
	s.once.Do(func() {
		s.cancel()
		close(s.queue)
	})
}

// Unsubscribe detaches the subscription. Events already queued are discarded.
func (s *channelSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs := s.bus.topics[s.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
