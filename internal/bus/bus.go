package bus

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/cskr/pubsub"

	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/connection"
)

// Topics published by the service.
const (
	TopicConnectionState  = "connection.state"
	TopicCacheInvalidated = "cache.invalidated"
)

// DefaultCapacity is the per-subscriber channel buffer.
const DefaultCapacity = 128

// Subscription receives the messages of the topics it was subscribed to.
type Subscription chan any

// MessageBus is a topic-based publish/subscribe bus.
type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topic string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// PubSubBus is a MessageBus backed by cskr/pubsub.
type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
	closed atomic.Bool
}

// New creates a bus whose subscribers buffer DefaultCapacity messages.
func New(logger *slog.Logger) *PubSubBus {
	if logger == nil {
		logger = slog.Default()
	}

	return &PubSubBus{
		ps:     pubsub.New(DefaultCapacity),
		logger: logger,
	}
}

// Publish delivers msg to every subscriber of topic. Dropped after Close.
func (b *PubSubBus) Publish(topic string, msg any) {
	if b.closed.Load() {
		b.logger.Debug("publish after close", "topic", topic)
		return
	}
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

// Subscribe returns a new subscription to topic.
func (b *PubSubBus) Subscribe(topic string) Subscription {
	ch := b.ps.Sub(topic)
	b.logger.Debug("subscribe", "topic", topic)
	return ch
}

// Unsubscribe removes ch from topics, or from every topic when none are
// given. In the latter case ch is drained until the bus closes it, so a
// publisher blocked on a full ch is released.
func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if b.closed.Load() {
		return
	}
	if len(topics) == 0 {
		go func() {
			for range ch {
			}
		}()
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")
		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

// Close shuts the bus down and closes every subscription channel.
func (b *PubSubBus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.ps.Shutdown()
}

// Listen calls fn with every payload of type T published on topic until the
// returned stop func is called or the bus is closed. Payloads of other types
// are logged and skipped.
func Listen[T any](b MessageBus, topic string, logger *slog.Logger, fn func(T)) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}

	sub := b.Subscribe(topic)
	done := make(chan struct{})
	exited := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case raw, ok := <-sub:
				if !ok {
					logger.Debug("subscription closed", "topic", topic)
					return
				}
				msg, ok := raw.(T)
				if !ok {
					logger.Debug("ignoring unexpected payload",
						"topic", topic,
						"payload_type", fmt.Sprintf("%T", raw),
					)
					continue
				}
				fn(msg)
			}
		}
	}()

	return func() {
		stopOnce.Do(func() {
			close(done)
			<-exited
			b.Unsubscribe(sub)
		})
	}
}

// StatePublisher publishes connection state changes on TopicConnectionState.
func StatePublisher(b MessageBus) connection.StatePublisher {
	return connection.StatePublisherFunc(func(s connection.ConnectionState) {
		b.Publish(TopicConnectionState, s)
	})
}

// InvalidationPublisher publishes cache invalidations on TopicCacheInvalidated.
func InvalidationPublisher(b MessageBus) cache.Publisher {
	return cache.PublisherFunc(func(k cache.Key) {
		b.Publish(TopicCacheInvalidated, k)
	})
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
