// Package queue buffers outbound publishes and pending subscriptions in
// bounded FIFO queues until the transport can take them.
//
// A Queue is not safe for concurrent use; it belongs to the event loop
// that drives it.
package queue

import (
	"errors"
	"log/slog"
	"strings"
)

// DefaultMaxSize bounds each queue unless overridden.
const DefaultMaxSize = 20

var (
	ErrDisconnected = errors.New("not connected, discarding message")
	ErrFull         = errors.New("queue full, discarding message")
)

// Outbound is a publish request. It is not modified once enqueued.
type Outbound struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

// Subscription is a pending subscribe request.
type Subscription struct {
	Topic string
	QoS   byte
}

// Dispatcher is the live side of the transport. Publish and Subscribe
// return an error when the transport cannot take the request right now.
type Dispatcher interface {
	Connected() bool
	Publish(msg Outbound) error
	Subscribe(sub Subscription) error
}

// Queue holds publish and subscribe requests decoupled from connectivity.
type Queue struct {
	dispatcher   Dispatcher
	prefix       string
	maxPublish   int
	maxSubscribe int
	logger       *slog.Logger

	publishes     []Outbound
	subscriptions []Subscription
}

// Option configures a Queue.
type Option func(*Queue)

// WithPrefix prepends prefix and a slash to every enqueued topic.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		q.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithMaxPublish bounds the publish queue.
func WithMaxPublish(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxPublish = n
		}
	}
}

// WithMaxSubscribe bounds the subscribe queue.
func WithMaxSubscribe(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSubscribe = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates empty queues draining into dispatcher.
func New(dispatcher Dispatcher, opts ...Option) *Queue {
	q := &Queue{
		dispatcher:   dispatcher,
		maxPublish:   DefaultMaxSize,
		maxSubscribe: DefaultMaxSize,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

func (q *Queue) topic(suffix string) string {
	if q.prefix == "" {
		return suffix
	}
	return q.prefix + "/" + suffix
}

// Publish enqueues a message for topic. It is rejected while the
// transport is disconnected or when the publish queue is full.
func (q *Queue) Publish(topic string, qos byte, retain bool, payload string) error {
	if !q.dispatcher.Connected() {
		q.logger.Debug("publish rejected", "topic", topic, "error", ErrDisconnected)
		return ErrDisconnected
	}
	// maxPublish is the capacity: the item that would make it max+1 is refused.
	if len(q.publishes) >= q.maxPublish {
		q.logger.Warn("publish rejected", "topic", topic, "error", ErrFull)
		return ErrFull
	}

	q.publishes = append(q.publishes, Outbound{
		Topic:   q.topic(topic),
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return nil
}

// Subscribe enqueues a subscription request. It is rejected only when
// the subscribe queue is full.
func (q *Queue) Subscribe(topic string, qos byte) error {
	// Same capacity rule as Publish.
	if len(q.subscriptions) >= q.maxSubscribe {
		q.logger.Warn("subscribe rejected", "topic", topic, "error", ErrFull)
		return ErrFull
	}

	q.subscriptions = append(q.subscriptions, Subscription{
		Topic: q.topic(topic),
		QoS:   qos,
	})
	return nil
}

// Drain hands queued requests to the dispatcher. While disconnected both
// queues are dropped. While connected subscriptions go first, then
// publishes, each in FIFO order; a failed dispatch stops the drain and
// leaves the failed request at the head for the next call.
func (q *Queue) Drain() {
	if !q.dispatcher.Connected() {
		if len(q.subscriptions) > 0 || len(q.publishes) > 0 {
			q.logger.Debug("dropping queued requests while disconnected",
				"subscriptions", len(q.subscriptions), "publishes", len(q.publishes))
		}
		q.Clear()
		return
	}

	for len(q.subscriptions) > 0 {
		sub := q.subscriptions[0]
		if err := q.dispatcher.Subscribe(sub); err != nil {
			q.logger.Debug("subscribe deferred", "topic", sub.Topic, "error", err)
			return
		}
		q.subscriptions[0] = Subscription{}
		q.subscriptions = q.subscriptions[1:]
	}

	for len(q.publishes) > 0 {
		msg := q.publishes[0]
		q.logger.Debug("dequeuing message", "topic", msg.Topic, "payload", msg.Payload)
		if err := q.dispatcher.Publish(msg); err != nil {
			q.logger.Debug("publish deferred", "topic", msg.Topic, "error", err)
			return
		}
		q.publishes[0] = Outbound{}
		q.publishes = q.publishes[1:]
	}
}

// Clear drops everything queued.
func (q *Queue) Clear() {
	q.publishes = nil
	q.subscriptions = nil
}

// Len returns the number of queued publishes and subscriptions.
func (q *Queue) Len() (publishes, subscriptions int) {
	return len(q.publishes), len(q.subscriptions)
}
