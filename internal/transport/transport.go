// Package transport carries topic-addressed messages between the agent and
// a remote peer. Two implementations exist: an MQTT client and a WebRTC
// data channel that frames topics itself.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrBackpressure = errors.New("transport send buffer full")
)

// Message is an inbound delivery. Index and Total describe where Payload
// sits inside the full message when the transport hands it over in pieces.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	Index     int
	Total     int
}

// Whole reports whether the message was delivered in a single piece.
func (m Message) Whole() bool {
	return m.Index == 0 && len(m.Payload) == m.Total
}

// Handler receives transport events. Implementations must not block for
// long: callbacks run on the transport's own goroutines.
type Handler interface {
	OnConnect()
	OnDisconnect(err error)
	OnMessage(msg Message)
}

// Transport is a connected publish/subscribe link.
type Transport interface {
	// Connect starts connecting and returns once the attempt is under way.
	// Connection state changes are reported through h.
	Connect(ctx context.Context, h Handler) error
	Connected() bool
	// Publish and Subscribe never block on the network. They fail with
	// ErrNotConnected or ErrBackpressure when the request cannot be taken now.
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Subscribe(topic string, qos byte) error
	Close() error
}
