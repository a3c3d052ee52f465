package transport

import (
	"context"
	"fmt"
	"sync"
)

const pipeDepth = 256

// PipeEnd is one side of an in-process link created by Pipe. Frames
// published on one end are delivered, in order, to the other end's handler.
type PipeEnd struct {
	link *pipe
	side int
}

type pipe struct {
	mu       sync.Mutex
	handlers [2]Handler
	inbox    [2]chan Message
	closed   bool
	done     chan struct{}
}

// Pipe returns two connected ends of an in-process link.
func Pipe() (*PipeEnd, *PipeEnd) {
	p := &pipe{done: make(chan struct{})}
	p.inbox[0] = make(chan Message, pipeDepth)
	p.inbox[1] = make(chan Message, pipeDepth)
	return &PipeEnd{link: p, side: 0}, &PipeEnd{link: p, side: 1}
}

func (e *PipeEnd) Connect(ctx context.Context, h Handler) error {
	p := e.link
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrNotConnected
	}
	if p.handlers[e.side] != nil {
		p.mu.Unlock()
		return fmt.Errorf("pipe end already connected")
	}
	p.handlers[e.side] = h
	up := p.handlers[0] != nil && p.handlers[1] != nil
	p.mu.Unlock()

	go e.deliver(ctx, h)
	if up {
		p.handlers[0].OnConnect()
		p.handlers[1].OnConnect()
	}
	return nil
}

func (e *PipeEnd) deliver(ctx context.Context, h Handler) {
	for {
		select {
		case msg := <-e.link.inbox[e.side]:
			h.OnMessage(msg)
		case <-e.link.done:
			// Hand over what was sent before the close.
			for {
				select {
				case msg := <-e.link.inbox[e.side]:
					h.OnMessage(msg)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *PipeEnd) Connected() bool {
	p := e.link
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.handlers[0] != nil && p.handlers[1] != nil
}

func (e *PipeEnd) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	msg := Message{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retain,
		Total:    len(payload),
	}
	select {
	case e.link.inbox[1-e.side] <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

func (e *PipeEnd) Subscribe(topic string, qos byte) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Close tears down both ends and reports the disconnect to both handlers.
func (e *PipeEnd) Close() error {
	p := e.link
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	handlers := p.handlers
	p.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h.OnDisconnect(ErrNotConnected)
		}
	}
	return nil
}
