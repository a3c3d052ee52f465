package node

import "netsync/internal/transport"

// Hooks lets the embedding application observe the node. Every method runs
// on the node's event loop, so implementations may call Node.Publish and
// Node.Subscribe but must not block.
type Hooks interface {
	OnConnect()
	OnDisconnect(err error)
	// OnMessage sees every non-sync message, topic relative to the prefix.
	OnMessage(topic string, msg transport.Message)
	// OnString sees whole, non-duplicate messages shorter than 256 bytes.
	OnString(topic, payload string, retained bool)
	OnFileCommitted(name string)
}

// NopHooks implements Hooks with no-ops. Embed it to override a subset.
type NopHooks struct{}

func (NopHooks) OnConnect()                                    {}
func (NopHooks) OnDisconnect(error)                            {}
func (NopHooks) OnMessage(string, transport.Message)           {}
func (NopHooks) OnString(topic, payload string, retained bool) {}
func (NopHooks) OnFileCommitted(string)                        {}
