// Package node runs the device side of the link: one event loop that owns
// the outbound queues, the sync session and the liveness monitor.
// Transport callbacks only post events; everything else happens on the
// goroutine that called Run.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"netsync/internal/config"
	"netsync/internal/file"
	"netsync/internal/liveness"
	"netsync/internal/protocol"
	"netsync/internal/queue"
	"netsync/internal/transport"
	"netsync/internal/writer"
)

// Topics relative to the prefix.
const (
	TopicConnected = transport.TopicConnected
	TopicPing      = "net/ping"
	TopicPong      = "net/pong"
	TopicRestart   = "net/restart"
	TopicJunk      = "net/junk"
	TopicAddress   = "net/address"
	TopicMillis    = "net/millis"
	TopicHost      = "net/host/"
)

// maxStringLength bounds messages that are also delivered as strings.
const maxStringLength = 256

const eventBuffer = 64

var ErrRestartRequired = errors.New("restart required")

// RestartError tells why the node stopped for a restart.
type RestartError struct {
	Reason string
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart required: %s", e.Reason)
}

func (e *RestartError) Is(target error) bool {
	return target == ErrRestartRequired
}

// Restart reasons.
const (
	ReasonNetwork  = "network"
	ReasonFirmware = "firmware"
	ReasonWatchdog = "watchdog"
	ReasonStall    = "stall"
)

// Options holds the node settings.
type Options struct {
	Prefix           string
	MaxPublish       int
	MaxSubscribe     int
	DrainInterval    time.Duration
	WatchdogInterval time.Duration
	WatchdogTimeout  time.Duration
	StallTimeout     time.Duration
	StatsInterval    time.Duration
	SyncEnabled      bool

	// Link reports the state of the network link. Nil counts as up.
	Link func() bool
	// Image digests the running image for the metadata topics. Optional.
	Image func() (file.Digest, error)
}

// OptionsFromConfig maps the configuration onto node options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Prefix:           cfg.MQTT.Prefix,
		MaxPublish:       cfg.Queue.MaxPublish,
		MaxSubscribe:     cfg.Queue.MaxSubscribe,
		DrainInterval:    cfg.Queue.DrainInterval,
		WatchdogInterval: cfg.Watchdog.Interval,
		WatchdogTimeout:  cfg.Watchdog.Timeout,
		StallTimeout:     cfg.Watchdog.StallTimeout,
		StatsInterval:    cfg.Node.StatsInterval,
		SyncEnabled:      cfg.Sync.Enabled,
		Link:             liveness.InterfaceLink,
	}
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
)

type event struct {
	kind eventKind
	msg  transport.Message
	err  error
}

// Node is the device-side event loop.
type Node struct {
	opts      Options
	prefix    string
	transport transport.Transport
	queue     *queue.Queue
	session   *protocol.Session
	monitor   *liveness.Monitor
	hooks     Hooks
	logger    *slog.Logger
	started   time.Time

	events   chan event
	done     chan struct{}
	stopOnce sync.Once

	restartForNetwork bool
}

// New wires a node around t. files and firmware are the writers the sync
// session drives; hooks may be nil.
func New(t transport.Transport, files, firmware *writer.Writer, opts Options, hooks Hooks, logger *slog.Logger) *Node {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		opts:      opts,
		prefix:    strings.TrimSuffix(opts.Prefix, "/"),
		transport: t,
		hooks:     hooks,
		logger:    logger.With("component", "node"),
		started:   time.Now(),
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
	}
	n.queue = queue.New(dispatcher{t},
		queue.WithPrefix(n.prefix),
		queue.WithMaxPublish(opts.MaxPublish),
		queue.WithMaxSubscribe(opts.MaxSubscribe),
		queue.WithLogger(logger))
	n.session = protocol.NewSession(n.queue, files, firmware,
		protocol.WithEnabled(opts.SyncEnabled),
		protocol.WithFileCommitted(hooks.OnFileCommitted),
		protocol.WithLogger(logger))
	n.monitor = liveness.New(
		liveness.ProbeFuncs{Link: opts.Link, Transport: t.Connected},
		opts.WatchdogTimeout,
		liveness.WithStallTimeout(n.session, opts.StallTimeout),
		liveness.WithLogger(logger))
	return n
}

// Run connects the transport and processes events until ctx is cancelled
// or a restart is required. A restart is reported as a *RestartError once
// pending replies have been handed to the transport.
func (n *Node) Run(ctx context.Context) error {
	defer n.stop()

	if err := n.transport.Connect(ctx, handler{n}); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	defer n.shutdown()

	drain := time.NewTicker(n.opts.DrainInterval)
	defer drain.Stop()
	watchdog := time.NewTicker(n.opts.WatchdogInterval)
	defer watchdog.Stop()
	stats := time.NewTicker(n.opts.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.events:
			n.handle(ev)
		case <-drain.C:
			n.queue.Drain()
			if reason := n.restartReason(); reason != "" {
				n.logger.Warn("stopping for restart", "reason", reason)
				return &RestartError{Reason: reason}
			}
		case <-watchdog.C:
			n.monitor.Tick()
		case <-stats.C:
			n.publishStats()
		}
	}
}

// stop closes done so callbacks arriving after the loop has exited are
// dropped instead of blocking on a full events channel.
func (n *Node) stop() {
	n.stopOnce.Do(func() { close(n.done) })
}

func (n *Node) shutdown() {
	n.stop()
	n.session.Abort()
	if err := n.transport.Close(); err != nil {
		n.logger.Warn("failed to close transport", "error", err)
	}
}

func (n *Node) post(ev event) {
	select {
	case n.events <- ev:
	case <-n.done:
	}
}

func (n *Node) handle(ev event) {
	switch ev.kind {
	case eventConnect:
		n.onConnect()
	case eventDisconnect:
		n.logger.Warn("transport disconnected", "error", ev.err)
		n.hooks.OnDisconnect(ev.err)
	case eventMessage:
		n.onMessage(ev.msg)
	}
}

func (n *Node) onConnect() {
	n.logger.Info("transport connected")
	n.Publish(TopicConnected, 0, true, transport.PresenceOnline)
	for _, topic := range []string{
		TopicPing,
		protocol.TopicPrefix + protocol.ActionReset,
		protocol.TopicPrefix + protocol.ActionName,
		protocol.TopicPrefix + protocol.ActionMD5,
		protocol.TopicPrefix + protocol.ActionSize,
		protocol.TopicPrefix + protocol.ActionData,
		TopicRestart,
	} {
		n.Subscribe(topic, 0)
	}
	n.publishMetadata()
	n.publishStats()
	n.hooks.OnConnect()
}

func (n *Node) onMessage(msg transport.Message) {
	topic, ok := strings.CutPrefix(msg.Topic, n.prefix+"/")
	if !ok {
		n.logger.Debug("ignoring message outside prefix", "topic", msg.Topic)
		return
	}
	if topic == TopicJunk {
		return
	}
	n.logger.Debug("message", "topic", topic, "index", msg.Index,
		"len", len(msg.Payload), "total", msg.Total)

	if action, ok := strings.CutPrefix(topic, protocol.TopicPrefix); ok {
		n.session.Handle(action, msg)
		return
	}

	n.hooks.OnMessage(topic, msg)
	if msg.Whole() && len(msg.Payload) < maxStringLength && !msg.Duplicate {
		n.onString(topic, string(msg.Payload), msg.Retained)
	}
}

func (n *Node) onString(topic, payload string, retained bool) {
	switch topic {
	case TopicRestart:
		n.logger.Info("restart requested over the network")
		n.restartForNetwork = true
		return
	case TopicPing:
		n.Publish(TopicPong, 0, false, payload)
	}
	n.hooks.OnString(topic, payload, retained)
}

// Publish queues a message for topic, relative to the prefix. Call it only
// from hooks.
func (n *Node) Publish(topic string, qos byte, retain bool, payload string) error {
	return n.queue.Publish(topic, qos, retain, payload)
}

// Subscribe queues a subscription for topic, relative to the prefix. Call
// it only from hooks.
func (n *Node) Subscribe(topic string, qos byte) error {
	return n.queue.Subscribe(topic, qos)
}

// Session returns the sync session. Call it only from hooks.
func (n *Node) Session() *protocol.Session {
	return n.session
}

// restartReason returns the first raised restart flag, or "".
func (n *Node) restartReason() string {
	switch {
	case n.restartForNetwork:
		return ReasonNetwork
	case n.session.RestartRequired():
		return ReasonFirmware
	case n.monitor.RestartRequired():
		return ReasonWatchdog
	case n.monitor.Stalled():
		return ReasonStall
	}
	return ""
}

// handler posts transport callbacks to the event loop.
type handler struct {
	n *Node
}

func (h handler) OnConnect() {
	h.n.post(event{kind: eventConnect})
}

func (h handler) OnDisconnect(err error) {
	h.n.post(event{kind: eventDisconnect, err: err})
}

func (h handler) OnMessage(msg transport.Message) {
	h.n.post(event{kind: eventMessage, msg: msg})
}

// dispatcher adapts a Transport to the queue.
type dispatcher struct {
	t transport.Transport
}

func (d dispatcher) Connected() bool {
	return d.t.Connected()
}

func (d dispatcher) Publish(msg queue.Outbound) error {
	return d.t.Publish(msg.Topic, msg.QoS, msg.Retain, []byte(msg.Payload))
}

func (d dispatcher) Subscribe(sub queue.Subscription) error {
	return d.t.Subscribe(sub.Topic, sub.QoS)
}
