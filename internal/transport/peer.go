package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"netsync/internal/config"
)

// DataChannelLabel names the data channel carrying sync frames.
const DataChannelLabel = "netsync"

// Signaller exchanges session descriptions with the remote peer.
type Signaller interface {
	// Offer publishes a local offer, reports the session code through
	// onCode and applies the answer once it arrives.
	Offer(ctx context.Context, pc *webrtc.PeerConnection, onCode func(code string)) error
	// Answer fetches the offer stored under code and publishes an answer.
	Answer(ctx context.Context, pc *webrtc.PeerConnection, code string) error
}

// Role selects which side of the signalling exchange a peer plays.
type Role int

const (
	RoleOffer Role = iota
	RoleAnswer
)

func (r Role) String() string {
	if r == RoleOffer {
		return "offer"
	}
	return "answer"
}

// ConnectionFailureError reports a peer connection that failed or closed.
type ConnectionFailureError struct {
	State webrtc.PeerConnectionState
	Role  Role
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("peer connection %s (%s)", e.State.String(), e.Role)
}

// PeerTransport is a Transport over a single WebRTC data channel. Both
// sides see every frame the other publishes, so Subscribe only checks that
// the link is up.
type PeerTransport struct {
	cfg       config.WebRTCConfig
	signaller Signaller
	role      Role
	code      string
	onCode    func(string)
	logger    *slog.Logger

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	open     atomic.Bool
	throttle atomic.Bool
}

// NewOfferingPeer creates the side that generates the session code.
func NewOfferingPeer(cfg config.WebRTCConfig, signaller Signaller, onCode func(string), logger *slog.Logger) *PeerTransport {
	return newPeer(cfg, signaller, RoleOffer, "", onCode, logger)
}

// NewAnsweringPeer creates the side that joins the session named by code.
func NewAnsweringPeer(cfg config.WebRTCConfig, signaller Signaller, code string, logger *slog.Logger) *PeerTransport {
	return newPeer(cfg, signaller, RoleAnswer, code, nil, logger)
}

func newPeer(cfg config.WebRTCConfig, signaller Signaller, role Role, code string, onCode func(string), logger *slog.Logger) *PeerTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if onCode == nil {
		onCode = func(string) {}
	}
	return &PeerTransport{
		cfg:       cfg,
		signaller: signaller,
		role:      role,
		code:      code,
		onCode:    onCode,
		logger:    logger.With("component", "peer", "role", role.String()),
	}
}

// Connect creates the peer connection and runs signalling. It returns once
// signalling completes; the channel opening is reported through h.
func (t *PeerTransport) Connect(ctx context.Context, h Handler) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: t.cfg.ICEServers,
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Info("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.markClosed(h, &ConnectionFailureError{State: state, Role: t.role})
		}
	})

	switch t.role {
	case RoleOffer:
		ordered := true
		dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return fmt.Errorf("failed to create data channel: %w", err)
		}
		t.setupChannel(dc, h)
		if err := t.signaller.Offer(ctx, pc, t.onCode); err != nil {
			pc.Close()
			return fmt.Errorf("signalling failed: %w", err)
		}
	case RoleAnswer:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != DataChannelLabel {
				t.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
				return
			}
			t.setupChannel(dc, h)
		})
		if err := t.signaller.Answer(ctx, pc, t.code); err != nil {
			pc.Close()
			return fmt.Errorf("signalling failed: %w", err)
		}
	}
	return nil
}

func (t *PeerTransport) setupChannel(dc *webrtc.DataChannel, h Handler) {
	t.mu.Lock()
	t.channel = dc
	t.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(t.cfg.BufferedAmountLowThreshold)
	dc.OnBufferedAmountLow(func() {
		if t.throttle.Swap(false) {
			t.logger.Debug("send buffer drained")
		}
	})

	dc.OnOpen(func() {
		t.logger.Info("data channel opened", "label", dc.Label(), "id", dc.ID())
		t.open.Store(true)
		h.OnConnect()
	})
	dc.OnClose(func() {
		t.markClosed(h, nil)
	})
	dc.OnError(func(err error) {
		t.logger.Error("data channel error", "error", err)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame, err := DeserializeFrame(msg.Data)
		if err != nil {
			t.logger.Warn("dropping malformed frame", "error", err)
			return
		}
		if frame.Type != FramePublish {
			return
		}
		h.OnMessage(frame.Message())
	})
}

func (t *PeerTransport) markClosed(h Handler, err error) {
	if t.open.Swap(false) {
		t.logger.Info("data channel closed")
		h.OnDisconnect(err)
	}
}

func (t *PeerTransport) Connected() bool {
	return t.open.Load()
}

// Publish sends a frame unless the channel's send buffer is above the
// configured maximum. Once throttled, sending resumes only after the
// buffer falls below the low threshold.
func (t *PeerTransport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if !t.open.Load() {
		return ErrNotConnected
	}
	t.mu.Lock()
	dc := t.channel
	t.mu.Unlock()

	if t.throttle.Load() {
		return ErrBackpressure
	}
	if dc.BufferedAmount() > t.cfg.MaxBufferedAmount {
		t.throttle.Store(true)
		return ErrBackpressure
	}

	data, err := SerializeFrame(Frame{
		Type:    FramePublish,
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (t *PeerTransport) Subscribe(topic string, qos byte) error {
	if !t.open.Load() {
		return ErrNotConnected
	}
	return nil
}

// Close closes the data channel and the peer connection.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	pc, dc := t.pc, t.channel
	t.mu.Unlock()

	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		if err := dc.GracefulClose(); err != nil {
			t.logger.Warn("error during graceful close", "error", err)
		}
	}
	if pc == nil {
		return nil
	}
	return pc.Close()
}
