// Package signalling exchanges WebRTC session descriptions through a shared
// session store, identified by a short code one side shows to the other.
package signalling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"netsync/internal/config"
	"netsync/pkg/utils"
)

// SignalingServer defines the interface for signaling storage operations
type SignalingServer interface {
	CreateSession(ctx context.Context, offer string) (sessionID string, err error)
	GetOffer(ctx context.Context, sessionID string) (offer string, err error)
	UpdateAnswer(ctx context.Context, sessionID, answer string) error
	WaitForAnswer(ctx context.Context, sessionID string) (answer string, err error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// SignalingService runs the offer and answer flows against a server.
type SignalingService struct {
	server SignalingServer
	logger *slog.Logger
}

func NewSignalingService(server SignalingServer, logger *slog.Logger) *SignalingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalingService{
		server: server,
		logger: logger.With("component", "signalling"),
	}
}

// NewDefaultSignalingService uses the Firebase session store.
func NewDefaultSignalingService(ctx context.Context, cfg *config.FirebaseConfig, logger *slog.Logger) (*SignalingService, error) {
	server, err := NewFirebaseClient(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase client: %w", err)
	}
	return NewSignalingService(server, logger), nil
}

// Offer publishes a complete local offer, hands the session code to onCode
// and applies the peer's answer. The session is removed afterwards.
func (s *SignalingService) Offer(ctx context.Context, pc *webrtc.PeerConnection, onCode func(code string)) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	encoded, err := s.localDescription(ctx, pc, offer)
	if err != nil {
		return err
	}

	sessionID, err := s.server.CreateSession(ctx, encoded)
	if err != nil {
		return fmt.Errorf("failed to create session with offer: %w", err)
	}
	defer func() {
		if err := s.server.DeleteSession(context.WithoutCancel(ctx), sessionID); err != nil {
			s.logger.Warn("failed to clear session", "session", sessionID, "error", err)
		}
	}()
	onCode(sessionID)

	answer, err := s.server.WaitForAnswer(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to wait for answer: %w", err)
	}
	answerSD, err := utils.Decode[webrtc.SessionDescription](answer)
	if err != nil {
		return fmt.Errorf("failed to decode answer SDP: %w", err)
	}
	if err := pc.SetRemoteDescription(answerSD); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// Answer fetches the offer stored under code and posts a complete answer.
func (s *SignalingService) Answer(ctx context.Context, pc *webrtc.PeerConnection, code string) error {
	if !utils.IsValidCode(code) {
		return fmt.Errorf("invalid session code %q", code)
	}
	encodedOffer, err := s.server.GetOffer(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to get offer from session: %w", err)
	}
	offerSD, err := utils.Decode[webrtc.SessionDescription](encodedOffer)
	if err != nil {
		return fmt.Errorf("failed to decode offer SDP: %w", err)
	}
	if err := pc.SetRemoteDescription(offerSD); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	encoded, err := s.localDescription(ctx, pc, answer)
	if err != nil {
		return err
	}
	if err := s.server.UpdateAnswer(ctx, code, encoded); err != nil {
		return fmt.Errorf("failed to upload answer: %w", err)
	}
	return nil
}

// localDescription sets sd, waits for ICE gathering and returns the final
// description with candidates, encoded for the store.
func (s *SignalingService) localDescription(ctx context.Context, pc *webrtc.PeerConnection, sd webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sd); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("failed to wait for ICE gathering: %w", ctx.Err())
	}

	final := pc.LocalDescription()
	if final == nil {
		return "", fmt.Errorf("local description is nil after ICE gathering")
	}
	encoded, err := utils.Encode(*final)
	if err != nil {
		return "", fmt.Errorf("failed to encode SDP: %w", err)
	}
	return encoded, nil
}
