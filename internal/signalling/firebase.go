package signalling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"

	"netsync/internal/config"
	"netsync/pkg/utils"
)

// CodeLength is the length of a session code.
const CodeLength = utils.CodeLength

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAnswerTimeout   = errors.New("timeout waiting for answer")
)

// Session is a signalling session as stored in the database.
// Vanilla ICE only: each side posts a single complete description.
type Session struct {
	ID     string `json:"sessionId"`
	Offer  string `json:"offer"`
	Answer string `json:"answer"`
}

// FirebaseClient stores sessions under /sessions in a Realtime Database.
type FirebaseClient struct {
	ref          *db.Ref
	pollInterval time.Duration
	pollAttempts int
	logger       *slog.Logger
}

// NewFirebaseClient connects to the database described by cfg.
func NewFirebaseClient(ctx context.Context, cfg *config.FirebaseConfig, logger *slog.Logger) (*FirebaseClient, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsPath)

	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.DatabaseURL,
	}, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &FirebaseClient{
		ref:          client.NewRef("sessions"),
		pollInterval: 5 * time.Second,
		pollAttempts: 24,
		logger:       logger.With("component", "signalling"),
	}, nil
}

func (f *FirebaseClient) get(ctx context.Context, sessionID string) (Session, error) {
	var s Session
	if err := f.ref.Child(sessionID).Get(ctx, &s); err != nil {
		return Session{}, fmt.Errorf("error fetching session %s: %w", sessionID, err)
	}
	if s.ID == "" {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (f *FirebaseClient) CreateSession(ctx context.Context, offer string) (string, error) {
	code, err := utils.GenerateCode(CodeLength)
	if err != nil {
		return "", fmt.Errorf("error generating session code: %w", err)
	}

	err = f.ref.Child(code).Set(ctx, map[string]any{
		"sessionId": code,
		"offer":     offer,
		"answer":    "",
	})
	if err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}

	f.logger.Debug("session created", "session", code)
	return code, nil
}

func (f *FirebaseClient) GetOffer(ctx context.Context, sessionID string) (string, error) {
	s, err := f.get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.Offer == "" {
		return "", fmt.Errorf("session %s has no offer", sessionID)
	}
	return s.Offer, nil
}

func (f *FirebaseClient) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	if _, err := f.get(ctx, sessionID); err != nil {
		return err
	}
	if err := f.ref.Child(sessionID).Update(ctx, map[string]any{"answer": answer}); err != nil {
		return fmt.Errorf("error updating answer for session %s: %w", sessionID, err)
	}
	return nil
}

// WaitForAnswer polls the session until an answer is posted. The session
// is deleted when no answer arrives in time.
func (f *FirebaseClient) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	if _, err := f.get(ctx, sessionID); err != nil {
		return "", err
	}

	f.logger.Info("waiting for peer to answer", "session", sessionID)
	for i := 0; i < f.pollAttempts; i++ {
		s, err := f.get(ctx, sessionID)
		if err != nil {
			f.logger.Warn("polling session failed", "session", sessionID, "error", err)
		} else if s.Answer != "" {
			return s.Answer, nil
		}

		select {
		case <-time.After(f.pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err := f.DeleteSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("error deleting session: %w", err)
	}
	return "", ErrAnswerTimeout
}

func (f *FirebaseClient) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := f.get(ctx, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if err := f.ref.Child(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", sessionID, err)
	}
	return nil
}
