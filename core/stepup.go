package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepUpChallenge is a short-lived re-authentication requirement on a session
type StepUpChallenge struct {
	ID        string    `json:"challenge_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequireStepUp marks the session as requiring re-authentication and issues a challenge
// valid for the configured step-up window. A new challenge replaces any pending one.
func (s *SessionService) RequireStepUp(ctx context.Context, sessionID string) (*StepUpChallenge, error) {
	challenge := &StepUpChallenge{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ExpiresAt: s.now().Add(s.config.StepUpWindow),
	}
	ok, err := s.storage.SetStepUpChallenge(ctx, sessionID, challenge.ID, challenge.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.LogActivity(ctx, session, ActivityInput{Action: ActivityStepUp, Endpoint: "require"})
	return challenge, nil
}

// CompleteStepUp records a successful re-authentication for the pending challenge.
// It clears the step-up requirement unless the session is frozen; frozen sessions
// are released by Unfreeze.
func (s *SessionService) CompleteStepUp(ctx context.Context, sessionID, challengeID string) (*Session, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.StepUpChallengeID == "" ||
		subtle.ConstantTimeCompare([]byte(session.StepUpChallengeID), []byte(challengeID)) != 1 {
		return nil, ErrChallengeInvalid
	}

	now := s.now()
	if session.StepUpExpiresAt == nil || now.After(*session.StepUpExpiresAt) {
		if err := s.storage.ClearStepUpChallenge(ctx, session.ID, session.StepUpChallengeID); err != nil {
			s.logger.Error("Failed to clear expired step-up challenge", "session_id", session.ID, "error", err)
		}
		return nil, ErrChallengeExpired
	}

	ok, err := s.storage.CompleteStepUpChallenge(ctx, session.ID, session.StepUpChallengeID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if !ok {
		// Replaced or consumed since it was read
		return nil, ErrChallengeInvalid
	}
	if session, err = s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	s.LogActivity(ctx, session, ActivityInput{Action: ActivityStepUp, Endpoint: "complete"})
	s.logger.Info("Step-up completed", "session_id", session.ID, "user_id", session.UserID)
	return session, nil
}

// Freeze suspends a session pending re-verification. It sets both the suspicious and
// step-up flags.
func (s *SessionService) Freeze(ctx context.Context, sessionID, reason string) (*Session, error) {
	frozen, err := s.storage.FreezeSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to freeze session: %w", err)
	}
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !frozen {
		return session, nil
	}
	s.LogActivity(ctx, session, ActivityInput{Action: ActivityFreeze, IsSuspicious: true})

	s.logger.Warn("Session frozen", "session_id", session.ID, "user_id", session.UserID, "reason", reason)
	s.notify(ctx, Notification{
		UserID:    session.UserID,
		SessionID: session.ID,
		Type:      NotificationSecurityAlert,
		Severity:  RiskHigh,
		Title:     "Session frozen",
		Message:   "A session was frozen and needs re-verification",
		Data: map[string]string{
			"reason": reason,
			"device": session.DeviceName,
		},
	})
	return session, nil
}

// Unfreeze returns a frozen session to active. It requires a step-up completed after
// the freeze and clears the suspicious and step-up flags.
func (s *SessionService) Unfreeze(ctx context.Context, sessionID string) (*Session, error) {
	released, err := s.storage.UnfreezeSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to unfreeze session: %w", err)
	}
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !released {
		if session.IsFrozen() {
			return nil, ErrReverificationRequired
		}
		return session, nil
	}
	s.LogActivity(ctx, session, ActivityInput{Action: ActivityUnfreeze})
	s.logger.Info("Session unfrozen", "session_id", session.ID, "user_id", session.UserID)
	return session, nil
}
