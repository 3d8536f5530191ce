package core

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by the session trust engine
var (
	// ErrSessionNotFound is returned when a session id or token does not resolve to a session
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session is past its absolute or idle deadline
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionRevoked is returned when validation revoked the session (IP or location change)
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSessionLocked is returned when a locked session is used from a different IP or fingerprint
	ErrSessionLocked = errors.New("session locked to a different client")
	// ErrSessionBlocked is returned when the risk assessment blocks session creation
	ErrSessionBlocked = errors.New("session blocked by risk assessment")
	// ErrSessionFrozen is returned for operations that are not allowed on a frozen session
	ErrSessionFrozen = errors.New("session frozen")
	// ErrPolicyViolation is returned when a session attempt violates the user's session policy
	ErrPolicyViolation = errors.New("session policy violation")
	// ErrInvalidInput is returned for malformed IPs, timezones, policies and requests
	ErrInvalidInput = errors.New("invalid input")
	// ErrChallengeInvalid is returned when a step-up challenge id does not match the session
	ErrChallengeInvalid = errors.New("invalid step-up challenge")
	// ErrChallengeExpired is returned when a step-up challenge is older than the step-up window
	ErrChallengeExpired = errors.New("step-up challenge expired")
	// ErrReverificationRequired is returned when unfreezing without a completed step-up
	ErrReverificationRequired = errors.New("re-verification required")
)

// ExpiryReason says which deadline a session missed.
type ExpiryReason string

const (
	ExpiryAbsolute ExpiryReason = "absolute"
	ExpiryIdle     ExpiryReason = "idle"
)

// ExpiredError reports why a session was treated as expired. It unwraps to ErrSessionExpired.
type ExpiredError struct {
	SessionID string
	Reason    ExpiryReason
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("session %s expired (%s timeout)", e.SessionID, e.Reason)
}

func (e *ExpiredError) Unwrap() error { return ErrSessionExpired }

// PolicyViolationError carries every violated policy reason. It unwraps to ErrPolicyViolation.
type PolicyViolationError struct {
	Reasons []string
}

func (e *PolicyViolationError) Error() string {
	return "session policy violation: " + strings.Join(e.Reasons, "; ")
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// InputError describes a rejected input value. It unwraps to ErrInvalidInput.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalidInput(field, format string, args ...any) error {
	return &InputError{Field: field, Message: fmt.Sprintf(format, args...)}
}
