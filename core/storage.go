package core

import (
	"context"
	"time"
)

// DeviceType classifies the client hardware a session runs on.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
	DeviceUnknown DeviceType = "unknown"
)

// Login methods recorded on sessions
const (
	LoginMethodPassword  = "password"
	LoginMethodOAuth     = "oauth"
	LoginMethodMagicLink = "magic_link"
	LoginMethodPasskey   = "passkey"
)

// Trust levels
const (
	TrustUntrusted  = 0
	TrustRecognized = 1
	TrustHigh       = 2
)

// Session represents one authenticated browser/device binding with its trust state
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Token  string `json:"-"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	// Device
	DeviceName     string     `json:"device_name"`
	DeviceType     DeviceType `json:"device_type"`
	Browser        string     `json:"browser"`
	BrowserVersion string     `json:"browser_version"`
	OS             string     `json:"os"`
	OSVersion      string     `json:"os_version"`
	Fingerprint    string     `json:"-"`

	// Location (nil when unresolved)
	IPAddress string  `json:"ip_address"`
	Country   *string `json:"country"`
	City      *string `json:"city"`

	// Security state
	TrustLevel     int    `json:"trust_level"`
	IsSuspicious   bool   `json:"is_suspicious"`
	RequiredStepUp bool   `json:"required_step_up"`
	LoginMethod    string `json:"login_method"`
	RememberMe     bool   `json:"remember_me"`

	// Client binding
	LockedIP          string `json:"locked_ip,omitempty"`
	LockedFingerprint string `json:"-"`

	// Step-up challenge
	StepUpChallengeID string     `json:"-"`
	StepUpExpiresAt   *time.Time `json:"step_up_expires_at,omitempty"`
	StepUpVerifiedAt  *time.Time `json:"step_up_verified_at,omitempty"`

	FrozenAt *time.Time `json:"frozen_at,omitempty"`
}

// IsFrozen reports whether the session is waiting for re-verification
func (s *Session) IsFrozen() bool {
	return s.FrozenAt != nil
}

// IsLocked reports whether the session is bound to an IP or fingerprint
func (s *Session) IsLocked() bool {
	return s.LockedIP != "" || s.LockedFingerprint != ""
}

// SessionActivity is an append-only log entry owned by one session
type SessionActivity struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Action       string    `json:"action"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Method       string    `json:"method,omitempty"`
	StatusCode   *int      `json:"status_code,omitempty"`
	DurationMS   *int64    `json:"duration_ms,omitempty"`
	IsError      bool      `json:"is_error"`
	IsSuspicious bool      `json:"is_suspicious"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoginRecord is one credential-verification outcome with the device and location it came from.
// Successful records form the history trust and risk evaluation read.
type LoginRecord struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id,omitempty"`
	Success      bool       `json:"success"`
	DeviceName   string     `json:"device_name"`
	DeviceType   DeviceType `json:"device_type"`
	Browser      string     `json:"browser"`
	OS           string     `json:"os"`
	Fingerprint  string     `json:"-"`
	IPAddress    string     `json:"ip_address"`
	Country      *string    `json:"country"`
	City         *string    `json:"city"`
	TrustLevel   int        `json:"trust_level"`
	IsSuspicious bool       `json:"is_suspicious"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Storage defines the session store contract the engine consumes.
// Lookups return (nil, nil) when the row does not exist.
type Storage interface {
	// Session operations
	// CreateSessionWithinLimit atomically evicts the least-recently-active unexpired sessions
	// of the user so that at most maxActive-1 remain, then inserts session. It returns the
	// evicted sessions.
	CreateSessionWithinLimit(ctx context.Context, session *Session, maxActive int, now time.Time) ([]*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	// GetUserSessions returns unexpired sessions ordered by last activity, most recent first
	GetUserSessions(ctx context.Context, userID string, now time.Time) ([]*Session, error)

	// Targeted mutations. Each writes only its own columns, so concurrent operations on
	// the same session cannot overwrite each other. The bool reports whether a row
	// matched the id and the stated condition.

	// UpdateSessionLocation moves the session to a new client address
	UpdateSessionLocation(ctx context.Context, id string, update LocationUpdate) (bool, error)
	// LockSession binds a session that is not frozen. Empty arguments leave the binding unchanged.
	LockSession(ctx context.Context, id, lockedIP, lockedFingerprint string) (bool, error)
	// SetStepUpChallenge requires step-up and replaces any pending challenge
	SetStepUpChallenge(ctx context.Context, id, challengeID string, expiresAt time.Time) (bool, error)
	// CompleteStepUpChallenge consumes the pending challenge when it is still valid at at.
	// The step-up requirement is cleared unless the session is frozen.
	CompleteStepUpChallenge(ctx context.Context, id, challengeID string, at time.Time) (bool, error)
	// ClearStepUpChallenge drops the pending challenge if it is still challengeID
	ClearStepUpChallenge(ctx context.Context, id, challengeID string) error
	// FreezeSession freezes a session that is not already frozen
	FreezeSession(ctx context.Context, id string, at time.Time) (bool, error)
	// UnfreezeSession releases a frozen session whose step-up was verified after the freeze
	UnfreezeSession(ctx context.Context, id string) (bool, error)

	// TouchSession moves last activity forward to at; it never moves it backwards
	TouchSession(ctx context.Context, id string, at time.Time) error
	// DeleteSession is idempotent and reports whether a row was removed
	DeleteSession(ctx context.Context, id string) (bool, error)
	DeleteStaleSessions(ctx context.Context, cutoff StaleCutoff) (int64, error)

	// Activity operations
	CreateActivity(ctx context.Context, activity *SessionActivity) error
	GetSessionActivities(ctx context.Context, sessionID string, limit int) ([]*SessionActivity, error)
	DeleteActivitiesBefore(ctx context.Context, before time.Time) (int64, error)

	// Login history operations
	RecordLogin(ctx context.Context, record *LoginRecord) error
	// GetLoginHistory returns successful logins, most recent first
	GetLoginHistory(ctx context.Context, userID string, limit int) ([]*LoginRecord, error)
	CountFailedLogins(ctx context.Context, userID string, since time.Time) (int, error)
	// CountLoginsSince counts successful logins, including those whose session is gone
	CountLoginsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Policy operations
	GetSessionPolicy(ctx context.Context, userID string) (*SessionPolicy, error)
	UpsertSessionPolicy(ctx context.Context, policy *SessionPolicy) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// LocationUpdate is the client address a session moved to. Country and city are written,
// and trust reset to 0, only when LocationChanged is set.
type LocationUpdate struct {
	IPAddress       string
	LocationChanged bool
	Country         *string
	City            *string
}

// StaleCutoff describes which sessions the sweeper may delete: those whose absolute
// deadline is before Now, standard sessions idle since IdleBefore and remember-me
// sessions idle since RememberMeIdleBefore.
type StaleCutoff struct {
	Now                  time.Time
	IdleBefore           time.Time
	RememberMeIdleBefore time.Time
}
