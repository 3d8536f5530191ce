// Package core is a session trust and risk engine.
//
// This package includes:
//   - Device and location context derivation from request metadata
//   - Trust level progression from login history
//   - Weighted multi-factor risk scoring
//   - Anomaly and conflict detection across a user's concurrent sessions
//   - Per-user session policies (IP, country, time window, device type, concurrency)
//   - Session lifecycle: creation, validation, activity logging, locking, step-up,
//     freezing, revocation and conflict auto-resolution
//
// ## Key Features:
//   - Pure decision functions that are safe to call speculatively
//   - Fail-open geolocation with caching, deduplication and bounded timeouts
//   - Return-based handlers - maximum control over HTTP responses
//   - Notifications delivered off the request path through a bounded queue
//   - OpenTelemetry spans on the global tracer provider; install one to export them
//     (cmd/sessiond does when OTEL_EXPORTER_OTLP_ENDPOINT is set)
//   - Works with any HTTP router (Chi, Gorilla Mux, stdlib, etc.)
//
// ## Quick Start:
//
//	service, err := core.NewSessionService(core.Config{
//		Storage:    storage.NewMemoryStorage(),
//		Geolocator: geo.NewProvider(geo.DefaultConfig()),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r.Post("/sessions", func(w http.ResponseWriter, r *http.Request) {
//		result := service.CreateSessionHandler(r)
//		w.WriteHeader(result.StatusCode)
//		json.NewEncoder(w).Encode(result)
//	})
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/go-playground/validator/v10"
)

// SessionConfig defines session lifecycle and evaluation options
type SessionConfig struct {
	// Lifetimes and timeouts
	SessionLifetime       time.Duration // Absolute lifetime of a standard session
	RememberMeLifetime    time.Duration // Absolute lifetime of a remember-me session
	IdleTimeout           time.Duration // Idle timeout of a standard session
	RememberMeIdleTimeout time.Duration // Idle timeout of a remember-me session
	StepUpWindow          time.Duration // How long a step-up challenge stays valid

	// Sweeper
	ActivityRetention time.Duration // Activity rows older than this are deleted
	SweepInterval     time.Duration // How often the sweeper runs

	// Geolocation
	GeoTimeout   time.Duration // Upper bound on a single provider lookup
	GeoCacheTTL  time.Duration // Per-IP cache lifetime (at least one hour)
	GeoCacheSize int           // Maximum cached IPs; least recently used are evicted

	// Notifications
	NotificationQueueSize int           // Pending notifications before new ones are dropped
	NotificationTimeout   time.Duration // Upper bound on a single sink delivery

	// Evaluation
	FailedAttemptWindow time.Duration // Window for the failed-attempts risk factor
	HistoryLimit        int           // Successful logins read for trust and risk

	// Conflicts
	DefaultMaxSessions  int                // Cap used when a policy does not set one
	ConflictStrategy    ResolutionStrategy // Strategy for automatic conflict resolution
	AutoResolveOnCreate bool               // Resolve high severity conflicts after each creation
}

// DefaultSessionConfig returns the default lifecycle configuration
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SessionLifetime:       24 * time.Hour,
		RememberMeLifetime:    30 * 24 * time.Hour,
		IdleTimeout:           30 * time.Minute,
		RememberMeIdleTimeout: 7 * 24 * time.Hour,
		StepUpWindow:          5 * time.Minute,
		ActivityRetention:     90 * 24 * time.Hour,
		SweepInterval:         15 * time.Minute,
		GeoTimeout:            3 * time.Second,
		GeoCacheTTL:           time.Hour,
		GeoCacheSize:          10000,
		NotificationQueueSize: 256,
		NotificationTimeout:   10 * time.Second,
		FailedAttemptWindow:   24 * time.Hour,
		HistoryLimit:          100,
		DefaultMaxSessions:    DefaultMaxConcurrentSessions,
		ConflictStrategy:      StrategyKeepNewest,
		AutoResolveOnCreate:   true,
	}
}

// Config contains the configuration for the SessionService
type Config struct {
	Storage       Storage          // Storage implementation (required)
	Geolocator    Geolocator       // External geolocation provider (optional)
	Notifier      Notifier         // Notification sink (optional)
	Logger        *slog.Logger     // Logger (optional, defaults to slog.Default())
	SessionConfig SessionConfig    // Lifecycle configuration
	Clock         func() time.Time // Time source (optional, defaults to time.Now)
}

// SessionService is the session lifecycle manager. It is the only component that
// mutates session state; everything it calls into is pure.
type SessionService struct {
	storage   Storage
	resolver  *LocationResolver
	notifier  Notifier
	logger    *slog.Logger
	config    SessionConfig
	validator *validator.Validate
	now       func() time.Time
	queue     *notifyQueue
}

// NewSessionService creates a new session service
func NewSessionService(cfg Config) (*SessionService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cfg.Storage.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Use default session config if not provided
	sessionConfig := cfg.SessionConfig
	if sessionConfig.SessionLifetime == 0 {
		sessionConfig = DefaultSessionConfig()
	}
	if sessionConfig.ConflictStrategy == "" {
		sessionConfig.ConflictStrategy = StrategyKeepNewest
	}
	if _, err := ParseResolutionStrategy(string(sessionConfig.ConflictStrategy)); err != nil {
		return nil, err
	}
	if err := checkDurations(sessionConfig); err != nil {
		return nil, err
	}
	if sessionConfig.GeoCacheTTL < time.Hour {
		sessionConfig.GeoCacheTTL = time.Hour
	}
	if sessionConfig.NotificationQueueSize <= 0 {
		sessionConfig.NotificationQueueSize = 256
	}
	if sessionConfig.NotificationTimeout <= 0 {
		sessionConfig.NotificationTimeout = 10 * time.Second
	}
	if sessionConfig.HistoryLimit <= 0 {
		sessionConfig.HistoryLimit = 100
	}
	if sessionConfig.FailedAttemptWindow <= 0 {
		sessionConfig.FailedAttemptWindow = 24 * time.Hour
	}
	if sessionConfig.DefaultMaxSessions <= 0 {
		sessionConfig.DefaultMaxSessions = DefaultMaxConcurrentSessions
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &SessionService{
		storage:   cfg.Storage,
		resolver:  NewLocationResolver(cfg.Geolocator, sessionConfig.GeoCacheTTL, sessionConfig.GeoTimeout, sessionConfig.GeoCacheSize, logger),
		notifier:  notifier,
		logger:    logger,
		config:    sessionConfig,
		validator: NewValidator(),
		now:       clock,
	}
	s.startNotifyQueue(sessionConfig.NotificationQueueSize)
	return s, nil
}

// checkDurations rejects lifetimes and windows that would produce sessions expiring
// before they are created
func checkDurations(c SessionConfig) error {
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"session_lifetime", c.SessionLifetime},
		{"remember_me_lifetime", c.RememberMeLifetime},
		{"idle_timeout", c.IdleTimeout},
		{"remember_me_idle_timeout", c.RememberMeIdleTimeout},
		{"step_up_window", c.StepUpWindow},
	} {
		if d.value <= 0 {
			return invalidInput(d.field, "must be positive, got %s", d.value)
		}
	}
	if c.ActivityRetention < 0 {
		return invalidInput("activity_retention", "must not be negative, got %s", c.ActivityRetention)
	}
	return nil
}

// Config returns the effective lifecycle configuration
func (s *SessionService) Config() SessionConfig {
	return s.config
}

// Ping checks that the session store is reachable
func (s *SessionService) Ping(ctx context.Context) error {
	return s.storage.Ping(ctx)
}

// Close delivers pending notifications, then closes the session store
func (s *SessionService) Close() error {
	s.stopNotifyQueue()
	return s.storage.Close()
}

// RequestMeta is the raw request metadata a login or request is evaluated from
type RequestMeta struct {
	IPAddress   string             `json:"ip_address" validate:"required,max=64"`
	UserAgent   string             `json:"user_agent" validate:"max=1024"`
	Fingerprint *ClientFingerprint `json:"fingerprint,omitempty"`
}

// LoginContext is the device and location context derived from request metadata
type LoginContext struct {
	Device      DeviceInfo   `json:"device"`
	Fingerprint string       `json:"-"`
	Location    LocationInfo `json:"location"`
	Geolocation Signal       `json:"geolocation"`
	VPN         Signal       `json:"vpn"`
}

// checkIP accepts a parseable address or the "unknown" placeholder
func checkIP(ip string) error {
	if ip == UnknownIP {
		return nil
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return invalidInput("ip_address", "malformed IP address %q", ip)
	}
	return nil
}

// DeriveContext turns request metadata into device and location context. Geolocation is
// bounded by ctx and the configured timeout and fails open.
func (s *SessionService) DeriveContext(ctx context.Context, meta RequestMeta) LoginContext {
	lc := LoginContext{Device: ParseUserAgent(meta.UserAgent)}
	if meta.Fingerprint != nil {
		lc.Fingerprint = meta.Fingerprint.Hash
	}
	if meta.IPAddress == UnknownIP || meta.IPAddress == "" {
		lc.Location = LocationInfo{IP: meta.IPAddress}
		lc.Geolocation = Unavailable(SignalGeolocation, "client IP unknown")
	} else {
		lc.Location, lc.Geolocation = s.resolver.Resolve(ctx, meta.IPAddress)
	}
	lc.VPN = DetectVPN(lc.Location, lc.Geolocation)
	return lc
}

// riskInput reads the store for everything the risk scorer needs
func (s *SessionService) riskInput(ctx context.Context, userID string, lc LoginContext, now time.Time) (RiskInput, error) {
	history, err := s.storage.GetLoginHistory(ctx, userID, s.config.HistoryLimit)
	if err != nil {
		return RiskInput{}, fmt.Errorf("failed to get login history: %w", err)
	}
	recent, err := s.storage.CountLoginsSince(ctx, userID, now.Add(-rapidLoginWindow))
	if err != nil {
		return RiskInput{}, fmt.Errorf("failed to count recent logins: %w", err)
	}
	failed, err := s.storage.CountFailedLogins(ctx, userID, now.Add(-s.config.FailedAttemptWindow))
	if err != nil {
		return RiskInput{}, fmt.Errorf("failed to count failed logins: %w", err)
	}
	return RiskInput{
		Now:            now,
		Device:         lc.Device,
		Fingerprint:    lc.Fingerprint,
		Location:       lc.Location,
		Geolocation:    lc.Geolocation,
		VPN:            lc.VPN,
		History:        history,
		RecentLogins:   recent,
		FailedAttempts: failed,
	}, nil
}

// RiskRequest asks for a speculative risk assessment of a login
type RiskRequest struct {
	UserID string `json:"user_id" validate:"required,max=255"`
	RequestMeta
}

// CalculateSessionRisk scores a prospective login for userID without mutating any state
func (s *SessionService) CalculateSessionRisk(ctx context.Context, req RiskRequest) (*RiskAssessment, error) {
	if err := validateStruct(s.validator, req); err != nil {
		return nil, err
	}
	if err := checkIP(req.IPAddress); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "core.CalculateSessionRisk", attrUserID(req.UserID))
	now := s.now()
	in, err := s.riskInput(ctx, req.UserID, s.DeriveContext(ctx, req.RequestMeta), now)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	assessment := ScoreRisk(in)
	endSpan(span, nil)
	return assessment, nil
}

// GetPolicy returns the user's stored policy or the default policy when none is stored
func (s *SessionService) GetPolicy(ctx context.Context, userID string) (*SessionPolicy, error) {
	policy, err := s.storage.GetSessionPolicy(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session policy: %w", err)
	}
	if policy == nil {
		policy = DefaultSessionPolicy(userID)
		policy.MaxConcurrentSessions = s.config.DefaultMaxSessions
	}
	return policy, nil
}

// SetPolicy validates and stores a user's policy
func (s *SessionService) SetPolicy(ctx context.Context, policy *SessionPolicy) error {
	if policy == nil {
		return invalidInput("policy", "policy is required")
	}
	if err := validateStruct(s.validator, policy); err != nil {
		return err
	}
	policy.UpdatedAt = s.now()
	if err := s.storage.UpsertSessionPolicy(ctx, policy); err != nil {
		return fmt.Errorf("failed to store session policy: %w", err)
	}
	s.logger.Info("Session policy updated", "user_id", policy.UserID)
	return nil
}

// ValidatePolicyAttempt loads the user's policy and evaluates attempt against it
func (s *SessionService) ValidatePolicyAttempt(ctx context.Context, userID string, attempt PolicyAttempt) (*PolicyDecision, error) {
	if err := checkIP(attempt.IP); err != nil {
		return nil, err
	}
	policy, err := s.GetPolicy(ctx, userID)
	if err != nil {
		return nil, err
	}
	if attempt.Time.IsZero() {
		attempt.Time = s.now()
	}
	return ValidateSessionPolicy(policy, attempt)
}

// getSession loads a session by id and maps a missing row to ErrSessionNotFound
func (s *SessionService) getSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// GetSession returns a session by id
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.getSession(ctx, sessionID)
}
