package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Activity actions recorded by the engine itself
const (
	ActivityLogin    = "login"
	ActivityRequest  = "request"
	ActivityLock     = "lock"
	ActivityStepUp   = "step_up"
	ActivityFreeze   = "freeze"
	ActivityUnfreeze = "unfreeze"
)

// CreateSessionRequest is a successful credential verification to open a session for
type CreateSessionRequest struct {
	UserID      string `json:"user_id" validate:"required,max=255"`
	LoginMethod string `json:"login_method" validate:"omitempty,oneof=password oauth magic_link passkey"`
	RememberMe  bool   `json:"remember_me"`
	RequestMeta
}

// CreateSessionResult is the outcome of a successful session creation
type CreateSessionResult struct {
	Session    *Session            `json:"session"`
	Token      string              `json:"token"`
	Risk       *RiskAssessment     `json:"risk"`
	Decision   *PolicyDecision     `json:"policy"`
	Evicted    []string            `json:"evicted_session_ids"`
	Resolution *ConflictResolution `json:"conflict_resolution,omitempty"`
}

// Create opens a session for a verified login. It enforces the user's policy and the
// concurrency cap, blocks on critical risk, derives trust and suspicion, records the
// login and emits notifications.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest) (result *CreateSessionResult, err error) {
	if err := validateStruct(s.validator, req); err != nil {
		return nil, err
	}
	if err := checkIP(req.IPAddress); err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "core.Create", attrUserID(req.UserID))
	defer func() { endSpan(span, err) }()

	now := s.now()
	lc := s.DeriveContext(ctx, req.RequestMeta)

	policy, err := s.GetPolicy(ctx, req.UserID)
	if err != nil {
		sessionCreationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	in, err := s.riskInput(ctx, req.UserID, lc, now)
	if err != nil {
		sessionCreationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	assessment := ScoreRisk(in)
	riskAssessmentsTotal.WithLabelValues(string(assessment.Level)).Inc()
	riskScore.Observe(assessment.Score)

	newDevice := assessment.HasFactor(FactorNewDevice)
	newLocation := assessment.HasFactor(FactorNewCountry) || assessment.HasFactor(FactorNewCity)

	decision, err := ValidateSessionPolicy(policy, PolicyAttempt{
		IP:          req.IPAddress,
		Country:     lc.Location.Country,
		DeviceType:  lc.Device.Type,
		Time:        now,
		NewDevice:   newDevice,
		NewLocation: newLocation,
	})
	if err != nil {
		sessionCreationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !decision.Allowed {
		for _, reason := range decision.Reasons {
			policyDenialsTotal.WithLabelValues(reason).Inc()
		}
		sessionCreationsTotal.WithLabelValues("policy_denied").Inc()
		s.logger.Info("Session creation denied by policy",
			"user_id", req.UserID,
			"ip_address", req.IPAddress,
			"reasons", decision.Reasons)
		return nil, &PolicyViolationError{Reasons: decision.Reasons}
	}

	if assessment.ShouldBlock {
		sessionCreationsTotal.WithLabelValues("blocked").Inc()
		s.logger.Warn("Session creation blocked by risk assessment",
			"user_id", req.UserID,
			"ip_address", req.IPAddress,
			"risk_score", assessment.Score)
		s.notify(ctx, Notification{
			UserID:   req.UserID,
			Type:     NotificationSecurityAlert,
			Severity: RiskCritical,
			Title:    "Login blocked",
			Message:  "A login attempt was blocked because of its risk score",
			Data:     riskData(assessment, lc),
		})
		return nil, ErrSessionBlocked
	}

	trustInputs := TrustInputsFromHistory(in.History, lc.Device, lc.Fingerprint, lc.Location, now)
	trustLevel := NextTrustLevel(previousTrustLevel(in.History, lc.Device, lc.Fingerprint, now), trustInputs)

	_, suspicious := EvaluateSuspicion(SuspicionInputs{
		RapidLocationChange: assessment.HasFactor(FactorImpossibleTravel),
		NewDevice:           newDevice,
		NewLocation:         newLocation,
		FailedAttempts:      in.FailedAttempts,
		VPNDetected:         lc.VPN.Detected(),
	})

	token, err := generateSecureToken(32)
	if err != nil {
		sessionCreationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	loginMethod := req.LoginMethod
	if loginMethod == "" {
		loginMethod = LoginMethodPassword
	}
	session := &Session{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Token:          token,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.lifetime(req.RememberMe)),
		DeviceName:     lc.Device.Name,
		DeviceType:     lc.Device.Type,
		Browser:        lc.Device.Browser,
		BrowserVersion: lc.Device.BrowserVersion,
		OS:             lc.Device.OS,
		OSVersion:      lc.Device.OSVersion,
		Fingerprint:    lc.Fingerprint,
		IPAddress:      req.IPAddress,
		Country:        lc.Location.Country,
		City:           lc.Location.City,
		TrustLevel:     trustLevel,
		IsSuspicious:   suspicious,
		RequiredStepUp: assessment.ShouldRequireStepUp,
		LoginMethod:    loginMethod,
		RememberMe:     req.RememberMe,
	}

	maxActive := policy.MaxConcurrentSessions
	if maxActive <= 0 {
		maxActive = s.config.DefaultMaxSessions
	}
	evicted, err := s.storage.CreateSessionWithinLimit(ctx, session, maxActive, now)
	if err != nil {
		sessionCreationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	sessionCreationsTotal.WithLabelValues("created").Inc()

	result = &CreateSessionResult{
		Session:  session,
		Token:    token,
		Risk:     assessment,
		Decision: decision,
		Evicted:  make([]string, 0, len(evicted)),
	}
	for _, e := range evicted {
		result.Evicted = append(result.Evicted, e.ID)
	}
	if len(evicted) > 0 {
		s.logger.Info("Evicted least recently active sessions",
			"user_id", req.UserID,
			"evicted", result.Evicted,
			"max_sessions", maxActive)
	}

	s.recordLogin(ctx, &LoginRecord{
		UserID:       req.UserID,
		SessionID:    session.ID,
		Success:      true,
		DeviceName:   session.DeviceName,
		DeviceType:   session.DeviceType,
		Browser:      session.Browser,
		OS:           session.OS,
		Fingerprint:  session.Fingerprint,
		IPAddress:    session.IPAddress,
		Country:      session.Country,
		City:         session.City,
		TrustLevel:   session.TrustLevel,
		IsSuspicious: session.IsSuspicious,
		CreatedAt:    now,
	})
	s.LogActivity(ctx, session, ActivityInput{
		Action:       ActivityLogin,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		IsSuspicious: suspicious,
	})

	s.notifyLogin(ctx, session, policy, decision, assessment, lc)

	s.logger.Info("Session created",
		"user_id", session.UserID,
		"session_id", session.ID,
		"trust_level", session.TrustLevel,
		"risk_level", assessment.Level,
		"suspicious", session.IsSuspicious,
		"step_up", session.RequiredStepUp)

	if s.config.AutoResolveOnCreate {
		resolution, err := s.AutoResolveConflicts(ctx, req.UserID, s.config.ConflictStrategy)
		if err != nil {
			s.logger.Error("Failed to auto-resolve session conflicts", "user_id", req.UserID, "error", err)
		} else if len(resolution.Conflicts) > 0 {
			result.Resolution = resolution
		}
	}

	return result, nil
}

func (s *SessionService) lifetime(rememberMe bool) time.Duration {
	if rememberMe {
		return s.config.RememberMeLifetime
	}
	return s.config.SessionLifetime
}

func (s *SessionService) idleTimeout(session *Session) time.Duration {
	if session.RememberMe {
		return s.config.RememberMeIdleTimeout
	}
	return s.config.IdleTimeout
}

// previousTrustLevel is the trust level recorded on the most recent successful login
// from the same device, 0 when there is none
func previousTrustLevel(history []*LoginRecord, device DeviceInfo, fingerprint string, now time.Time) int {
	var latest *LoginRecord
	for _, r := range wellFormedHistory(history, now) {
		if !sameDevice(r, device, fingerprint) {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return TrustUntrusted
	}
	return latest.TrustLevel
}

func (s *SessionService) notifyLogin(ctx context.Context, session *Session, policy *SessionPolicy, decision *PolicyDecision, assessment *RiskAssessment, lc LoginContext) {
	if decision.ShouldNotify {
		n := Notification{
			UserID:    session.UserID,
			SessionID: session.ID,
			Severity:  RiskMedium,
			Data: map[string]string{
				"device":     session.DeviceName,
				"ip_address": session.IPAddress,
				"country":    strValue(session.Country),
				"city":       strValue(session.City),
			},
		}
		switch decision.NotificationReason {
		case NotifyReasonNewDevice:
			n.Type = NotificationNewDevice
			n.Title = "New device sign-in"
			n.Message = "Your account was accessed from " + session.DeviceName
		default:
			n.Type = NotificationNewLocation
			n.Title = "New location sign-in"
			n.Message = "Your account was accessed from a new location"
		}
		s.notify(ctx, n)
	}

	if (session.IsSuspicious || assessment.ShouldNotify) && policy.NotifyOnSuspicious {
		severity := assessment.Level
		if session.IsSuspicious && severity == RiskLow {
			severity = RiskMedium
		}
		s.notify(ctx, Notification{
			UserID:    session.UserID,
			SessionID: session.ID,
			Type:      NotificationSuspiciousActivity,
			Severity:  severity,
			Title:     "Suspicious sign-in",
			Message:   "A sign-in to your account looks unusual",
			Data:      riskData(assessment, lc),
		})
	}
}

func riskData(assessment *RiskAssessment, lc LoginContext) map[string]string {
	data := map[string]string{
		"risk_score": fmt.Sprintf("%.2f", assessment.Score),
		"risk_level": string(assessment.Level),
		"device":     lc.Device.Name,
		"ip_address": lc.Location.IP,
		"country":    strValue(lc.Location.Country),
	}
	for i, f := range assessment.Factors {
		data[fmt.Sprintf("factor_%d", i)] = f.Name
	}
	return data
}

func (s *SessionService) recordLogin(ctx context.Context, record *LoginRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if err := s.storage.RecordLogin(ctx, record); err != nil {
		s.logger.Error("Failed to record login",
			"user_id", record.UserID,
			"success", record.Success,
			"error", err)
	}
}

// RecordLoginFailure records a failed credential verification. Failures feed the
// failed-attempts risk factor and the suspicion score of the next login.
func (s *SessionService) RecordLoginFailure(ctx context.Context, userID string, meta RequestMeta) error {
	if userID == "" {
		return invalidInput("user_id", "user id is required")
	}
	if err := validateStruct(s.validator, meta); err != nil {
		return err
	}
	if err := checkIP(meta.IPAddress); err != nil {
		return err
	}
	lc := s.DeriveContext(ctx, meta)
	record := &LoginRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		Success:     false,
		DeviceName:  lc.Device.Name,
		DeviceType:  lc.Device.Type,
		Browser:     lc.Device.Browser,
		OS:          lc.Device.OS,
		Fingerprint: lc.Fingerprint,
		IPAddress:   meta.IPAddress,
		Country:     lc.Location.Country,
		City:        lc.Location.City,
		CreatedAt:   s.now(),
	}
	if err := s.storage.RecordLogin(ctx, record); err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}
	return nil
}

// ActivityInput describes one request or event to append to a session's activity log
type ActivityInput struct {
	Action       string `json:"action" validate:"required,max=100"`
	Endpoint     string `json:"endpoint,omitempty" validate:"max=2048"`
	Method       string `json:"method,omitempty" validate:"max=16"`
	StatusCode   *int   `json:"status_code,omitempty"`
	DurationMS   *int64 `json:"duration_ms,omitempty"`
	IsError      bool   `json:"is_error"`
	IsSuspicious bool   `json:"is_suspicious"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
}

// LogActivity appends an activity row and refreshes the session's last activity.
// Failures are logged and never returned.
func (s *SessionService) LogActivity(ctx context.Context, session *Session, in ActivityInput) {
	if session == nil {
		return
	}
	now := s.now()
	if now.Before(session.CreatedAt) {
		now = session.CreatedAt
	}
	isError := in.IsError
	if in.StatusCode != nil && *in.StatusCode >= 400 {
		isError = true
	}
	activity := &SessionActivity{
		ID:           uuid.NewString(),
		SessionID:    session.ID,
		UserID:       session.UserID,
		Action:       in.Action,
		Endpoint:     in.Endpoint,
		Method:       in.Method,
		StatusCode:   in.StatusCode,
		DurationMS:   in.DurationMS,
		IsError:      isError,
		IsSuspicious: in.IsSuspicious,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		CreatedAt:    now,
	}
	if err := s.storage.CreateActivity(ctx, activity); err != nil {
		s.logger.Warn("Failed to log session activity",
			"session_id", session.ID,
			"action", in.Action,
			"error", err)
	}
	if err := s.storage.TouchSession(ctx, session.ID, now); err != nil {
		s.logger.Warn("Failed to refresh session activity",
			"session_id", session.ID,
			"error", err)
		return
	}
	if now.After(session.LastActivityAt) {
		session.LastActivityAt = now
	}
}

// GetSessionActivities returns a session's most recent activity rows
func (s *SessionService) GetSessionActivities(ctx context.Context, sessionID string, limit int) ([]*SessionActivity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	activities, err := s.storage.GetSessionActivities(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session activities: %w", err)
	}
	return activities, nil
}

// ValidateRequest presents a bearer token together with the current client context
type ValidateRequest struct {
	Token       string `json:"token" validate:"required"`
	IPAddress   string `json:"ip_address" validate:"max=64"`
	Fingerprint string `json:"fingerprint" validate:"max=256"`
}

// ValidationResult is the outcome of a successful validation
type ValidationResult struct {
	Session        *Session `json:"session"`
	RequiredStepUp bool     `json:"required_step_up"`
	IsSuspicious   bool     `json:"is_suspicious"`
	IsFrozen       bool     `json:"is_frozen"`
	TrustLevel     int      `json:"trust_level"`
}

// Validate checks a session token. Expired sessions are deleted and reported with an
// *ExpiredError; locked sessions reject a different IP or fingerprint. A request from a
// new IP re-resolves the location, resets trust on a location change and revokes the
// session when the user's policy asks for it.
func (s *SessionService) Validate(ctx context.Context, req ValidateRequest) (result *ValidationResult, err error) {
	if err := validateStruct(s.validator, req); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "core.Validate")
	defer func() { endSpan(span, err) }()

	result, err = s.validate(ctx, req)
	sessionValidationsTotal.WithLabelValues(validationOutcome(err)).Inc()
	return result, err
}

func (s *SessionService) validate(ctx context.Context, req ValidateRequest) (*ValidationResult, error) {
	session, err := s.storage.GetSessionByToken(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	now := s.now()
	if now.After(session.ExpiresAt) {
		s.expire(ctx, session, ExpiryAbsolute)
		return nil, &ExpiredError{SessionID: session.ID, Reason: ExpiryAbsolute}
	}
	if now.Sub(session.LastActivityAt) > s.idleTimeout(session) {
		s.expire(ctx, session, ExpiryIdle)
		return nil, &ExpiredError{SessionID: session.ID, Reason: ExpiryIdle}
	}

	if session.LockedIP != "" && !ipMatches(req.IPAddress, session.LockedIP) {
		s.logger.Warn("Locked session used from a different IP",
			"session_id", session.ID,
			"ip_address", req.IPAddress)
		return nil, ErrSessionLocked
	}
	if session.LockedFingerprint != "" && req.Fingerprint != session.LockedFingerprint {
		s.logger.Warn("Locked session used from a different fingerprint", "session_id", session.ID)
		return nil, ErrSessionLocked
	}

	if req.IPAddress != "" && req.IPAddress != UnknownIP && req.IPAddress != session.IPAddress {
		if err := checkIP(req.IPAddress); err != nil {
			return nil, err
		}
		if err := s.reevaluate(ctx, session, req.IPAddress, now); err != nil {
			return nil, err
		}
	}

	if err := s.storage.TouchSession(ctx, session.ID, now); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	if now.After(session.LastActivityAt) {
		session.LastActivityAt = now
	}

	return &ValidationResult{
		Session:        session,
		RequiredStepUp: session.RequiredStepUp,
		IsSuspicious:   session.IsSuspicious,
		IsFrozen:       session.IsFrozen(),
		TrustLevel:     session.TrustLevel,
	}, nil
}

// reevaluate handles a request from an IP the session was not created from
func (s *SessionService) reevaluate(ctx context.Context, session *Session, ip string, now time.Time) error {
	loc, geo := s.resolver.Resolve(ctx, ip)
	locationChanged := geo.Available() && loc.Resolved() && session.Country != nil &&
		(!sameOptional(session.Country, loc.Country) || !sameOptional(session.City, loc.City))

	policy, err := s.GetPolicy(ctx, session.UserID)
	if err != nil {
		return err
	}
	decision, err := ValidateSessionPolicy(policy, PolicyAttempt{
		IP:              ip,
		Country:         loc.Country,
		DeviceType:      session.DeviceType,
		Time:            now,
		IPChanged:       true,
		LocationChanged: locationChanged,
	})
	if err != nil {
		return err
	}

	if decision.ShouldLogout {
		if _, err := s.storage.DeleteSession(ctx, session.ID); err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
		s.logger.Info("Session revoked after client change",
			"session_id", session.ID,
			"user_id", session.UserID,
			"ip_address", ip,
			"location_changed", locationChanged)
		s.notify(ctx, Notification{
			UserID:    session.UserID,
			SessionID: session.ID,
			Type:      NotificationSecurityAlert,
			Severity:  RiskHigh,
			Title:     "Session signed out",
			Message:   "A session was signed out because it moved to a new network",
			Data: map[string]string{
				"previous_ip": session.IPAddress,
				"ip_address":  ip,
				"country":     strValue(loc.Country),
			},
		})
		return ErrSessionRevoked
	}
	if !decision.Allowed {
		for _, reason := range decision.Reasons {
			policyDenialsTotal.WithLabelValues(reason).Inc()
		}
		return &PolicyViolationError{Reasons: decision.Reasons}
	}

	ok, err := s.storage.UpdateSessionLocation(ctx, session.ID, LocationUpdate{
		IPAddress:       ip,
		LocationChanged: locationChanged,
		Country:         loc.Country,
		City:            loc.City,
	})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	session.IPAddress = ip

	if locationChanged {
		s.logger.Info("Session location changed, resetting trust",
			"session_id", session.ID,
			"from_country", strValue(session.Country),
			"to_country", strValue(loc.Country))
		session.Country = loc.Country
		session.City = loc.City
		session.TrustLevel = TrustUntrusted
		if policy.NotifyOnNewLocation {
			s.notify(ctx, Notification{
				UserID:    session.UserID,
				SessionID: session.ID,
				Type:      NotificationNewLocation,
				Severity:  RiskMedium,
				Title:     "Session moved to a new location",
				Message:   "An active session is now used from a new location",
				Data: map[string]string{
					"ip_address": ip,
					"country":    strValue(loc.Country),
					"city":       strValue(loc.City),
				},
			})
		}
	}
	return nil
}

func (s *SessionService) expire(ctx context.Context, session *Session, reason ExpiryReason) {
	if _, err := s.storage.DeleteSession(ctx, session.ID); err != nil {
		s.logger.Error("Failed to delete expired session",
			"session_id", session.ID,
			"error", err)
		return
	}
	s.logger.Debug("Session expired", "session_id", session.ID, "reason", reason)
}

func validationOutcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrSessionLocked):
		return "locked"
	case errors.Is(err, ErrSessionRevoked):
		return "revoked"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_denied"
	default:
		return "error"
	}
}

// ListSessions returns a user's unexpired sessions, most recently active first
func (s *SessionService) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := s.storage.GetUserSessions(ctx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	return sessions, nil
}

// Revoke deletes a session. Revoking an already deleted session returns ErrSessionNotFound.
func (s *SessionService) Revoke(ctx context.Context, sessionID, reason string) (err error) {
	ctx, span := startSpan(ctx, "core.Revoke", attrSessionID(sessionID))
	defer func() { endSpan(span, err) }()

	deleted, err := s.storage.DeleteSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return ErrSessionNotFound
	}
	s.logger.Info("Session revoked", "session_id", sessionID, "reason", reason)
	return nil
}

// RevokeOthers deletes every session of the user except keepSessionID and returns how
// many were deleted
func (s *SessionService) RevokeOthers(ctx context.Context, userID, keepSessionID string) (int, error) {
	keep, err := s.getSession(ctx, keepSessionID)
	if err != nil {
		return 0, err
	}
	if keep.UserID != userID {
		return 0, ErrSessionNotFound
	}
	if keep.IsFrozen() {
		return 0, ErrSessionFrozen
	}
	sessions, err := s.ListSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, session := range sessions {
		if session.ID == keepSessionID {
			continue
		}
		deleted, err := s.storage.DeleteSession(ctx, session.ID)
		if err != nil {
			return revoked, fmt.Errorf("failed to delete session: %w", err)
		}
		if deleted {
			revoked++
		}
	}
	s.logger.Info("Revoked other sessions", "user_id", userID, "kept", keepSessionID, "revoked", revoked)
	return revoked, nil
}

// LockRequest binds a session to an IP address, a fingerprint or both
type LockRequest struct {
	IPAddress   string `json:"ip_address" validate:"omitempty,ip"`
	Fingerprint string `json:"fingerprint" validate:"max=256"`
}

// Lock binds a session to an IP and/or fingerprint. Validation rejects any mismatch afterwards.
func (s *SessionService) Lock(ctx context.Context, sessionID string, req LockRequest) (*Session, error) {
	if err := validateStruct(s.validator, req); err != nil {
		return nil, err
	}
	if req.IPAddress == "" && req.Fingerprint == "" {
		return nil, invalidInput("lock", "an IP address or fingerprint is required")
	}
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsFrozen() {
		return nil, ErrSessionFrozen
	}
	ok, err := s.storage.LockSession(ctx, sessionID, req.IPAddress, req.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if !ok {
		// Deleted or frozen since it was read
		if _, err := s.getSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionFrozen
	}
	if session, err = s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	s.LogActivity(ctx, session, ActivityInput{Action: ActivityLock, IPAddress: req.IPAddress})
	s.logger.Info("Session locked",
		"session_id", session.ID,
		"locked_ip", session.LockedIP,
		"locked_fingerprint", session.LockedFingerprint != "")
	return session, nil
}
