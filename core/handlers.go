package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Request and Response Types

// CreateSessionBody is the JSON body of a session creation request. The client IP and
// user agent are taken from the request itself.
type CreateSessionBody struct {
	UserID      string             `json:"user_id"`
	LoginMethod string             `json:"login_method"`
	RememberMe  bool               `json:"remember_me"`
	Fingerprint *ClientFingerprint `json:"fingerprint,omitempty"`
}

// CreateSessionResponse represents the response for session creation
type CreateSessionResponse struct {
	*CreateSessionResult
	Reasons    []string `json:"reasons,omitempty"` // Violated policy reasons on denial
	StatusCode int      `json:"-"`                 // HTTP status code (not serialized)
	Error      string   `json:"error,omitempty"`   // Error message if any
}

// ValidateSessionResponse represents the response for token validation
type ValidateSessionResponse struct {
	*ValidationResult
	Reason     ExpiryReason `json:"expiry_reason,omitempty"` // Which deadline an expired session missed
	StatusCode int          `json:"-"`                       // HTTP status code (not serialized)
	Error      string       `json:"error,omitempty"`         // Error message if any
}

// SessionResponse represents a response carrying one session
type SessionResponse struct {
	Session    *Session `json:"session,omitempty"`
	StatusCode int      `json:"-"`               // HTTP status code (not serialized)
	Error      string   `json:"error,omitempty"` // Error message if any
}

// SessionsResponse represents the response for user session listing
type SessionsResponse struct {
	Sessions   []*Session `json:"sessions"`        // List of user sessions
	StatusCode int        `json:"-"`               // HTTP status code (not serialized)
	Error      string     `json:"error,omitempty"` // Error message if any
}

// MessageResponse represents a response with only a message
type MessageResponse struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
}

// RevokedResponse reports how many sessions were revoked
type RevokedResponse struct {
	Revoked    int    `json:"revoked"`
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
}

// StepUpResponse represents the response for a step-up requirement
type StepUpResponse struct {
	Challenge  *StepUpChallenge `json:"challenge,omitempty"`
	StatusCode int              `json:"-"`               // HTTP status code (not serialized)
	Error      string           `json:"error,omitempty"` // Error message if any
}

// ConflictResponse represents the response for conflict resolution
type ConflictResponse struct {
	Resolution *ConflictResolution `json:"resolution,omitempty"`
	StatusCode int                 `json:"-"`               // HTTP status code (not serialized)
	Error      string              `json:"error,omitempty"` // Error message if any
}

// ScanResponse represents the response for an anomaly scan
type ScanResponse struct {
	Report     *ScanReport `json:"report,omitempty"`
	StatusCode int         `json:"-"`               // HTTP status code (not serialized)
	Error      string      `json:"error,omitempty"` // Error message if any
}

// PolicyValidationBody is the JSON body of a speculative policy validation
type PolicyValidationBody struct {
	UserID  string        `json:"user_id" validate:"required,max=255"`
	Attempt PolicyAttempt `json:"attempt"`
}

// PolicyDecisionResponse represents the response for policy validation
type PolicyDecisionResponse struct {
	*PolicyDecision
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
}

// PolicyResponse represents a response carrying a session policy
type PolicyResponse struct {
	Policy     *SessionPolicy `json:"policy,omitempty"`
	StatusCode int            `json:"-"`               // HTTP status code (not serialized)
	Error      string         `json:"error,omitempty"` // Error message if any
}

// RiskResponse represents the response for a speculative risk assessment
type RiskResponse struct {
	Assessment *RiskAssessment `json:"assessment,omitempty"`
	StatusCode int             `json:"-"`               // HTTP status code (not serialized)
	Error      string          `json:"error,omitempty"` // Error message if any
}

// statusForError maps engine errors to an HTTP status and client-safe message
func (s *SessionService) statusForError(err error) (int, string) {
	var inputErr *InputError
	switch {
	case errors.As(err, &inputErr):
		return http.StatusBadRequest, inputErr.Error()
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, ErrSessionExpired):
		return http.StatusUnauthorized, "Session expired"
	case errors.Is(err, ErrSessionRevoked):
		return http.StatusUnauthorized, "Session revoked"
	case errors.Is(err, ErrSessionLocked):
		return http.StatusForbidden, "Session is locked to a different client"
	case errors.Is(err, ErrSessionBlocked):
		return http.StatusForbidden, "Login blocked"
	case errors.Is(err, ErrPolicyViolation):
		return http.StatusForbidden, "Session policy violation"
	case errors.Is(err, ErrSessionFrozen):
		return http.StatusLocked, "Session is frozen"
	case errors.Is(err, ErrChallengeInvalid):
		return http.StatusBadRequest, "Invalid step-up challenge"
	case errors.Is(err, ErrChallengeExpired):
		return http.StatusGone, "Step-up challenge expired"
	case errors.Is(err, ErrReverificationRequired):
		return http.StatusForbidden, "Re-verification required"
	default:
		s.logger.Error("Session request failed", "error", err)
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (s *SessionService) decode(r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Debug("Failed to decode request", "path", r.URL.Path, "error", err)
		return false
	}
	return true
}

// requestMeta builds request metadata from forwarding headers and the user agent
func requestMeta(r *http.Request, fp *ClientFingerprint) RequestMeta {
	if fp == nil {
		if hash := extractFingerprint(r); hash != "" {
			fp = &ClientFingerprint{Hash: hash, Confidence: 100}
		}
	}
	return RequestMeta{
		IPAddress:   ExtractClientIP(r.Header),
		UserAgent:   r.UserAgent(),
		Fingerprint: fp,
	}
}

// CreateSessionHandler opens a session after the caller has verified credentials
func (s *SessionService) CreateSessionHandler(r *http.Request) CreateSessionResponse {
	var body CreateSessionBody
	if !s.decode(r, &body) {
		return CreateSessionResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}

	result, err := s.Create(r.Context(), CreateSessionRequest{
		UserID:      body.UserID,
		LoginMethod: body.LoginMethod,
		RememberMe:  body.RememberMe,
		RequestMeta: requestMeta(r, body.Fingerprint),
	})
	if err != nil {
		status, msg := s.statusForError(err)
		resp := CreateSessionResponse{StatusCode: status, Error: msg}
		var violation *PolicyViolationError
		if errors.As(err, &violation) {
			resp.Reasons = violation.Reasons
		}
		return resp
	}
	return CreateSessionResponse{CreateSessionResult: result, StatusCode: http.StatusCreated}
}

// ValidateSessionHandler validates the bearer token of the request
func (s *SessionService) ValidateSessionHandler(r *http.Request) ValidateSessionResponse {
	token := extractTokenFromRequest(r)
	if token == "" {
		return ValidateSessionResponse{StatusCode: http.StatusUnauthorized, Error: "Missing session token"}
	}

	result, err := s.Validate(r.Context(), ValidateRequest{
		Token:       token,
		IPAddress:   ExtractClientIP(r.Header),
		Fingerprint: extractFingerprint(r),
	})
	if err != nil {
		status, msg := s.statusForError(err)
		resp := ValidateSessionResponse{StatusCode: status, Error: msg}
		var expired *ExpiredError
		if errors.As(err, &expired) {
			resp.Reason = expired.Reason
		}
		return resp
	}
	return ValidateSessionResponse{ValidationResult: result, StatusCode: http.StatusOK}
}

// LogActivityHandler appends an activity row to a session
func (s *SessionService) LogActivityHandler(r *http.Request, sessionID string) MessageResponse {
	var in ActivityInput
	if !s.decode(r, &in) {
		return MessageResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	if err := validateStruct(s.validator, in); err != nil {
		status, msg := s.statusForError(err)
		return MessageResponse{StatusCode: status, Error: msg}
	}
	session, err := s.getSession(r.Context(), sessionID)
	if err != nil {
		status, msg := s.statusForError(err)
		return MessageResponse{StatusCode: status, Error: msg}
	}
	if in.IPAddress == "" {
		in.IPAddress = ExtractClientIP(r.Header)
	}
	if in.UserAgent == "" {
		in.UserAgent = r.UserAgent()
	}
	s.LogActivity(r.Context(), session, in)
	return MessageResponse{Message: "Activity recorded", StatusCode: http.StatusAccepted}
}

// ListSessionsHandler lists a user's active sessions
func (s *SessionService) ListSessionsHandler(r *http.Request, userID string) SessionsResponse {
	sessions, err := s.ListSessions(r.Context(), userID)
	if err != nil {
		status, msg := s.statusForError(err)
		return SessionsResponse{StatusCode: status, Error: msg}
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	return SessionsResponse{Sessions: sessions, StatusCode: http.StatusOK}
}

// RevokeSessionHandler deletes a session
func (s *SessionService) RevokeSessionHandler(r *http.Request, sessionID string) MessageResponse {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "revoked"
	}
	if err := s.Revoke(r.Context(), sessionID, reason); err != nil {
		status, msg := s.statusForError(err)
		return MessageResponse{StatusCode: status, Error: msg}
	}
	return MessageResponse{Message: "Session revoked", StatusCode: http.StatusOK}
}

// RevokeOtherSessionsHandler signs out every session of the current user except the one
// making the request. Mount it behind SessionMiddleware.
func (s *SessionService) RevokeOtherSessionsHandler(r *http.Request) RevokedResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return RevokedResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	revoked, err := s.RevokeOthers(r.Context(), session.UserID, session.ID)
	if err != nil {
		status, msg := s.statusForError(err)
		return RevokedResponse{StatusCode: status, Error: msg}
	}
	return RevokedResponse{Revoked: revoked, StatusCode: http.StatusOK}
}

// LockSessionHandler binds a session to an IP and/or fingerprint
func (s *SessionService) LockSessionHandler(r *http.Request, sessionID string) SessionResponse {
	var req LockRequest
	if !s.decode(r, &req) {
		return SessionResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	session, err := s.Lock(r.Context(), sessionID, req)
	if err != nil {
		status, msg := s.statusForError(err)
		return SessionResponse{StatusCode: status, Error: msg}
	}
	return SessionResponse{Session: session, StatusCode: http.StatusOK}
}

// RequireStepUpHandler issues a step-up challenge for a session
func (s *SessionService) RequireStepUpHandler(r *http.Request, sessionID string) StepUpResponse {
	challenge, err := s.RequireStepUp(r.Context(), sessionID)
	if err != nil {
		status, msg := s.statusForError(err)
		return StepUpResponse{StatusCode: status, Error: msg}
	}
	return StepUpResponse{Challenge: challenge, StatusCode: http.StatusOK}
}

// CompleteStepUpHandler completes a pending step-up challenge
func (s *SessionService) CompleteStepUpHandler(r *http.Request, sessionID string) SessionResponse {
	var body struct {
		ChallengeID string `json:"challenge_id" validate:"required"`
	}
	if !s.decode(r, &body) {
		return SessionResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	if err := validateStruct(s.validator, body); err != nil {
		status, msg := s.statusForError(err)
		return SessionResponse{StatusCode: status, Error: msg}
	}
	session, err := s.CompleteStepUp(r.Context(), sessionID, body.ChallengeID)
	if err != nil {
		status, msg := s.statusForError(err)
		return SessionResponse{StatusCode: status, Error: msg}
	}
	return SessionResponse{Session: session, StatusCode: http.StatusOK}
}

// FreezeSessionHandler freezes a session pending re-verification
func (s *SessionService) FreezeSessionHandler(r *http.Request, sessionID string) SessionResponse {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !s.decode(r, &body) {
		return SessionResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	session, err := s.Freeze(r.Context(), sessionID, body.Reason)
	if err != nil {
		status, msg := s.statusForError(err)
		return SessionResponse{StatusCode: status, Error: msg}
	}
	return SessionResponse{Session: session, StatusCode: http.StatusOK}
}

// UnfreezeSessionHandler unfreezes a re-verified session
func (s *SessionService) UnfreezeSessionHandler(r *http.Request, sessionID string) SessionResponse {
	session, err := s.Unfreeze(r.Context(), sessionID)
	if err != nil {
		status, msg := s.statusForError(err)
		return SessionResponse{StatusCode: status, Error: msg}
	}
	return SessionResponse{Session: session, StatusCode: http.StatusOK}
}

// ResolveConflictsHandler auto-resolves a user's high severity session conflicts
func (s *SessionService) ResolveConflictsHandler(r *http.Request, userID string) ConflictResponse {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if r.ContentLength != 0 && !s.decode(r, &body) {
		return ConflictResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	strategy := s.config.ConflictStrategy
	if body.Strategy != "" {
		parsed, err := ParseResolutionStrategy(body.Strategy)
		if err != nil {
			status, msg := s.statusForError(err)
			return ConflictResponse{StatusCode: status, Error: msg}
		}
		strategy = parsed
	}
	resolution, err := s.AutoResolveConflicts(r.Context(), userID, strategy)
	if err != nil {
		status, msg := s.statusForError(err)
		return ConflictResponse{StatusCode: status, Error: msg}
	}
	return ConflictResponse{Resolution: resolution, StatusCode: http.StatusOK}
}

// ScanUserHandler runs the anomaly scan over a user's sessions
func (s *SessionService) ScanUserHandler(r *http.Request, userID string) ScanResponse {
	report, err := s.ScanUser(r.Context(), userID)
	if err != nil {
		status, msg := s.statusForError(err)
		return ScanResponse{StatusCode: status, Error: msg}
	}
	return ScanResponse{Report: report, StatusCode: http.StatusOK}
}

// ValidatePolicyHandler evaluates an attempt against a user's policy without side effects
func (s *SessionService) ValidatePolicyHandler(r *http.Request) PolicyDecisionResponse {
	var body PolicyValidationBody
	if !s.decode(r, &body) {
		return PolicyDecisionResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	if err := validateStruct(s.validator, body); err != nil {
		status, msg := s.statusForError(err)
		return PolicyDecisionResponse{StatusCode: status, Error: msg}
	}
	if body.Attempt.IP == "" {
		body.Attempt.IP = ExtractClientIP(r.Header)
	}
	decision, err := s.ValidatePolicyAttempt(r.Context(), body.UserID, body.Attempt)
	if err != nil {
		status, msg := s.statusForError(err)
		return PolicyDecisionResponse{StatusCode: status, Error: msg}
	}
	return PolicyDecisionResponse{PolicyDecision: decision, StatusCode: http.StatusOK}
}

// RiskHandler computes a speculative risk assessment
func (s *SessionService) RiskHandler(r *http.Request) RiskResponse {
	var req RiskRequest
	if !s.decode(r, &req) {
		return RiskResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	meta := requestMeta(r, req.Fingerprint)
	if req.IPAddress == "" {
		req.IPAddress = meta.IPAddress
	}
	if req.UserAgent == "" {
		req.UserAgent = meta.UserAgent
	}
	req.Fingerprint = meta.Fingerprint

	assessment, err := s.CalculateSessionRisk(r.Context(), req)
	if err != nil {
		status, msg := s.statusForError(err)
		return RiskResponse{StatusCode: status, Error: msg}
	}
	return RiskResponse{Assessment: assessment, StatusCode: http.StatusOK}
}

// GetPolicyHandler returns a user's policy, defaulted when none is stored
func (s *SessionService) GetPolicyHandler(r *http.Request, userID string) PolicyResponse {
	policy, err := s.GetPolicy(r.Context(), userID)
	if err != nil {
		status, msg := s.statusForError(err)
		return PolicyResponse{StatusCode: status, Error: msg}
	}
	return PolicyResponse{Policy: policy, StatusCode: http.StatusOK}
}

// SetPolicyHandler validates and stores a user's policy
func (s *SessionService) SetPolicyHandler(r *http.Request, userID string) PolicyResponse {
	var policy SessionPolicy
	if !s.decode(r, &policy) {
		return PolicyResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	policy.UserID = userID
	if err := s.SetPolicy(r.Context(), &policy); err != nil {
		status, msg := s.statusForError(err)
		return PolicyResponse{StatusCode: status, Error: msg}
	}
	return PolicyResponse{Policy: &policy, StatusCode: http.StatusOK}
}
