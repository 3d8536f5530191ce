package core

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type contextKey string

const sessionContextKey contextKey = "session"

// statusRecorder captures the status code a handler writes
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// SessionMiddleware validates the request's session token, stores the session in the
// request context and logs the request as session activity once the handler returns
func (s *SessionService) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractTokenFromRequest(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ip := ExtractClientIP(r.Header)
		result, err := s.Validate(r.Context(), ValidateRequest{
			Token:       token,
			IPAddress:   ip,
			Fingerprint: extractFingerprint(r),
		})
		if err != nil {
			status, msg := s.statusForError(err)
			slog.Debug("Session validation failed", "path", r.URL.Path, "status", status, "error", err)
			http.Error(w, msg, status)
			return
		}

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := context.WithValue(r.Context(), sessionContextKey, result.Session)
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		duration := time.Since(started).Milliseconds()
		s.LogActivity(context.WithoutCancel(r.Context()), result.Session, ActivityInput{
			Action:     ActivityRequest,
			Endpoint:   r.URL.Path,
			Method:     r.Method,
			StatusCode: &status,
			DurationMS: &duration,
			IPAddress:  ip,
			UserAgent:  r.UserAgent(),
		})
	})
}

// RequireStepUpCleared rejects requests whose session still has a pending step-up or is
// frozen. Mount it behind SessionMiddleware on sensitive routes.
func RequireStepUpCleared(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := GetSessionFromContext(r)
		if session == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if session.IsFrozen() {
			http.Error(w, "Session is frozen", http.StatusLocked)
			return
		}
		if session.RequiredStepUp {
			http.Error(w, "Step-up authentication required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetSessionFromContext retrieves the current session from the request context
func GetSessionFromContext(r *http.Request) *Session {
	if session, ok := r.Context().Value(sessionContextKey).(*Session); ok {
		return session
	}
	return nil
}
