package core

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"
)

// UnknownIP is the client IP reported when no forwarding header carries one
const UnknownIP = "unknown"

// Forwarding headers in the order they are trusted
var clientIPHeaders = []string{
	"CF-Connecting-IP",
	"X-Real-IP",
	"X-Forwarded-For",
	"X-Client-IP",
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// ExtractClientIP returns the client IP from proxy headers: the CDN header, then the
// real-IP header, then the first X-Forwarded-For entry, then the client-IP header.
// It returns UnknownIP when none of them carries a value.
func ExtractClientIP(h http.Header) string {
	for _, name := range clientIPHeaders {
		value := strings.TrimSpace(h.Get(name))
		if value == "" {
			continue
		}
		if name == "X-Forwarded-For" {
			value = strings.TrimSpace(strings.Split(value, ",")[0])
			if value == "" {
				continue
			}
		}
		if addr, err := netip.ParseAddr(value); err == nil {
			return addr.Unmap().String()
		}
		return value
	}
	return UnknownIP
}

// extractTokenFromRequest extracts the session token from the Authorization header or
// the session_token cookie
func extractTokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("Authorization"); token != "" {
		if strings.HasPrefix(token, "Bearer ") {
			return strings.TrimSpace(token[len("Bearer "):])
		}
		return token
	}
	if cookie, err := r.Cookie("session_token"); err == nil {
		return cookie.Value
	}
	slog.Debug("No session token in Authorization header or session_token cookie", "path", r.URL.Path)
	return ""
}

// extractFingerprint reads the client fingerprint hash header
func extractFingerprint(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Device-Fingerprint"))
}

// Helper function to format validation errors
func formatValidationErrors(err error) string {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "min":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at least %s", fieldError.Field(), fieldError.Param()))
			case "max":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s", fieldError.Field(), fieldError.Param()))
			case "ip", "ip|cidr":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be an IP address or CIDR range", fieldError.Field()))
			case "iso3166_1_alpha2":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be an ISO 3166-1 alpha-2 country code", fieldError.Field()))
			case "datetime":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a time in HH:MM format", fieldError.Field()))
			case "timezone":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be an IANA timezone", fieldError.Field()))
			case "oneof":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be one of: %s", fieldError.Field(), fieldError.Param()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}
