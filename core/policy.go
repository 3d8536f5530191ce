package core

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// SessionPolicy is a user's access policy. Users without a stored policy get DefaultSessionPolicy.
type SessionPolicy struct {
	UserID string `json:"user_id" validate:"required,max=255"`

	AllowedIPs []string `json:"allowed_ips" validate:"dive,ip|cidr"`
	BlockedIPs []string `json:"blocked_ips" validate:"dive,ip|cidr"`

	AllowedCountries []string `json:"allowed_countries" validate:"dive,iso3166_1_alpha2"`
	BlockedCountries []string `json:"blocked_countries" validate:"dive,iso3166_1_alpha2"`

	// AllowedDays holds weekdays, 0 = Sunday. An empty set allows every day.
	AllowedDays     []int  `json:"allowed_days" validate:"dive,min=0,max=6"`
	TimeWindowStart string `json:"time_window_start" validate:"omitempty,datetime=15:04"`
	TimeWindowEnd   string `json:"time_window_end" validate:"omitempty,datetime=15:04"`
	Timezone        string `json:"timezone" validate:"omitempty,timezone"`

	AllowedDeviceTypes []DeviceType `json:"allowed_device_types" validate:"dive,oneof=mobile tablet desktop unknown"`
	BlockedDeviceTypes []DeviceType `json:"blocked_device_types" validate:"dive,oneof=mobile tablet desktop unknown"`

	MaxConcurrentSessions int `json:"max_concurrent_sessions" validate:"min=1,max=100"`

	StepUpOnSensitiveAction    bool `json:"step_up_on_sensitive_action"`
	AutoLogoutOnIPChange       bool `json:"auto_logout_on_ip_change"`
	AutoLogoutOnLocationChange bool `json:"auto_logout_on_location_change"`
	NotifyOnNewDevice          bool `json:"notify_on_new_device"`
	NotifyOnNewLocation        bool `json:"notify_on_new_location"`
	NotifyOnSuspicious         bool `json:"notify_on_suspicious"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultMaxConcurrentSessions is the session cap of the default policy
const DefaultMaxConcurrentSessions = 5

// DefaultSessionPolicy allows every IP, country, device type and time, caps sessions at 5
// and enables every notification.
func DefaultSessionPolicy(userID string) *SessionPolicy {
	return &SessionPolicy{
		UserID:                  userID,
		AllowedDays:             []int{0, 1, 2, 3, 4, 5, 6},
		TimeWindowStart:         "00:00",
		TimeWindowEnd:           "23:59",
		Timezone:                "UTC",
		MaxConcurrentSessions:   DefaultMaxConcurrentSessions,
		StepUpOnSensitiveAction: true,
		NotifyOnNewDevice:       true,
		NotifyOnNewLocation:     true,
		NotifyOnSuspicious:      true,
	}
}

// Policy violation reasons
const (
	ReasonIPNotAllowed         = "ip_not_allowed"
	ReasonCountryNotAllowed    = "country_not_allowed"
	ReasonTimeNotAllowed       = "time_not_allowed"
	ReasonDeviceTypeNotAllowed = "device_type_not_allowed"
)

// Notification reasons reported by policy validation
const (
	NotifyReasonNewDevice   = "new_device"
	NotifyReasonNewLocation = "new_location"
)

// IsIPAllowed denies blocked IPs, then requires membership when an allow list exists.
// Entries are single addresses or CIDR ranges.
func IsIPAllowed(ip string, p *SessionPolicy) bool {
	for _, entry := range p.BlockedIPs {
		if ipMatches(ip, entry) {
			return false
		}
	}
	if len(p.AllowedIPs) == 0 {
		return true
	}
	for _, entry := range p.AllowedIPs {
		if ipMatches(ip, entry) {
			return true
		}
	}
	return false
}

func ipMatches(ip, entry string) bool {
	ip = strings.TrimSpace(ip)
	entry = strings.TrimSpace(entry)
	if ip == entry {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return false
		}
		return prefix.Contains(addr)
	}
	other, err := netip.ParseAddr(entry)
	if err != nil {
		return false
	}
	return other.Unmap() == addr
}

// IsCountryAllowed applies block then allow lists. Unknown and local countries are always allowed.
func IsCountryAllowed(country *string, p *SessionPolicy) bool {
	c := strings.TrimSpace(strValue(country))
	if c == "" || c == localCountry {
		return true
	}
	for _, blocked := range p.BlockedCountries {
		if strings.EqualFold(blocked, c) {
			return false
		}
	}
	if len(p.AllowedCountries) == 0 {
		return true
	}
	for _, allowed := range p.AllowedCountries {
		if strings.EqualFold(allowed, c) {
			return true
		}
	}
	return false
}

// IsTimeAllowed checks the weekday and HH:MM window in the policy's timezone. A window of
// 00:00-23:59 always passes and a window whose end is before its start wraps past midnight.
func IsTimeAllowed(p *SessionPolicy, now time.Time) (bool, error) {
	loc := time.UTC
	if p.Timezone != "" {
		l, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return false, invalidInput("timezone", "unknown timezone %q", p.Timezone)
		}
		loc = l
	}
	local := now.In(loc)

	if len(p.AllowedDays) > 0 {
		allowed := false
		for _, d := range p.AllowedDays {
			if time.Weekday(d) == local.Weekday() {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}

	start, err := parseClock(p.TimeWindowStart, 0)
	if err != nil {
		return false, invalidInput("time_window_start", "%v", err)
	}
	end, err := parseClock(p.TimeWindowEnd, 23*60+59)
	if err != nil {
		return false, invalidInput("time_window_end", "%v", err)
	}
	if start == 0 && end == 23*60+59 {
		return true, nil
	}

	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute <= end, nil
	}
	return minute >= start || minute <= end, nil
}

// parseClock parses HH:MM into minutes since midnight
func parseClock(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsDeviceTypeAllowed applies block then allow lists
func IsDeviceTypeAllowed(t DeviceType, p *SessionPolicy) bool {
	for _, blocked := range p.BlockedDeviceTypes {
		if blocked == t {
			return false
		}
	}
	if len(p.AllowedDeviceTypes) == 0 {
		return true
	}
	for _, allowed := range p.AllowedDeviceTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// PolicyAttempt describes a session attempt or request to validate against a policy
type PolicyAttempt struct {
	IP              string     `json:"ip"`
	Country         *string    `json:"country"`
	DeviceType      DeviceType `json:"device_type"`
	Time            time.Time  `json:"time"`
	SensitiveAction bool       `json:"sensitive_action"`
	NewDevice       bool       `json:"new_device"`
	NewLocation     bool       `json:"new_location"`
	IPChanged       bool       `json:"ip_changed"`
	LocationChanged bool       `json:"location_changed"`
}

// PolicyDecision is the result of validating an attempt against a policy
type PolicyDecision struct {
	Allowed            bool     `json:"allowed"`
	Reasons            []string `json:"reasons"`
	RequiresStepUp     bool     `json:"requires_step_up"`
	ShouldLogout       bool     `json:"should_logout"`
	ShouldNotify       bool     `json:"should_notify"`
	NotificationReason string   `json:"notification_reason,omitempty"`
}

// ValidateSessionPolicy runs every predicate and collects all violated reasons.
// It fails only when the policy itself is malformed.
func ValidateSessionPolicy(p *SessionPolicy, a PolicyAttempt) (*PolicyDecision, error) {
	d := &PolicyDecision{Reasons: []string{}}

	if !IsIPAllowed(a.IP, p) {
		d.Reasons = append(d.Reasons, ReasonIPNotAllowed)
	}
	if !IsCountryAllowed(a.Country, p) {
		d.Reasons = append(d.Reasons, ReasonCountryNotAllowed)
	}
	timeOK, err := IsTimeAllowed(p, a.Time)
	if err != nil {
		return nil, err
	}
	if !timeOK {
		d.Reasons = append(d.Reasons, ReasonTimeNotAllowed)
	}
	if !IsDeviceTypeAllowed(a.DeviceType, p) {
		d.Reasons = append(d.Reasons, ReasonDeviceTypeNotAllowed)
	}
	d.Allowed = len(d.Reasons) == 0

	d.RequiresStepUp = a.SensitiveAction && p.StepUpOnSensitiveAction
	d.ShouldLogout = (p.AutoLogoutOnIPChange && a.IPChanged) ||
		(p.AutoLogoutOnLocationChange && a.LocationChanged)

	switch {
	case a.NewDevice && p.NotifyOnNewDevice:
		d.ShouldNotify = true
		d.NotificationReason = NotifyReasonNewDevice
	case a.NewLocation && p.NotifyOnNewLocation:
		d.ShouldNotify = true
		d.NotificationReason = NotifyReasonNewLocation
	}
	return d, nil
}

// NewValidator returns the validator used for policies and requests
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validateStruct runs struct validation and converts failures to an InputError
func validateStruct(v *validator.Validate, s any) error {
	if err := v.Struct(s); err != nil {
		return &InputError{Message: formatValidationErrors(err)}
	}
	return nil
}
