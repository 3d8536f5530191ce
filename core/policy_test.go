package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wednesdayAt(hour, minute int) time.Time {
	// 2026-03-04 is a Wednesday
	return time.Date(2026, 3, 4, hour, minute, 0, 0, time.UTC)
}

func TestIsTimeAllowedOvernightWindow(t *testing.T) {
	p := DefaultSessionPolicy("u1")
	p.TimeWindowStart = "22:00"
	p.TimeWindowEnd = "06:00"

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"late evening", wednesdayAt(23, 30), true},
		{"midday", wednesdayAt(12, 0), false},
		{"just before end", wednesdayAt(5, 59), true},
		{"just after end", wednesdayAt(6, 1), false},
		{"at start", wednesdayAt(22, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := IsTimeAllowed(p, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestIsTimeAllowedTimezoneAndDays(t *testing.T) {
	p := DefaultSessionPolicy("u1")
	p.Timezone = "Asia/Tokyo"
	p.TimeWindowStart = "09:00"
	p.TimeWindowEnd = "17:00"
	p.AllowedDays = []int{1, 2, 3, 4, 5}

	// 01:00 UTC Wednesday is 10:00 Wednesday in Tokyo
	ok, err := IsTimeAllowed(p, wednesdayAt(1, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	// 12:00 UTC Wednesday is 21:00 in Tokyo
	ok, err = IsTimeAllowed(p, wednesdayAt(12, 0))
	require.NoError(t, err)
	assert.False(t, ok)

	// Sunday in Tokyo
	ok, err = IsTimeAllowed(p, time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsTimeAllowedInvalidTimezone(t *testing.T) {
	p := DefaultSessionPolicy("u1")
	p.Timezone = "Mars/Olympus_Mons"

	_, err := IsTimeAllowed(p, wednesdayAt(12, 0))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestIsIPAllowed(t *testing.T) {
	t.Run("block list denies only listed addresses", func(t *testing.T) {
		p := DefaultSessionPolicy("u1")
		p.BlockedIPs = []string{"203.0.113.7"}

		assert.False(t, IsIPAllowed("203.0.113.7", p))
		assert.True(t, IsIPAllowed("203.0.113.8", p))
		assert.True(t, IsIPAllowed("198.51.100.1", p))
	})

	t.Run("allow list with CIDR", func(t *testing.T) {
		p := DefaultSessionPolicy("u1")
		p.AllowedIPs = []string{"10.0.0.0/8", "198.51.100.1"}

		assert.True(t, IsIPAllowed("10.20.30.40", p))
		assert.True(t, IsIPAllowed("198.51.100.1", p))
		assert.False(t, IsIPAllowed("198.51.100.2", p))
	})

	t.Run("block wins over allow", func(t *testing.T) {
		p := DefaultSessionPolicy("u1")
		p.AllowedIPs = []string{"10.0.0.0/8"}
		p.BlockedIPs = []string{"10.0.0.5"}

		assert.False(t, IsIPAllowed("10.0.0.5", p))
	})
}

func TestIsCountryAllowed(t *testing.T) {
	p := DefaultSessionPolicy("u1")
	p.AllowedCountries = []string{"US", "DE"}
	p.BlockedCountries = []string{"KP"}

	assert.True(t, IsCountryAllowed(strPtr("us"), p))
	assert.False(t, IsCountryAllowed(strPtr("FR"), p))
	assert.True(t, IsCountryAllowed(nil, p), "unresolved location is not restricted")
	assert.True(t, IsCountryAllowed(strPtr(localCountry), p))

	p.AllowedCountries = nil
	assert.False(t, IsCountryAllowed(strPtr("KP"), p))
	assert.True(t, IsCountryAllowed(strPtr("FR"), p))
}

func TestValidateSessionPolicyCollectsAllReasons(t *testing.T) {
	p := DefaultSessionPolicy("u1")
	p.BlockedIPs = []string{"203.0.113.7"}
	p.BlockedCountries = []string{"RU"}
	p.TimeWindowStart = "09:00"
	p.TimeWindowEnd = "17:00"
	p.AllowedDeviceTypes = []DeviceType{DeviceDesktop}

	d, err := ValidateSessionPolicy(p, PolicyAttempt{
		IP:         "203.0.113.7",
		Country:    strPtr("RU"),
		DeviceType: DeviceMobile,
		Time:       wednesdayAt(3, 0),
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{
		ReasonIPNotAllowed,
		ReasonCountryNotAllowed,
		ReasonTimeNotAllowed,
		ReasonDeviceTypeNotAllowed,
	}, d.Reasons)
}

func TestValidateSessionPolicyFlags(t *testing.T) {
	p := DefaultSessionPolicy("u1")
	p.AutoLogoutOnIPChange = true

	d, err := ValidateSessionPolicy(p, PolicyAttempt{
		IP:              "198.51.100.1",
		Time:            wednesdayAt(12, 0),
		SensitiveAction: true,
		NewDevice:       true,
		NewLocation:     true,
		IPChanged:       true,
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reasons)
	assert.True(t, d.RequiresStepUp)
	assert.True(t, d.ShouldLogout)
	assert.True(t, d.ShouldNotify)
	assert.Equal(t, NotifyReasonNewDevice, d.NotificationReason)
}

func TestSessionPolicyValidation(t *testing.T) {
	v := NewValidator()

	valid := DefaultSessionPolicy("u1")
	valid.AllowedIPs = []string{"10.0.0.0/8", "2001:db8::1"}
	valid.AllowedCountries = []string{"US"}
	require.NoError(t, validateStruct(v, valid))

	tests := []struct {
		name   string
		mutate func(p *SessionPolicy)
	}{
		{"bad ip", func(p *SessionPolicy) { p.BlockedIPs = []string{"not-an-ip"} }},
		{"bad country", func(p *SessionPolicy) { p.AllowedCountries = []string{"USA"} }},
		{"bad weekday", func(p *SessionPolicy) { p.AllowedDays = []int{7} }},
		{"bad clock", func(p *SessionPolicy) { p.TimeWindowStart = "25:00" }},
		{"bad timezone", func(p *SessionPolicy) { p.Timezone = "Nowhere/Land" }},
		{"bad device type", func(p *SessionPolicy) { p.AllowedDeviceTypes = []DeviceType{"watch"} }},
		{"zero session cap", func(p *SessionPolicy) { p.MaxConcurrentSessions = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultSessionPolicy("u1")
			tt.mutate(p)
			err := validateStruct(v, p)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
