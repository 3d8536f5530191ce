package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wispberry-tech/wispy-trust/core"
	"github.com/wispberry-tech/wispy-trust/core/storage"
)

const (
	macChrome  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	seattleIP  = "198.51.100.1"
	portlandIP = "198.51.100.77"
	tokyoIP    = "203.0.113.9"
	berlinIP   = "192.0.2.4"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []core.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n core.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) ofType(t core.NotificationType) []core.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Notification
	for _, n := range r.notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type staticGeolocator map[string]core.LocationInfo

func (g staticGeolocator) Lookup(_ context.Context, ip string) (*core.LocationInfo, error) {
	loc, ok := g[ip]
	if !ok {
		return nil, errors.New("unknown address")
	}
	return &loc, nil
}

func place(country, city string) core.LocationInfo {
	return core.LocationInfo{Country: &country, City: &city}
}

var testGeo = staticGeolocator{
	seattleIP:  place("US", "Seattle"),
	portlandIP: place("US", "Portland"),
	tokyoIP:    place("JP", "Tokyo"),
	berlinIP:   place("DE", "Berlin"),
}

type harness struct {
	service  *core.SessionService
	store    *storage.MemoryStorage
	clock    *testClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, mutate ...func(*core.SessionConfig)) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, mutate...)
}

// newHarnessWithStore builds a harness whose service talks to wrap(store) instead of
// the memory store directly
func newHarnessWithStore(t *testing.T, wrap func(*storage.MemoryStorage) core.Storage, mutate ...func(*core.SessionConfig)) *harness {
	t.Helper()
	cfg := core.DefaultSessionConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		store:    storage.NewMemoryStorage(),
		clock:    &testClock{now: time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	var store core.Storage = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	service, err := core.NewSessionService(core.Config{
		Storage:       store,
		Geolocator:    testGeo,
		Notifier:      h.notifier,
		SessionConfig: cfg,
		Clock:         h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	h.service = service
	return h
}

// notified returns the notifications of type delivered so far
func (h *harness) notified(t *testing.T, typ core.NotificationType) []core.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.service.FlushNotifications(ctx))
	return h.notifier.ofType(typ)
}

func (h *harness) create(t *testing.T, userID, ip string) *core.CreateSessionResult {
	t.Helper()
	result, err := h.service.Create(context.Background(), core.CreateSessionRequest{
		UserID:      userID,
		RequestMeta: core.RequestMeta{IPAddress: ip, UserAgent: macChrome},
	})
	require.NoError(t, err)
	return result
}

// seedHistory records count successful logins from the Seattle laptop, one every
// four days up to yesterday, all at the current hour
func (h *harness) seedHistory(t *testing.T, userID string, count int) {
	t.Helper()
	device := core.ParseUserAgent(macChrome)
	loc := testGeo[seattleIP]
	now := h.clock.Now()
	for i := 0; i < count; i++ {
		require.NoError(t, h.store.RecordLogin(context.Background(), &core.LoginRecord{
			ID:         "seed-" + string(rune('a'+i)),
			UserID:     userID,
			Success:    true,
			DeviceName: device.Name,
			DeviceType: device.Type,
			Browser:    device.Browser,
			OS:         device.OS,
			IPAddress:  seattleIP,
			Country:    loc.Country,
			City:       loc.City,
			CreatedAt:  now.AddDate(0, 0, -45+i*4),
		}))
	}
}

func TestNewSessionServiceRequiresStorage(t *testing.T) {
	_, err := core.NewSessionService(core.Config{})
	assert.Error(t, err)
}

func TestNewSessionServiceRejectsNonPositiveDurations(t *testing.T) {
	tests := map[string]func(*core.SessionConfig){
		"session_lifetime":     func(c *core.SessionConfig) { c.SessionLifetime = -time.Minute },
		"remember_me_lifetime": func(c *core.SessionConfig) { c.RememberMeLifetime = -time.Hour },
		"idle_timeout":         func(c *core.SessionConfig) { c.IdleTimeout = 0 },
		"step_up_window":       func(c *core.SessionConfig) { c.StepUpWindow = -time.Second },
	}
	for field, mutate := range tests {
		t.Run(field, func(t *testing.T) {
			cfg := core.DefaultSessionConfig()
			mutate(&cfg)
			_, err := core.NewSessionService(core.Config{
				Storage:       storage.NewMemoryStorage(),
				SessionConfig: cfg,
			})
			require.ErrorIs(t, err, core.ErrInvalidInput)
			var inputErr *core.InputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, field, inputErr.Field)
		})
	}
}

func TestCreateFirstSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := h.create(t, "alice", seattleIP)

	assert.NotEmpty(t, result.Token)
	assert.Equal(t, result.Token, result.Session.Token)
	assert.Equal(t, core.TrustUntrusted, result.Session.TrustLevel)
	assert.Equal(t, "US", *result.Session.Country)
	assert.Equal(t, "Seattle", *result.Session.City)
	assert.Equal(t, core.LoginMethodPassword, result.Session.LoginMethod)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), result.Session.ExpiresAt)
	assert.InDelta(t, 3.0, result.Risk.Score, 0.001)
	assert.Equal(t, core.RiskLow, result.Risk.Level)
	assert.False(t, result.Session.RequiredStepUp)
	assert.Empty(t, result.Evicted)

	history, err := h.store.GetLoginHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, result.Session.ID, history[0].SessionID)

	activities, err := h.service.GetSessionActivities(ctx, result.Session.ID, 0)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, core.ActivityLogin, activities[0].Action)

	notes := h.notified(t, core.NotificationNewDevice)
	require.Len(t, notes, 1)
	assert.Equal(t, "alice", notes[0].UserID)
	assert.Equal(t, result.Session.ID, notes[0].SessionID)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, core.CreateSessionRequest{
		UserID:      "alice",
		RequestMeta: core.RequestMeta{IPAddress: "not-an-ip"},
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = h.service.Create(ctx, core.CreateSessionRequest{
		RequestMeta: core.RequestMeta{IPAddress: seattleIP},
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = h.service.Create(ctx, core.CreateSessionRequest{
		UserID:      "alice",
		LoginMethod: "carrier_pigeon",
		RequestMeta: core.RequestMeta{IPAddress: seattleIP},
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestCreateDeniedByPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	policy := core.DefaultSessionPolicy("alice")
	policy.BlockedCountries = []string{"JP"}
	policy.BlockedIPs = []string{"203.0.113.0/24"}
	require.NoError(t, h.service.SetPolicy(ctx, policy))

	_, err := h.service.Create(ctx, core.CreateSessionRequest{
		UserID:      "alice",
		RequestMeta: core.RequestMeta{IPAddress: tokyoIP, UserAgent: macChrome},
	})
	require.ErrorIs(t, err, core.ErrPolicyViolation)
	var violation *core.PolicyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []string{core.ReasonIPNotAllowed, core.ReasonCountryNotAllowed}, violation.Reasons)

	sessions, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSetPolicyRejectsInvalidPolicy(t *testing.T) {
	h := newHarness(t)

	policy := core.DefaultSessionPolicy("alice")
	policy.MaxConcurrentSessions = 0
	assert.ErrorIs(t, h.service.SetPolicy(context.Background(), policy), core.ErrInvalidInput)
	assert.ErrorIs(t, h.service.SetPolicy(context.Background(), nil), core.ErrInvalidInput)
}

func TestGetPolicyDefaultsToConfiguredCap(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) { c.DefaultMaxSessions = 3 })

	policy, err := h.service.GetPolicy(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 3, policy.MaxConcurrentSessions)
	assert.True(t, policy.NotifyOnNewDevice)
}

func TestCreateEvictsLeastRecentlyActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	policy := core.DefaultSessionPolicy("alice")
	policy.MaxConcurrentSessions = 2
	require.NoError(t, h.service.SetPolicy(ctx, policy))

	first := h.create(t, "alice", seattleIP)
	h.clock.Advance(5 * time.Minute)
	second := h.create(t, "alice", seattleIP)
	h.clock.Advance(5 * time.Minute)

	// Touch the first session so the second becomes least recently active
	_, err := h.service.Validate(ctx, core.ValidateRequest{Token: first.Token, IPAddress: seattleIP})
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)

	third := h.create(t, "alice", seattleIP)
	assert.Equal(t, []string{second.Session.ID}, third.Evicted)

	sessions, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, third.Session.ID, sessions[0].ID)
	assert.Equal(t, first.Session.ID, sessions[1].ID)
}

func TestTrustGrowsOneLevelPerLogin(t *testing.T) {
	h := newHarness(t)
	h.seedHistory(t, "alice", 12)

	first := h.create(t, "alice", seattleIP)
	assert.Equal(t, core.TrustRecognized, first.Session.TrustLevel)
	assert.InDelta(t, 0.0, first.Risk.Score, 0.001)
	assert.Empty(t, h.notified(t, core.NotificationNewDevice))

	h.clock.Advance(time.Hour)
	second := h.create(t, "alice", seattleIP)
	assert.Equal(t, core.TrustHigh, second.Session.TrustLevel)
}

func TestCreateFlagsImpossibleTravel(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) { c.AutoResolveOnCreate = false })

	h.create(t, "alice", seattleIP)
	h.clock.Advance(30 * time.Minute)
	result := h.create(t, "alice", tokyoIP)

	assert.True(t, result.Risk.HasFactor(core.FactorImpossibleTravel))
	assert.True(t, result.Risk.HasFactor(core.FactorNewCountry))
	assert.Equal(t, core.RiskMedium, result.Risk.Level)
	assert.Equal(t, core.TrustUntrusted, result.Session.TrustLevel)
	assert.NotEmpty(t, h.notified(t, core.NotificationNewLocation))
}

func TestRecordLoginFailureFeedsRisk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	meta := core.RequestMeta{IPAddress: seattleIP, UserAgent: macChrome}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.service.RecordLoginFailure(ctx, "alice", meta))
	}
	assert.ErrorIs(t, h.service.RecordLoginFailure(ctx, "", meta), core.ErrInvalidInput)

	assessment, err := h.service.CalculateSessionRisk(ctx, core.RiskRequest{UserID: "alice", RequestMeta: meta})
	require.NoError(t, err)
	assert.True(t, assessment.HasFactor(core.FactorFailedAttempts))

	// Failures never count as history
	history, err := h.store.GetLoginHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestValidateRefreshesActivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "alice", seattleIP)

	h.clock.Advance(20 * time.Minute)
	result, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP})
	require.NoError(t, err)
	assert.Equal(t, created.Session.ID, result.Session.ID)
	assert.False(t, result.IsFrozen)
	assert.Equal(t, h.clock.Now(), result.Session.LastActivityAt)

	// Idle timer restarted at the validation above
	h.clock.Advance(20 * time.Minute)
	_, err = h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP})
	assert.NoError(t, err)
}

func TestValidateUnknownToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Validate(context.Background(), core.ValidateRequest{Token: "nope"})
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = h.service.Validate(context.Background(), core.ValidateRequest{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestValidateIdleExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "alice", seattleIP)

	h.clock.Advance(31 * time.Minute)
	_, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP})
	require.ErrorIs(t, err, core.ErrSessionExpired)
	var expired *core.ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, core.ExpiryIdle, expired.Reason)

	_, err = h.service.GetSession(ctx, created.Session.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestValidateAbsoluteExpiry(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) {
		c.SessionLifetime = time.Hour
		c.IdleTimeout = 2 * time.Hour
	})
	ctx := context.Background()
	created := h.create(t, "alice", seattleIP)

	h.clock.Advance(time.Hour + time.Second)
	_, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP})
	var expired *core.ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, core.ExpiryAbsolute, expired.Reason)
	assert.Equal(t, created.Session.ID, expired.SessionID)
}

func TestRememberMeUsesLongerTimeouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.service.Create(ctx, core.CreateSessionRequest{
		UserID:      "alice",
		RememberMe:  true,
		RequestMeta: core.RequestMeta{IPAddress: seattleIP, UserAgent: macChrome},
	})
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(30*24*time.Hour), created.Session.ExpiresAt)

	h.clock.Advance(6 * 24 * time.Hour)
	_, err = h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP})
	assert.NoError(t, err)
}

func TestValidateNewLocationResetsTrust(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedHistory(t, "alice", 12)
	created := h.create(t, "alice", seattleIP)
	require.Equal(t, core.TrustRecognized, created.Session.TrustLevel)

	result, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: tokyoIP})
	require.NoError(t, err)
	assert.Equal(t, core.TrustUntrusted, result.TrustLevel)
	assert.Equal(t, "JP", *result.Session.Country)
	assert.Equal(t, tokyoIP, result.Session.IPAddress)
	assert.Len(t, h.notified(t, core.NotificationNewLocation), 1)

	stored, err := h.service.GetSession(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TrustUntrusted, stored.TrustLevel)
}

func TestValidateNewIPSameCityKeepsTrust(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedHistory(t, "alice", 12)
	created := h.create(t, "alice", seattleIP)

	testGeo["198.51.100.2"] = place("US", "Seattle")
	t.Cleanup(func() { delete(testGeo, "198.51.100.2") })

	result, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: "198.51.100.2"})
	require.NoError(t, err)
	assert.Equal(t, core.TrustRecognized, result.TrustLevel)
	assert.Equal(t, "198.51.100.2", result.Session.IPAddress)
}

func TestValidateAutoLogoutOnIPChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	policy := core.DefaultSessionPolicy("alice")
	policy.AutoLogoutOnIPChange = true
	require.NoError(t, h.service.SetPolicy(ctx, policy))
	created := h.create(t, "alice", seattleIP)

	_, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: portlandIP})
	assert.ErrorIs(t, err, core.ErrSessionRevoked)

	_, err = h.service.GetSession(ctx, created.Session.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.NotEmpty(t, h.notified(t, core.NotificationSecurityAlert))
}

func TestLockedSessionRejectsOtherClients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "alice", seattleIP)

	_, err := h.service.Lock(ctx, created.Session.ID, core.LockRequest{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	locked, err := h.service.Lock(ctx, created.Session.ID, core.LockRequest{IPAddress: seattleIP, Fingerprint: "fp-1"})
	require.NoError(t, err)
	assert.True(t, locked.IsLocked())

	_, err = h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: tokyoIP, Fingerprint: "fp-1"})
	assert.ErrorIs(t, err, core.ErrSessionLocked)
	_, err = h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP, Fingerprint: "fp-2"})
	assert.ErrorIs(t, err, core.ErrSessionLocked)
	_, err = h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP, Fingerprint: "fp-1"})
	assert.NoError(t, err)
}

func TestStepUpChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "alice", seattleIP)

	challenge, err := h.service.RequireStepUp(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), challenge.ExpiresAt)

	_, err = h.service.CompleteStepUp(ctx, created.Session.ID, "wrong")
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	h.clock.Advance(6 * time.Minute)
	_, err = h.service.CompleteStepUp(ctx, created.Session.ID, challenge.ID)
	assert.ErrorIs(t, err, core.ErrChallengeExpired)

	// The expired challenge is consumed
	_, err = h.service.CompleteStepUp(ctx, created.Session.ID, challenge.ID)
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	challenge, err = h.service.RequireStepUp(ctx, created.Session.ID)
	require.NoError(t, err)
	session, err := h.service.CompleteStepUp(ctx, created.Session.ID, challenge.ID)
	require.NoError(t, err)
	assert.False(t, session.RequiredStepUp)
	require.NotNil(t, session.StepUpVerifiedAt)
	assert.Equal(t, h.clock.Now(), *session.StepUpVerifiedAt)
}

func TestFreezeAndUnfreeze(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "alice", seattleIP)
	id := created.Session.ID

	frozen, err := h.service.Freeze(ctx, id, "reported by user")
	require.NoError(t, err)
	assert.True(t, frozen.IsFrozen())
	assert.True(t, frozen.IsSuspicious)
	assert.True(t, frozen.RequiredStepUp)
	assert.NotEmpty(t, h.notified(t, core.NotificationSecurityAlert))

	// Frozen sessions still validate and report their flags
	result, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: seattleIP})
	require.NoError(t, err)
	assert.True(t, result.IsFrozen)
	assert.True(t, result.RequiredStepUp)

	_, err = h.service.Lock(ctx, id, core.LockRequest{IPAddress: seattleIP})
	assert.ErrorIs(t, err, core.ErrSessionFrozen)
	_, err = h.service.RevokeOthers(ctx, "alice", id)
	assert.ErrorIs(t, err, core.ErrSessionFrozen)

	_, err = h.service.Unfreeze(ctx, id)
	assert.ErrorIs(t, err, core.ErrReverificationRequired)

	h.clock.Advance(time.Minute)
	challenge, err := h.service.RequireStepUp(ctx, id)
	require.NoError(t, err)
	session, err := h.service.CompleteStepUp(ctx, id, challenge.ID)
	require.NoError(t, err)
	assert.True(t, session.RequiredStepUp, "step-up stays pending until unfreeze")

	session, err = h.service.Unfreeze(ctx, id)
	require.NoError(t, err)
	assert.False(t, session.IsFrozen())
	assert.False(t, session.IsSuspicious)
	assert.False(t, session.RequiredStepUp)
}

func TestRevokeAndRevokeOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	keep := h.create(t, "alice", seattleIP)
	h.clock.Advance(time.Minute)
	h.create(t, "alice", seattleIP)
	h.clock.Advance(time.Minute)
	h.create(t, "alice", seattleIP)
	other := h.create(t, "bob", seattleIP)

	revoked, err := h.service.RevokeOthers(ctx, "alice", keep.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	sessions, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, keep.Session.ID, sessions[0].ID)

	_, err = h.service.RevokeOthers(ctx, "alice", other.Session.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	require.NoError(t, h.service.Revoke(ctx, keep.Session.ID, "logout"))
	assert.ErrorIs(t, h.service.Revoke(ctx, keep.Session.ID, "logout"), core.ErrSessionNotFound)

	activities, err := h.service.GetSessionActivities(ctx, keep.Session.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, activities)
}

// createSpread opens one session per address a minute apart without auto-resolution
func createSpread(t *testing.T, h *harness, ips ...string) []*core.CreateSessionResult {
	t.Helper()
	var results []*core.CreateSessionResult
	for i, ip := range ips {
		if i > 0 {
			h.clock.Advance(time.Minute)
		}
		results = append(results, h.create(t, "alice", ip))
	}
	return results
}

func TestAutoResolveKeepNewest(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) { c.AutoResolveOnCreate = false })
	ctx := context.Background()
	created := createSpread(t, h, seattleIP, tokyoIP, berlinIP)

	resolution, err := h.service.AutoResolveConflicts(ctx, "alice", core.StrategyKeepNewest)
	require.NoError(t, err)
	require.Len(t, resolution.Groups, 1)
	assert.Len(t, resolution.Groups[0], 3)
	assert.ElementsMatch(t, []string{created[0].Session.ID, created[1].Session.ID}, resolution.Deleted)
	for _, c := range resolution.Conflicts {
		assert.Equal(t, core.ConflictLocationMismatch, c.Type)
		assert.Equal(t, core.RiskHigh, c.Severity)
	}

	sessions, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, created[2].Session.ID, sessions[0].ID)
}

func TestAutoResolveRequireManualOnlyNotifies(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) { c.AutoResolveOnCreate = false })
	ctx := context.Background()
	createSpread(t, h, seattleIP, tokyoIP)
	before := len(h.notified(t, core.NotificationSecurityAlert))

	resolution, err := h.service.AutoResolveConflicts(ctx, "alice", core.StrategyRequireManual)
	require.NoError(t, err)
	assert.True(t, resolution.Notified)
	assert.Empty(t, resolution.Deleted)
	assert.Len(t, h.notified(t, core.NotificationSecurityAlert), before+1)

	sessions, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestAutoResolveRejectsUnknownStrategy(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.AutoResolveConflicts(context.Background(), "alice", core.ResolutionStrategy("coin_flip"))
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestCreateAutoResolvesConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "alice", seattleIP)
	h.clock.Advance(time.Minute)
	second := h.create(t, "alice", tokyoIP)

	require.NotNil(t, second.Resolution)
	assert.Len(t, second.Resolution.Deleted, 1)

	sessions, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.Session.ID, sessions[0].ID)
}

func TestScanUserReportsAnomalies(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) {
		c.AutoResolveOnCreate = false
		c.ConflictStrategy = core.StrategyRequireManual
	})
	createSpread(t, h, seattleIP, tokyoIP, berlinIP)

	report, err := h.service.ScanUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sessions)

	var types []string
	for _, a := range report.Anomalies {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, core.AnomalyMultipleCountries)
	assert.Contains(t, types, core.AnomalyRapidLogin)
	require.NotNil(t, report.Resolution)
	assert.True(t, report.Resolution.Notified)
}

func TestSweeperRemovesStaleSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "alice", seattleIP)
	_, err := h.service.Create(ctx, core.CreateSessionRequest{
		UserID:      "bob",
		RememberMe:  true,
		RequestMeta: core.RequestMeta{IPAddress: seattleIP, UserAgent: macChrome},
	})
	require.NoError(t, err)

	h.clock.Advance(31 * time.Minute)
	result, err := core.NewSweeper(h.service).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Sessions)

	alice, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, alice)
	bob, err := h.service.ListSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bob, 1)
}

func TestSweeperPrunesOldActivities(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) { c.ActivityRetention = time.Hour })
	ctx := context.Background()
	created, err := h.service.Create(ctx, core.CreateSessionRequest{
		UserID:      "alice",
		RememberMe:  true,
		RequestMeta: core.RequestMeta{IPAddress: seattleIP, UserAgent: macChrome},
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	h.service.LogActivity(ctx, created.Session, core.ActivityInput{Action: "view_profile"})

	result, err := core.NewSweeper(h.service).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Sessions)
	assert.Equal(t, int64(1), result.Activities)

	activities, err := h.service.GetSessionActivities(ctx, created.Session.ID, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "view_profile", activities[0].Action)
}

func TestSweeperRunStops(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) { c.SweepInterval = 10 * time.Millisecond })
	sweeper := core.NewSweeper(h.service)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	assert.Eventually(t, sweeper.Running, time.Second, 5*time.Millisecond)
	sweeper.Stop()
	assert.Eventually(t, func() bool { return !sweeper.Running() }, time.Second, 5*time.Millisecond)
}

// hookedStore runs afterGetByToken once, right after the first token lookup
type hookedStore struct {
	*storage.MemoryStorage
	once            sync.Once
	afterGetByToken func()
}

func (s *hookedStore) GetSessionByToken(ctx context.Context, token string) (*core.Session, error) {
	session, err := s.MemoryStorage.GetSessionByToken(ctx, token)
	if s.afterGetByToken != nil {
		s.once.Do(s.afterGetByToken)
	}
	return session, err
}

func TestFreezeDuringValidateIsKept(t *testing.T) {
	var hooked *hookedStore
	h := newHarnessWithStore(t, func(m *storage.MemoryStorage) core.Storage {
		hooked = &hookedStore{MemoryStorage: m}
		return hooked
	})
	ctx := context.Background()
	created := h.create(t, "alice", seattleIP)

	hooked.afterGetByToken = func() {
		_, err := h.service.Freeze(ctx, created.Session.ID, "reported by user")
		require.NoError(t, err)
	}
	h.clock.Advance(time.Minute)
	_, err := h.service.Validate(ctx, core.ValidateRequest{Token: created.Token, IPAddress: portlandIP})
	require.NoError(t, err)

	session, err := h.service.GetSession(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.True(t, session.IsFrozen())
	assert.True(t, session.IsSuspicious)
	assert.True(t, session.RequiredStepUp)
	assert.Equal(t, portlandIP, session.IPAddress)
	assert.Equal(t, "Portland", *session.City)
}

func TestRapidLoginsCountEvictedSessions(t *testing.T) {
	h := newHarness(t, func(c *core.SessionConfig) { c.DefaultMaxSessions = 2 })
	ctx := context.Background()

	var last *core.CreateSessionResult
	for i := 0; i < 6; i++ {
		last = h.create(t, "alice", seattleIP)
		h.clock.Advance(time.Minute)
	}
	assert.True(t, last.Risk.HasFactor(core.FactorRapidLogins))

	sessions, err := h.service.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	assessment, err := h.service.CalculateSessionRisk(ctx, core.RiskRequest{
		UserID:      "alice",
		RequestMeta: core.RequestMeta{IPAddress: seattleIP, UserAgent: macChrome},
	})
	require.NoError(t, err)
	assert.True(t, assessment.HasFactor(core.FactorRapidLogins))
}

type slowNotifier struct {
	delay     time.Duration
	delivered atomic.Int32
}

func (n *slowNotifier) Notify(ctx context.Context, _ core.Notification) error {
	select {
	case <-time.After(n.delay):
		n.delivered.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowNotifierDoesNotDelayCreate(t *testing.T) {
	sink := &slowNotifier{delay: time.Second}
	service, err := core.NewSessionService(core.Config{
		Storage:       storage.NewMemoryStorage(),
		Geolocator:    testGeo,
		Notifier:      sink,
		SessionConfig: core.DefaultSessionConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	ctx := context.Background()

	started := time.Now()
	_, err = service.Create(ctx, core.CreateSessionRequest{
		UserID:      "alice",
		RequestMeta: core.RequestMeta{IPAddress: seattleIP, UserAgent: macChrome},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Zero(t, sink.delivered.Load())

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, service.FlushNotifications(flushCtx))
	assert.Positive(t, sink.delivered.Load())
}

func TestNotificationsDroppedWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	sink := notifierFunc(func(ctx context.Context, _ core.Notification) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := core.DefaultSessionConfig()
	cfg.NotificationQueueSize = 1
	service, err := core.NewSessionService(core.Config{
		Storage:       storage.NewMemoryStorage(),
		Geolocator:    testGeo,
		Notifier:      sink,
		SessionConfig: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	defer close(release)

	started := time.Now()
	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		_, err := service.Create(context.Background(), core.CreateSessionRequest{
			UserID:      user,
			RequestMeta: core.RequestMeta{IPAddress: seattleIP, UserAgent: macChrome},
		})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(started), time.Second)
}

type notifierFunc func(ctx context.Context, n core.Notification) error

func (f notifierFunc) Notify(ctx context.Context, n core.Notification) error { return f(ctx, n) }
