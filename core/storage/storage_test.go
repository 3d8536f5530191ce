package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wispberry-tech/wispy-trust/core"
)

var suiteNow = time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newTestSession(id, userID string, lastActive time.Time) *core.Session {
	return &core.Session{
		ID:             id,
		UserID:         userID,
		Token:          "token-" + id,
		CreatedAt:      lastActive,
		LastActivityAt: lastActive,
		ExpiresAt:      lastActive.Add(24 * time.Hour),
		DeviceName:     "Apple Macintosh",
		DeviceType:     core.DeviceDesktop,
		Browser:        "Chrome",
		BrowserVersion: "120.0.0.0",
		OS:             "macOS",
		OSVersion:      "10.15.7",
		IPAddress:      "198.51.100.1",
		Country:        ptr("US"),
		City:           ptr("Seattle"),
		LoginMethod:    core.LoginMethodPassword,
	}
}

// runStorageSuite exercises the behaviour every session store must share
func runStorageSuite(t *testing.T, newStore func(t *testing.T) core.Storage) {
	ctx := context.Background()

	t.Run("session_round_trip", func(t *testing.T) {
		store := newStore(t)
		s := newTestSession("s1", "alice", suiteNow)
		s.LockedFingerprint = "fp"
		s.StepUpExpiresAt = ptr(suiteNow.Add(5 * time.Minute))

		evicted, err := store.CreateSessionWithinLimit(ctx, s, 5, suiteNow)
		require.NoError(t, err)
		assert.Empty(t, evicted)

		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, "US", *got.Country)
		assert.Equal(t, core.DeviceDesktop, got.DeviceType)
		assert.Equal(t, "fp", got.LockedFingerprint)
		assert.True(t, suiteNow.Equal(got.CreatedAt))
		require.NotNil(t, got.StepUpExpiresAt)
		assert.True(t, suiteNow.Add(5*time.Minute).Equal(*got.StepUpExpiresAt))
		assert.Nil(t, got.FrozenAt)

		byToken, err := store.GetSessionByToken(ctx, "token-s1")
		require.NoError(t, err)
		require.NotNil(t, byToken)
		assert.Equal(t, "s1", byToken.ID)
	})

	t.Run("missing_rows_are_nil", func(t *testing.T) {
		store := newStore(t)
		got, err := store.GetSession(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)

		byToken, err := store.GetSessionByToken(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, byToken)

		policy, err := store.GetSessionPolicy(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, policy)

		deleted, err := store.DeleteSession(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("cap_evicts_least_recently_active", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 3; i++ {
			s := newTestSession(fmt.Sprintf("s%d", i), "alice", suiteNow.Add(time.Duration(i)*time.Minute))
			_, err := store.CreateSessionWithinLimit(ctx, s, 3, suiteNow)
			require.NoError(t, err)
		}
		// s0 becomes the most recently active
		require.NoError(t, store.TouchSession(ctx, "s0", suiteNow.Add(10*time.Minute)))

		evicted, err := store.CreateSessionWithinLimit(ctx, newTestSession("s3", "alice", suiteNow.Add(11*time.Minute)), 2, suiteNow)
		require.NoError(t, err)
		require.Len(t, evicted, 2)
		assert.Equal(t, "s1", evicted[0].ID)
		assert.Equal(t, "s2", evicted[1].ID)

		sessions, err := store.GetUserSessions(ctx, "alice", suiteNow)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "s3", sessions[0].ID)
		assert.Equal(t, "s0", sessions[1].ID)
	})

	t.Run("user_sessions_skip_expired", func(t *testing.T) {
		store := newStore(t)
		old := newTestSession("old", "alice", suiteNow.Add(-48*time.Hour))
		_, err := store.CreateSessionWithinLimit(ctx, old, 0, suiteNow.Add(-48*time.Hour))
		require.NoError(t, err)
		_, err = store.CreateSessionWithinLimit(ctx, newTestSession("new", "alice", suiteNow), 0, suiteNow)
		require.NoError(t, err)

		sessions, err := store.GetUserSessions(ctx, "alice", suiteNow)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "new", sessions[0].ID)
	})

	t.Run("concurrent_creates_respect_cap", func(t *testing.T) {
		store := newStore(t)
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s := newTestSession(fmt.Sprintf("c%02d", i), "alice", suiteNow.Add(time.Duration(i)*time.Second))
				_, err := store.CreateSessionWithinLimit(ctx, s, 3, suiteNow)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		sessions, err := store.GetUserSessions(ctx, "alice", suiteNow)
		require.NoError(t, err)
		assert.Len(t, sessions, 3)
	})

	t.Run("touch_never_rewinds_activity", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateSessionWithinLimit(ctx, newTestSession("s1", "alice", suiteNow), 5, suiteNow)
		require.NoError(t, err)

		require.NoError(t, store.TouchSession(ctx, "s1", suiteNow.Add(10*time.Minute)))
		require.NoError(t, store.TouchSession(ctx, "s1", suiteNow.Add(5*time.Minute)))

		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, suiteNow.Add(10*time.Minute).Equal(got.LastActivityAt))
	})

	t.Run("location_update_keeps_other_fields", func(t *testing.T) {
		store := newStore(t)
		s := newTestSession("s1", "alice", suiteNow)
		s.TrustLevel = core.TrustRecognized
		_, err := store.CreateSessionWithinLimit(ctx, s, 5, suiteNow)
		require.NoError(t, err)
		frozen, err := store.FreezeSession(ctx, "s1", suiteNow.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, frozen)
		require.NoError(t, store.TouchSession(ctx, "s1", suiteNow.Add(10*time.Minute)))

		ok, err := store.UpdateSessionLocation(ctx, "s1", core.LocationUpdate{IPAddress: "198.51.100.9"})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.9", got.IPAddress)
		assert.Equal(t, "Seattle", *got.City)
		assert.Equal(t, core.TrustRecognized, got.TrustLevel)
		assert.True(t, got.IsFrozen())
		assert.True(t, suiteNow.Add(10*time.Minute).Equal(got.LastActivityAt))

		ok, err = store.UpdateSessionLocation(ctx, "s1", core.LocationUpdate{
			IPAddress:       "203.0.113.9",
			LocationChanged: true,
			Country:         ptr("JP"),
			City:            ptr("Tokyo"),
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err = store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "JP", *got.Country)
		assert.Equal(t, "Tokyo", *got.City)
		assert.Equal(t, core.TrustUntrusted, got.TrustLevel)
		assert.True(t, got.IsFrozen())

		ok, err = store.UpdateSessionLocation(ctx, "nope", core.LocationUpdate{IPAddress: "203.0.113.9"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("lock_refused_when_frozen", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateSessionWithinLimit(ctx, newTestSession("s1", "alice", suiteNow), 5, suiteNow)
		require.NoError(t, err)

		ok, err := store.LockSession(ctx, "s1", "198.51.100.1", "")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.LockSession(ctx, "s1", "", "fp")
		require.NoError(t, err)
		require.True(t, ok)

		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.1", got.LockedIP)
		assert.Equal(t, "fp", got.LockedFingerprint)

		frozen, err := store.FreezeSession(ctx, "s1", suiteNow)
		require.NoError(t, err)
		require.True(t, frozen)
		again, err := store.FreezeSession(ctx, "s1", suiteNow.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, again)

		ok, err = store.LockSession(ctx, "s1", "203.0.113.9", "")
		require.NoError(t, err)
		assert.False(t, ok)
		got, err = store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.1", got.LockedIP)
		assert.True(t, suiteNow.Equal(*got.FrozenAt))
	})

	t.Run("step_up_and_unfreeze", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateSessionWithinLimit(ctx, newTestSession("s1", "alice", suiteNow), 5, suiteNow)
		require.NoError(t, err)
		frozen, err := store.FreezeSession(ctx, "s1", suiteNow)
		require.NoError(t, err)
		require.True(t, frozen)

		released, err := store.UnfreezeSession(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, released, "unfreeze needs a step-up after the freeze")

		expires := suiteNow.Add(5 * time.Minute)
		ok, err := store.SetStepUpChallenge(ctx, "s1", "ch1", expires)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.SetStepUpChallenge(ctx, "s1", "ch2", expires)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.CompleteStepUpChallenge(ctx, "s1", "ch1", suiteNow.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "replaced challenge")
		ok, err = store.CompleteStepUpChallenge(ctx, "s1", "ch2", suiteNow.Add(10*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "expired challenge")

		ok, err = store.CompleteStepUpChallenge(ctx, "s1", "ch2", suiteNow.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, got.RequiredStepUp, "frozen sessions keep step-up until released")
		assert.Empty(t, got.StepUpChallengeID)
		require.NotNil(t, got.StepUpVerifiedAt)

		ok, err = store.CompleteStepUpChallenge(ctx, "s1", "ch2", suiteNow.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "challenge already consumed")

		released, err = store.UnfreezeSession(ctx, "s1")
		require.NoError(t, err)
		require.True(t, released)
		got, err = store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, got.IsFrozen())
		assert.False(t, got.IsSuspicious)
		assert.False(t, got.RequiredStepUp)
	})

	t.Run("clear_step_up_matches_challenge", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateSessionWithinLimit(ctx, newTestSession("s1", "alice", suiteNow), 5, suiteNow)
		require.NoError(t, err)
		_, err = store.SetStepUpChallenge(ctx, "s1", "ch1", suiteNow.Add(time.Minute))
		require.NoError(t, err)

		require.NoError(t, store.ClearStepUpChallenge(ctx, "s1", "other"))
		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "ch1", got.StepUpChallengeID)

		require.NoError(t, store.ClearStepUpChallenge(ctx, "s1", "ch1"))
		got, err = store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, got.StepUpChallengeID)
		assert.Nil(t, got.StepUpExpiresAt)
	})

	t.Run("delete_cascades_to_activities", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateSessionWithinLimit(ctx, newTestSession("s1", "alice", suiteNow), 5, suiteNow)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, store.CreateActivity(ctx, &core.SessionActivity{
				ID:        fmt.Sprintf("a%d", i),
				SessionID: "s1",
				UserID:    "alice",
				Action:    "request",
				Endpoint:  "/settings",
				CreatedAt: suiteNow.Add(time.Duration(i) * time.Second),
			}))
		}

		activities, err := store.GetSessionActivities(ctx, "s1", 2)
		require.NoError(t, err)
		require.Len(t, activities, 2)
		assert.Equal(t, "a2", activities[0].ID)
		assert.Equal(t, "a1", activities[1].ID)

		deleted, err := store.DeleteSession(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, deleted)

		activities, err = store.GetSessionActivities(ctx, "s1", 10)
		require.NoError(t, err)
		assert.Empty(t, activities)
	})

	t.Run("stale_sweep", func(t *testing.T) {
		store := newStore(t)
		idle := newTestSession("idle", "alice", suiteNow.Add(-time.Hour))
		remembered := newTestSession("remembered", "alice", suiteNow.Add(-time.Hour))
		remembered.RememberMe = true
		remembered.ExpiresAt = suiteNow.Add(30 * 24 * time.Hour)
		fresh := newTestSession("fresh", "alice", suiteNow.Add(-time.Minute))
		expired := newTestSession("expired", "bob", suiteNow.Add(-25*time.Hour))
		for _, s := range []*core.Session{idle, remembered, fresh, expired} {
			_, err := store.CreateSessionWithinLimit(ctx, s, 0, s.CreatedAt)
			require.NoError(t, err)
		}

		n, err := store.DeleteStaleSessions(ctx, core.StaleCutoff{
			Now:                  suiteNow,
			IdleBefore:           suiteNow.Add(-30 * time.Minute),
			RememberMeIdleBefore: suiteNow.Add(-7 * 24 * time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		for id, want := range map[string]bool{"idle": false, "remembered": true, "fresh": true, "expired": false} {
			got, err := store.GetSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, got != nil, id)
		}
	})

	t.Run("activity_retention", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateSessionWithinLimit(ctx, newTestSession("s1", "alice", suiteNow), 5, suiteNow)
		require.NoError(t, err)
		require.NoError(t, store.CreateActivity(ctx, &core.SessionActivity{
			ID: "old", SessionID: "s1", UserID: "alice", Action: "login", CreatedAt: suiteNow.AddDate(0, 0, -100),
		}))
		require.NoError(t, store.CreateActivity(ctx, &core.SessionActivity{
			ID: "new", SessionID: "s1", UserID: "alice", Action: "request", CreatedAt: suiteNow,
		}))

		n, err := store.DeleteActivitiesBefore(ctx, suiteNow.AddDate(0, 0, -90))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		activities, err := store.GetSessionActivities(ctx, "s1", 10)
		require.NoError(t, err)
		require.Len(t, activities, 1)
		assert.Equal(t, "new", activities[0].ID)
	})

	t.Run("login_history", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, store.RecordLogin(ctx, &core.LoginRecord{
				ID:         fmt.Sprintf("ok%d", i),
				UserID:     "alice",
				Success:    true,
				DeviceName: "Apple Macintosh",
				DeviceType: core.DeviceDesktop,
				IPAddress:  "198.51.100.1",
				Country:    ptr("US"),
				TrustLevel: i % 2,
				CreatedAt:  suiteNow.Add(-time.Duration(i) * time.Hour),
			}))
		}
		require.NoError(t, store.RecordLogin(ctx, &core.LoginRecord{
			ID: "fail-recent", UserID: "alice", IPAddress: "203.0.113.9", CreatedAt: suiteNow.Add(-time.Hour),
		}))
		require.NoError(t, store.RecordLogin(ctx, &core.LoginRecord{
			ID: "fail-old", UserID: "alice", IPAddress: "203.0.113.9", CreatedAt: suiteNow.Add(-48 * time.Hour),
		}))

		history, err := store.GetLoginHistory(ctx, "alice", 3)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, "ok0", history[0].ID)
		assert.Equal(t, "ok2", history[2].ID)
		assert.Equal(t, 1, history[1].TrustLevel)
		assert.Nil(t, history[0].City)
		for _, r := range history {
			assert.True(t, r.Success)
		}

		failed, err := store.CountFailedLogins(ctx, "alice", suiteNow.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, failed)

		// ok0 and ok1; failures never count
		recent, err := store.CountLoginsSince(ctx, "alice", suiteNow.Add(-90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, recent)
	})

	t.Run("policy_upsert", func(t *testing.T) {
		store := newStore(t)
		policy := core.DefaultSessionPolicy("alice")
		policy.BlockedCountries = []string{"KP"}
		policy.AllowedIPs = []string{"10.0.0.0/8"}
		policy.UpdatedAt = suiteNow
		require.NoError(t, store.UpsertSessionPolicy(ctx, policy))

		policy.MaxConcurrentSessions = 2
		require.NoError(t, store.UpsertSessionPolicy(ctx, policy))

		got, err := store.GetSessionPolicy(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.MaxConcurrentSessions)
		assert.Equal(t, []string{"KP"}, got.BlockedCountries)
		assert.Equal(t, []string{"10.0.0.0/8"}, got.AllowedIPs)
		assert.Equal(t, "UTC", got.Timezone)
	})

	t.Run("ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(ctx))
	})
}
