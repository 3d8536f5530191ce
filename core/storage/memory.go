package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wispberry-tech/wispy-trust/core"
)

// MemoryStorage is an in-process Storage for tests and development. A single mutex
// makes every operation atomic, including capped session creation.
type MemoryStorage struct {
	mu         sync.Mutex
	sessions   map[string]*core.Session
	activities []*core.SessionActivity
	logins     []*core.LoginRecord
	policies   map[string]*core.SessionPolicy
	closed     bool
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*core.Session),
		policies: make(map[string]*core.SessionPolicy),
	}
}

func copySession(s *core.Session) *core.Session {
	cp := *s
	return &cp
}

// CreateSessionWithinLimit evicts the least recently active sessions over the cap, then inserts session
func (m *MemoryStorage) CreateSessionWithinLimit(_ context.Context, session *core.Session, maxActive int, now time.Time) ([]*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.userSessionsLocked(session.UserID, now)
	var evicted []*core.Session
	if maxActive > 0 {
		for len(active) >= maxActive {
			oldest := active[len(active)-1]
			active = active[:len(active)-1]
			m.deleteSessionLocked(oldest.ID)
			evicted = append(evicted, oldest)
		}
	}
	m.sessions[session.ID] = copySession(session)
	return evicted, nil
}

func (m *MemoryStorage) GetSession(_ context.Context, id string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return copySession(s), nil
	}
	return nil, nil
}

func (m *MemoryStorage) GetSessionByToken(_ context.Context, token string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Token == token {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) GetUserSessions(_ context.Context, userID string, now time.Time) ([]*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userSessionsLocked(userID, now), nil
}

// userSessionsLocked returns copies of the user's unexpired sessions, most recently active first
func (m *MemoryStorage) userSessionsLocked(userID string, now time.Time) []*core.Session {
	var sessions []*core.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.ExpiresAt.After(now) {
			sessions = append(sessions, copySession(s))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActivityAt.Equal(sessions[j].LastActivityAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions
}

func (m *MemoryStorage) UpdateSessionLocation(_ context.Context, id string, update core.LocationUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	s.IPAddress = update.IPAddress
	if update.LocationChanged {
		s.Country = update.Country
		s.City = update.City
		s.TrustLevel = core.TrustUntrusted
	}
	return true, nil
}

func (m *MemoryStorage) LockSession(_ context.Context, id, lockedIP, lockedFingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.FrozenAt != nil {
		return false, nil
	}
	if lockedIP != "" {
		s.LockedIP = lockedIP
	}
	if lockedFingerprint != "" {
		s.LockedFingerprint = lockedFingerprint
	}
	return true, nil
}

func (m *MemoryStorage) SetStepUpChallenge(_ context.Context, id, challengeID string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	s.RequiredStepUp = true
	s.StepUpChallengeID = challengeID
	s.StepUpExpiresAt = &expiresAt
	return true, nil
}

func (m *MemoryStorage) CompleteStepUpChallenge(_ context.Context, id, challengeID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || challengeID == "" || s.StepUpChallengeID != challengeID ||
		s.StepUpExpiresAt == nil || s.StepUpExpiresAt.Before(at) {
		return false, nil
	}
	s.StepUpChallengeID = ""
	s.StepUpExpiresAt = nil
	s.StepUpVerifiedAt = &at
	if s.FrozenAt == nil {
		s.RequiredStepUp = false
	}
	return true, nil
}

func (m *MemoryStorage) ClearStepUpChallenge(_ context.Context, id, challengeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.StepUpChallengeID == challengeID {
		s.StepUpChallengeID = ""
		s.StepUpExpiresAt = nil
	}
	return nil
}

func (m *MemoryStorage) FreezeSession(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.FrozenAt != nil {
		return false, nil
	}
	s.FrozenAt = &at
	s.IsSuspicious = true
	s.RequiredStepUp = true
	return true, nil
}

func (m *MemoryStorage) UnfreezeSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.FrozenAt == nil || s.StepUpVerifiedAt == nil || !s.StepUpVerifiedAt.After(*s.FrozenAt) {
		return false, nil
	}
	s.FrozenAt = nil
	s.IsSuspicious = false
	s.RequiredStepUp = false
	return true, nil
}

func (m *MemoryStorage) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

func (m *MemoryStorage) DeleteSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteSessionLocked(id), nil
}

// deleteSessionLocked removes a session and cascades to its activities
func (m *MemoryStorage) deleteSessionLocked(id string) bool {
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	kept := m.activities[:0]
	for _, a := range m.activities {
		if a.SessionID != id {
			kept = append(kept, a)
		}
	}
	m.activities = kept
	return true
}

func (m *MemoryStorage) DeleteStaleSessions(_ context.Context, cutoff core.StaleCutoff) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for id, s := range m.sessions {
		idleBefore := cutoff.IdleBefore
		if s.RememberMe {
			idleBefore = cutoff.RememberMeIdleBefore
		}
		if s.ExpiresAt.Before(cutoff.Now) || s.LastActivityAt.Before(idleBefore) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.deleteSessionLocked(id)
	}
	return int64(len(stale)), nil
}

func (m *MemoryStorage) CreateActivity(_ context.Context, activity *core.SessionActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[activity.SessionID]; !ok {
		return nil
	}
	cp := *activity
	m.activities = append(m.activities, &cp)
	return nil
}

func (m *MemoryStorage) GetSessionActivities(_ context.Context, sessionID string, limit int) ([]*core.SessionActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var activities []*core.SessionActivity
	for i := len(m.activities) - 1; i >= 0; i-- {
		if a := m.activities[i]; a.SessionID == sessionID {
			cp := *a
			activities = append(activities, &cp)
		}
	}
	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].CreatedAt.After(activities[j].CreatedAt)
	})
	if limit > 0 && len(activities) > limit {
		activities = activities[:limit]
	}
	return activities, nil
}

func (m *MemoryStorage) DeleteActivitiesBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.activities[:0]
	var deleted int64
	for _, a := range m.activities {
		if a.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	m.activities = kept
	return deleted, nil
}

func (m *MemoryStorage) RecordLogin(_ context.Context, record *core.LoginRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.logins = append(m.logins, &cp)
	return nil
}

func (m *MemoryStorage) GetLoginHistory(_ context.Context, userID string, limit int) ([]*core.LoginRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var history []*core.LoginRecord
	for _, r := range m.logins {
		if r.UserID == userID && r.Success {
			cp := *r
			history = append(history, &cp)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.After(history[j].CreatedAt)
	})
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (m *MemoryStorage) CountFailedLogins(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.logins {
		if r.UserID == userID && !r.Success && !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStorage) CountLoginsSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.logins {
		if r.UserID == userID && r.Success && !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStorage) GetSessionPolicy(_ context.Context, userID string) (*core.SessionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStorage) UpsertSessionPolicy(_ context.Context, policy *core.SessionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *policy
	m.policies[policy.UserID] = &cp
	return nil
}

func (m *MemoryStorage) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStorageClosed
	}
	return nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
