package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/wispberry-tech/wispy-trust/core"
)

var errStorageClosed = errors.New("storage closed")

// SQLiteStorage is a SQLite session store. Timestamps are stored as unix milliseconds.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return NewSQLiteStorageFromDB(db)
}

// NewSQLiteStorageFromDB creates a new SQLite storage from an existing database connection
func NewSQLiteStorageFromDB(db *sql.DB) (*SQLiteStorage, error) {
	// One connection serializes writers and keeps in-memory databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Auto-create missing tables
	if err := NewSchemaManager(db, DialectSQLite).EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// NewInMemorySQLiteStorage creates a new in-memory SQLite storage instance for testing
func NewInMemorySQLiteStorage() (*SQLiteStorage, error) {
	return NewSQLiteStorage(":memory:")
}

// DB returns the underlying database handle
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

const sessionColumns = `id, user_id, token, created_at, last_activity_at, expires_at,
	device_name, device_type, browser, browser_version, os, os_version, fingerprint,
	ip_address, country, city, trust_level, is_suspicious, required_step_up, login_method,
	remember_me, locked_ip, locked_fingerprint, step_up_challenge_id, step_up_expires_at,
	step_up_verified_at, frozen_at`

const activityColumns = `id, session_id, user_id, action, endpoint, method, status_code,
	duration_ms, is_error, is_suspicious, ip_address, user_agent, created_at`

const loginColumns = `id, user_id, session_id, success, device_name, device_type, browser, os,
	fingerprint, ip_address, country, city, trust_level, is_suspicious, created_at`

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringFromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*core.Session, error) {
	s := &core.Session{}
	var (
		createdAt, lastActivityAt, expiresAt int64
		deviceType                           string
		country, city                        sql.NullString
		stepUpExpires, stepUpVerified, fz    sql.NullInt64
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.Token, &createdAt, &lastActivityAt, &expiresAt,
		&s.DeviceName, &deviceType, &s.Browser, &s.BrowserVersion, &s.OS, &s.OSVersion, &s.Fingerprint,
		&s.IPAddress, &country, &city, &s.TrustLevel, &s.IsSuspicious, &s.RequiredStepUp, &s.LoginMethod,
		&s.RememberMe, &s.LockedIP, &s.LockedFingerprint, &s.StepUpChallengeID, &stepUpExpires,
		&stepUpVerified, &fz)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(createdAt)
	s.LastActivityAt = fromMillis(lastActivityAt)
	s.ExpiresAt = fromMillis(expiresAt)
	s.DeviceType = core.DeviceType(deviceType)
	s.Country = stringFromNull(country)
	s.City = stringFromNull(city)
	s.StepUpExpiresAt = timeFromNullMillis(stepUpExpires)
	s.StepUpVerifiedAt = timeFromNullMillis(stepUpVerified)
	s.FrozenAt = timeFromNullMillis(fz)
	return s, nil
}

func scanSQLiteSessions(rows *sql.Rows) ([]*core.Session, error) {
	defer rows.Close()
	var sessions []*core.Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Session operations
func (s *SQLiteStorage) CreateSessionWithinLimit(ctx context.Context, session *core.Session, maxActive int, now time.Time) ([]*core.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var evicted []*core.Session
	if maxActive > 0 {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE user_id = ? AND expires_at > ?
			 ORDER BY last_activity_at DESC, created_at DESC`,
			session.UserID, toMillis(now))
		if err != nil {
			return nil, fmt.Errorf("failed to query active sessions: %w", err)
		}
		active, err := scanSQLiteSessions(rows)
		if err != nil {
			return nil, err
		}
		for len(active) >= maxActive {
			oldest := active[len(active)-1]
			active = active[:len(active)-1]
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, oldest.ID); err != nil {
				return nil, fmt.Errorf("failed to evict session: %w", err)
			}
			evicted = append(evicted, oldest)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Token, toMillis(session.CreatedAt),
		toMillis(session.LastActivityAt), toMillis(session.ExpiresAt),
		session.DeviceName, string(session.DeviceType), session.Browser, session.BrowserVersion,
		session.OS, session.OSVersion, session.Fingerprint, session.IPAddress,
		nullString(session.Country), nullString(session.City), session.TrustLevel,
		session.IsSuspicious, session.RequiredStepUp, session.LoginMethod, session.RememberMe,
		session.LockedIP, session.LockedFingerprint, session.StepUpChallengeID,
		nullMillis(session.StepUpExpiresAt), nullMillis(session.StepUpVerifiedAt), nullMillis(session.FrozenAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session creation: %w", err)
	}
	return evicted, nil
}

func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSQLiteSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStorage) GetSessionByToken(ctx context.Context, token string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token)
	session, err := scanSQLiteSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	return session, nil
}

func (s *SQLiteStorage) GetUserSessions(ctx context.Context, userID string, now time.Time) ([]*core.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND expires_at > ?
		 ORDER BY last_activity_at DESC, created_at DESC`,
		userID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	return scanSQLiteSessions(rows)
}

// execMatched runs an UPDATE and reports whether any row matched its WHERE clause
func execMatched(ctx context.Context, db *sql.DB, query string, args ...any) (bool, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) UpdateSessionLocation(ctx context.Context, id string, update core.LocationUpdate) (bool, error) {
	query := `UPDATE sessions SET ip_address = ? WHERE id = ?`
	args := []any{update.IPAddress, id}
	if update.LocationChanged {
		query = `UPDATE sessions SET ip_address = ?, country = ?, city = ?, trust_level = 0 WHERE id = ?`
		args = []any{update.IPAddress, nullString(update.Country), nullString(update.City), id}
	}
	ok, err := execMatched(ctx, s.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update session location: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStorage) LockSession(ctx context.Context, id, lockedIP, lockedFingerprint string) (bool, error) {
	ok, err := execMatched(ctx, s.db, `UPDATE sessions SET
		locked_ip = COALESCE(NULLIF(?, ''), locked_ip),
		locked_fingerprint = COALESCE(NULLIF(?, ''), locked_fingerprint)
		WHERE id = ? AND frozen_at IS NULL`,
		lockedIP, lockedFingerprint, id)
	if err != nil {
		return false, fmt.Errorf("failed to lock session: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStorage) SetStepUpChallenge(ctx context.Context, id, challengeID string, expiresAt time.Time) (bool, error) {
	ok, err := execMatched(ctx, s.db, `UPDATE sessions SET
		required_step_up = 1, step_up_challenge_id = ?, step_up_expires_at = ?
		WHERE id = ?`,
		challengeID, toMillis(expiresAt), id)
	if err != nil {
		return false, fmt.Errorf("failed to set step-up challenge: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStorage) CompleteStepUpChallenge(ctx context.Context, id, challengeID string, at time.Time) (bool, error) {
	ok, err := execMatched(ctx, s.db, `UPDATE sessions SET
		step_up_challenge_id = '', step_up_expires_at = NULL, step_up_verified_at = ?,
		required_step_up = CASE WHEN frozen_at IS NULL THEN 0 ELSE required_step_up END
		WHERE id = ? AND step_up_challenge_id = ? AND step_up_challenge_id <> ''
		  AND step_up_expires_at >= ?`,
		toMillis(at), id, challengeID, toMillis(at))
	if err != nil {
		return false, fmt.Errorf("failed to complete step-up challenge: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStorage) ClearStepUpChallenge(ctx context.Context, id, challengeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET
		step_up_challenge_id = '', step_up_expires_at = NULL
		WHERE id = ? AND step_up_challenge_id = ?`,
		id, challengeID)
	if err != nil {
		return fmt.Errorf("failed to clear step-up challenge: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) FreezeSession(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := execMatched(ctx, s.db, `UPDATE sessions SET
		frozen_at = ?, is_suspicious = 1, required_step_up = 1
		WHERE id = ? AND frozen_at IS NULL`,
		toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to freeze session: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStorage) UnfreezeSession(ctx context.Context, id string) (bool, error) {
	ok, err := execMatched(ctx, s.db, `UPDATE sessions SET
		frozen_at = NULL, is_suspicious = 0, required_step_up = 0
		WHERE id = ? AND frozen_at IS NOT NULL
		  AND step_up_verified_at IS NOT NULL AND step_up_verified_at > frozen_at`,
		id)
	if err != nil {
		return false, fmt.Errorf("failed to unfreeze session: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStorage) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`,
		toMillis(at), id, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted rows: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) DeleteStaleSessions(ctx context.Context, cutoff core.StaleCutoff) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions
		WHERE expires_at < ?
		   OR (remember_me = 0 AND last_activity_at < ?)
		   OR (remember_me = 1 AND last_activity_at < ?)`,
		toMillis(cutoff.Now), toMillis(cutoff.IdleBefore), toMillis(cutoff.RememberMeIdleBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	return result.RowsAffected()
}

// Activity operations
func (s *SQLiteStorage) CreateActivity(ctx context.Context, a *core.SessionActivity) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_activities (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.UserID, a.Action, a.Endpoint, a.Method, nullInt(a.StatusCode),
		nullInt64(a.DurationMS), a.IsError, a.IsSuspicious, a.IPAddress, a.UserAgent, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSessionActivities(ctx context.Context, sessionID string, limit int) ([]*core.SessionActivity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM session_activities
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session activities: %w", err)
	}
	defer rows.Close()

	var activities []*core.SessionActivity
	for rows.Next() {
		a := &core.SessionActivity{}
		var (
			status    sql.NullInt64
			duration  sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UserID, &a.Action, &a.Endpoint, &a.Method,
			&status, &duration, &a.IsError, &a.IsSuspicious, &a.IPAddress, &a.UserAgent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if status.Valid {
			code := int(status.Int64)
			a.StatusCode = &code
		}
		if duration.Valid {
			ms := duration.Int64
			a.DurationMS = &ms
		}
		a.CreatedAt = fromMillis(createdAt)
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func (s *SQLiteStorage) DeleteActivitiesBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_activities WHERE created_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete activities: %w", err)
	}
	return result.RowsAffected()
}

// Login history operations
func (s *SQLiteStorage) RecordLogin(ctx context.Context, r *core.LoginRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO login_history (`+loginColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.SessionID, r.Success, r.DeviceName, string(r.DeviceType), r.Browser, r.OS,
		r.Fingerprint, r.IPAddress, nullString(r.Country), nullString(r.City), r.TrustLevel,
		r.IsSuspicious, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetLoginHistory(ctx context.Context, userID string, limit int) ([]*core.LoginRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loginColumns+` FROM login_history
		 WHERE user_id = ? AND success = 1 ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get login history: %w", err)
	}
	defer rows.Close()

	var history []*core.LoginRecord
	for rows.Next() {
		r := &core.LoginRecord{}
		var (
			deviceType    string
			country, city sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Success, &r.DeviceName, &deviceType,
			&r.Browser, &r.OS, &r.Fingerprint, &r.IPAddress, &country, &city, &r.TrustLevel,
			&r.IsSuspicious, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan login record: %w", err)
		}
		r.DeviceType = core.DeviceType(deviceType)
		r.Country = stringFromNull(country)
		r.City = stringFromNull(city)
		r.CreatedAt = fromMillis(createdAt)
		history = append(history, r)
	}
	return history, rows.Err()
}

func (s *SQLiteStorage) CountFailedLogins(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_history WHERE user_id = ? AND success = 0 AND created_at >= ?`,
		userID, toMillis(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed logins: %w", err)
	}
	return count, nil
}

func (s *SQLiteStorage) CountLoginsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_history WHERE user_id = ? AND success = 1 AND created_at >= ?`,
		userID, toMillis(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count logins: %w", err)
	}
	return count, nil
}

// Policy operations
func (s *SQLiteStorage) GetSessionPolicy(ctx context.Context, userID string) (*core.SessionPolicy, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT policy FROM session_policies WHERE user_id = ?`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session policy: %w", err)
	}
	policy := &core.SessionPolicy{}
	if err := json.NewDecoder(strings.NewReader(raw)).Decode(policy); err != nil {
		return nil, fmt.Errorf("failed to decode session policy: %w", err)
	}
	return policy, nil
}

func (s *SQLiteStorage) UpsertSessionPolicy(ctx context.Context, policy *core.SessionPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode session policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO session_policies (user_id, policy, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET policy = excluded.policy, updated_at = excluded.updated_at`,
		policy.UserID, string(raw), toMillis(policy.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session policy: %w", err)
	}
	return nil
}

// Health check
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
