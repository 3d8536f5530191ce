package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/wispberry-tech/wispy-trust/core"
)

// PostgresStorage implements the session store for PostgreSQL databases
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(ctx context.Context, databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-create missing tables
	if err := NewSchemaManager(db, DialectPostgres).EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

// DB returns the underlying database handle
func (p *PostgresStorage) DB() *sql.DB {
	return p.db
}

func scanPostgresSession(row rowScanner) (*core.Session, error) {
	s := &core.Session{}
	var (
		deviceType    string
		country, city sql.NullString
		stepUpExpires sql.NullTime
		stepUpVerfied sql.NullTime
		frozenAt      sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.Token, &s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt,
		&s.DeviceName, &deviceType, &s.Browser, &s.BrowserVersion, &s.OS, &s.OSVersion, &s.Fingerprint,
		&s.IPAddress, &country, &city, &s.TrustLevel, &s.IsSuspicious, &s.RequiredStepUp, &s.LoginMethod,
		&s.RememberMe, &s.LockedIP, &s.LockedFingerprint, &s.StepUpChallengeID, &stepUpExpires,
		&stepUpVerfied, &frozenAt)
	if err != nil {
		return nil, err
	}
	s.DeviceType = core.DeviceType(deviceType)
	s.Country = stringFromNull(country)
	s.City = stringFromNull(city)
	s.StepUpExpiresAt = timeFromNull(stepUpExpires)
	s.StepUpVerifiedAt = timeFromNull(stepUpVerfied)
	s.FrozenAt = timeFromNull(frozenAt)
	return s, nil
}

func scanPostgresSessions(rows *sql.Rows) ([]*core.Session, error) {
	defer rows.Close()
	var sessions []*core.Session
	for rows.Next() {
		s, err := scanPostgresSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Session operations

// CreateSessionWithinLimit serializes creations per user with a transaction-scoped
// advisory lock so concurrent logins cannot both bypass the cap
func (p *PostgresStorage) CreateSessionWithinLimit(ctx context.Context, session *core.Session, maxActive int, now time.Time) ([]*core.Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, session.UserID); err != nil {
		return nil, fmt.Errorf("failed to lock user sessions: %w", err)
	}

	var evicted []*core.Session
	if maxActive > 0 {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE user_id = $1 AND expires_at > $2
			 ORDER BY last_activity_at DESC, created_at DESC`,
			session.UserID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to query active sessions: %w", err)
		}
		active, err := scanPostgresSessions(rows)
		if err != nil {
			return nil, err
		}
		for len(active) >= maxActive {
			oldest := active[len(active)-1]
			active = active[:len(active)-1]
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, oldest.ID); err != nil {
				return nil, fmt.Errorf("failed to evict session: %w", err)
			}
			evicted = append(evicted, oldest)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		session.ID, session.UserID, session.Token, session.CreatedAt, session.LastActivityAt,
		session.ExpiresAt, session.DeviceName, string(session.DeviceType), session.Browser,
		session.BrowserVersion, session.OS, session.OSVersion, session.Fingerprint, session.IPAddress,
		nullString(session.Country), nullString(session.City), session.TrustLevel,
		session.IsSuspicious, session.RequiredStepUp, session.LoginMethod, session.RememberMe,
		session.LockedIP, session.LockedFingerprint, session.StepUpChallengeID,
		nullTime(session.StepUpExpiresAt), nullTime(session.StepUpVerifiedAt), nullTime(session.FrozenAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session creation: %w", err)
	}
	return evicted, nil
}

func (p *PostgresStorage) GetSession(ctx context.Context, id string) (*core.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanPostgresSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (p *PostgresStorage) GetSessionByToken(ctx context.Context, token string) (*core.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token)
	session, err := scanPostgresSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	return session, nil
}

func (p *PostgresStorage) GetUserSessions(ctx context.Context, userID string, now time.Time) ([]*core.Session, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND expires_at > $2
		 ORDER BY last_activity_at DESC, created_at DESC`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	return scanPostgresSessions(rows)
}

func (p *PostgresStorage) UpdateSessionLocation(ctx context.Context, id string, update core.LocationUpdate) (bool, error) {
	query := `UPDATE sessions SET ip_address = $1 WHERE id = $2`
	args := []any{update.IPAddress, id}
	if update.LocationChanged {
		query = `UPDATE sessions SET ip_address = $1, country = $2, city = $3, trust_level = 0 WHERE id = $4`
		args = []any{update.IPAddress, nullString(update.Country), nullString(update.City), id}
	}
	ok, err := execMatched(ctx, p.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update session location: %w", err)
	}
	return ok, nil
}

func (p *PostgresStorage) LockSession(ctx context.Context, id, lockedIP, lockedFingerprint string) (bool, error) {
	ok, err := execMatched(ctx, p.db, `UPDATE sessions SET
		locked_ip = COALESCE(NULLIF($1::text, ''), locked_ip),
		locked_fingerprint = COALESCE(NULLIF($2::text, ''), locked_fingerprint)
		WHERE id = $3 AND frozen_at IS NULL`,
		lockedIP, lockedFingerprint, id)
	if err != nil {
		return false, fmt.Errorf("failed to lock session: %w", err)
	}
	return ok, nil
}

func (p *PostgresStorage) SetStepUpChallenge(ctx context.Context, id, challengeID string, expiresAt time.Time) (bool, error) {
	ok, err := execMatched(ctx, p.db, `UPDATE sessions SET
		required_step_up = TRUE, step_up_challenge_id = $1, step_up_expires_at = $2
		WHERE id = $3`,
		challengeID, expiresAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to set step-up challenge: %w", err)
	}
	return ok, nil
}

func (p *PostgresStorage) CompleteStepUpChallenge(ctx context.Context, id, challengeID string, at time.Time) (bool, error) {
	ok, err := execMatched(ctx, p.db, `UPDATE sessions SET
		step_up_challenge_id = '', step_up_expires_at = NULL, step_up_verified_at = $1,
		required_step_up = CASE WHEN frozen_at IS NULL THEN FALSE ELSE required_step_up END
		WHERE id = $2 AND step_up_challenge_id = $3 AND step_up_challenge_id <> ''
		  AND step_up_expires_at >= $1`,
		at, id, challengeID)
	if err != nil {
		return false, fmt.Errorf("failed to complete step-up challenge: %w", err)
	}
	return ok, nil
}

func (p *PostgresStorage) ClearStepUpChallenge(ctx context.Context, id, challengeID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE sessions SET
		step_up_challenge_id = '', step_up_expires_at = NULL
		WHERE id = $1 AND step_up_challenge_id = $2`,
		id, challengeID)
	if err != nil {
		return fmt.Errorf("failed to clear step-up challenge: %w", err)
	}
	return nil
}

func (p *PostgresStorage) FreezeSession(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := execMatched(ctx, p.db, `UPDATE sessions SET
		frozen_at = $1, is_suspicious = TRUE, required_step_up = TRUE
		WHERE id = $2 AND frozen_at IS NULL`,
		at, id)
	if err != nil {
		return false, fmt.Errorf("failed to freeze session: %w", err)
	}
	return ok, nil
}

func (p *PostgresStorage) UnfreezeSession(ctx context.Context, id string) (bool, error) {
	ok, err := execMatched(ctx, p.db, `UPDATE sessions SET
		frozen_at = NULL, is_suspicious = FALSE, required_step_up = FALSE
		WHERE id = $1 AND frozen_at IS NOT NULL
		  AND step_up_verified_at IS NOT NULL AND step_up_verified_at > frozen_at`,
		id)
	if err != nil {
		return false, fmt.Errorf("failed to unfreeze session: %w", err)
	}
	return ok, nil
}

func (p *PostgresStorage) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $1 WHERE id = $2 AND last_activity_at < $1`,
		at, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted rows: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStorage) DeleteStaleSessions(ctx context.Context, cutoff core.StaleCutoff) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM sessions
		WHERE expires_at < $1
		   OR (NOT remember_me AND last_activity_at < $2)
		   OR (remember_me AND last_activity_at < $3)`,
		cutoff.Now, cutoff.IdleBefore, cutoff.RememberMeIdleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	return result.RowsAffected()
}

// Activity operations
func (p *PostgresStorage) CreateActivity(ctx context.Context, a *core.SessionActivity) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO session_activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.SessionID, a.UserID, a.Action, a.Endpoint, a.Method, nullInt(a.StatusCode),
		nullInt64(a.DurationMS), a.IsError, a.IsSuspicious, a.IPAddress, a.UserAgent, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

func (p *PostgresStorage) GetSessionActivities(ctx context.Context, sessionID string, limit int) ([]*core.SessionActivity, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM session_activities
		 WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session activities: %w", err)
	}
	defer rows.Close()

	var activities []*core.SessionActivity
	for rows.Next() {
		a := &core.SessionActivity{}
		var status, duration sql.NullInt64
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UserID, &a.Action, &a.Endpoint, &a.Method,
			&status, &duration, &a.IsError, &a.IsSuspicious, &a.IPAddress, &a.UserAgent, &a.CreatedAt); err != nil {
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
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func (p *PostgresStorage) DeleteActivitiesBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM session_activities WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete activities: %w", err)
	}
	return result.RowsAffected()
}

// Login history operations
func (p *PostgresStorage) RecordLogin(ctx context.Context, r *core.LoginRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO login_history (`+loginColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.UserID, r.SessionID, r.Success, r.DeviceName, string(r.DeviceType), r.Browser, r.OS,
		r.Fingerprint, r.IPAddress, nullString(r.Country), nullString(r.City), r.TrustLevel,
		r.IsSuspicious, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

func (p *PostgresStorage) GetLoginHistory(ctx context.Context, userID string, limit int) ([]*core.LoginRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+loginColumns+` FROM login_history
		 WHERE user_id = $1 AND success ORDER BY created_at DESC LIMIT $2`,
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
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Success, &r.DeviceName, &deviceType,
			&r.Browser, &r.OS, &r.Fingerprint, &r.IPAddress, &country, &city, &r.TrustLevel,
			&r.IsSuspicious, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login record: %w", err)
		}
		r.DeviceType = core.DeviceType(deviceType)
		r.Country = stringFromNull(country)
		r.City = stringFromNull(city)
		history = append(history, r)
	}
	return history, rows.Err()
}

func (p *PostgresStorage) CountFailedLogins(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_history WHERE user_id = $1 AND NOT success AND created_at >= $2`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed logins: %w", err)
	}
	return count, nil
}

func (p *PostgresStorage) CountLoginsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_history WHERE user_id = $1 AND success AND created_at >= $2`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count logins: %w", err)
	}
	return count, nil
}

// Policy operations
func (p *PostgresStorage) GetSessionPolicy(ctx context.Context, userID string) (*core.SessionPolicy, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT policy FROM session_policies WHERE user_id = $1`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session policy: %w", err)
	}
	policy := &core.SessionPolicy{}
	if err := json.Unmarshal(raw, policy); err != nil {
		return nil, fmt.Errorf("failed to decode session policy: %w", err)
	}
	return policy, nil
}

func (p *PostgresStorage) UpsertSessionPolicy(ctx context.Context, policy *core.SessionPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode session policy: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO session_policies (user_id, policy, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET policy = EXCLUDED.policy, updated_at = EXCLUDED.updated_at`,
		policy.UserID, string(raw), policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session policy: %w", err)
	}
	return nil
}

// Health check
func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStorage) Close() error {
	return p.db.Close()
}
