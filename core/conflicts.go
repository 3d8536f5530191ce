package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ResolutionStrategy decides which sessions survive an auto-resolved conflict group
type ResolutionStrategy string

const (
	// StrategyKeepNewest keeps the most recently active session of each group
	StrategyKeepNewest ResolutionStrategy = "keep_newest"
	// StrategyKeepTrusted keeps the highest trust session of each group, most recently active on ties
	StrategyKeepTrusted ResolutionStrategy = "keep_trusted"
	// StrategyRequireManual deletes nothing and notifies the user instead
	StrategyRequireManual ResolutionStrategy = "require_manual"
)

// ParseResolutionStrategy validates a strategy name
func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case StrategyKeepNewest, StrategyKeepTrusted, StrategyRequireManual:
		return ResolutionStrategy(s), nil
	}
	return "", invalidInput("strategy", "unknown conflict resolution strategy %q", s)
}

// ConflictResolution reports what automatic resolution found and did
type ConflictResolution struct {
	Strategy  ResolutionStrategy `json:"strategy"`
	Conflicts []SessionConflict  `json:"conflicts"`
	Groups    [][]string         `json:"groups"`
	Deleted   []string           `json:"deleted_session_ids"`
	Notified  bool               `json:"notified"`
}

// AutoResolveConflicts detects conflicts among the user's active sessions and resolves
// the high and critical ones. Conflicting pairs are merged into groups; each group keeps
// one session according to strategy. Medium and low conflicts are reported only.
func (s *SessionService) AutoResolveConflicts(ctx context.Context, userID string, strategy ResolutionStrategy) (result *ConflictResolution, err error) {
	if _, err := ParseResolutionStrategy(string(strategy)); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "core.AutoResolveConflicts", attrUserID(userID))
	defer func() { endSpan(span, err) }()

	now := s.now()
	sessions, err := s.storage.GetUserSessions(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	baseline, err := s.takeoverBaseline(ctx, userID, sessions)
	if err != nil {
		return nil, err
	}

	result = &ConflictResolution{
		Strategy:  strategy,
		Conflicts: DetectConflicts(sessions, baseline, now),
		Groups:    [][]string{},
		Deleted:   []string{},
	}

	var severe []SessionConflict
	for _, c := range result.Conflicts {
		if c.AutoResolvable() {
			severe = append(severe, c)
		}
	}
	if len(severe) == 0 {
		return result, nil
	}

	byID := make(map[string]*Session, len(sessions))
	for _, session := range sessions {
		byID[session.ID] = session
	}
	groups := conflictGroups(severe)
	for _, ids := range groups {
		result.Groups = append(result.Groups, ids)
	}

	if strategy == StrategyRequireManual {
		for _, ids := range groups {
			s.notify(ctx, Notification{
				UserID:   userID,
				Type:     NotificationSecurityAlert,
				Severity: RiskHigh,
				Title:    "Conflicting sessions need review",
				Message:  "Several of your sessions look like they conflict with each other",
				Data: map[string]string{
					"session_ids": strings.Join(ids, ","),
					"strategy":    string(strategy),
				},
			})
		}
		result.Notified = true
		return result, nil
	}

	for _, ids := range groups {
		members := make([]*Session, 0, len(ids))
		for _, id := range ids {
			if session, ok := byID[id]; ok {
				members = append(members, session)
			}
		}
		keep := survivor(members, strategy)
		for _, session := range members {
			if session.ID == keep.ID {
				continue
			}
			deleted, err := s.storage.DeleteSession(ctx, session.ID)
			if err != nil {
				return result, fmt.Errorf("failed to delete conflicting session: %w", err)
			}
			if deleted {
				result.Deleted = append(result.Deleted, session.ID)
				conflictsResolvedTotal.WithLabelValues(string(strategy)).Inc()
			}
		}
	}

	if len(result.Deleted) > 0 {
		s.logger.Warn("Resolved conflicting sessions",
			"user_id", userID,
			"strategy", strategy,
			"deleted", result.Deleted)
		s.notify(ctx, Notification{
			UserID:   userID,
			Type:     NotificationSecurityAlert,
			Severity: RiskHigh,
			Title:    "Conflicting sessions signed out",
			Message:  "Sessions that conflicted with each other were signed out",
			Data: map[string]string{
				"deleted_session_ids": strings.Join(result.Deleted, ","),
				"strategy":            string(strategy),
			},
		})
	}
	return result, nil
}

// takeoverBaseline combines the user's established sessions with login history that
// predates the sessions being judged
func (s *SessionService) takeoverBaseline(ctx context.Context, userID string, sessions []*Session) (TakeoverBaseline, error) {
	history, err := s.storage.GetLoginHistory(ctx, userID, s.config.HistoryLimit)
	if err != nil {
		return TakeoverBaseline{}, fmt.Errorf("failed to get login history: %w", err)
	}
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	return BaselineFromHistory(history, s.now(), ids...).Merge(BaselineFromSessions(sessions)), nil
}

// conflictGroups merges conflicting pairs into connected groups. Groups and their members
// keep first-seen order.
func conflictGroups(conflicts []SessionConflict) [][]string {
	parent := make(map[string]string)
	var order []string
	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	add := func(id string) {
		if _, ok := parent[id]; !ok {
			parent[id] = id
			order = append(order, id)
		}
	}
	for _, c := range conflicts {
		a, b := c.SessionIDs[0], c.SessionIDs[1]
		add(a)
		add(b)
		if ra, rb := find(a), find(b); ra != rb {
			parent[rb] = ra
		}
	}

	index := make(map[string]int)
	var groups [][]string
	for _, id := range order {
		root := find(id)
		i, ok := index[root]
		if !ok {
			i = len(groups)
			index[root] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], id)
	}
	return groups
}

// survivor picks the session a group keeps
func survivor(members []*Session, strategy ResolutionStrategy) *Session {
	sorted := append([]*Session(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if strategy == StrategyKeepTrusted && sorted[i].TrustLevel != sorted[j].TrustLevel {
			return sorted[i].TrustLevel > sorted[j].TrustLevel
		}
		return sorted[i].LastActivityAt.After(sorted[j].LastActivityAt)
	})
	return sorted[0]
}

// ScanReport is the result of scanning a user's active sessions
type ScanReport struct {
	UserID     string              `json:"user_id"`
	Sessions   int                 `json:"sessions"`
	Anomalies  []SessionAnomaly    `json:"anomalies"`
	Resolution *ConflictResolution `json:"conflict_resolution"`
}

// ScanUser runs set-level anomaly detection over the user's active sessions, alerts on
// high severity anomalies and auto-resolves conflicts with the configured strategy
func (s *SessionService) ScanUser(ctx context.Context, userID string) (report *ScanReport, err error) {
	ctx, span := startSpan(ctx, "core.ScanUser", attrUserID(userID))
	defer func() { endSpan(span, err) }()

	sessions, err := s.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	report = &ScanReport{
		UserID:    userID,
		Sessions:  len(sessions),
		Anomalies: DetectSessionAnomalies(sessions),
	}
	for _, anomaly := range report.Anomalies {
		if anomaly.Severity != RiskHigh && anomaly.Severity != RiskCritical {
			continue
		}
		s.notify(ctx, Notification{
			UserID:   userID,
			Type:     NotificationSecurityAlert,
			Severity: anomaly.Severity,
			Title:    "Unusual session activity",
			Message:  anomaly.Description,
			Data: map[string]string{
				"anomaly":     anomaly.Type,
				"session_ids": strings.Join(anomaly.SessionIDs, ","),
			},
		})
	}

	report.Resolution, err = s.AutoResolveConflicts(ctx, userID, s.config.ConflictStrategy)
	if err != nil {
		return nil, err
	}
	return report, nil
}
