package core

import (
	"math"
	"net/netip"
	"sort"
	"time"
)

// ConflictType classifies why two sessions of a user conflict
type ConflictType string

const (
	ConflictNone             ConflictType = ""
	ConflictDuplicate        ConflictType = "duplicate"
	ConflictLocationMismatch ConflictType = "location_mismatch"
	ConflictPossibleTakeover ConflictType = "possible_takeover"
	ConflictSharedAccount    ConflictType = "possible_shared_account"
)

// Similarity penalties per differing attribute
const (
	penaltyDeviceName = 15
	penaltyDeviceType = 10
	penaltyCountry    = 20
	penaltyCity       = 10
	penaltyIP         = 15
	penaltyBrowser    = 10
	penaltyOS         = 10
	penaltyTrustGap   = 10

	duplicateSimilarity     = 90
	sharedAccountSimilarity = 50
	locationMismatchWindow  = time.Hour
)

// SessionComparison is the result of comparing two sessions of the same user
type SessionComparison struct {
	Similarity   int          `json:"similarity"`
	Differences  []string     `json:"differences"`
	Conflict     bool         `json:"conflict"`
	ConflictType ConflictType `json:"conflict_type,omitempty"`
}

// CompareSessions scores how alike two sessions are and classifies a conflict.
// Classification is first-match-wins: duplicate, location mismatch, possible takeover,
// possible shared account.
func CompareSessions(a, b *Session) SessionComparison {
	cmp := SessionComparison{Similarity: 100, Differences: []string{}}
	penalize := func(differs bool, attr string, penalty int) {
		if differs {
			cmp.Similarity -= penalty
			cmp.Differences = append(cmp.Differences, attr)
		}
	}

	deviceDiffers := a.DeviceName != b.DeviceName
	typeDiffers := a.DeviceType != b.DeviceType
	countryDiffers := !sameOptional(a.Country, b.Country)
	cityDiffers := !sameOptional(a.City, b.City)

	penalize(deviceDiffers, "device_name", penaltyDeviceName)
	penalize(typeDiffers, "device_type", penaltyDeviceType)
	penalize(countryDiffers, "country", penaltyCountry)
	penalize(cityDiffers, "city", penaltyCity)
	penalize(a.IPAddress != b.IPAddress, "ip_address", penaltyIP)
	penalize(a.Browser != b.Browser, "browser", penaltyBrowser)
	penalize(a.OS != b.OS, "os", penaltyOS)
	penalize(absInt(a.TrustLevel-b.TrustLevel) >= 2, "trust_level", penaltyTrustGap)
	cmp.Similarity = max(cmp.Similarity, 0)

	bothCountriesKnown := a.Country != nil && b.Country != nil
	activityGap := absDuration(a.LastActivityAt.Sub(b.LastActivityAt))

	switch {
	case cmp.Similarity >= duplicateSimilarity:
		cmp.ConflictType = ConflictDuplicate
	case bothCountriesKnown && countryDiffers && activityGap < locationMismatchWindow:
		cmp.ConflictType = ConflictLocationMismatch
	case deviceDiffers && bothCountriesKnown && countryDiffers &&
		(a.TrustLevel == TrustUntrusted || b.TrustLevel == TrustUntrusted):
		cmp.ConflictType = ConflictPossibleTakeover
	case typeDiffers && cityDiffers && cmp.Similarity < sharedAccountSimilarity:
		cmp.ConflictType = ConflictSharedAccount
	}
	cmp.Conflict = cmp.ConflictType != ConflictNone
	return cmp
}

// SessionConflict is a conflicting pair found among a user's sessions
type SessionConflict struct {
	SessionIDs  [2]string    `json:"session_ids"`
	Type        ConflictType `json:"type"`
	Severity    RiskLevel    `json:"severity"`
	Similarity  int          `json:"similarity"`
	Differences []string     `json:"differences"`
}

// AutoResolvable reports whether the conflict is severe enough to resolve without a human
func (c SessionConflict) AutoResolvable() bool {
	return c.Severity == RiskHigh || c.Severity == RiskCritical
}

// DetectConflicts compares every pair of sessions and returns the conflicting pairs.
// Possible takeovers are graded against baseline; the other types have fixed severities.
func DetectConflicts(sessions []*Session, baseline TakeoverBaseline, now time.Time) []SessionConflict {
	conflicts := []SessionConflict{}
	for i := 0; i < len(sessions); i++ {
		for j := i + 1; j < len(sessions); j++ {
			a, b := sessions[i], sessions[j]
			cmp := CompareSessions(a, b)
			if !cmp.Conflict {
				continue
			}
			conflict := SessionConflict{
				SessionIDs:  [2]string{a.ID, b.ID},
				Type:        cmp.ConflictType,
				Similarity:  cmp.Similarity,
				Differences: cmp.Differences,
			}
			switch cmp.ConflictType {
			case ConflictLocationMismatch:
				conflict.Severity = RiskHigh
			case ConflictPossibleTakeover:
				_, conflict.Severity = TakeoverSeverity(takeoverCandidate(a, b), baseline, now)
			case ConflictSharedAccount:
				conflict.Severity = RiskMedium
			default:
				conflict.Severity = RiskLow
			}
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts
}

// takeoverCandidate picks the untrusted session of a pair, the newer one when both are untrusted
func takeoverCandidate(a, b *Session) *Session {
	if a.TrustLevel != b.TrustLevel {
		if a.TrustLevel < b.TrustLevel {
			return a
		}
		return b
	}
	if b.CreatedAt.After(a.CreatedAt) {
		return b
	}
	return a
}

// TakeoverBaseline is what a user's established sessions look like
type TakeoverBaseline struct {
	Devices         []string
	Countries       []string
	IPs             []string
	MeanLoginHour   float64
	HasHourBaseline bool
}

// BaselineFromHistory builds a takeover baseline from successful login history, skipping
// the logins that opened the excluded sessions
func BaselineFromHistory(history []*LoginRecord, now time.Time, excludeSessionIDs ...string) TakeoverBaseline {
	records := wellFormedHistory(history, now)
	b := TakeoverBaseline{}
	for _, r := range records {
		if r.SessionID != "" && contains(excludeSessionIDs, r.SessionID) {
			continue
		}
		b.Devices = appendUnique(b.Devices, r.DeviceName)
		if r.Country != nil {
			b.Countries = appendUnique(b.Countries, *r.Country)
		}
		if r.IPAddress != "" {
			b.IPs = appendUnique(b.IPs, r.IPAddress)
		}
	}
	if len(records) >= unusualHourMinSamples {
		b.MeanLoginHour = meanLoginHour(records)
		b.HasHourBaseline = true
	}
	return b
}

// BaselineFromSessions builds a takeover baseline from sessions at trust level 1 or above
func BaselineFromSessions(sessions []*Session) TakeoverBaseline {
	b := TakeoverBaseline{}
	for _, s := range sessions {
		if s.TrustLevel < TrustRecognized {
			continue
		}
		b.Devices = appendUnique(b.Devices, s.DeviceName)
		if s.Country != nil {
			b.Countries = appendUnique(b.Countries, *s.Country)
		}
		if s.IPAddress != "" {
			b.IPs = appendUnique(b.IPs, s.IPAddress)
		}
	}
	return b
}

// Merge combines two baselines
func (b TakeoverBaseline) Merge(other TakeoverBaseline) TakeoverBaseline {
	out := TakeoverBaseline{
		MeanLoginHour:   b.MeanLoginHour,
		HasHourBaseline: b.HasHourBaseline,
	}
	if !out.HasHourBaseline {
		out.MeanLoginHour = other.MeanLoginHour
		out.HasHourBaseline = other.HasHourBaseline
	}
	for _, d := range append(append([]string{}, b.Devices...), other.Devices...) {
		out.Devices = appendUnique(out.Devices, d)
	}
	for _, c := range append(append([]string{}, b.Countries...), other.Countries...) {
		out.Countries = appendUnique(out.Countries, c)
	}
	for _, ip := range append(append([]string{}, b.IPs...), other.IPs...) {
		out.IPs = appendUnique(out.IPs, ip)
	}
	return out
}

// TakeoverSeverity accumulates takeover points for a candidate session:
// new device and new country +30, younger than an hour at trust 0 +25, IP range
// mismatch +20, flagged suspicious +30, login hour far from baseline +10.
func TakeoverSeverity(candidate *Session, baseline TakeoverBaseline, now time.Time) (int, RiskLevel) {
	points := 0
	newDevice := !contains(baseline.Devices, candidate.DeviceName)
	newCountry := candidate.Country != nil && !contains(baseline.Countries, *candidate.Country)
	if newDevice && newCountry {
		points += 30
	}
	if now.Sub(candidate.CreatedAt) < time.Hour && candidate.TrustLevel == TrustUntrusted {
		points += 25
	}
	if len(baseline.IPs) > 0 && !sameIPRangeAsAny(candidate.IPAddress, baseline.IPs) {
		points += 20
	}
	if candidate.IsSuspicious {
		points += 30
	}
	if baseline.HasHourBaseline {
		hour := float64(candidate.CreatedAt.UTC().Hour())
		if math.Abs(hour-baseline.MeanLoginHour) > unusualHourDelta {
			points += 10
		}
	}

	switch {
	case points >= 70:
		return points, RiskCritical
	case points >= 50:
		return points, RiskHigh
	case points >= 30:
		return points, RiskMedium
	default:
		return points, RiskLow
	}
}

// sameIPRangeAsAny compares /16 prefixes for IPv4 and /48 prefixes for IPv6
func sameIPRangeAsAny(ip string, known []string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	prefix, err := addr.Unmap().Prefix(rangeBits(addr.Unmap()))
	if err != nil {
		return false
	}
	for _, k := range known {
		other, err := netip.ParseAddr(k)
		if err != nil {
			continue
		}
		if prefix.Contains(other.Unmap()) {
			return true
		}
	}
	return false
}

func rangeBits(addr netip.Addr) int {
	if addr.Is4() {
		return 16
	}
	return 48
}

// Set-level anomaly types
const (
	AnomalyMultipleCountries = "multiple_countries"
	AnomalyRapidLogin        = "rapid_login"
	AnomalyDuplicateSessions = "duplicate_sessions"
)

// SessionAnomaly is a pattern found across a user's active sessions
type SessionAnomaly struct {
	Type        string    `json:"type"`
	Severity    RiskLevel `json:"severity"`
	SessionIDs  []string  `json:"session_ids"`
	Description string    `json:"description"`
}

// DetectSessionAnomalies flags more than two distinct countries, three or more sessions
// created within ten minutes, and sessions sharing device name and IP.
func DetectSessionAnomalies(sessions []*Session) []SessionAnomaly {
	anomalies := []SessionAnomaly{}

	countries := make(map[string][]string)
	for _, s := range sessions {
		if s.Country != nil {
			countries[*s.Country] = append(countries[*s.Country], s.ID)
		}
	}
	if len(countries) > 2 {
		ids := make([]string, 0, len(sessions))
		for _, s := range sessions {
			if s.Country != nil {
				ids = append(ids, s.ID)
			}
		}
		anomalies = append(anomalies, SessionAnomaly{
			Type:        AnomalyMultipleCountries,
			Severity:    RiskHigh,
			SessionIDs:  ids,
			Description: "Active sessions span more than two countries",
		})
	}

	if ids := densestCreationWindow(sessions, rapidLoginWindow); len(ids) >= rapidLoginCount {
		anomalies = append(anomalies, SessionAnomaly{
			Type:        AnomalyRapidLogin,
			Severity:    RiskMedium,
			SessionIDs:  ids,
			Description: "Several sessions were created within ten minutes",
		})
	}

	type dupKey struct{ device, ip string }
	groups := make(map[dupKey][]string)
	var order []dupKey
	for _, s := range sessions {
		k := dupKey{s.DeviceName, s.IPAddress}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], s.ID)
	}
	for _, k := range order {
		if ids := groups[k]; len(ids) > 1 {
			anomalies = append(anomalies, SessionAnomaly{
				Type:        AnomalyDuplicateSessions,
				Severity:    RiskLow,
				SessionIDs:  ids,
				Description: "Multiple sessions from " + k.device + " at " + k.ip,
			})
		}
	}
	return anomalies
}

// densestCreationWindow returns the ids of the largest set of sessions created within window
func densestCreationWindow(sessions []*Session, window time.Duration) []string {
	sorted := make([]*Session, len(sessions))
	copy(sorted, sessions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	bestStart, bestLen := 0, 0
	start := 0
	for end := range sorted {
		for sorted[end].CreatedAt.Sub(sorted[start].CreatedAt) > window {
			start++
		}
		if n := end - start + 1; n > bestLen {
			bestStart, bestLen = start, n
		}
	}
	ids := make([]string, 0, bestLen)
	for _, s := range sorted[bestStart : bestStart+bestLen] {
		ids = append(ids, s.ID)
	}
	return ids
}

func appendUnique(list []string, v string) []string {
	if v == "" || contains(list, v) {
		return list
	}
	return append(list, v)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
