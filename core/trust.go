package core

import "time"

// fingerprintMatchThreshold is the similarity at which two fingerprints count as the same device
const fingerprintMatchThreshold = 90

// TrustInputs are the history facts the trust level is derived from
type TrustInputs struct {
	IsFirstSession      bool
	PriorLoginCount     int
	SameDevice          bool
	SameLocation        bool
	DaysSinceFirstLogin int
}

// EvaluateTrustLevel maps history facts to the trust level they support.
// It is deterministic and never returns a value outside [0, 2].
func EvaluateTrustLevel(in TrustInputs) int {
	if in.IsFirstSession || !in.SameDevice || !in.SameLocation {
		return TrustUntrusted
	}
	if in.PriorLoginCount >= 10 && in.DaysSinceFirstLogin >= 30 {
		return TrustHigh
	}
	if in.PriorLoginCount >= 3 && in.DaysSinceFirstLogin >= 7 {
		return TrustRecognized
	}
	return TrustUntrusted
}

// NextTrustLevel moves current towards the level the history supports. A device or
// location mismatch drops straight to 0; increases happen one level per evaluation.
func NextTrustLevel(current int, in TrustInputs) int {
	target := EvaluateTrustLevel(in)
	if target == TrustUntrusted || current < TrustUntrusted {
		return TrustUntrusted
	}
	if current > TrustHigh {
		current = TrustHigh
	}
	if target > current+1 {
		return current + 1
	}
	return target
}

// TrustInputsFromHistory derives trust inputs for a login from the user's successful
// login history. Malformed records (nil, zero or future timestamps) are ignored.
func TrustInputsFromHistory(history []*LoginRecord, device DeviceInfo, fingerprint string, loc LocationInfo, now time.Time) TrustInputs {
	records := wellFormedHistory(history, now)
	in := TrustInputs{
		IsFirstSession:  len(records) == 0,
		PriorLoginCount: len(records),
	}
	if len(records) == 0 {
		return in
	}

	first := records[0].CreatedAt
	for _, r := range records {
		if r.CreatedAt.Before(first) {
			first = r.CreatedAt
		}
		if !in.SameDevice && sameDevice(r, device, fingerprint) {
			in.SameDevice = true
		}
		if !in.SameLocation && sameLocation(r, loc) {
			in.SameLocation = true
		}
	}
	in.DaysSinceFirstLogin = int(now.Sub(first).Hours() / 24)
	return in
}

func wellFormedHistory(history []*LoginRecord, now time.Time) []*LoginRecord {
	records := make([]*LoginRecord, 0, len(history))
	for _, r := range history {
		if r == nil || r.CreatedAt.IsZero() || r.CreatedAt.After(now) {
			continue
		}
		records = append(records, r)
	}
	return records
}

func sameDevice(r *LoginRecord, device DeviceInfo, fingerprint string) bool {
	if fingerprint != "" && r.Fingerprint != "" {
		return CompareFingerprints(fingerprint, r.Fingerprint) >= fingerprintMatchThreshold
	}
	return r.DeviceName == device.Name && r.DeviceType == device.Type
}

// sameLocation compares country and city; when the current location is unresolved
// it falls back to an exact IP match.
func sameLocation(r *LoginRecord, loc LocationInfo) bool {
	if !loc.Resolved() {
		return r.IPAddress != "" && r.IPAddress == loc.IP
	}
	return sameOptional(r.Country, loc.Country) && sameOptional(r.City, loc.City)
}
