package core

import (
	"math"
	"sort"
	"time"
)

// RiskLevel classifies a weighted risk score
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Decision thresholds on the weighted total
const (
	BlockThreshold  = 80.0
	StepUpThreshold = 60.0
	NotifyThreshold = 40.0
)

// Risk factor names
const (
	FactorNewDevice         = "new_device"
	FactorNewCountry        = "new_country"
	FactorNewCity           = "new_city"
	FactorImpossibleTravel  = "impossible_travel"
	FactorFailedAttempts    = "failed_attempts"
	FactorUnusualTime       = "unusual_time"
	FactorSuspiciousHistory = "suspicious_history"
	FactorVPNProxy          = "vpn_proxy"
	FactorRapidLogins       = "rapid_logins"
)

const (
	impossibleTravelWindow = 2 * time.Hour
	rapidLoginWindow       = 10 * time.Minute
	rapidLoginCount        = 3
	failedAttemptWindow    = 24 * time.Hour
	unusualHourDelta       = 6.0
	unusualHourMinSamples  = 5
)

// FactorDetail is the typed payload of a risk factor. The concrete types are
// DeviceDetail, LocationDetail, TravelDetail, CountDetail, TimeDetail, NetworkDetail
// and OtherDetail.
type FactorDetail interface {
	Kind() string
}

type DeviceDetail struct {
	DeviceName   string `json:"device_name"`
	KnownDevices int    `json:"known_devices"`
}

type LocationDetail struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
}

type TravelDetail struct {
	FromCountry string        `json:"from_country"`
	ToCountry   string        `json:"to_country"`
	Elapsed     time.Duration `json:"elapsed"`
}

type CountDetail struct {
	Count  int           `json:"count"`
	Window time.Duration `json:"window,omitempty"`
}

type TimeDetail struct {
	Hour         int     `json:"hour"`
	BaselineHour float64 `json:"baseline_hour"`
}

type NetworkDetail struct {
	ISP string `json:"isp,omitempty"`
}

// OtherDetail carries details of factor kinds this version does not know about
type OtherDetail struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

func (DeviceDetail) Kind() string   { return "device" }
func (LocationDetail) Kind() string { return "location" }
func (TravelDetail) Kind() string   { return "travel" }
func (CountDetail) Kind() string    { return "count" }
func (TimeDetail) Kind() string     { return "time" }
func (NetworkDetail) Kind() string  { return "network" }
func (d OtherDetail) Kind() string  { return d.Type }

// RiskFactor is one named, weighted contributor to a risk score
type RiskFactor struct {
	Name        string       `json:"name"`
	Score       int          `json:"score"`
	Weight      float64      `json:"weight"`
	Severity    RiskLevel    `json:"severity"`
	Description string       `json:"description"`
	Detail      FactorDetail `json:"detail,omitempty"`
}

// Contribution is the factor's share of the total score
func (f RiskFactor) Contribution() float64 {
	return float64(f.Score) * f.Weight
}

// RiskAssessment is computed per evaluation and never persisted verbatim
type RiskAssessment struct {
	Factors             []RiskFactor `json:"factors"`
	Score               float64      `json:"score"`
	Level               RiskLevel    `json:"level"`
	ShouldBlock         bool         `json:"should_block"`
	ShouldRequireStepUp bool         `json:"should_require_step_up"`
	ShouldNotify        bool         `json:"should_notify"`
	Recommendations     []string     `json:"recommendations"`
	UnavailableSignals  []Signal     `json:"unavailable_signals,omitempty"`
}

// HasFactor reports whether the named factor fired
func (a *RiskAssessment) HasFactor(name string) bool {
	for _, f := range a.Factors {
		if f.Name == name {
			return true
		}
	}
	return false
}

// RiskInput is everything the scorer reads. History holds successful logins and
// RecentLogins counts successful logins inside the rapid-login window, whether or not
// their sessions still exist.
type RiskInput struct {
	Now            time.Time
	Device         DeviceInfo
	Fingerprint    string
	Location       LocationInfo
	Geolocation    Signal
	VPN            Signal
	History        []*LoginRecord
	RecentLogins   int
	FailedAttempts int
}

// Recommendations keyed by the factor that triggers them. New factors only need a row here.
var factorRecommendations = []struct {
	factor string
	text   string
}{
	{FactorNewDevice, "Verify the new device through a confirmation email"},
	{FactorNewCountry, "Confirm the login from a new country with the account owner"},
	{FactorNewCity, "Review the login from a new city"},
	{FactorImpossibleTravel, "Require step-up authentication: travel between locations is implausible"},
	{FactorFailedAttempts, "Review recent failed login attempts and consider resetting the password"},
	{FactorUnusualTime, "Flag the login at an unusual hour for review"},
	{FactorSuspiciousHistory, "Audit previously flagged sessions for this account"},
	{FactorVPNProxy, "Treat the network as anonymised and verify identity"},
	{FactorRapidLogins, "Rate limit logins and check for credential stuffing"},
}

// RiskLevelFor maps a weighted score to a level
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 70:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ScoreRisk computes the weighted risk assessment for a login. It has no side effects.
func ScoreRisk(in RiskInput) *RiskAssessment {
	a := &RiskAssessment{Factors: []RiskFactor{}, Recommendations: []string{}}
	history := wellFormedHistory(in.History, in.Now)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.After(history[j].CreatedAt)
	})

	if !in.Geolocation.Available() {
		a.UnavailableSignals = append(a.UnavailableSignals, in.Geolocation)
	}
	if !in.VPN.Available() {
		a.UnavailableSignals = append(a.UnavailableSignals, in.VPN)
	}

	// 1. New device
	if !knownDevice(history, in.Device, in.Fingerprint) {
		score := 20
		if len(history) > 0 {
			score = 40
		}
		a.add(RiskFactor{
			Name: FactorNewDevice, Score: score, Weight: 0.15,
			Description: "Login from a device not seen before",
			Detail:      DeviceDetail{DeviceName: in.Device.Name, KnownDevices: countDevices(history)},
		})
	}

	// 2. New country dominates new city
	if in.Location.Resolved() && len(history) > 0 {
		country := *in.Location.Country
		switch {
		case !knownCountry(history, country):
			a.add(RiskFactor{
				Name: FactorNewCountry, Score: 50, Weight: 0.20,
				Description: "Login from a country not seen before",
				Detail:      LocationDetail{Country: country, City: strValue(in.Location.City)},
			})
		case in.Location.City != nil && !knownCity(history, country, *in.Location.City):
			a.add(RiskFactor{
				Name: FactorNewCity, Score: 30, Weight: 0.10,
				Description: "Login from a city not seen before",
				Detail:      LocationDetail{Country: country, City: *in.Location.City},
			})
		}
	}

	// 3. Impossible travel against the most recent prior login only
	if in.Location.Resolved() && len(history) > 0 {
		last := history[0]
		elapsed := in.Now.Sub(last.CreatedAt)
		if last.Country != nil && *last.Country != *in.Location.Country && elapsed < impossibleTravelWindow {
			a.add(RiskFactor{
				Name: FactorImpossibleTravel, Score: 90, Weight: 0.25,
				Description: "Login from a different country too soon after the previous login",
				Detail:      TravelDetail{FromCountry: *last.Country, ToCountry: *in.Location.Country, Elapsed: elapsed},
			})
		}
	}

	// 4. Failed attempts in the last 24h
	if in.FailedAttempts > 0 {
		a.add(RiskFactor{
			Name: FactorFailedAttempts, Score: min(in.FailedAttempts*15, 100), Weight: 0.15,
			Description: "Failed login attempts in the last 24 hours",
			Detail:      CountDetail{Count: in.FailedAttempts, Window: failedAttemptWindow},
		})
	}

	// 5. Unusual time of day
	if len(history) >= unusualHourMinSamples {
		baseline := meanLoginHour(history)
		hour := in.Now.UTC().Hour()
		if math.Abs(float64(hour)-baseline) > unusualHourDelta {
			a.add(RiskFactor{
				Name: FactorUnusualTime, Score: 25, Weight: 0.05,
				Description: "Login far from the usual login hour",
				Detail:      TimeDetail{Hour: hour, BaselineHour: baseline},
			})
		}
	}

	// 6. Suspicious history
	if n := countSuspicious(history); n > 0 {
		a.add(RiskFactor{
			Name: FactorSuspiciousHistory, Score: min(n*10, 50), Weight: 0.10,
			Description: "Previous sessions were flagged as suspicious",
			Detail:      CountDetail{Count: n},
		})
	}

	// 7. VPN / proxy
	if in.VPN.Detected() {
		a.add(RiskFactor{
			Name: FactorVPNProxy, Score: 35, Weight: 0.10,
			Description: "Login through a VPN, proxy or hosting network",
			Detail:      NetworkDetail{ISP: strValue(in.Location.ISP)},
		})
	}

	// 8. Rapid logins
	if n := in.RecentLogins; n >= rapidLoginCount {
		a.add(RiskFactor{
			Name: FactorRapidLogins, Score: 60, Weight: 0.15,
			Description: "Several sessions created within a few minutes",
			Detail:      CountDetail{Count: n, Window: rapidLoginWindow},
		})
	}

	a.Score = math.Min(100, math.Max(0, a.Score))
	a.Score = math.Round(a.Score*100) / 100
	a.Level = RiskLevelFor(a.Score)
	a.ShouldBlock = a.Score >= BlockThreshold
	a.ShouldRequireStepUp = a.Score >= StepUpThreshold
	a.ShouldNotify = a.Score >= NotifyThreshold

	for _, rec := range factorRecommendations {
		if a.HasFactor(rec.factor) {
			a.Recommendations = append(a.Recommendations, rec.text)
		}
	}
	return a
}

func (a *RiskAssessment) add(f RiskFactor) {
	f.Severity = RiskLevelFor(float64(f.Score))
	a.Factors = append(a.Factors, f)
	a.Score += f.Contribution()
}

func knownDevice(history []*LoginRecord, device DeviceInfo, fingerprint string) bool {
	for _, r := range history {
		if sameDevice(r, device, fingerprint) {
			return true
		}
	}
	return false
}

func countDevices(history []*LoginRecord) int {
	seen := make(map[string]struct{})
	for _, r := range history {
		seen[r.DeviceName+"|"+string(r.DeviceType)] = struct{}{}
	}
	return len(seen)
}

func knownCountry(history []*LoginRecord, country string) bool {
	for _, r := range history {
		if strValue(r.Country) == country {
			return true
		}
	}
	return false
}

func knownCity(history []*LoginRecord, country, city string) bool {
	for _, r := range history {
		if strValue(r.Country) == country && strValue(r.City) == city {
			return true
		}
	}
	return false
}

func meanLoginHour(history []*LoginRecord) float64 {
	if len(history) == 0 {
		return 0
	}
	total := 0
	for _, r := range history {
		total += r.CreatedAt.UTC().Hour()
	}
	return float64(total) / float64(len(history))
}

func countSuspicious(history []*LoginRecord) int {
	n := 0
	for _, r := range history {
		if r.IsSuspicious {
			n++
		}
	}
	return n
}

// SuspicionInputs are the signals session creation weighs to flag a session as suspicious
type SuspicionInputs struct {
	RapidLocationChange bool
	NewDevice           bool
	NewLocation         bool
	FailedAttempts      int
	VPNDetected         bool
}

// SuspicionThreshold is the weighted score at which a new session is flagged
const SuspicionThreshold = 4

// EvaluateSuspicion weighs rapid location change 3, new device and new location together 2,
// three or more failed attempts 2 and a VPN 1.
func EvaluateSuspicion(in SuspicionInputs) (int, bool) {
	score := 0
	if in.RapidLocationChange {
		score += 3
	}
	if in.NewDevice && in.NewLocation {
		score += 2
	}
	if in.FailedAttempts >= 3 {
		score += 2
	}
	if in.VPNDetected {
		score++
	}
	return score, score >= SuspicionThreshold
}
