package core

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionCreationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "sessions",
		Name:      "creations_total",
		Help:      "Session creation attempts by outcome.",
	}, []string{"outcome"}) // "created", "blocked", "policy_denied", "error"

	sessionValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "sessions",
		Name:      "validations_total",
		Help:      "Session validations by outcome.",
	}, []string{"outcome"}) // "valid", "not_found", "expired", "locked", "revoked", "error"

	riskAssessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "risk",
		Name:      "assessments_total",
		Help:      "Risk assessments by level.",
	}, []string{"level"})

	riskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wispy_trust",
		Subsystem: "risk",
		Name:      "score",
		Help:      "Distribution of weighted risk scores.",
		Buckets:   []float64{5, 10, 25, 40, 50, 60, 70, 80, 90},
	})

	policyDenialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "policy",
		Name:      "denials_total",
		Help:      "Policy denials by violated reason.",
	}, []string{"reason"})

	geoLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "geo",
		Name:      "lookups_total",
		Help:      "Geolocation resolutions by result.",
	}, []string{"result"}) // "private", "invalid", "cache_hit", "resolved", "error", "timeout"

	sweepDeletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "sweeper",
		Name:      "deletions_total",
		Help:      "Rows deleted by the periodic sweep.",
	}, []string{"kind"}) // "sessions", "activities"

	conflictsResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "conflicts",
		Name:      "resolved_total",
		Help:      "Sessions deleted by conflict auto-resolution, by strategy.",
	}, []string{"strategy"})

	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "notifications",
		Name:      "emitted_total",
		Help:      "Notifications emitted by type.",
	}, []string{"type"})

	notificationsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wispy_trust",
		Subsystem: "notifications",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the delivery queue was full or closed.",
	})
)

func init() {
	prometheus.MustRegister(
		sessionCreationsTotal,
		sessionValidationsTotal,
		riskAssessmentsTotal,
		riskScore,
		policyDenialsTotal,
		geoLookupsTotal,
		sweepDeletionsTotal,
		conflictsResolvedTotal,
		notificationsDroppedTotal,
		notificationsTotal,
	)
}
