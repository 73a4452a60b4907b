package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	completionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "calculator",
		Name:      "completion_events_total",
		Help:      "Completion events handled, labeled by outcome.",
	}, []string{"outcome"})

	conflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "calculator",
		Name:      "state_conflicts_total",
		Help:      "Compare-and-swap attempts on streak state lost to a concurrent writer.",
	})

	oracleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "oracle",
		Name:      "lookups_total",
		Help:      "Activity oracle lookups, labeled by result (active, inactive, error).",
	}, []string{"result"})

	lateResolvedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "calculator",
		Name:      "lazy_late_resolutions_total",
		Help:      "Past days resolved as LATE by window reads.",
	})

	overrideCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "calculator",
		Name:      "admin_overrides_total",
		Help:      "Administrative streak overrides applied.",
	})

	reconcileCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "calculator",
		Name:      "reconcile_runs_total",
		Help:      "Full streak recomputations completed.",
	})

	streakUpdatedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streak_service",
		Subsystem: "persistence",
		Name:      "last_streak_update_timestamp_seconds",
		Help:      "Unix timestamp of the most recent streak state write.",
	})
)

func init() {
	prometheus.MustRegister(completionCounter, conflictCounter, oracleCounter, lateResolvedCounter, overrideCounter, reconcileCounter, streakUpdatedGauge)
}

// RecordCompletion counts a completion event by outcome.
func RecordCompletion(outcome string) {
	completionCounter.WithLabelValues(outcome).Inc()
}

// RecordConflict counts a lost compare-and-swap.
func RecordConflict() {
	conflictCounter.Inc()
}

// RecordOracleLookup counts an oracle answer or failure.
func RecordOracleLookup(active bool, err error) {
	switch {
	case err != nil:
		oracleCounter.WithLabelValues("error").Inc()
	case active:
		oracleCounter.WithLabelValues("active").Inc()
	default:
		oracleCounter.WithLabelValues("inactive").Inc()
	}
}

// RecordLateResolved counts a day lazily cached as LATE.
func RecordLateResolved() {
	lateResolvedCounter.Inc()
}

// RecordOverride counts an admin override.
func RecordOverride() {
	overrideCounter.Inc()
}

// RecordReconcile counts a reconcile run.
func RecordReconcile() {
	reconcileCounter.Inc()
}

// RecordStreakUpdated updates the write watermark gauge.
func RecordStreakUpdated(ts time.Time) {
	if ts.IsZero() {
		return
	}
	streakUpdatedGauge.Set(float64(ts.Unix()))
}
