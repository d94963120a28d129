// Package metrics exposes prometheus counters for the attendance core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Transitions counts time-in/time-out attempts by outcome code.
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojtrack",
		Name:      "attendance_transitions_total",
		Help:      "Attendance time-in and time-out attempts by block and outcome.",
	}, []string{"action", "block", "outcome"})

	// DuplicatesPruned counts attendance rows removed by duplicate reconciliation.
	DuplicatesPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ojtrack",
		Name:      "attendance_duplicates_pruned_total",
		Help:      "Duplicate attendance rows removed after a racing time-in.",
	})

	// ForgotTimeouts counts forgot-timeout workflow actions by outcome.
	ForgotTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojtrack",
		Name:      "forgot_timeout_requests_total",
		Help:      "Forgot-timeout requests created, reviewed and cancelled by outcome.",
	}, []string{"action", "outcome"})

	// RollupFailures counts non-fatal accumulated-hours refresh failures.
	RollupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ojtrack",
		Name:      "hours_rollup_failures_total",
		Help:      "Failed refreshes of a student's accumulated hours.",
	})
)

func init() {
	prometheus.MustRegister(Transitions, DuplicatesPruned, ForgotTimeouts, RollupFailures)
}

// OK is the outcome label for successful operations.
const OK = "ok"
