// Package metrics provides Prometheus metrics for TeamVault.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts vault operations by action and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamvault",
			Name:      "operations_total",
			Help:      "Total number of vault operations",
		},
		[]string{"action", "outcome"},
	)

	// AccessDenialsTotal counts policy denials by team.
	AccessDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamvault",
			Name:      "access_denials_total",
			Help:      "Total number of access policy denials",
		},
		[]string{"team"},
	)

	// BreakGlassEventsTotal counts break-glass token lifecycle events.
	BreakGlassEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamvault",
			Name:      "break_glass_events_total",
			Help:      "Total number of break-glass token events",
		},
		[]string{"event"},
	)

	// RotationsTotal counts rotation attempts by credential type and result.
	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamvault",
			Name:      "rotations_total",
			Help:      "Total number of credential rotation attempts",
		},
		[]string{"type", "result"},
	)

	// UnlockDuration tracks how long envelope unlock (KDF + unwrap) takes.
	UnlockDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "teamvault",
			Name:      "unlock_duration_seconds",
			Help:      "Master key envelope unlock duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	// CredentialsTotal tracks the number of live (non-tombstoned)
	// credentials in the catalog.
	CredentialsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamvault",
			Name:      "credentials_total",
			Help:      "Number of live credentials in the catalog",
		},
	)

	// AuditEventsTotal counts recorded audit events by outcome.
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamvault",
			Name:      "audit_events_total",
			Help:      "Total number of audit events recorded",
		},
		[]string{"outcome"},
	)
)
