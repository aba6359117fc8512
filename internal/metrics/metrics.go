package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	// claims_total{lineage,variant,outcome}
	ClaimsTotal   *prometheus.CounterVec
	ClaimDuration *prometheus.HistogramVec

	ProofsTotal   *prometheus.CounterVec
	FailuresTotal *prometheus.CounterVec

	// sweep_units_total{lineage,outcome}; outcome is done, failed or reset.
	SweepUnitsTotal *prometheus.CounterVec

	ReconcilesTotal *prometheus.CounterVec
	VerdictsApplied *prometheus.CounterVec

	// external_actions_total{action,outcome}
	ExternalActions *prometheus.CounterVec

	NotificationsTotal *prometheus.CounterVec
}

// New registers the collectors on the default registry once and returns
// the shared set.
func New() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ClaimsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "claims_total",
				Help:      "Claim requests by outcome",
			}, []string{"lineage", "variant", "outcome"}),
			ClaimDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "claimline",
				Name:      "claim_duration_seconds",
				Help:      "Time spent serving a claim request",
				Buckets:   prometheus.DefBuckets,
			}, []string{"lineage"}),
			ProofsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "proofs_total",
				Help:      "Proofs submitted and rounds bound",
			}, []string{"lineage", "stage"}),
			FailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "claimant_failures_total",
				Help:      "Failure reports received from claimants",
			}, []string{"lineage"}),
			SweepUnitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "sweep_units_total",
				Help:      "Units moved by the stale claim sweeper",
			}, []string{"lineage", "outcome"}),
			ReconcilesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "reconciles_total",
				Help:      "Round reconciliations by outcome",
			}, []string{"lineage", "outcome"}),
			VerdictsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "verdicts_applied_total",
				Help:      "Per-unit verdicts applied during reconciliation",
			}, []string{"lineage", "verdict"}),
			ExternalActions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "external_actions_total",
				Help:      "Source control calls by outcome",
			}, []string{"action", "outcome"}),
			NotificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimline",
				Name:      "notifications_total",
				Help:      "Outbound notifications by outcome",
			}, []string{"type", "outcome"}),
		}
	})
	return global
}

// Outcome maps an error to a result label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
