package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Subsystem: "reconciler",
		Name:      "sweeps_total",
		Help:      "Reconciliation passes completed.",
	})
	claimsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Subsystem: "reconciler",
		Name:      "claims_resolved_total",
		Help:      "Pending claims resolved against the gateway record.",
	})
	pendingClaims = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamd",
		Subsystem: "reconciler",
		Name:      "pending_claims",
		Help:      "Claims still awaiting an unambiguous gateway outcome.",
	})
)
