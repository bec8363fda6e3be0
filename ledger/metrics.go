package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Subsystem: "ledger",
		Name:      "claims_committed_total",
		Help:      "Claims settled and committed with a gateway payment reference.",
	})
	claimsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Subsystem: "ledger",
		Name:      "claims_aborted_total",
		Help:      "Claims rejected by the gateway and rolled back.",
	})
	claimsUnknown = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Subsystem: "ledger",
		Name:      "claims_unknown_total",
		Help:      "Claims left pending after an ambiguous gateway outcome.",
	})
	claimsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Subsystem: "ledger",
		Name:      "claims_reconciled_total",
		Help:      "Pending claims resolved against the gateway record.",
	})
	gatewaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streamd",
		Subsystem: "ledger",
		Name:      "gateway_transfer_seconds",
		Help:      "Latency of gateway transfer calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)
