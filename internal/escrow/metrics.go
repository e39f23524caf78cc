package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrow state transitions by target status.",
	}, []string{"to"})

	releaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "escrow",
		Name:      "release_failures_total",
		Help:      "Releases whose payout failed and were reverted to funded.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "splitpay",
		Subsystem: "escrow",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of auto-release sweeps.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, releaseFailures, sweepDuration)
}
