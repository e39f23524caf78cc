package payout

import "github.com/prometheus/client_golang/prometheus"

var (
	transfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "payout",
		Name:      "transfers_total",
		Help:      "Payout transfers by rail and outcome.",
	}, []string{"rail", "outcome"})

	transferDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "splitpay",
		Subsystem: "payout",
		Name:      "transfer_duration_seconds",
		Help:      "Time spent executing a transfer, retries included.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"rail"})
)

func init() {
	prometheus.MustRegister(transfersTotal, transferDuration)
}
