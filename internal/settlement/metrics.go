package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	ingestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "settlement",
		Name:      "ingest_total",
		Help:      "Payment notifications by outcome (recorded, duplicate, invalid, invariant_violation, error).",
	}, []string{"outcome"})

	statusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "settlement",
		Name:      "provider_status_changes_total",
		Help:      "Ledger rows moved to disputed or refunded by provider notifications.",
	}, []string{"to"})

	notaryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "settlement",
		Name:      "notary_failures_total",
		Help:      "Recorded rows whose notarization failed.",
	})

	batchRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "settlement",
		Name:      "batch_rows_total",
		Help:      "Ledger rows processed by batches, by outcome (settled, manual, failed, skipped).",
	}, []string{"kind", "outcome"})

	batchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "splitpay",
		Subsystem: "settlement",
		Name:      "batch_duration_seconds",
		Help:      "Duration of settlement batch runs.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"kind"})

	batchSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "settlement",
		Name:      "batch_skipped_total",
		Help:      "Batch runs skipped because another run held the lease.",
	})
)

func init() {
	prometheus.MustRegister(ingestTotal, statusChanges, notaryFailures, batchRows, batchDuration, batchSkipped)
}
