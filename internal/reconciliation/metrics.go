package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitpay",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Ledger rows whose breakdown or transfers did not reconcile in the last run.",
	})

	reconcileStaleRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitpay",
		Subsystem: "reconciliation",
		Name:      "stale_processing_rows",
		Help:      "Ledger rows found stranded in processing in the last run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitpay",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Escrows whose release was claimed but never completed, found in the last run.",
	})

	reconcileRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "reconciliation",
		Name:      "recovered_rows_total",
		Help:      "Stale processing rows moved to failed for retry.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "splitpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "splitpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStaleRows,
		reconcileStuckEscrows,
		reconcileRecovered,
		reconcileDuration,
		reconcileErrors,
	)
}
