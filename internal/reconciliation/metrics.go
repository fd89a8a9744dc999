package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cocrm",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of tenants whose balance differed from the ledger sum in the last run.",
	})

	reconcileStuckSagas = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cocrm",
		Subsystem: "reconciliation",
		Name:      "stuck_sagas",
		Help:      "Number of unfinished sagas found in the last run, by source.",
	}, []string{"source"})

	reconcileCompensated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cocrm",
		Subsystem: "reconciliation",
		Name:      "compensated_total",
		Help:      "Stuck sagas handed to compensation, by source and result.",
	}, []string{"source", "result"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cocrm",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cocrm",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStuckSagas,
		reconcileCompensated,
		reconcileDuration,
		reconcileErrors,
	)
}
