package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cocrm",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// CreditsDebitedTotal sums debited paisa by reason.
	CreditsDebitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "credits_debited_paisa_total",
			Help:      "Credits debited, in paisa, by reason.",
		},
		[]string{"reason"},
	)

	// CreditsCreditedTotal sums granted or refunded paisa by reason.
	CreditsCreditedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "credits_credited_paisa_total",
			Help:      "Credits granted or refunded, in paisa, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		CreditsDebitedTotal,
		CreditsCreditedTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// RecordPosted feeds the credit counters for an entry committed by a caller
// that ran Apply inside its own transaction.
func RecordPosted(entries ...*Entry) {
	recordPosted(entries...)
}

func recordPosted(entries ...*Entry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		if e.Amount < 0 {
			CreditsDebitedTotal.WithLabelValues(string(e.Reason)).Add(float64(-e.Amount))
		} else {
			CreditsCreditedTotal.WithLabelValues(string(e.Reason)).Add(float64(e.Amount))
		}
	}
}
