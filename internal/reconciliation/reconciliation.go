// Package reconciliation sweeps for drift between tenant balances and the
// ledger, and drives unfinished sagas to a terminal state.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/saga"
	"github.com/mbd888/cocrm/internal/tenant"
)

// DefaultStuckAfter is how long a record may sit in its pending state
// before the sweep refunds it.
const DefaultStuckAfter = 30 * time.Minute

// Verifier compares one tenant's balance against its ledger.
type Verifier interface {
	Verify(ctx context.Context, tenantID string) (*ledger.Consistency, error)
}

// StuckSource lists sagas whose record is pending since before cutoff or
// failed without a recorded refund.
type StuckSource interface {
	Stuck(ctx context.Context, cutoff time.Time) ([]saga.Request, error)
}

// Mismatch is a tenant whose balance disagrees with its posted entries.
type Mismatch struct {
	TenantID  string `json:"tenant_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
}

// Report summarises one run.
type Report struct {
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	TenantsChecked int            `json:"tenants_checked"`
	Mismatches     []Mismatch     `json:"mismatches"`
	Stuck          map[string]int `json:"stuck"`
	Compensated    int            `json:"compensated"`
	Errors         []string       `json:"errors,omitempty"`
}

// Healthy reports whether the run found nothing to fix.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && len(r.Errors) == 0
}

// Runner performs a full reconciliation pass.
type Runner struct {
	tenants    docstore.Reader
	verifier   Verifier
	comp       saga.Compensator
	sources    map[string]StuckSource
	stuckAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewRunner(tenants docstore.Reader, verifier Verifier, comp saga.Compensator, logger *slog.Logger) *Runner {
	return &Runner{
		tenants:    tenants,
		verifier:   verifier,
		comp:       comp,
		sources:    make(map[string]StuckSource),
		stuckAfter: DefaultStuckAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// WithSource adds a saga source checked on every run.
func (r *Runner) WithSource(name string, src StuckSource) *Runner {
	r.sources[name] = src
	return r
}

// WithStuckAfter overrides the pending-state timeout.
func (r *Runner) WithStuckAfter(d time.Duration) *Runner {
	if d > 0 {
		r.stuckAfter = d
	}
	return r
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll verifies every tenant's ledger and compensates stuck sagas. A
// failing check is recorded in the report and does not stop the others;
// the error return is reserved for a run that could not start.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: r.now(), Stuck: make(map[string]int)}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	tenants, err := tenant.List(ctx, r.tenants)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("reconciliation: list tenants: %w", err)
	}
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.TenantsChecked++
		c, err := r.verifier.Verify(ctx, t.ID)
		if err != nil {
			r.fail(report, fmt.Errorf("verify %s: %w", t.ID, err))
			continue
		}
		if !c.Consistent {
			report.Mismatches = append(report.Mismatches, Mismatch{TenantID: t.ID, Balance: c.Balance, LedgerSum: c.LedgerSum})
			r.logger.Error("ledger mismatch",
				"tenant_id", t.ID,
				"balance", c.Balance,
				"ledger_sum", c.LedgerSum,
				"entries", c.Entries,
			)
		}
	}
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	cutoff := r.now().Add(-r.stuckAfter)
	for _, name := range names {
		reqs, err := r.sources[name].Stuck(ctx, cutoff)
		if err != nil {
			r.fail(report, fmt.Errorf("%s: list stuck: %w", name, err))
			continue
		}
		report.Stuck[name] = len(reqs)
		reconcileStuckSagas.WithLabelValues(name).Set(float64(len(reqs)))
		for _, req := range reqs {
			err := r.comp.Compensate(ctx, req)
			switch {
			case err == nil:
				report.Compensated++
				reconcileCompensated.WithLabelValues(name, "ok").Inc()
			case errors.Is(err, saga.ErrRecordSettled):
				reconcileCompensated.WithLabelValues(name, "settled").Inc()
			default:
				reconcileCompensated.WithLabelValues(name, "error").Inc()
				r.fail(report, fmt.Errorf("%s: compensate %s: %w", name, req.RecordID, err))
			}
		}
	}

	r.logger.Info("reconciliation complete",
		"tenants", report.TenantsChecked,
		"mismatches", len(report.Mismatches),
		"compensated", report.Compensated,
		"errors", len(report.Errors),
	)
	return report, nil
}

func (r *Runner) fail(report *Report, err error) {
	reconcileErrors.Inc()
	report.Errors = append(report.Errors, err.Error())
	r.logger.Warn("reconciliation check failed", "error", err)
}
