package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/retry"
	"github.com/mbd888/cocrm/internal/tenant"
)

// Direct refunds inline with a short retry. When every attempt fails the
// record stays in its pending state and the reconciliation sweep finishes it.
type Direct struct {
	exec   *Executor
	policy retry.Policy
	logger *slog.Logger
}

var _ Compensator = (*Direct)(nil)

func NewDirect(exec *Executor, logger *slog.Logger) *Direct {
	return &Direct{
		exec: exec,
		policy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
			Retryable:   retryable,
		},
		logger: logger,
	}
}

// retryable rejects failures another attempt cannot fix.
func retryable(err error) bool {
	for _, permanent := range []error{
		ErrInvalidRequest,
		ErrNoHandler,
		ErrRecordSettled,
		ledger.ErrEntryNotFound,
		ledger.ErrNotReversible,
		tenant.ErrTenantNotFound,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

func (d *Direct) Compensate(ctx context.Context, req Request) error {
	// The caller's context may already be cancelled by the time the
	// provider call failed; the refund must still run.
	ctx = context.WithoutCancel(ctx)
	err := d.policy.Do(ctx, func() error {
		_, err := d.exec.Execute(ctx, req)
		return err
	})
	if err != nil {
		d.logger.Error("compensation failed, left for reconciliation",
			"tenant_id", req.TenantID,
			"kind", req.Kind,
			"record_id", req.RecordID,
			"entry_id", req.DebitEntryID,
			"error", err,
		)
	}
	return err
}
