// Package saga completes billable actions whose external effect failed after
// the debit committed. Compensation posts a refund that references the debit
// and moves the dependent record to its failed state in one transaction, so
// a refund is never visible without the status change or the other way round.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/metrics"
	"github.com/mbd888/cocrm/internal/tenant"
)

var (
	ErrInvalidRequest = errors.New("saga: incomplete request")
	ErrNoHandler      = errors.New("saga: no handler registered")

	// ErrRecordSettled is returned by a MarkFunc whose record already
	// reached its success state. The refund is abandoned.
	ErrRecordSettled = errors.New("saga: record already settled")
)

// Kind names the action a saga belongs to.
type Kind string

const (
	KindWhatsAppSend   Kind = "whatsapp_send"
	KindLeadEnrichment Kind = "lead_enrichment"
)

// SystemActor is recorded as the creator of compensating entries.
const SystemActor = "system"

// Request identifies one debit to reverse and the record that depends on it.
type Request struct {
	TenantID     string `json:"tenant_id"`
	DebitEntryID string `json:"debit_entry_id"`
	Kind         Kind   `json:"kind"`
	RecordID     string `json:"record_id"`
	Reason       string `json:"reason"`
}

func (r Request) validate() error {
	if r.DebitEntryID == "" || r.Kind == "" || r.RecordID == "" {
		return fmt.Errorf("%w: %+v", ErrInvalidRequest, r)
	}
	return nil
}

// MarkFunc moves the dependent record to its failed terminal state inside
// tx. It must be idempotent: it can run again after the refund exists.
type MarkFunc func(ctx context.Context, tx docstore.Tx, req Request, refund *ledger.Entry) error

// Compensator accepts a failed action for refunding. Implementations either
// refund inline or hand the request to a durable queue.
type Compensator interface {
	Compensate(ctx context.Context, req Request) error
}

// Executor performs compensation against the store.
type Executor struct {
	store    docstore.Store
	logger   *slog.Logger
	notifier metering.Notifier
	now      func() time.Time

	mu    sync.RWMutex
	marks map[Kind]MarkFunc
}

func NewExecutor(store docstore.Store, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		logger:   logger,
		notifier: metering.NopNotifier{},
		now:      time.Now,
		marks:    make(map[Kind]MarkFunc),
	}
}

// WithClock overrides the time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// WithNotifier sets where refund events go.
func (e *Executor) WithNotifier(n metering.Notifier) *Executor {
	if n != nil {
		e.notifier = n
	}
	return e
}

// Register installs the mark step for kind. Action packages call this when
// they are constructed.
func (e *Executor) Register(kind Kind, mark MarkFunc) {
	e.mu.Lock()
	e.marks[kind] = mark
	e.mu.Unlock()
}

func (e *Executor) mark(kind Kind) (MarkFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.marks[kind]
	return m, ok
}

// Execute refunds req's debit and marks its record failed. Running it again
// for the same debit posts nothing new and returns the existing refund.
func (e *Executor) Execute(ctx context.Context, req Request) (*ledger.Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	mark, ok := e.mark(req.Kind)
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrNoHandler, req.Kind)
	}

	var (
		refund  *ledger.Entry
		already bool
		balance int64
	)
	err := e.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		refund, err = ledger.RefundTx(ctx, tx, req.DebitEntryID, SystemActor, e.now())
		already = errors.Is(err, ledger.ErrAlreadyReversed)
		if err != nil && !already {
			return err
		}
		if err := mark(ctx, tx, req, refund); err != nil {
			return err
		}
		if !already {
			t, err := tenant.Load(ctx, tx, req.TenantID)
			if err != nil {
				return err
			}
			balance = t.CreditsBalance
		}
		return nil
	})
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return nil, err
	}
	if already {
		metrics.CompensationsTotal.WithLabelValues(string(req.Kind), "already_refunded").Inc()
		return refund, nil
	}

	metrics.CompensationsTotal.WithLabelValues(string(req.Kind), "refunded").Inc()
	ledger.RecordPosted(refund)
	e.logger.Info("debit refunded",
		"tenant_id", req.TenantID,
		"kind", req.Kind,
		"record_id", req.RecordID,
		"entry_id", req.DebitEntryID,
		"refund_id", refund.ID,
		"reason", req.Reason,
	)
	e.notifier.Publish(ctx, metering.Event{
		Type:     metering.EventRefundIssued,
		TenantID: req.TenantID,
		Data: map[string]any{
			"kind":     string(req.Kind),
			"recordId": req.RecordID,
			"amount":   refund.Amount,
		},
	})
	e.notifier.Publish(ctx, metering.Event{
		Type:     metering.EventBalanceChanged,
		TenantID: req.TenantID,
		Data:     map[string]any{"balance": balance},
	})
	return refund, nil
}
