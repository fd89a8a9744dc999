// Package ledger is the append-only record of every credit movement. Each
// entry is written in the same transaction that changes the tenant balance,
// so the sum of posted entries always equals the balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/idgen"
	"github.com/mbd888/cocrm/internal/pagination"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/traces"
)

var (
	ErrEntryNotFound   = errors.New("ledger: entry not found")
	ErrDuplicateEntry  = errors.New("ledger: idempotency key already used")
	ErrAlreadyReversed = errors.New("ledger: entry already reversed")
	ErrNotReversible   = errors.New("ledger: only debits can be refunded")
	ErrZeroAmount      = errors.New("ledger: amount must be non-zero")
)

const Collection = "credit_transactions"

// Reason says why credits moved.
type Reason string

const (
	ReasonTrialOpening   Reason = "trial_opening_balance"
	ReasonTopUp          Reason = "topup"
	ReasonLeadDiscovery  Reason = "lead_discovery"
	ReasonLeadEnrichment Reason = "lead_enrichment"
	ReasonWhatsAppSend   Reason = "whatsapp_send"
	ReasonRefund         Reason = "refund"
	ReasonAdjustment     Reason = "manual_adjustment"
)

// Status of an entry. Entries are never edited except to flip a debit from
// confirmed to reversed when its refund is posted.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusReversed  Status = "reversed"
)

// Posted reports whether an entry with this status is part of the balance.
// A reversed debit still moved the balance; its refund is a separate
// confirmed entry that moves it back.
func (s Status) Posted() bool {
	return s == StatusConfirmed || s == StatusReversed
}

// Entry is one signed credit movement in paisa. Debits are negative.
type Entry struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Amount         int64     `json:"amount"`
	Reason         Reason    `json:"reason"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Status         Status    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	ReversesID     string    `json:"reverses_id,omitempty"`
	BalanceAfter   int64     `json:"balance_after"`
	Timestamp      time.Time `json:"timestamp"`
	CreatedBy      string    `json:"created_by"`
}

func Key(id string) docstore.Key { return docstore.K(Collection, id) }

// Delta describes a balance change to post.
type Delta struct {
	TenantID    string
	Amount      int64
	Reason      Reason
	ReferenceID string
	ActorID     string
	// IdempotencyKey, when set, becomes the entry id so a second posting
	// with the same key fails with ErrDuplicateEntry.
	IdempotencyKey string
	ReversesID     string
}

// RefundKey is the idempotency key of the refund for a debit.
func RefundKey(debitID string) string { return "refund_" + debitID }

// Apply posts d against t inside tx: it checks the balance covers a debit,
// writes the entry and saves the updated tenant. t must have been loaded
// from tx. On error nothing in t should be persisted.
func Apply(ctx context.Context, tx docstore.Tx, t *tenant.Tenant, d Delta, now time.Time) (*Entry, error) {
	if d.Amount == 0 {
		return nil, ErrZeroAmount
	}
	if d.Amount < 0 && t.CreditsBalance < -d.Amount {
		return nil, apperr.Insufficient(-d.Amount, t.CreditsBalance)
	}

	id := d.IdempotencyKey
	if id == "" {
		id = idgen.NewAt(now)
	}
	e := &Entry{
		ID:             id,
		TenantID:       t.ID,
		Amount:         d.Amount,
		Reason:         d.Reason,
		ReferenceID:    d.ReferenceID,
		Status:         StatusConfirmed,
		IdempotencyKey: d.IdempotencyKey,
		ReversesID:     d.ReversesID,
		BalanceAfter:   t.CreditsBalance + d.Amount,
		Timestamp:      now,
		CreatedBy:      d.ActorID,
	}
	if err := tx.Create(ctx, Key(id), e); err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return nil, ErrDuplicateEntry
		}
		return nil, fmt.Errorf("ledger: write entry: %w", err)
	}

	t.CreditsBalance += d.Amount
	if err := tenant.Save(ctx, tx, t, now, d.ActorID); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadEntry reads an entry inside tx.
func LoadEntry(ctx context.Context, tx docstore.Tx, id string) (*Entry, error) {
	var e Entry
	if err := tx.Get(ctx, Key(id), &e); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// RefundTx reverses debit debitID inside tx: it posts a compensating credit
// keyed by RefundKey(debitID) and flips the debit to reversed. If the debit
// was already refunded the existing refund entry is returned together with
// ErrAlreadyReversed.
func RefundTx(ctx context.Context, tx docstore.Tx, debitID, actor string, now time.Time) (*Entry, error) {
	debit, err := LoadEntry(ctx, tx, debitID)
	if err != nil {
		return nil, err
	}
	if debit.Amount >= 0 {
		return nil, ErrNotReversible
	}
	if debit.Status == StatusReversed {
		existing, err := LoadEntry(ctx, tx, RefundKey(debitID))
		switch {
		case errors.Is(err, ErrEntryNotFound):
			// Reversed without a keyed refund entry (operator adjustment).
			return nil, ErrAlreadyReversed
		case err != nil:
			return nil, fmt.Errorf("ledger: load refund of %s: %w", debitID, err)
		}
		return existing, ErrAlreadyReversed
	}

	t, err := tenant.Load(ctx, tx, debit.TenantID)
	if err != nil {
		return nil, err
	}
	refund, err := Apply(ctx, tx, t, Delta{
		TenantID:       debit.TenantID,
		Amount:         -debit.Amount,
		Reason:         ReasonRefund,
		ReferenceID:    debit.ReferenceID,
		ActorID:        actor,
		IdempotencyKey: RefundKey(debitID),
		ReversesID:     debitID,
	}, now)
	if err != nil {
		return nil, err
	}

	debit.Status = StatusReversed
	if err := tx.Set(ctx, Key(debit.ID), debit); err != nil {
		return nil, err
	}
	return refund, nil
}

// Ledger runs ledger operations in their own transactions.
type Ledger struct {
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store docstore.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ApplyCreditDelta loads the tenant and posts d in one transaction.
func (l *Ledger) ApplyCreditDelta(ctx context.Context, d Delta) (_ *Entry, err error) {
	defer observeOp("apply")()
	ctx, span := traces.StartSpan(ctx, "ledger.apply",
		traces.TenantID(d.TenantID), traces.Amount(d.Amount), traces.Reference(d.ReferenceID))
	defer func() { traces.End(span, err) }()

	var entry *Entry
	err = l.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		t, err := tenant.Load(ctx, tx, d.TenantID)
		if err != nil {
			return err
		}
		entry, err = Apply(ctx, tx, t, d, l.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	recordPosted(entry)
	return entry, nil
}

// Refund reverses a debit in its own transaction. See RefundTx.
func (l *Ledger) Refund(ctx context.Context, debitID, actor string) (*Entry, error) {
	defer observeOp("refund")()

	var refund *Entry
	err := l.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		refund, err = RefundTx(ctx, tx, debitID, actor, l.now())
		return err
	})
	if err != nil {
		return refund, err
	}
	recordPosted(refund)
	l.logger.Info("debit refunded", "tenant_id", refund.TenantID, "entry_id", debitID, "refund_id", refund.ID, "amount", refund.Amount)
	return refund, nil
}

// Entries returns every entry of a tenant, oldest first.
func (l *Ledger) Entries(ctx context.Context, tenantID string) ([]*Entry, error) {
	docs, err := l.store.Query(ctx, Collection, docstore.Where("tenant_id", tenantID))
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(docs))
	for _, d := range docs {
		var e Entry
		if err := d.Decode(&e); err != nil {
			return nil, fmt.Errorf("ledger: decode %s: %w", d.Key.ID, err)
		}
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// History returns up to limit entries, newest first.
func (l *Ledger) History(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	entries, err := l.Entries(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// HistoryPage returns up to limit entries older than cursor, newest first,
// and the cursor of the next page. Entries posted while a caller pages do
// not shift later pages.
func (l *Ledger) HistoryPage(ctx context.Context, tenantID, cursor string, limit int) ([]*Entry, string, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	entries, err := l.History(ctx, tenantID, 0)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(entries, cur, limit, func(e *Entry) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	return page, next, nil
}

// Sum adds the amounts of posted entries.
func Sum(entries []*Entry) int64 {
	var total int64
	for _, e := range entries {
		if e.Status.Posted() {
			total += e.Amount
		}
	}
	return total
}

// Consistency compares a tenant balance with its ledger.
type Consistency struct {
	TenantID   string `json:"tenant_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Entries    int    `json:"entries"`
	Consistent bool   `json:"consistent"`
}

// Verify checks that the balance equals the sum of posted entries. The
// balance is read before and after the entries; if it moved in between the
// read is repeated.
func (l *Ledger) Verify(ctx context.Context, tenantID string) (*Consistency, error) {
	const attempts = 3
	for i := 0; ; i++ {
		before, err := tenant.Get(ctx, l.store, tenantID)
		if err != nil {
			return nil, err
		}
		entries, err := l.Entries(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		after, err := tenant.Get(ctx, l.store, tenantID)
		if err != nil {
			return nil, err
		}
		if before.CreditsBalance != after.CreditsBalance && i < attempts-1 {
			continue
		}

		sum := Sum(entries)
		return &Consistency{
			TenantID:   tenantID,
			Balance:    after.CreditsBalance,
			LedgerSum:  sum,
			Entries:    len(entries),
			Consistent: sum == after.CreditsBalance,
		}, nil
	}
}
