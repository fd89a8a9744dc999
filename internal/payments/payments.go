// Package payments credits tenant balances from completed Stripe checkout
// sessions. The checkout session carries the tenant and the credit amount in
// its metadata; each Stripe event is applied at most once.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/validation"
)

// Checkout session metadata keys.
const (
	MetadataTenantID = "tenant_id"
	MetadataCredits  = "credits"
)

// Actor recorded on top-up entries.
const Actor = "stripe"

// DefaultTolerance is the accepted age of a signed payload.
const DefaultTolerance = 5 * time.Minute

// EventKey is the idempotency key of the top-up for a Stripe event.
func EventKey(eventID string) string { return "stripe_" + eventID }

// Outcome of a delivered event.
type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result reports what a webhook delivery did.
type Result struct {
	EventID  string  `json:"event_id"`
	Outcome  Outcome `json:"outcome"`
	TenantID string  `json:"tenant_id,omitempty"`
	Credits  int64   `json:"credits,omitempty"`
	EntryID  string  `json:"entry_id,omitempty"`
}

// Service verifies and applies Stripe webhooks.
type Service struct {
	ledger    *ledger.Ledger
	notifier  metering.Notifier
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

func NewService(l *ledger.Ledger, secret string, logger *slog.Logger) *Service {
	return &Service{
		ledger:    l,
		notifier:  metering.NopNotifier{},
		secret:    secret,
		tolerance: DefaultTolerance,
		logger:    logger,
	}
}

// WithNotifier sets where balance changes are published.
func (s *Service) WithNotifier(n metering.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithTolerance overrides the signature timestamp tolerance.
func (s *Service) WithTolerance(d time.Duration) *Service {
	s.tolerance = d
	return s
}

// Enabled reports whether a signing secret is configured.
func (s *Service) Enabled() bool { return s.secret != "" }

// HandleWebhook verifies payload against the Stripe-Signature header and
// credits the tenant named by a paid checkout session. Other event types and
// unpaid sessions are acknowledged and ignored. Redelivery of an applied
// event reports a duplicate without crediting again.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if !s.Enabled() {
		return nil, apperr.PermissionDeniedf("payments webhook disabled")
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid stripe signature", err)
	}
	res := &Result{EventID: ev.ID, Outcome: OutcomeIgnored}
	if ev.Type != stripe.EventTypeCheckoutSessionCompleted {
		return res, nil
	}

	var session stripe.CheckoutSession
	if ev.Data == nil || json.Unmarshal(ev.Data.Raw, &session) != nil {
		return nil, apperr.Invalid("data.object", "not a checkout session")
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		s.logger.Info("checkout session not paid, ignoring", "event_id", ev.ID, "session_id", session.ID, "payment_status", session.PaymentStatus)
		return res, nil
	}
	tenantID, credits, err := topUpFrom(session.Metadata)
	if err != nil {
		return nil, err
	}
	res.TenantID = tenantID
	res.Credits = credits

	entry, err := s.ledger.ApplyCreditDelta(ctx, ledger.Delta{
		TenantID:       tenantID,
		Amount:         credits,
		Reason:         ledger.ReasonTopUp,
		ReferenceID:    session.ID,
		ActorID:        Actor,
		IdempotencyKey: EventKey(ev.ID),
	})
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		res.Outcome = OutcomeDuplicate
		res.EntryID = EventKey(ev.ID)
		return res, nil
	}
	if err != nil {
		return nil, ledger.ClassifyError(err)
	}

	res.Outcome = OutcomeCredited
	res.EntryID = entry.ID
	s.notifier.Publish(ctx, metering.Event{
		Type:     metering.EventBalanceChanged,
		TenantID: tenantID,
		Data:     map[string]any{"balance": entry.BalanceAfter},
	})
	s.logger.Info("credits topped up",
		"tenant_id", tenantID,
		"credits", credits,
		"event_id", ev.ID,
		"session_id", session.ID,
	)
	return res, nil
}

func topUpFrom(md map[string]string) (string, int64, error) {
	tenantID := md[MetadataTenantID]
	credits, err := strconv.ParseInt(md[MetadataCredits], 10, 64)
	if err != nil {
		credits = 0
	}
	if err := validation.Validate(
		validation.Required("metadata.tenant_id", tenantID),
		validation.Positive("metadata.credits", credits),
	).Err(); err != nil {
		return "", 0, err
	}
	return tenantID, credits, nil
}
