// Package metering holds the steps every billable action shares: authorise
// the caller, throttle the call, and run the quota and balance mutation in a
// single store transaction. The external effect happens after Reserve
// returns, outside any transaction.
package metering

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metrics"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/ratelimit"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/traces"
)

// ReserveFunc mutates quota counters and posts ledger entries for t inside
// tx. It may run more than once when the store retries. It returns the
// entries it posted so their metrics are recorded once after commit.
type ReserveFunc func(ctx context.Context, tx docstore.Tx, t *tenant.Tenant) ([]*ledger.Entry, error)

// Service is shared by the action packages.
type Service struct {
	store    docstore.Store
	limiter  ratelimit.Checker
	policy   quota.Policy
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(store docstore.Store, limiter ratelimit.Checker, policy quota.Policy, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		limiter:  limiter,
		policy:   policy,
		notifier: NopNotifier{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithNotifier sets where out-of-band status events go.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

func (s *Service) Store() docstore.Store { return s.store }
func (s *Service) Policy() quota.Policy  { return s.policy }
func (s *Service) Logger() *slog.Logger  { return s.logger }
func (s *Service) Now() time.Time        { return s.now() }

// Authorize checks the caller is signed in and, when requireTenant is set,
// bound to a tenant with one of roles (any role when roles is empty).
func Authorize(id auth.Identity, requireTenant bool, roles ...tenant.Role) error {
	if !id.Authenticated() {
		return apperr.ErrUnauthenticated
	}
	if !requireTenant {
		return nil
	}
	if !id.HasTenant() {
		return apperr.PermissionDeniedf("no organization")
	}
	if len(roles) > 0 && !slices.Contains(roles, tenant.Role(id.Role)) {
		return apperr.PermissionDeniedf("role %q may not perform this action", id.Role)
	}
	return nil
}

// Throttle counts one call of action against the caller's rate window.
// Actions without a configured rule are not limited.
func (s *Service) Throttle(ctx context.Context, action quota.Action, id auth.Identity) error {
	rule, ok := s.policy.Rule(action)
	if !ok {
		return nil
	}
	var subject string
	switch rule.Scope {
	case quota.ScopeTenant:
		subject = id.TenantID
	case quota.ScopeUser:
		subject = id.UserID
	case quota.ScopeIP:
		subject = id.IP
		if subject == "" {
			subject = "unknown"
		}
	}
	if subject == "" {
		return apperr.PermissionDeniedf("no %s to rate limit %s against", rule.Scope, action)
	}

	err := s.limiter.Check(ctx, rule.Key(action, subject), rule.MaxCalls, rule.Window)
	if apperr.KindOf(err) == apperr.RateLimited {
		metrics.RateLimitRejectionsTotal.WithLabelValues(string(action)).Inc()
	}
	return err
}

// Reserve loads the tenant and runs fn in one transaction. Suspended
// tenants are rejected before fn runs. Nothing fn wrote survives an error.
func (s *Service) Reserve(ctx context.Context, tenantID string, fn ReserveFunc) error {
	var posted []*ledger.Entry
	err := s.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		posted = nil
		t, err := tenant.Load(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if t.Suspended() {
			return apperr.PermissionDeniedf("account suspended")
		}
		posted, err = fn(ctx, tx, t)
		return err
	})
	if err != nil {
		return Classify(err)
	}
	ledger.RecordPosted(posted...)
	return nil
}

// Classify maps storage and ledger sentinels onto the public taxonomy.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case docstore.IsConflict(err):
		return apperr.ServiceUnavailable("document store", err)
	case errors.Is(err, tenant.ErrMemberNotFound):
		return apperr.PermissionDeniedf("no organization")
	}
	return ledger.ClassifyError(err)
}

// Track opens a span for action and returns the func that closes it and
// records the outcome.
func (s *Service) Track(ctx context.Context, action quota.Action, tenantID string) (context.Context, func(error)) {
	ctx = logging.WithFallback(ctx, s.logger)
	if tenantID != "" {
		ctx = logging.WithTenant(ctx, tenantID)
	}
	ctx, span := traces.StartSpan(ctx, string(action), traces.Action(string(action)), traces.TenantID(tenantID))
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			kind := apperr.KindOf(err)
			result = kind.String()
			switch kind {
			case apperr.InsufficientCredits, apperr.MonthlyLimitReached,
				apperr.DailyLimitReached, apperr.PreviewLimitReached:
				metrics.QuotaRejectionsTotal.WithLabelValues(string(action), result).Inc()
			}
		}
		metrics.BillableActionsTotal.WithLabelValues(string(action), result).Inc()
		traces.End(span, err)
	}
}
