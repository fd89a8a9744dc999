// Package onboarding provisions tenants and activates their trial. Tenant
// creation binds the caller to a new pending tenant as its admin; trial
// activation grants the opening credits exactly once.
package onboarding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/idgen"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/validation"
)

// TokenIssuer signs identity tokens.
type TokenIssuer interface {
	Issue(id auth.Identity) (string, error)
}

// TrialKey is the idempotency key of a tenant's opening grant.
func TrialKey(tenantID string) string { return "trial_opening_" + tenantID }

// CreateTenantRequest is the company profile entered at signup.
type CreateTenantRequest struct {
	CompanyName  string `json:"companyName"`
	City         string `json:"city"`
	AdminName    string `json:"adminName"`
	BusinessType string `json:"businessType,omitempty"`
}

// CreateTenantResult carries the new tenant and a token bound to it.
type CreateTenantResult struct {
	TenantID string `json:"tenantId"`
	Token    string `json:"token"`
}

// TrialResult reports the grant.
type TrialResult struct {
	Success        bool      `json:"success"`
	CreditsGranted int64     `json:"credits_granted"`
	Balance        int64     `json:"credits_balance"`
	TrialEndsAt    time.Time `json:"trial_ends_at"`
}

// Service runs onboarding actions.
type Service struct {
	meter  *metering.Service
	issuer TokenIssuer
}

func NewService(meter *metering.Service, issuer TokenIssuer) *Service {
	return &Service{meter: meter, issuer: issuer}
}

func (r CreateTenantRequest) validate() error {
	return validation.Validate(
		validation.MinLength("companyName", r.CompanyName, 2),
		validation.MaxLength("companyName", r.CompanyName, 200),
		validation.Required("city", r.City),
		validation.MaxLength("city", r.City, 100),
		validation.MinLength("adminName", r.AdminName, 2),
		validation.MaxLength("adminName", r.AdminName, 100),
	).Err()
}

// CreateTenant creates a pending tenant with the caller as its admin and
// returns a token carrying the new binding. A caller already bound to a
// tenant, by token or by stored membership, gets AlreadyExists.
func (s *Service) CreateTenant(ctx context.Context, id auth.Identity, req CreateTenantRequest) (res *CreateTenantResult, err error) {
	if err := metering.Authorize(id, false); err != nil {
		return nil, err
	}
	ctx, done := s.meter.Track(ctx, quota.ActionCreateTenant, "")
	defer func() { done(err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.meter.Throttle(ctx, quota.ActionCreateTenant, id); err != nil {
		return nil, err
	}
	if id.HasTenant() {
		return nil, apperr.New(apperr.AlreadyExists, "user already belongs to an organization")
	}

	tenantID := idgen.NewAt(s.meter.Now())
	err = s.meter.Store().RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		m, err := tenant.LoadMember(ctx, tx, id.UserID)
		switch {
		case err == nil && m.TenantID != "":
			return apperr.New(apperr.AlreadyExists, "user already belongs to an organization")
		case err != nil && !errors.Is(err, tenant.ErrMemberNotFound):
			return err
		}

		now := s.meter.Now()
		t := &tenant.Tenant{
			ID:                 tenantID,
			CompanyName:        validation.SanitizeString(strings.TrimSpace(req.CompanyName), 200),
			City:               validation.SanitizeString(strings.TrimSpace(req.City), 100),
			SubscriptionStatus: tenant.StatusPending,
			UsageLimits:        s.meter.Policy().DefaultLimits,
			OnboardingStep:     tenant.StepCompanyCreated,
			Config:             tenant.Config{TargetCity: strings.TrimSpace(req.City), BusinessType: req.BusinessType},
			CreatedAt:          now,
			CreatedBy:          id.UserID,
			UpdatedAt:          now,
			UpdatedBy:          id.UserID,
		}
		if err := tx.Create(ctx, tenant.Key(t.ID), t); err != nil {
			return err
		}
		member := &tenant.Member{
			UserID:    id.UserID,
			TenantID:  t.ID,
			Role:      tenant.RoleTenantAdmin,
			Name:      validation.SanitizeString(strings.TrimSpace(req.AdminName), 100),
			Email:     id.Email,
			IsActive:  true,
			CreatedAt: now,
		}
		return tx.Set(ctx, tenant.MemberKey(id.UserID), member)
	})
	if err != nil {
		return nil, metering.Classify(err)
	}

	bound := id
	bound.TenantID = tenantID
	bound.Role = string(tenant.RoleTenantAdmin)
	token, err := s.issuer.Issue(bound)
	if err != nil {
		// The tenant exists; the client can refresh its token to pick up
		// the binding.
		logging.L(ctx).Error("issuing token for new tenant", "tenant_id", tenantID, "error", err)
		return nil, apperr.InternalError(err)
	}
	logging.L(ctx).Info("tenant created", "tenant_id", tenantID, "user_id", id.UserID)
	return &CreateTenantResult{TenantID: tenantID, Token: token}, nil
}

// ActivateTrial moves a pending tenant to trial and grants the opening
// credits. The status precondition and the grant share one transaction and
// the grant carries a per-tenant idempotency key, so concurrent calls grant
// once and the rest get AlreadyActivated.
func (s *Service) ActivateTrial(ctx context.Context, id auth.Identity) (res *TrialResult, err error) {
	if err := metering.Authorize(id, true, tenant.RoleTenantAdmin); err != nil {
		return nil, err
	}
	ctx, done := s.meter.Track(ctx, quota.ActionActivateTrial, id.TenantID)
	defer func() { done(err) }()

	if err := s.meter.Throttle(ctx, quota.ActionActivateTrial, id); err != nil {
		return nil, err
	}

	policy := s.meter.Policy()
	err = s.meter.Reserve(ctx, id.TenantID, func(ctx context.Context, tx docstore.Tx, t *tenant.Tenant) ([]*ledger.Entry, error) {
		if err := policy.CheckTrialActivation(t); err != nil {
			return nil, err
		}
		now := s.meter.Now()
		ends := policy.TrialEndsAt(now)
		t.SubscriptionStatus = tenant.StatusTrial
		t.TrialEndsAt = &ends
		t.OnboardingStep = tenant.StepTrialActivated
		t.UsageCurrent.PreviewSearchesUsed = 0

		res = &TrialResult{Success: true, CreditsGranted: policy.TrialCredits, TrialEndsAt: ends}
		if policy.TrialCredits == 0 {
			res.Balance = t.CreditsBalance
			return nil, tenant.Save(ctx, tx, t, now, id.UserID)
		}
		entry, err := ledger.Apply(ctx, tx, t, ledger.Delta{
			TenantID:       t.ID,
			Amount:         policy.TrialCredits,
			Reason:         ledger.ReasonTrialOpening,
			ActorID:        id.UserID,
			IdempotencyKey: TrialKey(t.ID),
		}, now)
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, apperr.New(apperr.AlreadyActivated, "trial already granted")
		}
		if err != nil {
			return nil, err
		}
		res.Balance = t.CreditsBalance
		return []*ledger.Entry{entry}, nil
	})
	if err != nil {
		return nil, err
	}

	s.meter.NotifyBalance(ctx, id.TenantID, res.Balance)
	logging.L(ctx).Info("trial activated",
		"credits", res.CreditsGranted,
		"trial_ends_at", res.TrialEndsAt,
	)
	return res, nil
}
