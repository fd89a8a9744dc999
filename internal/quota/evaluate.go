package quota

import (
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/tenant"
)

// CheckDiscovery decides whether t may run a discovery search and returns
// the page size to request.
func (p Policy) CheckDiscovery(t *tenant.Tenant, preview bool) (int, error) {
	if preview {
		if !t.PreSubscription() {
			return 0, apperr.PermissionDeniedf("preview search is only available before subscribing")
		}
		if t.UsageCurrent.PreviewSearchesUsed >= p.PreviewSearchesMax {
			return 0, apperr.LimitReached(apperr.PreviewLimitReached, p.PreviewSearchesMax)
		}
		return p.PreviewPageSize, nil
	}
	if t.UsageCurrent.LeadsFetchedThisMonth >= t.UsageLimits.MaxLeadsPerMonth {
		return 0, apperr.LimitReached(apperr.MonthlyLimitReached, t.UsageLimits.MaxLeadsPerMonth)
	}
	return p.PageSize, nil
}

// CheckDailyMessages fails once the daily WhatsApp cap is used up.
func (p Policy) CheckDailyMessages(t *tenant.Tenant) error {
	if t.UsageCurrent.WhatsAppSentToday >= t.UsageLimits.MaxWhatsAppMsgsDaily {
		return apperr.LimitReached(apperr.DailyLimitReached, t.UsageLimits.MaxWhatsAppMsgsDaily)
	}
	return nil
}

// CheckTrialActivation allows activation only from pending.
func (p Policy) CheckTrialActivation(t *tenant.Tenant) error {
	switch t.SubscriptionStatus {
	case tenant.StatusPending:
		return nil
	case tenant.StatusTrial, tenant.StatusActive:
		return apperr.New(apperr.AlreadyActivated, "subscription is "+string(t.SubscriptionStatus))
	case tenant.StatusSuspended:
		return apperr.PermissionDeniedf("account suspended")
	default:
		return apperr.PermissionDeniedf("unknown subscription status %q", t.SubscriptionStatus)
	}
}

// TrialEndsAt is when a trial started at now expires.
func (p Policy) TrialEndsAt(now time.Time) time.Time {
	return now.Add(p.TrialDuration)
}
