// Package tenant holds the tenant account document: credit balance, usage
// counters and limits, and subscription status.
package tenant

import (
	"errors"
	"time"
)

var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrMemberNotFound = errors.New("tenant: member not found")
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Role is a member's role inside a tenant.
type Role string

const (
	RoleTenantAdmin Role = "tenant_admin"
	RoleMember      Role = "member"
)

// Onboarding steps recorded on the tenant.
const (
	StepCompanyCreated = "company_created"
	StepTrialActivated = "trial_activated"
)

// UsageLimits are per-tenant caps. Zero means the action is not allowed.
type UsageLimits struct {
	MaxLeadsPerMonth     int `json:"max_leads_per_month" yaml:"max_leads_per_month"`
	MaxWhatsAppMsgsDaily int `json:"max_whatsapp_msgs_daily" yaml:"max_whatsapp_msgs_daily"`
}

// Usage holds the counters compared against UsageLimits. The period fields
// record which day and month the counters were last reset for.
type Usage struct {
	LeadsFetchedThisMonth int `json:"leads_fetched_this_month"`
	WhatsAppSentToday     int `json:"whatsapp_sent_today"`
	PreviewSearchesUsed   int `json:"preview_searches_used"`
	EnrichmentsThisMonth  int `json:"enrichments_this_month"`

	DailyPeriod   string `json:"daily_period,omitempty"`
	MonthlyPeriod string `json:"monthly_period,omitempty"`
}

// Config is tenant-editable business configuration.
type Config struct {
	TargetCity       string            `json:"target_city,omitempty"`
	BusinessType     string            `json:"business_type,omitempty"`
	MessageTemplates map[string]string `json:"message_templates,omitempty"`
}

// Tenant is the account that owns leads, members and credits. Balance is
// integer paisa and is only changed through ledger.Apply.
type Tenant struct {
	ID                 string      `json:"id"`
	CompanyName        string      `json:"company_name"`
	City               string      `json:"city"`
	SubscriptionStatus Status      `json:"subscription_status"`
	CreditsBalance     int64       `json:"credits_balance"`
	UsageLimits        UsageLimits `json:"usage_limits"`
	UsageCurrent       Usage       `json:"usage_current"`
	TrialEndsAt        *time.Time  `json:"trial_ends_at,omitempty"`
	OnboardingStep     string      `json:"onboarding_step,omitempty"`
	Config             Config      `json:"config"`
	CreatedAt          time.Time   `json:"created_at"`
	CreatedBy          string      `json:"created_by,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
	UpdatedBy          string      `json:"updated_by,omitempty"`
}

func (t *Tenant) Suspended() bool { return t.SubscriptionStatus == StatusSuspended }

// PreSubscription reports whether the tenant has not converted to a paid
// subscription yet (pending or trial).
func (t *Tenant) PreSubscription() bool {
	return t.SubscriptionStatus == StatusPending || t.SubscriptionStatus == StatusTrial
}

// MonthlyLeadsRemaining is never negative.
func (t *Tenant) MonthlyLeadsRemaining() int {
	return max(0, t.UsageLimits.MaxLeadsPerMonth-t.UsageCurrent.LeadsFetchedThisMonth)
}

// Member links an authenticated user to a tenant.
type Member struct {
	UserID    string    `json:"uid"`
	TenantID  string    `json:"tenant_id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
