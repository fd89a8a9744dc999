// Package quota holds the tunable policy for billable actions: rate limits,
// credit costs, usage caps and the trial grant. Evaluators here are pure
// functions of a tenant snapshot; callers run them inside the transaction
// that consumes the quota.
package quota

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/cocrm/internal/tenant"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionDiscoverLeads Action = "discoverLeads"
	ActionEnrichLeads   Action = "enrichLeads"
	ActionSendWhatsApp  Action = "sendWhatsapp"
	ActionCreateTenant  Action = "createTenant"
	ActionActivateTrial Action = "activateTrial"
	ActionSendInvite    Action = "sendInvite"
	ActionAIReply       Action = "aiReply"
	ActionLogError      Action = "logError"
	ActionLogLogin      Action = "logLogin"
)

// Scope is the subject a rate window is counted against.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
	ScopeIP     Scope = "ip"
)

// RateRule is a fixed-window limit.
type RateRule struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
	Scope    Scope         `yaml:"scope"`
}

// Key builds the rate-limit document key, e.g. "tenant_t1_discoverLeads".
func (r RateRule) Key(action Action, subject string) string {
	return fmt.Sprintf("%s_%s_%s", r.Scope, subject, action)
}

// MessageCategory selects the WhatsApp pricing tier.
type MessageCategory string

const (
	CategoryMarketing MessageCategory = "marketing"
	CategoryUtility   MessageCategory = "utility"
	CategoryFreeform  MessageCategory = "freeform"
)

// Costs are per-unit prices in paisa.
type Costs struct {
	WhatsAppMarketing int64 `yaml:"whatsapp_marketing"`
	WhatsAppUtility   int64 `yaml:"whatsapp_utility"`
	WhatsAppFreeform  int64 `yaml:"whatsapp_freeform"`
	EnrichmentPerLead int64 `yaml:"enrichment_per_lead"`
	DiscoveryPerLead  int64 `yaml:"discovery_per_lead"`
}

// Policy is the full set of tunables.
type Policy struct {
	RateLimits map[Action]RateRule `yaml:"rate_limits"`
	Costs      Costs               `yaml:"costs"`

	PreviewSearchesMax int `yaml:"preview_searches_max"`
	PreviewPageSize    int `yaml:"preview_page_size"`
	PageSize           int `yaml:"page_size"`
	MaxEnrichBatch     int `yaml:"max_enrich_batch"`

	TrialCredits  int64         `yaml:"trial_credits"`
	TrialDuration time.Duration `yaml:"trial_duration"`

	DefaultLimits tenant.UsageLimits `yaml:"default_limits"`
}

// Default mirrors the production limits table.
func Default() Policy {
	return Policy{
		RateLimits: map[Action]RateRule{
			ActionDiscoverLeads: {MaxCalls: 10, Window: time.Minute, Scope: ScopeTenant},
			ActionSendWhatsApp:  {MaxCalls: 50, Window: time.Minute, Scope: ScopeTenant},
			ActionCreateTenant:  {MaxCalls: 5, Window: time.Minute, Scope: ScopeIP},
			ActionLogError:      {MaxCalls: 10, Window: time.Minute, Scope: ScopeUser},
			ActionLogLogin:      {MaxCalls: 5, Window: time.Minute, Scope: ScopeUser},
			ActionEnrichLeads:   {MaxCalls: 5, Window: time.Minute, Scope: ScopeTenant},
			ActionActivateTrial: {MaxCalls: 3, Window: 5 * time.Minute, Scope: ScopeUser},
			ActionSendInvite:    {MaxCalls: 10, Window: time.Hour, Scope: ScopeTenant},
			ActionAIReply:       {MaxCalls: 20, Window: time.Minute, Scope: ScopeTenant},
		},
		Costs: Costs{
			WhatsAppMarketing: 80,
			WhatsAppUtility:   30,
			WhatsAppFreeform:  30,
			EnrichmentPerLead: 50,
			DiscoveryPerLead:  0,
		},
		PreviewSearchesMax: 3,
		PreviewPageSize:    5,
		PageSize:           20,
		MaxEnrichBatch:     30,
		TrialCredits:       50_000,
		TrialDuration:      7 * 24 * time.Hour,
		DefaultLimits: tenant.UsageLimits{
			MaxLeadsPerMonth:     1000,
			MaxWhatsAppMsgsDaily: 500,
		},
	}
}

// Rule returns the rate rule for action.
func (p Policy) Rule(action Action) (RateRule, bool) {
	r, ok := p.RateLimits[action]
	return r, ok
}

// MessageCost prices one WhatsApp message. An empty category is utility.
func (p Policy) MessageCost(category MessageCategory) (int64, bool) {
	switch category {
	case CategoryMarketing:
		return p.Costs.WhatsAppMarketing, true
	case CategoryUtility, "":
		return p.Costs.WhatsAppUtility, true
	case CategoryFreeform:
		return p.Costs.WhatsAppFreeform, true
	default:
		return 0, false
	}
}

// Validate rejects policies that would make every action fail or succeed
// unconditionally by mistake.
func (p Policy) Validate() error {
	for action, r := range p.RateLimits {
		if r.MaxCalls <= 0 || r.Window <= 0 {
			return fmt.Errorf("quota: rate limit %s needs positive max_calls and window", action)
		}
		switch r.Scope {
		case ScopeTenant, ScopeUser, ScopeIP:
		default:
			return fmt.Errorf("quota: rate limit %s has unknown scope %q", action, r.Scope)
		}
	}
	c := p.Costs
	if c.WhatsAppMarketing < 0 || c.WhatsAppUtility < 0 || c.WhatsAppFreeform < 0 ||
		c.EnrichmentPerLead < 0 || c.DiscoveryPerLead < 0 {
		return fmt.Errorf("quota: costs must not be negative")
	}
	if p.TrialCredits < 0 || p.TrialDuration <= 0 {
		return fmt.Errorf("quota: trial grant needs non-negative credits and positive duration")
	}
	if p.PreviewPageSize <= 0 || p.PageSize <= 0 || p.MaxEnrichBatch <= 0 {
		return fmt.Errorf("quota: page sizes and enrich batch must be positive")
	}
	return nil
}

// LoadFile overlays the YAML file at path onto Default. Keys absent from
// the file keep their default; rate_limits entries are merged per action.
func LoadFile(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return p, fmt.Errorf("quota: read policy: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML data onto Default.
func Parse(data []byte) (Policy, error) {
	p := Default()
	defaults := p.RateLimits
	p.RateLimits = nil
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Default(), fmt.Errorf("quota: parse policy: %w", err)
	}
	merged := make(map[Action]RateRule, len(defaults))
	for a, r := range defaults {
		merged[a] = r
	}
	for a, r := range p.RateLimits {
		merged[a] = r
	}
	p.RateLimits = merged
	if err := p.Validate(); err != nil {
		return Default(), err
	}
	return p, nil
}
