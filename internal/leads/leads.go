// Package leads implements the two billable lead actions: discovery through a
// places search and website enrichment through an asynchronous scraper.
package leads

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/idgen"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/saga"
)

var ErrLeadNotFound = errors.New("leads: lead not found")

const Collection = "leads"

// Source of a discovered lead.
const SourceGoogleMaps = "google_maps"

// EnrichmentStatus tracks the enrichment saga. processing is the durable
// marker that a debit is outstanding.
type EnrichmentStatus string

const (
	EnrichmentPending    EnrichmentStatus = "pending"
	EnrichmentProcessing EnrichmentStatus = "processing"
	EnrichmentCompleted  EnrichmentStatus = "completed"
	EnrichmentFailed     EnrichmentStatus = "failed"
)

// Opt-in states. Opted-out leads are never messaged.
const (
	OptInNone      = "none"
	OptInOptedIn   = "opted_in"
	OptInOptedOut  = "opted_out"
	PriorityMedium = "medium"
	StatusNew      = "new"
)

type BusinessDetails struct {
	Name          string  `json:"name"`
	Address       string  `json:"address"`
	Phone         string  `json:"phone,omitempty"`
	Website       string  `json:"website,omitempty"`
	GooglePlaceID string  `json:"google_place_id,omitempty"`
	Rating        float64 `json:"rating,omitempty"`
	ReviewCount   int     `json:"review_count,omitempty"`
}

type ContactDetails struct {
	Email  string            `json:"email,omitempty"`
	Phone  string            `json:"phone,omitempty"`
	Social map[string]string `json:"social,omitempty"`
}

// Enrichment is the saga state of the most recent enrichment attempt.
type Enrichment struct {
	DebitEntryID  string     `json:"debit_entry_id"`
	RefundEntryID string     `json:"refund_entry_id,omitempty"`
	RunID         string     `json:"run_id,omitempty"`
	DatasetID     string     `json:"dataset_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Lead is a prospective customer owned by one tenant.
type Lead struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Source           string           `json:"source"`
	Status           string           `json:"status"`
	Priority         string           `json:"priority"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status"`
	BusinessDetails  BusinessDetails  `json:"business_details"`
	ContactDetails   ContactDetails   `json:"contact_details"`
	SearchName       string           `json:"search_name"`
	IsArchived       bool             `json:"is_archived"`
	OptInStatus      string           `json:"opt_in_status"`
	Enrichment       *Enrichment      `json:"enrichment,omitempty"`
	AIAnalysis       map[string]any   `json:"ai_analysis,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	CreatedBy        string           `json:"created_by,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
	UpdatedBy        string           `json:"updated_by,omitempty"`
}

// Phone returns the best known number for the lead.
func (l *Lead) Phone() string {
	if l.BusinessDetails.Phone != "" {
		return l.BusinessDetails.Phone
	}
	return l.ContactDetails.Phone
}

func (l *Lead) Name() string { return l.BusinessDetails.Name }

func Key(id string) docstore.Key { return docstore.K(Collection, id) }

// LeadID is the deterministic id of a place within a tenant. Places without
// an id fall back to their formatted address.
func LeadID(tenantID string, p providers.Place) string {
	ref := p.ID
	if ref == "" {
		ref = p.FormattedAddress
	}
	return idgen.Hash(tenantID, ref)
}

// Load reads a lead inside tx and checks it belongs to tenantID.
func Load(ctx context.Context, tx docstore.Tx, tenantID, id string) (*Lead, error) {
	var l Lead
	if err := tx.Get(ctx, Key(id), &l); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("leads: load %s: %w", id, err)
	}
	if l.TenantID != tenantID {
		return nil, ErrLeadNotFound
	}
	return &l, nil
}

// Get reads a lead outside a transaction.
func Get(ctx context.Context, r docstore.Reader, tenantID, id string) (*Lead, error) {
	var l Lead
	if err := r.Get(ctx, Key(id), &l); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("leads: get %s: %w", id, err)
	}
	if l.TenantID != tenantID {
		return nil, ErrLeadNotFound
	}
	return &l, nil
}

func decodeAll(docs []docstore.Document) ([]*Lead, error) {
	out := make([]*Lead, 0, len(docs))
	for _, d := range docs {
		var l Lead
		if err := d.Decode(&l); err != nil {
			return nil, fmt.Errorf("leads: decode %s: %w", d.Key.ID, err)
		}
		out = append(out, &l)
	}
	return out, nil
}

// normalizeSite reduces a website to host and path for matching scraper
// results against leads.
func normalizeSite(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.TrimPrefix(u.Host, "www.")
	return host + strings.TrimRight(u.Path, "/")
}

// Service runs the lead actions.
type Service struct {
	meter   *metering.Service
	places  providers.PlacesSearcher
	scraper providers.Scraper
	comp    saga.Compensator
}

func NewService(meter *metering.Service, places providers.PlacesSearcher, scraper providers.Scraper, comp saga.Compensator) *Service {
	return &Service{meter: meter, places: places, scraper: scraper, comp: comp}
}
