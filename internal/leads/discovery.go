package leads

import (
	"context"
	"errors"
	"strings"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/idgen"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/validation"
)

const defaultRadiusMeters = 5000

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DiscoverRequest searches for businesses around a point.
type DiscoverRequest struct {
	Keyword       string   `json:"keyword"`
	Location      Location `json:"location"`
	Radius        float64  `json:"radius"`
	NextPageToken string   `json:"next_page_token"`
	PreviewMode   bool     `json:"preview_mode"`
}

func (r DiscoverRequest) validate() error {
	if err := validation.Validate(
		validation.Required("keyword", r.Keyword),
		validation.MaxLength("keyword", r.Keyword, 200),
		validation.InRange("location.lat", r.Location.Lat, -90, 90),
		validation.InRange("location.lng", r.Location.Lng, -180, 180),
		validation.InRange("radius", r.Radius, 0, 50_000),
	).Err(); err != nil {
		return err
	}
	if r.Location.Lat == 0 && r.Location.Lng == 0 {
		return apperr.Invalid("location", "lat/lng is required")
	}
	return nil
}

// DiscoverResult reports what a search saved.
type DiscoverResult struct {
	LeadsSaved            int      `json:"leads_saved"`
	LeadsSkippedDuplicate int      `json:"leads_skipped_duplicate"`
	LeadsSkippedQuota     int      `json:"leads_skipped_quota"`
	TotalResults          int      `json:"total_results_from_google"`
	NextPageToken         string   `json:"next_page_token,omitempty"`
	QuotaRemaining        int      `json:"quota_remaining"`
	CreditsCharged        int64    `json:"credits_charged"`
	LeadIDs               []string `json:"lead_ids"`
}

// Discover runs a places search and saves new results as leads. Results
// already stored for the tenant, or repeated within the page, are skipped
// before any quota is counted. The search itself runs before the
// transaction; the counters and the optional per-lead charge are applied
// atomically with the lead writes.
func (s *Service) Discover(ctx context.Context, id auth.Identity, req DiscoverRequest) (res *DiscoverResult, err error) {
	if err := metering.Authorize(id, true); err != nil {
		return nil, err
	}
	ctx, done := s.meter.Track(ctx, quota.ActionDiscoverLeads, id.TenantID)
	defer func() { done(err) }()

	req.Keyword = strings.TrimSpace(req.Keyword)
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.meter.Throttle(ctx, quota.ActionDiscoverLeads, id); err != nil {
		return nil, err
	}

	policy := s.meter.Policy()
	t, err := tenant.Get(ctx, s.meter.Store(), id.TenantID)
	if err != nil {
		return nil, metering.Classify(err)
	}
	if t.Suspended() {
		return nil, apperr.PermissionDeniedf("account suspended")
	}
	pageSize, err := policy.CheckDiscovery(t, req.PreviewMode)
	if err != nil {
		return nil, err
	}
	if cost := policy.Costs.DiscoveryPerLead; cost > 0 && !req.PreviewMode && t.CreditsBalance < cost {
		return nil, apperr.Insufficient(cost, t.CreditsBalance)
	}

	radius := req.Radius
	if radius <= 0 {
		radius = defaultRadiusMeters
	}
	found, err := s.places.SearchText(ctx, providers.SearchRequest{
		Query:        req.Keyword,
		Lat:          req.Location.Lat,
		Lng:          req.Location.Lng,
		RadiusMeters: radius,
		PageSize:     pageSize,
		PageToken:    req.NextPageToken,
	})
	if err != nil {
		return nil, err
	}
	if len(found.Places) == 0 {
		return &DiscoverResult{QuotaRemaining: t.MonthlyLeadsRemaining(), LeadIDs: []string{}}, nil
	}

	var balance int64
	err = s.meter.Reserve(ctx, id.TenantID, func(ctx context.Context, tx docstore.Tx, t *tenant.Tenant) ([]*ledger.Entry, error) {
		r, err := s.saveDiscovered(ctx, tx, t, id, req.PreviewMode, found.Places)
		if err != nil {
			return nil, err
		}
		r.TotalResults = len(found.Places)
		r.NextPageToken = found.NextPageToken
		res = r
		balance = t.CreditsBalance

		if r.LeadsSaved == 0 {
			return nil, nil
		}
		if req.PreviewMode {
			t.UsageCurrent.PreviewSearchesUsed++
		} else {
			t.UsageCurrent.LeadsFetchedThisMonth += r.LeadsSaved
		}
		r.QuotaRemaining = t.MonthlyLeadsRemaining()

		cost := policy.Costs.DiscoveryPerLead * int64(r.LeadsSaved)
		if cost == 0 || req.PreviewMode {
			return nil, tenant.Save(ctx, tx, t, s.meter.Now(), id.UserID)
		}
		entry, err := ledger.Apply(ctx, tx, t, ledger.Delta{
			TenantID:    t.ID,
			Amount:      -cost,
			Reason:      ledger.ReasonLeadDiscovery,
			ReferenceID: idgen.NewAt(s.meter.Now()),
			ActorID:     id.UserID,
		}, s.meter.Now())
		if err != nil {
			return nil, err
		}
		r.CreditsCharged = cost
		balance = t.CreditsBalance
		return []*ledger.Entry{entry}, nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("leads discovered",
		"saved", res.LeadsSaved,
		"duplicates", res.LeadsSkippedDuplicate,
		"over_quota", res.LeadsSkippedQuota,
		"preview", req.PreviewMode,
	)
	if res.LeadsSaved > 0 {
		s.meter.Notify(ctx, metering.Event{
			Type:     metering.EventLeadsDiscovered,
			TenantID: id.TenantID,
			Data:     map[string]any{"count": res.LeadsSaved},
		})
	}
	if res.CreditsCharged > 0 {
		s.meter.NotifyBalance(ctx, id.TenantID, balance)
	}
	return res, nil
}

// saveDiscovered creates the new leads of one page inside tx. It re-checks
// the quota against the tenant read in tx, so a concurrent search cannot
// push the counters past their cap.
func (s *Service) saveDiscovered(ctx context.Context, tx docstore.Tx, t *tenant.Tenant, id auth.Identity, preview bool, places []providers.Place) (*DiscoverResult, error) {
	policy := s.meter.Policy()
	capacity, err := policy.CheckDiscovery(t, preview)
	if err != nil {
		return nil, err
	}
	if !preview {
		capacity = min(capacity, t.MonthlyLeadsRemaining())
	}

	now := s.meter.Now()
	r := &DiscoverResult{QuotaRemaining: t.MonthlyLeadsRemaining(), LeadIDs: []string{}}
	seen := make(map[string]bool, len(places))
	for _, p := range places {
		leadID := LeadID(t.ID, p)
		if seen[leadID] {
			r.LeadsSkippedDuplicate++
			continue
		}
		seen[leadID] = true

		var existing Lead
		err := tx.Get(ctx, Key(leadID), &existing)
		if err == nil {
			r.LeadsSkippedDuplicate++
			continue
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return nil, err
		}
		if r.LeadsSaved >= capacity {
			r.LeadsSkippedQuota++
			continue
		}

		lead := &Lead{
			ID:               leadID,
			TenantID:         t.ID,
			Source:           SourceGoogleMaps,
			Status:           StatusNew,
			Priority:         PriorityMedium,
			EnrichmentStatus: EnrichmentPending,
			BusinessDetails: BusinessDetails{
				Name:          p.Name,
				Address:       p.FormattedAddress,
				Phone:         p.Phone,
				Website:       p.Website,
				GooglePlaceID: p.ID,
				Rating:        p.Rating,
				ReviewCount:   p.UserRatingCount,
			},
			SearchName:  strings.ToLower(strings.TrimSpace(p.Name)),
			OptInStatus: OptInNone,
			CreatedAt:   now,
			CreatedBy:   id.UserID,
			UpdatedAt:   now,
			UpdatedBy:   id.UserID,
		}
		if err := tx.Create(ctx, Key(leadID), lead); err != nil {
			return nil, err
		}
		r.LeadsSaved++
		r.LeadIDs = append(r.LeadIDs, leadID)
	}
	return r, nil
}
