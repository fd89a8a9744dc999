package leads

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/saga"
	"github.com/mbd888/cocrm/internal/security"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/validation"
)

// EnrichRequest names the leads to enrich.
type EnrichRequest struct {
	LeadIDs []string `json:"leadIds"`
}

// EnrichResult reports the charged leads and the outcome of starting the
// scrape. Status is processing when the scrape started and failed when it
// could not start and the charges were refunded.
type EnrichResult struct {
	EnrichedCount  int              `json:"enriched_count"`
	Skipped        int              `json:"skipped"`
	CreditsCharged int64            `json:"credits_charged"`
	RunID          string           `json:"apify_run_id,omitempty"`
	Status         EnrichmentStatus `json:"status,omitempty"`
	Message        string           `json:"message,omitempty"`
}

type charged struct {
	lead  *Lead
	entry *ledger.Entry
}

// Enrich charges one enrichment per eligible lead, moves those leads to
// processing and starts a scrape of their websites. Eligible leads belong
// to the caller's tenant, have a website and are neither processing nor
// completed. A scrape that cannot be started refunds every charge.
func (s *Service) Enrich(ctx context.Context, id auth.Identity, req EnrichRequest) (res *EnrichResult, err error) {
	if err := metering.Authorize(id, true); err != nil {
		return nil, err
	}
	ctx, done := s.meter.Track(ctx, quota.ActionEnrichLeads, id.TenantID)
	defer func() { done(err) }()

	policy := s.meter.Policy()
	if err := validation.Validate(
		validation.NonEmptyList("leadIds", len(req.LeadIDs), policy.MaxEnrichBatch),
	).Err(); err != nil {
		return nil, err
	}
	ids := compactIDs(req.LeadIDs)
	if len(ids) == 0 {
		return nil, apperr.Invalid("leadIds", "must not be empty")
	}
	if err := s.meter.Throttle(ctx, quota.ActionEnrichLeads, id); err != nil {
		return nil, err
	}

	var (
		batch   []charged
		balance int64
	)
	err = s.meter.Reserve(ctx, id.TenantID, func(ctx context.Context, tx docstore.Tx, t *tenant.Tenant) ([]*ledger.Entry, error) {
		batch = nil
		eligible, err := eligibleLeads(ctx, tx, t.ID, ids)
		if err != nil || len(eligible) == 0 {
			return nil, err
		}

		unit := policy.Costs.EnrichmentPerLead
		total := unit * int64(len(eligible))
		if t.CreditsBalance < total {
			return nil, apperr.Insufficient(total, t.CreditsBalance)
		}
		t.UsageCurrent.EnrichmentsThisMonth += len(eligible)

		now := s.meter.Now()
		var posted []*ledger.Entry
		for _, l := range eligible {
			c := charged{lead: l}
			if unit > 0 {
				c.entry, err = ledger.Apply(ctx, tx, t, ledger.Delta{
					TenantID:    t.ID,
					Amount:      -unit,
					Reason:      ledger.ReasonLeadEnrichment,
					ReferenceID: l.ID,
					ActorID:     id.UserID,
				}, now)
				if err != nil {
					return nil, err
				}
				posted = append(posted, c.entry)
			}

			l.EnrichmentStatus = EnrichmentProcessing
			l.Enrichment = &Enrichment{StartedAt: now}
			if c.entry != nil {
				l.Enrichment.DebitEntryID = c.entry.ID
			}
			l.UpdatedAt = now
			l.UpdatedBy = id.UserID
			if err := tx.Set(ctx, Key(l.ID), l); err != nil {
				return nil, err
			}
			batch = append(batch, c)
		}
		if unit == 0 {
			if err := tenant.Save(ctx, tx, t, now, id.UserID); err != nil {
				return nil, err
			}
		}
		balance = t.CreditsBalance
		return posted, nil
	})
	if err != nil {
		return nil, err
	}

	res = &EnrichResult{
		EnrichedCount:  len(batch),
		Skipped:        len(ids) - len(batch),
		CreditsCharged: policy.Costs.EnrichmentPerLead * int64(len(batch)),
	}
	if len(batch) == 0 {
		res.Message = "no eligible leads: a lead needs a website and must not be processing or completed"
		return res, nil
	}
	if res.CreditsCharged > 0 {
		s.meter.NotifyBalance(ctx, id.TenantID, balance)
	}

	targets := make([]providers.ScrapeTarget, 0, len(batch))
	for _, c := range batch {
		targets = append(targets, providers.ScrapeTarget{URL: c.lead.BusinessDetails.Website, LeadID: c.lead.ID, TenantID: id.TenantID})
	}
	run, err := s.scraper.StartContactScrape(ctx, targets)
	if err != nil {
		logging.L(ctx).Error("enrichment scrape failed to start, refunding",
			"leads", len(batch),
			"error", err,
		)
		s.failBatch(ctx, id.TenantID, batch, "scrape start failed")
		res.Status = EnrichmentFailed
		return res, nil
	}

	res.RunID = run.RunID
	res.Status = EnrichmentProcessing
	if err := s.recordRun(ctx, id.TenantID, batch, run); err != nil {
		// The leads stay processing without a run id; the sweep times
		// them out and refunds them.
		logging.L(ctx).Error("recording scrape run failed", "run_id", run.RunID, "error", err)
	}
	for _, c := range batch {
		s.notifyLead(ctx, id.TenantID, c.lead.ID, EnrichmentProcessing)
	}
	return res, nil
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func eligibleLeads(ctx context.Context, tx docstore.Tx, tenantID string, ids []string) ([]*Lead, error) {
	var out []*Lead
	for _, id := range ids {
		l, err := Load(ctx, tx, tenantID, id)
		if errors.Is(err, ErrLeadNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if l.BusinessDetails.Website == "" || security.CheckWebsite(l.BusinessDetails.Website) != nil {
			continue
		}
		if l.EnrichmentStatus == EnrichmentProcessing || l.EnrichmentStatus == EnrichmentCompleted {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Service) recordRun(ctx context.Context, tenantID string, batch []charged, run *providers.ScrapeRun) error {
	return s.meter.Store().RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for _, c := range batch {
			l, err := Load(ctx, tx, tenantID, c.lead.ID)
			if err != nil {
				return err
			}
			if l.EnrichmentStatus != EnrichmentProcessing || l.Enrichment == nil {
				continue
			}
			l.Enrichment.RunID = run.RunID
			l.Enrichment.DatasetID = run.DatasetID
			if err := tx.Set(ctx, Key(l.ID), l); err != nil {
				return err
			}
		}
		return nil
	})
}

// failBatch compensates every charged lead. Leads enriched for free have no
// debit to refund and are marked failed directly.
func (s *Service) failBatch(ctx context.Context, tenantID string, batch []charged, reason string) {
	for _, c := range batch {
		s.failLead(ctx, tenantID, c.lead, reason)
	}
}

func (s *Service) failLead(ctx context.Context, tenantID string, l *Lead, reason string) {
	if l.Enrichment != nil && l.Enrichment.DebitEntryID != "" {
		// Failures are logged by the compensator and left for the sweep.
		_ = s.comp.Compensate(ctx, saga.Request{
			TenantID:     tenantID,
			DebitEntryID: l.Enrichment.DebitEntryID,
			Kind:         saga.KindLeadEnrichment,
			RecordID:     l.ID,
			Reason:       reason,
		})
	} else {
		err := s.meter.Store().RunAtomic(context.WithoutCancel(ctx), func(ctx context.Context, tx docstore.Tx) error {
			return markFailed(ctx, tx, tenantID, l.ID, reason, "", s.meter.Now())
		})
		if err != nil && !errors.Is(err, saga.ErrRecordSettled) {
			logging.L(ctx).Error("marking enrichment failed", "lead_id", l.ID, "error", err)
		}
	}
	s.notifyLead(ctx, tenantID, l.ID, EnrichmentFailed)
}

func (s *Service) notifyLead(ctx context.Context, tenantID, leadID string, status EnrichmentStatus) {
	s.meter.Notify(ctx, metering.Event{
		Type:     metering.EventEnrichmentStatus,
		TenantID: tenantID,
		Data:     map[string]any{"leadId": leadID, "status": string(status)},
	})
}

// MarkEnrichmentFailed is the compensation step for lead enrichment: the
// lead moves to failed and records the refund. A lead that completed in the
// meantime keeps its result and the refund is abandoned.
func MarkEnrichmentFailed(ctx context.Context, tx docstore.Tx, req saga.Request, refund *ledger.Entry) error {
	refundID := ""
	now := time.Now()
	if refund != nil {
		refundID = refund.ID
		now = refund.Timestamp
	}
	return markFailed(ctx, tx, req.TenantID, req.RecordID, req.Reason, refundID, now)
}

func markFailed(ctx context.Context, tx docstore.Tx, tenantID, leadID, reason, refundID string, now time.Time) error {
	l, err := Load(ctx, tx, tenantID, leadID)
	if err != nil {
		return err
	}
	if l.EnrichmentStatus == EnrichmentCompleted {
		return fmt.Errorf("%w: lead %s", saga.ErrRecordSettled, leadID)
	}
	if l.Enrichment == nil {
		l.Enrichment = &Enrichment{StartedAt: now}
	}
	l.EnrichmentStatus = EnrichmentFailed
	l.Enrichment.Error = reason
	l.Enrichment.FinishedAt = &now
	if refundID != "" {
		l.Enrichment.RefundEntryID = refundID
	}
	l.UpdatedAt = now
	l.UpdatedBy = saga.SystemActor
	return tx.Set(ctx, Key(l.ID), l)
}
