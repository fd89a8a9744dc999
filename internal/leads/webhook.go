package leads

import (
	"context"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/saga"
)

// Scraper run events delivered by webhook.
const (
	EventRunSucceeded = "ACTOR.RUN.SUCCEEDED"
	EventRunFailed    = "ACTOR.RUN.FAILED"
	EventRunTimedOut  = "ACTOR.RUN.TIMED_OUT"
	EventRunAborted   = "ACTOR.RUN.ABORTED"
)

// WebhookEvent is the scraper's run-finished notification.
type WebhookEvent struct {
	EventType string `json:"eventType"`
	Resource  struct {
		ID               string `json:"id"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"resource"`
}

// WebhookResult counts how the run's leads were settled.
type WebhookResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Unmatched int `json:"unmatched"`
}

// CompleteEnrichment settles the leads of a finished scrape run. On success
// each lead whose website appears in the dataset gets its contact details
// and completes; leads without a result stay processing and are refunded by
// the sweep once they time out. On failure every lead of the run is
// refunded and marked failed.
func (s *Service) CompleteEnrichment(ctx context.Context, ev WebhookEvent) (*WebhookResult, error) {
	runID := ev.Resource.ID
	if runID == "" {
		return nil, apperr.Invalid("resource.id", "is required")
	}
	switch ev.EventType {
	case EventRunSucceeded, EventRunFailed, EventRunTimedOut, EventRunAborted:
	default:
		return nil, apperr.Invalid("eventType", "unsupported event "+ev.EventType)
	}

	docs, err := s.meter.Store().Query(ctx, Collection,
		docstore.Where("enrichment.run_id", runID),
		docstore.Where("enrichment_status", string(EnrichmentProcessing)),
	)
	if err != nil {
		return nil, err
	}
	pending, err := decodeAll(docs)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		// Either already settled or the run id is not recorded yet. The
		// sender retries non-2xx deliveries.
		return &WebhookResult{}, nil
	}
	log := logging.L(ctx).With("run_id", runID, "event", ev.EventType)

	res := &WebhookResult{}
	if ev.EventType != EventRunSucceeded {
		for _, l := range pending {
			s.failLead(ctx, l.TenantID, l, "scrape "+ev.EventType)
			res.Failed++
		}
		log.Warn("enrichment run failed, leads refunded", "leads", res.Failed)
		return res, nil
	}

	datasetID := ev.Resource.DefaultDatasetID
	if datasetID == "" && pending[0].Enrichment != nil {
		datasetID = pending[0].Enrichment.DatasetID
	}
	if datasetID == "" {
		return nil, apperr.Invalid("resource.defaultDatasetId", "is required")
	}
	results, err := s.scraper.FetchResults(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	bySite := make(map[string]providers.ContactResult, len(results))
	for _, r := range results {
		if site := normalizeSite(r.URL); site != "" {
			bySite[site] = r
		}
	}

	for _, l := range pending {
		r, ok := bySite[normalizeSite(l.BusinessDetails.Website)]
		if !ok {
			res.Unmatched++
			continue
		}
		settled, err := s.completeLead(ctx, l.TenantID, l.ID, runID, r)
		if err != nil {
			log.Error("completing enrichment", "lead_id", l.ID, "error", err)
			return nil, err
		}
		if settled {
			res.Completed++
			s.notifyLead(ctx, l.TenantID, l.ID, EnrichmentCompleted)
		}
	}
	log.Info("enrichment run completed", "completed", res.Completed, "unmatched", res.Unmatched)
	return res, nil
}

// completeLead writes r onto the lead if it is still processing for runID.
func (s *Service) completeLead(ctx context.Context, tenantID, leadID, runID string, r providers.ContactResult) (bool, error) {
	settled := false
	err := s.meter.Store().RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		settled = false
		l, err := Load(ctx, tx, tenantID, leadID)
		if err != nil {
			return err
		}
		if l.EnrichmentStatus != EnrichmentProcessing || l.Enrichment == nil || l.Enrichment.RunID != runID {
			return nil
		}
		now := s.meter.Now()
		if len(r.Emails) > 0 {
			l.ContactDetails.Email = r.Emails[0]
		}
		if len(r.Phones) > 0 && l.ContactDetails.Phone == "" {
			l.ContactDetails.Phone = r.Phones[0]
		}
		if len(r.Social) > 0 {
			if l.ContactDetails.Social == nil {
				l.ContactDetails.Social = make(map[string]string, len(r.Social))
			}
			for k, v := range r.Social {
				l.ContactDetails.Social[k] = v
			}
		}
		if l.AIAnalysis == nil {
			l.AIAnalysis = make(map[string]any)
		}
		l.AIAnalysis["enrichment_data"] = r.Raw
		l.EnrichmentStatus = EnrichmentCompleted
		l.Enrichment.FinishedAt = &now
		l.UpdatedAt = now
		l.UpdatedBy = saga.SystemActor
		settled = true
		return tx.Set(ctx, Key(l.ID), l)
	})
	return settled, err
}

// Stuck lists enrichment sagas that never reached a terminal state: leads
// processing since before cutoff, and failed leads whose debit was never
// refunded.
func (s *Service) Stuck(ctx context.Context, cutoff time.Time) ([]saga.Request, error) {
	var out []saga.Request

	docs, err := s.meter.Store().Query(ctx, Collection, docstore.Where("enrichment_status", string(EnrichmentProcessing)))
	if err != nil {
		return nil, err
	}
	processing, err := decodeAll(docs)
	if err != nil {
		return nil, err
	}
	for _, l := range processing {
		if l.Enrichment == nil || l.Enrichment.StartedAt.After(cutoff) {
			continue
		}
		if l.Enrichment.DebitEntryID == "" {
			// Nothing to refund; settle it directly.
			s.failLead(ctx, l.TenantID, l, "enrichment timed out")
			continue
		}
		out = append(out, enrichmentRequest(l, "enrichment timed out"))
	}

	docs, err = s.meter.Store().Query(ctx, Collection, docstore.Where("enrichment_status", string(EnrichmentFailed)))
	if err != nil {
		return nil, err
	}
	failed, err := decodeAll(docs)
	if err != nil {
		return nil, err
	}
	for _, l := range failed {
		if l.Enrichment != nil && l.Enrichment.DebitEntryID != "" && l.Enrichment.RefundEntryID == "" {
			out = append(out, enrichmentRequest(l, "failed without refund"))
		}
	}
	return out, nil
}

func enrichmentRequest(l *Lead, reason string) saga.Request {
	return saga.Request{
		TenantID:     l.TenantID,
		DebitEntryID: l.Enrichment.DebitEntryID,
		Kind:         saga.KindLeadEnrichment,
		RecordID:     l.ID,
		Reason:       reason,
	}
}
