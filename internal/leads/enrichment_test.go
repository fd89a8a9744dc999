package leads

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/saga"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/testutil"
)

func seedWebsiteLeads(t *testing.T, h *harness, tenantID string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-lead-%d", tenantID, i)
		seedLead(t, h.store, &Lead{
			ID:              ids[i],
			TenantID:        tenantID,
			BusinessDetails: BusinessDetails{Name: "Biz", Website: fmt.Sprintf("https://www.biz%d.example/", i)},
		})
	}
	return ids
}

func TestEnrich_ChargesOnlyEligibleLeads(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 1000)
	h.fund(t, "t2", tenant.StatusActive, 0)
	ids := seedWebsiteLeads(t, h, "t1", 1)
	seedLead(t, h.store, &Lead{ID: "no-site", TenantID: "t1"})
	seedLead(t, h.store, &Lead{ID: "done", TenantID: "t1", EnrichmentStatus: EnrichmentCompleted, BusinessDetails: BusinessDetails{Website: "https://d.example"}})
	seedLead(t, h.store, &Lead{ID: "foreign", TenantID: "t2", BusinessDetails: BusinessDetails{Website: "https://f.example"}})
	seedLead(t, h.store, &Lead{ID: "internal", TenantID: "t1", BusinessDetails: BusinessDetails{Website: "http://169.254.169.254/"}})

	res, err := h.svc.Enrich(context.Background(), member, EnrichRequest{
		LeadIDs: []string{ids[0], ids[0], "no-site", "done", "foreign", "missing", "internal"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EnrichedCount)
	assert.Equal(t, 5, res.Skipped)
	assert.Equal(t, int64(50), res.CreditsCharged)
	assert.Equal(t, "run1", res.RunID)
	assert.Equal(t, EnrichmentProcessing, res.Status)

	tn := testutil.LoadTenant(t, h.store, "t1")
	assert.Equal(t, int64(950), tn.CreditsBalance)
	assert.Equal(t, 1, tn.UsageCurrent.EnrichmentsThisMonth)
	h.assertConsistent(t, "t1")

	l := h.lead(t, ids[0])
	assert.Equal(t, EnrichmentProcessing, l.EnrichmentStatus)
	require.NotNil(t, l.Enrichment)
	assert.Equal(t, "run1", l.Enrichment.RunID)
	assert.Equal(t, "ds1", l.Enrichment.DatasetID)
	assert.NotEmpty(t, l.Enrichment.DebitEntryID)

	require.Len(t, h.scraper.Runs, 1)
	assert.Equal(t, []providers.ScrapeTarget{{URL: "https://www.biz0.example/", LeadID: ids[0], TenantID: "t1"}}, h.scraper.Runs[0])
	assert.Equal(t, EnrichmentPending, h.lead(t, "foreign").EnrichmentStatus)
}

func TestEnrich_NoEligibleLeadsIsNotAnError(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 1000)
	seedLead(t, h.store, &Lead{ID: "no-site", TenantID: "t1"})

	res, err := h.svc.Enrich(context.Background(), member, EnrichRequest{LeadIDs: []string{"no-site"}})
	require.NoError(t, err)
	assert.Zero(t, res.EnrichedCount)
	assert.NotEmpty(t, res.Message)
	assert.Empty(t, h.scraper.Runs)
	assert.Equal(t, int64(1000), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
}

func TestEnrich_InsufficientCreditsReportsTotal(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 60)
	ids := seedWebsiteLeads(t, h, "t1", 2)

	_, err := h.svc.Enrich(context.Background(), member, EnrichRequest{LeadIDs: ids})
	require.ErrorIs(t, err, apperr.ErrInsufficientCredits)
	ae := apperr.As(err)
	assert.Equal(t, int64(100), ae.Required)
	assert.Equal(t, int64(60), ae.Available)

	assert.Equal(t, EnrichmentPending, h.lead(t, ids[0]).EnrichmentStatus)
	assert.Equal(t, int64(60), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
	assert.Empty(t, h.scraper.Runs)
}

func TestEnrich_BatchLimit(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 0)
	ids := make([]string, 31)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}

	_, err := h.svc.Enrich(context.Background(), member, EnrichRequest{LeadIDs: ids})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = h.svc.Enrich(context.Background(), member, EnrichRequest{})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestEnrich_ScrapeStartFailureRefundsEveryLead(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 200)
	ids := seedWebsiteLeads(t, h, "t1", 3)
	h.scraper.StartErr = apperr.ServiceUnavailable("apify", errors.New("502"))

	res, err := h.svc.Enrich(context.Background(), member, EnrichRequest{LeadIDs: ids})
	require.NoError(t, err, "the debit committed; the failure is reported through the lead status")
	assert.Equal(t, EnrichmentFailed, res.Status)
	assert.Equal(t, 3, res.EnrichedCount)

	assert.Equal(t, int64(200), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
	h.assertConsistent(t, "t1")
	for _, id := range ids {
		l := h.lead(t, id)
		assert.Equal(t, EnrichmentFailed, l.EnrichmentStatus)
		assert.Equal(t, ledger.RefundKey(l.Enrichment.DebitEntryID), l.Enrichment.RefundEntryID)
	}

	// Failed leads may be enriched again.
	h.scraper.StartErr = nil
	res, err = h.svc.Enrich(context.Background(), member, EnrichRequest{LeadIDs: ids[:1]})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EnrichedCount)
}

func TestEnrich_ConcurrentCallsNeverOverdraw(t *testing.T) {
	p := quota.Default()
	p.RateLimits[quota.ActionEnrichLeads] = quota.RateRule{MaxCalls: 100, Window: time.Minute, Scope: quota.ScopeTenant}
	h := newHarness(t, p)
	h.fund(t, "t1", tenant.StatusActive, 120)
	ids := seedWebsiteLeads(t, h, "t1", 6)
	h.store.InjectConflicts(3)

	errs := make(chan error, len(ids))
	for _, id := range ids {
		go func(id string) {
			_, err := h.svc.Enrich(context.Background(), member, EnrichRequest{LeadIDs: []string{id}})
			errs <- err
		}(id)
	}
	ok := 0
	for range ids {
		err := <-errs
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, int64(20), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
	h.assertConsistent(t, "t1")
}

func startEnrichment(t *testing.T, h *harness, n int) []string {
	t.Helper()
	h.fund(t, "t1", tenant.StatusActive, 1000)
	ids := seedWebsiteLeads(t, h, "t1", n)
	_, err := h.svc.Enrich(context.Background(), member, EnrichRequest{LeadIDs: ids})
	require.NoError(t, err)
	return ids
}

func succeeded(runID, datasetID string) WebhookEvent {
	var ev WebhookEvent
	ev.EventType = EventRunSucceeded
	ev.Resource.ID = runID
	ev.Resource.DefaultDatasetID = datasetID
	return ev
}

func TestCompleteEnrichment_Succeeded(t *testing.T) {
	h := newHarness(t, quota.Default())
	ids := startEnrichment(t, h, 2)
	h.scraper.Results["ds1"] = []providers.ContactResult{{
		URL:    "http://biz0.example",
		Emails: []string{"owner@biz0.example", "info@biz0.example"},
		Phones: []string{"+919822012345"},
		Social: map[string]string{"instagram": "https://instagram.com/biz0"},
		Raw:    map[string]any{"url": "http://biz0.example"},
	}}

	res, err := h.svc.CompleteEnrichment(context.Background(), succeeded("run1", "ds1"))
	require.NoError(t, err)
	assert.Equal(t, &WebhookResult{Completed: 1, Unmatched: 1}, res)

	l := h.lead(t, ids[0])
	assert.Equal(t, EnrichmentCompleted, l.EnrichmentStatus)
	assert.Equal(t, "owner@biz0.example", l.ContactDetails.Email)
	assert.Equal(t, "+919822012345", l.ContactDetails.Phone)
	assert.Equal(t, "https://instagram.com/biz0", l.ContactDetails.Social["instagram"])
	assert.NotNil(t, l.AIAnalysis["enrichment_data"])
	assert.NotNil(t, l.Enrichment.FinishedAt)

	assert.Equal(t, EnrichmentProcessing, h.lead(t, ids[1]).EnrichmentStatus, "unmatched leads wait for the sweep")

	// A repeated delivery settles nothing twice.
	res, err = h.svc.CompleteEnrichment(context.Background(), succeeded("run1", "ds1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Completed)
	assert.Equal(t, int64(900), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
}

func TestCompleteEnrichment_FailedRefunds(t *testing.T) {
	for _, event := range []string{EventRunFailed, EventRunTimedOut} {
		t.Run(event, func(t *testing.T) {
			h := newHarness(t, quota.Default())
			ids := startEnrichment(t, h, 2)
			ev := succeeded("run1", "ds1")
			ev.EventType = event

			res, err := h.svc.CompleteEnrichment(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, 2, res.Failed)
			for _, id := range ids {
				assert.Equal(t, EnrichmentFailed, h.lead(t, id).EnrichmentStatus)
			}
			assert.Equal(t, int64(1000), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
			h.assertConsistent(t, "t1")
		})
	}
}

func TestCompleteEnrichment_RejectsMalformed(t *testing.T) {
	h := newHarness(t, quota.Default())
	_, err := h.svc.CompleteEnrichment(context.Background(), WebhookEvent{EventType: EventRunSucceeded})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = h.svc.CompleteEnrichment(context.Background(), WebhookEvent{EventType: "ACTOR.BUILD.SUCCEEDED"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCompleteEnrichment_DatasetUnavailable(t *testing.T) {
	h := newHarness(t, quota.Default())
	ids := startEnrichment(t, h, 1)
	h.scraper.FetchErr = apperr.ServiceUnavailable("apify", errors.New("503"))

	_, err := h.svc.CompleteEnrichment(context.Background(), succeeded("run1", "ds1"))
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, EnrichmentProcessing, h.lead(t, ids[0]).EnrichmentStatus)
}

func TestStuck_TimesOutProcessingLeads(t *testing.T) {
	h := newHarness(t, quota.Default())
	ids := startEnrichment(t, h, 2)
	ctx := context.Background()

	reqs, err := h.svc.Stuck(ctx, h.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reqs, "recent runs are left alone")

	h.clock.Advance(2 * time.Hour)
	reqs, err = h.svc.Stuck(ctx, h.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, saga.KindLeadEnrichment, r.Kind)
		_, err := h.exec.Execute(ctx, r)
		require.NoError(t, err)
	}

	for _, id := range ids {
		assert.Equal(t, EnrichmentFailed, h.lead(t, id).EnrichmentStatus)
	}
	assert.Equal(t, int64(1000), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)

	reqs, err = h.svc.Stuck(ctx, h.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestStuck_FindsFailedLeadWithoutRefund(t *testing.T) {
	h := newHarness(t, quota.Default())
	seedLead(t, h.store, &Lead{
		ID:               "l1",
		TenantID:         "t1",
		EnrichmentStatus: EnrichmentFailed,
		Enrichment:       &Enrichment{DebitEntryID: "d1", StartedAt: testutil.Epoch},
	})

	reqs, err := h.svc.Stuck(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "d1", reqs[0].DebitEntryID)
	assert.Equal(t, "l1", reqs[0].RecordID)
}

func TestMarkEnrichmentFailed_CompletedLeadKeepsResult(t *testing.T) {
	h := newHarness(t, quota.Default())
	ids := startEnrichment(t, h, 1)
	h.scraper.Results["ds1"] = []providers.ContactResult{{URL: "https://biz0.example", Emails: []string{"a@b.example"}}}
	_, err := h.svc.CompleteEnrichment(context.Background(), succeeded("run1", "ds1"))
	require.NoError(t, err)

	debit := h.lead(t, ids[0]).Enrichment.DebitEntryID
	_, err = h.exec.Execute(context.Background(), saga.Request{
		TenantID: "t1", DebitEntryID: debit, Kind: saga.KindLeadEnrichment, RecordID: ids[0], Reason: "late timeout",
	})
	require.ErrorIs(t, err, saga.ErrRecordSettled)

	assert.Equal(t, EnrichmentCompleted, h.lead(t, ids[0]).EnrichmentStatus)
	assert.Equal(t, int64(950), testutil.LoadTenant(t, h.store, "t1").CreditsBalance, "no refund for a delivered enrichment")
	h.assertConsistent(t, "t1")
}

func TestNormalizeSite(t *testing.T) {
	assert.Equal(t, "biz.example", normalizeSite("https://www.Biz.example/"))
	assert.Equal(t, "biz.example/contact", normalizeSite("biz.example/contact/"))
	assert.Equal(t, "", normalizeSite(" "))
}
