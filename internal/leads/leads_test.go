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
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/ratelimit"
	"github.com/mbd888/cocrm/internal/saga"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/testutil"
)

type harness struct {
	store   *docstore.MemoryStore
	clock   *testutil.Clock
	places  *testutil.FakePlaces
	scraper *testutil.FakeScraper
	ledger  *ledger.Ledger
	exec    *saga.Executor
	svc     *Service
}

func newHarness(t *testing.T, policy quota.Policy) *harness {
	t.Helper()
	store := docstore.NewMemoryStore()
	clock := testutil.NewClock()
	log := logging.Discard()

	meter := metering.New(store, ratelimit.NewStoreLimiter(store).WithClock(clock.Now), policy, log).WithClock(clock.Now)
	exec := saga.NewExecutor(store, log).WithClock(clock.Now)
	exec.Register(saga.KindLeadEnrichment, MarkEnrichmentFailed)

	h := &harness{
		store:   store,
		clock:   clock,
		places:  &testutil.FakePlaces{},
		scraper: &testutil.FakeScraper{Results: map[string][]providers.ContactResult{}},
		ledger:  ledger.New(store, log).WithClock(clock.Now),
		exec:    exec,
	}
	h.svc = NewService(meter, h.places, h.scraper, saga.NewDirect(exec, log))
	return h
}

// fund creates a tenant whose balance is backed by a ledger entry.
func (h *harness) fund(t *testing.T, id string, status tenant.Status, amount int64) {
	t.Helper()
	testutil.SeedTenant(t, h.store, testutil.Tenant(id, status, 0))
	if amount > 0 {
		_, err := h.ledger.ApplyCreditDelta(context.Background(), ledger.Delta{
			TenantID: id, Amount: amount, Reason: ledger.ReasonTopUp, ActorID: "test",
		})
		require.NoError(t, err)
	}
}

func (h *harness) assertConsistent(t *testing.T, tenantID string) {
	t.Helper()
	c, err := h.ledger.Verify(context.Background(), tenantID)
	require.NoError(t, err)
	assert.True(t, c.Consistent, "balance %d, ledger %d", c.Balance, c.LedgerSum)
}

func (h *harness) lead(t *testing.T, id string) *Lead {
	t.Helper()
	var l Lead
	require.NoError(t, h.store.Get(context.Background(), Key(id), &l))
	return &l
}

func seedLead(t *testing.T, store docstore.Store, l *Lead) {
	t.Helper()
	if l.EnrichmentStatus == "" {
		l.EnrichmentStatus = EnrichmentPending
	}
	testutil.Seed(t, store, map[docstore.Key]any{Key(l.ID): l})
}

func places(n int) []providers.Place {
	out := make([]providers.Place, n)
	for i := range out {
		out[i] = providers.Place{
			ID:               fmt.Sprintf("place-%d", i),
			Name:             fmt.Sprintf(" Clinic %d ", i),
			FormattedAddress: fmt.Sprintf("%d MG Road, Pune", i),
			Website:          fmt.Sprintf("https://clinic%d.example", i),
		}
	}
	return out
}

var member = auth.Identity{UserID: "u1", TenantID: "t1", Role: string(tenant.RoleMember)}

func discoverReq(preview bool) DiscoverRequest {
	return DiscoverRequest{Keyword: "dentist", Location: Location{Lat: 18.52, Lng: 73.85}, PreviewMode: preview}
}

func TestLeadID_FallsBackToAddress(t *testing.T) {
	a := LeadID("t1", providers.Place{ID: "p1", FormattedAddress: "x"})
	b := LeadID("t1", providers.Place{FormattedAddress: "x"})
	c := LeadID("t2", providers.Place{ID: "p1"})
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, b, LeadID("t1", providers.Place{FormattedAddress: "x"}))
}

func TestDiscover_SavesLeadsAndCountsQuota(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 0)
	h.places.Places = places(3)
	h.places.NextPage = "next"

	res, err := h.svc.Discover(context.Background(), member, discoverReq(false))
	require.NoError(t, err)
	assert.Equal(t, 3, res.LeadsSaved)
	assert.Equal(t, 0, res.LeadsSkippedDuplicate)
	assert.Equal(t, 3, res.TotalResults)
	assert.Equal(t, "next", res.NextPageToken)
	assert.Equal(t, 997, res.QuotaRemaining)

	require.Len(t, h.places.Requests, 1)
	assert.Equal(t, 20, h.places.Requests[0].PageSize)
	assert.Equal(t, float64(5000), h.places.Requests[0].RadiusMeters)

	tn := testutil.LoadTenant(t, h.store, "t1")
	assert.Equal(t, 3, tn.UsageCurrent.LeadsFetchedThisMonth)
	assert.Equal(t, 0, tn.UsageCurrent.PreviewSearchesUsed)

	l := h.lead(t, LeadID("t1", places(1)[0]))
	assert.Equal(t, "t1", l.TenantID)
	assert.Equal(t, SourceGoogleMaps, l.Source)
	assert.Equal(t, StatusNew, l.Status)
	assert.Equal(t, EnrichmentPending, l.EnrichmentStatus)
	assert.Equal(t, OptInNone, l.OptInStatus)
	assert.Equal(t, "clinic 0", l.SearchName)
	assert.Equal(t, "place-0", l.BusinessDetails.GooglePlaceID)
	assert.Equal(t, "u1", l.CreatedBy)
}

func TestDiscover_DuplicatesConsumeNoQuota(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 0)
	p := places(2)
	h.places.Places = []providers.Place{p[0], p[0], p[1]}
	ctx := context.Background()

	res, err := h.svc.Discover(ctx, member, discoverReq(false))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LeadsSaved)
	assert.Equal(t, 1, res.LeadsSkippedDuplicate, "repeat within the page")

	res, err = h.svc.Discover(ctx, member, discoverReq(false))
	require.NoError(t, err)
	assert.Equal(t, 0, res.LeadsSaved)
	assert.Equal(t, 3, res.LeadsSkippedDuplicate)

	tn := testutil.LoadTenant(t, h.store, "t1")
	assert.Equal(t, 2, tn.UsageCurrent.LeadsFetchedThisMonth)
}

func TestDiscover_CapsAtMonthlyRemaining(t *testing.T) {
	h := newHarness(t, quota.Default())
	tn := testutil.Tenant("t1", tenant.StatusActive, 0)
	tn.UsageCurrent.LeadsFetchedThisMonth = 998
	testutil.SeedTenant(t, h.store, tn)
	h.places.Places = places(3)

	res, err := h.svc.Discover(context.Background(), member, discoverReq(false))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LeadsSaved)
	assert.Equal(t, 1, res.LeadsSkippedQuota)
	assert.Equal(t, 0, res.QuotaRemaining)
	assert.Equal(t, 1000, testutil.LoadTenant(t, h.store, "t1").UsageCurrent.LeadsFetchedThisMonth)

	_, err = h.svc.Discover(context.Background(), member, discoverReq(false))
	assert.ErrorIs(t, err, apperr.ErrMonthlyLimitReached)
	assert.Len(t, h.places.Requests, 1, "search is not called once the cap is reached")
}

func TestDiscover_PreviewMode(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusPending, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.places.Places = []providers.Place{{ID: fmt.Sprintf("prev-%d", i), Name: "x"}}
		res, err := h.svc.Discover(ctx, member, discoverReq(true))
		require.NoError(t, err)
		assert.Equal(t, 1, res.LeadsSaved)
	}
	assert.Equal(t, 5, h.places.Requests[0].PageSize)

	tn := testutil.LoadTenant(t, h.store, "t1")
	assert.Equal(t, 3, tn.UsageCurrent.PreviewSearchesUsed)
	assert.Equal(t, 0, tn.UsageCurrent.LeadsFetchedThisMonth, "previews do not count against the monthly cap")

	_, err := h.svc.Discover(ctx, member, discoverReq(true))
	assert.ErrorIs(t, err, apperr.ErrPreviewLimitReached)
}

func TestDiscover_PreviewWithOnlyDuplicatesIsFree(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusTrial, 0)
	h.places.Places = places(1)
	ctx := context.Background()

	_, err := h.svc.Discover(ctx, member, discoverReq(true))
	require.NoError(t, err)
	res, err := h.svc.Discover(ctx, member, discoverReq(true))
	require.NoError(t, err)
	assert.Equal(t, 1, res.LeadsSkippedDuplicate)
	assert.Equal(t, 1, testutil.LoadTenant(t, h.store, "t1").UsageCurrent.PreviewSearchesUsed)
}

func TestDiscover_PreviewRequiresPreSubscription(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 0)

	_, err := h.svc.Discover(context.Background(), member, discoverReq(true))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestDiscover_ProviderFailureChangesNothing(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 0)
	h.places.Err = apperr.ServiceUnavailable("places", errors.New("timeout"))

	_, err := h.svc.Discover(context.Background(), member, discoverReq(false))
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, 0, testutil.LoadTenant(t, h.store, "t1").UsageCurrent.LeadsFetchedThisMonth)
}

func TestDiscover_ChargesPerLeadCost(t *testing.T) {
	p := quota.Default()
	p.Costs.DiscoveryPerLead = 10
	h := newHarness(t, p)
	h.fund(t, "t1", tenant.StatusActive, 100)
	h.places.Places = places(3)

	res, err := h.svc.Discover(context.Background(), member, discoverReq(false))
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.CreditsCharged)
	assert.Equal(t, int64(70), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
	h.assertConsistent(t, "t1")

	entries, err := h.ledger.Entries(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var reasons []ledger.Reason
	for _, e := range entries {
		reasons = append(reasons, e.Reason)
	}
	assert.Contains(t, reasons, ledger.ReasonLeadDiscovery)
}

func TestDiscover_RejectsBadInput(t *testing.T) {
	h := newHarness(t, quota.Default())
	h.fund(t, "t1", tenant.StatusActive, 0)
	ctx := context.Background()

	_, err := h.svc.Discover(ctx, auth.Identity{}, discoverReq(false))
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = h.svc.Discover(ctx, auth.Identity{UserID: "u1"}, discoverReq(false))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	req := discoverReq(false)
	req.Keyword = "  "
	_, err = h.svc.Discover(ctx, member, req)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.Equal(t, "keyword", apperr.As(err).Field)

	req = discoverReq(false)
	req.Location = Location{}
	_, err = h.svc.Discover(ctx, member, req)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	assert.Empty(t, h.places.Requests)
}

func TestDiscover_RateLimitedPerTenant(t *testing.T) {
	p := quota.Default()
	p.RateLimits[quota.ActionDiscoverLeads] = quota.RateRule{MaxCalls: 1, Window: time.Minute, Scope: quota.ScopeTenant}
	h := newHarness(t, p)
	h.fund(t, "t1", tenant.StatusActive, 0)
	ctx := context.Background()

	_, err := h.svc.Discover(ctx, member, discoverReq(false))
	require.NoError(t, err)
	_, err = h.svc.Discover(ctx, member, discoverReq(false))
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	h.clock.Advance(time.Minute + time.Millisecond)
	_, err = h.svc.Discover(ctx, member, discoverReq(false))
	assert.NoError(t, err)
}
