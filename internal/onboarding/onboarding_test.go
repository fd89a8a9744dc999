package onboarding

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/ratelimit"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/testutil"
)

type harness struct {
	store  *docstore.MemoryStore
	clock  *testutil.Clock
	issuer *auth.Issuer
	ledger *ledger.Ledger
	svc    *Service
}

func newHarness(t *testing.T, policy quota.Policy) *harness {
	t.Helper()
	store := docstore.NewMemoryStore()
	clock := testutil.NewClock()
	log := logging.Discard()
	meter := metering.New(store, ratelimit.NewStoreLimiter(store).WithClock(clock.Now), policy, log).WithClock(clock.Now)
	h := &harness{
		store:  store,
		clock:  clock,
		issuer: auth.NewIssuer("test-secret", "cocrm", time.Hour),
		ledger: ledger.New(store, log).WithClock(clock.Now),
	}
	h.svc = NewService(meter, h.issuer)
	return h
}

var (
	newUser = auth.Identity{UserID: "u1", Email: "asha@example.com", IP: "10.0.0.1"}
	admin   = auth.Identity{UserID: "u1", TenantID: "t1", Role: string(tenant.RoleTenantAdmin)}
)

func signup() CreateTenantRequest {
	return CreateTenantRequest{CompanyName: "Sharma Clinics", City: "Pune", AdminName: "Asha Sharma"}
}

func TestCreateTenant_ProvisionsPendingTenantAndAdmin(t *testing.T) {
	h := newHarness(t, quota.Default())

	res, err := h.svc.CreateTenant(context.Background(), newUser, signup())
	require.NoError(t, err)
	require.NotEmpty(t, res.TenantID)

	tn := testutil.LoadTenant(t, h.store, res.TenantID)
	assert.Equal(t, tenant.StatusPending, tn.SubscriptionStatus)
	assert.Equal(t, int64(0), tn.CreditsBalance)
	assert.Equal(t, 1000, tn.UsageLimits.MaxLeadsPerMonth)
	assert.Equal(t, 500, tn.UsageLimits.MaxWhatsAppMsgsDaily)
	assert.Equal(t, tenant.StepCompanyCreated, tn.OnboardingStep)
	assert.Equal(t, "Sharma Clinics", tn.CompanyName)

	var m tenant.Member
	require.NoError(t, h.store.Get(context.Background(), tenant.MemberKey("u1"), &m))
	assert.Equal(t, res.TenantID, m.TenantID)
	assert.Equal(t, tenant.RoleTenantAdmin, m.Role)
	assert.Equal(t, "asha@example.com", m.Email)

	claims, err := h.issuer.Parse(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.TenantID, claims.TenantID)
	assert.Equal(t, string(tenant.RoleTenantAdmin), claims.Role)
}

func TestCreateTenant_RejectsBoundUser(t *testing.T) {
	h := newHarness(t, quota.Default())

	_, err := h.svc.CreateTenant(context.Background(), admin, signup())
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	// A stale token without the claim still hits the stored membership.
	_, err = h.svc.CreateTenant(context.Background(), newUser, signup())
	require.NoError(t, err)
	_, err = h.svc.CreateTenant(context.Background(), newUser, signup())
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestCreateTenant_Validation(t *testing.T) {
	h := newHarness(t, quota.Default())

	tests := []struct {
		name  string
		req   CreateTenantRequest
		field string
	}{
		{"short company", CreateTenantRequest{CompanyName: "A", City: "Pune", AdminName: "Asha"}, "companyName"},
		{"no city", CreateTenantRequest{CompanyName: "Acme", City: " ", AdminName: "Asha"}, "city"},
		{"short admin", CreateTenantRequest{CompanyName: "Acme", City: "Pune", AdminName: "A"}, "adminName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateTenant(context.Background(), auth.Identity{UserID: tt.name, IP: "10.0.0.2"}, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.field, apperr.As(err).Field)
		})
	}

	_, err := h.svc.CreateTenant(context.Background(), auth.Identity{}, signup())
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestCreateTenant_RateLimitedPerIP(t *testing.T) {
	h := newHarness(t, quota.Default())

	for i := 0; i < 5; i++ {
		id := auth.Identity{UserID: string(rune('a' + i)), IP: "10.0.0.9"}
		_, err := h.svc.CreateTenant(context.Background(), id, signup())
		require.NoError(t, err)
	}
	_, err := h.svc.CreateTenant(context.Background(), auth.Identity{UserID: "z", IP: "10.0.0.9"}, signup())
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	_, err = h.svc.CreateTenant(context.Background(), auth.Identity{UserID: "z", IP: "10.0.0.10"}, signup())
	assert.NoError(t, err)
}

func TestCreateTenant_InvalidRequestsDoNotSpendIPBudget(t *testing.T) {
	h := newHarness(t, quota.Default())

	bad := signup()
	bad.CompanyName = "x"
	for i := 0; i < 5; i++ {
		_, err := h.svc.CreateTenant(context.Background(), auth.Identity{UserID: "u1", IP: "10.0.0.9"}, bad)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	}

	res, err := h.svc.CreateTenant(context.Background(), auth.Identity{UserID: "u1", IP: "10.0.0.9"}, signup())
	require.NoError(t, err)
	assert.NotEmpty(t, res.TenantID)
}

func TestActivateTrial_GrantsOpeningCredits(t *testing.T) {
	h := newHarness(t, quota.Default())
	tn := testutil.Tenant("t1", tenant.StatusPending, 0)
	tn.UsageCurrent.PreviewSearchesUsed = 3
	testutil.SeedTenant(t, h.store, tn)

	res, err := h.svc.ActivateTrial(context.Background(), admin)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(50_000), res.CreditsGranted)
	assert.Equal(t, int64(50_000), res.Balance)
	assert.Equal(t, testutil.Epoch.Add(7*24*time.Hour), res.TrialEndsAt)

	got := testutil.LoadTenant(t, h.store, "t1")
	assert.Equal(t, tenant.StatusTrial, got.SubscriptionStatus)
	assert.Equal(t, tenant.StepTrialActivated, got.OnboardingStep)
	assert.Equal(t, 0, got.UsageCurrent.PreviewSearchesUsed)
	require.NotNil(t, got.TrialEndsAt)

	entries, err := h.ledger.Entries(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TrialKey("t1"), entries[0].ID)
	assert.Equal(t, ledger.ReasonTrialOpening, entries[0].Reason)
}

func TestActivateTrial_Preconditions(t *testing.T) {
	h := newHarness(t, quota.Default())
	testutil.SeedTenant(t, h.store,
		testutil.Tenant("trial", tenant.StatusTrial, 100),
		testutil.Tenant("active", tenant.StatusActive, 100),
		testutil.Tenant("suspended", tenant.StatusSuspended, 0),
	)

	tests := []struct {
		tenant string
		role   tenant.Role
		want   error
	}{
		{"trial", tenant.RoleTenantAdmin, apperr.ErrAlreadyActivated},
		{"active", tenant.RoleTenantAdmin, apperr.ErrAlreadyActivated},
		{"suspended", tenant.RoleTenantAdmin, apperr.ErrPermissionDenied},
		{"trial", tenant.RoleMember, apperr.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.tenant+"/"+string(tt.role), func(t *testing.T) {
			id := auth.Identity{UserID: "u-" + tt.tenant + string(tt.role), TenantID: tt.tenant, Role: string(tt.role)}
			_, err := h.svc.ActivateTrial(context.Background(), id)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestActivateTrial_ConcurrentCallsGrantOnce(t *testing.T) {
	h := newHarness(t, quota.Default())
	testutil.SeedTenant(t, h.store, testutil.Tenant("t1", tenant.StatusPending, 0))
	h.store.InjectConflicts(2)

	const calls = 3
	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.ActivateTrial(context.Background(), admin)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrAlreadyActivated)
	}
	assert.Equal(t, 1, ok)

	entries, err := h.ledger.Entries(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(50_000), testutil.LoadTenant(t, h.store, "t1").CreditsBalance)
}

func TestActivateTrial_IdempotencyKeyBlocksRegrant(t *testing.T) {
	h := newHarness(t, quota.Default())
	testutil.SeedTenant(t, h.store, testutil.Tenant("t1", tenant.StatusPending, 0))
	_, err := h.ledger.ApplyCreditDelta(context.Background(), ledger.Delta{
		TenantID: "t1", Amount: 50_000, Reason: ledger.ReasonTrialOpening, IdempotencyKey: TrialKey("t1"),
	})
	require.NoError(t, err)

	// Status still pending, e.g. after a manual downgrade.
	_, err = h.svc.ActivateTrial(context.Background(), admin)
	assert.ErrorIs(t, err, apperr.ErrAlreadyActivated)
	assert.Equal(t, tenant.StatusPending, testutil.LoadTenant(t, h.store, "t1").SubscriptionStatus)
}

func TestHandler_CreateTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t, quota.Default())

	r := gin.New()
	r.Use(auth.Middleware(h.issuer))
	NewHandler(h.svc, logging.Discard()).RegisterRoutes(r.Group("/v1"))

	token, err := h.issuer.Issue(auth.Identity{UserID: "u9", Email: "u9@example.com"})
	require.NoError(t, err)
	body, _ := json.Marshal(signup())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tenants", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res CreateTenantResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.TenantID)
	assert.NotEmpty(t, res.Token)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/trial/activate", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
