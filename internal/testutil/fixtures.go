package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/tenant"
)

// Epoch is the fixed start time used by Clock.
var Epoch = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: Epoch} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Tenant returns an account with the default usage limits.
func Tenant(id string, status tenant.Status, balance int64) *tenant.Tenant {
	return &tenant.Tenant{
		ID:                 id,
		CompanyName:        "Acme " + id,
		City:               "Pune",
		SubscriptionStatus: status,
		CreditsBalance:     balance,
		UsageLimits: tenant.UsageLimits{
			MaxLeadsPerMonth:     1000,
			MaxWhatsAppMsgsDaily: 500,
		},
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
}

// Seed writes documents directly, bypassing business rules.
func Seed(t *testing.T, store docstore.Store, docs map[docstore.Key]any) {
	t.Helper()
	require.NoError(t, store.RunAtomic(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		for k, v := range docs {
			if err := tx.Set(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	}))
}

// SeedTenant writes tenants.
func SeedTenant(t *testing.T, store docstore.Store, tenants ...*tenant.Tenant) {
	t.Helper()
	docs := make(map[docstore.Key]any, len(tenants))
	for _, tn := range tenants {
		docs[tenant.Key(tn.ID)] = tn
	}
	Seed(t, store, docs)
}

// SeedMember links uid to tenantID with role.
func SeedMember(t *testing.T, store docstore.Store, uid, tenantID string, role tenant.Role) {
	t.Helper()
	Seed(t, store, map[docstore.Key]any{
		tenant.MemberKey(uid): &tenant.Member{
			UserID:    uid,
			TenantID:  tenantID,
			Role:      role,
			Name:      "User " + uid,
			IsActive:  true,
			CreatedAt: Epoch,
		},
	})
}

// LoadTenant reads a tenant outside a transaction.
func LoadTenant(t *testing.T, store docstore.Store, id string) *tenant.Tenant {
	t.Helper()
	tn, err := tenant.Get(context.Background(), store, id)
	require.NoError(t, err)
	return tn
}
