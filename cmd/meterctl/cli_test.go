package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/reconciliation"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/testutil"
)

func executeCLI(t *testing.T, store docstore.Store, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func() (*app, error) {
		return newApp(store, time.UTC, logging.Discard()), nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func fundedStore(t *testing.T) *docstore.MemoryStore {
	t.Helper()
	store := docstore.NewMemoryStore()
	testutil.SeedTenant(t, store, testutil.Tenant("t1", tenant.StatusActive, 0))
	l := ledger.New(store, logging.Discard())
	_, err := l.ApplyCreditDelta(context.Background(), ledger.Delta{TenantID: "t1", Amount: 500, Reason: ledger.ReasonTopUp})
	require.NoError(t, err)
	_, err = l.ApplyCreditDelta(context.Background(), ledger.Delta{TenantID: "t1", Amount: -30, Reason: ledger.ReasonWhatsAppSend, ReferenceID: "i1"})
	require.NoError(t, err)
	return store
}

func TestLedgerVerify(t *testing.T) {
	store := fundedStore(t)

	out, err := executeCLI(t, store, "ledger", "verify", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "balance=470 ledger=470 entries=2 consistent=true")

	testutil.SeedTenant(t, store, testutil.Tenant("drifted", tenant.StatusActive, 100))
	_, err = executeCLI(t, store, "ledger", "verify", "drifted")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestLedgerHistory(t *testing.T) {
	store := fundedStore(t)

	out, err := executeCLI(t, store, "ledger", "history", "t1", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "REASON")
	assert.Contains(t, out, string(ledger.ReasonWhatsAppSend))
	assert.NotContains(t, out, string(ledger.ReasonTopUp))

	out, err = executeCLI(t, store, "ledger", "history", "t1", "--json")
	require.NoError(t, err)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-30), entries[0].Amount)
}

func TestReconcile(t *testing.T) {
	store := fundedStore(t)

	out, err := executeCLI(t, store, "reconcile", "--json")
	require.NoError(t, err)
	var report reconciliation.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.TenantsChecked)
	assert.Empty(t, report.Mismatches)

	testutil.SeedTenant(t, store, testutil.Tenant("drifted", tenant.StatusActive, 100))
	out, err = executeCLI(t, store, "reconcile")
	require.Error(t, err)
	assert.Contains(t, out, "drifted balance=100 ledger=0")
}

func TestResetUsage(t *testing.T) {
	store := docstore.NewMemoryStore()
	tn := testutil.Tenant("t1", tenant.StatusActive, 0)
	tn.UsageCurrent.WhatsAppSentToday = 42
	testutil.SeedTenant(t, store, tn)

	out, err := executeCLI(t, store, "reset-usage", "daily")
	require.NoError(t, err)
	assert.Contains(t, out, "daily reset: 1 tenants")
	assert.Zero(t, testutil.LoadTenant(t, store, "t1").UsageCurrent.WhatsAppSentToday)

	out, err = executeCLI(t, store, "reset-usage", "daily")
	require.NoError(t, err)
	assert.Contains(t, out, "daily reset: 0 tenants")

	_, err = executeCLI(t, store, "reset-usage", "weekly")
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	store := docstore.NewMemoryStore()

	_, err := executeCLI(t, store, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PostgreSQL")

	var got []string
	cmd := newRootCmd(func() (*app, error) {
		a := newApp(store, time.UTC, logging.Discard())
		a.migrate = func(_ *cobra.Command, command string, args ...string) error {
			got = append([]string{command}, args...)
			return nil
		}
		return a, nil
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate", "down-to", "1"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, []string{"down-to", "1"}, got)

	_, err = executeCLI(t, store, "migrate", "drop-everything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migrate command")
}
