package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/testutil"
)

type record struct {
	Status   string `json:"status"`
	RefundID string `json:"refund_id,omitempty"`
}

func recordKey(id string) docstore.Key { return docstore.K("records", id) }

func markFailed(ctx context.Context, tx docstore.Tx, req Request, refund *ledger.Entry) error {
	return tx.Set(ctx, recordKey(req.RecordID), record{Status: "failed", RefundID: refund.ID})
}

type captureNotifier struct {
	mu     sync.Mutex
	events []metering.Event
}

func (c *captureNotifier) Publish(_ context.Context, ev metering.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Executor, *docstore.MemoryStore, Request) {
	t.Helper()
	store := docstore.NewMemoryStore()
	testutil.SeedTenant(t, store, testutil.Tenant("t1", tenant.StatusActive, 100))
	testutil.Seed(t, store, map[docstore.Key]any{recordKey("msg1"): record{Status: "sending"}})

	debit, err := ledger.New(store, logging.Discard()).ApplyCreditDelta(context.Background(), ledger.Delta{
		TenantID: "t1", Amount: -80, Reason: ledger.ReasonWhatsAppSend, ReferenceID: "msg1",
	})
	require.NoError(t, err)

	exec := NewExecutor(store, logging.Discard())
	exec.Register(KindWhatsAppSend, markFailed)
	return exec, store, Request{
		TenantID:     "t1",
		DebitEntryID: debit.ID,
		Kind:         KindWhatsAppSend,
		RecordID:     "msg1",
		Reason:       "provider timeout",
	}
}

func TestExecutor_RefundsAndMarksOnce(t *testing.T) {
	exec, store, req := setup(t)
	n := &captureNotifier{}
	exec.WithNotifier(n)
	ctx := context.Background()

	refund, err := exec.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(80), refund.Amount)
	assert.Equal(t, req.DebitEntryID, refund.ReversesID)

	var rec record
	require.NoError(t, store.Get(ctx, recordKey("msg1"), &rec))
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, refund.ID, rec.RefundID)
	assert.Equal(t, int64(100), testutil.LoadTenant(t, store, "t1").CreditsBalance)

	again, err := exec.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, refund.ID, again.ID)
	assert.Equal(t, int64(100), testutil.LoadTenant(t, store, "t1").CreditsBalance)

	require.Len(t, n.events, 2)
	assert.Equal(t, metering.EventRefundIssued, n.events[0].Type)
	assert.Equal(t, int64(100), n.events[1].Data["balance"])
}

func TestExecutor_MarkFailureRollsBackRefund(t *testing.T) {
	exec, store, req := setup(t)
	exec.Register(KindWhatsAppSend, func(context.Context, docstore.Tx, Request, *ledger.Entry) error {
		return errors.New("record locked")
	})

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int64(20), testutil.LoadTenant(t, store, "t1").CreditsBalance)
}

func TestExecutor_Rejects(t *testing.T) {
	exec, _, req := setup(t)
	ctx := context.Background()

	_, err := exec.Execute(ctx, Request{Kind: KindWhatsAppSend})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req.Kind = KindLeadEnrichment
	_, err = exec.Execute(ctx, req)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDirect_StopsOnPermanentError(t *testing.T) {
	exec, _, req := setup(t)
	req.DebitEntryID = "missing"
	start := time.Now()
	err := NewDirect(exec, logging.Discard()).Compensate(context.Background(), req)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDirect_CompensatesEvenWhenCallerCancelled(t *testing.T) {
	exec, store, req := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewDirect(exec, logging.Discard()).Compensate(ctx, req))
	assert.Equal(t, int64(100), testutil.LoadTenant(t, store, "t1").CreditsBalance)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeCompensator struct{ reqs []Request }

func (f *fakeCompensator) Compensate(_ context.Context, req Request) error {
	f.reqs = append(f.reqs, req)
	return nil
}

func TestKafkaQueue_PublishesKeyedByDebit(t *testing.T) {
	_, _, req := setup(t)
	w := &fakeWriter{}
	q := NewKafkaQueueWithWriter(w, nil, logging.Discard())

	require.NoError(t, q.Compensate(context.Background(), req))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, req.DebitEntryID, string(w.msgs[0].Key))

	var decoded Request
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, req, decoded)
}

func TestKafkaQueue_FallsBackWhenPublishFails(t *testing.T) {
	_, _, req := setup(t)
	fallback := &fakeCompensator{}
	q := NewKafkaQueueWithWriter(&fakeWriter{err: errors.New("broker down")}, fallback, logging.Discard())

	require.NoError(t, q.Compensate(context.Background(), req))
	assert.Equal(t, []Request{req}, fallback.reqs)
}

type fakeReader struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestWorker_ExecutesAndCommits(t *testing.T) {
	exec, store, req := setup(t)
	value, err := json.Marshal(req)
	require.NoError(t, err)

	r := &fakeReader{ch: make(chan kafka.Message, 3)}
	r.ch <- kafka.Message{Offset: 1, Value: []byte("{not json")}
	r.ch <- kafka.Message{Offset: 2, Value: value}
	r.ch <- kafka.Message{Offset: 3, Value: value}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWorkerWithReader(r, exec, logging.Discard()).Run(ctx) }()

	require.Eventually(t, func() bool { return r.Committed() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(100), testutil.LoadTenant(t, store, "t1").CreditsBalance)
}
