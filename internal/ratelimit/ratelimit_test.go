package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/docstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter() (*StoreLimiter, *docstore.MemoryStore, *fakeClock) {
	store := docstore.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewStoreLimiter(store).WithClock(clock.Now), store, clock
}

func TestStoreLimiter_AllowsUpToMaxThenRejects(t *testing.T) {
	l, store, _ := newLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, "tenant_t1_discoverLeads", 3, time.Minute))
	}
	err := l.Check(ctx, "tenant_t1_discoverLeads", 3, time.Minute)
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	assert.Equal(t, time.Minute, apperr.As(err).RetryAfter)

	var w Window
	require.NoError(t, store.Get(ctx, docstore.K(Collection, "tenant_t1_discoverLeads"), &w))
	assert.Equal(t, 3, w.Count, "rejection does not mutate the window")
}

func TestStoreLimiter_WindowResetsAfterExpiry(t *testing.T) {
	l, store, clock := newLimiter()
	ctx := context.Background()
	key := "user_u1_activateTrial"

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Check(ctx, key, 2, time.Minute))
	}
	require.Error(t, l.Check(ctx, key, 2, time.Minute))

	clock.Advance(time.Minute)
	require.Error(t, l.Check(ctx, key, 2, time.Minute), "elapsed == window still inside the window")

	clock.Advance(time.Millisecond)
	require.NoError(t, l.Check(ctx, key, 2, time.Minute))

	var w Window
	require.NoError(t, store.Get(ctx, docstore.K(Collection, key), &w))
	assert.Equal(t, 1, w.Count)
	assert.Equal(t, clock.Now().UnixMilli(), w.WindowStart)
}

func TestStoreLimiter_KeysAreIndependent(t *testing.T) {
	l, _, _ := newLimiter()
	ctx := context.Background()
	require.NoError(t, l.Check(ctx, "tenant_a_x", 1, time.Minute))
	require.Error(t, l.Check(ctx, "tenant_a_x", 1, time.Minute))
	require.NoError(t, l.Check(ctx, "tenant_b_x", 1, time.Minute))
}

func TestStoreLimiter_InvalidInput(t *testing.T) {
	l, _, _ := newLimiter()
	ctx := context.Background()
	assert.Equal(t, apperr.Internal, apperr.KindOf(l.Check(ctx, "", 1, time.Minute)))
	assert.Equal(t, apperr.Internal, apperr.KindOf(l.Check(ctx, "k", 0, time.Minute)))
}

func TestStoreLimiter_ConcurrentCallsNeverExceedMax(t *testing.T) {
	l, store, _ := newLimiter()
	ctx := context.Background()
	store.InjectConflicts(5)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "tenant_t1_sendWhatsapp", 10, time.Minute) == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestWindow_Next(t *testing.T) {
	var nilWindow *Window
	next, _, ok := nilWindow.Next(1000, 2, time.Second)
	require.True(t, ok)
	assert.Equal(t, Window{Count: 1, WindowStart: 1000}, next)

	w := &Window{Count: 2, WindowStart: 1000}
	_, retry, ok := w.Next(1400, 2, time.Second)
	assert.False(t, ok)
	assert.Equal(t, 600*time.Millisecond, retry)

	next, _, ok = w.Next(2001, 2, time.Second)
	require.True(t, ok)
	assert.Equal(t, Window{Count: 1, WindowStart: 2001}, next)
}

func TestEdgeLimiter_AllowsBurstThenRejects(t *testing.T) {
	l := NewEdge(EdgeConfig{RequestsPerSecond: 0.001, Burst: 2})
	defer l.Stop()

	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"))
	l.Stop()
}
