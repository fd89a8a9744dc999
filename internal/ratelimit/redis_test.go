//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbd888/cocrm/internal/apperr"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRedisLimiter(redisClient(t)).WithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "tenant_t1_enrichLeads", 2, time.Minute))
	require.NoError(t, l.Check(ctx, "tenant_t1_enrichLeads", 2, time.Minute))
	err := l.Check(ctx, "tenant_t1_enrichLeads", 2, time.Minute)
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	clock.Advance(time.Minute + time.Millisecond)
	assert.NoError(t, l.Check(ctx, "tenant_t1_enrichLeads", 2, time.Minute))
}
