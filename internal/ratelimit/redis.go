package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cocrm/internal/apperr"
)

// RedisLimiter keeps windows in Redis hashes and updates them with an
// optimistic WATCH/MULTI transaction.
type RedisLimiter struct {
	client     *redis.Client
	prefix     string
	now        func() time.Time
	maxRetries int
}

var _ Checker = (*RedisLimiter)(nil)

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "ratelimit:", now: time.Now, maxRetries: 20}
}

// WithClock overrides the time source.
func (r *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	r.now = now
	return r
}

func (r *RedisLimiter) Check(ctx context.Context, key string, maxCalls int, window time.Duration) error {
	if err := validate(key, maxCalls, window); err != nil {
		return err
	}
	k := r.prefix + key

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, k, "count", "window_start").Result()
		if err != nil {
			return err
		}
		prev := parseWindow(vals)

		next, retryAfter, ok := prev.Next(r.now().UnixMilli(), maxCalls, window)
		if !ok {
			return apperr.Throttled(key, retryAfter)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "count", next.Count, "window_start", next.WindowStart)
			pipe.PExpire(ctx, k, 2*window)
			return nil
		})
		return err
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var appErr *apperr.Error
		if err != nil && !errors.As(err, &appErr) {
			return apperr.ServiceUnavailable("rate limiter", err)
		}
		return err
	}
	return apperr.ServiceUnavailable("rate limiter", errors.New("ratelimit: too much contention on "+key))
}

func parseWindow(vals []any) *Window {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil
	}
	cs, ok1 := vals[0].(string)
	ss, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil
	}
	count, err1 := strconv.Atoi(cs)
	start, err2 := strconv.ParseInt(ss, 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &Window{Count: count, WindowStart: start}
}
