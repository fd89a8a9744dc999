// Package ratelimit enforces fixed-window call limits per key. The window
// state lives in the shared store so every replica sees the same counts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/docstore"
)

const Collection = "rate_limits"

// Checker admits or rejects one call against key. A rejection is an
// *apperr.Error of kind RateLimited and leaves the window untouched.
type Checker interface {
	Check(ctx context.Context, key string, maxCalls int, window time.Duration) error
}

// Window is the persisted state of one key.
type Window struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"window_start"` // unix ms
}

// Next applies one call at nowMs. It returns the new window, or ok=false
// with the time left until the window expires when the call must be rejected.
// A window whose elapsed time exceeds its length starts over.
func (w *Window) Next(nowMs int64, maxCalls int, window time.Duration) (next Window, retryAfter time.Duration, ok bool) {
	if w == nil {
		return Window{Count: 1, WindowStart: nowMs}, 0, true
	}
	elapsed := nowMs - w.WindowStart
	if elapsed > window.Milliseconds() {
		return Window{Count: 1, WindowStart: nowMs}, 0, true
	}
	if w.Count < maxCalls {
		return Window{Count: w.Count + 1, WindowStart: w.WindowStart}, 0, true
	}
	return *w, time.Duration(window.Milliseconds()-elapsed) * time.Millisecond, false
}

func validate(key string, maxCalls int, window time.Duration) error {
	if key == "" {
		return apperr.InternalError(errors.New("ratelimit: empty key"))
	}
	if maxCalls <= 0 || window <= 0 {
		return apperr.InternalError(fmt.Errorf("ratelimit: invalid rule %d/%s for %s", maxCalls, window, key))
	}
	return nil
}

// StoreLimiter keeps windows in a docstore and updates them in a transaction.
type StoreLimiter struct {
	store docstore.Store
	now   func() time.Time
}

var _ Checker = (*StoreLimiter)(nil)

func NewStoreLimiter(store docstore.Store) *StoreLimiter {
	return &StoreLimiter{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (l *StoreLimiter) WithClock(now func() time.Time) *StoreLimiter {
	l.now = now
	return l
}

func (l *StoreLimiter) Check(ctx context.Context, key string, maxCalls int, window time.Duration) error {
	if err := validate(key, maxCalls, window); err != nil {
		return err
	}
	docKey := docstore.K(Collection, key)

	return l.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var (
			cur  Window
			prev *Window
		)
		err := tx.Get(ctx, docKey, &cur)
		switch {
		case err == nil:
			prev = &cur
		case !errors.Is(err, docstore.ErrNotFound):
			return fmt.Errorf("ratelimit: read %s: %w", key, err)
		}

		next, retryAfter, ok := prev.Next(l.now().UnixMilli(), maxCalls, window)
		if !ok {
			return apperr.Throttled(key, retryAfter)
		}
		return tx.Set(ctx, docKey, next)
	})
}
