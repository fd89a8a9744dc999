package health

import (
	"context"
	"time"
)

// Pinger is anything that can verify its backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports name healthy when p answers within timeout.
func PingChecker(name string, p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Breaker exposes a circuit breaker's state.
type Breaker interface {
	Name() string
	Healthy() bool
}

// BreakerChecker reports unhealthy while b is open. An open provider
// breaker degrades one action, so callers usually register it as
// informational rather than gating readiness on it.
func BreakerChecker(b Breaker) Checker {
	return func(context.Context) Status {
		if !b.Healthy() {
			return Status{Name: b.Name(), Healthy: false, Detail: "circuit open"}
		}
		return Status{Name: b.Name(), Healthy: true}
	}
}
