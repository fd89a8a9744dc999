package providers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mbd888/cocrm/internal/metrics"
	"github.com/mbd888/cocrm/internal/traces"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the breaker in front of a provider.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Breaker fails calls fast while a provider keeps failing and maps every
// failure to Unavailable.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "provider:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation by our own caller says nothing about the provider.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{name: name, cb: cb}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state for health checks.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Healthy reports false while the breaker is open.
func (b *Breaker) Healthy() bool { return b.cb.State() != gobreaker.StateOpen }

func guard[T any](ctx context.Context, b *Breaker, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := traces.StartSpan(ctx, b.name+"."+op, traces.Provider(b.name))
	res, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	traces.End(span, err)
	if err != nil {
		result := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "circuit_open"
		}
		metrics.ProviderCallsTotal.WithLabelValues(b.name, result).Inc()
		var zero T
		return zero, unavailable(b.name, err)
	}
	metrics.ProviderCallsTotal.WithLabelValues(b.name, "ok").Inc()
	out, _ := res.(T)
	return out, nil
}

// GuardedPlaces wraps a PlacesSearcher.
type GuardedPlaces struct {
	inner   PlacesSearcher
	breaker *Breaker
}

func NewGuardedPlaces(inner PlacesSearcher, b *Breaker) *GuardedPlaces {
	return &GuardedPlaces{inner: inner, breaker: b}
}

func (g *GuardedPlaces) SearchText(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	return guard(ctx, g.breaker, "search_text", func(ctx context.Context) (*SearchResult, error) {
		return g.inner.SearchText(ctx, req)
	})
}

// GuardedScraper wraps a Scraper.
type GuardedScraper struct {
	inner   Scraper
	breaker *Breaker
}

func NewGuardedScraper(inner Scraper, b *Breaker) *GuardedScraper {
	return &GuardedScraper{inner: inner, breaker: b}
}

func (g *GuardedScraper) StartContactScrape(ctx context.Context, targets []ScrapeTarget) (*ScrapeRun, error) {
	return guard(ctx, g.breaker, "start_scrape", func(ctx context.Context) (*ScrapeRun, error) {
		return g.inner.StartContactScrape(ctx, targets)
	})
}

func (g *GuardedScraper) FetchResults(ctx context.Context, datasetID string) ([]ContactResult, error) {
	return guard(ctx, g.breaker, "fetch_results", func(ctx context.Context) ([]ContactResult, error) {
		return g.inner.FetchResults(ctx, datasetID)
	})
}

// GuardedWhatsApp wraps a WhatsAppSender.
type GuardedWhatsApp struct {
	inner   WhatsAppSender
	breaker *Breaker
}

func NewGuardedWhatsApp(inner WhatsAppSender, b *Breaker) *GuardedWhatsApp {
	return &GuardedWhatsApp{inner: inner, breaker: b}
}

func (g *GuardedWhatsApp) Name() string { return g.inner.Name() }

func (g *GuardedWhatsApp) SendTemplate(ctx context.Context, msg WhatsAppMessage) (string, error) {
	return guard(ctx, g.breaker, "send_template", func(ctx context.Context) (string, error) {
		return g.inner.SendTemplate(ctx, msg)
	})
}

var (
	_ PlacesSearcher = (*GuardedPlaces)(nil)
	_ Scraper        = (*GuardedScraper)(nil)
	_ WhatsAppSender = (*GuardedWhatsApp)(nil)
)
