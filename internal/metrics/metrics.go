// Package metrics provides Prometheus instrumentation for the credit metering service.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cocrm",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BillableActionsTotal counts orchestrated actions by outcome kind.
	BillableActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "billable_actions_total",
			Help:      "Billable actions by action and result (ok or error kind).",
		},
		[]string{"action", "result"},
	)

	// RateLimitRejectionsTotal counts calls rejected by a rate window.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "rate_limit_rejections_total",
			Help:      "Calls rejected by a fixed-window rate limit, by action.",
		},
		[]string{"action"},
	)

	// QuotaRejectionsTotal counts calls rejected by a quota or the balance.
	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "quota_rejections_total",
			Help:      "Calls rejected by a usage cap or insufficient credits, by action and kind.",
		},
		[]string{"action", "kind"},
	)

	// ProviderCallsTotal counts external collaborator calls by result.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "provider_calls_total",
			Help:      "External provider calls by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// CompensationsTotal counts refund attempts by saga kind and result.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cocrm",
			Name:      "saga_compensations_total",
			Help:      "Compensating refunds by saga kind and result.",
		},
		[]string{"kind", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cocrm",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BillableActionsTotal,
		RateLimitRejectionsTotal,
		QuotaRejectionsTotal,
		ProviderCallsTotal,
		CompensationsTotal,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports pool statistics for db under the "cocrm" prefix.
// Registering the same pool twice is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, "cocrm"))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))
		c.Next()
		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves GET /metrics.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
