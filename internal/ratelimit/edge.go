package ratelimit

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/cocrm/internal/apperr"
)

// EdgeConfig configures the in-process per-IP token bucket that sits in
// front of every route.
type EdgeConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
	IdleTTL           time.Duration
}

func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		RequestsPerSecond: 5,
		Burst:             20,
		CleanupInterval:   time.Minute,
		IdleTTL:           3 * time.Minute,
	}
}

// EdgeLimiter throttles abusive clients before any business rate limit or
// store access happens.
type EdgeLimiter struct {
	cfg     EdgeConfig
	mu      sync.Mutex
	clients map[string]*edgeClient
	stop    chan struct{}
	once    sync.Once
}

type edgeClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewEdge(cfg EdgeConfig) *EdgeLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	l := &EdgeLimiter{
		cfg:     cfg,
		clients: make(map[string]*edgeClient),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *EdgeLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-l.cfg.IdleTTL)
			for key, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *EdgeLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether key may make a request now.
func (l *EdgeLimiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &edgeClient{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()
	return c.limiter.Allow()
}

// Middleware rejects over-limit clients by IP.
func (l *EdgeLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			apperr.Write(c, apperr.Throttled("ip", time.Second))
			return
		}
		c.Next()
	}
}
