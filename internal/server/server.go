// Package server wires the metering core, the billable actions and their
// collaborators into one HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/config"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/health"
	"github.com/mbd888/cocrm/internal/leads"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/messaging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/metrics"
	"github.com/mbd888/cocrm/internal/onboarding"
	"github.com/mbd888/cocrm/internal/payments"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/ratelimit"
	"github.com/mbd888/cocrm/internal/realtime"
	"github.com/mbd888/cocrm/internal/reconciliation"
	"github.com/mbd888/cocrm/internal/saga"
	"github.com/mbd888/cocrm/internal/security"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/traces"
	"github.com/mbd888/cocrm/internal/validation"
)

// Headers guarding machine-to-machine routes.
const (
	HeaderOperatorSecret = "X-Operator-Secret"
	HeaderWebhookSecret  = "X-Webhook-Secret"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	store  docstore.Store
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if the store-backed limiter is used
	issuer *auth.Issuer
	policy quota.Policy

	ledger      *ledger.Ledger
	meter       *metering.Service
	executor    *saga.Executor
	compensator saga.Compensator
	refundQueue *saga.KafkaQueue // nil without KAFKA_BROKERS
	refundWork  *saga.Worker

	places   providers.PlacesSearcher
	scraper  providers.Scraper
	whatsapp providers.WhatsAppSender
	breakers []*providers.Breaker

	leads      *leads.Service
	messaging  *messaging.Service
	onboarding *onboarding.Service
	payments   *payments.Service

	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	resetter       *tenant.UsageResetter
	realtimeHub    *realtime.Hub
	edgeLimiter    *ratelimit.EdgeLimiter
	health         *health.Handler

	shutdownTracing func(context.Context) error
	shutdownGrace   time.Duration

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by the health endpoints.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore replaces the configured document store (for testing).
func WithStore(store docstore.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithProviders replaces the external collaborators (for testing). Nil
// arguments keep the configured provider.
func WithProviders(places providers.PlacesSearcher, scraper providers.Scraper, whatsapp providers.WhatsAppSender) Option {
	return func(s *Server) {
		if places != nil {
			s.places = places
		}
		if scraper != nil {
			s.scraper = scraper
		}
		if whatsapp != nil {
			s.whatsapp = whatsapp
		}
	}
}

// WithShutdownGrace sets how long Shutdown waits for load balancers to
// drain before closing listeners.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		version:       "dev",
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownGrace: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.initStorage(); err != nil {
		return nil, err
	}

	s.policy = quota.Default()
	if cfg.PolicyFile != "" {
		p, err := quota.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		s.policy = p
		s.logger.Info("policy loaded", "file", cfg.PolicyFile)
	}

	limiter, err := s.initLimiter(ctx)
	if err != nil {
		return nil, err
	}

	s.issuer = auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.meter = metering.New(s.store, limiter, s.policy, s.logger).WithNotifier(s.realtimeHub)
	s.ledger = ledger.New(s.store, s.logger)

	s.initCompensation()
	s.initProviders()

	s.leads = leads.NewService(s.meter, s.places, s.scraper, s.compensator)
	s.messaging = messaging.NewService(s.meter, s.whatsapp, s.compensator)
	s.onboarding = onboarding.NewService(s.meter, s.issuer)
	s.payments = payments.NewService(s.ledger, cfg.StripeWebhookSecret, s.logger).WithNotifier(s.realtimeHub)
	if !s.payments.Enabled() {
		s.logger.Warn("stripe webhook secret not set, top-ups disabled")
	}

	s.reconciler = reconciliation.NewRunner(s.store, s.ledger, s.compensator, s.logger).
		WithSource("leads", s.leads).
		WithSource("messaging", s.messaging)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.resetter = tenant.NewUsageResetter(s.store, cfg.Location(), s.logger)

	s.initHealth()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	s.router.TrustedPlatform = cfg.TrustedPlatform
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// initStorage opens PostgreSQL when DATABASE_URL is set, otherwise keeps
// documents in memory.
func (s *Server) initStorage() error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = docstore.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = docstore.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initLimiter(ctx context.Context) (ratelimit.Checker, error) {
	if s.cfg.RedisURL == "" {
		return ratelimit.NewStoreLimiter(s.store), nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.logger.Info("using Redis rate limiter", "addr", opts.Addr)
	return ratelimit.NewRedisLimiter(client), nil
}

// initCompensation registers the refund sagas. With Kafka configured,
// refunds go through the durable topic and fall back to the direct path
// when publishing fails.
func (s *Server) initCompensation() {
	s.executor = saga.NewExecutor(s.store, s.logger).WithNotifier(s.realtimeHub)
	s.executor.Register(saga.KindWhatsAppSend, messaging.MarkSendFailed)
	s.executor.Register(saga.KindLeadEnrichment, leads.MarkEnrichmentFailed)

	direct := saga.NewDirect(s.executor, s.logger)
	s.compensator = direct
	if len(s.cfg.KafkaBrokers) == 0 {
		return
	}
	s.refundQueue = saga.NewKafkaQueue(s.cfg.KafkaBrokers, s.cfg.KafkaRefundTopic, direct, s.logger)
	s.refundWork = saga.NewWorker(s.cfg.KafkaBrokers, s.cfg.KafkaRefundTopic, s.cfg.KafkaGroupID, s.executor, s.logger)
	s.compensator = s.refundQueue
	s.logger.Info("refunds queued through kafka", "topic", s.cfg.KafkaRefundTopic)
}

// initProviders builds the external collaborators that were not injected
// and puts a circuit breaker in front of each.
func (s *Server) initProviders() {
	if s.places == nil {
		if s.cfg.GoogleMapsAPIKey != "" {
			s.places = providers.NewGooglePlaces(s.cfg.GoogleMapsAPIKey)
		} else {
			s.places = providers.Disabled{Service: "places"}
		}
	}
	if s.scraper == nil {
		if s.cfg.ApifyToken != "" && s.cfg.ApifyActorID != "" {
			s.scraper = providers.NewApify(s.cfg.ApifyToken, s.cfg.ApifyActorID)
		} else {
			s.scraper = providers.Disabled{Service: "scraper"}
		}
	}
	if s.whatsapp == nil {
		s.whatsapp = s.configuredWhatsApp()
	}

	placesCB := providers.NewBreaker("places", providers.BreakerConfig{}, s.logger)
	scraperCB := providers.NewBreaker("scraper", providers.BreakerConfig{}, s.logger)
	whatsappCB := providers.NewBreaker("whatsapp", providers.BreakerConfig{}, s.logger)
	s.breakers = []*providers.Breaker{placesCB, scraperCB, whatsappCB}

	s.places = providers.NewGuardedPlaces(s.places, placesCB)
	s.scraper = providers.NewGuardedScraper(s.scraper, scraperCB)
	s.whatsapp = providers.NewGuardedWhatsApp(s.whatsapp, whatsappCB)
}

func (s *Server) configuredWhatsApp() providers.WhatsAppSender {
	switch s.cfg.MessagingProvider {
	case "twilio":
		if s.cfg.TwilioAccountSID != "" && s.cfg.TwilioAuthToken != "" {
			return providers.NewTwilioWhatsApp(s.cfg.TwilioAccountSID, s.cfg.TwilioAuthToken, s.cfg.TwilioWhatsAppFrom)
		}
	default:
		if s.cfg.MSG91AuthKey != "" {
			return providers.NewMSG91(s.cfg.MSG91AuthKey, s.cfg.MSG91IntegratedNumber)
		}
	}
	s.logger.Warn("messaging provider not configured, sends will fail and refund", "provider", s.cfg.MessagingProvider)
	return providers.Disabled{Service: s.cfg.MessagingProvider}
}

// initHealth gates readiness on the store and the rate-limit backend;
// provider breakers are reported without failing readiness.
func (s *Server) initHealth() {
	critical := health.NewRegistry()
	critical.Register("docstore", health.PingChecker("docstore", s.store, 2*time.Second))
	if s.redis != nil {
		critical.Register("redis", health.PingChecker("redis", redisPinger{s.redis}, 2*time.Second))
	}

	info := health.NewRegistry()
	for _, b := range s.breakers {
		info.Register(b.Name(), health.BreakerChecker(b))
	}
	s.health = health.NewHandler(critical, info, s.version)
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	edge := ratelimit.DefaultEdgeConfig()
	edge.RequestsPerSecond = s.cfg.EdgeRateLimitRPS
	s.edgeLimiter = ratelimit.NewEdge(edge)
	s.router.Use(s.edgeLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware(s.issuer))
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", s.realtimeHub.Handler(s.issuer))

	v1 := s.router.Group("/v1")

	// Callers without a tenant yet, and Stripe.
	onboarding.NewHandler(s.onboarding, s.logger).RegisterRoutes(v1)
	payments.NewHandler(s.payments).RegisterRoutes(v1)

	leadsHandler := leads.NewHandler(s.leads, s.logger)
	hooks := v1.Group("", auth.RequireSecret(HeaderWebhookSecret, s.cfg.EnrichmentWebhookSecret))
	leadsHandler.RegisterWebhookRoutes(hooks)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	api := v1.Group("", auth.RequireAuth())
	ledgerHandler.RegisterRoutes(api)
	leadsHandler.RegisterRoutes(api)
	messaging.NewHandler(s.messaging, s.logger).RegisterRoutes(api)

	ops := v1.Group("/ops", auth.RequireSecret(HeaderOperatorSecret, s.cfg.OperatorSecret))
	ledgerHandler.RegisterOperatorRoutes(ops)
	reconciliation.NewHandler(s.reconciler).WithTimer(s.reconcileTimer).RegisterOperatorRoutes(ops)
	ops.GET("/realtime/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.realtimeHub.Stats()) })
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs, then blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.reconcileTimer.Start(ctx)

	if err := s.resetter.Start(ctx); err != nil {
		s.logger.Error("failed to start usage reset scheduler", "error", err)
	}
	if s.refundWork != nil {
		go func() {
			if err := s.refundWork.Run(ctx); err != nil {
				s.logger.Error("compensation worker exited", "error", err)
			}
		}()
	}
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(s.shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconcileTimer.Stop()
	s.resetter.Stop()
	s.edgeLimiter.Stop()

	if s.refundWork != nil {
		if err := s.refundWork.Close(); err != nil {
			s.logger.Error("compensation worker close error", "error", err)
		}
	}
	if s.refundQueue != nil {
		if err := s.refundQueue.Close(); err != nil {
			s.logger.Error("refund queue close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ready reports whether Run has started serving.
func (s *Server) Ready() bool {
	return s.ready.Load()
}
