// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage (all optional; empty means in-memory)
	DatabaseURL string
	RedisURL    string

	// Refund queue
	KafkaBrokers     []string
	KafkaRefundTopic string
	KafkaGroupID     string

	// Client IP resolution. Forwarded headers are honoured only from
	// TrustedProxies (CIDRs or IPs) or, when set, from TrustedPlatform's
	// header (e.g. "CF-Connecting-IP"). Empty means the socket address.
	TrustedProxies  []string
	TrustedPlatform string

	// Identity
	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	// Providers
	GoogleMapsAPIKey        string
	ApifyToken              string
	ApifyActorID            string
	EnrichmentWebhookSecret string
	MessagingProvider       string // "msg91" or "twilio"
	MSG91AuthKey            string
	MSG91IntegratedNumber   string
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioWhatsAppFrom      string
	StripeWebhookSecret     string

	// Operations
	OperatorSecret    string
	OTLPEndpoint      string
	TraceSampleRatio  float64
	PolicyFile        string
	ReconcileInterval time.Duration
	EdgeRateLimitRPS  float64
	UsageTimezone     string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultJWTIssuer         = "cocrm"
	DefaultJWTTTL            = 24 * time.Hour
	DefaultRefundTopic       = "credit-refunds"
	DefaultGroupID           = "cocrm-refunds"
	DefaultMessagingProvider = "msg91"
	DefaultReconcileInterval = 5 * time.Minute
	DefaultEdgeRateLimitRPS  = 5
	DefaultUsageTimezone     = "Asia/Kolkata"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		KafkaBrokers:            getEnvList("KAFKA_BROKERS"),
		KafkaRefundTopic:        getEnv("KAFKA_REFUND_TOPIC", DefaultRefundTopic),
		KafkaGroupID:            getEnv("KAFKA_GROUP_ID", DefaultGroupID),
		TrustedProxies:          getEnvList("TRUSTED_PROXIES"),
		TrustedPlatform:         os.Getenv("TRUSTED_PLATFORM"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		JWTIssuer:               getEnv("JWT_ISSUER", DefaultJWTIssuer),
		JWTTTL:                  getEnvDuration("JWT_TTL", DefaultJWTTTL),
		GoogleMapsAPIKey:        os.Getenv("GOOGLE_MAPS_API_KEY"),
		ApifyToken:              os.Getenv("APIFY_TOKEN"),
		ApifyActorID:            os.Getenv("APIFY_ACTOR_ID"),
		EnrichmentWebhookSecret: os.Getenv("ENRICHMENT_WEBHOOK_SECRET"),
		MessagingProvider:       strings.ToLower(getEnv("MESSAGING_PROVIDER", DefaultMessagingProvider)),
		MSG91AuthKey:            os.Getenv("MSG91_AUTH_KEY"),
		MSG91IntegratedNumber:   os.Getenv("MSG91_INTEGRATED_NUMBER"),
		TwilioAccountSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWhatsAppFrom:      os.Getenv("TWILIO_WHATSAPP_FROM"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OperatorSecret:          os.Getenv("OPERATOR_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		PolicyFile:              os.Getenv("POLICY_FILE"),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		EdgeRateLimitRPS:        getEnvFloat("EDGE_RATE_LIMIT_RPS", DefaultEdgeRateLimitRPS),
		UsageTimezone:           getEnv("USAGE_TIMEZONE", DefaultUsageTimezone),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	switch c.MessagingProvider {
	case "msg91", "twilio":
	default:
		return fmt.Errorf("MESSAGING_PROVIDER must be msg91 or twilio, got %q", c.MessagingProvider)
	}

	if c.EdgeRateLimitRPS <= 0 {
		return fmt.Errorf("EDGE_RATE_LIMIT_RPS must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if _, err := time.LoadLocation(c.UsageTimezone); err != nil {
		return fmt.Errorf("USAGE_TIMEZONE: %w", err)
	}

	return nil
}

// Location returns the time zone usage counters roll over in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.UsageTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
