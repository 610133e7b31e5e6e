package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network settings for a single listener
// (main or management).
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the chat log service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode the X-User-ID header is accepted as the caller identity.
	Mode string

	// Database
	DBURL                   string
	DatastoreType           string // "postgres", "mongo", or "memory"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Cache backend type: "redis" or "none".
	CacheType string
	RedisURL  string
	// CacheTTL bounds how long a cached entry log may live without a write.
	CacheTTL time.Duration

	// Model provider: "openai" or "static".
	LLMType         string
	OpenAIAPIKey    string
	OpenAIModelName string
	OpenAIBaseURL   string
	LLMTimeout      time.Duration
	// HistoryWindow caps how many prior messages of the active conversation
	// are sent to the provider with each request.
	HistoryWindow int

	// Append retry policy for rank collisions and transient storage errors.
	AppendRetryLimit   int
	AppendRetryBackoff time.Duration

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // internal URL when the issuer URL is not reachable

	// APIKeys maps API key values to user IDs for non-OIDC callers.
	APIKeys       map[string]string
	AdminOIDCRole string
	AdminUsers    string // comma-separated user IDs granted admin

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when a dedicated management port was
	// explicitly provided. When false, management endpoints are served on the
	// main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables access logging for /health, /ready, and
	// /metrics. Off by default to keep probe noise out of the log.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string
	MaxBodySize         int64
	DrainTimeout        time.Duration
}

// DefaultConfig returns the configuration defaults applied before flags and
// environment variables.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CacheType:               "none",
		CacheTTL:                10 * time.Minute,
		LLMType:                 "openai",
		OpenAIModelName:         "gpt-4o-mini",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		LLMTimeout:              60 * time.Second,
		HistoryWindow:           20,
		AppendRetryLimit:        3,
		AppendRetryBackoff:      50 * time.Millisecond,
		AdminOIDCRole:           "admin",
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:  1 * 1024 * 1024,
		DrainTimeout: 30 * time.Second,
	}
}
