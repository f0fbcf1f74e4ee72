package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Flip           FlipConfig           `yaml:"flip"`
	Checkout       CheckoutConfig       `yaml:"checkout"`
	Sweeper        SweeperConfig        `yaml:"sweeper"`
	Mail           MailConfig           `yaml:"mail"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`   // Optional prefix for all routes (e.g., "/api")
	AdminAPIKey        string   `yaml:"admin_api_key"`  // Bearer key for /metrics and /dashboard/stats (empty disables protection)
	CleanupSecret      string   `yaml:"cleanup_secret"` // Shared secret required in X-Cleanup-Secret for /cleanup-expired
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration for the voucher pool and transaction ledger.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string              `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`   // Table/collection name mappings
}

// SchemaMappingConfig holds table/collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Vouchers     TableMappingConfig `yaml:"vouchers"`
	Transactions TableMappingConfig `yaml:"transactions"`
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"` // Custom table/collection name
}

// FlipConfig holds Flip payment gateway configuration.
type FlipConfig struct {
	BaseURL         string   `yaml:"base_url"`         // API root, e.g. https://bigflip.id/api
	SecretKey       string   `yaml:"secret_key"`       // Basic auth username for the bill API
	WebhookSecret   string   `yaml:"webhook_secret"`   // HMAC-SHA256 key for callback authentication
	SignatureHeader string   `yaml:"signature_header"` // Header carrying the hex callback signature
	RedirectURL     string   `yaml:"redirect_url"`     // Where the gateway sends the payer after checkout
	SenderBank      string   `yaml:"sender_bank"`      // Payment channel (default: qris)
	SenderBankType  string   `yaml:"sender_bank_type"` // Channel type (default: wallet_account)
	Timeout         Duration `yaml:"timeout"`          // Outbound request timeout (default: 15s)
	Location        string   `yaml:"location"`         // Timezone used to format expired_date (default: Asia/Jakarta)
}

// CheckoutConfig holds reservation and status polling settings.
type CheckoutConfig struct {
	MinAmount       int64    `yaml:"min_amount"`        // Minimum payable amount in IDR (default: 10000)
	PendingTTL      Duration `yaml:"pending_ttl"`       // PENDING deadline enforced by the sweeper (default: 30m)
	GatewayTTL      Duration `yaml:"gateway_ttl"`       // Validity of the gateway payment page, must not exceed pending_ttl
	VoucherValidity Duration `yaml:"voucher_validity"`  // Voucher expiry after use (default: 720h)
	ReserveAttempts int      `yaml:"reserve_attempts"`  // Voucher selection retries on a lost race (default: 3)
	PollInterval    Duration `yaml:"poll_interval"`     // Redirect page poll interval (default: 3s)
	PollMaxAttempts int      `yaml:"poll_max_attempts"` // Redirect page poll cap (default: 20)
	SuccessURL      string   `yaml:"success_url"`       // Redirect target once a voucher is issued
	ProcessingURL   string   `yaml:"processing_url"`    // Redirect target when polling gives up
}

// SweeperConfig holds expiry sweeper configuration.
type SweeperConfig struct {
	Enabled   bool     `yaml:"enabled"`    // Run the periodic sweep (default: true)
	Interval  Duration `yaml:"interval"`   // Sweep interval (default: 5m)
	BatchSize int      `yaml:"batch_size"` // Transactions processed per pass (default: 200)
}

// MailConfig holds voucher email delivery configuration.
type MailConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Host     string      `yaml:"host"`
	Port     int         `yaml:"port"`
	Username string      `yaml:"username"`
	Password string      `yaml:"password"`
	From     string      `yaml:"from"`
	Subject  string      `yaml:"subject"`
	Timeout  Duration    `yaml:"timeout"`
	Retry    RetryConfig `yaml:"retry"`
	DLQPath  string      `yaml:"dlq_path"` // File path for undeliverable emails (empty keeps them in memory)
}

// RetryConfig holds email retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum attempts (default: 4)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 2s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 1m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-email limits apply to checkout and issuance bodies.
	PerEmailEnabled bool     `yaml:"per_email_enabled"`
	PerEmailLimit   int      `yaml:"per_email_limit"`
	PerEmailWindow  Duration `yaml:"per_email_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	// Cleanup limits POST /cleanup-expired per IP.
	CleanupLimit  int      `yaml:"cleanup_limit"`
	CleanupWindow Duration `yaml:"cleanup_window"`
}

// APIKeyConfig holds API key authentication and tier configuration.
// Allows trusted frontends to bypass rate limits via X-API-Key header.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // Map of API key -> tier (free, pro, enterprise, partner)
}

// IdempotencyConfig holds Idempotency-Key replay storage settings.
type IdempotencyConfig struct {
	Backend  string   `yaml:"backend"`   // "memory" or "bolt" (default: memory)
	BoltPath string   `yaml:"bolt_path"` // Database file for the bolt backend
	TTL      Duration `yaml:"ttl"`       // How long a response can be replayed (default: 24h)
	MaxSize  int      `yaml:"max_size"`  // Memory backend entry cap (default: 10000)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	FlipAPI BreakerServiceConfig `yaml:"flip_api"`
	Mail    BreakerServiceConfig `yaml:"mail"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
