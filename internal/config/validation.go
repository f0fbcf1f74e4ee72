package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.MongoDBDatabase == "" {
		c.Storage.MongoDBDatabase = "vouchers"
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "memory"
	}
	if c.Idempotency.TTL.Duration <= 0 {
		c.Idempotency.TTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Idempotency.MaxSize <= 0 {
		c.Idempotency.MaxSize = 10000
	}
	if c.Flip.SignatureHeader == "" {
		c.Flip.SignatureHeader = "X-Flip-Signature"
	}
	if c.Flip.SenderBank == "" {
		c.Flip.SenderBank = "qris"
	}
	if c.Flip.Location == "" {
		c.Flip.Location = "Asia/Jakarta"
	}
	c.Flip.BaseURL = strings.TrimSuffix(strings.TrimSpace(c.Flip.BaseURL), "/")

	if c.Checkout.PendingTTL.Duration <= 0 {
		c.Checkout.PendingTTL = Duration{Duration: 30 * time.Minute}
	}
	if c.Checkout.GatewayTTL.Duration <= 0 {
		c.Checkout.GatewayTTL = c.Checkout.PendingTTL
	}
	if c.Checkout.VoucherValidity.Duration <= 0 {
		c.Checkout.VoucherValidity = Duration{Duration: 30 * 24 * time.Hour}
	}
	if c.Checkout.ReserveAttempts <= 0 {
		c.Checkout.ReserveAttempts = 3
	}
	if c.Checkout.PollMaxAttempts <= 0 {
		c.Checkout.PollMaxAttempts = 20
	}
	if c.Checkout.PollInterval.Duration <= 0 {
		c.Checkout.PollInterval = Duration{Duration: 3 * time.Second}
	}
	if c.Sweeper.Interval.Duration <= 0 {
		c.Sweeper.Interval = Duration{Duration: 5 * time.Minute}
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 200
	}

	return c.validate()
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func (c *Config) validate() error {
	var errs []string

	if c.Flip.SecretKey == "" {
		errs = append(errs, "flip.secret_key is required")
	}
	if c.Flip.WebhookSecret == "" {
		errs = append(errs, "flip.webhook_secret is required")
	}
	if c.Flip.BaseURL == "" {
		errs = append(errs, "flip.base_url is required")
	} else if u, err := url.Parse(c.Flip.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("flip.base_url %q is not an absolute URL", c.Flip.BaseURL))
	}
	if _, err := time.LoadLocation(c.Flip.Location); err != nil {
		errs = append(errs, fmt.Sprintf("flip.location %q: %v", c.Flip.Location, err))
	}

	if c.Checkout.MinAmount < 0 {
		errs = append(errs, "checkout.min_amount must not be negative")
	}
	if c.Checkout.GatewayTTL.Duration > c.Checkout.PendingTTL.Duration {
		errs = append(errs, fmt.Sprintf("checkout.gateway_ttl (%s) must not exceed checkout.pending_ttl (%s)",
			c.Checkout.GatewayTTL.Duration, c.Checkout.PendingTTL.Duration))
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "bolt":
		if c.Idempotency.BoltPath == "" {
			errs = append(errs, "idempotency.bolt_path is required when backend is 'bolt'")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.backend %q is not supported (memory, bolt)", c.Idempotency.Backend))
	}

	// Table names are interpolated into DDL and queries.
	for field, name := range map[string]string{
		"storage.schema_mapping.vouchers.table_name":     c.Storage.SchemaMapping.Vouchers.TableName,
		"storage.schema_mapping.transactions.table_name": c.Storage.SchemaMapping.Transactions.TableName,
	} {
		if name != "" && !tableNamePattern.MatchString(name) {
			errs = append(errs, fmt.Sprintf("%s %q must match %s", field, name, tableNamePattern))
		}
	}

	if c.Mail.Enabled {
		if c.Mail.Host == "" {
			errs = append(errs, "mail.host is required when mail is enabled")
		}
		if c.Mail.From == "" {
			errs = append(errs, "mail.from is required when mail is enabled")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
