package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides lets VOUCHERS_* variables win over the YAML file.
// All env vars use the VOUCHERS_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "VOUCHERS_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "VOUCHERS_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "VOUCHERS_ADMIN_API_KEY")
	setIfEnv(&c.Server.CleanupSecret, "VOUCHERS_CLEANUP_SECRET")
	if v := os.Getenv("VOUCHERS_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "VOUCHERS_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "VOUCHERS_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "VOUCHERS_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "VOUCHERS_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "VOUCHERS_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "VOUCHERS_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "VOUCHERS_MONGODB_DATABASE")

	// Idempotency config
	setIfEnv(&c.Idempotency.Backend, "VOUCHERS_IDEMPOTENCY_BACKEND")
	setIfEnv(&c.Idempotency.BoltPath, "VOUCHERS_IDEMPOTENCY_BOLT_PATH")
	setDurationIfEnv(&c.Idempotency.TTL, "VOUCHERS_IDEMPOTENCY_TTL")

	// Flip config
	setIfEnv(&c.Flip.BaseURL, "VOUCHERS_FLIP_BASE_URL")
	setIfEnv(&c.Flip.SecretKey, "VOUCHERS_FLIP_SECRET_KEY")
	setIfEnv(&c.Flip.WebhookSecret, "VOUCHERS_FLIP_WEBHOOK_SECRET")
	setIfEnv(&c.Flip.SignatureHeader, "VOUCHERS_FLIP_SIGNATURE_HEADER")
	setIfEnv(&c.Flip.RedirectURL, "VOUCHERS_FLIP_REDIRECT_URL")
	setIfEnv(&c.Flip.SenderBank, "VOUCHERS_FLIP_SENDER_BANK")
	setIfEnv(&c.Flip.SenderBankType, "VOUCHERS_FLIP_SENDER_BANK_TYPE")
	setDurationIfEnv(&c.Flip.Timeout, "VOUCHERS_FLIP_TIMEOUT")

	// Checkout config
	setInt64IfEnv(&c.Checkout.MinAmount, "VOUCHERS_CHECKOUT_MIN_AMOUNT")
	setDurationIfEnv(&c.Checkout.PendingTTL, "VOUCHERS_CHECKOUT_PENDING_TTL")
	setDurationIfEnv(&c.Checkout.GatewayTTL, "VOUCHERS_CHECKOUT_GATEWAY_TTL")
	setIfEnv(&c.Checkout.SuccessURL, "VOUCHERS_CHECKOUT_SUCCESS_URL")
	setIfEnv(&c.Checkout.ProcessingURL, "VOUCHERS_CHECKOUT_PROCESSING_URL")

	// Sweeper config
	setBoolIfEnv(&c.Sweeper.Enabled, "VOUCHERS_SWEEPER_ENABLED")
	setDurationIfEnv(&c.Sweeper.Interval, "VOUCHERS_SWEEPER_INTERVAL")

	// Mail config
	setBoolIfEnv(&c.Mail.Enabled, "VOUCHERS_MAIL_ENABLED")
	setIfEnv(&c.Mail.Host, "VOUCHERS_SMTP_HOST")
	setIntIfEnv(&c.Mail.Port, "VOUCHERS_SMTP_PORT")
	setIfEnv(&c.Mail.Username, "VOUCHERS_SMTP_USERNAME")
	setIfEnv(&c.Mail.Password, "VOUCHERS_SMTP_PASSWORD")
	setIfEnv(&c.Mail.From, "VOUCHERS_MAIL_FROM")
	setIfEnv(&c.Mail.DLQPath, "VOUCHERS_MAIL_DLQ_PATH")

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "VOUCHERS_API_KEY_ENABLED")
	// Load API keys (VOUCHERS_API_KEY_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "VOUCHERS_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2) // KEY=VALUE
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "VOUCHERS_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		// VOUCHERS_API_KEY_STOREFRONT=partner -> key: "storefront", tier: "partner"
		c.APIKey.Keys[strings.ToLower(name)] = strings.TrimSpace(parts[1])
	}
}

// setIfEnv ignores unset and empty variables.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv treats "1" and any casing of "true" as true.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv keeps the current value when the variable does not parse.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = dur(d)
		}
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*target = n
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeRoutePrefix turns "api/" into "/api".
// Examples: "api" -> "/api", "/api/" -> "/api", "shop" -> "/shop"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
