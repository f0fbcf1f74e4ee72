package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load layers defaults, the optional YAML file at path and VOUCHERS_* environment
// variables, in that order, then validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func dur(d time.Duration) Duration { return Duration{Duration: d} }

// defaultConfig is the memory-backed development setup; Flip credentials must
// still come from the file or environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  dur(15 * time.Second),
			WriteTimeout: dur(30 * time.Second),
			IdleTimeout:  dur(time.Minute),
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Flip: FlipConfig{
			BaseURL:         "https://bigflip.id/api",
			SignatureHeader: "X-Flip-Signature",
			SenderBank:      "qris",
			SenderBankType:  "wallet_account",
			Timeout:         dur(15 * time.Second),
			Location:        "Asia/Jakarta",
		},
		Checkout: CheckoutConfig{
			MinAmount:       10000,
			PendingTTL:      dur(30 * time.Minute),
			GatewayTTL:      dur(30 * time.Minute),
			VoucherValidity: dur(30 * 24 * time.Hour),
			ReserveAttempts: 3,
			PollInterval:    dur(3 * time.Second),
			PollMaxAttempts: 20,
			SuccessURL:      "/success",
			ProcessingURL:   "/processing",
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  dur(5 * time.Minute),
			BatchSize: 200,
		},
		Mail: MailConfig{
			Port:    587,
			Subject: "Your voucher code",
			Timeout: dur(10 * time.Second),
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     4,
				InitialInterval: dur(2 * time.Second),
				MaxInterval:     dur(time.Minute),
				Multiplier:      2.0,
			},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:   true,
			GlobalLimit:     1000,
			GlobalWindow:    dur(time.Minute),
			PerEmailEnabled: true,
			PerEmailLimit:   10,
			PerEmailWindow:  dur(time.Minute),
			PerIPEnabled:    true,
			PerIPLimit:      120,
			PerIPWindow:     dur(time.Minute),
			CleanupLimit:    5,
			CleanupWindow:   dur(time.Minute),
		},
		APIKey: APIKeyConfig{Keys: map[string]string{}},
		Idempotency: IdempotencyConfig{
			Backend: "memory",
			TTL:     dur(24 * time.Hour),
			MaxSize: 10000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			FlipAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            dur(time.Minute),
				Timeout:             dur(30 * time.Second),
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Mail: BreakerServiceConfig{
				MaxRequests:         2,
				Interval:            dur(time.Minute),
				Timeout:             dur(time.Minute),
				ConsecutiveFailures: 5,
				FailureRatio:        0.7,
				MinRequests:         10,
			},
		},
	}
}

// parseFile overlays the file on the defaults already in c. An empty file is allowed.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
