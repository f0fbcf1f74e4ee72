package config

import (
	"testing"
	"time"
)

func TestEnvOverrides(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "server address",
			envVars: map[string]string{"VOUCHERS_SERVER_ADDRESS": ":3000"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name:    "route prefix normalized",
			envVars: map[string]string{"VOUCHERS_ROUTE_PREFIX": "api/"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name:    "cors origins split",
			envVars: map[string]string{"VOUCHERS_CORS_ALLOWED_ORIGINS": "https://a.test, https://b.test"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Server.CORSAllowedOrigins) != 2 || cfg.Server.CORSAllowedOrigins[1] != "https://b.test" {
					t.Errorf("unexpected origins %v", cfg.Server.CORSAllowedOrigins)
				}
			},
		},
		{
			name: "checkout overrides",
			envVars: map[string]string{
				"VOUCHERS_CHECKOUT_MIN_AMOUNT":  "25000",
				"VOUCHERS_CHECKOUT_PENDING_TTL": "45m",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Checkout.MinAmount != 25000 {
					t.Errorf("min amount = %d", cfg.Checkout.MinAmount)
				}
				if cfg.Checkout.PendingTTL.Duration != 45*time.Minute {
					t.Errorf("pending ttl = %v", cfg.Checkout.PendingTTL.Duration)
				}
			},
		},
		{
			name:    "invalid int ignored",
			envVars: map[string]string{"VOUCHERS_CHECKOUT_MIN_AMOUNT": "lots"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Checkout.MinAmount != 10000 {
					t.Errorf("min amount = %d, want default", cfg.Checkout.MinAmount)
				}
			},
		},
		{
			name: "smtp settings",
			envVars: map[string]string{
				"VOUCHERS_MAIL_ENABLED": "1",
				"VOUCHERS_SMTP_HOST":    "smtp.test",
				"VOUCHERS_SMTP_PORT":    "2525",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Mail.Enabled || cfg.Mail.Host != "smtp.test" || cfg.Mail.Port != 2525 {
					t.Errorf("unexpected mail config %+v", cfg.Mail)
				}
			},
		},
		{
			name:    "sweeper disabled",
			envVars: map[string]string{"VOUCHERS_SWEEPER_ENABLED": "false"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Sweeper.Enabled {
					t.Error("expected sweeper disabled")
				}
			},
		},
		{
			name: "api keys loaded",
			envVars: map[string]string{
				"VOUCHERS_API_KEY_ENABLED":    "true",
				"VOUCHERS_API_KEY_STOREFRONT": "partner",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.APIKey.Enabled {
					t.Error("expected api keys enabled")
				}
				if cfg.APIKey.Keys["storefront"] != "partner" {
					t.Errorf("unexpected keys %v", cfg.APIKey.Keys)
				}
				if _, ok := cfg.APIKey.Keys["enabled"]; ok {
					t.Error("ENABLED flag must not be treated as a key")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}
