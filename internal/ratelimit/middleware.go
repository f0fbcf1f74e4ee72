package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/vouchers/internal/apikey"
	"github.com/CedrosPay/vouchers/internal/metrics"
)

// maxPeekBytes bounds how much of a request body the per-email limiter reads.
const maxPeekBytes = 64 << 10

// Config mirrors the rate_limit config section. Zero limits are only valid
// when the matching limiter is disabled.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	PerEmailEnabled bool // keyed on the buyer email of checkout and issuance bodies
	PerEmailLimit   int
	PerEmailWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// DefaultConfig stops checkout spam while leaving room for the redirect page
// polling check-transaction every few seconds.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled:   true,
		GlobalLimit:     1000,
		GlobalWindow:    time.Minute,
		PerEmailEnabled: true,
		PerEmailLimit:   10,
		PerEmailWindow:  time.Minute,
		PerIPEnabled:    true,
		PerIPLimit:      120,
		PerIPWindow:     time.Minute,
	}
}

var limitMessages = map[string]string{
	"global":    "Server is busy. Please try again later.",
	"per_email": "Too many requests for this email address. Please try again later.",
	"per_ip":    "Too many requests from this address. Please try again later.",
	"cleanup":   "Cleanup was triggered too often. Please try again later.",
}

// rejectWith answers 429 in the checkout envelope and counts the rejection by route.
func rejectWith(kind string, window time.Duration, m *metrics.Metrics) http.HandlerFunc {
	retryAfter := int(window.Seconds())
	body, _ := json.Marshal(map[string]any{
		"success":             false,
		"error":               "rate_limit_exceeded",
		"message":             limitMessages[kind],
		"retry_after_seconds": retryAfter,
	})
	return func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.ObserveRateLimit(kind, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write(append(body, '\n'))
	}
}

func limiter(kind string, limit int, window time.Duration, m *metrics.Metrics, opts ...httprate.Option) func(http.Handler) http.Handler {
	opts = append(opts, httprate.WithLimitHandler(rejectWith(kind, window, m)))
	return httprate.Limit(limit, window, opts...)
}

// GlobalLimiter caps total traffic. Partner keys bypass it.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passThrough
	}
	return skipWhen(apikey.ShouldBypassGlobalLimit, limiter("global", cfg.GlobalLimit, cfg.GlobalWindow, cfg.Metrics))
}

// EmailLimiter keys on the buyer email and falls back to the client IP.
func EmailLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerEmailEnabled {
		return passThrough
	}
	return skipWhen(apikey.IsExemptFromRateLimits,
		limiter("per_email", cfg.PerEmailLimit, cfg.PerEmailWindow, cfg.Metrics, httprate.WithKeyFuncs(emailKey)))
}

func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passThrough
	}
	return skipWhen(apikey.IsExemptFromRateLimits,
		limiter("per_ip", cfg.PerIPLimit, cfg.PerIPWindow, cfg.Metrics, httprate.WithKeyByIP()))
}

// CleanupLimiter throttles the manual sweep trigger. API key tiers do not bypass it.
func CleanupLimiter(limit int, window time.Duration, m *metrics.Metrics) func(http.Handler) http.Handler {
	if limit <= 0 || window <= 0 {
		return passThrough
	}
	return limiter("cleanup", limit, window, m, httprate.WithKeyByIP())
}

func skipWhen(exempt func(*http.Request) bool, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func passThrough(next http.Handler) http.Handler { return next }

func emailKey(r *http.Request) (string, error) {
	if email := extractEmailFromRequest(r); email != "" {
		return "email:" + email, nil
	}
	return httprate.KeyByIP(r)
}

// extractEmailFromRequest looks at X-Customer-Email, the email query parameter,
// then a JSON or form body. The peeked body is put back for the handler.
func extractEmailFromRequest(r *http.Request) string {
	for _, v := range []string{r.Header.Get("X-Customer-Email"), r.URL.Query().Get("email")} {
		if v != "" {
			return normalizeEmail(v)
		}
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), r.Body))

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return ""
		}
		return normalizeEmail(form.Get("email"))
	}
	var body struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	return normalizeEmail(body.Email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
