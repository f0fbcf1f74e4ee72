package apikey

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/vouchers/internal/errors"
)

// Tier is the rate-limit class granted by an X-API-Key.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise" // exempt from per-IP limits
	TierPartner    Tier = "partner"    // storefront backend; exempt from every limit
)

type tierKey struct{}

// Config maps API keys to tiers. Keys are optional: unknown or missing keys are TierFree.
type Config struct {
	APIKeys map[string]Tier
	Enabled bool
}

// Middleware resolves X-API-Key to a Tier and stores it on the request context.
// It never rejects a request; it only relaxes rate limiting downstream.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	keys := cfg.APIKeys
	if !cfg.Enabled {
		keys = nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := TierFree
			if t, ok := keys[strings.TrimSpace(r.Header.Get("X-API-Key"))]; ok {
				tier = t
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tierKey{}, tier)))
		})
	}
}

// GetTier defaults to TierFree when Middleware did not run.
func GetTier(r *http.Request) Tier {
	if t, ok := r.Context().Value(tierKey{}).(Tier); ok {
		return t
	}
	return TierFree
}

// IsExemptFromRateLimits skips the per-IP limiter.
func IsExemptFromRateLimits(r *http.Request) bool {
	t := GetTier(r)
	return t == TierEnterprise || t == TierPartner
}

// ShouldBypassGlobalLimit skips the global limiter; partner only.
func ShouldBypassGlobalLimit(r *http.Request) bool {
	return GetTier(r) == TierPartner
}

// RequireHeaderSecret rejects requests whose header does not carry the shared secret.
// An empty secret rejects every request so an unconfigured admin endpoint stays closed.
func RequireHeaderSecret(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !secretMatches(secret, strings.TrimSpace(r.Header.Get(header))) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "invalid or missing secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireBearer protects admin read endpoints with "Authorization: Bearer <key>".
// An empty key disables protection.
func RequireBearer(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || !secretMatches(key, strings.TrimSpace(token)) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secretMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
