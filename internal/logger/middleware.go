package logger

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// Middleware attaches a request-scoped logger and request id to each request.
// A caller-supplied X-Request-ID is kept so checkout retries correlate across hops.
func Middleware(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			w.Header().Set(RequestIDHeader, id)

			l := base.With().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", clientAddr(r)).
				Logger()
			l.Info().Str("user_agent", r.UserAgent()).Msg("request.started")

			ctx := WithRequestID(WithContext(r.Context(), l), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientAddr prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
