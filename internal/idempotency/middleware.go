package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	apierrors "github.com/CedrosPay/vouchers/internal/errors"
	"github.com/CedrosPay/vouchers/internal/logger"
)

const (
	// HeaderKey carries the client-chosen idempotency key.
	HeaderKey = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "X-Idempotency-Replay"

	DefaultTTL = 24 * time.Hour

	maxKeyLength  = 255
	maxBodyBuffer = 1 << 20
)

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware replays the stored response for a repeated Idempotency-Key on the same
// route and body. The same key with a different body is rejected with 422, and a
// duplicate arriving while the first is still running gets 409. Only 2xx responses
// are stored, so a failed checkout can be retried with the same key.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var inflight sync.Map

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(rawKey) > maxKeyLength {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "Idempotency-Key is too long")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBuffer))
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "unable to read request body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])

			key := r.Method + ":" + r.URL.Path + ":" + rawKey
			log := logger.FromContext(r.Context())

			if cached, ok := store.Get(r.Context(), key); ok {
				if cached.Fingerprint != "" && cached.Fingerprint != fingerprint {
					apierrors.WriteSimpleError(w, apierrors.ErrCodeIdempotencyMismatch, "Idempotency-Key was already used with a different request body")
					return
				}
				log.Debug().Str("idempotency_key", logger.TruncateID(rawKey)).Msg("idempotency.replay")
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			if _, busy := inflight.LoadOrStore(key, struct{}{}); busy {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeRequestInProgress, "a request with this Idempotency-Key is still being processed")
				return
			}
			defer inflight.Delete(key)

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				headers := make(map[string]string, len(w.Header()))
				for k := range w.Header() {
					headers[k] = w.Header().Get(k)
				}
				resp := &Response{
					StatusCode:  rec.status,
					Headers:     headers,
					Body:        append([]byte(nil), rec.body.Bytes()...),
					Fingerprint: fingerprint,
					CachedAt:    time.Now(),
				}
				if err := store.Set(r.Context(), key, resp, ttl); err != nil {
					log.Warn().Err(err).Msg("idempotency.store_failed")
				}
			}
		})
	}
}
