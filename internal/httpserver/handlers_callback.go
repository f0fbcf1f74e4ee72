package httpserver

import (
	"context"
	"io"
	"net/http"
	"time"

	apierrors "github.com/CedrosPay/vouchers/internal/errors"
	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/logger"
)

// callbackTimeout bounds reconciliation of one callback, detached from the gateway's connection.
const callbackTimeout = 30 * time.Second

// flipCallback authenticates a Flip payment notification and reconciles it.
// Only an authentication failure is reported back; everything after is acknowledged with 200.
func (h *handlers) flipCallback(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		log.Warn().Err(err).Msg("flip.callback.read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "unable to read callback body")
		return
	}

	signature := r.Header.Get(h.cfg.Flip.SignatureHeader)
	if err := flip.VerifySignature(h.cfg.Flip.WebhookSecret, body, signature); err != nil {
		log.Warn().Err(err).Msg("flip.callback.unauthorized")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, "invalid callback signature")
		return
	}

	n, err := flip.ParseCallback(r.Header.Get("Content-Type"), body)
	if err != nil {
		log.Error().Err(err).Int("body_bytes", len(body)).Msg("flip.callback.malformed")
		acknowledgeCallback(w)
		return
	}

	log = log.With().
		Str("gateway_id", logger.TruncateID(n.GatewayTransactionID)).
		Str("status", n.Status).
		Logger()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), callbackTimeout)
	defer cancel()

	out, err := h.reconciler.Handle(logger.WithContext(ctx, log), n)
	if err != nil {
		log.Error().
			Err(err).
			Str("email", logger.RedactEmail(n.SenderEmail)).
			Int64("amount", n.Amount).
			Msg("flip.callback.processing_failed")
		acknowledgeCallback(w)
		return
	}

	log.Info().
		Str("rule", string(out.Rule)).
		Str("action", string(out.Action)).
		Str("temp_id", out.TempID).
		Bool("applied", out.Applied).
		Msg("flip.callback.processed")
	acknowledgeCallback(w)
}
