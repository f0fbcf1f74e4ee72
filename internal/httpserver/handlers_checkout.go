package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	apierrors "github.com/CedrosPay/vouchers/internal/errors"
	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/reservation"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/CedrosPay/vouchers/pkg/responders"
)

// rollbackTimeout bounds compensating writes that run after the request context ended.
const rollbackTimeout = 5 * time.Second

type createPaymentRequest struct {
	Amount           int64  `json:"amount"`
	DiscountedAmount *int64 `json:"discounted_amount,omitempty"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	ProductName      string `json:"product_name"`
	Title            string `json:"title,omitempty"`
	SenderBankType   string `json:"sender_bank_type,omitempty"`
}

type createPaymentResponse struct {
	Success       bool      `json:"success"`
	PaymentURL    string    `json:"payment_url"`
	TransactionID string    `json:"transaction_id"`
	VoucherCode   string    `json:"voucher_code"`
	ProductName   string    `json:"product_name"`
	Amount        int64     `json:"amount"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// validate returns the first problem with the request, or an empty code.
func (req *createPaymentRequest) validate(minAmount int64) (apierrors.ErrorCode, string) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	req.ProductName = strings.TrimSpace(req.ProductName)

	switch {
	case req.Email == "":
		return apierrors.ErrCodeMissingField, "email is required"
	case req.ProductName == "":
		return apierrors.ErrCodeMissingField, "product_name is required"
	case req.Amount <= 0:
		return apierrors.ErrCodeInvalidAmount, "amount must be a positive number"
	case req.DiscountedAmount != nil && (*req.DiscountedAmount <= 0 || *req.DiscountedAmount > req.Amount):
		return apierrors.ErrCodeInvalidAmount, "discounted_amount must be positive and not exceed amount"
	}
	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		return apierrors.ErrCodeInvalidEmail, "email is not a valid address"
	}
	if storage.EffectiveAmount(req.Amount, req.DiscountedAmount) < minAmount {
		return apierrors.ErrCodeAmountBelowMinimum, fmt.Sprintf("Minimum payment is Rp %d", minAmount)
	}
	return "", ""
}

// createPayment reserves a voucher, opens a Flip bill for it and links the two.
// Any gateway failure abandons the reservation so the voucher returns to the pool.
func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req createPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.metrics.ObserveCheckout("invalid", time.Since(start))
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if code, message := req.validate(h.cfg.Checkout.MinAmount); code != "" {
		h.metrics.ObserveCheckout("invalid", time.Since(start))
		apierrors.WriteSimpleError(w, code, message)
		return
	}

	res, err := h.engine.Reserve(ctx, reservation.Request{
		ProductName:      req.ProductName,
		Email:            req.Email,
		Name:             req.Name,
		Amount:           req.Amount,
		DiscountedAmount: req.DiscountedAmount,
	})
	switch {
	case errors.Is(err, storage.ErrNoVoucherAvailable):
		h.metrics.ObserveCheckout("sold_out", time.Since(start))
		log.Info().Str("product", req.ProductName).Msg("payment.create.sold_out")
		soldOutResponse(w, req.ProductName)
		return
	case errors.Is(err, reservation.ErrInvalidRequest):
		h.metrics.ObserveCheckout("invalid", time.Since(start))
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, err.Error())
		return
	case err != nil:
		h.metrics.ObserveCheckout("error", time.Since(start))
		log.Error().Err(err).Str("product", req.ProductName).Msg("payment.create.reserve_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Unable to reserve a voucher, please try again")
		return
	}

	log = log.With().Str("temp_id", res.TempID).Logger()

	// The voucher's own price is billed; it may sit below the floor the quote passed.
	if res.EffectiveAmount < h.cfg.Checkout.MinAmount {
		h.abandon(ctx, res.TempID)
		h.metrics.ObserveCheckout("invalid", time.Since(start))
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAmountBelowMinimum, fmt.Sprintf("Minimum payment is Rp %d", h.cfg.Checkout.MinAmount))
		return
	}

	bill, err := h.gateway.CreateBill(ctx, flip.BillRequest{
		Title:          firstNonEmpty(req.Title, res.ProductName),
		Amount:         res.EffectiveAmount,
		ExpiresAt:      h.gatewayExpiry(res.ExpiresAt),
		SenderName:     firstNonEmpty(res.Name, res.Email),
		SenderEmail:    res.Email,
		SenderBankType: req.SenderBankType,
		RedirectURL:    h.billRedirectURL(res.TempID),
	})
	if err != nil {
		log.Warn().Err(err).Msg("payment.create.gateway_failed")
		h.abandon(ctx, res.TempID)
		h.metrics.ObserveCheckout("gateway_error", time.Since(start))
		gatewayFailureResponse(w, err)
		return
	}

	if err := h.engine.Link(ctx, res.TempID, bill.TransactionID, bill.BillLinkID); err != nil {
		// The callback can still find the transaction by email and amount.
		log.Error().
			Err(err).
			Str("gateway_id", logger.TruncateID(bill.TransactionID)).
			Bool("needs_attention", true).
			Msg("payment.create.link_failed")
	}

	h.metrics.ObserveCheckout("created", time.Since(start))
	log.Info().
		Str("voucher", logger.RedactCode(res.VoucherCode)).
		Int64("amount", res.EffectiveAmount).
		Msg("payment.create.succeeded")

	responders.JSON(w, http.StatusOK, createPaymentResponse{
		Success:       true,
		PaymentURL:    bill.PaymentURL,
		TransactionID: res.TempID,
		VoucherCode:   res.VoucherCode,
		ProductName:   res.ProductName,
		Amount:        res.EffectiveAmount,
		ExpiresAt:     res.ExpiresAt,
	})
}

// abandon fails the reservation and releases its voucher, even after the client went away.
func (h *handlers) abandon(ctx context.Context, tempID string) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	// Abandon logs its own failures with needs_attention.
	_ = h.engine.Abandon(rollbackCtx, tempID, storage.StatusFailed)
}

// gatewayExpiry is the bill deadline: gateway_ttl from now, never past the PENDING deadline.
func (h *handlers) gatewayExpiry(pendingDeadline time.Time) time.Time {
	ttl := h.cfg.Checkout.GatewayTTL.Duration
	if ttl <= 0 {
		return pendingDeadline
	}
	if at := h.now().Add(ttl); at.Before(pendingDeadline) {
		return at
	}
	return pendingDeadline
}

// billRedirectURL points the payer back at the polling page for this transaction.
func (h *handlers) billRedirectURL(tempID string) string {
	if h.cfg.Flip.RedirectURL == "" {
		return ""
	}
	return withQuery(h.cfg.Flip.RedirectURL, "transaction_id", tempID)
}
