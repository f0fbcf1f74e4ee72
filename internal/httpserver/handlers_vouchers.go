package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/CedrosPay/vouchers/internal/errors"
	"github.com/CedrosPay/vouchers/internal/issuance"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/CedrosPay/vouchers/pkg/responders"
)

type inventoryResponse struct {
	Success  bool                    `json:"success"`
	Products []storage.InventoryItem `json:"products"`
}

// listVouchers returns stock and price per product. Codes are never listed.
func (h *handlers) listVouchers(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.InventorySummary(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("vouchers.list.fetch_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to fetch vouchers")
		return
	}

	product := strings.TrimSpace(r.URL.Query().Get("product_name"))
	resp := inventoryResponse{Success: true, Products: make([]storage.InventoryItem, 0, len(items))}
	for _, item := range items {
		if product != "" && !strings.EqualFold(item.ProductName, product) {
			continue
		}
		resp.Products = append(resp.Products, item)
	}
	responders.JSON(w, http.StatusOK, resp)
}

type useVoucherRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	ProductName string `json:"product_name"`
}

type useVoucherResponse struct {
	Success       bool      `json:"success"`
	TransactionID string    `json:"transaction_id"`
	VoucherCode   string    `json:"voucher_code"`
	ProductName   string    `json:"product_name"`
	Amount        int64     `json:"amount"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// useVoucher issues a voucher without a gateway payment.
func (h *handlers) useVoucher(w http.ResponseWriter, r *http.Request) {
	var req useVoucherRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}

	res, err := h.issuer.Issue(r.Context(), issuance.Request{
		Email:       req.Email,
		Name:        req.Name,
		ProductName: req.ProductName,
	})
	switch {
	case errors.Is(err, issuance.ErrInvalidRequest):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, err.Error())
		return
	case errors.Is(err, storage.ErrNoVoucherAvailable):
		soldOutResponse(w, strings.TrimSpace(req.ProductName))
		return
	case err != nil:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("vouchers.use.failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Unable to issue a voucher, please try again")
		return
	}

	responders.JSON(w, http.StatusOK, useVoucherResponse{
		Success:       true,
		TransactionID: res.TransactionID,
		VoucherCode:   res.VoucherCode,
		ProductName:   res.ProductName,
		Amount:        res.Amount,
		ExpiresAt:     res.ExpiresAt,
	})
}
