package httpserver

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/CedrosPay/vouchers/internal/errors"
	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/CedrosPay/vouchers/pkg/responders"
)

// soldOutResponse sends a 409 when the pool has no voucher left for product.
func soldOutResponse(w http.ResponseWriter, product string) {
	message := "Voucher is sold out"
	if product != "" {
		message = fmt.Sprintf("Voucher for %s is sold out", product)
	}
	apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeVoucherSoldOut, message, "product_name", product)
}

// gatewayFailureResponse maps a CreateBill error. Validation messages from the
// gateway are shown to the buyer; anything else stays generic.
func gatewayFailureResponse(w http.ResponseWriter, err error) {
	var vErr *flip.ValidationError
	if errors.As(err, &vErr) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeGatewayValidation, vErr.Error(), "messages", vErr.Messages)
		return
	}
	apierrors.WriteSimpleError(w, apierrors.ErrCodeGatewayError, "Payment gateway is unavailable, please try again")
}

// pendingResponse sends the 404 the status poller keeps retrying on.
func pendingResponse(w http.ResponseWriter, tempID string) {
	apierrors.WriteError(w, apierrors.ErrCodeTransactionPending, "Transaction is still being processed", map[string]interface{}{
		"transaction_id": tempID,
		"status":         storage.StatusPending,
	})
}

// acknowledgeCallback answers the gateway. Callbacks are acknowledged whatever
// the processing outcome, so Flip never redelivers because of our own errors.
func acknowledgeCallback(w http.ResponseWriter) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"received": true,
	})
}
