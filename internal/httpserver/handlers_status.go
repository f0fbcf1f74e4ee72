package httpserver

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	apierrors "github.com/CedrosPay/vouchers/internal/errors"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/poller"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/CedrosPay/vouchers/pkg/responders"
)

type transactionStatusResponse struct {
	Success       bool           `json:"success"`
	TransactionID string         `json:"transaction_id"`
	VoucherCode   string         `json:"voucher_code,omitempty"`
	ProductName   string         `json:"product_name,omitempty"`
	Status        storage.Status `json:"status"`
	Message       string         `json:"message,omitempty"`
}

// checkTransaction reports whether reconciliation has attached a voucher to a checkout.
// PENDING and unknown ids answer 404 so pollers keep waiting.
func (h *handlers) checkTransaction(w http.ResponseWriter, r *http.Request) {
	tempID := strings.TrimSpace(r.URL.Query().Get("transaction_id"))
	if tempID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "transaction_id is required")
		return
	}

	tx, err := h.store.GetTransaction(r.Context(), tempID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeTransactionNotFound, "Transaction not found", "transaction_id", tempID)
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("temp_id", tempID).Msg("transaction.check.lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Unable to check the transaction")
		return
	}

	resp := transactionStatusResponse{
		TransactionID: tx.TempID,
		ProductName:   tx.ProductName,
		Status:        tx.Status,
	}
	switch {
	case tx.Status == storage.StatusSuccessful && tx.VoucherCode != "":
		resp.Success = true
		resp.VoucherCode = tx.VoucherCode
	case tx.Status == storage.StatusSuccessful:
		resp.Message = "Payment received. Your voucher will be sent by email."
	case tx.Status.IsFailure():
		resp.Message = "Payment was not completed"
	default:
		pendingResponse(w, tx.TempID)
		return
	}
	responders.JSON(w, http.StatusOK, resp)
}

var redirectPage = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Confirming your payment</title>
</head>
<body>
<main>
<h1>Confirming your payment</h1>
<p id="status">Please keep this page open while we confirm your payment.</p>
<noscript><p><a href="{{.ProcessingURL}}">Continue</a></p></noscript>
</main>
<script>
(function () {
  var checkURL = {{.CheckURL}};
  var successURL = {{.SuccessURL}};
  var processingURL = {{.ProcessingURL}};
  var interval = {{.IntervalMillis}};
  var maxAttempts = {{.MaxAttempts}};
  var attempt = 0;

  function next() {
    if (attempt >= maxAttempts) {
      window.location.replace(processingURL);
      return;
    }
    setTimeout(poll, interval);
  }

  function poll() {
    attempt++;
    fetch(checkURL, {headers: {"Accept": "application/json"}, cache: "no-store"})
      .then(function (res) { return res.ok ? res.json() : null; })
      .then(function (body) {
        if (body && body.success) {
          window.location.replace(successURL);
          return;
        }
        if (body && body.status && body.status !== "PENDING") {
          window.location.replace(processingURL);
          return;
        }
        next();
      })
      .catch(next);
  }

  poll();
})();
</script>
</body>
</html>
`))

type redirectPageData struct {
	CheckURL       string
	SuccessURL     string
	ProcessingURL  string
	IntervalMillis int64
	MaxAttempts    int
}

// redirectPayment serves the page Flip sends the payer back to. It polls
// check-transaction within the configured budget, then moves on to the
// success page or to the "check your email" page.
func (h *handlers) redirectPayment(w http.ResponseWriter, r *http.Request) {
	tempID := strings.TrimSpace(r.URL.Query().Get("transaction_id"))
	processingURL := firstNonEmpty(h.cfg.Checkout.ProcessingURL, "/")
	if tempID == "" {
		http.Redirect(w, r, processingURL, http.StatusFound)
		return
	}

	policy := poller.PolicyFrom(h.cfg.Checkout)
	data := redirectPageData{
		CheckURL:       h.cfg.Server.RoutePrefix + "/check-transaction?transaction_id=" + url.QueryEscape(tempID),
		SuccessURL:     withQuery(firstNonEmpty(h.cfg.Checkout.SuccessURL, "/"), "transaction_id", tempID),
		ProcessingURL:  withQuery(processingURL, "transaction_id", tempID),
		IntervalMillis: policy.Interval.Milliseconds(),
		MaxAttempts:    policy.MaxAttempts,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := redirectPage.Execute(w, data); err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("temp_id", tempID).Msg("redirect.render_failed")
	}
}
