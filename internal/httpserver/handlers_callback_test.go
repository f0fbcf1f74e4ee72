package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/CedrosPay/vouchers/internal/storage"
)

func callbackJSON(status string) string {
	return `{"id":"FT-1001","bill_link_id":5501,"bill_title":"Latte","amount":"25000",` +
		`"status":"` + status + `","sender_email":"buyer@example.com","sender_name":"Budi","sender_bank":"qris"}`
}

// checkout runs a successful create-payment and returns the temp id.
func (f *fixture) checkout(t *testing.T) string {
	t.Helper()
	rec := f.postJSON("/create-payment", checkoutBody("Latte"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create-payment = %d: %s", rec.Code, rec.Body.String())
	}
	tempID, _ := decodeBody(t, rec)["transaction_id"].(string)
	return tempID
}

func TestFlipCallback_RejectsBadSignature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong secret", "deadbeef"},
		{"not hex", "zz-not-hex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, latte("LAT-0001"))
			tempID := f.checkout(t)

			req := httptest.NewRequest(http.MethodPost, "/flip-callback", strings.NewReader(callbackJSON("SUCCESSFUL")))
			req.Header.Set("Content-Type", "application/json")
			if tt.signature != "" {
				req.Header.Set("X-Flip-Signature", tt.signature)
			}
			rec := f.do(req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if code := errorCode(t, rec); code != "invalid_signature" {
				t.Errorf("code = %q", code)
			}
			tx, _ := f.store.GetTransaction(context.Background(), tempID)
			if tx.Status != storage.StatusPending {
				t.Errorf("status = %s after rejected callback", tx.Status)
			}
			if f.mailer.count() != 0 {
				t.Error("email sent for a rejected callback")
			}
		})
	}
}

func TestFlipCallback_SuccessRoundTrip(t *testing.T) {
	bodies := []struct {
		name        string
		contentType string
		body        string
	}{
		{"json", "application/json", callbackJSON("SUCCESSFUL")},
		{"wrapped json", "application/json", `{"data":` + callbackJSON("SUCCESSFUL") + `}`},
		{"form", "application/x-www-form-urlencoded", "data=" + url.QueryEscape(callbackJSON("SUCCESSFUL")) + "&token=abc"},
	}

	for _, tt := range bodies {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, latte("LAT-0001"), latte("LAT-0002"))
			tempID := f.checkout(t)

			rec := f.postCallback(tt.contentType, tt.body)
			if rec.Code != http.StatusOK || decodeBody(t, rec)["received"] != true {
				t.Fatalf("callback = %d: %s", rec.Code, rec.Body.String())
			}

			check := f.get("/check-transaction?transaction_id="+tempID, nil)
			if check.Code != http.StatusOK {
				t.Fatalf("check-transaction = %d: %s", check.Code, check.Body.String())
			}
			body := decodeBody(t, check)
			if body["success"] != true || body["status"] != "SUCCESSFUL" || body["voucher_code"] != "LAT-0001" {
				t.Errorf("check-transaction = %v", body)
			}

			v, _ := f.store.GetVoucher(context.Background(), "LAT-0001")
			if !v.Used || v.UsedAt == nil || v.ExpiryDate == nil {
				t.Fatalf("voucher not finalized: %+v", v)
			}
			if got := v.ExpiryDate.Sub(*v.UsedAt); got != f.cfg.Checkout.VoucherValidity.Duration {
				t.Errorf("expiry - used_at = %v", got)
			}

			// Redelivery is acknowledged without a second voucher or email.
			if rec := f.postCallback(tt.contentType, tt.body); rec.Code != http.StatusOK {
				t.Errorf("redelivery = %d", rec.Code)
			}
			if f.mailer.count() != 1 {
				t.Errorf("emails = %d, want 1", f.mailer.count())
			}
			if other, _ := f.store.GetVoucher(context.Background(), "LAT-0002"); other.Used {
				t.Error("redelivery assigned a second voucher")
			}
		})
	}
}

func TestFlipCallback_CancelledReleasesVoucher(t *testing.T) {
	f := newFixture(t, latte("LAT-0001"))
	tempID := f.checkout(t)

	if rec := f.postCallback("application/json", callbackJSON("cancelled")); rec.Code != http.StatusOK {
		t.Fatalf("callback = %d", rec.Code)
	}

	tx, _ := f.store.GetTransaction(context.Background(), tempID)
	if tx.Status != storage.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", tx.Status)
	}
	if v, _ := f.store.GetVoucher(context.Background(), "LAT-0001"); v.Used {
		t.Error("voucher still used after cancellation")
	}

	check := f.get("/check-transaction?transaction_id="+tempID, nil)
	body := decodeBody(t, check)
	if check.Code != http.StatusOK || body["success"] != false || body["status"] != "CANCELLED" {
		t.Errorf("check-transaction = %d %v", check.Code, body)
	}

	// The released voucher can be bought again.
	if next := f.checkout(t); next == "" || next == tempID {
		t.Errorf("second checkout temp id = %q", next)
	}
}

func TestFlipCallback_AcknowledgesUnprocessable(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "hello"},
		{"missing status", `{"id":"FT-9"}`},
		{"success without id", `{"bill_title":"Latte","amount":25000,"status":"SUCCESSFUL","sender_email":"nobody@example.com"}`},
		{"unmatched failure", `{"id":"FT-404","amount":25000,"status":"FAILED","sender_email":"nobody@example.com"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, latte("LAT-0001"))
			rec := f.postCallback("application/json", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			txs, _ := f.store.ListTransactions(context.Background(), storage.TransactionFilter{})
			if len(txs) != 0 {
				t.Errorf("callback created %d transactions", len(txs))
			}
		})
	}
}
