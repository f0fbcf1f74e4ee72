package flip

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/url"
	"testing"
)

const sampleCallback = `{"id":"FT1001","bill_link":"flip.id/$shop/#latte","bill_link_id":5501,"bill_title":"Latte","sender_name":"Sari","sender_email":"Sari@Example.com","sender_bank":"QRIS","amount":25000,"status":"SUCCESSFUL","sender_bank_type":"wallet_account","created_at":"2026-03-01 09:31:00"}`

func TestParseCallback_Shapes(t *testing.T) {
	want := Notification{
		GatewayTransactionID: "FT1001",
		BillLinkID:           "5501",
		BillTitle:            "Latte",
		Amount:               25000,
		Status:               "SUCCESSFUL",
		SenderEmail:          "sari@example.com",
		SenderName:           "Sari",
		PaymentMethod:        "qris",
	}

	form := url.Values{"data": {sampleCallback}, "token": {"tok"}}.Encode()
	multi, multiType := multipartBody(t, map[string]string{"token": "tok", "data": sampleCallback})
	quoted := `{"data":` + quoteJSON(sampleCallback) + `}`

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"plain json", "application/json", sampleCallback},
		{"json with charset", "application/json; charset=utf-8", sampleCallback},
		{"data object", "application/json", `{"data":` + sampleCallback + `}`},
		{"data string", "application/json", quoted},
		{"form", "application/x-www-form-urlencoded", form},
		{"form without content type", "", form},
		{"multipart", multiType, multi},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCallback(tt.contentType, []byte(tt.body))
			if err != nil {
				t.Fatalf("ParseCallback: %v", err)
			}
			if got != want {
				t.Errorf("got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestParseCallback_AmountForms(t *testing.T) {
	tests := []struct {
		body string
		want int64
	}{
		{`{"id":"FT1","status":"successful","amount":"25000"}`, 25000},
		{`{"id":"FT1","status":"successful","amount":"25000.00"}`, 25000},
		{`{"id":"FT1","status":"successful","amount":24999.6}`, 25000},
		{`{"id":"FT1","status":"successful","amount":null}`, 0},
	}
	for _, tt := range tests {
		got, err := ParseCallback("application/json", []byte(tt.body))
		if err != nil {
			t.Fatalf("ParseCallback(%s): %v", tt.body, err)
		}
		if got.Amount != tt.want {
			t.Errorf("amount = %d, want %d", got.Amount, tt.want)
		}
		if got.Status != "SUCCESSFUL" {
			t.Errorf("status not upper-cased: %q", got.Status)
		}
	}
}

func TestParseCallback_Malformed(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"empty", "application/json", ""},
		{"not json", "application/json", "hello"},
		{"form without data", "application/x-www-form-urlencoded", "token=abc"},
		{"multipart without boundary", "multipart/form-data", "--x\r\n"},
		{"missing status", "application/json", `{"id":"FT1","amount":1000}`},
		{"missing id", "application/json", `{"bill_link_id":"","amount":25000,"status":"SUCCESSFUL","sender_email":"a@b.co"}`},
		{"bad amount", "application/json", `{"id":"FT1","status":"SUCCESSFUL","amount":"lots"}`},
		{"array data", "application/json", `{"data":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCallback(tt.contentType, []byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.name != "bad amount" && !errors.Is(err, ErrMalformedCallback) {
				t.Errorf("err = %v, want ErrMalformedCallback", err)
			}
		})
	}
}

func quoteJSON(s string) string {
	out := []byte{'"'}
	for _, r := range s {
		switch r {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, string(r)...)
		}
	}
	return string(append(out, '"'))
}

func multipartBody(t *testing.T, fields map[string]string) (string, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return buf.String(), w.FormDataContentType()
}
