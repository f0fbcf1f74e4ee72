package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"
)

const voucherTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <h2>Terima kasih, {{.Name}}!</h2>
  <p>Your payment for <strong>{{.ProductName}}</strong> ({{rupiah .Amount}}) was received.</p>
  <p>Your voucher code:</p>
  <p style="font-size: 24px; font-weight: bold; letter-spacing: 2px;">{{.VoucherCode}}</p>
  {{if .ExpiresAt}}<p>Valid until {{date .ExpiresAt}}.</p>{{end}}
  <p style="color: #888; font-size: 12px;">Reference: {{.TransactionID}}</p>
</body>
</html>`

var bodyTemplate = template.Must(template.New("voucher").Funcs(template.FuncMap{
	"rupiah": formatRupiah,
	"date": func(t *time.Time) string {
		return t.Format("2 January 2006")
	},
}).Parse(voucherTemplate))

// RenderBody renders the HTML body for a voucher email.
func RenderBody(email VoucherEmail) (string, error) {
	data := email
	if data.Name == "" {
		data.Name = "Customer"
	}
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render voucher email: %w", err)
	}
	return buf.String(), nil
}

// formatRupiah renders 25000 as "Rp 25.000".
func formatRupiah(amount int64) string {
	digits := strconv.FormatInt(amount, 10)
	negative := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if negative {
		return "Rp -" + b.String()
	}
	return "Rp " + b.String()
}
