package mailer

import (
	"context"
	"time"
)

// VoucherEmail is the payload of a voucher delivery email.
type VoucherEmail struct {
	To            string     `json:"to"`
	Name          string     `json:"name"`
	ProductName   string     `json:"productName"`
	VoucherCode   string     `json:"voucherCode"`
	Amount        int64      `json:"amount"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	TransactionID string     `json:"transactionId"`
}

// Mailer delivers voucher emails. SendVoucher never blocks on delivery and never fails the caller.
type Mailer interface {
	SendVoucher(ctx context.Context, email VoucherEmail)
}

// Sender performs one synchronous delivery attempt.
type Sender interface {
	Send(ctx context.Context, email VoucherEmail) error
}

// NoopMailer discards every email.
type NoopMailer struct{}

// SendVoucher implements Mailer.
func (NoopMailer) SendVoucher(context.Context, VoucherEmail) {}
