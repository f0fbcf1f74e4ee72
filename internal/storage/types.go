package storage

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// ParseStatus maps a gateway or stored status onto a Status, case-insensitively.
// "SUCCESS" is accepted as an alias of SUCCESSFUL.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING":
		return StatusPending, true
	case "SUCCESSFUL", "SUCCESS":
		return StatusSuccessful, true
	case "CANCELLED", "CANCELED":
		return StatusCancelled, true
	case "FAILED":
		return StatusFailed, true
	case "EXPIRED":
		return StatusExpired, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s != StatusPending && s != ""
}

// IsFailure reports whether s is one of the failure-class terminal states.
func (s Status) IsFailure() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusExpired
}

// Voucher is a redeemable code in the pool.
// Used flips true when a checkout reserves it; UsedAt and ExpiryDate are stamped once it is sold.
type Voucher struct {
	Code             string     `json:"code"`
	ProductName      string     `json:"product_name"`
	Amount           int64      `json:"amount"`
	DiscountedAmount *int64     `json:"discounted_amount,omitempty"`
	Used             bool       `json:"used"`
	UsedBy           string     `json:"used_by,omitempty"`
	UsedAt           *time.Time `json:"used_at,omitempty"`
	ExpiryDate       *time.Time `json:"expiry_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// EffectiveAmount is the discounted price when present, else the list price.
func (v Voucher) EffectiveAmount() int64 {
	return EffectiveAmount(v.Amount, v.DiscountedAmount)
}

// Finalized reports whether the voucher has been sold and can no longer be released.
func (v Voucher) Finalized() bool {
	return v.UsedAt != nil
}

// Transaction is one purchase attempt in the ledger, keyed by the client-facing TempID.
type Transaction struct {
	TempID           string    `json:"temp_id"`
	TransactionID    string    `json:"transaction_id,omitempty"`
	BillLinkID       string    `json:"bill_link_id,omitempty"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	ProductName      string    `json:"product_name"`
	Amount           int64     `json:"amount"`
	DiscountedAmount *int64    `json:"discounted_amount,omitempty"`
	VoucherCode      string    `json:"voucher_code,omitempty"`
	Status           Status    `json:"status"`
	PaymentMethod    string    `json:"payment_method,omitempty"`
	ExpiryDate       time.Time `json:"expiry_date"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EffectiveAmount is the amount the customer is billed.
func (t Transaction) EffectiveAmount() int64 {
	return EffectiveAmount(t.Amount, t.DiscountedAmount)
}

// Linked reports whether the gateway has assigned its transaction id.
func (t Transaction) Linked() bool {
	return t.TransactionID != ""
}

// EffectiveAmount returns discounted when set, else amount.
func EffectiveAmount(amount int64, discounted *int64) int64 {
	if discounted != nil {
		return *discounted
	}
	return amount
}

// Transition describes a conditional PENDING -> To status change.
// Non-empty fields are written alongside the status.
type Transition struct {
	To            Status
	TransactionID string
	BillLinkID    string
	VoucherCode   string
	PaymentMethod string
	At            time.Time
}

// PendingQuery selects the most recent PENDING transaction for a payer.
type PendingQuery struct {
	Email  string
	Amount int64 // compared against the effective amount
	// Unlinked restricts the match to transactions without a gateway transaction id.
	Unlinked bool
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	Statuses []Status
	Email    string
	Since    time.Time
	Limit    int
}

// InventoryItem summarizes the pool for one product.
type InventoryItem struct {
	ProductName      string `json:"product_name"`
	Available        int    `json:"available"`
	Total            int    `json:"total"`
	Amount           int64  `json:"amount"`
	DiscountedAmount *int64 `json:"discounted_amount,omitempty"`
}

// normalizeEmail lowercases and trims an email for matching.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func ptrInt64(v int64) *int64 {
	return &v
}
