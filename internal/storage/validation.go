package storage

import (
	"fmt"
	"strings"
	"time"
)

// validateAndPrepareVoucher validates required fields and sets default timestamps.
func validateAndPrepareVoucher(v *Voucher, now time.Time) error {
	v.Code = strings.TrimSpace(v.Code)
	v.ProductName = strings.TrimSpace(v.ProductName)
	if v.Code == "" {
		return fmt.Errorf("voucher requires code")
	}
	if v.ProductName == "" {
		return fmt.Errorf("voucher %s requires product_name", v.Code)
	}
	if v.Amount <= 0 {
		return fmt.Errorf("voucher %s requires a positive amount", v.Code)
	}
	if v.DiscountedAmount != nil && (*v.DiscountedAmount <= 0 || *v.DiscountedAmount > v.Amount) {
		return fmt.Errorf("voucher %s discounted_amount must be in (0, amount]", v.Code)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	return nil
}

// validateAndPrepareTransaction validates required fields, normalizes the email,
// and fills timestamps.
func validateAndPrepareTransaction(tx *Transaction, now time.Time) error {
	if tx.TempID == "" {
		return fmt.Errorf("transaction requires temp_id")
	}
	tx.Email = normalizeEmail(tx.Email)
	if tx.Email == "" {
		return fmt.Errorf("transaction %s requires email", tx.TempID)
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	if _, ok := ParseStatus(string(tx.Status)); !ok {
		return fmt.Errorf("transaction %s has unknown status %q", tx.TempID, tx.Status)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	return nil
}

func validityOrDefault(validity time.Duration) time.Duration {
	if validity <= 0 {
		return DefaultVoucherValidity
	}
	return validity
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func transitionAt(t Transition) time.Time {
	if t.At.IsZero() {
		return time.Now().UTC()
	}
	return t.At
}
