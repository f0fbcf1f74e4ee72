package storage

import "time"

const (
	// DefaultVoucherValidity is the window a sold voucher stays redeemable when the caller passes zero.
	DefaultVoucherValidity = 30 * 24 * time.Hour

	// DefaultListLimit caps ListTransactions and ListExpiredPending when no limit is given.
	DefaultListLimit = 500
)
