package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/storage"
)

// Rule names the resolution rule that located a transaction.
type Rule string

const (
	RuleGatewayID       Rule = "gateway_id"
	RuleBillLink        Rule = "bill_link"
	RulePendingFailure  Rule = "pending_by_email_amount"
	RulePendingUnlinked Rule = "pending_unlinked"
	RuleUnmatched       Rule = "unmatched"
)

// Finder is the read side of the ledger used for resolution.
type Finder interface {
	GetTransactionByGatewayID(ctx context.Context, transactionID string) (storage.Transaction, error)
	GetTransactionByBillLinkID(ctx context.Context, billLinkID string) (storage.Transaction, error)
	FindLatestPending(ctx context.Context, q storage.PendingQuery) (storage.Transaction, error)
}

// Match is the result of resolution. Transaction is nil for RuleUnmatched.
type Match struct {
	Transaction *storage.Transaction
	Rule        Rule
}

// Resolve locates the transaction a notification refers to, trying in order:
// gateway transaction id, bill link id, then for failures the newest PENDING
// transaction with the same email and amount, and for successes the newest
// PENDING one with the same email and amount that has no gateway id yet.
func Resolve(ctx context.Context, f Finder, n flip.Notification) (Match, error) {
	if n.GatewayTransactionID != "" {
		tx, err := f.GetTransactionByGatewayID(ctx, n.GatewayTransactionID)
		if m, done, err := matched(tx, err, RuleGatewayID); done {
			return m, err
		}
	}
	if n.BillLinkID != "" {
		tx, err := f.GetTransactionByBillLinkID(ctx, n.BillLinkID)
		if m, done, err := matched(tx, err, RuleBillLink); done {
			return m, err
		}
	}

	if n.SenderEmail == "" || n.Amount <= 0 {
		return Match{Rule: RuleUnmatched}, nil
	}

	switch Classify(n.Status) {
	case EventFailure:
		tx, err := f.FindLatestPending(ctx, storage.PendingQuery{Email: n.SenderEmail, Amount: n.Amount})
		if m, done, err := matched(tx, err, RulePendingFailure); done {
			return m, err
		}
	case EventSuccess:
		tx, err := f.FindLatestPending(ctx, storage.PendingQuery{Email: n.SenderEmail, Amount: n.Amount, Unlinked: true})
		if m, done, err := matched(tx, err, RulePendingUnlinked); done {
			return m, err
		}
	}
	return Match{Rule: RuleUnmatched}, nil
}

// matched reports done=true when the lookup either found a row or failed hard.
func matched(tx storage.Transaction, err error, rule Rule) (Match, bool, error) {
	if err == nil {
		return Match{Transaction: &tx, Rule: rule}, true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Match{}, false, nil
	}
	return Match{}, true, fmt.Errorf("resolve by %s: %w", rule, err)
}
