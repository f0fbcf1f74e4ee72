package reconcile

import (
	"github.com/CedrosPay/vouchers/internal/storage"
)

// EventClass groups gateway statuses by their effect on a transaction.
type EventClass int

const (
	EventIgnored EventClass = iota
	EventSuccess
	EventFailure
)

func (c EventClass) String() string {
	switch c {
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	default:
		return "ignored"
	}
}

// Classify maps a gateway status to its event class, case-insensitively.
// PENDING and unknown statuses are ignored.
func Classify(status string) EventClass {
	s, ok := storage.ParseStatus(status)
	switch {
	case !ok:
		return EventIgnored
	case s == storage.StatusSuccessful:
		return EventSuccess
	case s.IsFailure():
		return EventFailure
	default:
		return EventIgnored
	}
}

// Action is what the reconciler does for a (state, event) pair.
type Action string

const (
	ActionAssignAndSucceed Action = "assign_and_succeed"
	ActionSucceed          Action = "succeed"
	ActionFailAndRelease   Action = "fail_and_release"
	ActionBackfillExpiry   Action = "backfill_expiry"
	ActionCreateSucceeded  Action = "create_succeeded"
	ActionIgnore           Action = "ignore"
)

// Decide is the transition table. current is nil when no transaction matched.
//
//	state        success           failure           ignored
//	(none)       CreateSucceeded   Ignore            Ignore
//	PENDING      AssignAndSucceed  FailAndRelease    Ignore
//	             / Succeed
//	SUCCESSFUL   BackfillExpiry    BackfillExpiry    Ignore
//	(voucher)
//	terminal     Ignore            Ignore            Ignore
func Decide(current *storage.Transaction, event EventClass) Action {
	if event == EventIgnored {
		return ActionIgnore
	}
	if current == nil {
		if event == EventSuccess {
			return ActionCreateSucceeded
		}
		return ActionIgnore
	}

	switch current.Status {
	case storage.StatusPending:
		if event == EventFailure {
			return ActionFailAndRelease
		}
		if current.VoucherCode == "" {
			return ActionAssignAndSucceed
		}
		return ActionSucceed
	case storage.StatusSuccessful:
		if current.VoucherCode != "" {
			return ActionBackfillExpiry
		}
		return ActionIgnore
	default:
		return ActionIgnore
	}
}
