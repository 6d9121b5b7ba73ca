package ledger

import "github.com/tomclarke/ledgermatch/internal/domain/entity"

// Pure derivations over an expense snapshot and the sum of its outbound
// link allocations. Total functions: no error paths, defined for every
// valid input.

// RecoverableMinor returns the portion of e eligible for repayment: the
// amount minus the payer's own share, never negative. Non-reimbursable
// records recover nothing.
func RecoverableMinor(e *entity.Expense) int64 {
	if e.Kind != entity.KindExpense || !e.IsReimbursable() {
		return 0
	}
	var share int64
	if e.MyShareMinor != nil {
		share = *e.MyShareMinor
	}
	recoverable := e.Money.AmountMinor - share
	if recoverable < 0 {
		return 0
	}
	return recoverable
}

// OutstandingMinor returns the recoverable amount not yet covered by link
// allocations or a write-off.
func OutstandingMinor(e *entity.Expense, recoveredMinor int64) int64 {
	var closed int64
	if e.ClosedOutstandingMinor != nil && *e.ClosedOutstandingMinor > 0 {
		closed = *e.ClosedOutstandingMinor
	}
	outstanding := RecoverableMinor(e) - recoveredMinor - closed
	if outstanding < 0 {
		return 0
	}
	return outstanding
}

// DeriveStatus computes the reimbursement status of e given the sum of its
// outbound allocations. A positive write-off dominates; otherwise the
// status follows recovery progress toward the recoverable amount.
func DeriveStatus(e *entity.Expense, recoveredMinor int64) entity.ReimbursementStatus {
	if !e.IsReimbursable() {
		return entity.StatusNone
	}
	if e.ClosedOutstandingMinor != nil && *e.ClosedOutstandingMinor > 0 {
		return entity.StatusWrittenOff
	}
	if RecoverableMinor(e) == 0 || OutstandingMinor(e, recoveredMinor) == 0 {
		return entity.StatusSettled
	}
	if recoveredMinor > 0 {
		return entity.StatusPartial
	}
	return entity.StatusExpected
}
