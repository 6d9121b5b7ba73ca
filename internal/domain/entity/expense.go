package entity

import "time"

// ExpenseKind classifies a money movement record.
type ExpenseKind string

const (
	KindExpense          ExpenseKind = "expense"
	KindIncome           ExpenseKind = "income"
	KindTransferInternal ExpenseKind = "transfer_internal"
	KindTransferExternal ExpenseKind = "transfer_external"
)

// Valid reports whether k is one of the known kinds.
func (k ExpenseKind) Valid() bool {
	switch k {
	case KindExpense, KindIncome, KindTransferInternal, KindTransferExternal:
		return true
	}
	return false
}

// ReimbursementStatus is the derived recovery state of a reimbursable expense.
type ReimbursementStatus string

const (
	StatusNone       ReimbursementStatus = "none"
	StatusExpected   ReimbursementStatus = "expected"
	StatusPartial    ReimbursementStatus = "partial"
	StatusSettled    ReimbursementStatus = "settled"
	StatusWrittenOff ReimbursementStatus = "written_off"
)

// Valid reports whether s is one of the known statuses.
func (s ReimbursementStatus) Valid() bool {
	switch s {
	case StatusNone, StatusExpected, StatusPartial, StatusSettled, StatusWrittenOff:
		return true
	}
	return false
}

// CounterpartyType identifies who is expected to repay a fronted expense.
type CounterpartyType string

const (
	CounterpartySelf    CounterpartyType = "self"
	CounterpartyPartner CounterpartyType = "partner"
	CounterpartyTeam    CounterpartyType = "team"
	CounterpartyOther   CounterpartyType = "other"
)

// Valid reports whether t is one of the known counterparty types.
func (t CounterpartyType) Valid() bool {
	switch t {
	case CounterpartySelf, CounterpartyPartner, CounterpartyTeam, CounterpartyOther:
		return true
	}
	return false
}

// Money is an integer minor-unit amount with its ISO-4217 currency code.
// FX rates are stored upstream, never computed here.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// Expense is a money movement record. The ledger reads the full record but
// only writes back the reimbursement subset (see ExpenseRepository).
type Expense struct {
	ID                        string              `json:"id"`
	Kind                      ExpenseKind         `json:"kind"`
	Money                     Money               `json:"money"`
	CategoryID                string              `json:"category_id"`
	OccurredAt                time.Time           `json:"occurred_at"`
	ReimbursementStatus       ReimbursementStatus `json:"reimbursement_status"`
	MyShareMinor              *int64              `json:"my_share_minor,omitempty"`
	ClosedOutstandingMinor    *int64              `json:"closed_outstanding_minor,omitempty"`
	CounterpartyType          *CounterpartyType   `json:"counterparty_type,omitempty"`
	ReimbursementGroupID      *string             `json:"reimbursement_group_id,omitempty"`
	ReimbursementClosedAt     *time.Time          `json:"reimbursement_closed_at,omitempty"`
	ReimbursementClosedReason *string             `json:"reimbursement_closed_reason,omitempty"`
	CreatedAt                 time.Time           `json:"created_at"`
	UpdatedAt                 time.Time           `json:"updated_at"`
}

// IsReimbursable reports whether the record can carry reimbursement
// allocations: an outgoing expense that either already tracks a
// reimbursement status or declares the payer's own share.
func (e *Expense) IsReimbursable() bool {
	if e.Kind != KindExpense {
		return false
	}
	return e.ReimbursementStatus != StatusNone || e.MyShareMinor != nil
}

// IsInboundLinkable reports whether the record can fund allocations.
// Internal transfers move money between own accounts and never settle
// a reimbursement.
func (e *Expense) IsInboundLinkable() bool {
	return e.Kind == KindIncome || e.Kind == KindTransferExternal
}
