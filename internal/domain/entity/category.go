package entity

import "time"

// CategoryKind classifies what records a category may be attached to.
type CategoryKind string

const (
	CategoryKindExpense  CategoryKind = "expense"
	CategoryKindIncome   CategoryKind = "income"
	CategoryKindTransfer CategoryKind = "transfer"
)

// Valid reports whether k is one of the known category kinds.
func (k CategoryKind) Valid() bool {
	switch k {
	case CategoryKindExpense, CategoryKindIncome, CategoryKindTransfer:
		return true
	}
	return false
}

// ReimbursementMode controls whether expenses in a category default to
// being tracked for reimbursement.
type ReimbursementMode string

const (
	ReimbursementModeNone     ReimbursementMode = "none"
	ReimbursementModeOptional ReimbursementMode = "optional"
	ReimbursementModeAlways   ReimbursementMode = "always"
)

// DefaultRecoveryWindowDays is used when a category does not declare its own
// auto-match recovery window.
const DefaultRecoveryWindowDays = 14

// Category is read-only from the ledger's point of view; creation and
// editing happen in the upstream category store.
type Category struct {
	ID                        string            `json:"id"`
	Name                      string            `json:"name"`
	Kind                      CategoryKind      `json:"kind"`
	ReimbursementMode         ReimbursementMode `json:"reimbursement_mode"`
	DefaultCounterpartyType   *CounterpartyType `json:"default_counterparty_type,omitempty"`
	RecoveryWindowDaysSetting *int              `json:"default_recovery_window_days,omitempty"`
	CreatedAt                 time.Time         `json:"created_at"`
}

// RecoveryWindowDays returns the effective auto-match window in days,
// clamped to zero and defaulting when unset.
func (c *Category) RecoveryWindowDays() int {
	days := DefaultRecoveryWindowDays
	if c.RecoveryWindowDaysSetting != nil {
		days = *c.RecoveryWindowDaysSetting
	}
	if days < 0 {
		return 0
	}
	return days
}
