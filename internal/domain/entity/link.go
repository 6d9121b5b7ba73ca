package entity

import "time"

// ReimbursementLink allocates part of an inbound record (income or external
// transfer) against a reimbursable expense. Links are immutable: they are
// created by link/auto-match and only ever removed, never edited in place.
type ReimbursementLink struct {
	ID             string    `json:"id"`
	ExpenseOutID   string    `json:"expense_out_id"`
	ExpenseInID    string    `json:"expense_in_id"`
	AmountMinor    int64     `json:"amount_minor"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Matches reports whether the link carries exactly the given allocation.
// Used for idempotent replays of the link operation.
func (l *ReimbursementLink) Matches(expenseOutID, expenseInID string, amountMinor int64) bool {
	return l.ExpenseOutID == expenseOutID &&
		l.ExpenseInID == expenseInID &&
		l.AmountMinor == amountMinor
}
