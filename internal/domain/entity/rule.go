package entity

import "time"

// ReimbursementCategoryRule allows inbound records of one category to be
// auto-matched against reimbursable expenses of another. The pair
// (expense category, inbound category) is unique.
type ReimbursementCategoryRule struct {
	ID                string    `json:"id"`
	ExpenseCategoryID string    `json:"expense_category_id"`
	InboundCategoryID string    `json:"inbound_category_id"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
