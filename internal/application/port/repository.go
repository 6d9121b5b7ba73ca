// Package port defines the persistence and transaction interfaces the
// application services depend on. Implementations live under
// internal/infrastructure/persistence; tests provide in-memory doubles.
package port

import (
	"context"
	"errors"
	"time"

	"github.com/tomclarke/ledgermatch/internal/domain/entity"
)

// ErrUniqueViolation is returned by stores when an insert collides with a
// uniqueness constraint (idempotency key, rule pair). Services translate it
// into the domain taxonomy.
var ErrUniqueViolation = errors.New("unique violation")

// TransactionManager runs fn inside one atomic transaction. Repositories
// called with the derived context join that transaction; nested calls reuse
// the enclosing one.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExpenseRepository is the adapter over the external expense store. The
// ledger reads whole records but writes back only the reimbursement subset.
type ExpenseRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Expense, error)

	// List returns expenses with from <= occurred_at < to, ordered by
	// occurred_at ascending with storage order breaking ties. A nil bound
	// leaves that side open; limit <= 0 means no limit.
	List(ctx context.Context, from, to *time.Time, categoryID string, limit int) ([]*entity.Expense, error)

	// UpdateReimbursement persists e's reimbursement fields (status, own
	// share, write-off amount, counterparty, group, closed-at/reason) and
	// bumps updated_at. Other columns are untouched.
	UpdateReimbursement(ctx context.Context, e *entity.Expense) error
}

// CategoryRepository is the read-only adapter over the external category store.
type CategoryRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Category, error)
	List(ctx context.Context) ([]*entity.Category, error)
}

// LinkRepository persists reimbursement allocations. All sum queries return
// zero for ids without links, never a missing entry.
type LinkRepository interface {
	Create(ctx context.Context, link *entity.ReimbursementLink) error
	DeleteByID(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*entity.ReimbursementLink, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*entity.ReimbursementLink, error)
	ListByExpenseOutIDs(ctx context.Context, ids []string) ([]*entity.ReimbursementLink, error)
	ListByExpenseInIDs(ctx context.Context, ids []string) ([]*entity.ReimbursementLink, error)
	SumRecoveredByExpenseOutIDs(ctx context.Context, ids []string) (map[string]int64, error)
	SumAllocatedByExpenseInIDs(ctx context.Context, ids []string) (map[string]int64, error)
}

// RuleRepository persists category match rules. The unique-pair invariant is
// enforced at the store level; category kind validation is the orchestrator's.
type RuleRepository interface {
	List(ctx context.Context) ([]*entity.ReimbursementCategoryRule, error)
	GetByID(ctx context.Context, id string) (*entity.ReimbursementCategoryRule, error)
	GetByPair(ctx context.Context, expenseCategoryID, inboundCategoryID string) (*entity.ReimbursementCategoryRule, error)
	Create(ctx context.Context, rule *entity.ReimbursementCategoryRule) error
	UpdateEnabled(ctx context.Context, id string, enabled bool) error
	DeleteByID(ctx context.Context, id string) error
	ListByExpenseCategoryIDs(ctx context.Context, ids []string, enabledOnly bool) ([]*entity.ReimbursementCategoryRule, error)
}

// ApprovalRepository persists approval tokens for the two-phase gate.
type ApprovalRepository interface {
	Create(ctx context.Context, token *entity.ApprovalToken) error
	GetByOperationID(ctx context.Context, operationID string) (*entity.ApprovalToken, error)
	MarkApproved(ctx context.Context, operationID string, approvedAt time.Time) error
}

// AuditRepository records one event per successful mutating operation.
type AuditRepository interface {
	Write(ctx context.Context, event *entity.AuditEvent) error
}
