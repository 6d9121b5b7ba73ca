package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/infrastructure/persistence/sqlite"
)

// ExpenseRepository implements port.ExpenseRepository on sqlite. Expense
// CRUD itself lives upstream; the ledger only reads records and writes back
// the reimbursement subset.
type ExpenseRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewExpenseRepository creates a new expense repository
func NewExpenseRepository(db *sql.DB, logger *zap.Logger) port.ExpenseRepository {
	return &ExpenseRepository{
		db:     db,
		logger: logger,
	}
}

const expenseColumns = `id, kind, amount_minor, currency, category_id, occurred_at,
	reimbursement_status, my_share_minor, closed_outstanding_minor,
	counterparty_type, reimbursement_group_id, reimbursement_closed_at,
	reimbursement_closed_reason, created_at, updated_at`

// GetByID retrieves an expense by ID; nil when absent.
func (r *ExpenseRepository) GetByID(ctx context.Context, id string) (*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = ?`

	expense, err := scanExpense(sqlite.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		r.logger.Error("Failed to get expense by ID", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get expense: %w", err)
	}
	return expense, nil
}

// List returns expenses with from <= occurred_at < to, in ascending
// occurred_at order with insertion order breaking ties.
func (r *ExpenseRepository) List(ctx context.Context, from, to *time.Time, categoryID string, limit int) ([]*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE 1=1`
	var args []interface{}

	if from != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, from.UTC())
	}
	if to != nil {
		query += ` AND occurred_at < ?`
		args = append(args, to.UTC())
	}
	if categoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, categoryID)
	}

	query += ` ORDER BY occurred_at ASC, rowid ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := sqlite.GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list expenses", zap.Error(err))
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*entity.Expense
	for rows.Next() {
		expense, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		expenses = append(expenses, expense)
	}
	return expenses, rows.Err()
}

// UpdateReimbursement persists e's reimbursement fields and bumps updated_at.
func (r *ExpenseRepository) UpdateReimbursement(ctx context.Context, e *entity.Expense) error {
	query := `
		UPDATE expenses
		SET reimbursement_status = ?, my_share_minor = ?, closed_outstanding_minor = ?,
			counterparty_type = ?, reimbursement_group_id = ?,
			reimbursement_closed_at = ?, reimbursement_closed_reason = ?,
			updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		e.ReimbursementStatus,
		nullInt64(e.MyShareMinor),
		nullInt64(e.ClosedOutstandingMinor),
		nullCounterparty(e.CounterpartyType),
		nullString(e.ReimbursementGroupID),
		nullTime(e.ReimbursementClosedAt),
		nullString(e.ReimbursementClosedReason),
		now,
		e.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update expense reimbursement fields", zap.String("id", e.ID), zap.Error(err))
		return fmt.Errorf("failed to update expense: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("expense %s not found", e.ID)
	}

	e.UpdatedAt = now
	return nil
}

func scanExpense(row rowScanner) (*entity.Expense, error) {
	var e entity.Expense
	var occurredAt sql.NullTime
	var categoryID sql.NullString
	var myShare, closedOutstanding sql.NullInt64
	var counterparty, groupID, closedReason sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.Kind,
		&e.Money.AmountMinor,
		&e.Money.Currency,
		&categoryID,
		&occurredAt,
		&e.ReimbursementStatus,
		&myShare,
		&closedOutstanding,
		&counterparty,
		&groupID,
		&closedAt,
		&closedReason,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// An occurred_at that fails to parse scans as invalid and stays the
	// zero time, which downstream matching treats permissively.
	if occurredAt.Valid {
		e.OccurredAt = occurredAt.Time
	}
	if categoryID.Valid {
		e.CategoryID = categoryID.String
	}
	if myShare.Valid {
		e.MyShareMinor = &myShare.Int64
	}
	if closedOutstanding.Valid {
		e.ClosedOutstandingMinor = &closedOutstanding.Int64
	}
	if counterparty.Valid {
		ct := entity.CounterpartyType(counterparty.String)
		e.CounterpartyType = &ct
	}
	if groupID.Valid {
		e.ReimbursementGroupID = &groupID.String
	}
	if closedAt.Valid {
		e.ReimbursementClosedAt = &closedAt.Time
	}
	if closedReason.Valid {
		e.ReimbursementClosedReason = &closedReason.String
	}
	return &e, nil
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullCounterparty(t *entity.CounterpartyType) interface{} {
	if t == nil {
		return nil
	}
	return string(*t)
}
