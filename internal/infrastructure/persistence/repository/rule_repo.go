package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/infrastructure/persistence/sqlite"
)

// RuleRepository implements port.RuleRepository on sqlite.
type RuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sql.DB, logger *zap.Logger) port.RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger,
	}
}

const ruleColumns = `id, expense_category_id, inbound_category_id, enabled, created_at, updated_at`

// List returns all rules ordered by creation time.
func (r *RuleRepository) List(ctx context.Context) ([]*entity.ReimbursementCategoryRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM reimbursement_category_rules ORDER BY created_at ASC, rowid ASC`

	rows, err := sqlite.GetExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list rules", zap.Error(err))
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// GetByID retrieves a rule by ID; nil when absent.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*entity.ReimbursementCategoryRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM reimbursement_category_rules WHERE id = ?`

	rule, err := scanRule(sqlite.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		r.logger.Error("Failed to get rule by ID", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// GetByPair retrieves the rule for the given category pair; nil when absent.
func (r *RuleRepository) GetByPair(ctx context.Context, expenseCategoryID, inboundCategoryID string) (*entity.ReimbursementCategoryRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM reimbursement_category_rules
		WHERE expense_category_id = ? AND inbound_category_id = ?
	`

	rule, err := scanRule(sqlite.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, expenseCategoryID, inboundCategoryID))
	if err != nil {
		r.logger.Error("Failed to get rule by pair",
			zap.String("expense_category_id", expenseCategoryID),
			zap.String("inbound_category_id", inboundCategoryID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// Create inserts a new rule. Pair collisions surface as port.ErrUniqueViolation.
func (r *RuleRepository) Create(ctx context.Context, rule *entity.ReimbursementCategoryRule) error {
	query := `
		INSERT INTO reimbursement_category_rules (
			id, expense_category_id, inbound_category_id, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		rule.ID,
		rule.ExpenseCategoryID,
		rule.InboundCategoryID,
		rule.Enabled,
		now,
		now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("create rule: %w", port.ErrUniqueViolation)
		}
		r.logger.Error("Failed to create rule", zap.Error(err))
		return fmt.Errorf("failed to create rule: %w", err)
	}

	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// UpdateEnabled flips the enabled flag of an existing rule.
func (r *RuleRepository) UpdateEnabled(ctx context.Context, id string, enabled bool) error {
	query := `
		UPDATE reimbursement_category_rules
		SET enabled = ?, updated_at = ?
		WHERE id = ?
	`

	_, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query, enabled, time.Now().UTC(), id)
	if err != nil {
		r.logger.Error("Failed to update rule", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

// DeleteByID removes a rule row.
func (r *RuleRepository) DeleteByID(ctx context.Context, id string) error {
	query := `DELETE FROM reimbursement_category_rules WHERE id = ?`

	_, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to delete rule", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// ListByExpenseCategoryIDs returns rules whose expense-side category is in
// ids, optionally restricted to enabled rules.
func (r *RuleRepository) ListByExpenseCategoryIDs(ctx context.Context, ids []string, enabledOnly bool) ([]*entity.ReimbursementCategoryRule, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT `+ruleColumns+` FROM reimbursement_category_rules WHERE expense_category_id IN (%s)`,
		placeholders(len(ids)),
	)
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := sqlite.GetExecutor(ctx, r.db).QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		r.logger.Error("Failed to list rules by expense categories", zap.Error(err))
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]*entity.ReimbursementCategoryRule, error) {
	var rules []*entity.ReimbursementCategoryRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*entity.ReimbursementCategoryRule, error) {
	var rule entity.ReimbursementCategoryRule
	err := row.Scan(
		&rule.ID,
		&rule.ExpenseCategoryID,
		&rule.InboundCategoryID,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
