package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/infrastructure/persistence/sqlite"
)

// CategoryRepository implements port.CategoryRepository on sqlite.
// Categories are maintained upstream; the ledger only reads them.
type CategoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCategoryRepository creates a new category repository
func NewCategoryRepository(db *sql.DB, logger *zap.Logger) port.CategoryRepository {
	return &CategoryRepository{
		db:     db,
		logger: logger,
	}
}

const categoryColumns = `id, name, kind, reimbursement_mode, default_counterparty_type,
	default_recovery_window_days, created_at`

// GetByID retrieves a category by ID; nil when absent.
func (r *CategoryRepository) GetByID(ctx context.Context, id string) (*entity.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories WHERE id = ?`

	category, err := scanCategory(sqlite.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		r.logger.Error("Failed to get category by ID", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return category, nil
}

// List returns all categories.
func (r *CategoryRepository) List(ctx context.Context) ([]*entity.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories ORDER BY created_at ASC, rowid ASC`

	rows, err := sqlite.GetExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list categories", zap.Error(err))
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var categories []*entity.Category
	for rows.Next() {
		category, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, category)
	}
	return categories, rows.Err()
}

func scanCategory(row rowScanner) (*entity.Category, error) {
	var c entity.Category
	var counterparty sql.NullString
	var windowDays sql.NullInt64

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Kind,
		&c.ReimbursementMode,
		&counterparty,
		&windowDays,
		&c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if counterparty.Valid {
		ct := entity.CounterpartyType(counterparty.String)
		c.DefaultCounterpartyType = &ct
	}
	if windowDays.Valid {
		days := int(windowDays.Int64)
		c.RecoveryWindowDaysSetting = &days
	}
	return &c, nil
}
