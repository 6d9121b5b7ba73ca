package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/infrastructure/persistence/sqlite"
)

// LinkRepository implements port.LinkRepository on sqlite.
type LinkRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLinkRepository creates a new link repository
func NewLinkRepository(db *sql.DB, logger *zap.Logger) port.LinkRepository {
	return &LinkRepository{
		db:     db,
		logger: logger,
	}
}

const linkColumns = `id, expense_out_id, expense_in_id, amount_minor, idempotency_key, created_at, updated_at`

// Create inserts a new link. Idempotency key collisions surface as
// port.ErrUniqueViolation for the service layer to translate.
func (r *LinkRepository) Create(ctx context.Context, link *entity.ReimbursementLink) error {
	query := `
		INSERT INTO reimbursement_links (
			id, expense_out_id, expense_in_id, amount_minor, idempotency_key,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		link.ID,
		link.ExpenseOutID,
		link.ExpenseInID,
		link.AmountMinor,
		nullString(link.IdempotencyKey),
		now,
		now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("create link: %w", port.ErrUniqueViolation)
		}
		r.logger.Error("Failed to create link", zap.Error(err))
		return fmt.Errorf("failed to create link: %w", err)
	}

	link.CreatedAt = now
	link.UpdatedAt = now
	return nil
}

// DeleteByID removes a link row.
func (r *LinkRepository) DeleteByID(ctx context.Context, id string) error {
	query := `DELETE FROM reimbursement_links WHERE id = ?`

	_, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to delete link", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

// GetByID retrieves a link by ID; nil when absent.
func (r *LinkRepository) GetByID(ctx context.Context, id string) (*entity.ReimbursementLink, error) {
	query := `SELECT ` + linkColumns + ` FROM reimbursement_links WHERE id = ?`

	link, err := r.scanLink(sqlite.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		r.logger.Error("Failed to get link by ID", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return link, nil
}

// GetByIdempotencyKey retrieves a link by its idempotency key; nil when absent.
func (r *LinkRepository) GetByIdempotencyKey(ctx context.Context, key string) (*entity.ReimbursementLink, error) {
	query := `SELECT ` + linkColumns + ` FROM reimbursement_links WHERE idempotency_key = ?`

	link, err := r.scanLink(sqlite.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key))
	if err != nil {
		r.logger.Error("Failed to get link by idempotency key", zap.Error(err))
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return link, nil
}

// ListByExpenseOutIDs returns all links whose outbound expense is in ids.
func (r *LinkRepository) ListByExpenseOutIDs(ctx context.Context, ids []string) ([]*entity.ReimbursementLink, error) {
	return r.listByColumn(ctx, "expense_out_id", ids)
}

// ListByExpenseInIDs returns all links whose inbound record is in ids.
func (r *LinkRepository) ListByExpenseInIDs(ctx context.Context, ids []string) ([]*entity.ReimbursementLink, error) {
	return r.listByColumn(ctx, "expense_in_id", ids)
}

// SumRecoveredByExpenseOutIDs returns the allocated total per outbound id.
// Every requested id is present in the result, defaulting to zero.
func (r *LinkRepository) SumRecoveredByExpenseOutIDs(ctx context.Context, ids []string) (map[string]int64, error) {
	return r.sumByColumn(ctx, "expense_out_id", ids)
}

// SumAllocatedByExpenseInIDs returns the allocated total per inbound id.
// Every requested id is present in the result, defaulting to zero.
func (r *LinkRepository) SumAllocatedByExpenseInIDs(ctx context.Context, ids []string) (map[string]int64, error) {
	return r.sumByColumn(ctx, "expense_in_id", ids)
}

func (r *LinkRepository) listByColumn(ctx context.Context, column string, ids []string) ([]*entity.ReimbursementLink, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT `+linkColumns+` FROM reimbursement_links WHERE %s IN (%s) ORDER BY created_at ASC, rowid ASC`,
		column, placeholders(len(ids)),
	)

	rows, err := sqlite.GetExecutor(ctx, r.db).QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		r.logger.Error("Failed to list links", zap.String("column", column), zap.Error(err))
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var links []*entity.ReimbursementLink
	for rows.Next() {
		link, err := r.scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (r *LinkRepository) sumByColumn(ctx context.Context, column string, ids []string) (map[string]int64, error) {
	sums := make(map[string]int64, len(ids))
	for _, id := range ids {
		sums[id] = 0
	}
	if len(ids) == 0 {
		return sums, nil
	}

	query := fmt.Sprintf(
		`SELECT %s, COALESCE(SUM(amount_minor), 0)
		 FROM reimbursement_links
		 WHERE %s IN (%s)
		 GROUP BY %s`,
		column, column, placeholders(len(ids)), column,
	)

	rows, err := sqlite.GetExecutor(ctx, r.db).QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		r.logger.Error("Failed to sum links", zap.String("column", column), zap.Error(err))
		return nil, fmt.Errorf("failed to sum links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan link sum: %w", err)
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *LinkRepository) scanLink(row rowScanner) (*entity.ReimbursementLink, error) {
	var link entity.ReimbursementLink
	var idempotencyKey sql.NullString

	err := row.Scan(
		&link.ID,
		&link.ExpenseOutID,
		&link.ExpenseInID,
		&link.AmountMinor,
		&idempotencyKey,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if idempotencyKey.Valid {
		link.IdempotencyKey = &idempotencyKey.String
	}
	return &link, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
