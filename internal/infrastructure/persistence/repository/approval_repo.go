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

// ApprovalRepository implements port.ApprovalRepository on sqlite.
type ApprovalRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db *sql.DB, logger *zap.Logger) port.ApprovalRepository {
	return &ApprovalRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists a new approval token.
func (r *ApprovalRepository) Create(ctx context.Context, token *entity.ApprovalToken) error {
	query := `
		INSERT INTO approval_tokens (
			operation_id, action, payload_hash, expires_at, approved_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		token.OperationID,
		token.Action,
		token.PayloadHash,
		token.ExpiresAt.UTC(),
		nullTime(token.ApprovedAt),
		token.CreatedAt.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to create approval token", zap.Error(err))
		return fmt.Errorf("failed to create approval token: %w", err)
	}
	return nil
}

// GetByOperationID retrieves a token; nil when absent.
func (r *ApprovalRepository) GetByOperationID(ctx context.Context, operationID string) (*entity.ApprovalToken, error) {
	query := `
		SELECT operation_id, action, payload_hash, expires_at, approved_at, created_at
		FROM approval_tokens
		WHERE operation_id = ?
	`

	var token entity.ApprovalToken
	var approvedAt sql.NullTime

	err := sqlite.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, operationID).Scan(
		&token.OperationID,
		&token.Action,
		&token.PayloadHash,
		&token.ExpiresAt,
		&approvedAt,
		&token.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get approval token", zap.String("operation_id", operationID), zap.Error(err))
		return nil, fmt.Errorf("failed to get approval token: %w", err)
	}

	if approvedAt.Valid {
		token.ApprovedAt = &approvedAt.Time
	}
	return &token, nil
}

// MarkApproved stamps the token as consumed. Terminal: a marked token is
// never reset.
func (r *ApprovalRepository) MarkApproved(ctx context.Context, operationID string, approvedAt time.Time) error {
	query := `
		UPDATE approval_tokens
		SET approved_at = ?
		WHERE operation_id = ? AND approved_at IS NULL
	`

	result, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query, approvedAt.UTC(), operationID)
	if err != nil {
		r.logger.Error("Failed to mark approval consumed", zap.String("operation_id", operationID), zap.Error(err))
		return fmt.Errorf("failed to mark approval consumed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("approval token %s not found or already consumed", operationID)
	}
	return nil
}
