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

// AuditRepository implements port.AuditRepository on sqlite.
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB, logger *zap.Logger) port.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Write records a single audit event.
func (r *AuditRepository) Write(ctx context.Context, event *entity.AuditEvent) error {
	query := `
		INSERT INTO audit_events (id, action, payload, actor, channel, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err := sqlite.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		event.ID,
		event.Action,
		event.Payload,
		event.Actor,
		event.Channel,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to write audit event", zap.String("action", event.Action), zap.Error(err))
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	event.CreatedAt = now
	return nil
}
