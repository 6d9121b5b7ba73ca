package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/ledger"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ApprovalTTL is how long a dry-run token stays redeemable.
const ApprovalTTL = 15 * time.Minute

// DryRunApproval is what a dry-run call hands back to the caller. The hash
// is informational; the operation id alone is the capability.
type DryRunApproval struct {
	OperationID string    `json:"operationId"`
	Action      string    `json:"action"`
	PayloadHash string    `json:"payloadHash"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ApprovalService is the two-phase gate in front of destructive operations:
// a dry-run call mints a single-use token bound to the exact operation
// payload, and the confirming call redeems it.
type ApprovalService interface {
	CreateApproval(ctx context.Context, action string, payload interface{}) (*DryRunApproval, error)
	ConsumeApproval(ctx context.Context, action, operationID string, payload interface{}) error
}

type approvalServiceImpl struct {
	approvalRepo port.ApprovalRepository
	logger       Logger
	now          func() time.Time
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(approvalRepo port.ApprovalRepository, logger Logger) ApprovalService {
	return &approvalServiceImpl{
		approvalRepo: approvalRepo,
		logger:       logger,
		now:          time.Now,
	}
}

// CreateApproval mints and persists a token for the given action and payload.
func (s *approvalServiceImpl) CreateApproval(ctx context.Context, action string, payload interface{}) (*DryRunApproval, error) {
	hash, err := PayloadHash(action, payload)
	if err != nil {
		return nil, ledger.Internal(err)
	}

	now := s.now().UTC()
	token := &entity.ApprovalToken{
		OperationID: uuid.NewString(),
		Action:      action,
		PayloadHash: hash,
		ExpiresAt:   now.Add(ApprovalTTL),
		CreatedAt:   now,
	}

	if err := s.approvalRepo.Create(ctx, token); err != nil {
		s.logger.Error("Failed to persist approval token", "action", action, "error", err)
		return nil, ledger.Internal(err)
	}

	s.logger.Info("Approval token created",
		"action", action,
		"operation_id", token.OperationID,
		"expires_at", token.ExpiresAt)

	return &DryRunApproval{
		OperationID: token.OperationID,
		Action:      action,
		PayloadHash: hash,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// ConsumeApproval redeems a token. The payload is re-hashed so the approval
// binds to the exact operation parameters; a token approved for one payload
// can never execute another.
func (s *approvalServiceImpl) ConsumeApproval(ctx context.Context, action, operationID string, payload interface{}) error {
	token, err := s.approvalRepo.GetByOperationID(ctx, operationID)
	if err != nil {
		return ledger.Internal(err)
	}
	if token == nil {
		return ledger.NewError(ledger.CodeApprovalNotFound, "approval %s not found", operationID)
	}

	if token.Action != action {
		return ledger.NewError(ledger.CodeApprovalActionMismatch,
			"approval %s was created for action %s", operationID, token.Action)
	}

	hash, err := PayloadHash(action, payload)
	if err != nil {
		return ledger.Internal(err)
	}
	if hash != token.PayloadHash {
		return ledger.NewError(ledger.CodeApprovalPayloadMismatch,
			"approval %s does not match the requested operation", operationID)
	}

	if token.Consumed() {
		return ledger.NewError(ledger.CodeApprovalAlreadyUsed, "approval %s already used", operationID)
	}

	now := s.now().UTC()
	if token.Expired(now) {
		return ledger.NewError(ledger.CodeApprovalExpired, "approval %s expired at %s",
			operationID, token.ExpiresAt.Format(time.RFC3339))
	}

	if err := s.approvalRepo.MarkApproved(ctx, operationID, now); err != nil {
		return ledger.Internal(err)
	}

	s.logger.Info("Approval token consumed", "action", action, "operation_id", operationID)
	return nil
}

// PayloadHash computes sha256(action + ":" + canonical JSON of payload).
// Canonical means object keys sorted, which json.Marshal guarantees after a
// round-trip through interface{}.
func PayloadHash(action string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal approval payload: %w", err)
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("canonicalize approval payload: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize approval payload: %w", err)
	}

	sum := sha256.Sum256([]byte(action + ":" + string(canonical)))
	return hex.EncodeToString(sum[:]), nil
}
