package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/ledger"
)

// Approval action tags for the gated operations.
const (
	ActionUnlink     = "reimbursement_link.delete"
	ActionRuleDelete = "reimbursement_category_rule.delete"
)

// LinkParams are the inputs to Link.
type LinkParams struct {
	ExpenseOutID   string
	ExpenseInID    string
	AmountMinor    int64
	IdempotencyKey *string
}

// CloseParams are the inputs to Close. A nil CloseOutstandingMinor defaults
// to writing off the full outstanding amount.
type CloseParams struct {
	ExpenseOutID          string
	CloseOutstandingMinor *int64
	Reason                *string
}

// RuleParams are the inputs to CreateCategoryRule.
type RuleParams struct {
	ExpenseCategoryID string
	InboundCategoryID string
	Enabled           bool
}

// ExpenseStatusSummary is the derived reimbursement view of one expense.
type ExpenseStatusSummary struct {
	Expense          *entity.Expense
	RecoverableMinor int64
	RecoveredMinor   int64
	OutstandingMinor int64
	Links            []*entity.ReimbursementLink
}

// AutoMatchResult reports what one auto-match run did.
type AutoMatchResult struct {
	Matched         int        `json:"matched"`
	LinksCreated    int        `json:"linksCreated"`
	ScannedOutflows int        `json:"scannedOutflows"`
	ScannedInflows  int        `json:"scannedInflows"`
	From            *time.Time `json:"from,omitempty"`
	To              *time.Time `json:"to,omitempty"`
}

// LedgerService orchestrates the reimbursement ledger: allocation links,
// write-offs, category match rules and the auto-match batch. Every mutating
// operation runs in one transaction, recomputes the affected expense's
// stored status, and emits exactly one audit event.
type LedgerService interface {
	Link(ctx context.Context, actor entity.Actor, params LinkParams) (*entity.ReimbursementLink, error)
	DryRunUnlink(ctx context.Context, linkID string) (*DryRunApproval, error)
	Unlink(ctx context.Context, actor entity.Actor, linkID, approveOperationID string) error
	Close(ctx context.Context, actor entity.Actor, params CloseParams) (*ExpenseStatusSummary, error)
	Reopen(ctx context.Context, actor entity.Actor, expenseOutID string) (*ExpenseStatusSummary, error)
	AutoMatch(ctx context.Context, actor entity.Actor, from, to *time.Time) (*AutoMatchResult, error)
	GetStatus(ctx context.Context, expenseOutID string) (*ExpenseStatusSummary, error)
	ListCategoryRules(ctx context.Context) ([]*entity.ReimbursementCategoryRule, error)
	CreateCategoryRule(ctx context.Context, actor entity.Actor, params RuleParams) (*entity.ReimbursementCategoryRule, error)
	DryRunDeleteCategoryRule(ctx context.Context, ruleID string) (*DryRunApproval, error)
	DeleteCategoryRule(ctx context.Context, actor entity.Actor, ruleID, approveOperationID string) error
}

type ledgerServiceImpl struct {
	expenseRepo  port.ExpenseRepository
	categoryRepo port.CategoryRepository
	linkRepo     port.LinkRepository
	ruleRepo     port.RuleRepository
	approvals    ApprovalService
	auditRepo    port.AuditRepository
	txManager    port.TransactionManager
	logger       Logger
	now          func() time.Time
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(
	expenseRepo port.ExpenseRepository,
	categoryRepo port.CategoryRepository,
	linkRepo port.LinkRepository,
	ruleRepo port.RuleRepository,
	approvals ApprovalService,
	auditRepo port.AuditRepository,
	txManager port.TransactionManager,
	logger Logger,
) LedgerService {
	return &ledgerServiceImpl{
		expenseRepo:  expenseRepo,
		categoryRepo: categoryRepo,
		linkRepo:     linkRepo,
		ruleRepo:     ruleRepo,
		approvals:    approvals,
		auditRepo:    auditRepo,
		txManager:    txManager,
		logger:       logger,
		now:          time.Now,
	}
}

// Link allocates amountMinor of the inbound record against the outbound
// expense. With an idempotency key, an exact replay returns the existing
// link; a key reuse with different parameters is a conflict.
func (s *ledgerServiceImpl) Link(ctx context.Context, actor entity.Actor, params LinkParams) (*entity.ReimbursementLink, error) {
	var created *entity.ReimbursementLink

	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		if params.IdempotencyKey != nil {
			existing, err := s.linkRepo.GetByIdempotencyKey(ctx, *params.IdempotencyKey)
			if err != nil {
				return ledger.Internal(err)
			}
			if existing != nil {
				if existing.Matches(params.ExpenseOutID, params.ExpenseInID, params.AmountMinor) {
					created = existing
					return nil
				}
				return ledger.NewError(ledger.CodeIdempotencyKeyConflict,
					"idempotency key already used for a different allocation").
					WithDetails(map[string]interface{}{"existingLinkId": existing.ID})
			}
		}

		if params.AmountMinor <= 0 {
			return ledger.NewError(ledger.CodeValidation, "amountMinor must be a positive integer")
		}

		out, err := s.getExpense(ctx, params.ExpenseOutID)
		if err != nil {
			return err
		}
		in, err := s.getExpense(ctx, params.ExpenseInID)
		if err != nil {
			return err
		}

		// Both ends are loaded before any shape check, so a link to a
		// missing record is a not-found, never an invalid target.
		if out.ID == in.ID {
			return ledger.NewError(ledger.CodeInvalidLinkTarget, "cannot link an expense to itself")
		}
		if out.Kind != entity.KindExpense {
			return ledger.NewError(ledger.CodeInvalidLinkTarget,
				"outbound record %s has kind %s, want expense", out.ID, out.Kind)
		}
		if !out.IsReimbursable() {
			return ledger.NewError(ledger.CodeNotReimbursable,
				"expense %s is not tracked for reimbursement", out.ID)
		}
		if !in.IsInboundLinkable() {
			return ledger.NewError(ledger.CodeInvalidLinkTarget,
				"inbound record %s has kind %s, want income or transfer_external", in.ID, in.Kind)
		}
		if out.Money.Currency != in.Money.Currency {
			return ledger.NewError(ledger.CodeCurrencyMismatch,
				"outbound is %s but inbound is %s", out.Money.Currency, in.Money.Currency)
		}

		recovered, err := s.recoveredFor(ctx, out.ID)
		if err != nil {
			return err
		}
		outstanding := ledger.OutstandingMinor(out, recovered)
		if outstanding <= 0 {
			return ledger.NewError(ledger.CodeExceedsOutstanding,
				"expense %s has nothing outstanding", out.ID)
		}
		if params.AmountMinor > outstanding {
			return ledger.NewError(ledger.CodeExceedsOutstanding,
				"allocation %d exceeds outstanding %d", params.AmountMinor, outstanding).
				WithDetails(map[string]interface{}{"outstandingMinor": outstanding})
		}

		allocated, err := s.allocatedFor(ctx, in.ID)
		if err != nil {
			return err
		}
		available := in.Money.AmountMinor - allocated
		if params.AmountMinor > available {
			return ledger.NewError(ledger.CodeExceedsInboundAvailable,
				"allocation %d exceeds inbound available %d", params.AmountMinor, available).
				WithDetails(map[string]interface{}{"availableMinor": available})
		}

		link := &entity.ReimbursementLink{
			ID:             uuid.NewString(),
			ExpenseOutID:   out.ID,
			ExpenseInID:    in.ID,
			AmountMinor:    params.AmountMinor,
			IdempotencyKey: params.IdempotencyKey,
		}
		if err := s.linkRepo.Create(ctx, link); err != nil {
			if isUniqueViolation(err) {
				return ledger.NewError(ledger.CodeIdempotencyKeyConflict,
					"idempotency key already used for a different allocation")
			}
			return ledger.Internal(err)
		}

		if err := s.persistStatus(ctx, out, recovered+params.AmountMinor); err != nil {
			return err
		}

		created = link
		return s.writeAudit(ctx, actor, "reimbursement.link", map[string]interface{}{
			"linkId":       link.ID,
			"expenseOutId": link.ExpenseOutID,
			"expenseInId":  link.ExpenseInID,
			"amountMinor":  link.AmountMinor,
			"status":       out.ReimbursementStatus,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reimbursement link recorded",
		"link_id", created.ID,
		"expense_out_id", created.ExpenseOutID,
		"expense_in_id", created.ExpenseInID,
		"amount_minor", created.AmountMinor)
	return created, nil
}

// DryRunUnlink mints the approval token required to delete a link.
func (s *ledgerServiceImpl) DryRunUnlink(ctx context.Context, linkID string) (*DryRunApproval, error) {
	link, err := s.linkRepo.GetByID(ctx, linkID)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	if link == nil {
		return nil, ledger.NewError(ledger.CodeLinkNotFound, "link %s not found", linkID)
	}
	return s.approvals.CreateApproval(ctx, ActionUnlink, unlinkPayload(linkID))
}

// Unlink redeems the approval and deletes the link, recomputing the affected
// expense's status. Token consumption and deletion commit atomically.
func (s *ledgerServiceImpl) Unlink(ctx context.Context, actor entity.Actor, linkID, approveOperationID string) error {
	return s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.approvals.ConsumeApproval(ctx, ActionUnlink, approveOperationID, unlinkPayload(linkID)); err != nil {
			return err
		}

		link, err := s.linkRepo.GetByID(ctx, linkID)
		if err != nil {
			return ledger.Internal(err)
		}
		if link == nil {
			return ledger.NewError(ledger.CodeLinkNotFound, "link %s not found", linkID)
		}

		if err := s.linkRepo.DeleteByID(ctx, linkID); err != nil {
			return ledger.Internal(err)
		}

		out, err := s.getExpense(ctx, link.ExpenseOutID)
		if err != nil {
			return err
		}
		recovered, err := s.recoveredFor(ctx, out.ID)
		if err != nil {
			return err
		}
		if err := s.persistStatus(ctx, out, recovered); err != nil {
			return err
		}

		return s.writeAudit(ctx, actor, "reimbursement.unlink", map[string]interface{}{
			"linkId":       link.ID,
			"expenseOutId": link.ExpenseOutID,
			"expenseInId":  link.ExpenseInID,
			"amountMinor":  link.AmountMinor,
			"status":       out.ReimbursementStatus,
		})
	})
}

// Close writes off the remaining outstanding amount of a reimbursable
// expense. When nothing is outstanding the call degrades to a status
// refresh rather than an error.
func (s *ledgerServiceImpl) Close(ctx context.Context, actor entity.Actor, params CloseParams) (*ExpenseStatusSummary, error) {
	var summary *ExpenseStatusSummary

	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		e, err := s.getExpense(ctx, params.ExpenseOutID)
		if err != nil {
			return err
		}
		if !e.IsReimbursable() {
			return ledger.NewError(ledger.CodeNotReimbursable,
				"expense %s is not tracked for reimbursement", e.ID)
		}

		recovered, err := s.recoveredFor(ctx, e.ID)
		if err != nil {
			return err
		}
		outstanding := ledger.OutstandingMinor(e, recovered)

		if outstanding == 0 {
			if params.CloseOutstandingMinor != nil && *params.CloseOutstandingMinor != 0 {
				return ledger.NewError(ledger.CodeCloseInvalid,
					"expense %s has nothing outstanding to close", e.ID)
			}
			// Nothing to close. Write and audit only when the stored
			// status is stale; otherwise the call mutates nothing.
			if derived := ledger.DeriveStatus(e, recovered); derived != e.ReimbursementStatus {
				if err := s.persistStatus(ctx, e, recovered); err != nil {
					return err
				}
				if err := s.writeAudit(ctx, actor, "reimbursement.close", map[string]interface{}{
					"expenseOutId": e.ID,
					"status":       e.ReimbursementStatus,
				}); err != nil {
					return err
				}
			}
			summary, err = s.buildSummary(ctx, e, recovered)
			return err
		}

		closeAmount := outstanding
		if params.CloseOutstandingMinor != nil {
			closeAmount = *params.CloseOutstandingMinor
		}
		if closeAmount <= 0 {
			return ledger.NewError(ledger.CodeCloseInvalid,
				"closeOutstandingMinor must be positive while %d is outstanding", outstanding)
		}
		if closeAmount > outstanding {
			return ledger.NewError(ledger.CodeCloseInvalid,
				"closeOutstandingMinor %d exceeds outstanding %d", closeAmount, outstanding)
		}

		now := s.now().UTC()
		e.ClosedOutstandingMinor = &closeAmount
		e.ReimbursementClosedAt = &now
		e.ReimbursementClosedReason = params.Reason
		if err := s.persistStatus(ctx, e, recovered); err != nil {
			return err
		}

		if err := s.writeAudit(ctx, actor, "reimbursement.close", map[string]interface{}{
			"expenseOutId":           e.ID,
			"closedOutstandingMinor": closeAmount,
			"reason":                 params.Reason,
			"status":                 e.ReimbursementStatus,
		}); err != nil {
			return err
		}

		summary, err = s.buildSummary(ctx, e, recovered)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Reopen clears a write-off and re-derives the status from the links alone.
func (s *ledgerServiceImpl) Reopen(ctx context.Context, actor entity.Actor, expenseOutID string) (*ExpenseStatusSummary, error) {
	var summary *ExpenseStatusSummary

	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		e, err := s.getExpense(ctx, expenseOutID)
		if err != nil {
			return err
		}
		if !e.IsReimbursable() {
			return ledger.NewError(ledger.CodeNotReimbursable,
				"expense %s is not tracked for reimbursement", e.ID)
		}

		e.ClosedOutstandingMinor = nil
		e.ReimbursementClosedAt = nil
		e.ReimbursementClosedReason = nil

		recovered, err := s.recoveredFor(ctx, e.ID)
		if err != nil {
			return err
		}
		if err := s.persistStatus(ctx, e, recovered); err != nil {
			return err
		}

		if err := s.writeAudit(ctx, actor, "reimbursement.reopen", map[string]interface{}{
			"expenseOutId": e.ID,
			"status":       e.ReimbursementStatus,
		}); err != nil {
			return err
		}

		summary, err = s.buildSummary(ctx, e, recovered)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// GetStatus returns the derived reimbursement view of one expense.
func (s *ledgerServiceImpl) GetStatus(ctx context.Context, expenseOutID string) (*ExpenseStatusSummary, error) {
	e, err := s.getExpense(ctx, expenseOutID)
	if err != nil {
		return nil, err
	}
	recovered, err := s.recoveredFor(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return s.buildSummary(ctx, e, recovered)
}

// ListCategoryRules returns every category match rule.
func (s *ledgerServiceImpl) ListCategoryRules(ctx context.Context) ([]*entity.ReimbursementCategoryRule, error) {
	rules, err := s.ruleRepo.List(ctx)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	return rules, nil
}

// CreateCategoryRule validates category kinds and upserts the pair rule:
// re-creating with the same enabled flag is a no-op, a different flag
// updates the existing rule in place.
func (s *ledgerServiceImpl) CreateCategoryRule(ctx context.Context, actor entity.Actor, params RuleParams) (*entity.ReimbursementCategoryRule, error) {
	var rule *entity.ReimbursementCategoryRule

	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		expenseCat, err := s.getCategory(ctx, params.ExpenseCategoryID)
		if err != nil {
			return err
		}
		if expenseCat.Kind != entity.CategoryKindExpense {
			return ledger.NewError(ledger.CodeInvalidExpenseCategory,
				"category %s has kind %s, want expense", expenseCat.ID, expenseCat.Kind)
		}

		inboundCat, err := s.getCategory(ctx, params.InboundCategoryID)
		if err != nil {
			return err
		}
		if inboundCat.Kind != entity.CategoryKindIncome && inboundCat.Kind != entity.CategoryKindTransfer {
			return ledger.NewError(ledger.CodeInvalidInboundCategory,
				"category %s has kind %s, want income or transfer", inboundCat.ID, inboundCat.Kind)
		}

		existing, err := s.ruleRepo.GetByPair(ctx, params.ExpenseCategoryID, params.InboundCategoryID)
		if err != nil {
			return ledger.Internal(err)
		}
		if existing != nil {
			if existing.Enabled == params.Enabled {
				rule = existing
				return nil
			}
			if err := s.ruleRepo.UpdateEnabled(ctx, existing.ID, params.Enabled); err != nil {
				return ledger.Internal(err)
			}
			existing.Enabled = params.Enabled
			rule = existing
			return s.writeAudit(ctx, actor, "reimbursement_category_rule.update", map[string]interface{}{
				"ruleId":  existing.ID,
				"enabled": params.Enabled,
			})
		}

		rule = &entity.ReimbursementCategoryRule{
			ID:                uuid.NewString(),
			ExpenseCategoryID: params.ExpenseCategoryID,
			InboundCategoryID: params.InboundCategoryID,
			Enabled:           params.Enabled,
		}
		if err := s.ruleRepo.Create(ctx, rule); err != nil {
			return ledger.Internal(err)
		}
		return s.writeAudit(ctx, actor, "reimbursement_category_rule.create", map[string]interface{}{
			"ruleId":            rule.ID,
			"expenseCategoryId": rule.ExpenseCategoryID,
			"inboundCategoryId": rule.InboundCategoryID,
			"enabled":           rule.Enabled,
		})
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// DryRunDeleteCategoryRule mints the approval token required to delete a rule.
func (s *ledgerServiceImpl) DryRunDeleteCategoryRule(ctx context.Context, ruleID string) (*DryRunApproval, error) {
	rule, err := s.ruleRepo.GetByID(ctx, ruleID)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	if rule == nil {
		return nil, ledger.NewError(ledger.CodeRuleNotFound, "rule %s not found", ruleID)
	}
	return s.approvals.CreateApproval(ctx, ActionRuleDelete, ruleDeletePayload(ruleID))
}

// DeleteCategoryRule redeems the approval and removes the rule.
func (s *ledgerServiceImpl) DeleteCategoryRule(ctx context.Context, actor entity.Actor, ruleID, approveOperationID string) error {
	return s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.approvals.ConsumeApproval(ctx, ActionRuleDelete, approveOperationID, ruleDeletePayload(ruleID)); err != nil {
			return err
		}

		rule, err := s.ruleRepo.GetByID(ctx, ruleID)
		if err != nil {
			return ledger.Internal(err)
		}
		if rule == nil {
			return ledger.NewError(ledger.CodeRuleNotFound, "rule %s not found", ruleID)
		}

		if err := s.ruleRepo.DeleteByID(ctx, ruleID); err != nil {
			return ledger.Internal(err)
		}

		return s.writeAudit(ctx, actor, "reimbursement_category_rule.delete", map[string]interface{}{
			"ruleId":            rule.ID,
			"expenseCategoryId": rule.ExpenseCategoryID,
			"inboundCategoryId": rule.InboundCategoryID,
		})
	})
}

// --- helpers ---

func unlinkPayload(linkID string) map[string]interface{} {
	return map[string]interface{}{"id": linkID}
}

func ruleDeletePayload(ruleID string) map[string]interface{} {
	return map[string]interface{}{"id": ruleID}
}

func (s *ledgerServiceImpl) getExpense(ctx context.Context, id string) (*entity.Expense, error) {
	e, err := s.expenseRepo.GetByID(ctx, id)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	if e == nil {
		return nil, ledger.NewError(ledger.CodeExpenseNotFound, "expense %s not found", id)
	}
	return e, nil
}

func (s *ledgerServiceImpl) getCategory(ctx context.Context, id string) (*entity.Category, error) {
	c, err := s.categoryRepo.GetByID(ctx, id)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	if c == nil {
		return nil, ledger.NewError(ledger.CodeCategoryNotFound, "category %s not found", id)
	}
	return c, nil
}

func (s *ledgerServiceImpl) recoveredFor(ctx context.Context, expenseOutID string) (int64, error) {
	sums, err := s.linkRepo.SumRecoveredByExpenseOutIDs(ctx, []string{expenseOutID})
	if err != nil {
		return 0, ledger.Internal(err)
	}
	return sums[expenseOutID], nil
}

func (s *ledgerServiceImpl) allocatedFor(ctx context.Context, expenseInID string) (int64, error) {
	sums, err := s.linkRepo.SumAllocatedByExpenseInIDs(ctx, []string{expenseInID})
	if err != nil {
		return 0, ledger.Internal(err)
	}
	return sums[expenseInID], nil
}

// persistStatus re-derives e's status from the given recovered sum and
// writes the reimbursement fields back to the expense store.
func (s *ledgerServiceImpl) persistStatus(ctx context.Context, e *entity.Expense, recovered int64) error {
	e.ReimbursementStatus = ledger.DeriveStatus(e, recovered)
	if err := s.expenseRepo.UpdateReimbursement(ctx, e); err != nil {
		return ledger.Internal(err)
	}
	return nil
}

func (s *ledgerServiceImpl) buildSummary(ctx context.Context, e *entity.Expense, recovered int64) (*ExpenseStatusSummary, error) {
	links, err := s.linkRepo.ListByExpenseOutIDs(ctx, []string{e.ID})
	if err != nil {
		return nil, ledger.Internal(err)
	}
	return &ExpenseStatusSummary{
		Expense:          e,
		RecoverableMinor: ledger.RecoverableMinor(e),
		RecoveredMinor:   recovered,
		OutstandingMinor: ledger.OutstandingMinor(e, recovered),
		Links:            links,
	}, nil
}

func (s *ledgerServiceImpl) writeAudit(ctx context.Context, actor entity.Actor, action string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ledger.Internal(fmt.Errorf("marshal audit payload: %w", err))
	}
	event := &entity.AuditEvent{
		ID:      uuid.NewString(),
		Action:  action,
		Payload: string(raw),
		Actor:   actor.Actor,
		Channel: actor.Channel,
	}
	if err := s.auditRepo.Write(ctx, event); err != nil {
		return ledger.Internal(err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, port.ErrUniqueViolation)
}
