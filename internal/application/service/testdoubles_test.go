package service

import (
	"context"
	"sync"
	"time"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
)

// memStore is the shared backing state for the in-memory repository doubles.
// Expenses and links keep insertion order so list results are deterministic.
type memStore struct {
	mu         sync.Mutex
	expenses   []*entity.Expense
	categories []*entity.Category
	links      []*entity.ReimbursementLink
	rules      []*entity.ReimbursementCategoryRule
	approvals  map[string]*entity.ApprovalToken
	audits     []*entity.AuditEvent
}

func newMemStore() *memStore {
	return &memStore{approvals: make(map[string]*entity.ApprovalToken)}
}

func (s *memStore) addExpense(e *entity.Expense)   { s.expenses = append(s.expenses, e) }
func (s *memStore) addCategory(c *entity.Category) { s.categories = append(s.categories, c) }

func (s *memStore) auditActions() []string {
	actions := make([]string, len(s.audits))
	for i, a := range s.audits {
		actions[i] = a.Action
	}
	return actions
}

type memExpenseRepo struct{ store *memStore }

func (r *memExpenseRepo) GetByID(_ context.Context, id string) (*entity.Expense, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range r.store.expenses {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (r *memExpenseRepo) List(_ context.Context, from, to *time.Time, categoryID string, limit int) ([]*entity.Expense, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*entity.Expense
	for _, e := range r.store.expenses {
		if from != nil && e.OccurredAt.Before(*from) {
			continue
		}
		if to != nil && !e.OccurredAt.Before(*to) {
			continue
		}
		if categoryID != "" && e.CategoryID != categoryID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memExpenseRepo) UpdateReimbursement(_ context.Context, e *entity.Expense) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i, existing := range r.store.expenses {
		if existing.ID == e.ID {
			r.store.expenses[i] = e
			return nil
		}
	}
	return nil
}

type memCategoryRepo struct{ store *memStore }

func (r *memCategoryRepo) GetByID(_ context.Context, id string) (*entity.Category, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, c := range r.store.categories {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (r *memCategoryRepo) List(_ context.Context) ([]*entity.Category, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return append([]*entity.Category(nil), r.store.categories...), nil
}

type memLinkRepo struct{ store *memStore }

func (r *memLinkRepo) Create(_ context.Context, link *entity.ReimbursementLink) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if link.IdempotencyKey != nil {
		for _, existing := range r.store.links {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *link.IdempotencyKey {
				return port.ErrUniqueViolation
			}
		}
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	r.store.links = append(r.store.links, link)
	return nil
}

func (r *memLinkRepo) DeleteByID(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i, link := range r.store.links {
		if link.ID == id {
			r.store.links = append(r.store.links[:i], r.store.links[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *memLinkRepo) GetByID(_ context.Context, id string) (*entity.ReimbursementLink, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, link := range r.store.links {
		if link.ID == id {
			return link, nil
		}
	}
	return nil, nil
}

func (r *memLinkRepo) GetByIdempotencyKey(_ context.Context, key string) (*entity.ReimbursementLink, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, link := range r.store.links {
		if link.IdempotencyKey != nil && *link.IdempotencyKey == key {
			return link, nil
		}
	}
	return nil, nil
}

func (r *memLinkRepo) ListByExpenseOutIDs(_ context.Context, ids []string) ([]*entity.ReimbursementLink, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	wanted := toSet(ids)
	var out []*entity.ReimbursementLink
	for _, link := range r.store.links {
		if wanted[link.ExpenseOutID] {
			out = append(out, link)
		}
	}
	return out, nil
}

func (r *memLinkRepo) ListByExpenseInIDs(_ context.Context, ids []string) ([]*entity.ReimbursementLink, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	wanted := toSet(ids)
	var out []*entity.ReimbursementLink
	for _, link := range r.store.links {
		if wanted[link.ExpenseInID] {
			out = append(out, link)
		}
	}
	return out, nil
}

func (r *memLinkRepo) SumRecoveredByExpenseOutIDs(_ context.Context, ids []string) (map[string]int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sums := zeroSums(ids)
	for _, link := range r.store.links {
		if _, ok := sums[link.ExpenseOutID]; ok {
			sums[link.ExpenseOutID] += link.AmountMinor
		}
	}
	return sums, nil
}

func (r *memLinkRepo) SumAllocatedByExpenseInIDs(_ context.Context, ids []string) (map[string]int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sums := zeroSums(ids)
	for _, link := range r.store.links {
		if _, ok := sums[link.ExpenseInID]; ok {
			sums[link.ExpenseInID] += link.AmountMinor
		}
	}
	return sums, nil
}

type memRuleRepo struct{ store *memStore }

func (r *memRuleRepo) List(_ context.Context) ([]*entity.ReimbursementCategoryRule, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return append([]*entity.ReimbursementCategoryRule(nil), r.store.rules...), nil
}

func (r *memRuleRepo) GetByID(_ context.Context, id string) (*entity.ReimbursementCategoryRule, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rule := range r.store.rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return nil, nil
}

func (r *memRuleRepo) GetByPair(_ context.Context, expenseCategoryID, inboundCategoryID string) (*entity.ReimbursementCategoryRule, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rule := range r.store.rules {
		if rule.ExpenseCategoryID == expenseCategoryID && rule.InboundCategoryID == inboundCategoryID {
			return rule, nil
		}
	}
	return nil, nil
}

func (r *memRuleRepo) Create(_ context.Context, rule *entity.ReimbursementCategoryRule) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.rules {
		if existing.ExpenseCategoryID == rule.ExpenseCategoryID && existing.InboundCategoryID == rule.InboundCategoryID {
			return port.ErrUniqueViolation
		}
	}
	r.store.rules = append(r.store.rules, rule)
	return nil
}

func (r *memRuleRepo) UpdateEnabled(_ context.Context, id string, enabled bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rule := range r.store.rules {
		if rule.ID == id {
			rule.Enabled = enabled
			return nil
		}
	}
	return nil
}

func (r *memRuleRepo) DeleteByID(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i, rule := range r.store.rules {
		if rule.ID == id {
			r.store.rules = append(r.store.rules[:i], r.store.rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *memRuleRepo) ListByExpenseCategoryIDs(_ context.Context, ids []string, enabledOnly bool) ([]*entity.ReimbursementCategoryRule, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	wanted := toSet(ids)
	var out []*entity.ReimbursementCategoryRule
	for _, rule := range r.store.rules {
		if !wanted[rule.ExpenseCategoryID] {
			continue
		}
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

type memApprovalRepo struct{ store *memStore }

func (r *memApprovalRepo) Create(_ context.Context, token *entity.ApprovalToken) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copied := *token
	r.store.approvals[token.OperationID] = &copied
	return nil
}

func (r *memApprovalRepo) GetByOperationID(_ context.Context, operationID string) (*entity.ApprovalToken, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	token, ok := r.store.approvals[operationID]
	if !ok {
		return nil, nil
	}
	copied := *token
	return &copied, nil
}

func (r *memApprovalRepo) MarkApproved(_ context.Context, operationID string, approvedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	token, ok := r.store.approvals[operationID]
	if !ok || token.ApprovedAt != nil {
		return port.ErrUniqueViolation
	}
	token.ApprovedAt = &approvedAt
	return nil
}

type memAuditRepo struct{ store *memStore }

func (r *memAuditRepo) Write(_ context.Context, event *entity.AuditEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	r.store.audits = append(r.store.audits, event)
	return nil
}

// memTxManager runs fn directly; the doubles have no transactional state.
type memTxManager struct{}

func (memTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func zeroSums(ids []string) map[string]int64 {
	sums := make(map[string]int64, len(ids))
	for _, id := range ids {
		sums[id] = 0
	}
	return sums
}

// fixture wires a full service stack over one shared in-memory store.
type fixture struct {
	store     *memStore
	approvals ApprovalService
	ledger    LedgerService
	svc       *ledgerServiceImpl
	appr      *approvalServiceImpl
}

func newFixture() *fixture {
	store := newMemStore()
	approvalSvc := NewApprovalService(&memApprovalRepo{store}, nopLogger{})
	ledgerSvc := NewLedgerService(
		&memExpenseRepo{store},
		&memCategoryRepo{store},
		&memLinkRepo{store},
		&memRuleRepo{store},
		approvalSvc,
		&memAuditRepo{store},
		memTxManager{},
		nopLogger{},
	)
	return &fixture{
		store:     store,
		approvals: approvalSvc,
		ledger:    ledgerSvc,
		svc:       ledgerSvc.(*ledgerServiceImpl),
		appr:      approvalSvc.(*approvalServiceImpl),
	}
}

var testActor = entity.Actor{Actor: "tester", Channel: "test"}
