package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomclarke/ledgermatch/internal/application/port"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/infrastructure/persistence/sqlite"
	"github.com/tomclarke/ledgermatch/pkg/database"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.New(database.Config{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.NewMigrator(db, logger).RunMigrations("../../../../migrations"))
	return db.DB
}

func insertExpense(t *testing.T, db *sql.DB, id string, kind entity.ExpenseKind, amountMinor int64, occurredAt time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO expenses (id, kind, amount_minor, currency, category_id, occurred_at, reimbursement_status)
		VALUES (?, ?, ?, 'GBP', 'cat-1', ?, 'expected')`,
		id, string(kind), amountMinor, occurredAt.UTC())
	require.NoError(t, err)
}

func insertCategory(t *testing.T, db *sql.DB, id string, kind entity.CategoryKind) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO categories (id, name, kind) VALUES (?, ?, ?)`,
		id, "category "+id, string(kind))
	require.NoError(t, err)
}

func TestLinkRepository_CreateAndGet(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewLinkRepository(db, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	insertExpense(t, db, "out-1", entity.KindExpense, 10000, now)
	insertExpense(t, db, "in-1", entity.KindIncome, 5000, now)

	key := "req-1"
	link := &entity.ReimbursementLink{
		ID:             "link-1",
		ExpenseOutID:   "out-1",
		ExpenseInID:    "in-1",
		AmountMinor:    3000,
		IdempotencyKey: &key,
	}
	require.NoError(t, repo.Create(ctx, link))
	assert.False(t, link.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, "link-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3000), got.AmountMinor)
	require.NotNil(t, got.IdempotencyKey)
	assert.Equal(t, key, *got.IdempotencyKey)

	byKey, err := repo.GetByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "link-1", byKey.ID)

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLinkRepository_IdempotencyKeyUnique(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewLinkRepository(db, zap.NewNop())
	now := time.Now()
	insertExpense(t, db, "out-1", entity.KindExpense, 10000, now)
	insertExpense(t, db, "in-1", entity.KindIncome, 5000, now)

	key := "req-1"
	require.NoError(t, repo.Create(ctx, &entity.ReimbursementLink{
		ID: "link-1", ExpenseOutID: "out-1", ExpenseInID: "in-1", AmountMinor: 1000, IdempotencyKey: &key,
	}))

	err := repo.Create(ctx, &entity.ReimbursementLink{
		ID: "link-2", ExpenseOutID: "out-1", ExpenseInID: "in-1", AmountMinor: 2000, IdempotencyKey: &key,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, port.ErrUniqueViolation))

	// Keyless links never collide with each other.
	require.NoError(t, repo.Create(ctx, &entity.ReimbursementLink{
		ID: "link-3", ExpenseOutID: "out-1", ExpenseInID: "in-1", AmountMinor: 500,
	}))
	require.NoError(t, repo.Create(ctx, &entity.ReimbursementLink{
		ID: "link-4", ExpenseOutID: "out-1", ExpenseInID: "in-1", AmountMinor: 500,
	}))
}

func TestLinkRepository_SumsDefaultToZero(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewLinkRepository(db, zap.NewNop())
	now := time.Now()
	insertExpense(t, db, "out-1", entity.KindExpense, 10000, now)
	insertExpense(t, db, "in-1", entity.KindIncome, 5000, now)

	sums, err := repo.SumRecoveredByExpenseOutIDs(ctx, []string{"out-1", "out-none"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"out-1": 0, "out-none": 0}, sums)

	require.NoError(t, repo.Create(ctx, &entity.ReimbursementLink{
		ID: "link-1", ExpenseOutID: "out-1", ExpenseInID: "in-1", AmountMinor: 1000,
	}))
	require.NoError(t, repo.Create(ctx, &entity.ReimbursementLink{
		ID: "link-2", ExpenseOutID: "out-1", ExpenseInID: "in-1", AmountMinor: 2500,
	}))

	sums, err = repo.SumRecoveredByExpenseOutIDs(ctx, []string{"out-1", "out-none"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"out-1": 3500, "out-none": 0}, sums)

	inSums, err := repo.SumAllocatedByExpenseInIDs(ctx, []string{"in-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"in-1": 3500}, inSums)
}

func TestLinkRepository_DeleteByID(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewLinkRepository(db, zap.NewNop())
	now := time.Now()
	insertExpense(t, db, "out-1", entity.KindExpense, 10000, now)
	insertExpense(t, db, "in-1", entity.KindIncome, 5000, now)

	require.NoError(t, repo.Create(ctx, &entity.ReimbursementLink{
		ID: "link-1", ExpenseOutID: "out-1", ExpenseInID: "in-1", AmountMinor: 1000,
	}))
	require.NoError(t, repo.DeleteByID(ctx, "link-1"))

	got, err := repo.GetByID(ctx, "link-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpenseRepository_GetAndUpdate(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewExpenseRepository(db, zap.NewNop())
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	insertExpense(t, db, "exp-1", entity.KindExpense, 10000, occurred)

	e, err := repo.GetByID(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, entity.KindExpense, e.Kind)
	assert.Equal(t, int64(10000), e.Money.AmountMinor)
	assert.Equal(t, "GBP", e.Money.Currency)
	assert.Equal(t, entity.StatusExpected, e.ReimbursementStatus)
	assert.Nil(t, e.MyShareMinor)
	assert.Nil(t, e.ClosedOutstandingMinor)
	assert.True(t, occurred.Equal(e.OccurredAt))

	share := int64(2000)
	closedAt := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	reason := "written off"
	e.ReimbursementStatus = entity.StatusWrittenOff
	e.MyShareMinor = &share
	e.ClosedOutstandingMinor = &share
	e.ReimbursementClosedAt = &closedAt
	e.ReimbursementClosedReason = &reason
	require.NoError(t, repo.UpdateReimbursement(ctx, e))

	got, err := repo.GetByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusWrittenOff, got.ReimbursementStatus)
	require.NotNil(t, got.MyShareMinor)
	assert.Equal(t, share, *got.MyShareMinor)
	require.NotNil(t, got.ReimbursementClosedAt)
	assert.True(t, closedAt.Equal(*got.ReimbursementClosedAt))
	require.NotNil(t, got.ReimbursementClosedReason)
	assert.Equal(t, reason, *got.ReimbursementClosedReason)
	// Only the reimbursement subset changed.
	assert.Equal(t, int64(10000), got.Money.AmountMinor)
}

func TestExpenseRepository_UpdateUnknownExpense(t *testing.T) {
	db := setupDB(t)
	repo := NewExpenseRepository(db, zap.NewNop())

	err := repo.UpdateReimbursement(context.Background(), &entity.Expense{
		ID:                  "missing",
		ReimbursementStatus: entity.StatusSettled,
	})
	assert.Error(t, err)
}

func TestExpenseRepository_ListRange(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewExpenseRepository(db, zap.NewNop())
	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }
	insertExpense(t, db, "exp-1", entity.KindExpense, 100, day(1))
	insertExpense(t, db, "exp-2", entity.KindExpense, 200, day(5))
	insertExpense(t, db, "exp-3", entity.KindIncome, 300, day(10))

	from := day(2)
	to := day(10) // exclusive
	got, err := repo.List(ctx, &from, &to, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "exp-2", got[0].ID)

	all, err := repo.List(ctx, nil, nil, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Ordered by occurred_at ascending.
	assert.Equal(t, "exp-1", all[0].ID)
	assert.Equal(t, "exp-3", all[2].ID)

	limited, err := repo.List(ctx, nil, nil, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCategoryRepository_GetAndList(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewCategoryRepository(db, zap.NewNop())
	insertCategory(t, db, "cat-1", entity.CategoryKindExpense)
	insertCategory(t, db, "cat-2", entity.CategoryKindIncome)

	cat, err := repo.GetByID(ctx, "cat-1")
	require.NoError(t, err)
	require.NotNil(t, cat)
	assert.Equal(t, entity.CategoryKindExpense, cat.Kind)
	assert.Equal(t, entity.DefaultRecoveryWindowDays, cat.RecoveryWindowDays())

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRuleRepository_PairUnique(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewRuleRepository(db, zap.NewNop())

	require.NoError(t, repo.Create(ctx, &entity.ReimbursementCategoryRule{
		ID: "rule-1", ExpenseCategoryID: "cat-1", InboundCategoryID: "cat-2", Enabled: true,
	}))

	err := repo.Create(ctx, &entity.ReimbursementCategoryRule{
		ID: "rule-2", ExpenseCategoryID: "cat-1", InboundCategoryID: "cat-2", Enabled: false,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, port.ErrUniqueViolation))

	got, err := repo.GetByPair(ctx, "cat-1", "cat-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rule-1", got.ID)
}

func TestRuleRepository_UpdateEnabledAndFilter(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewRuleRepository(db, zap.NewNop())

	require.NoError(t, repo.Create(ctx, &entity.ReimbursementCategoryRule{
		ID: "rule-1", ExpenseCategoryID: "cat-1", InboundCategoryID: "cat-2", Enabled: true,
	}))
	require.NoError(t, repo.Create(ctx, &entity.ReimbursementCategoryRule{
		ID: "rule-2", ExpenseCategoryID: "cat-1", InboundCategoryID: "cat-3", Enabled: false,
	}))

	enabled, err := repo.ListByExpenseCategoryIDs(ctx, []string{"cat-1"}, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "rule-1", enabled[0].ID)

	all, err := repo.ListByExpenseCategoryIDs(ctx, []string{"cat-1"}, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, repo.UpdateEnabled(ctx, "rule-2", true))
	enabled, err = repo.ListByExpenseCategoryIDs(ctx, []string{"cat-1"}, true)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	require.NoError(t, repo.DeleteByID(ctx, "rule-1"))
	rules, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "rule-2", rules[0].ID)
}

func TestApprovalRepository_SingleRedemption(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewApprovalRepository(db, zap.NewNop())
	now := time.Now().UTC().Truncate(time.Second)

	token := &entity.ApprovalToken{
		OperationID: "op-1",
		Action:      "reimbursement_link.delete",
		PayloadHash: "abc123",
		ExpiresAt:   now.Add(15 * time.Minute),
		CreatedAt:   now,
	}
	require.NoError(t, repo.Create(ctx, token))

	got, err := repo.GetByOperationID(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Consumed())
	assert.Equal(t, "abc123", got.PayloadHash)

	require.NoError(t, repo.MarkApproved(ctx, "op-1", now))

	got, err = repo.GetByOperationID(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, got.Consumed())

	// A second redemption hits zero rows.
	assert.Error(t, repo.MarkApproved(ctx, "op-1", now))

	missing, err := repo.GetByOperationID(ctx, "op-none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAuditRepository_Write(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewAuditRepository(db, zap.NewNop())

	require.NoError(t, repo.Write(ctx, &entity.AuditEvent{
		ID:      "audit-1",
		Action:  "reimbursement.link",
		Payload: `{"linkId":"link-1"}`,
		Actor:   "tester",
		Channel: "test",
	}))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE action = 'reimbursement.link'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTransactionManager_RollbackOnError(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	txManager := sqlite.NewDB(db, zap.NewNop())
	repo := NewRuleRepository(db, zap.NewNop())

	wantErr := errors.New("boom")
	err := txManager.WithTransaction(ctx, func(ctx context.Context) error {
		if err := repo.Create(ctx, &entity.ReimbursementCategoryRule{
			ID: "rule-1", ExpenseCategoryID: "cat-1", InboundCategoryID: "cat-2", Enabled: true,
		}); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	rules, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestTransactionManager_NestedCallsShareOneTransaction(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	txManager := sqlite.NewDB(db, zap.NewNop())
	repo := NewRuleRepository(db, zap.NewNop())

	err := txManager.WithTransaction(ctx, func(ctx context.Context) error {
		if err := repo.Create(ctx, &entity.ReimbursementCategoryRule{
			ID: "rule-1", ExpenseCategoryID: "cat-1", InboundCategoryID: "cat-2", Enabled: true,
		}); err != nil {
			return err
		}
		// The inner call must reuse the outer transaction, not deadlock on
		// a second one.
		return txManager.WithTransaction(ctx, func(ctx context.Context) error {
			return repo.Create(ctx, &entity.ReimbursementCategoryRule{
				ID: "rule-2", ExpenseCategoryID: "cat-1", InboundCategoryID: "cat-3", Enabled: true,
			})
		})
	})
	require.NoError(t, err)

	rules, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}
