package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/ledger"
)

// AutoMatch scans expenses in [from, to) and greedily allocates eligible
// inbound records against outstanding reimbursable outflows, honoring
// category rules and per-category recovery windows. Both sides are walked
// in ascending occurredAt order, so a run is deterministic for a fixed
// snapshot; running it again on unchanged data creates nothing. The whole
// batch commits or rolls back as one transaction.
func (s *ledgerServiceImpl) AutoMatch(ctx context.Context, actor entity.Actor, from, to *time.Time) (*AutoMatchResult, error) {
	result := &AutoMatchResult{From: from, To: to}

	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		expenses, err := s.expenseRepo.List(ctx, from, to, "", 0)
		if err != nil {
			return ledger.Internal(err)
		}

		var outflows, inflows []*entity.Expense
		for _, e := range expenses {
			switch {
			case e.IsReimbursable():
				outflows = append(outflows, e)
			case e.IsInboundLinkable():
				inflows = append(inflows, e)
			}
		}
		sort.SliceStable(outflows, func(i, j int) bool {
			return outflows[i].OccurredAt.Before(outflows[j].OccurredAt)
		})
		sort.SliceStable(inflows, func(i, j int) bool {
			return inflows[i].OccurredAt.Before(inflows[j].OccurredAt)
		})

		result.ScannedOutflows = len(outflows)
		result.ScannedInflows = len(inflows)
		if len(outflows) == 0 || len(inflows) == 0 {
			return nil
		}

		allowed, err := s.allowedInboundCategories(ctx, outflows)
		if err != nil {
			return err
		}

		categories, err := s.categoriesByID(ctx)
		if err != nil {
			return err
		}

		recoveredByOutID, err := s.linkRepo.SumRecoveredByExpenseOutIDs(ctx, expenseIDs(outflows))
		if err != nil {
			return ledger.Internal(err)
		}
		allocatedByInID, err := s.linkRepo.SumAllocatedByExpenseInIDs(ctx, expenseIDs(inflows))
		if err != nil {
			return ledger.Internal(err)
		}

		for _, out := range outflows {
			allowedSet := allowed[out.CategoryID]
			if len(allowedSet) == 0 {
				continue
			}

			windowDays := entity.DefaultRecoveryWindowDays
			if cat, ok := categories[out.CategoryID]; ok {
				windowDays = cat.RecoveryWindowDays()
			}
			windowEnd := out.OccurredAt.AddDate(0, 0, windowDays)

			remaining := ledger.OutstandingMinor(out, recoveredByOutID[out.ID])
			if remaining <= 0 {
				continue
			}

			linksForOutflow := 0
			for _, in := range inflows {
				if remaining <= 0 {
					break
				}
				if !allowedSet[in.CategoryID] {
					continue
				}
				if in.Money.Currency != out.Money.Currency {
					continue
				}
				// A zero occurredAt means the stored timestamp did not
				// parse; such inflows match any window.
				if !in.OccurredAt.IsZero() {
					if in.OccurredAt.Before(out.OccurredAt) || in.OccurredAt.After(windowEnd) {
						continue
					}
				}

				available := in.Money.AmountMinor - allocatedByInID[in.ID]
				if available <= 0 {
					continue
				}
				allocate := remaining
				if available < allocate {
					allocate = available
				}
				if allocate <= 0 {
					continue
				}

				link := &entity.ReimbursementLink{
					ID:           uuid.NewString(),
					ExpenseOutID: out.ID,
					ExpenseInID:  in.ID,
					AmountMinor:  allocate,
				}
				if err := s.linkRepo.Create(ctx, link); err != nil {
					return ledger.Internal(err)
				}

				recoveredByOutID[out.ID] += allocate
				allocatedByInID[in.ID] += allocate
				remaining -= allocate
				result.LinksCreated++
				linksForOutflow++
			}

			if linksForOutflow > 0 {
				if err := s.persistStatus(ctx, out, recoveredByOutID[out.ID]); err != nil {
					return err
				}
				result.Matched++
			}
		}

		if result.LinksCreated == 0 {
			return nil
		}
		return s.writeAudit(ctx, actor, "reimbursement.auto_match", map[string]interface{}{
			"matched":         result.Matched,
			"linksCreated":    result.LinksCreated,
			"scannedOutflows": result.ScannedOutflows,
			"scannedInflows":  result.ScannedInflows,
			"from":            from,
			"to":              to,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Auto-match run completed",
		"matched", result.Matched,
		"links_created", result.LinksCreated,
		"scanned_outflows", result.ScannedOutflows,
		"scanned_inflows", result.ScannedInflows)
	return result, nil
}

// allowedInboundCategories builds expenseCategoryID -> set of inbound
// category ids from the enabled rules covering the outflows present.
func (s *ledgerServiceImpl) allowedInboundCategories(ctx context.Context, outflows []*entity.Expense) (map[string]map[string]bool, error) {
	seen := make(map[string]bool)
	var categoryIDs []string
	for _, out := range outflows {
		if out.CategoryID == "" || seen[out.CategoryID] {
			continue
		}
		seen[out.CategoryID] = true
		categoryIDs = append(categoryIDs, out.CategoryID)
	}
	if len(categoryIDs) == 0 {
		return nil, nil
	}

	rules, err := s.ruleRepo.ListByExpenseCategoryIDs(ctx, categoryIDs, true)
	if err != nil {
		return nil, ledger.Internal(err)
	}

	allowed := make(map[string]map[string]bool, len(categoryIDs))
	for _, rule := range rules {
		set := allowed[rule.ExpenseCategoryID]
		if set == nil {
			set = make(map[string]bool)
			allowed[rule.ExpenseCategoryID] = set
		}
		set[rule.InboundCategoryID] = true
	}
	return allowed, nil
}

func (s *ledgerServiceImpl) categoriesByID(ctx context.Context) (map[string]*entity.Category, error) {
	categories, err := s.categoryRepo.List(ctx)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	byID := make(map[string]*entity.Category, len(categories))
	for _, c := range categories {
		byID[c.ID] = c
	}
	return byID, nil
}

func expenseIDs(expenses []*entity.Expense) []string {
	ids := make([]string, len(expenses))
	for i, e := range expenses {
		ids[i] = e.ID
	}
	return ids
}
