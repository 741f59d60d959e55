package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
)

// DefaultRecentLimit is how many expenses the recent list shows.
const DefaultRecentLimit = 20

// MonthQuery selects one month of expenses, newest first. The range is the
// first instant of the month through its last nanosecond, in loc.
func MonthQuery(uid string, key core.MonthKey, loc *time.Location) docstore.Query {
	start, end := key.Range(loc)
	return docstore.Query{
		Collection: docstore.ExpensesPath(uid),
		OrderBy:    core.FieldDate,
		Descending: true,
	}.
		Where(core.FieldDate, docstore.OpGreaterOrEqual, start).
		Where(core.FieldDate, docstore.OpLessOrEqual, end)
}

// RecentQuery selects the latest limit expenses across all months.
func RecentQuery(uid string, limit int) docstore.Query {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return docstore.Query{
		Collection: docstore.ExpensesPath(uid),
		OrderBy:    core.FieldDate,
		Descending: true,
		Limit:      limit,
	}
}

// DecodeExpenses converts documents to expenses, keeping the store's order.
// Documents that cannot be decoded are logged and skipped.
func DecodeExpenses(ctx context.Context, docs []*docstore.Document, loc *time.Location) []core.Expense {
	out := make([]core.Expense, 0, len(docs))
	for _, d := range docs {
		e, err := core.ExpenseFromFields(d.ID, d.Fields, loc)
		if err != nil {
			slog.WarnContext(ctx, "Skipping undecodable expense document", log.FieldComponent, log.ComponentExpense,
				log.FieldExpenseID, d.ID, log.FieldError, err)
			continue
		}
		out = append(out, e)
	}
	return out
}

// DecodeStats converts aggregate documents, newest month first.
func DecodeStats(ctx context.Context, docs []*docstore.Document) []core.MonthlyStat {
	out := make([]core.MonthlyStat, 0, len(docs))
	for _, d := range docs {
		st, err := core.StatFromFields(d.ID, d.Fields)
		if err != nil {
			slog.WarnContext(ctx, "Skipping undecodable stat document", log.FieldComponent, log.ComponentExpense,
				log.FieldMonthKey, d.ID, log.FieldError, err)
			continue
		}
		out = append(out, st)
	}
	core.SortStats(out)
	return out
}

// FetchMonth runs the month query once.
func FetchMonth(ctx context.Context, store docstore.Store, uid string, key core.MonthKey, loc *time.Location) ([]core.Expense, error) {
	docs, err := store.Query(ctx, MonthQuery(uid, key, loc))
	if err != nil {
		return nil, fmt.Errorf("fetch month %s: %w", key, err)
	}
	return DecodeExpenses(ctx, docs, loc), nil
}

// Recent returns the latest expenses, newest first.
func (s *ExpenseService) Recent(ctx context.Context, limit int) ([]core.Expense, error) {
	docs, err := s.store.Query(ctx, RecentQuery(s.uid, limit))
	if err != nil {
		return nil, fmt.Errorf("recent expenses: %w", err)
	}
	return DecodeExpenses(ctx, docs, s.loc), nil
}

// Stats loads every month aggregate once.
func (s *ExpenseService) Stats(ctx context.Context) ([]core.MonthlyStat, error) {
	docs, err := s.store.Query(ctx, docstore.Query{Collection: docstore.StatsPath(s.uid)})
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	return DecodeStats(ctx, docs), nil
}

// MonthlyBudgetCap reads the user's cap; ok is false when none is set.
func (s *ExpenseService) MonthlyBudgetCap(ctx context.Context) (budget core.Money, ok bool, err error) {
	doc, err := s.store.Get(ctx, docstore.UserPath(s.uid))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return core.Money{}, false, nil
		}
		return core.Money{}, false, fmt.Errorf("read user profile: %w", err)
	}
	v, present := doc.Fields[core.FieldMonthlyBudgetCap]
	if !present || v == nil {
		return core.Money{}, false, nil
	}
	cents, err := core.CentsFromAny(v)
	if err != nil {
		return core.Money{}, false, fmt.Errorf("monthly budget cap: %w", err)
	}
	return core.Money{Cents: cents}, cents > 0, nil
}

// SetMonthlyBudgetCap stores the cap on the user document.
func (s *ExpenseService) SetMonthlyBudgetCap(ctx context.Context, budget core.Money) error {
	if err := s.store.Set(ctx, docstore.UserPath(s.uid), docstore.Fields{
		core.FieldMonthlyBudgetCap: budget.Cents,
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("set monthly budget cap: %w", err)
	}
	return nil
}
