package stats

import "expensetracker/internal/core"

// Budget is a month's spending against the user's cap.
type Budget struct {
	MonthKey  core.MonthKey
	Cap       core.Money
	Spent     core.Money
	Remaining core.Money
	Over      bool
	// Percent of the cap spent, rounded down. Zero when there is no cap.
	Percent int64
}

// BudgetStatus reads the month's spend from the aggregate. A month with no
// aggregate has spent nothing.
func BudgetStatus(v View, key core.MonthKey, budget core.Money) Budget {
	b := Budget{MonthKey: key, Cap: budget}
	if st, ok := v.Find(key); ok {
		b.Spent = st.Total
	}
	b.Remaining = budget.Sub(b.Spent)
	if b.Remaining.Cents < 0 {
		b.Remaining = core.Money{}
	}
	b.Over = budget.Cents > 0 && b.Spent.Cents > budget.Cents
	if budget.Cents > 0 {
		b.Percent = b.Spent.Cents * 100 / budget.Cents
	}
	return b
}

// Trend returns the aggregates of the n months ending at key, oldest first.
// Months without an aggregate appear with zero totals.
func Trend(v View, key core.MonthKey, n int) []core.MonthlyStat {
	if n <= 0 {
		return nil
	}
	out := make([]core.MonthlyStat, n)
	k := key
	for i := n - 1; i >= 0; i-- {
		st, ok := v.Find(k)
		if !ok {
			st = core.MonthlyStat{MonthKey: k}
		}
		out[i] = st
		k = k.Prev(nil)
	}
	return out
}
