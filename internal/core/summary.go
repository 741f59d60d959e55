package core

import (
	"fmt"
	"sort"
)

// Fingerprint is the {total,count} pair that validates a cached month.
type Fingerprint struct {
	Total Money
	Count int64
}

// MonthlyStat is the denormalized aggregate for one month.
type MonthlyStat struct {
	MonthKey MonthKey
	Total    Money
	Count    int64
}

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   Category
	Amount Money
}

// MonthOverview is a compact summary for a specific month.
type MonthOverview struct {
	MonthKey   MonthKey
	Total      Money
	Count      int64
	ByCategory []CategoryAmount
}

func (f Fingerprint) Matches(o Fingerprint) bool {
	return f.Total.Cents == o.Total.Cents && f.Count == o.Count
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d/%d", f.Total.Cents, f.Count)
}

// Fingerprint returns the stat's validation pair.
func (s MonthlyStat) Fingerprint() Fingerprint {
	return Fingerprint{Total: s.Total, Count: s.Count}
}

// FindStat returns the stat for key, if present.
func FindStat(stats []MonthlyStat, key MonthKey) (MonthlyStat, bool) {
	for _, s := range stats {
		if s.MonthKey == key {
			return s, true
		}
	}
	return MonthlyStat{}, false
}

// SortStats orders stats newest month first, in place.
func SortStats(stats []MonthlyStat) {
	sort.Slice(stats, func(i, j int) bool { return stats[i].MonthKey > stats[j].MonthKey })
}

// Summarize computes the true total and count of a list of expenses.
func Summarize(expenses []Expense) Fingerprint {
	var fp Fingerprint
	for _, e := range expenses {
		fp.Total.Cents += e.Amount.Cents
		fp.Count++
	}
	return fp
}

// CategoryBreakdown sums expenses per category, largest first.
func CategoryBreakdown(expenses []Expense) []CategoryAmount {
	totals := make(map[Category]int64)
	for _, e := range expenses {
		totals[e.Category] += e.Amount.Cents
	}
	out := make([]CategoryAmount, 0, len(totals))
	for name, cents := range totals {
		out = append(out, CategoryAmount{Name: name, Amount: Money{Cents: cents}})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount.Cents != out[j].Amount.Cents {
			return out[i].Amount.Cents > out[j].Amount.Cents
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Overview builds the summary of one month's expenses.
func Overview(key MonthKey, expenses []Expense) MonthOverview {
	fp := Summarize(expenses)
	return MonthOverview{
		MonthKey:   key,
		Total:      fp.Total,
		Count:      fp.Count,
		ByCategory: CategoryBreakdown(expenses),
	}
}

// SortExpenses orders expenses newest first, in place.
func SortExpenses(expenses []Expense) {
	sort.SliceStable(expenses, func(i, j int) bool { return expenses[i].Date.After(expenses[j].Date) })
}
