package core

import (
	"fmt"
	"time"
)

// Document field names shared by every store backend.
const (
	FieldAmount   = "amount"
	FieldCategory = "category"
	FieldNote     = "note"
	FieldDate     = "date"
	FieldTotal    = "total"
	FieldCount    = "count"

	FieldMonthlyBudgetCap = "monthlyBudgetCap"
)

// ExpenseFromFields decodes a stored expense document. The date is normalized
// here and nowhere else.
func ExpenseFromFields(id string, fields map[string]any, loc *time.Location) (Expense, error) {
	cents, err := CentsFromAny(fields[FieldAmount])
	if err != nil {
		return Expense{}, fmt.Errorf("expense %s: amount: %w", id, err)
	}
	date, err := NormalizeDate(fields[FieldDate], loc)
	if err != nil {
		return Expense{}, fmt.Errorf("expense %s: date: %w", id, err)
	}
	category, _ := fields[FieldCategory].(string)
	if category == "" {
		category = string(DefaultCategory)
	}
	note, _ := fields[FieldNote].(string)
	return Expense{
		ID:       id,
		Amount:   Money{Cents: cents},
		Category: Category(category),
		Note:     note,
		Date:     date,
	}, nil
}

// StatFromFields decodes a stored monthly aggregate document.
func StatFromFields(id string, fields map[string]any) (MonthlyStat, error) {
	total, err := CentsFromAny(fields[FieldTotal])
	if err != nil {
		return MonthlyStat{}, fmt.Errorf("stat %s: total: %w", id, err)
	}
	count, err := CentsFromAny(fields[FieldCount])
	if err != nil {
		return MonthlyStat{}, fmt.Errorf("stat %s: count: %w", id, err)
	}
	return MonthlyStat{
		MonthKey: MonthKey(id),
		Total:    Money{Cents: total},
		Count:    count,
	}, nil
}
