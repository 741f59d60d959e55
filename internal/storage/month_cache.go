package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"expensetracker/internal/cache"
	"expensetracker/internal/core"
)

// MonthCacheRepository is the persistent cache tier. Each month is one row
// holding the JSON-encoded expense list and the fingerprint it was cached
// against.
type MonthCacheRepository struct {
	db *sql.DB
}

var _ cache.PersistentTier = (*MonthCacheRepository)(nil)

func NewMonthCacheRepository(db *sql.DB) *MonthCacheRepository {
	return &MonthCacheRepository{db: db}
}

// OpenMonthCache opens (and migrates) a dedicated cache database.
func OpenMonthCache(dbPath string) (*MonthCacheRepository, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return NewMonthCacheRepository(db), nil
}

func (r *MonthCacheRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

type cachedExpense struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amount_cents"`
	Category    string `json:"category"`
	Note        string `json:"note,omitempty"`
	Date        string `json:"date"`
}

func (r *MonthCacheRepository) Get(ctx context.Context, key core.MonthKey) (cache.Entry, bool, error) {
	var (
		data, stamp  string
		total, count int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT data, total_cents, count, timestamp FROM monthly_expenses WHERE month_key = ?`,
		string(key)).Scan(&data, &total, &count, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("read cached month %s: %w", key, err)
	}

	var rows []cachedExpense
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached month %s: %w", key, err)
	}
	expenses := make([]core.Expense, 0, len(rows))
	for _, row := range rows {
		date, err := time.Parse(time.RFC3339Nano, row.Date)
		if err != nil {
			return cache.Entry{}, false, fmt.Errorf("decode cached month %s: expense %s: %w", key, row.ID, err)
		}
		expenses = append(expenses, core.Expense{
			ID:       row.ID,
			Amount:   core.Money{Cents: row.AmountCents},
			Category: core.Category(row.Category),
			Note:     row.Note,
			Date:     date,
		})
	}
	storedAt, _ := time.Parse(time.RFC3339Nano, stamp)
	return cache.Entry{
		MonthKey:   key,
		Expenses:   expenses,
		Validation: core.Fingerprint{Total: core.Money{Cents: total}, Count: count},
		StoredAt:   storedAt,
	}, true, nil
}

// Put replaces the stored month with e.
func (r *MonthCacheRepository) Put(ctx context.Context, e cache.Entry) error {
	rows := make([]cachedExpense, 0, len(e.Expenses))
	for _, x := range e.Expenses {
		rows = append(rows, cachedExpense{
			ID:          x.ID,
			AmountCents: x.Amount.Cents,
			Category:    string(x.Category),
			Note:        x.Note,
			Date:        x.Date.UTC().Format(time.RFC3339Nano),
		})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode cached month %s: %w", e.MonthKey, err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO monthly_expenses (month_key, data, total_cents, count, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(month_key) DO UPDATE SET
			data = excluded.data,
			total_cents = excluded.total_cents,
			count = excluded.count,
			timestamp = excluded.timestamp`,
		string(e.MonthKey), string(data), e.Validation.Total.Cents, e.Validation.Count,
		storedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write cached month %s: %w", e.MonthKey, err)
	}
	return nil
}

func (r *MonthCacheRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM monthly_expenses`); err != nil {
		return fmt.Errorf("clear month cache: %w", err)
	}
	return nil
}

// Months lists the cached month keys, newest first.
func (r *MonthCacheRepository) Months(ctx context.Context) ([]core.MonthKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT month_key FROM monthly_expenses ORDER BY month_key DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cached months: %w", err)
	}
	defer rows.Close()
	var out []core.MonthKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cached month: %w", err)
		}
		out = append(out, core.MonthKey(k))
	}
	return out, rows.Err()
}
