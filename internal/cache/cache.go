// Package cache holds the two-tier month cache: an in-memory tier that lives
// for the process and a persistent tier that survives restarts. Entries are
// tagged with the aggregate fingerprint they were built against and are only
// trusted while that fingerprint still matches the live aggregate.
package cache

import (
	"context"
	"time"

	"expensetracker/internal/core"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	// Get retrieves a value from the cache
	Get(key string) (T, bool)

	// Set stores a value in the cache
	Set(key string, data T)

	// Delete removes a key from the cache
	Delete(key string)

	// Clear drops every entry
	Clear()

	// Size returns the current number of items in the cache
	Size() int
}

// Entry is a cached month: its expenses (date descending) and the aggregate
// fingerprint they were cached against.
type Entry struct {
	MonthKey   core.MonthKey
	Expenses   []core.Expense
	Validation core.Fingerprint
	StoredAt   time.Time
}

// ValidFor reports whether the entry may be served while the live aggregate
// is fp.
func (e Entry) ValidFor(fp core.Fingerprint) bool {
	return e.Validation.Matches(fp)
}

// Clone copies the expense slice so callers cannot alias cached data.
func (e Entry) Clone() Entry {
	c := e
	if e.Expenses != nil {
		c.Expenses = make([]core.Expense, len(e.Expenses))
		copy(c.Expenses, e.Expenses)
	}
	return c
}

// PersistentTier is durable storage for entries, keyed by month.
type PersistentTier interface {
	Get(ctx context.Context, monthKey core.MonthKey) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Clear(ctx context.Context) error
}
