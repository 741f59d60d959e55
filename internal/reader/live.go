package reader

import (
	"context"
	"fmt"
	"sync"

	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
	"expensetracker/internal/services"
)

// LiveUpdate is one delivery of a live list. A non-nil Err ends the
// subscription.
type LiveUpdate struct {
	Expenses []core.Expense
	Err      error
}

// LiveMonth follows one month's expenses. Updates holds at most one pending
// delivery: a slow consumer only ever sees the latest list.
type LiveMonth struct {
	MonthKey core.MonthKey

	updates chan LiveUpdate
	unsub   docstore.Unsubscribe
	once    sync.Once
}

// Updates is closed by Close.
func (l *LiveMonth) Updates() <-chan LiveUpdate { return l.updates }

// Close stops the subscription. It is safe to call more than once.
func (l *LiveMonth) Close() {
	l.once.Do(func() {
		if l.unsub != nil {
			l.unsub()
		}
		close(l.updates)
	})
}

// offer replaces any undelivered update with u. Subscriptions deliver
// serially, so there is a single sender.
func offer(ch chan LiveUpdate, u LiveUpdate) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}

func (r *Reader) openLive(ctx context.Context, key core.MonthKey) (*LiveMonth, error) {
	l := &LiveMonth{MonthKey: key, updates: make(chan LiveUpdate, 1)}
	unsub, err := r.store.Subscribe(ctx, services.MonthQuery(r.uid, key, r.loc), func(s docstore.Snapshot) {
		if s.Err != nil {
			r.logger.ErrorContext(ctx, "Live month subscription failed", log.FieldMonthKey, key, log.FieldError, s.Err)
			offer(l.updates, LiveUpdate{Err: s.Err})
			return
		}
		offer(l.updates, LiveUpdate{Expenses: services.DecodeExpenses(ctx, s.Docs, r.loc)})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe month %s: %w", key, err)
	}
	l.unsub = unsub
	return l, nil
}

// RecentList follows the latest expenses across all months.
type RecentList = LiveMonth

// SubscribeRecent follows the latest limit expenses, newest first.
func (r *Reader) SubscribeRecent(ctx context.Context, limit int) (*RecentList, error) {
	l := &LiveMonth{updates: make(chan LiveUpdate, 1)}
	unsub, err := r.store.Subscribe(ctx, services.RecentQuery(r.uid, limit), func(s docstore.Snapshot) {
		if s.Err != nil {
			offer(l.updates, LiveUpdate{Err: s.Err})
			return
		}
		offer(l.updates, LiveUpdate{Expenses: services.DecodeExpenses(ctx, s.Docs, r.loc)})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe recent: %w", err)
	}
	l.unsub = unsub
	return l, nil
}
