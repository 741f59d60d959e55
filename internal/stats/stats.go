// Package stats keeps the user's month aggregates live.
package stats

import (
	"context"
	"fmt"
	"sync"

	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
	"expensetracker/internal/services"
)

// View is the latest known aggregate list. Loaded is false until the first
// snapshot arrives; Err is set when the subscription ended with an error.
type View struct {
	Stats  []core.MonthlyStat
	Loaded bool
	Err    error
}

// Find returns the aggregate for key. It only answers for a loaded view.
func (v View) Find(key core.MonthKey) (core.MonthlyStat, bool) {
	if !v.Loaded {
		return core.MonthlyStat{}, false
	}
	return core.FindStat(v.Stats, key)
}

// Subscribe opens one subscription over the user's stats collection and
// delivers the full decoded list, newest month first, on every change.
func Subscribe(ctx context.Context, store docstore.Store, uid string, fn func([]core.MonthlyStat, error)) (docstore.Unsubscribe, error) {
	q := docstore.Query{Collection: docstore.StatsPath(uid)}
	unsub, err := store.Subscribe(ctx, q, func(s docstore.Snapshot) {
		if s.Err != nil {
			fn(nil, s.Err)
			return
		}
		fn(services.DecodeStats(ctx, s.Docs), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe stats: %w", err)
	}
	return unsub, nil
}

// Tracker holds the latest View for one user and fans changes out to
// listeners.
type Tracker struct {
	logger *log.Logger

	mu        sync.RWMutex
	view      View
	listeners map[int]func(View)
	nextID    int
	loaded    chan struct{}
	unsub     docstore.Unsubscribe
}

// NewTracker subscribes and returns immediately; the view becomes Loaded
// when the first snapshot lands.
func NewTracker(ctx context.Context, store docstore.Store, uid string, logger *log.Logger) (*Tracker, error) {
	if logger == nil {
		logger = log.Discard()
	}
	t := &Tracker{
		logger:    logger.WithComponent(log.ComponentStats),
		listeners: make(map[int]func(View)),
		loaded:    make(chan struct{}),
	}
	unsub, err := Subscribe(ctx, store, uid, t.deliver)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()
	return t, nil
}

func (t *Tracker) deliver(list []core.MonthlyStat, err error) {
	t.mu.Lock()
	if err != nil {
		t.view.Err = err
		t.logger.Error("Stats subscription failed", log.FieldError, err)
	} else {
		t.view = View{Stats: list, Loaded: true}
		t.logger.Debug("Stats updated", log.FieldCount, len(list))
	}
	if t.view.Loaded || err != nil {
		select {
		case <-t.loaded:
		default:
			close(t.loaded)
		}
	}
	view := t.snapshotLocked()
	fns := make([]func(View), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

func (t *Tracker) snapshotLocked() View {
	v := t.view
	v.Stats = append([]core.MonthlyStat(nil), t.view.Stats...)
	return v
}

// View returns a copy of the current state.
func (t *Tracker) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) Find(key core.MonthKey) (core.MonthlyStat, bool) {
	return t.View().Find(key)
}

// OnChange registers fn for every later delivery. The returned func removes
// it.
func (t *Tracker) OnChange(fn func(View)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// WaitLoaded blocks until the first snapshot or subscription error.
func (t *Tracker) WaitLoaded(ctx context.Context) (View, error) {
	select {
	case <-t.loaded:
		v := t.View()
		return v, v.Err
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (t *Tracker) Close() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
