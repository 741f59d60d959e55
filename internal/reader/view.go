package reader

import (
	"context"
	"sync"
	"time"

	"expensetracker/internal/core"
	"expensetracker/internal/log"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
)

// StatsSource is the aggregate feed a View follows. *stats.Tracker
// implements it.
type StatsSource interface {
	View() stats.View
	OnChange(fn func(stats.View)) (remove func())
}

// Update is what a View reports for the selected month.
type Update struct {
	Generation uint64
	MonthKey   core.MonthKey
	State      State
	Expenses   []core.Expense
	Err        error
}

// View tracks one selected month and keeps it answered as the selection
// and the aggregates change. Each evaluation carries a generation; anything
// that completes for an older generation is dropped, except that a fetch
// started for it still fills the cache.
//
// onUpdate is called serially and must not call Close.
type View struct {
	ctx        context.Context
	reader     *Reader
	src        StatsSource
	onUpdate   func(Update)
	reconciler *services.Reconciler

	emitMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	day      time.Time
	selected bool
	live     *LiveMonth
	closed   bool
	remove   func()
}

type ViewOption func(*View)

// WithReconciler checks every fetched or live list against its aggregate
// and repairs drift.
func WithReconciler(rec *services.Reconciler) ViewOption {
	return func(v *View) { v.reconciler = rec }
}

// NewView starts following src. Nothing is read until Select.
func NewView(ctx context.Context, r *Reader, src StatsSource, onUpdate func(Update), opts ...ViewOption) *View {
	v := &View{ctx: ctx, reader: r, src: src, onUpdate: onUpdate}
	for _, opt := range opts {
		opt(v)
	}
	v.remove = src.OnChange(v.statsChanged)
	return v
}

// Select makes the month containing day the selected one.
func (v *View) Select(day time.Time) {
	v.start(day, v.src.View())
}

// Generation is the tag of the latest evaluation.
func (v *View) Generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen
}

func (v *View) statsChanged(sv stats.View) {
	v.mu.Lock()
	if v.closed || !v.selected {
		v.mu.Unlock()
		return
	}
	day := v.day
	following := v.live != nil && v.live.MonthKey == v.reader.MonthKey(day)
	v.mu.Unlock()
	if following {
		return
	}
	v.start(day, sv)
}

func (v *View) start(day time.Time, sv stats.View) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.gen++
	gen := v.gen
	v.day = day
	v.selected = true
	old := v.live
	v.live = nil
	v.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go v.evaluate(gen, day, sv)
}

func (v *View) current(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed && gen == v.gen
}

func (v *View) evaluate(gen uint64, day time.Time, sv stats.View) {
	res, err := v.reader.Read(v.ctx, day, sv)

	v.mu.Lock()
	if v.closed || gen != v.gen {
		v.mu.Unlock()
		if res.Live != nil {
			res.Live.Close()
		}
		v.reader.logger.Debug("Discarding result for superseded selection",
			log.FieldMonthKey, res.MonthKey, log.FieldReadPath, res.State.String())
		return
	}
	if res.Live != nil {
		v.live = res.Live
	}
	v.mu.Unlock()

	if err != nil {
		v.emit(Update{Generation: gen, MonthKey: res.MonthKey, State: res.State, Err: err})
		return
	}
	if res.Live != nil {
		go v.pump(gen, res.Live)
		return
	}
	if v.emit(Update{Generation: gen, MonthKey: res.MonthKey, State: res.State, Expenses: res.Expenses}) &&
		res.State == StateFetched {
		v.reconcile(res.MonthKey, res.Expenses)
	}
}

func (v *View) pump(gen uint64, l *LiveMonth) {
	for u := range l.Updates() {
		ok := v.emit(Update{Generation: gen, MonthKey: l.MonthKey, State: StateLive, Expenses: u.Expenses, Err: u.Err})
		if ok && u.Err == nil {
			v.reconcile(l.MonthKey, u.Expenses)
		}
	}
}

// emit delivers u if its generation is still current.
func (v *View) emit(u Update) bool {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()
	if !v.current(u.Generation) {
		return false
	}
	v.onUpdate(u)
	return true
}

func (v *View) reconcile(key core.MonthKey, expenses []core.Expense) {
	if v.reconciler == nil {
		return
	}
	sv := v.src.View()
	if !sv.Loaded {
		return
	}
	if _, err := v.reconciler.Check(v.ctx, key, expenses, sv.Stats); err != nil {
		v.reader.logger.WarnContext(v.ctx, "Reconcile on read failed", log.FieldMonthKey, key, log.FieldError, err)
	}
}

// Close tears down the live subscription and stops reacting to changes.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.gen++
	live := v.live
	v.live = nil
	remove := v.remove
	v.mu.Unlock()

	if remove != nil {
		remove()
	}
	if live != nil {
		live.Close()
	}
}
