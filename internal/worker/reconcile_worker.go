package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"expensetracker/internal/amqp"
	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
	"expensetracker/internal/services"
)

type monthRef struct {
	uid string
	key core.MonthKey
}

// ReconcileWorker repairs month aggregates that drifted from their expenses.
// Change events only mark a month dirty; the repair runs on the next sweep,
// so a burst of writes to one month costs one reconciliation.
type ReconcileWorker struct {
	store   docstore.Store
	loc     *time.Location
	metrics *metrics.Metrics

	mu          sync.Mutex
	dirty       map[monthRef]struct{}
	reconcilers map[string]*services.Reconciler
}

func NewReconcileWorker(store docstore.Store, loc *time.Location, m *metrics.Metrics) *ReconcileWorker {
	if loc == nil {
		loc = time.Local
	}
	return &ReconcileWorker{
		store:       store,
		loc:         loc,
		metrics:     m,
		dirty:       make(map[monthRef]struct{}),
		reconcilers: make(map[string]*services.Reconciler),
	}
}

func (w *ReconcileWorker) reconciler(uid string) *services.Reconciler {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.reconcilers[uid]
	if !ok {
		svc := services.NewExpenseService(w.store, uid, w.loc, services.WithMetrics(w.metrics))
		r = services.NewReconciler(svc, w.metrics)
		w.reconcilers[uid] = r
	}
	return r
}

// HandleExpenseEvent processes a single expense event from AMQP
func (w *ReconcileWorker) HandleExpenseEvent(ctx context.Context, e *amqp.ExpenseEvent) error {
	key, err := core.ParseMonthKey(e.MonthKey)
	if err != nil {
		// Redelivery cannot fix a bad key.
		slog.WarnContext(ctx, "Ignoring expense event with bad month key", log.FieldComponent, log.ComponentWorker,
			log.FieldExpenseID, e.ID, log.FieldMonthKey, e.MonthKey, log.FieldError, err)
		w.metrics.Event("consume", err)
		return nil
	}
	w.MarkDirty(e.UserID, key)
	w.metrics.Event("consume", nil)

	slog.DebugContext(ctx, "Month marked for reconciliation", log.FieldComponent, log.ComponentWorker,
		"op", e.Op,
		log.FieldUserID, e.UserID,
		log.FieldExpenseID, e.ID,
		log.FieldMonthKey, key)
	return nil
}

func (w *ReconcileWorker) MarkDirty(uid string, key core.MonthKey) {
	w.mu.Lock()
	w.dirty[monthRef{uid: uid, key: key}] = struct{}{}
	w.mu.Unlock()
}

// Pending reports how many months await a sweep.
func (w *ReconcileWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

func (w *ReconcileWorker) takeDirty() []monthRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	refs := make([]monthRef, 0, len(w.dirty))
	for ref := range w.dirty {
		refs = append(refs, ref)
	}
	w.dirty = make(map[monthRef]struct{})
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].uid != refs[j].uid {
			return refs[i].uid < refs[j].uid
		}
		return refs[i].key < refs[j].key
	})
	return refs
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked  int
	Repaired int
	Errors   int
}

// Sweep reconciles every dirty month. A month whose repair fails stays
// dirty for the next sweep.
func (w *ReconcileWorker) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	for _, ref := range w.takeDirty() {
		if ctx.Err() != nil {
			w.MarkDirty(ref.uid, ref.key)
			res.Errors++
			continue
		}
		res.Checked++
		out, err := w.reconciler(ref.uid).RepairMonth(ctx, ref.key)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to reconcile month", log.FieldComponent, log.ComponentWorker,
				log.FieldUserID, ref.uid, log.FieldMonthKey, ref.key, log.FieldError, err)
			w.MarkDirty(ref.uid, ref.key)
			res.Errors++
			continue
		}
		if out.Repaired() {
			res.Repaired++
		}
	}
	if res.Checked > 0 || res.Errors > 0 {
		slog.InfoContext(ctx, "Reconcile sweep completed", log.FieldComponent, log.ComponentWorker,
			"checked", res.Checked,
			"repaired", res.Repaired,
			"errors", res.Errors)
	}
	return res
}

// StartupCheck reconciles every month that has an aggregate for uid. This
// recovers from events missed while the worker was down.
func (w *ReconcileWorker) StartupCheck(ctx context.Context, uid string) (SweepResult, error) {
	svc := services.NewExpenseService(w.store, uid, w.loc)
	list, err := svc.Stats(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("startup check: %w", err)
	}
	if len(list) == 0 {
		slog.InfoContext(ctx, "No month aggregates found on startup", log.FieldComponent, log.ComponentWorker, log.FieldUserID, uid)
		return SweepResult{}, nil
	}
	slog.InfoContext(ctx, "Reconciling month aggregates on startup", log.FieldComponent, log.ComponentWorker,
		log.FieldUserID, uid, log.FieldCount, len(list))
	for _, st := range list {
		w.MarkDirty(uid, st.MonthKey)
	}
	return w.Sweep(ctx), nil
}

// Run sweeps every interval until ctx is done, with a final sweep on the
// way out so marked months are not lost on a clean shutdown.
func (w *ReconcileWorker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if w.Pending() > 0 {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				w.Sweep(fctx)
				cancel()
			}
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}
