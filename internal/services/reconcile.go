package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
)

// Reconciliation outcomes.
const (
	ReconcileInSync   = "in_sync"
	ReconcileRepaired = "repaired"
	ReconcileSkipped  = "skipped"
	ReconcileFailed   = "failed"
)

// ReconcileResult describes one check.
type ReconcileResult struct {
	MonthKey core.MonthKey
	Actual   core.Fingerprint
	Recorded core.Fingerprint
	HadStat  bool
	Outcome  string
}

// Repaired reports whether the aggregate was overwritten.
func (r ReconcileResult) Repaired() bool { return r.Outcome == ReconcileRepaired }

// Reconciler compares a month's real expenses with its aggregate and
// overwrites the aggregate when they disagree.
//
// A repair reads the aggregate, then the expenses, then the aggregate again,
// and writes only if the aggregate did not move in between. An increment that
// commits after that second read and before the overwrite is still clobbered.
// This is a known gap; the next check repairs it.
type Reconciler struct {
	writer  *ExpenseService
	metrics *metrics.Metrics
}

func NewReconciler(writer *ExpenseService, m *metrics.Metrics) *Reconciler {
	return &Reconciler{writer: writer, metrics: m}
}

// compare fills Actual, Recorded and HadStat. Outcome is left empty when the
// month needs a repair.
func compare(key core.MonthKey, expenses []core.Expense, stats []core.MonthlyStat) ReconcileResult {
	res := ReconcileResult{MonthKey: key, Actual: core.Summarize(expenses)}
	if st, ok := core.FindStat(stats, key); ok {
		res.HadStat = true
		res.Recorded = st.Fingerprint()
	}
	switch {
	case res.HadStat && res.Recorded.Matches(res.Actual):
		res.Outcome = ReconcileInSync
	case !res.HadStat && res.Actual.Count == 0:
		res.Outcome = ReconcileSkipped
	}
	return res
}

// Check reconciles key given an expense list and aggregates the caller already
// holds. A month with no aggregate and no expenses is left alone rather than
// getting a {0,0} aggregate. The two inputs may come from different moments,
// so a mismatch is never written directly: it is verified with RepairMonth.
func (r *Reconciler) Check(ctx context.Context, key core.MonthKey, expenses []core.Expense, stats []core.MonthlyStat) (ReconcileResult, error) {
	res := compare(key, expenses, stats)
	if res.Outcome != "" {
		r.metrics.Reconciliation(res.Outcome)
		return res, nil
	}
	slog.DebugContext(ctx, "Aggregate looks out of sync, verifying", log.FieldComponent, log.ComponentReconcile,
		log.FieldMonthKey, key,
		"recorded", res.Recorded.String(),
		"actual", res.Actual.String())
	return r.RepairMonth(ctx, key)
}

// RepairMonth reads the month's aggregate and expenses fresh from the store
// and overwrites the aggregate if they disagree. If the aggregate changes
// while the expenses are read, the repair is skipped.
func (r *Reconciler) RepairMonth(ctx context.Context, key core.MonthKey) (ReconcileResult, error) {
	before, err := r.readStat(ctx, key)
	if err != nil {
		return r.failed(key, err)
	}
	w := r.writer
	expenses, err := FetchMonth(ctx, w.store, w.uid, key, w.loc)
	if err != nil {
		return r.failed(key, err)
	}
	res := compare(key, expenses, before)
	if res.Outcome != "" {
		r.metrics.Reconciliation(res.Outcome)
		return res, nil
	}

	after, err := r.readStat(ctx, key)
	if err != nil {
		return r.failed(key, err)
	}
	if !sameStat(key, before, after) {
		slog.InfoContext(ctx, "Aggregate changed during check, skipping repair", log.FieldComponent, log.ComponentReconcile,
			log.FieldMonthKey, key,
			"recorded", res.Recorded.String(),
			"actual", res.Actual.String())
		res.Outcome = ReconcileSkipped
		r.metrics.Reconciliation(res.Outcome)
		return res, nil
	}

	slog.InfoContext(ctx, "Aggregate out of sync, repairing", log.FieldComponent, log.ComponentReconcile,
		log.FieldMonthKey, key,
		"recorded", res.Recorded.String(),
		"actual", res.Actual.String(),
		"had_stat", res.HadStat)
	if err := w.UpdateMonthlyStat(ctx, key, res.Actual); err != nil {
		res.Outcome = ReconcileFailed
		r.metrics.Reconciliation(res.Outcome)
		return res, err
	}
	res.Outcome = ReconcileRepaired
	r.metrics.Reconciliation(res.Outcome)
	return res, nil
}

func (r *Reconciler) failed(key core.MonthKey, err error) (ReconcileResult, error) {
	r.metrics.Reconciliation(ReconcileFailed)
	return ReconcileResult{MonthKey: key, Outcome: ReconcileFailed}, fmt.Errorf("repair %s: %w", key, err)
}

// readStat returns the month's aggregate as a zero or one element list.
func (r *Reconciler) readStat(ctx context.Context, key core.MonthKey) ([]core.MonthlyStat, error) {
	doc, err := r.writer.store.Get(ctx, r.writer.statPath(key))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st, err := core.StatFromFields(doc.ID, doc.Fields)
	if err != nil {
		return nil, err
	}
	return []core.MonthlyStat{st}, nil
}

func sameStat(key core.MonthKey, a, b []core.MonthlyStat) bool {
	sa, okA := core.FindStat(a, key)
	sb, okB := core.FindStat(b, key)
	if okA != okB {
		return false
	}
	return !okA || sa.Fingerprint().Matches(sb.Fingerprint())
}
