package worker

import (
	"context"
	"testing"
	"time"

	"expensetracker/internal/amqp"
	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/docstore/memory"
	"expensetracker/internal/services"
)

func seed(t *testing.T, store docstore.Store, uid string) *services.ExpenseService {
	t.Helper()
	svc := services.NewExpenseService(store, uid, time.UTC)
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if _, err := svc.AddExpense(context.Background(), services.NewExpense{Amount: core.Money{Cents: 500}, Date: &date}); err != nil {
		t.Fatalf("AddExpense() error = %v", err)
	}
	return svc
}

func statOf(t *testing.T, svc *services.ExpenseService, key core.MonthKey) core.MonthlyStat {
	t.Helper()
	list, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	st, ok := core.FindStat(list, key)
	if !ok {
		t.Fatalf("no stat for %s", key)
	}
	return st
}

func TestHandleExpenseEventMarksMonthDirty(t *testing.T) {
	store := memory.New()
	defer store.Close()
	w := NewReconcileWorker(store, time.UTC, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := amqp.NewExpenseEvent(amqp.OpAdd, "u1", "e1", "2024-03", 100)
		if err := w.HandleExpenseEvent(ctx, e); err != nil {
			t.Fatalf("HandleExpenseEvent() error = %v", err)
		}
	}
	if got := w.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}

	bad := amqp.NewExpenseEvent(amqp.OpAdd, "u1", "e2", "March", 100)
	if err := w.HandleExpenseEvent(ctx, bad); err != nil {
		t.Errorf("bad month key should be dropped, got error %v", err)
	}
	if got := w.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}

func TestSweepRepairsDriftedAggregate(t *testing.T) {
	store := memory.New()
	defer store.Close()
	svc := seed(t, store, "u1")
	ctx := context.Background()

	if err := svc.UpdateMonthlyStat(ctx, "2024-03", core.Fingerprint{Total: core.Money{Cents: 1}, Count: 9}); err != nil {
		t.Fatalf("UpdateMonthlyStat() error = %v", err)
	}

	w := NewReconcileWorker(store, time.UTC, nil)
	w.MarkDirty("u1", "2024-03")
	res := w.Sweep(ctx)
	if res.Checked != 1 || res.Repaired != 1 || res.Errors != 0 {
		t.Errorf("Sweep() = %+v, want 1 checked 1 repaired", res)
	}
	st := statOf(t, svc, "2024-03")
	if st.Total.Cents != 500 || st.Count != 1 {
		t.Errorf("stat = %d/%d, want 500/1", st.Total.Cents, st.Count)
	}
	if w.Pending() != 0 {
		t.Errorf("Pending() = %d after sweep, want 0", w.Pending())
	}

	w.MarkDirty("u1", "2024-03")
	if res := w.Sweep(ctx); res.Repaired != 0 {
		t.Errorf("in-sync month repaired again: %+v", res)
	}
}

func TestSweepKeepsFailedMonthsDirty(t *testing.T) {
	store := memory.New()
	w := NewReconcileWorker(store, time.UTC, nil)
	w.MarkDirty("u1", "2024-03")
	store.Close()

	res := w.Sweep(context.Background())
	if res.Errors != 1 {
		t.Errorf("Sweep() errors = %d, want 1", res.Errors)
	}
	if w.Pending() != 1 {
		t.Errorf("Pending() = %d, want failed month kept", w.Pending())
	}
}

func TestStartupCheckCoversEveryMonth(t *testing.T) {
	store := memory.New()
	defer store.Close()
	svc := seed(t, store, "u1")
	ctx := context.Background()
	if err := svc.UpdateMonthlyStat(ctx, "2024-01", core.Fingerprint{Total: core.Money{Cents: 300}, Count: 1}); err != nil {
		t.Fatalf("UpdateMonthlyStat() error = %v", err)
	}

	w := NewReconcileWorker(store, time.UTC, nil)
	res, err := w.StartupCheck(ctx, "u1")
	if err != nil {
		t.Fatalf("StartupCheck() error = %v", err)
	}
	if res.Checked != 2 || res.Repaired != 1 {
		t.Errorf("StartupCheck() = %+v, want 2 checked 1 repaired", res)
	}
	if st := statOf(t, svc, "2024-01"); st.Count != 0 || st.Total.Cents != 0 {
		t.Errorf("phantom month = %d/%d, want 0/0", st.Total.Cents, st.Count)
	}
}

func TestRunSweepsOnShutdown(t *testing.T) {
	store := memory.New()
	defer store.Close()
	svc := seed(t, store, "u1")
	if err := svc.UpdateMonthlyStat(context.Background(), "2024-03", core.Fingerprint{}); err != nil {
		t.Fatalf("UpdateMonthlyStat() error = %v", err)
	}

	w := NewReconcileWorker(store, time.UTC, nil)
	w.MarkDirty("u1", "2024-03")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if st := statOf(t, svc, "2024-03"); st.Total.Cents != 500 {
		t.Errorf("stat total = %d, want 500 after shutdown sweep", st.Total.Cents)
	}
}
