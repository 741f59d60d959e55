package http

import (
	"context"
	"fmt"
	"net/http"

	"expensetracker/internal/core"
	"expensetracker/internal/log"
	"expensetracker/internal/reader"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
)

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	in, err := parseExpenseRequest(r, s.deps.Service.Location())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.deps.Service.AddExpense(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Expense created",
		log.FieldExpenseID, id,
		log.FieldAmountCents, in.Amount.Cents,
		log.FieldCategory, string(in.Category))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := sanitizeInput(r.PathValue("id"))
	if id == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing expense id", errBadRequest))
		return
	}
	hint, err := parseDeleteHint(r, s.deps.Service.Location())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Service.DeleteExpense(r.Context(), id, hint); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", services.DefaultRecentLimit, maxRecent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Service.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": toExpensesJSON(list)})
}

// loadedStats waits briefly for the first aggregate snapshot.
func (s *Server) loadedStats(ctx context.Context) (stats.View, error) {
	v := s.deps.Stats.View()
	if v.Loaded {
		return v, v.Err
	}
	wctx, cancel := context.WithTimeout(ctx, statsWaitTimeout)
	defer cancel()
	v, err := s.deps.Stats.WaitLoaded(wctx)
	if err != nil && v.Err == nil {
		// Timed out: answer with whatever the view holds, which may be
		// not-loaded.
		return s.deps.Stats.View(), nil
	}
	return v, err
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	v, err := s.loadedStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded": v.Loaded,
		"stats":  toStatsJSON(v.Stats),
	})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	n, err := parseIntParam(r, "months", 6, maxTrendMonth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end := s.deps.Reader.CurrentMonth()
	if e := r.URL.Query().Get("end"); e != "" {
		if end, err = core.ParseMonthKey(e); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	v, err := s.loadedStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trend": toStatsJSON(stats.Trend(v, end, n))})
}

// handleMonth answers one month through the reader. The current month is
// answered from its first live snapshot and the subscription is then closed.
func (s *Server) handleMonth(w http.ResponseWriter, r *http.Request) {
	key, err := parseMonthParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.loadedStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Reader.Read(r.Context(), key.Start(s.deps.Service.Location()), v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	expenses := res.Expenses
	if res.State == reader.StateLive {
		expenses, err = firstLiveSnapshot(r.Context(), res.Live)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	body := monthJSON{
		Month:    string(key),
		State:    res.State.String(),
		Expenses: toExpensesJSON(expenses),
	}
	if res.State != reader.StateLoading {
		body.Overview = toOverviewJSON(core.Overview(key, expenses))
	}
	if res.Tier != "" {
		w.Header().Set("X-Cache-Tier", res.Tier)
	}
	writeJSON(w, http.StatusOK, body)

	if s.deps.ReconcileOnRead && (res.State == reader.StateFetched || res.State == reader.StateLive) {
		go s.reconcileAfterRead(context.WithoutCancel(r.Context()), key, expenses, v.Stats)
	}
}

func (s *Server) reconcileAfterRead(ctx context.Context, key core.MonthKey, expenses []core.Expense, list []core.MonthlyStat) {
	if _, err := s.deps.Reconciler.Check(ctx, key, expenses, list); err != nil {
		s.logger.WarnContext(ctx, "Reconcile on read failed", log.FieldMonthKey, key, log.FieldError, err)
	}
}

func firstLiveSnapshot(ctx context.Context, live *reader.LiveMonth) ([]core.Expense, error) {
	defer live.Close()
	ctx, cancel := context.WithTimeout(ctx, liveWaitTimeout)
	defer cancel()
	select {
	case u := <-live.Updates():
		return u.Expenses, u.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for live month: %w", ctx.Err())
	}
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	key, err := parseMonthParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	budget, ok, err := s.deps.Service.MonthlyBudgetCap(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.loadedStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetJSON(stats.BudgetStatus(v, key, budget), ok))
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := parseBudgetRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Service.SetMonthlyBudgetCap(r.Context(), budget); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cap_cents": budget.Cents})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	key, err := parseMonthParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Reconciler.RepairMonth(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileJSON(res))
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cache.ClearAll(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "Month cache cleared")
	w.WriteHeader(http.StatusNoContent)
}
