package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"expensetracker/internal/core"
	"expensetracker/internal/log"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
)

type expenseJSON struct {
	ID            string `json:"id"`
	AmountCents   int64  `json:"amount_cents"`
	AmountDisplay string `json:"amount_display"`
	Category      string `json:"category"`
	Note          string `json:"note"`
	Date          string `json:"date"`
}

type statJSON struct {
	Month      string `json:"month"`
	TotalCents int64  `json:"total_cents"`
	Count      int64  `json:"count"`
}

type categoryJSON struct {
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
}

type overviewJSON struct {
	TotalCents   int64          `json:"total_cents"`
	TotalDisplay string         `json:"total_display"`
	Count        int64          `json:"count"`
	ByCategory   []categoryJSON `json:"by_category"`
}

type monthJSON struct {
	Month    string        `json:"month"`
	State    string        `json:"state"`
	Expenses []expenseJSON `json:"expenses"`
	Overview *overviewJSON `json:"overview,omitempty"`
}

type budgetJSON struct {
	Month          string `json:"month"`
	CapSet         bool   `json:"cap_set"`
	CapCents       int64  `json:"cap_cents"`
	SpentCents     int64  `json:"spent_cents"`
	RemainingCents int64  `json:"remaining_cents"`
	Over           bool   `json:"over"`
	Percent        int64  `json:"percent"`
}

type fingerprintJSON struct {
	TotalCents int64 `json:"total_cents"`
	Count      int64 `json:"count"`
}

type reconcileJSON struct {
	Month    string          `json:"month"`
	Outcome  string          `json:"outcome"`
	HadStat  bool            `json:"had_stat"`
	Recorded fingerprintJSON `json:"recorded"`
	Actual   fingerprintJSON `json:"actual"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func toExpenseJSON(e core.Expense) expenseJSON {
	return expenseJSON{
		ID:            e.ID,
		AmountCents:   e.Amount.Cents,
		AmountDisplay: formatEuros(e.Amount.Cents),
		Category:      string(e.Category),
		Note:          e.Note,
		Date:          e.Date.Format(time.RFC3339),
	}
}

func toExpensesJSON(list []core.Expense) []expenseJSON {
	out := make([]expenseJSON, 0, len(list))
	for _, e := range list {
		out = append(out, toExpenseJSON(e))
	}
	return out
}

func toStatsJSON(list []core.MonthlyStat) []statJSON {
	out := make([]statJSON, 0, len(list))
	for _, st := range list {
		out = append(out, statJSON{Month: string(st.MonthKey), TotalCents: st.Total.Cents, Count: st.Count})
	}
	return out
}

func toOverviewJSON(o core.MonthOverview) *overviewJSON {
	cats := make([]categoryJSON, 0, len(o.ByCategory))
	for _, c := range o.ByCategory {
		cats = append(cats, categoryJSON{Category: string(c.Name), AmountCents: c.Amount.Cents})
	}
	return &overviewJSON{
		TotalCents:   o.Total.Cents,
		TotalDisplay: formatEuros(o.Total.Cents),
		Count:        o.Count,
		ByCategory:   cats,
	}
}

func toBudgetJSON(b stats.Budget, capSet bool) budgetJSON {
	return budgetJSON{
		Month:          string(b.MonthKey),
		CapSet:         capSet,
		CapCents:       b.Cap.Cents,
		SpentCents:     b.Spent.Cents,
		RemainingCents: b.Remaining.Cents,
		Over:           b.Over,
		Percent:        b.Percent,
	}
}

func toReconcileJSON(r services.ReconcileResult) reconcileJSON {
	return reconcileJSON{
		Month:    string(r.MonthKey),
		Outcome:  r.Outcome,
		HadStat:  r.HadStat,
		Recorded: fingerprintJSON{TotalCents: r.Recorded.Total.Cents, Count: r.Recorded.Count},
		Actual:   fingerprintJSON{TotalCents: r.Actual.Total.Cents, Count: r.Actual.Count},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps domain errors to HTTP statuses: validation is 400, a
// missing expense 404, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidCategory),
		errors.Is(err, core.ErrInvalidDate),
		errors.Is(err, core.ErrInvalidMonthKey),
		errors.Is(err, core.ErrNoteTooLong),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrExpenseNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path, log.FieldError, err)
		msg = "internal error"
	}
	writeJSON(w, status, errorJSON{Error: msg})
}
