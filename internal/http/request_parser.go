package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"expensetracker/internal/core"
	"expensetracker/internal/services"
)

const (
	maxBodyBytes  = 64 << 10
	maxRecent     = 200
	maxTrendMonth = 36
)

var errBadRequest = errors.New("bad request")

// expenseRequest is the create body. Amount accepts a decimal string
// ("12.50", "12,50") or a JSON number.
type expenseRequest struct {
	Amount   any    `json:"amount"`
	Category string `json:"category"`
	Note     string `json:"note"`
	Date     string `json:"date"`
}

type budgetRequest struct {
	Amount any `json:"amount"`
}

// decodeBody reads a JSON body, or a form body when the content type says so.
func decodeBody(r *http.Request, dst *expenseRequest) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		dst.Amount = r.FormValue("amount")
		dst.Category = r.FormValue("category")
		dst.Note = r.FormValue("note")
		dst.Date = r.FormValue("date")
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", errBadRequest, err)
	}
	return nil
}

func parseAmountValue(v any) (core.Money, error) {
	switch a := v.(type) {
	case string:
		return core.ParseAmount(sanitizeInput(a))
	case float64:
		return core.MoneyFromFloat(a)
	case nil:
		return core.Money{}, fmt.Errorf("%w: amount is required", core.ErrInvalidAmount)
	default:
		return core.Money{}, fmt.Errorf("%w: unsupported amount %T", core.ErrInvalidAmount, v)
	}
}

// parseExpenseRequest turns the raw body into a NewExpense. An empty date
// leaves Date nil so the store assigns the commit time.
func parseExpenseRequest(r *http.Request, loc *time.Location) (services.NewExpense, error) {
	var req expenseRequest
	if err := decodeBody(r, &req); err != nil {
		return services.NewExpense{}, err
	}
	amount, err := parseAmountValue(req.Amount)
	if err != nil {
		return services.NewExpense{}, err
	}
	category, err := core.ParseCategory(sanitizeInput(req.Category))
	if err != nil {
		return services.NewExpense{}, err
	}
	in := services.NewExpense{
		Amount:   amount,
		Category: category,
		Note:     sanitizeInput(req.Note),
	}
	if ds := sanitizeInput(req.Date); ds != "" {
		d, err := core.NormalizeDate(ds, loc)
		if err != nil {
			return services.NewExpense{}, err
		}
		in.Date = &d
	}
	return in, nil
}

// parseDeleteHint reads the optional ?amount=&date= pair. A partial hint is
// ignored and the service reads the expense instead.
func parseDeleteHint(r *http.Request, loc *time.Location) (*services.DeleteHint, error) {
	q := r.URL.Query()
	as, ds := strings.TrimSpace(q.Get("amount")), strings.TrimSpace(q.Get("date"))
	if as == "" || ds == "" {
		return nil, nil
	}
	amount, err := core.ParseAmount(as)
	if err != nil {
		return nil, err
	}
	d, err := core.NormalizeDate(ds, loc)
	if err != nil {
		return nil, err
	}
	return &services.DeleteHint{Amount: amount, Date: d}, nil
}

// parseIntParam reads a positive integer query parameter, clamped to max.
func parseIntParam(r *http.Request, name string, def, max int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", errBadRequest, name)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func parseMonthParam(r *http.Request) (core.MonthKey, error) {
	return core.ParseMonthKey(r.PathValue("month"))
}

func parseBudgetRequest(r *http.Request) (core.Money, error) {
	var req budgetRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return core.Money{}, fmt.Errorf("%w: malformed JSON body: %v", errBadRequest, err)
	}
	return parseAmountValue(req.Amount)
}
