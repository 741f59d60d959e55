package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"expensetracker/internal/reader"
)

type watchEventJSON struct {
	Generation uint64        `json:"generation"`
	Month      string        `json:"month"`
	State      string        `json:"state"`
	Expenses   []expenseJSON `json:"expenses"`
	Error      string        `json:"error,omitempty"`
}

// handleWatch streams a month as server-sent events. A reader.View keeps the
// month answered while aggregates change: the current month follows its live
// subscription, past months re-evaluate when their aggregate moves.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	key, err := parseMonthParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Streams outlive the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	updates := make(chan reader.Update, 8)
	var opts []reader.ViewOption
	if s.deps.ReconcileOnRead {
		opts = append(opts, reader.WithReconciler(s.deps.Reconciler))
	}
	view := reader.NewView(ctx, s.deps.Reader, s.deps.Stats, func(u reader.Update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	}, opts...)
	defer view.Close()
	view.Select(key.Start(s.deps.Service.Location()))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			ev := watchEventJSON{
				Generation: u.Generation,
				Month:      string(u.MonthKey),
				State:      u.State.String(),
				Expenses:   toExpensesJSON(u.Expenses),
			}
			if u.Err != nil {
				ev.Error = u.Err.Error()
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: month\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
