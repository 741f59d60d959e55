package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event operations.
const (
	OpAdd    = "add"
	OpDelete = "delete"
)

// ExpenseEvent announces a committed expense write. It carries enough for a
// consumer to know which month aggregate may need attention; the expense
// itself stays in the document store.
type ExpenseEvent struct {
	Op          string    `json:"op"`
	UserID      string    `json:"user_id"`
	ID          string    `json:"id"`
	MonthKey    string    `json:"month_key"`
	AmountCents int64     `json:"amount_cents"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewExpenseEvent stamps an event with the current time.
func NewExpenseEvent(op, userID, id, monthKey string, amountCents int64) *ExpenseEvent {
	return &ExpenseEvent{
		Op:          op,
		UserID:      userID,
		ID:          id,
		MonthKey:    monthKey,
		AmountCents: amountCents,
		Timestamp:   time.Now(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *ExpenseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Validate rejects events a consumer cannot act on.
func (e *ExpenseEvent) Validate() error {
	switch {
	case e.Op != OpAdd && e.Op != OpDelete:
		return fmt.Errorf("unknown op %q", e.Op)
	case e.UserID == "":
		return errors.New("missing user_id")
	case e.MonthKey == "":
		return errors.New("missing month_key")
	}
	return nil
}

// ExpenseEventFromJSON decodes and validates an event.
func ExpenseEventFromJSON(data []byte) (*ExpenseEvent, error) {
	var e ExpenseEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
