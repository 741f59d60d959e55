package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Known expense categories. The set is closed; DefaultCategory is used when
// the caller leaves the category empty.
const (
	Food          Category = "Food"
	Transport     Category = "Transport"
	Shopping      Category = "Shopping"
	Bills         Category = "Bills"
	Entertainment Category = "Entertainment"
	Health        Category = "Health"
	Misc          Category = "Misc"

	DefaultCategory = Food
)

type (
	Category string

	Money struct {
		Cents int64
	}

	// Expense is a single recorded expense. Date is always a normalized
	// time.Time; see NormalizeDate.
	Expense struct {
		ID       string
		Amount   Money
		Category Category
		Note     string
		Date     time.Time
	}

	// Clock abstracts wall-clock time so month boundaries can be tested.
	Clock interface {
		Now() time.Time
	}

	SystemClock struct{}
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidMonthKey = errors.New("invalid month key")
	ErrNoteTooLong     = errors.New("note too long (max 200 characters)")
)

// Categories lists the known categories in display order.
func Categories() []Category {
	return []Category{Food, Transport, Shopping, Bills, Entertainment, Health, Misc}
}

// ParseCategory maps user input to a known category. Empty input yields
// DefaultCategory; matching is case-insensitive.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultCategory, nil
	}
	for _, c := range Categories() {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

func (SystemClock) Now() time.Time { return time.Now() }

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (e Expense) Validate() error {
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if e.Date.IsZero() {
		return ErrInvalidDate
	}
	if len(e.Note) > 200 {
		return ErrNoteTooLong
	}
	return nil
}

// timeLike matches store-native timestamp wrappers.
type timeLike interface {
	Time() time.Time
}

// NormalizeDate converts any supported date representation to time.Time.
// Accepted inputs: time.Time, *time.Time, values exposing Time() time.Time,
// RFC 3339 strings and yyyy-MM-dd strings (interpreted in loc, or UTC when
// loc is nil).
func NormalizeDate(v any, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch d := v.(type) {
	case time.Time:
		if d.IsZero() {
			return time.Time{}, ErrInvalidDate
		}
		return d, nil
	case *time.Time:
		if d == nil || d.IsZero() {
			return time.Time{}, ErrInvalidDate
		}
		return *d, nil
	case timeLike:
		t := d.Time()
		if t.IsZero() {
			return time.Time{}, ErrInvalidDate
		}
		return t, nil
	case string:
		s := strings.TrimSpace(d)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, d)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidDate, v)
	}
}
