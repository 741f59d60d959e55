package core

import (
	"fmt"
	"time"
)

const monthKeyLayout = "2006-01"

// MonthKey identifies a calendar month as "yyyy-MM". It is both the aggregate
// document id and the cache key.
type MonthKey string

// MonthKeyOf returns the key of the calendar month containing t in loc.
func MonthKeyOf(t time.Time, loc *time.Location) MonthKey {
	if loc != nil {
		t = t.In(loc)
	}
	return MonthKey(t.Format(monthKeyLayout))
}

// ParseMonthKey validates s and returns it as a MonthKey.
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse(monthKeyLayout, s)
	if err != nil || t.Format(monthKeyLayout) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidMonthKey, s)
	}
	return MonthKey(s), nil
}

func (k MonthKey) String() string { return string(k) }

// Start returns the first instant of the month in loc.
func (k MonthKey) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(monthKeyLayout, string(k), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Range returns the inclusive query bounds for the month: the first instant
// and the last nanosecond before the next month.
func (k MonthKey) Range(loc *time.Location) (time.Time, time.Time) {
	start := k.Start(loc)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return start, end
}

// Prev returns the key of the preceding month.
func (k MonthKey) Prev(loc *time.Location) MonthKey {
	return MonthKeyOf(k.Start(loc).AddDate(0, -1, 0), loc)
}
