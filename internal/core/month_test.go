package core

import (
	"errors"
	"testing"
	"time"
)

func TestMonthKeyOf(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 2024-03-31 20:00 UTC is already April in Tokyo.
	instant := time.Date(2024, 3, 31, 20, 0, 0, 0, time.UTC)
	if got := MonthKeyOf(instant, time.UTC); got != "2024-03" {
		t.Fatalf("utc: got %s", got)
	}
	if got := MonthKeyOf(instant, tokyo); got != "2024-04" {
		t.Fatalf("tokyo: got %s", got)
	}
}

func TestParseMonthKey(t *testing.T) {
	for _, ok := range []string{"2024-03", "1999-12"} {
		if _, err := ParseMonthKey(ok); err != nil {
			t.Fatalf("%s: %v", ok, err)
		}
	}
	for _, bad := range []string{"2024-3", "2024-13", "March", "", "2024-03-01"} {
		if _, err := ParseMonthKey(bad); !errors.Is(err, ErrInvalidMonthKey) {
			t.Fatalf("%q: expected ErrInvalidMonthKey, got %v", bad, err)
		}
	}
}

func TestMonthKeyRange(t *testing.T) {
	start, end := MonthKey("2024-02").Range(time.UTC)
	if !start.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start: %v", start)
	}
	if !end.Equal(time.Date(2024, 2, 29, 23, 59, 59, 999999999, time.UTC)) {
		t.Fatalf("end: %v", end)
	}
	if prev := MonthKey("2024-01").Prev(time.UTC); prev != "2023-12" {
		t.Fatalf("prev: %s", prev)
	}
}

func TestSummarizeAndBreakdown(t *testing.T) {
	exps := []Expense{
		{Amount: Money{Cents: 500}, Category: Food},
		{Amount: Money{Cents: 200}, Category: Bills},
		{Amount: Money{Cents: 400}, Category: Food},
	}
	fp := Summarize(exps)
	if !fp.Matches(Fingerprint{Total: Money{Cents: 1100}, Count: 3}) {
		t.Fatalf("summarize: %v", fp)
	}
	br := CategoryBreakdown(exps)
	if len(br) != 2 || br[0].Name != Food || br[0].Amount.Cents != 900 {
		t.Fatalf("breakdown: %+v", br)
	}
}

func TestSortStats(t *testing.T) {
	stats := []MonthlyStat{{MonthKey: "2023-11"}, {MonthKey: "2024-02"}, {MonthKey: "2023-12"}}
	SortStats(stats)
	if stats[0].MonthKey != "2024-02" || stats[2].MonthKey != "2023-11" {
		t.Fatalf("unexpected order: %+v", stats)
	}
	if _, ok := FindStat(stats, "2023-12"); !ok {
		t.Fatalf("expected to find 2023-12")
	}
}
