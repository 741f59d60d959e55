package docstore

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestApplySetMergeIncrement(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	got := ApplySet(nil, Fields{"total": Increment(500), "count": Increment(1)}, true, now)
	require.Equal(t, Fields{"total": int64(500), "count": int64(1)}, got)

	got = ApplySet(got, Fields{"total": Increment(-200), "count": Increment(-1)}, true, now)
	require.Equal(t, Fields{"total": int64(300), "count": int64(0)}, got)

	// Overwrite keeps other fields on merge.
	got = ApplySet(Fields{"total": int64(1), "extra": "x"}, Fields{"total": int64(9)}, true, now)
	require.Equal(t, Fields{"total": int64(9), "extra": "x"}, got)

	// Replace drops them.
	got = ApplySet(Fields{"total": int64(1), "extra": "x"}, Fields{"total": Increment(4)}, false, now)
	require.Equal(t, Fields{"total": int64(4)}, got)
}

func TestApplySetServerTimestamp(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.FixedZone("X", 3600))
	got := ApplySet(nil, Fields{"date": ServerTimestamp, "n": 3}, false, now)
	require.Equal(t, now.UTC(), got["date"])
	require.Equal(t, int64(3), got["n"])
}

func TestEvaluateRangeOrderLimit(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 3, d, 12, 0, 0, 0, time.UTC) }
	docs := []*Document{
		{ID: "a", Fields: Fields{"date": day(1)}},
		{ID: "b", Fields: Fields{"date": day(20)}},
		{ID: "c", Fields: Fields{"date": day(10)}},
		{ID: "d", Fields: Fields{"date": time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}},
		{ID: "e", Fields: Fields{"other": "no date"}},
		{ID: "f", Fields: Fields{"date": "2024-03-05"}},
	}
	q := Query{Collection: "c", OrderBy: "date", Descending: true}.
		Where("date", OpGreaterOrEqual, day(1)).
		Where("date", OpLessOrEqual, time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC))

	ids := func(ds []*Document) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}
	if diff := cmp.Diff([]string{"b", "c", "a"}, ids(Evaluate(q, docs))); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}

	q.Limit = 2
	require.Equal(t, []string{"b", "c"}, ids(Evaluate(q, docs)))
}

func TestCompareMixedNumbers(t *testing.T) {
	require.Zero(t, Compare(int64(2), float64(2)))
	require.Negative(t, Compare(int64(1), float64(1.5)))
	require.Negative(t, Compare(nil, "x"))
}

func TestFieldsCodecRoundTrip(t *testing.T) {
	in := Fields{
		"amount":   int64(50000),
		"ratio":    1.5,
		"category": "Food",
		"ok":       true,
		"date":     time.Date(2024, 3, 15, 10, 11, 12, 13, time.UTC),
		"gone":     nil,
	}
	data, err := MarshalFields(in)
	require.NoError(t, err)
	out, err := UnmarshalFields(data)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(in, out))

	_, err = MarshalFields(Fields{"bad": Increment(1)})
	require.Error(t, err)
}

func TestSplitDoc(t *testing.T) {
	col, id, err := SplitDoc(Doc(StatsPath("u1"), "2024-03"))
	require.NoError(t, err)
	require.Equal(t, "users/u1/stats", col)
	require.Equal(t, "2024-03", id)

	_, _, err = SplitDoc("users/u1/stats")
	require.ErrorIs(t, err, ErrBadPath)
	require.NoError(t, ValidCollection(ExpensesPath("u1")))
	require.ErrorIs(t, ValidCollection(UserPath("u1")), ErrBadPath)
}
