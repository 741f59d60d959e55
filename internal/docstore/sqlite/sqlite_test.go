package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"expensetracker/internal/docstore"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docs.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetMergeIncrement(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	path := docstore.Doc(docstore.StatsPath("u1"), "2024-03")

	require.NoError(t, s.Set(ctx, path, docstore.Fields{"total": docstore.Increment(500), "count": docstore.Increment(1)}, docstore.Merge()))
	require.NoError(t, s.Set(ctx, path, docstore.Fields{"total": docstore.Increment(-200), "count": docstore.Increment(-1)}, docstore.Merge()))

	doc, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(300), doc.Fields["total"])
	require.Equal(t, int64(0), doc.Fields["count"])

	require.NoError(t, s.Delete(ctx, path))
	_, err = s.Get(ctx, path)
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	expense := docstore.Doc(docstore.ExpensesPath("u1"), "e1")
	stat := docstore.Doc(docstore.StatsPath("u1"), "2024-03")

	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		require.NoError(t, tx.Set(ctx, expense, docstore.Fields{"amount": int64(500)}))
		require.NoError(t, tx.Set(ctx, stat, docstore.Fields{"total": docstore.Increment(500)}, docstore.Merge()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, expense)
	require.ErrorIs(t, err, docstore.ErrNotFound)
	_, err = s.Get(ctx, stat)
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestTransactionReadsThenWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	expense := docstore.Doc(docstore.ExpensesPath("u1"), "e1")
	require.NoError(t, s.Set(ctx, expense, docstore.Fields{"amount": int64(200)}))

	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, expense)
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, expense); err != nil {
			return err
		}
		_, err = tx.Get(ctx, expense)
		require.Error(t, err)
		return tx.Set(ctx, docstore.Doc(docstore.StatsPath("u1"), "2024-03"),
			docstore.Fields{"total": docstore.Increment(-doc.Fields["amount"].(int64))}, docstore.Merge())
	})
	require.NoError(t, err)

	doc, err := s.Get(ctx, docstore.Doc(docstore.StatsPath("u1"), "2024-03"))
	require.NoError(t, err)
	require.Equal(t, int64(-200), doc.Fields["total"])
}

func TestQueryDateRangeDescending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	col := docstore.ExpensesPath("u1")
	for id, day := range map[string]int{"a": 1, "b": 31, "c": 15} {
		require.NoError(t, s.Set(ctx, docstore.Doc(col, id), docstore.Fields{
			"amount": int64(100),
			"date":   time.Date(2024, 3, day, 10, 0, 0, 0, time.UTC),
		}))
	}
	require.NoError(t, s.Set(ctx, docstore.Doc(col, "april"), docstore.Fields{
		"date": time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
	}))

	q := docstore.Query{Collection: col, OrderBy: "date", Descending: true}.
		Where("date", docstore.OpGreaterOrEqual, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)).
		Where("date", docstore.OpLessOrEqual, time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC))
	docs, err := s.Query(ctx, q)
	require.NoError(t, err)

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	require.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestSubscribeSeesCommits(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	col := docstore.StatsPath("u1")

	snaps := make(chan docstore.Snapshot, 4)
	unsub, err := s.Subscribe(ctx, docstore.Query{Collection: col}, func(snap docstore.Snapshot) { snaps <- snap })
	require.NoError(t, err)
	defer unsub()

	first := <-snaps
	require.NoError(t, first.Err)
	require.Empty(t, first.Docs)

	require.NoError(t, s.Set(ctx, docstore.Doc(col, "2024-03"), docstore.Fields{"total": int64(1), "count": int64(1)}))
	select {
	case snap := <-snaps:
		require.NoError(t, snap.Err)
		require.Len(t, snap.Docs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestServerTimestamp(t *testing.T) {
	fixed := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	path := docstore.Doc(docstore.ExpensesPath("u1"), "e1")
	require.NoError(t, s.Set(ctx, path, docstore.Fields{"date": docstore.ServerTimestamp}))
	doc, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, fixed.Equal(doc.Fields["date"].(time.Time)))
	require.True(t, fixed.Equal(doc.UpdateTime))
}

func TestTransactionsAcrossHandlesSharingFile(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(file)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := Open(file)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	path := docstore.Doc(docstore.StatsPath("u1"), "2024-03")
	const perHandle = 10
	errs := make(chan error, 2*perHandle)
	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		for i := 0; i < perHandle; i++ {
			wg.Add(1)
			go func(s *Store) {
				defer wg.Done()
				errs <- s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
					// Read first so a deferred transaction would have to upgrade.
					if _, err := tx.Get(ctx, path); err != nil && !errors.Is(err, docstore.ErrNotFound) {
						return err
					}
					return tx.Set(ctx, path, docstore.Fields{"count": docstore.Increment(1)}, docstore.Merge())
				})
			}(s)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := a.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(2*perHandle), doc.Fields["count"])
}
