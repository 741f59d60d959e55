package reader

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"expensetracker/internal/cache"
	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/docstore/memory"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
	"expensetracker/internal/storage"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	cache  *cache.Manager
	reader *Reader
	svc    *services.ExpenseService
}

func newFixture(t *testing.T, opts ...cache.Option) *fixture {
	t.Helper()
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { store.Close() })
	cm := cache.NewManager(opts...)
	t.Cleanup(cm.Close)
	return &fixture{
		store:  store,
		cache:  cm,
		reader: New(store, cm, "u1", time.UTC, WithClock(fixedClock{now})),
		svc:    services.NewExpenseService(store, "u1", time.UTC, services.WithClock(fixedClock{now})),
	}
}

func (f *fixture) add(t *testing.T, cents int64, y int, m time.Month, d int) {
	t.Helper()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	_, err := f.svc.AddExpense(context.Background(), services.NewExpense{Amount: core.Money{Cents: cents}, Date: &date})
	require.NoError(t, err)
}

func (f *fixture) statsView(t *testing.T) stats.View {
	t.Helper()
	list, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	return stats.View{Stats: list, Loaded: true}
}

func march(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }

func TestReadStatsNotLoaded(t *testing.T) {
	f := newFixture(t)
	res, err := f.reader.Read(context.Background(), march(5), stats.View{})
	require.NoError(t, err)
	require.Equal(t, StateLoading, res.State)
	require.Zero(t, f.store.Queries())
}

func TestReadMonthWithoutAggregateMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	f.add(t, 100, 2024, 2, 1)
	sv := f.statsView(t)
	gets, queries := f.store.Gets(), f.store.Queries()

	res, err := f.reader.Read(context.Background(), march(5), sv)
	require.NoError(t, err)
	require.Equal(t, StateEmpty, res.State)
	require.Empty(t, res.Expenses)
	require.Equal(t, gets, f.store.Gets())
	require.Equal(t, queries, f.store.Queries())
}

func TestReadFetchesOnceThenServesCache(t *testing.T) {
	f := newFixture(t)
	f.add(t, 500, 2024, 3, 15)
	sv := f.statsView(t)
	ctx := context.Background()
	base := f.store.Queries()

	res, err := f.reader.Read(ctx, march(1), sv)
	require.NoError(t, err)
	require.Equal(t, StateFetched, res.State)
	require.Len(t, res.Expenses, 1)
	require.Equal(t, base+1, f.store.Queries())

	for i := 0; i < 3; i++ {
		res, err = f.reader.Read(ctx, march(20), sv)
		require.NoError(t, err)
		require.Equal(t, StateCached, res.State)
		require.Equal(t, "memory", res.Tier)
		require.Len(t, res.Expenses, 1)
	}
	require.Equal(t, base+1, f.store.Queries())
}

func TestReadStaleEntryRefetches(t *testing.T) {
	f := newFixture(t)
	f.add(t, 500, 2024, 3, 15)
	f.cache.Store(context.Background(), "2024-03",
		[]core.Expense{{ID: "old", Amount: core.Money{Cents: 500}, Date: march(15)}},
		core.Fingerprint{Total: core.Money{Cents: 500}, Count: 1})
	f.add(t, 200, 2024, 3, 20)
	sv := f.statsView(t)
	base := f.store.Queries()

	res, err := f.reader.Read(context.Background(), march(1), sv)
	require.NoError(t, err)
	require.Equal(t, StateFetched, res.State)
	require.Len(t, res.Expenses, 2)
	require.Equal(t, int64(200), res.Expenses[0].Amount.Cents, "newest first")
	require.Equal(t, base+1, f.store.Queries())

	e, ok := f.cache.LookupMemory("2024-03")
	require.True(t, ok)
	require.Equal(t, core.Fingerprint{Total: core.Money{Cents: 700}, Count: 2}, e.Validation)
}

func TestReadPersistentHitIsNotPromoted(t *testing.T) {
	repo, err := storage.OpenMonthCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := newFixture(t)
	f.add(t, 500, 2024, 3, 15)
	sv := f.statsView(t)
	fp := core.Fingerprint{Total: core.Money{Cents: 500}, Count: 1}
	require.NoError(t, repo.Put(context.Background(), cache.Entry{
		MonthKey:   "2024-03",
		Expenses:   []core.Expense{{ID: "x", Amount: core.Money{Cents: 500}, Category: core.Food, Date: march(15)}},
		Validation: fp,
		StoredAt:   now,
	}))

	f.cache = cache.NewManager(cache.WithPersistent(repo))
	t.Cleanup(f.cache.Close)
	f.reader = New(f.store, f.cache, "u1", time.UTC, WithClock(fixedClock{now}))
	base := f.store.Queries()

	for i := 0; i < 2; i++ {
		res, err := f.reader.Read(context.Background(), march(1), sv)
		require.NoError(t, err)
		require.Equal(t, StateCached, res.State)
		require.Equal(t, "persistent", res.Tier)
	}
	require.Equal(t, base, f.store.Queries())
	require.Zero(t, f.cache.MemorySize())
}

func TestReadCurrentMonthIsLive(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := f.reader.Read(ctx, time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), stats.View{})
	require.NoError(t, err)
	require.Equal(t, StateLive, res.State)
	require.NotNil(t, res.Live)
	defer res.Live.Close()

	first := nextLive(t, ctx, res.Live)
	require.Empty(t, first.Expenses)

	f.add(t, 300, 2024, 4, 8)
	u := nextLive(t, ctx, res.Live)
	require.Len(t, u.Expenses, 1)
	require.Zero(t, f.cache.MemorySize(), "live months are not cached")
}

func nextLive(t *testing.T, ctx context.Context, l *LiveMonth) LiveUpdate {
	t.Helper()
	select {
	case u, ok := <-l.Updates():
		require.True(t, ok)
		require.NoError(t, u.Err)
		return u
	case <-ctx.Done():
		t.Fatal("no live update")
		return LiveUpdate{}
	}
}

func TestSubscribeRecent(t *testing.T) {
	f := newFixture(t)
	f.add(t, 100, 2024, 3, 1)
	f.add(t, 200, 2024, 3, 2)
	f.add(t, 300, 2024, 3, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := f.reader.SubscribeRecent(ctx, 2)
	require.NoError(t, err)
	defer l.Close()
	u := nextLive(t, ctx, l)
	require.Len(t, u.Expenses, 2)
	require.Equal(t, int64(300), u.Expenses[0].Amount.Cents)
}

func TestOfferKeepsLatest(t *testing.T) {
	ch := make(chan LiveUpdate, 1)
	offer(ch, LiveUpdate{Expenses: make([]core.Expense, 1)})
	offer(ch, LiveUpdate{Expenses: make([]core.Expense, 2)})
	u := <-ch
	require.Len(t, u.Expenses, 2)
}

// gatedStore blocks one-shot queries until released.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.Query(ctx, q)
}

type fakeSource struct {
	mu  sync.Mutex
	v   stats.View
	fns []func(stats.View)
}

func (s *fakeSource) View() stats.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *fakeSource) OnChange(fn func(stats.View)) func() {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *fakeSource) set(v stats.View) {
	s.mu.Lock()
	s.v = v
	fns := append([]func(stats.View)(nil), s.fns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

type updates struct {
	mu   sync.Mutex
	list []Update
}

func (u *updates) record(x Update) {
	u.mu.Lock()
	u.list = append(u.list, x)
	u.mu.Unlock()
}

func (u *updates) find(key core.MonthKey, s State) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, x := range u.list {
		if x.MonthKey == key && x.State == s {
			return true
		}
	}
	return false
}

func (u *updates) has(key core.MonthKey) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, x := range u.list {
		if x.MonthKey == key {
			return true
		}
	}
	return false
}

func TestViewDiscardsSupersededFetch(t *testing.T) {
	f := newFixture(t)
	f.add(t, 500, 2024, 3, 15)
	f.add(t, 100, 2024, 2, 3)
	sv := f.statsView(t)
	f.cache.Store(context.Background(), "2024-02",
		[]core.Expense{{ID: "feb", Amount: core.Money{Cents: 100}, Date: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)}},
		core.Fingerprint{Total: core.Money{Cents: 100}, Count: 1})

	gs := &gatedStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	r := New(gs, f.cache, "u1", time.UTC, WithClock(fixedClock{now}))
	src := &fakeSource{v: sv}
	got := &updates{}
	v := NewView(context.Background(), r, src, got.record)
	defer v.Close()

	v.Select(march(1))
	<-gs.entered

	v.Select(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	require.Eventually(t, func() bool { return got.find("2024-02", StateCached) }, 2*time.Second, 5*time.Millisecond)

	close(gs.release)
	require.Eventually(t, func() bool {
		e, ok := f.cache.LookupMemory("2024-03")
		return ok && e.Validation.Count == 1
	}, 2*time.Second, 5*time.Millisecond, "superseded fetch still populates the cache")
	require.Never(t, func() bool { return got.has("2024-03") }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestViewReevaluatesWhenStatsLoad(t *testing.T) {
	f := newFixture(t)
	f.add(t, 500, 2024, 3, 15)
	src := &fakeSource{}
	got := &updates{}
	v := NewView(context.Background(), f.reader, src, got.record)
	defer v.Close()

	v.Select(march(1))
	require.Eventually(t, func() bool { return got.find("2024-03", StateLoading) }, 2*time.Second, 5*time.Millisecond)

	src.set(f.statsView(t))
	require.Eventually(t, func() bool { return got.find("2024-03", StateFetched) }, 2*time.Second, 5*time.Millisecond)
}

func TestViewTearsDownLiveOnMonthChange(t *testing.T) {
	f := newFixture(t)
	f.add(t, 500, 2024, 3, 15)
	src := &fakeSource{v: f.statsView(t)}
	got := &updates{}
	v := NewView(context.Background(), f.reader, src, got.record)

	v.Select(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.Eventually(t, func() bool { return got.find("2024-04", StateLive) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.store.Subscriptions())

	v.Select(march(1))
	require.Eventually(t, func() bool { return got.find("2024-03", StateFetched) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.store.Subscriptions() == 0 }, 2*time.Second, 5*time.Millisecond)

	v.Close()
	gen := v.Generation()
	v.Select(march(2))
	require.Equal(t, gen, v.Generation(), "a closed view ignores selections")
}
