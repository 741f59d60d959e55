// Package reader resolves which tier answers a month read: a live
// subscription for the current month, the cache when its fingerprint still
// matches the aggregate, or a single fetch from the store otherwise.
package reader

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"expensetracker/internal/cache"
	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
)

const defaultFetchTimeout = 30 * time.Second

// State says how a Read was answered.
type State int

const (
	// StateLoading means the aggregates are not loaded yet; nothing was read.
	StateLoading State = iota
	// StateEmpty means the month has no aggregate and so no expenses.
	StateEmpty
	// StateCached means a cache tier answered.
	StateCached
	// StateFetched means the store was queried once and the cache refreshed.
	StateFetched
	// StateLive means the month is the current one and is followed live.
	StateLive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateEmpty:
		return "empty"
	case StateCached:
		return "cached"
	case StateFetched:
		return "fetched"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the answer to one Read. Expenses is set for Cached and Fetched,
// Live for StateLive. Tier names the cache tier for Cached.
type Result struct {
	MonthKey core.MonthKey
	State    State
	Expenses []core.Expense
	Live     *LiveMonth
	Tier     string
}

type Reader struct {
	store        docstore.Store
	cache        *cache.Manager
	uid          string
	loc          *time.Location
	clock        core.Clock
	metrics      *metrics.Metrics
	logger       *log.Logger
	fetchTimeout time.Duration

	flight singleflight.Group
}

type Option func(*Reader)

func WithClock(c core.Clock) Option {
	return func(r *Reader) { r.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// WithFetchTimeout bounds a one-shot month fetch. The fetch is detached
// from the caller's context so its cache population completes even if the
// caller goes away.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Reader) { r.fetchTimeout = d }
}

func New(store docstore.Store, cm *cache.Manager, uid string, loc *time.Location, opts ...Option) *Reader {
	if loc == nil {
		loc = time.Local
	}
	r := &Reader{
		store:        store,
		cache:        cm,
		uid:          uid,
		loc:          loc,
		clock:        core.SystemClock{},
		logger:       log.Discard(),
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent(log.ComponentReader)
	return r
}

// MonthKey returns the key of the month containing day.
func (r *Reader) MonthKey(day time.Time) core.MonthKey {
	return core.MonthKeyOf(day, r.loc)
}

// CurrentMonth is the month the clock is in.
func (r *Reader) CurrentMonth() core.MonthKey {
	return core.MonthKeyOf(r.clock.Now(), r.loc)
}

// Read answers the month containing day against the aggregate view sv.
func (r *Reader) Read(ctx context.Context, day time.Time, sv stats.View) (Result, error) {
	key := r.MonthKey(day)
	res := Result{MonthKey: key}

	if key == r.CurrentMonth() {
		live, err := r.openLive(ctx, key)
		if err != nil {
			return res, err
		}
		r.record(ctx, key, StateLive)
		res.State = StateLive
		res.Live = live
		return res, nil
	}

	if !sv.Loaded {
		r.record(ctx, key, StateLoading)
		res.State = StateLoading
		return res, nil
	}
	st, ok := sv.Find(key)
	if !ok {
		r.record(ctx, key, StateEmpty)
		res.State = StateEmpty
		return res, nil
	}
	fp := st.Fingerprint()

	if e, ok := r.cache.LookupMemory(key); ok {
		if e.ValidFor(fp) {
			return r.cached(ctx, res, e, log.TierMemory), nil
		}
		r.metrics.CacheLookup(log.TierMemory, metrics.ResultStale)
	}
	if e, ok := r.cache.LookupPersistent(ctx, key); ok {
		if e.ValidFor(fp) {
			return r.cached(ctx, res, e, log.TierPersistent), nil
		}
		r.metrics.CacheLookup(log.TierPersistent, metrics.ResultStale)
	}

	expenses, err := r.fetch(ctx, key, fp)
	if err != nil {
		return res, err
	}
	r.record(ctx, key, StateFetched)
	res.State = StateFetched
	res.Expenses = expenses
	return res, nil
}

func (r *Reader) cached(ctx context.Context, res Result, e cache.Entry, tier string) Result {
	res.State = StateCached
	res.Expenses = e.Expenses
	res.Tier = tier
	r.logger.DebugContext(ctx, "Month served from cache",
		log.FieldMonthKey, res.MonthKey, log.FieldCacheTier, tier, log.FieldCount, len(e.Expenses))
	r.record(ctx, res.MonthKey, StateCached)
	return res
}

func (r *Reader) record(ctx context.Context, key core.MonthKey, s State) {
	r.metrics.MonthRead(s.String())
	r.logger.DebugContext(ctx, "Month read resolved", log.FieldMonthKey, key, log.FieldReadPath, s.String())
}

// fetch runs the month query once per month and fingerprint, however many
// readers ask concurrently, and caches the result under fp.
func (r *Reader) fetch(ctx context.Context, key core.MonthKey, fp core.Fingerprint) ([]core.Expense, error) {
	flightKey := string(key) + "@" + fp.String()
	ch := r.flight.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		r.metrics.MonthFetch()
		expenses, err := services.FetchMonth(fctx, r.store, r.uid, key, r.loc)
		if err != nil {
			r.logger.ErrorContext(fctx, "Month fetch failed", log.FieldMonthKey, key, log.FieldError, err)
			return nil, err
		}
		r.cache.Store(fctx, key, expenses, fp)
		r.logger.InfoContext(fctx, "Month fetched and cached",
			log.FieldMonthKey, key, log.FieldCount, len(expenses), "fingerprint", fp.String())
		return expenses, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]core.Expense(nil), res.Val.([]core.Expense)...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
