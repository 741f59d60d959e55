package cache

import (
	"context"
	"sync"
	"time"

	"expensetracker/internal/core"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
)

const persistTimeout = 5 * time.Second

// Manager fronts the two tiers. It does not judge validity; callers compare
// Entry.Validation against the live aggregate.
type Manager struct {
	memory     Cache[Entry]
	persistent PersistentTier
	logger     *log.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// mu orders pending.Add in Store against pending.Wait, so no Add starts
	// from zero while a Wait is in progress.
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithPersistent sets the durable tier. Without one the manager is
// memory-only.
func WithPersistent(p PersistentTier) Option {
	return func(m *Manager) { m.persistent = p }
}

// WithMemory replaces the default unbounded map tier.
func WithMemory(c Cache[Entry]) Option {
	return func(m *Manager) { m.memory = c }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		memory: NewMapCache[Entry](),
		logger: log.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent(log.ComponentCache)
	return m
}

// LookupMemory returns the in-memory entry for the month, if any.
func (m *Manager) LookupMemory(key core.MonthKey) (Entry, bool) {
	e, ok := m.memory.Get(string(key))
	if !ok {
		m.metrics.CacheLookup(log.TierMemory, metrics.ResultMiss)
		return Entry{}, false
	}
	m.metrics.CacheLookup(log.TierMemory, metrics.ResultHit)
	return e.Clone(), true
}

// LookupPersistent reads the durable tier. Read failures and undecodable
// entries are logged and reported as a miss. A hit is not copied into the
// memory tier.
func (m *Manager) LookupPersistent(ctx context.Context, key core.MonthKey) (Entry, bool) {
	if m.persistent == nil {
		return Entry{}, false
	}
	e, ok, err := m.persistent.Get(ctx, key)
	if err != nil {
		m.metrics.CacheLookup(log.TierPersistent, metrics.ResultError)
		m.logger.WarnContext(ctx, "Persistent cache read failed, treating as miss",
			log.FieldMonthKey, key, log.FieldError, err)
		return Entry{}, false
	}
	if !ok {
		m.metrics.CacheLookup(log.TierPersistent, metrics.ResultMiss)
		return Entry{}, false
	}
	m.metrics.CacheLookup(log.TierPersistent, metrics.ResultHit)
	return e.Clone(), true
}

// Store replaces the month's entry in both tiers. The memory write is done
// before Store returns; the persistent write runs in the background and its
// failures are only logged. Flush waits for pending persistent writes.
func (m *Manager) Store(ctx context.Context, key core.MonthKey, expenses []core.Expense, fp core.Fingerprint) {
	e := Entry{
		MonthKey:   key,
		Expenses:   expenses,
		Validation: fp,
		StoredAt:   m.now(),
	}.Clone()
	m.memory.Set(string(key), e)
	m.logger.DebugContext(ctx, "Month cached",
		log.FieldMonthKey, key, log.FieldTotalCents, fp.Total.Cents, log.FieldCount, fp.Count)

	if m.persistent == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.pending.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := m.persistent.Put(pctx, e); err != nil {
			m.logger.WarnContext(pctx, "Persistent cache write failed",
				log.FieldMonthKey, key, log.FieldError, err)
		}
	}()
}

// ClearAll empties both tiers, waiting for in-flight persistent writes first
// so none of them lands after the clear. Stores issued during the clear wait
// for it to finish.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory.Clear()
	m.pending.Wait()
	if m.persistent == nil {
		return nil
	}
	if err := m.persistent.Clear(ctx); err != nil {
		m.logger.WarnContext(ctx, "Persistent cache clear failed", log.FieldError, err)
		return err
	}
	m.logger.InfoContext(ctx, "Month cache cleared")
	return nil
}

// MemorySize reports the number of months held in memory.
func (m *Manager) MemorySize() int {
	return m.memory.Size()
}

// Flush blocks until every pending persistent write has finished.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.Wait()
}

// Close stops accepting persistent writes and waits for pending ones.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pending.Wait()
}
