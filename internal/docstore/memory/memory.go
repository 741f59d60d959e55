// Package memory is an in-process document store. It implements the full
// docstore contract, including optimistic transactions and live
// subscriptions, and counts the calls made against it so tests can assert
// how many round trips a code path needed.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"expensetracker/internal/docstore"
	"expensetracker/internal/docstore/watch"
)

const maxAttempts = 5

var errWriteBeforeRead = errors.New("transaction reads must precede writes")

type entry struct {
	fields     docstore.Fields
	version    uint64
	updateTime time.Time
}

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]*entry
	seq         uint64
	now         func() time.Time
	failNext    error
	closed      bool

	hub *watch.Hub

	gets    atomic.Int64
	queries atomic.Int64
	commits atomic.Int64
}

var _ docstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for ServerTimestamp and update times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]*entry),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = watch.New(s.runQuery)
	return s
}

// FailNextCommit makes the next transaction commit fail with err after the
// transaction body has run, leaving the store unchanged.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Gets counts document reads, inside and outside transactions.
func (s *Store) Gets() int64 { return s.gets.Load() }

// Queries counts one-shot queries. Subscription re-runs are not counted.
func (s *Store) Queries() int64 { return s.queries.Load() }

// Commits counts successful transaction commits.
func (s *Store) Commits() int64 { return s.commits.Load() }

// Subscriptions reports the number of open subscriptions.
func (s *Store) Subscriptions() int { return s.hub.Len() }

func (s *Store) NewID() string {
	return uuid.NewString()
}

func (s *Store) Get(ctx context.Context, path string) (*docstore.Document, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	doc, _, err := s.lookup(path)
	return doc, err
}

// lookup returns a copy of the document and its version. Callers hold mu.
func (s *Store) lookup(path string) (*docstore.Document, uint64, error) {
	col, id, err := docstore.SplitDoc(path)
	if err != nil {
		return nil, 0, err
	}
	e, ok := s.collections[col][id]
	if !ok {
		return nil, 0, fmt.Errorf("get %s: %w", path, docstore.ErrNotFound)
	}
	return &docstore.Document{
		ID:         id,
		Path:       path,
		Fields:     e.fields.Clone(),
		UpdateTime: e.updateTime,
	}, e.version, nil
}

func (s *Store) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	return s.commit([]write{{path: path, fields: fields, opts: docstore.ApplySetOptions(opts)}}, nil)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.commit([]write{{path: path, del: true}}, nil)
}

type write struct {
	path   string
	fields docstore.Fields
	opts   docstore.SetOptions
	del    bool
}

// commit applies writes atomically if every read version still holds.
func (s *Store) commit(writes []write, reads map[string]uint64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.ErrClosed
	}
	for path, version := range reads {
		col, id, _ := docstore.SplitDoc(path)
		var current uint64
		if e, ok := s.collections[col][id]; ok {
			current = e.version
		}
		if current != version {
			s.mu.Unlock()
			return docstore.ErrAborted
		}
	}
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return err
	}

	// Validate every path before touching state so a bad write leaves
	// nothing behind.
	for _, w := range writes {
		if _, _, err := docstore.SplitDoc(w.path); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	now := s.now()
	touched := make([]string, 0, len(writes))
	for _, w := range writes {
		col, id, _ := docstore.SplitDoc(w.path)
		touched = append(touched, col)
		docs := s.collections[col]
		if w.del {
			delete(docs, id)
			continue
		}
		if docs == nil {
			docs = make(map[string]*entry)
			s.collections[col] = docs
		}
		var existing docstore.Fields
		if e, ok := docs[id]; ok {
			existing = e.fields
		}
		s.seq++
		docs[id] = &entry{
			fields:     docstore.ApplySet(existing, w.fields, w.opts.Merge, now),
			version:    s.seq,
			updateTime: now,
		}
	}
	s.commits.Add(1)
	s.mu.Unlock()

	s.hub.Notify(touched...)
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		tx := &tx{store: s, reads: make(map[string]uint64)}
		if err = fn(ctx, tx); err != nil {
			return err
		}
		err = s.commit(tx.writes, tx.reads)
		if !errors.Is(err, docstore.ErrAborted) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, err)
}

type tx struct {
	store  *Store
	reads  map[string]uint64
	writes []write
}

func (t *tx) Get(ctx context.Context, path string) (*docstore.Document, error) {
	if len(t.writes) > 0 {
		return nil, errWriteBeforeRead
	}
	t.store.gets.Add(1)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	doc, version, err := t.store.lookup(path)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	t.reads[path] = version
	return doc, err
}

func (t *tx) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	t.writes = append(t.writes, write{path: path, fields: fields.Clone(), opts: docstore.ApplySetOptions(opts)})
	return nil
}

func (t *tx) Delete(ctx context.Context, path string) error {
	t.writes = append(t.writes, write{path: path, del: true})
	return nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	s.queries.Add(1)
	return s.runQuery(ctx, q)
}

func (s *Store) runQuery(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	if err := docstore.ValidCollection(q.Collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	docs := make([]*docstore.Document, 0, len(s.collections[q.Collection]))
	for id, e := range s.collections[q.Collection] {
		docs = append(docs, &docstore.Document{
			ID:         id,
			Path:       docstore.Doc(q.Collection, id),
			Fields:     e.fields.Clone(),
			UpdateTime: e.updateTime,
		})
	}
	s.mu.Unlock()
	return docstore.Evaluate(q, docs), nil
}

func (s *Store) Subscribe(ctx context.Context, q docstore.Query, fn docstore.SnapshotFunc) (docstore.Unsubscribe, error) {
	if err := docstore.ValidCollection(q.Collection); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, q, fn)
}

func (s *Store) Close() error {
	s.hub.Close()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
