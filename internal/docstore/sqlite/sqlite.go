// Package sqlite is a durable single-process document store on SQLite.
// Documents live in one table keyed by (collection, id) with their fields as
// tagged JSON. Queries load a collection and evaluate it in Go.
//
// The pool holds a single connection, so a transaction owns the database
// until it finishes. Transaction functions must use the Tx they are given;
// calling the Store from inside one blocks forever.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"expensetracker/internal/docstore"
	"expensetracker/internal/docstore/watch"
	"expensetracker/internal/storage"
)

var errWriteBeforeRead = errors.New("transaction reads must precede writes")

type Store struct {
	db     *sql.DB
	hub    *watch.Hub
	now    func() time.Time
	closed atomic.Bool
}

var _ docstore.Store = (*Store)(nil)

type Option func(*Store)

// WithClock sets the clock used for ServerTimestamp and update times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (and migrates) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = watch.New(s.runQuery)
	return s
}

func (s *Store) NewID() string {
	return uuid.NewString()
}

// querier is the part of *sql.DB and *sql.Tx the row helpers need.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getDoc(ctx context.Context, q querier, path string) (*docstore.Document, error) {
	col, id, err := docstore.SplitDoc(path)
	if err != nil {
		return nil, err
	}
	var raw, stamp string
	err = q.QueryRowContext(ctx,
		`SELECT fields, update_time FROM documents WHERE collection = ? AND id = ?`,
		col, id).Scan(&raw, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", path, docstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	fields, err := docstore.UnmarshalFields([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	updated, _ := time.Parse(time.RFC3339Nano, stamp)
	return &docstore.Document{ID: id, Path: path, Fields: fields, UpdateTime: updated}, nil
}

type write struct {
	path   string
	fields docstore.Fields
	opts   docstore.SetOptions
	del    bool
}

func applyWrite(ctx context.Context, q querier, w write, now time.Time) error {
	col, id, err := docstore.SplitDoc(w.path)
	if err != nil {
		return err
	}
	if w.del {
		if _, err := q.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, col, id); err != nil {
			return fmt.Errorf("delete %s: %w", w.path, err)
		}
		return nil
	}
	var existing docstore.Fields
	if w.opts.Merge {
		doc, err := getDoc(ctx, q, w.path)
		switch {
		case err == nil:
			existing = doc.Fields
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}
	}
	data, err := docstore.MarshalFields(docstore.ApplySet(existing, w.fields, w.opts.Merge, now))
	if err != nil {
		return fmt.Errorf("set %s: %w", w.path, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, fields, version, update_time)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fields = excluded.fields,
			version = documents.version + 1,
			update_time = excluded.update_time`,
		col, id, string(data), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set %s: %w", w.path, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (*docstore.Document, error) {
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	return getDoc(ctx, s.db, path)
}

func (s *Store) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	return s.commit(ctx, []write{{path: path, fields: fields, opts: docstore.ApplySetOptions(opts)}})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.commit(ctx, []write{{path: path, del: true}})
}

func (s *Store) commit(ctx context.Context, writes []write) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		t := tx.(*txn)
		t.writes = append(t.writes, writes...)
		return nil
	})
}

// RunTransaction runs fn inside one sql.Tx, begun IMMEDIATE by the
// connection string. Staged writes are applied in order after fn returns;
// any error rolls everything back.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	t := &txn{tx: sqlTx}
	if err := fn(ctx, t); err != nil {
		sqlTx.Rollback()
		return err
	}
	now := s.now()
	touched := make([]string, 0, len(t.writes))
	for _, w := range t.writes {
		if err := applyWrite(ctx, sqlTx, w, now); err != nil {
			sqlTx.Rollback()
			return err
		}
		col, _, _ := docstore.SplitDoc(w.path)
		touched = append(touched, col)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.hub.Notify(touched...)
	return nil
}

type txn struct {
	tx     *sql.Tx
	writes []write
}

func (t *txn) Get(ctx context.Context, path string) (*docstore.Document, error) {
	if len(t.writes) > 0 {
		return nil, errWriteBeforeRead
	}
	return getDoc(ctx, t.tx, path)
}

func (t *txn) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	t.writes = append(t.writes, write{path: path, fields: fields.Clone(), opts: docstore.ApplySetOptions(opts)})
	return nil
}

func (t *txn) Delete(ctx context.Context, path string) error {
	t.writes = append(t.writes, write{path: path, del: true})
	return nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	return s.runQuery(ctx, q)
}

func (s *Store) runQuery(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	if err := docstore.ValidCollection(q.Collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields, update_time FROM documents WHERE collection = ?`, q.Collection)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []*docstore.Document
	for rows.Next() {
		var id, raw, stamp string
		if err := rows.Scan(&id, &raw, &stamp); err != nil {
			return nil, fmt.Errorf("query %s: scan: %w", q.Collection, err)
		}
		fields, err := docstore.UnmarshalFields([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("query %s: doc %s: %w", q.Collection, id, err)
		}
		updated, _ := time.Parse(time.RFC3339Nano, stamp)
		docs = append(docs, &docstore.Document{
			ID:         id,
			Path:       docstore.Doc(q.Collection, id),
			Fields:     fields,
			UpdateTime: updated,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
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
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
