// Package docstore defines the document-store contract the expense
// subsystem is built on: documents addressed by slash-separated paths,
// collections, atomic transactions, one-shot queries and live
// subscriptions, plus the Increment and ServerTimestamp sentinels.
//
// Engines live in subpackages: memory (in-process), sqlite (local durable)
// and firestore (remote, REST).
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrAborted  = errors.New("transaction aborted")
	ErrClosed   = errors.New("store closed")
	ErrBadPath  = errors.New("invalid document path")
)

// Fields is the content of a document. Values are int64, float64, string,
// bool, time.Time, nil, or one of the write sentinels.
type Fields map[string]any

// Document is a stored document.
type Document struct {
	// ID is the last path segment.
	ID string
	// Path is the full document path, e.g. "users/u1/stats/2024-03".
	Path       string
	Fields     Fields
	UpdateTime time.Time
}

// Snapshot is one delivery of a live subscription. A non-nil Err ends the
// subscription.
type Snapshot struct {
	Docs []*Document
	Err  error
}

// Unsubscribe stops a subscription. It blocks until no further callbacks
// will be made and is safe to call more than once. It must not be called
// from inside the subscription's own SnapshotFunc.
type Unsubscribe func()

// SnapshotFunc receives subscription deliveries.
type SnapshotFunc func(Snapshot)

// TxFunc is the body of a transaction. Returning an error rolls back.
type TxFunc func(ctx context.Context, tx Tx) error

// Reader is the read half shared by Store and Tx.
type Reader interface {
	Get(ctx context.Context, path string) (*Document, error)
}

// Writer is the write half shared by Store and Tx.
type Writer interface {
	Set(ctx context.Context, path string, fields Fields, opts ...SetOption) error
	Delete(ctx context.Context, path string) error
}

// Tx is a transaction handle. All reads must happen before the first write.
type Tx interface {
	Reader
	Writer
}

// Store is a document store.
type Store interface {
	Reader
	Writer

	// RunTransaction runs fn atomically: either every write commits or none
	// does. Engines may retry fn on ErrAborted.
	RunTransaction(ctx context.Context, fn TxFunc) error

	// Query runs a one-shot query.
	Query(ctx context.Context, q Query) ([]*Document, error)

	// Subscribe delivers the current result of q immediately and again after
	// every change until unsubscribed or ctx is done.
	Subscribe(ctx context.Context, q Query, fn SnapshotFunc) (Unsubscribe, error)

	// NewID returns a fresh document id.
	NewID() string

	Close() error
}

// SetOption tunes Set.
type SetOption func(*SetOptions)

type SetOptions struct {
	Merge bool
}

// Merge makes Set overlay the given fields on the existing document
// instead of replacing it.
func Merge() SetOption {
	return func(o *SetOptions) { o.Merge = true }
}

// ApplySetOptions folds opts into a SetOptions value.
func ApplySetOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IncrementValue is the sentinel produced by Increment.
type IncrementValue struct {
	Delta int64
}

// Increment adds delta to the field atomically when used in a Set. A missing
// field counts as zero.
func Increment(delta int64) IncrementValue {
	return IncrementValue{Delta: delta}
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the commit time of the write.
var ServerTimestamp = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}
