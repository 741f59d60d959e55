package backend

import (
	"context"
	"time"

	"expensetracker/internal/amqp"
	"expensetracker/internal/cache"
	"expensetracker/internal/docstore"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult is everything the binaries build on: the document store,
// the optional persistent month cache and the optional event client.
// Tier and Events are nil when not configured.
type BackendResult struct {
	Store   docstore.Store
	Tier    cache.PersistentTier
	Events  *amqp.Client
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Backend type
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Firestore specific
	FirestoreProjectID    string
	FirestoreDatabaseID   string
	FirestoreEmulatorHost string
	FirestorePollInterval time.Duration

	// Persistent cache; empty disables it
	CacheDBPath string

	// AMQP; empty URL disables events
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
	// RequireEvents turns an AMQP connection failure into an error instead
	// of a warning.
	RequireEvents bool
}

// BackendType represents the type of backend
type BackendType string

const (
	MemoryBackend    BackendType = "memory"
	SQLiteBackend    BackendType = "sqlite"
	FirestoreBackend BackendType = "firestore"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, FirestoreBackend:
		return true
	default:
		return false
	}
}
