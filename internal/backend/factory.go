package backend

import (
	"context"
	"errors"
	"fmt"

	"expensetracker/internal/amqp"
	"expensetracker/internal/docstore"
	"expensetracker/internal/docstore/firestore"
	"expensetracker/internal/docstore/memory"
	"expensetracker/internal/docstore/sqlite"
	"expensetracker/internal/log"
	"expensetracker/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend. Whatever was opened
// before a failure is closed again.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.createStore(ctx, config)
	if err != nil {
		return nil, err
	}
	res := &BackendResult{Store: store}
	closers := []func() error{store.Close}

	if config.CacheDBPath != "" {
		repo, err := storage.OpenMonthCache(config.CacheDBPath)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("failed to open month cache: %w", err)
		}
		res.Tier = repo
		closers = append(closers, repo.Close)
		f.logger.Info("Initialized persistent month cache", "db_path", config.CacheDBPath)
	}

	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		switch {
		case err != nil && config.RequireEvents:
			closeAll(closers)
			return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
		case err != nil:
			f.logger.Warn("Failed to initialize AMQP client, continuing without events", log.FieldError, err)
		default:
			res.Events = client
			closers = append(closers, client.Close)
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
		}
	}

	res.Cleanup = func() error { return closeAll(closers) }
	return res, nil
}

func (f *DefaultFactory) createStore(ctx context.Context, config Config) (docstore.Store, error) {
	switch config.Type {
	case MemoryBackend:
		f.logger.Info("Initialized memory backend")
		return memory.New(), nil
	case SQLiteBackend:
		store, err := sqlite.Open(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return store, nil
	case FirestoreBackend:
		store, err := firestore.New(ctx, firestore.Config{
			ProjectID:    config.FirestoreProjectID,
			DatabaseID:   config.FirestoreDatabaseID,
			EmulatorHost: config.FirestoreEmulatorHost,
			PollInterval: config.FirestorePollInterval,
			Logger:       f.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firestore store: %w", err)
		}
		f.logger.Info("Initialized Firestore backend",
			"project", config.FirestoreProjectID,
			"emulator", config.FirestoreEmulatorHost != "")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// closeAll closes in reverse opening order.
func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
