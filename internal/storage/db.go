// Package storage owns the local SQLite databases: schema migrations, the
// connection setup shared with the sqlite document engine, and the
// persistent month cache.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open creates the parent directory, migrates and opens the database at
// dbPath. The pool is limited to one connection, and transactions begin
// IMMEDIATE so processes sharing the file queue on the write lock at BEGIN
// instead of failing when a read transaction tries to upgrade.
func Open(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// DSN is the connection string for dbPath. Every new connection gets the
// busy timeout and immediate transactions.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}
