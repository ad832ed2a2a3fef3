// Package db opens the SQL connections backing the agent store and the detection mirror.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

// OpenSQLite opens a SQLite database configured for a single writer connection in WAL mode.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	var dsn string
	if dbPath == MemoryPath {
		dsn = fmt.Sprintf("file::memory:?_foreign_keys=on&_busy_timeout=%d", int(defaultBusyTimeout/time.Millisecond))
	} else {
		abs, err := filepath.Abs(dbPath)
		if err != nil {
			abs = dbPath
		}
		if dir := filepath.Dir(abs); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare database path: %w", err)
			}
		}
		dsn = fmt.Sprintf(
			"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			abs,
			int(defaultBusyTimeout/time.Millisecond),
		)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writes and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}
