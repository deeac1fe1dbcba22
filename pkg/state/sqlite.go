package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore keeps the state in a local SQLite database.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a store backed by the database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	table := quoteIdentifier(sqlStateTableName)
	return &SQLiteStore{&sqlStore{
		dsn: path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		key: sqlStateKey,
		dialect: sqlDialect{
			driver: "sqlite",
			createTable: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					state_key TEXT PRIMARY KEY,
					snapshot TEXT NOT NULL,
					updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`, table),
			upsert: fmt.Sprintf(`
				INSERT INTO %s (state_key, snapshot, updated_at)
				VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT (state_key)
				DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, table),
			selectState: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", table),
		},
		openDB: sql.Open,
	}}, nil
}
