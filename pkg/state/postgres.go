package state

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresStore keeps the state in a PostgreSQL table.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore creates a store for dsn. The connection is opened lazily.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	table := quoteIdentifier(sqlStateTableName)
	return &PostgresStore{&sqlStore{
		dsn: dsn,
		key: sqlStateKey,
		dialect: sqlDialect{
			driver: "postgres",
			createTable: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					state_key TEXT PRIMARY KEY,
					snapshot TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, table),
			upsert: fmt.Sprintf(`
				INSERT INTO %s (state_key, snapshot, updated_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (state_key)
				DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, table),
			selectState: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", table),
		},
		openDB: sql.Open,
	}}, nil
}
