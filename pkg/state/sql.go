package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	sqlStateTableName   = "tap_pipedrive_state"
	sqlStateKey         = "default"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds the statements that differ between drivers.
type sqlDialect struct {
	driver      string
	createTable string
	upsert      string
	selectState string
}

// sqlStore keeps the state as one JSON row keyed by state_key. The table is
// created on first use.
type sqlStore struct {
	dsn     string
	key     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func (s *sqlStore) Load(ctx context.Context) (*RunState, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, s.dialect.selectState, s.key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s load state: %w", s.dialect.driver, err)
	}
	return Decode([]byte(payload))
}

func (s *sqlStore) Persist(ctx context.Context, st *RunState) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := st.Encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, s.key, string(payload)); err != nil {
		return fmt.Errorf("%s persist state: %w", s.dialect.driver, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureReady opens the database and creates the table. A failed attempt is
// not cached; the next call tries again.
func (s *sqlStore) ensureReady(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := s.openDB(s.dialect.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dialect.driver, err)
	}
	// Table creation is not tied to the caller's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, s.dialect.createTable); err != nil {
		_ = db.Close()
		return fmt.Errorf("create %s state table: %w", s.dialect.driver, err)
	}
	s.db = db
	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
