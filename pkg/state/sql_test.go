package state

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if len(loaded.Bookmarks) != 0 {
		t.Errorf("Expected empty state, got %+v", loaded)
	}

	for _, wm := range []string{"2024-01-01 00:00:00", "2024-01-02 00:00:00"} {
		s := New()
		s.CurrentlySyncing = "recents"
		s.SetBookmark("recents", wm)
		if err := store.Persist(ctx, s); err != nil {
			t.Fatalf("Persist: %v", err)
		}
	}

	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Bookmark("recents", "") != "2024-01-02 00:00:00" || loaded.CurrentlySyncing != "recents" {
		t.Errorf("Loaded = %+v", loaded)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestSQLiteStore_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(""); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TAP_PIPEDRIVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TAP_PIPEDRIVE_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.ensureReady(ctx); err != nil {
		t.Skipf("Postgres not available for testing: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, "DELETE FROM "+quoteIdentifier(sqlStateTableName)); err != nil {
		t.Fatalf("clean table: %v", err)
	}

	exerciseStore(t, store)
}

func TestPostgresStore_OpenFailure(t *testing.T) {
	store, err := NewPostgresStore("postgres://user@localhost/db")
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	cause := errors.New("dial refused")
	calls := 0
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		calls++
		if driverName != "postgres" {
			t.Errorf("driver = %q, want postgres", driverName)
		}
		return nil, cause
	}

	ctx := context.Background()
	if _, err := store.Load(ctx); !errors.Is(err, cause) {
		t.Errorf("Load error = %v, want %v", err, cause)
	}
	if err := store.Persist(ctx, New()); !errors.Is(err, cause) {
		t.Errorf("Persist error = %v, want %v", err, cause)
	}
	// Failures are not cached.
	if calls != 2 {
		t.Errorf("openDB calls = %d, want 2", calls)
	}
}

func TestSQLiteStore_RetriesFailedInit(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	open := store.openDB
	cause := errors.New("database is locked")
	calls := 0
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		calls++
		if calls == 1 {
			return nil, cause
		}
		return open(driverName, dsn)
	}

	ctx := context.Background()
	if err := store.Persist(ctx, New()); !errors.Is(err, cause) {
		t.Fatalf("first Persist error = %v, want %v", err, cause)
	}

	s := New()
	s.SetBookmark("recents", "2024-03-01 00:00:00")
	if err := store.Persist(ctx, s); err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.Bookmark("recents", ""); got != "2024-03-01 00:00:00" {
		t.Errorf("bookmark = %q", got)
	}
	if calls != 2 {
		t.Errorf("openDB calls = %d, want 2", calls)
	}
}

func TestSQLiteStore_InitIgnoresCallerCancellation(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.ensureReady(ctx); err != nil {
		t.Fatalf("ensureReady with cancelled context: %v", err)
	}
	if err := store.Persist(context.Background(), New()); err != nil {
		t.Errorf("Persist after init: %v", err)
	}
}

func TestNewPostgresStore_EmptyDSN(t *testing.T) {
	if _, err := NewPostgresStore("  "); err == nil {
		t.Error("Expected error for empty dsn")
	}
}

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"state", `"state"`},
		{`we"ird`, `"we""ird"`},
		{"", `""`},
	}
	for _, tt := range tests {
		if got := quoteIdentifier(tt.input); got != tt.expected {
			t.Errorf("quoteIdentifier(%q) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}
