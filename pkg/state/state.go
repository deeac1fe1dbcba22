// Package state persists the run state: the per-stream bookmarks and the
// stream currently being synced.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// RunState is the durable checkpoint, in the Singer state shape:
//
//	{"currently_syncing": "recents", "bookmarks": {"recents": "2024-01-01 00:00:00"}}
type RunState struct {
	CurrentlySyncing string            `json:"currently_syncing,omitempty"`
	Bookmarks        map[string]string `json:"bookmarks"`
}

// New returns an empty state.
func New() *RunState {
	return &RunState{Bookmarks: map[string]string{}}
}

// Decode parses a serialized state. Empty input yields an empty state.
func Decode(data []byte) (*RunState, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return New(), nil
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.Bookmarks == nil {
		s.Bookmarks = map[string]string{}
	}
	return &s, nil
}

// Encode serializes the state.
func (s *RunState) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Bookmark returns the bookmark of stream, or def when none is recorded.
func (s *RunState) Bookmark(stream, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.Bookmarks[stream]; ok && v != "" {
		return v
	}
	return def
}

// SetBookmark records the bookmark of stream.
func (s *RunState) SetBookmark(stream, value string) {
	if s.Bookmarks == nil {
		s.Bookmarks = map[string]string{}
	}
	s.Bookmarks[stream] = value
}

// Clone returns a deep copy.
func (s *RunState) Clone() *RunState {
	c := &RunState{
		CurrentlySyncing: s.CurrentlySyncing,
		Bookmarks:        make(map[string]string, len(s.Bookmarks)),
	}
	for k, v := range s.Bookmarks {
		c.Bookmarks[k] = v
	}
	return c
}

// Store loads and persists the run state.
type Store interface {
	// Load returns the stored state, or an empty state when none exists.
	Load(ctx context.Context) (*RunState, error)

	// Persist durably replaces the stored state.
	Persist(ctx context.Context, s *RunState) error

	Close() error
}

// MemoryStore keeps the state in memory. It records every persisted snapshot.
type MemoryStore struct {
	mu      sync.Mutex
	current *RunState
	history []*RunState
}

// NewMemoryStore creates a memory store seeded with initial (may be nil).
func NewMemoryStore(initial *RunState) *MemoryStore {
	m := &MemoryStore{}
	if initial != nil {
		m.current = initial.Clone()
	}
	return m
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) (*RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return New(), nil
	}
	return m.current.Clone(), nil
}

// Persist implements Store.
func (m *MemoryStore) Persist(_ context.Context, s *RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s.Clone()
	m.history = append(m.history, s.Clone())
	return nil
}

// History returns every persisted snapshot in order.
func (m *MemoryStore) History() []*RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RunState, len(m.history))
	for i, s := range m.history {
		out[i] = s.Clone()
	}
	return out
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

type readOnly struct {
	Store
}

// ReadOnly wraps store so Persist is a no-op. It seeds a run from a state
// file that the tap must not rewrite.
func ReadOnly(store Store) Store {
	return readOnly{Store: store}
}

func (readOnly) Persist(context.Context, *RunState) error { return nil }

// Tee loads from primary and persists to primary then every mirror.
func Tee(primary Store, mirrors ...Store) Store {
	return &tee{primary: primary, mirrors: mirrors}
}

type tee struct {
	primary Store
	mirrors []Store
}

func (t *tee) Load(ctx context.Context) (*RunState, error) {
	return t.primary.Load(ctx)
}

func (t *tee) Persist(ctx context.Context, s *RunState) error {
	if err := t.primary.Persist(ctx, s); err != nil {
		return err
	}
	var errs []error
	for _, m := range t.mirrors {
		if err := m.Persist(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *tee) Close() error {
	errs := []error{t.primary.Close()}
	for _, m := range t.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
