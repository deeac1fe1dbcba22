// Package checkpoint delivers changes to the sink in batches and persists the
// watermark so an interrupted run resumes without losing records.
//
// Guarantees:
//   - the persisted watermark never passes a record the sink has not received
//   - the persisted watermark never decreases
//   - on every exit the buffer is flushed and the final watermark persisted,
//     even when the context is cancelled or the source panics
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tap-pipedrive/pkg/recents"
	"github.com/Sternrassler/tap-pipedrive/pkg/sink"
	"github.com/Sternrassler/tap-pipedrive/pkg/state"
)

// DefaultBatchSize is the number of records buffered between checkpoints.
const DefaultBatchSize = 100

// ErrFlush wraps every sink failure.
var ErrFlush = errors.New("checkpoint flush failed")

// Source yields changes in feed order. *recents.ChangeIterator implements it.
type Source interface {
	Next() bool
	Change() recents.Change
	Err() error
}

// Observer receives progress events.
type Observer interface {
	RecordEmitted(stream string)
	BatchFlushed(n int)
	WatermarkPersisted(stream, watermark string)
}

// NopObserver ignores all events.
type NopObserver struct{}

// RecordEmitted implements Observer.
func (NopObserver) RecordEmitted(string) {}

// BatchFlushed implements Observer.
func (NopObserver) BatchFlushed(int) {}

// WatermarkPersisted implements Observer.
func (NopObserver) WatermarkPersisted(string, string) {}

// Config holds manager configuration.
type Config struct {
	// Stream is the bookmark key (default recents.Endpoint).
	Stream string

	// BatchSize is the flush threshold (default DefaultBatchSize).
	BatchSize int

	// StartWatermark is the watermark the source was opened at. The
	// persisted watermark never goes below it or the loaded bookmark.
	StartWatermark string

	Sink     sink.Sink
	Store    state.Store
	Observer Observer

	// Now stamps records with their extraction time (default time.Now).
	Now func() time.Time
}

// Result summarizes a run.
type Result struct {
	Emitted       int
	Batches       int
	Watermark     string
	LastStream    string
	LastWatermark string
}

type entry struct {
	change     recents.Change
	observedAt time.Time
}

// Manager runs one stream through the sink. A Manager is used for one Run.
type Manager struct {
	stream    string
	batchSize int
	sink      sink.Sink
	store     state.Store
	observer  Observer
	now       func() time.Time
	logger    zerolog.Logger

	state         *state.RunState
	buffer        []entry
	watermark     string
	lastPersisted string
	result        Result
}

// New creates a manager over the loaded run state. The state is copied.
func New(cfg Config, loaded *state.RunState, logger zerolog.Logger) (*Manager, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if loaded == nil {
		loaded = state.New()
	}

	m := &Manager{
		stream:    cfg.Stream,
		batchSize: cfg.BatchSize,
		sink:      cfg.Sink,
		store:     cfg.Store,
		observer:  cfg.Observer,
		now:       cfg.Now,
		state:     loaded.Clone(),
	}
	if m.stream == "" {
		m.stream = recents.Endpoint
	}
	if m.batchSize <= 0 {
		m.batchSize = DefaultBatchSize
	}
	if m.observer == nil {
		m.observer = NopObserver{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.logger = logger.With().Str("component", "checkpoint").Str("stream", m.stream).Logger()

	m.lastPersisted = m.state.Bookmark(m.stream, "")
	m.watermark = maxWatermark(m.lastPersisted, cfg.StartWatermark)
	m.buffer = make([]entry, 0, m.batchSize)
	return m, nil
}

// Run drains src. The stream is marked currently_syncing before the first
// record and unmarked only when src is exhausted without error and every
// record was delivered.
func (m *Manager) Run(ctx context.Context, src Source) (res Result, err error) {
	m.state.CurrentlySyncing = m.stream
	if err := m.persist(ctx); err != nil {
		return m.result, fmt.Errorf("mark %s currently syncing: %w", m.stream, err)
	}

	defer func() {
		p := recover()
		if p != nil {
			err = errors.Join(err, fmt.Errorf("panic during %s sync: %v", m.stream, p))
		}
		// Finalization must complete even when ctx is already cancelled.
		err = errors.Join(err, m.finalize(context.WithoutCancel(ctx), err == nil))
		res = m.result
		if p != nil {
			panic(p)
		}
	}()

	for src.Next() {
		if err := ctx.Err(); err != nil {
			return m.result, err
		}
		m.buffer = append(m.buffer, entry{change: src.Change(), observedAt: m.now()})
		if len(m.buffer) < m.batchSize {
			continue
		}
		if err := m.flush(ctx); err != nil {
			return m.result, err
		}
		if err := m.checkpoint(ctx); err != nil {
			return m.result, err
		}
	}
	return m.result, src.Err()
}

// flush hands the buffered entries to the sink in order. On failure the
// undelivered entries stay buffered.
func (m *Manager) flush(ctx context.Context) error {
	if len(m.buffer) == 0 {
		return nil
	}
	n := 0
	for _, e := range m.buffer {
		if err := m.sink.Emit(ctx, e.change.Stream, e.change.Record, e.observedAt); err != nil {
			m.buffer = append(m.buffer[:0], m.buffer[n:]...)
			if n > 0 {
				m.observer.BatchFlushed(n)
			}
			return fmt.Errorf("%w: emit %s record at %s: %w", ErrFlush, e.change.Stream, e.change.Watermark, err)
		}
		n++
		m.advance(e.change)
		m.observer.RecordEmitted(e.change.Stream)
	}
	m.buffer = m.buffer[:0]
	m.result.Batches++
	m.observer.BatchFlushed(n)
	return nil
}

func (m *Manager) advance(c recents.Change) {
	m.result.Emitted++
	m.result.LastStream = c.Stream
	m.result.LastWatermark = c.Watermark
	m.watermark = maxWatermark(m.watermark, c.Watermark)
	m.result.Watermark = m.watermark
}

// checkpoint persists the watermark when it moved.
func (m *Manager) checkpoint(ctx context.Context) error {
	if m.watermark == "" || m.watermark == m.lastPersisted {
		return nil
	}
	return m.persist(ctx)
}

func (m *Manager) finalize(ctx context.Context, success bool) error {
	flushErr := m.flush(ctx)
	if flushErr != nil {
		m.logger.Error().Err(flushErr).Int("undelivered", len(m.buffer)).Msg("Final flush failed")
	}
	if success && flushErr == nil {
		m.state.CurrentlySyncing = ""
	}
	persistErr := m.persist(ctx)
	if persistErr != nil {
		m.logger.Error().Err(persistErr).Str("watermark", m.watermark).Msg("Final checkpoint failed")
	}

	m.result.Watermark = m.watermark
	m.logger.Info().
		Int("emitted", m.result.Emitted).
		Int("batches", m.result.Batches).
		Str("watermark", m.watermark).
		Bool("complete", m.state.CurrentlySyncing == "").
		Msg("Stream finished")

	return errors.Join(flushErr, persistErr)
}

func (m *Manager) persist(ctx context.Context) error {
	if m.watermark != "" {
		m.state.SetBookmark(m.stream, m.watermark)
	}
	if err := m.store.Persist(ctx, m.state.Clone()); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if m.watermark != "" && m.watermark != m.lastPersisted {
		m.logger.Info().Str("watermark", m.watermark).Msg("Write state, bookmark value")
		m.observer.WatermarkPersisted(m.stream, m.watermark)
	}
	m.lastPersisted = m.watermark
	return nil
}

// maxWatermark compares watermarks as strings; they share one fixed layout.
func maxWatermark(a, b string) string {
	if b > a {
		return b
	}
	return a
}
