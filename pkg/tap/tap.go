// Package tap runs one extraction: it seeds the run from stored state, drains
// the recents change feed through the checkpoint manager and emits the static
// reference streams.
package tap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tap-pipedrive/pkg/checkpoint"
	"github.com/Sternrassler/tap-pipedrive/pkg/metrics"
	"github.com/Sternrassler/tap-pipedrive/pkg/pagination"
	"github.com/Sternrassler/tap-pipedrive/pkg/recents"
	"github.com/Sternrassler/tap-pipedrive/pkg/sink"
	"github.com/Sternrassler/tap-pipedrive/pkg/state"
)

// DefaultLookback is how far back a run without bookmark or start date begins.
const DefaultLookback = 2 * 365 * 24 * time.Hour

// Strategy is how a stream is extracted.
type Strategy int

const (
	// Incremental streams are read from the recents feed and checkpointed.
	Incremental Strategy = iota

	// Static streams are fetched in full with a single request.
	Static
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case Incremental:
		return "incremental"
	case Static:
		return "static"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// StreamDef describes one output stream.
type StreamDef struct {
	Name     string
	Strategy Strategy
	Endpoint string
}

// DefaultStreams is the stream table, in extraction order.
var DefaultStreams = []StreamDef{
	{Name: recents.Endpoint, Strategy: Incremental, Endpoint: recents.Endpoint},
	{Name: "activity_types", Strategy: Static, Endpoint: "activityTypes"},
	{Name: "stages", Strategy: Static, Endpoint: "stages"},
	{Name: "currencies", Strategy: Static, Endpoint: "currencies"},
}

// API is the request surface the tap needs. *client.Client implements it.
type API interface {
	pagination.Executor
	FetchStatic(ctx context.Context, endpoint string) ([]json.RawMessage, error)
}

// Credentials refreshes the access token before the first request.
// *auth.Manager implements it.
type Credentials interface {
	RefreshToken() string
	Refresh(ctx context.Context) error
}

// Config holds run configuration.
type Config struct {
	// StartDate bounds the first run. Empty means now minus DefaultLookback.
	StartDate string

	BatchSize int
	PageLimit int

	// Streams overrides DefaultStreams.
	Streams []StreamDef

	// Now is the clock (default time.Now).
	Now func() time.Time
}

// Deps are the collaborators of a run.
type Deps struct {
	API         API
	Credentials Credentials
	Sink        sink.Sink
	Store       state.Store
	Observer    checkpoint.Observer
}

// Summary reports what a run did.
type Summary struct {
	Records   map[string]int
	Watermark string
}

// Tap is a configured extraction run.
type Tap struct {
	deps   Deps
	cfg    Config
	reader *recents.Reader
	logger zerolog.Logger
}

// New validates the configuration and builds the run.
func New(deps Deps, cfg Config, logger zerolog.Logger) (*Tap, error) {
	if deps.API == nil {
		return nil, errors.New("api is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if deps.Store == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Observer == nil {
		deps.Observer = checkpoint.NopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = DefaultStreams
	}

	pager := pagination.New(deps.API, pagination.Config{Limit: cfg.PageLimit}, logger)
	return &Tap{
		deps:   deps,
		cfg:    cfg,
		reader: recents.NewReader(pager, recents.Config{}, logger),
		logger: logger,
	}, nil
}

// Run performs the extraction. It stops at the first failing stream.
func (t *Tap) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Records: make(map[string]int)}

	if t.deps.Credentials != nil && t.deps.Credentials.RefreshToken() != "" {
		if err := t.deps.Credentials.Refresh(ctx); err != nil {
			return summary, fmt.Errorf("initial token refresh: %w", err)
		}
	}

	loaded, err := t.deps.Store.Load(ctx)
	if err != nil {
		return summary, fmt.Errorf("load state: %w", err)
	}
	if loaded == nil {
		loaded = state.New()
	}

	for _, def := range t.cfg.Streams {
		logger := t.logger.With().Str("stream", def.Name).Str("strategy", def.Strategy.String()).Logger()
		logger.Info().Msg("Syncing stream")

		switch def.Strategy {
		case Incremental:
			res, err := t.syncIncremental(ctx, def, loaded, logger)
			summary.Records[def.Name] = res.Emitted
			summary.Watermark = res.Watermark
			if err != nil {
				return summary, fmt.Errorf("sync %s: %w", def.Name, err)
			}
		case Static:
			n, err := t.syncStatic(ctx, def)
			summary.Records[def.Name] = n
			if err != nil {
				return summary, fmt.Errorf("sync %s: %w", def.Name, err)
			}
			logger.Info().Int("records", n).Msg("Stream synced")
		default:
			return summary, fmt.Errorf("stream %s: unknown strategy %s", def.Name, def.Strategy)
		}
	}
	return summary, nil
}

func (t *Tap) syncIncremental(ctx context.Context, def StreamDef, loaded *state.RunState, logger zerolog.Logger) (checkpoint.Result, error) {
	start, err := ResolveStart(t.cfg.StartDate, t.cfg.Now())
	if err != nil {
		return checkpoint.Result{}, err
	}

	// Bookmarks written by other tools may use ISO 8601; the manager compares
	// watermarks as strings, so bring them to the feed's layout first.
	if raw, ok := loaded.Bookmarks[def.Name]; ok {
		loaded.SetBookmark(def.Name, recents.NormalizeTimestamp(raw))
	}
	watermark := loaded.Bookmark(def.Name, start)
	logger.Info().Str("since", watermark).Msg("Reading change feed")

	mgr, err := checkpoint.New(checkpoint.Config{
		Stream:         def.Name,
		BatchSize:      t.cfg.BatchSize,
		StartWatermark: watermark,
		Sink:           t.deps.Sink,
		Store:          t.deps.Store,
		Observer:       t.deps.Observer,
		Now:            t.cfg.Now,
	}, loaded, logger)
	if err != nil {
		return checkpoint.Result{}, err
	}

	res, err := mgr.Run(ctx, t.reader.StreamSince(ctx, watermark))
	if err != nil {
		event := logger.Error().Err(err).
			Int("records", res.Emitted).
			Str("watermark", res.Watermark).
			Str("last_stream", res.LastStream).
			Str("last_watermark", res.LastWatermark)
		var pageErr *pagination.PageError
		if errors.As(err, &pageErr) {
			event = event.Str("endpoint", pageErr.Endpoint).Int("start", pageErr.Start).Str("last_body", truncate(string(pageErr.LastBody), 2048))
		}
		event.Msg("Change feed sync failed")
		return res, err
	}

	event := logger.Info().Int("records", res.Emitted).Int("batches", res.Batches).Str("watermark", res.Watermark)
	if lag, ok := metrics.Lag(res.Watermark, t.cfg.Now()); ok {
		event = event.Dur("lag", lag)
	}
	event.Msg("Stream synced")
	return res, nil
}

func (t *Tap) syncStatic(ctx context.Context, def StreamDef) (int, error) {
	items, err := t.deps.API.FetchStatic(ctx, def.Endpoint)
	if err != nil {
		return 0, err
	}

	observedAt := t.cfg.Now()
	for i, raw := range items {
		record, err := recents.DecodeRecord(raw)
		if err != nil {
			return i, fmt.Errorf("item %d: %w", i, err)
		}
		if err := t.deps.Sink.Emit(ctx, def.Name, record, observedAt); err != nil {
			return i, fmt.Errorf("emit: %w", err)
		}
		t.deps.Observer.RecordEmitted(def.Name)
	}
	return len(items), nil
}

// ResolveStart returns the watermark for a stream without a bookmark: the
// configured start date in the feed's layout, or now minus DefaultLookback.
func ResolveStart(startDate string, now time.Time) (string, error) {
	startDate = strings.TrimSpace(startDate)
	if startDate == "" {
		return recents.FormatSinceTimestamp(now.Add(-DefaultLookback)), nil
	}
	ts, err := recents.ParseTimestamp(startDate)
	if err != nil {
		return "", fmt.Errorf("start_date: %w", err)
	}
	return recents.FormatSinceTimestamp(ts), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
