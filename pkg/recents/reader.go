// Package recents turns Pipedrive's unified change feed into a flat sequence
// of per-stream records, expanding sub-resources inline.
package recents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tap-pipedrive/pkg/pagination"
)

// Endpoint is the change feed endpoint; it is also the bookmark key.
const Endpoint = "recents"

// DefaultItems are the entity types requested from the feed.
var DefaultItems = []string{
	"activity",
	"deal",
	"note",
	"person",
	"organization",
	"pipeline",
	"product",
	"stage",
	"user",
}

// SubQuery fetches a related collection for every record of a parent stream.
type SubQuery struct {
	// Stream is the name records are emitted under.
	Stream string

	// EndpointTemplate is formatted with the parent record id.
	EndpointTemplate string

	Params url.Values
}

// DefaultSubQueries is the expansion table.
var DefaultSubQueries = map[string][]SubQuery{
	"deal": {
		{
			Stream:           "deal_flow",
			EndpointTemplate: "deals/%v/flow",
			Params:           url.Values{"all_changes": {"1"}},
		},
	},
}

// Change is one record taken from the feed.
type Change struct {
	// Watermark is the record's change timestamp; expansion records carry
	// their parent's.
	Watermark string
	Stream    string
	Record    map[string]any
}

// RawItem is one element of the recents data array.
type RawItem struct {
	Item string          `json:"item"`
	Data json.RawMessage `json:"data"`
}

// RecordError is a feed record that cannot be processed.
type RecordError struct {
	Stream string
	Raw    json.RawMessage
	Err    error
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	return fmt.Sprintf("recents record (stream %s): %v", e.Stream, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RecordError) Unwrap() error {
	return e.Err
}

// Config holds reader configuration.
type Config struct {
	// Items overrides DefaultItems.
	Items []string

	// SubQueries overrides DefaultSubQueries.
	SubQueries map[string][]SubQuery
}

// Reader reads the change feed.
type Reader struct {
	pager      *pagination.Paginator
	items      []string
	subQueries map[string][]SubQuery
	logger     zerolog.Logger
}

// NewReader creates a feed reader.
func NewReader(pager *pagination.Paginator, cfg Config, logger zerolog.Logger) *Reader {
	items := cfg.Items
	if len(items) == 0 {
		items = DefaultItems
	}
	subQueries := cfg.SubQueries
	if subQueries == nil {
		subQueries = DefaultSubQueries
	}
	return &Reader{
		pager:      pager,
		items:      items,
		subQueries: subQueries,
		logger:     logger.With().Str("component", "recents").Logger(),
	}
}

// StreamSince iterates every change at or after watermark.
func (r *Reader) StreamSince(ctx context.Context, watermark string) *ChangeIterator {
	params := url.Values{}
	params.Set("since_timestamp", watermark)
	params.Set("items", strings.Join(r.items, ","))

	r.logger.Info().Str("since_timestamp", watermark).Msg("Reading change feed")

	return &ChangeIterator{
		ctx:       ctx,
		r:         r,
		top:       r.pager.Paginate(ctx, Endpoint, params),
		watermark: watermark,
	}
}

// ChangeIterator walks the feed. Expansion records of a parent are yielded
// right after it, before the next feed record.
type ChangeIterator struct {
	ctx context.Context
	r   *Reader
	top *pagination.Iterator

	// records of the current raw item not yet yielded
	stream  string
	pending []json.RawMessage

	// expansion state for the last yielded parent
	parentID  any
	parentTS  string
	subQueue  []SubQuery
	sub       *pagination.Iterator
	subStream string

	current   Change
	watermark string
	err       error
}

// Next advances to the next change.
func (it *ChangeIterator) Next() bool {
	for it.err == nil {
		if it.sub != nil {
			if it.nextSub() {
				return true
			}
			continue
		}

		if len(it.subQueue) > 0 {
			q := it.subQueue[0]
			it.subQueue = it.subQueue[1:]
			it.sub = it.r.pager.Paginate(it.ctx, fmt.Sprintf(q.EndpointTemplate, it.parentID), q.Params)
			it.subStream = q.Stream
			continue
		}

		if len(it.pending) > 0 {
			raw := it.pending[0]
			it.pending = it.pending[1:]
			return it.yieldRecord(raw)
		}

		if !it.top.Next() {
			it.err = it.top.Err()
			return false
		}
		it.loadItem(it.top.Item())
	}
	return false
}

// Change returns the current change.
func (it *ChangeIterator) Change() Change {
	return it.current
}

// Err returns the first error encountered.
func (it *ChangeIterator) Err() error {
	return it.err
}

// Watermark returns the highest timestamp yielded so far, or the starting
// watermark when nothing was yielded.
func (it *ChangeIterator) Watermark() string {
	return it.watermark
}

func (it *ChangeIterator) loadItem(raw json.RawMessage) {
	var item RawItem
	if err := json.Unmarshal(raw, &item); err != nil {
		it.err = &RecordError{Raw: raw, Err: fmt.Errorf("decode feed item: %w", err)}
		return
	}

	data := bytes.TrimSpace(item.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		it.pending = nil
	case data[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			it.err = &RecordError{Stream: item.Item, Raw: raw, Err: err}
			return
		}
		it.pending = list
	default:
		it.pending = []json.RawMessage{data}
	}
	it.stream = item.Item
}

func (it *ChangeIterator) yieldRecord(raw json.RawMessage) bool {
	record, err := DecodeRecord(raw)
	if err != nil {
		it.err = &RecordError{Stream: it.stream, Raw: raw, Err: err}
		return false
	}
	ts, err := RecordTimestamp(record)
	if err != nil {
		it.err = &RecordError{Stream: it.stream, Raw: raw, Err: err}
		return false
	}

	if queries := it.r.subQueries[it.stream]; len(queries) > 0 {
		id, ok := record["id"]
		if !ok || id == nil {
			it.err = &RecordError{Stream: it.stream, Raw: raw, Err: fmt.Errorf("record without id cannot be expanded")}
			return false
		}
		it.parentID = id
		it.parentTS = ts
		it.subQueue = append([]SubQuery(nil), queries...)
	}

	it.emit(Change{Watermark: ts, Stream: it.stream, Record: record})
	return true
}

func (it *ChangeIterator) nextSub() bool {
	for it.sub.Next() {
		raw := it.sub.Item()
		var item struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			it.err = &RecordError{Stream: it.subStream, Raw: raw, Err: err}
			return false
		}
		if len(item.Data) == 0 || bytes.Equal(bytes.TrimSpace(item.Data), []byte("null")) {
			continue
		}
		record, err := DecodeRecord(item.Data)
		if err != nil {
			it.err = &RecordError{Stream: it.subStream, Raw: raw, Err: err}
			return false
		}
		it.emit(Change{Watermark: it.parentTS, Stream: it.subStream, Record: record})
		return true
	}

	if err := it.sub.Err(); err != nil {
		it.err = err
		return false
	}
	it.sub = nil
	return false
}

func (it *ChangeIterator) emit(c Change) {
	it.current = c
	if c.Watermark > it.watermark {
		it.watermark = c.Watermark
	}
}

// DecodeRecord decodes a JSON object, keeping numbers as json.Number so ids
// and amounts survive re-encoding unchanged.
func DecodeRecord(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	return record, nil
}
