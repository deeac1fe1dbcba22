package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
)

// DefaultLimit is the page size requested from Pipedrive.
const DefaultLimit = 200

// Errors reported inside *PageError.
var (
	// ErrMissingNextStart means the server announced more items without a
	// next_start offset.
	ErrMissingNextStart = errors.New("more_items_in_collection set without next_start")

	// ErrStalledOffset means next_start did not move past the current offset.
	ErrStalledOffset = errors.New("next_start does not advance")
)

// Executor performs a single logical API request. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error)
}

// Page is the Pipedrive list envelope.
type Page struct {
	Data           []json.RawMessage `json:"data"`
	AdditionalData *AdditionalData   `json:"additional_data"`
}

// AdditionalData carries the pagination block.
type AdditionalData struct {
	Pagination *Pagination `json:"pagination"`
}

// Pagination is the continuation info of one page.
type Pagination struct {
	Start                 int  `json:"start"`
	Limit                 int  `json:"limit"`
	MoreItemsInCollection bool `json:"more_items_in_collection"`
	NextStart             *int `json:"next_start"`
}

// DecodePage parses a list response body.
func DecodePage(body []byte) (Page, error) {
	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return Page{}, fmt.Errorf("decode page: %w", err)
	}
	return page, nil
}

// pagination returns the continuation block, or nil when the page is final.
func (p Page) pagination() *Pagination {
	if p.AdditionalData == nil {
		return nil
	}
	return p.AdditionalData.Pagination
}

// PageError is a failure while fetching or decoding one page.
type PageError struct {
	Endpoint string
	Start    int
	LastBody json.RawMessage
	Err      error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return fmt.Sprintf("paginate %s (start %d): %v", e.Endpoint, e.Start, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// Config holds paginator configuration.
type Config struct {
	// Limit is the page size (default DefaultLimit).
	Limit int
}

// Paginator creates page iterators over an Executor.
type Paginator struct {
	exec   Executor
	limit  int
	logger zerolog.Logger
}

// New creates a paginator.
func New(exec Executor, cfg Config, logger zerolog.Logger) *Paginator {
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Paginator{
		exec:   exec,
		limit:  limit,
		logger: logger.With().Str("component", "pagination").Logger(),
	}
}

// Paginate returns a lazy iterator over every item of endpoint. base is copied;
// its start value, if any, is the first offset.
func (p *Paginator) Paginate(ctx context.Context, endpoint string, base url.Values) *Iterator {
	params := url.Values{}
	for k, v := range base {
		params[k] = append([]string(nil), v...)
	}

	it := &Iterator{
		ctx:      ctx,
		p:        p,
		endpoint: endpoint,
		params:   params,
	}
	if s := params.Get("start"); s != "" {
		start, err := strconv.Atoi(s)
		if err != nil {
			it.err = &PageError{Endpoint: endpoint, Err: fmt.Errorf("invalid start %q: %w", s, err)}
			return it
		}
		it.start = start
	}
	return it
}

// Iterator yields the items of a paginated collection. Exactly one page is
// held in memory.
type Iterator struct {
	ctx      context.Context
	p        *Paginator
	endpoint string
	params   url.Values

	start    int
	items    []json.RawMessage
	pos      int
	item     json.RawMessage
	last     bool
	endErr   error
	err      error
	pages    int
	lastBody json.RawMessage
}

// Next advances to the next item, fetching the following page when the
// current one is consumed. It returns false at the end or on error.
func (it *Iterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.pos < len(it.items) {
			it.item = it.items[it.pos]
			it.pos++
			return true
		}
		it.item = nil
		if it.last {
			it.err = it.endErr
			return false
		}
		it.fetch()
	}
}

// Item returns the current item.
func (it *Iterator) Item() json.RawMessage {
	return it.item
}

// Err returns the first error encountered.
func (it *Iterator) Err() error {
	return it.err
}

// Pages returns the number of pages fetched so far.
func (it *Iterator) Pages() int {
	return it.pages
}

// LastBody returns the raw body of the last page received.
func (it *Iterator) LastBody() json.RawMessage {
	return it.lastBody
}

func (it *Iterator) fetch() {
	it.params.Set("limit", strconv.Itoa(it.p.limit))
	it.params.Set("start", strconv.Itoa(it.start))

	body, err := it.p.exec.Execute(it.ctx, it.endpoint, it.params)
	if err != nil {
		it.err = it.pageError(err)
		return
	}
	it.lastBody = body

	page, err := DecodePage(body)
	if err != nil {
		it.err = it.pageError(err)
		return
	}
	it.pages++
	it.items = page.Data
	it.pos = 0

	pg := page.pagination()

	it.p.logger.Debug().
		Str("endpoint", it.endpoint).
		Int("start", it.start).
		Int("items", len(page.Data)).
		Bool("more", pg != nil && pg.MoreItemsInCollection).
		Msg("Fetched page")

	switch {
	case pg == nil || !pg.MoreItemsInCollection:
		it.last = true
	case pg.NextStart == nil:
		it.last = true
		it.endErr = it.pageError(ErrMissingNextStart)
	case *pg.NextStart <= it.start:
		it.last = true
		it.endErr = it.pageError(fmt.Errorf("%w: %d", ErrStalledOffset, *pg.NextStart))
	default:
		it.start = *pg.NextStart
	}
}

func (it *Iterator) pageError(err error) *PageError {
	return &PageError{
		Endpoint: it.endpoint,
		Start:    it.start,
		LastBody: it.lastBody,
		Err:      err,
	}
}
