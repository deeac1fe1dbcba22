// Package sink delivers extracted records downstream. The Singer writer emits
// one JSON message per line on stdout.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Sink receives extracted records in order.
type Sink interface {
	Emit(ctx context.Context, stream string, record map[string]any, observedAt time.Time) error
}

// Singer message types.
const (
	MessageRecord = "RECORD"
	MessageState  = "STATE"
)

// RecordMessage is a Singer RECORD message.
type RecordMessage struct {
	Type          string         `json:"type"`
	Stream        string         `json:"stream"`
	Record        map[string]any `json:"record"`
	TimeExtracted string         `json:"time_extracted"`
}

// StateMessage is a Singer STATE message.
type StateMessage struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// SingerWriter writes RECORD and STATE messages to w. RECORD and STATE lines
// share the writer so their relative order on the stream is preserved.
type SingerWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewSingerWriter creates a writer.
func NewSingerWriter(w io.Writer) *SingerWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &SingerWriter{enc: enc}
}

// Emit writes a RECORD message.
func (s *SingerWriter) Emit(_ context.Context, stream string, record map[string]any, observedAt time.Time) error {
	return s.write(MessageRecord, RecordMessage{
		Type:          MessageRecord,
		Stream:        stream,
		Record:        record,
		TimeExtracted: observedAt.UTC().Format(time.RFC3339Nano),
	})
}

// WriteState writes a STATE message.
func (s *SingerWriter) WriteState(_ context.Context, value any) error {
	return s.write(MessageState, StateMessage{Type: MessageState, Value: value})
}

func (s *SingerWriter) write(kind string, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("write %s message: %w", kind, err)
	}
	return nil
}
