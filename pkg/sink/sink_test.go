package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSingerWriter_Emit(t *testing.T) {
	var buf bytes.Buffer
	w := NewSingerWriter(&buf)

	observed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	record := map[string]any{"id": json.Number("42"), "name": "<Acme & Co>"}
	if err := w.Emit(context.Background(), "organization", record, observed); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	expected := `{"type":"RECORD","stream":"organization","record":{"id":42,"name":"<Acme & Co>"},"time_extracted":"2024-01-02T03:04:05Z"}` + "\n"
	if buf.String() != expected {
		t.Errorf("output = %q\nwant     %q", buf.String(), expected)
	}
}

func TestSingerWriter_WriteState(t *testing.T) {
	var buf bytes.Buffer
	w := NewSingerWriter(&buf)

	state := map[string]any{"bookmarks": map[string]string{"recents": "2024-01-01 00:00:00"}}
	if err := w.WriteState(context.Background(), state); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	expected := `{"type":"STATE","value":{"bookmarks":{"recents":"2024-01-01 00:00:00"}}}` + "\n"
	if buf.String() != expected {
		t.Errorf("output = %q, want %q", buf.String(), expected)
	}
}

func TestSingerWriter_OneMessagePerLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewSingerWriter(&buf)

	for i := 0; i < 3; i++ {
		if err := w.Emit(context.Background(), "note", map[string]any{"id": i}, time.Now()); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Errorf("lines = %d, want 3", len(lines))
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestSingerWriter_WriteError(t *testing.T) {
	w := NewSingerWriter(failingWriter{})

	err := w.Emit(context.Background(), "note", map[string]any{}, time.Now())
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("Expected write error, got %v", err)
	}
}
