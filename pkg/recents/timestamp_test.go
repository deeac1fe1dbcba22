package recents

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"2024-01-01 00:00:00", "2024-01-01 00:00:00"},
		{"2024-01-01T10:20:30Z", "2024-01-01 10:20:30"},
		{"2024-01-01T10:20:30+02:00", "2024-01-01 08:20:30"},
		{"2024-01-01T10:20:30.123Z", "2024-01-01 10:20:30"},
		{"2024-03-05", "2024-03-05 00:00:00"},
		{"not a time", "not a time"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeTimestamp(tt.input); got != tt.expected {
				t.Errorf("NormalizeTimestamp(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatSinceTimestamp(t *testing.T) {
	ts := time.Date(2023, 6, 1, 12, 0, 5, 0, time.FixedZone("CEST", 2*3600))
	if got := FormatSinceTimestamp(ts); got != "2023-06-01 10:00:05" {
		t.Errorf("FormatSinceTimestamp = %q", got)
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("Expected error")
	}
}

func TestRecordTimestamp(t *testing.T) {
	tests := []struct {
		name        string
		record      map[string]any
		expected    string
		expectError bool
	}{
		{
			name:     "update_time wins",
			record:   map[string]any{"update_time": "2024-02-01 00:00:00", "modified": "2024-01-01 00:00:00", "created": "2023-01-01 00:00:00"},
			expected: "2024-02-01 00:00:00",
		},
		{
			name:     "modified fallback",
			record:   map[string]any{"update_time": nil, "modified": "2024-01-05 00:00:00"},
			expected: "2024-01-05 00:00:00",
		},
		{
			name:     "empty update_time falls through",
			record:   map[string]any{"update_time": "", "created": "2023-01-01 00:00:00"},
			expected: "2023-01-01 00:00:00",
		},
		{
			name:     "numeric value",
			record:   map[string]any{"created": json.Number("1700000000")},
			expected: "1700000000",
		},
		{
			name:        "no timestamp",
			record:      map[string]any{"id": 1},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RecordTimestamp(tt.record)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("RecordTimestamp = %q, want %q", got, tt.expected)
			}
		})
	}
}
