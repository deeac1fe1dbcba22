package recents

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the format of since_timestamp and of record timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// timestampFields are consulted in order; the first non-empty one wins.
var timestampFields = []string{"update_time", "modified", "created"}

var parseLayouts = []string{
	TimestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

// ParseTimestamp parses a watermark or start date in any of the forms
// Pipedrive and Singer configs use. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FormatSinceTimestamp renders t in the since_timestamp format.
func FormatSinceTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NormalizeTimestamp rewrites s in TimestampLayout so watermarks compare
// correctly as strings. Unparseable values are returned unchanged.
func NormalizeTimestamp(s string) string {
	t, err := ParseTimestamp(s)
	if err != nil {
		return s
	}
	return FormatSinceTimestamp(t)
}

// RecordTimestamp returns the change timestamp of a record: update_time,
// else modified, else created.
func RecordTimestamp(record map[string]any) (string, error) {
	for _, field := range timestampFields {
		switch v := record[field].(type) {
		case nil:
			continue
		case string:
			if v != "" {
				return NormalizeTimestamp(v), nil
			}
		default:
			return NormalizeTimestamp(fmt.Sprint(v)), nil
		}
	}
	return "", fmt.Errorf("record has none of %s", strings.Join(timestampFields, ", "))
}
