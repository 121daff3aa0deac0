package state

import (
	"encoding/json"
	"time"
)

// EncodeJSON marshals v for storage in a TEXT column. Nil encodes to "".
func EncodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeJSONMap unmarshals a TEXT column into a map. Returns nil for
// empty or malformed input.
func DecodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

// timeLayout is RFC3339 with a fixed-width fractional second. RFC3339Nano
// trims trailing zeros, which breaks lexicographic ordering of the stored
// strings (".5Z" sorts after ".51Z"); padding the fraction keeps ORDER BY
// and range comparisons on TEXT columns in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp for storage. Zero times store as "".
// Always UTC, so the offset suffix is constant and strings compare in time
// order.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp, tolerating "".
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NullString maps "" to SQL NULL.
func NullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
