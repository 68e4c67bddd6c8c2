package service

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Bounds of years 1 and 9999 in Unix milliseconds.
const (
	minEpochMillis = -62135596800000
	maxEpochMillis = 253402300799999
)

// maxFutureSkew bounds how far ahead of the server clock a client
// timestamp may be. Streams advance their cursor past each record, so a
// record dated far ahead would hide every later one.
const maxFutureSkew = 5 * time.Minute

// timestampLayouts are tried in order for string timestamps. Layouts
// without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
	time.ANSIC,
}

// ParseTimestamp interprets a client-supplied timestamp. Strings are tried
// against the accepted layouts; numbers (or numeric strings) are Unix
// milliseconds. Anything absent, unparseable, or more than maxFutureSkew
// ahead of now yields now, so a bad timestamp never rejects an event.
func ParseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	t := parseTimestamp(raw, now)
	if t.After(now.Add(maxFutureSkew)) {
		return now
	}
	return t
}

func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return now
		}
		if t, ok := parseTimestampString(s); ok {
			return t
		}
		return now
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return now
	}
	if t, ok := fromEpochMillis(ms); ok {
		return t
	}
	return now
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpochMillis(ms)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return inRange(t.UTC())
		}
	}
	return time.Time{}, false
}

func fromEpochMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || ms < minEpochMillis || ms > maxEpochMillis {
		return time.Time{}, false
	}
	return inRange(time.UnixMilli(int64(ms)).UTC())
}

// inRange rejects instants outside years 1..9999, which cannot round-trip
// through JSON or the millisecond column.
func inRange(t time.Time) (time.Time, bool) {
	if y := t.Year(); y < 1 || y > 9999 {
		return time.Time{}, false
	}
	return t, true
}
