package source

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006/01/02 15:04:05",
}

// ParseTimestamp accepts ISO-8601 strings (zone-less values are UTC) and
// numeric epochs in seconds, milliseconds, microseconds or nanoseconds,
// picked by magnitude. Results are always UTC.
func ParseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		return parseTimestampString(x)
	case json.Number:
		return parseTimestampString(x.String())
	case float64:
		return fromEpochFloat(x)
	case int64:
		return fromEpochInt(x), x > 0
	case int:
		return fromEpochInt(int64(x)), x > 0
	}
	return time.Time{}, false
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		return fromEpochInt(n), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpochFloat(f)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fromEpochInt(n int64) time.Time {
	switch {
	case n >= 1e17:
		return time.Unix(0, n).UTC()
	case n >= 1e14:
		return time.UnixMicro(n).UTC()
	case n >= 1e11:
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func fromEpochFloat(f float64) (time.Time, bool) {
	// 2^63 and above do not fit int64 nanoseconds.
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f >= math.MaxInt64 {
		return time.Time{}, false
	}
	if f >= 1e11 {
		return fromEpochInt(int64(f)), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC(), true
}
