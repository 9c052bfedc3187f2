// Package normalize resolves open-schema behavioral event records to a
// canonical (timestamp, userId, eventType, eventId) view. Resolution walks
// priority-ordered fallback field chains; events without a resolvable
// timestamp are silently excluded from windowed processing rather than
// treated as errors.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

// Field fallback chains, in priority order. The first field yielding a valid
// value wins.
var (
	timestampFields = []string{"event_time", "server_received_time", "server_upload_time", "client_event_time"}
	userFields      = []string{"user_id", "device_id", "amplitude_id", "uuid"}
	eventIDFields   = []string{"uuid", "insert_id", "event_id"}
)

const (
	eventTypeField = "event_type"

	// AnonymousUser is the synthetic identity used when no identity field
	// resolves. Distinct anonymous users collide into it; accepted imprecision.
	AnonymousUser = "anonymous"

	// UnknownValue is the sentinel for unresolvable segment field values.
	UnknownValue = "unknown"
)

// looseTimestamp matches the common "YYYY-MM-DD HH:MM:SS[.ffffff]" shape
// with a space or T separator and 1-6 fractional digits.
var looseTimestamp = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2}:\d{2})(?:\.(\d{1,6}))?$`)

// Timestamp resolves the event time, trying each timestamp field in priority
// order. The boolean is false when no field yields a valid instant.
func Timestamp(ev model.Event) (time.Time, bool) {
	for _, f := range timestampFields {
		v, ok := ev[f]
		if !ok {
			continue
		}
		if ts, ok := coerceTime(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// UserID resolves the user identity, falling back to AnonymousUser.
func UserID(ev model.Event) string {
	for _, f := range userFields {
		if s := stringValue(ev[f]); s != "" {
			return s
		}
	}
	return AnonymousUser
}

// EventType returns the trimmed event type, or fallback when absent/empty.
func EventType(ev model.Event, fallback string) string {
	if s := strings.TrimSpace(stringValue(ev[eventTypeField])); s != "" {
		return s
	}
	return fallback
}

// EventID resolves the optional unique event identifier; empty when none.
func EventID(ev model.Event) string {
	for _, f := range eventIDFields {
		if s := stringValue(ev[f]); s != "" {
			return s
		}
	}
	return ""
}

// FieldValue resolves an arbitrary grouping field to a string, with
// UnknownValue for missing or empty values.
func FieldValue(ev model.Event, field string) string {
	if s := strings.TrimSpace(stringValue(ev[field])); s != "" {
		return s
	}
	return UnknownValue
}

func coerceTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case float64:
		return timeFromNumber(t)
	case int:
		return timeFromNumber(float64(t))
	case int64:
		return timeFromNumber(float64(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, normalizeTimestamp(s)); err == nil {
			return ts.UTC(), true
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return timeFromNumber(n)
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// timeFromNumber interprets numeric timestamps: values at or above 1e12 are
// Unix milliseconds, otherwise Unix seconds.
func timeFromNumber(n float64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}

// normalizeTimestamp rewrites the loose "YYYY-MM-DD HH:MM:SS[.ffffff]" form
// into strict RFC3339 UTC, padding or truncating fractional digits to
// exactly three. Inputs already in RFC3339 pass through untouched.
func normalizeTimestamp(s string) string {
	m := looseTimestamp.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	frac := m[3]
	switch {
	case frac == "":
		frac = "000"
	case len(frac) > 3:
		frac = frac[:3]
	default:
		frac = frac + strings.Repeat("0", 3-len(frac))
	}
	return m[1] + "T" + m[2] + "." + frac + "Z"
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
