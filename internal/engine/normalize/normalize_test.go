package normalize

import (
	"testing"
	"time"

	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

func TestTimestampFieldPriority(t *testing.T) {
	ev := model.Event{
		"server_received_time": "2024-03-01T10:00:00Z",
		"event_time":           "2024-03-01T09:00:00Z",
	}
	ts, ok := Timestamp(ev)
	if !ok {
		t.Fatalf("expected resolvable timestamp")
	}
	if ts.Hour() != 9 {
		t.Fatalf("event_time should win over server_received_time, got %v", ts)
	}
}

func TestTimestampLooseFormat(t *testing.T) {
	cases := map[string]string{
		"2024-03-01 10:15:30":        "2024-03-01T10:15:30Z",
		"2024-03-01 10:15:30.5":      "2024-03-01T10:15:30.5Z",
		"2024-03-01T10:15:30.123456": "2024-03-01T10:15:30.123Z",
	}
	for in, wantStr := range cases {
		want, _ := time.Parse(time.RFC3339Nano, wantStr)
		// fractional digits are padded/truncated to exactly three
		if in == "2024-03-01 10:15:30.5" {
			want, _ = time.Parse(time.RFC3339Nano, "2024-03-01T10:15:30.500Z")
		}
		ts, ok := Timestamp(model.Event{"event_time": in})
		if !ok {
			t.Fatalf("timestamp %q did not parse", in)
		}
		if !ts.Equal(want) {
			t.Fatalf("timestamp %q: want %v, got %v", in, want, ts)
		}
	}
}

func TestTimestampNumeric(t *testing.T) {
	// seconds
	ts, ok := Timestamp(model.Event{"event_time": float64(1709287200)})
	if !ok || ts.Unix() != 1709287200 {
		t.Fatalf("unix seconds not handled: %v %v", ts, ok)
	}
	// milliseconds
	ts, ok = Timestamp(model.Event{"event_time": float64(1709287200123)})
	if !ok || ts.UnixMilli() != 1709287200123 {
		t.Fatalf("unix millis not handled: %v %v", ts, ok)
	}
}

func TestTimestampUnresolvable(t *testing.T) {
	for _, ev := range []model.Event{
		{},
		{"event_time": "not-a-time"},
		{"event_time": ""},
		{"other_field": "2024-03-01T10:00:00Z"},
	} {
		if _, ok := Timestamp(ev); ok {
			t.Fatalf("event %v should have no resolvable timestamp", ev)
		}
	}
}

func TestUserIDFallbackChain(t *testing.T) {
	if got := UserID(model.Event{"device_id": "d-1", "user_id": "u-1"}); got != "u-1" {
		t.Fatalf("user_id should win, got %q", got)
	}
	if got := UserID(model.Event{"device_id": "d-1"}); got != "d-1" {
		t.Fatalf("device_id fallback failed, got %q", got)
	}
	if got := UserID(model.Event{"amplitude_id": float64(12345)}); got != "12345" {
		t.Fatalf("numeric identity should coerce to string, got %q", got)
	}
	if got := UserID(model.Event{}); got != AnonymousUser {
		t.Fatalf("expected anonymous sentinel, got %q", got)
	}
}

func TestEventTypeAndID(t *testing.T) {
	if got := EventType(model.Event{"event_type": "  purchase "}, "all"); got != "purchase" {
		t.Fatalf("event type not trimmed: %q", got)
	}
	if got := EventType(model.Event{}, "all"); got != "all" {
		t.Fatalf("fallback event type expected, got %q", got)
	}
	if got := EventID(model.Event{"insert_id": "i-1", "uuid": "e-1"}); got != "e-1" {
		t.Fatalf("uuid should win for event id, got %q", got)
	}
	if got := EventID(model.Event{}); got != "" {
		t.Fatalf("expected empty event id, got %q", got)
	}
}

func TestFieldValue(t *testing.T) {
	if got := FieldValue(model.Event{"country": "TH"}, "country"); got != "TH" {
		t.Fatalf("got %q", got)
	}
	if got := FieldValue(model.Event{"country": "  "}, "country"); got != UnknownValue {
		t.Fatalf("blank value should normalize to unknown, got %q", got)
	}
	if got := FieldValue(model.Event{}, "country"); got != UnknownValue {
		t.Fatalf("missing value should normalize to unknown, got %q", got)
	}
}
