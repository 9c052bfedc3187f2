package kafka

import (
	"context"
	"testing"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

func TestNewDefaults(t *testing.T) {
	r := New(config.ReceiverCfg{
		Brokers: []string{"kafka:9092"},
		Topic:   "events",
		Extra:   map[string]any{},
	})
	if r.maxBytes != 10*1024*1024 {
		t.Fatalf("maxBytes = %d", r.maxBytes)
	}
	if r.ndjson {
		t.Fatalf("ndjson should default to false")
	}
	if got := r.groupOrDefault(); got != "behavior-engine" {
		t.Fatalf("groupOrDefault = %s", got)
	}
}

func TestNewExtras(t *testing.T) {
	r := New(config.ReceiverCfg{
		Brokers: []string{"kafka:9092"},
		Topic:   "events",
		Group:   "analytics",
		Extra:   map[string]any{"max_bytes": 1024, "ndjson": true},
	})
	if r.maxBytes != 1024 || !r.ndjson {
		t.Fatalf("extras not applied: %+v", r)
	}
	if got := r.groupOrDefault(); got != "analytics" {
		t.Fatalf("groupOrDefault = %s", got)
	}
}

func TestStartRejectsMissingConfig(t *testing.T) {
	r := New(config.ReceiverCfg{Extra: map[string]any{}})
	if err := r.Start(context.Background(), make(chan model.Event)); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestEmitLine(t *testing.T) {
	out := make(chan model.Event, 4)
	emitLine([]byte(`{"event_type":"signup","user_id":"u1"}`), out)
	emitLine([]byte("   "), out)
	emitLine([]byte("not-json"), out)
	if len(out) != 1 {
		t.Fatalf("emitted = %d, want 1", len(out))
	}
	ev := <-out
	if ev["event_type"] != "signup" {
		t.Fatalf("event = %+v", ev)
	}
}
