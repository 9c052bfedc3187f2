package httpevents

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/snappy"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

func newTestReceiver() *Receiver {
	return New(config.ReceiverCfg{Extra: map[string]any{}})
}

func drain(ch chan model.Event) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHandleBodyNDJSON(t *testing.T) {
	r := newTestReceiver()
	out := make(chan model.Event, 16)

	body := strings.Join([]string{
		`{"event_type":"signup","user_id":"u1"}`,
		``,
		`{"event_type":"click","user_id":"u2"}`,
		`not-json`,
		`{"event_type":"purchase","user_id":"u3"}`,
	}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/v1/events/batch", strings.NewReader(body))

	n, err := r.handleBody(req, out)
	if err != nil {
		t.Fatalf("handleBody: %v", err)
	}
	if n != 3 {
		t.Fatalf("accepted = %d, want 3 (undecodable line skipped)", n)
	}
	events := drain(out)
	if events[1]["event_type"] != "click" {
		t.Fatalf("order not preserved: %+v", events)
	}
}

func TestHandleBodyJSONArray(t *testing.T) {
	r := newTestReceiver()
	out := make(chan model.Event, 16)

	body := `[{"event_type":"signup"},{"event_type":"click"}]`
	req := httptest.NewRequest(http.MethodPost, "/v1/events/batch", strings.NewReader(body))
	n, err := r.handleBody(req, out)
	if err != nil {
		t.Fatalf("handleBody: %v", err)
	}
	if n != 2 {
		t.Fatalf("accepted = %d, want 2", n)
	}
}

func TestHandleBodySingleObject(t *testing.T) {
	r := newTestReceiver()
	out := make(chan model.Event, 1)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/batch",
		strings.NewReader(`{"event_type":"signup","user_id":"u1"}`))
	n, err := r.handleBody(req, out)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v, want 1 nil", n, err)
	}
}

func TestHandleBodyGzip(t *testing.T) {
	r := newTestReceiver()
	out := make(chan model.Event, 4)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte(`{"event_type":"signup"}` + "\n" + `{"event_type":"click"}`))
	gw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/events/batch", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	n, err := r.handleBody(req, out)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v, want 2 nil", n, err)
	}
}

func TestHandleBodySnappy(t *testing.T) {
	r := newTestReceiver()
	out := make(chan model.Event, 4)

	raw := snappy.Encode(nil, []byte(`[{"event_type":"signup"}]`))
	req := httptest.NewRequest(http.MethodPost, "/v1/events/batch", bytes.NewReader(raw))
	req.Header.Set("Content-Encoding", "snappy")
	n, err := r.handleBody(req, out)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v, want 1 nil", n, err)
	}
}

func TestHandleBodyBadGzip(t *testing.T) {
	r := newTestReceiver()
	out := make(chan model.Event, 1)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/batch", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	if _, err := r.handleBody(req, out); err == nil {
		t.Fatalf("expected error for corrupt gzip body")
	}
}

func TestExtraPathAndBodyLimit(t *testing.T) {
	r := New(config.ReceiverCfg{Extra: map[string]any{
		"path":           "/ingest",
		"max_body_bytes": 1024,
	}})
	if r.path != "/ingest" {
		t.Fatalf("path = %s", r.path)
	}
	if r.maxBodyBytes != 1024 {
		t.Fatalf("maxBodyBytes = %d", r.maxBodyBytes)
	}
}
