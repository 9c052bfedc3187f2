// Package httpevents implements the batch ingest HTTP endpoint. Clients POST
// raw analytics events as NDJSON, a JSON array, or a single JSON object.
// Payloads may be gzip- or snappy-compressed via Content-Encoding.
package httpevents

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

const defaultPath = "/v1/events/batch"

var (
	eventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "behavior_engine_http_events_accepted_total",
		Help: "Events accepted by the HTTP ingest receiver.",
	})
	badRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "behavior_engine_http_ingest_errors_total",
		Help: "Ingest requests rejected as malformed.",
	})
)

type Receiver struct {
	addr         string
	path         string
	maxBodyBytes int64
}

// New builds the HTTP ingest receiver.
//
// Supported rc.Extra keys:
//   - path: string (default "/v1/events/batch")
//   - max_body_bytes: int (default 16*1024*1024)
func New(rc config.ReceiverCfg) *Receiver {
	path := defaultPath
	if p := config.ExtraString(rc.Extra, "path", ""); strings.TrimSpace(p) != "" {
		path = p
	}
	maxBody := int64(16 * 1024 * 1024)
	if v := config.ExtraInt(rc.Extra, "max_body_bytes", 0); v > 0 {
		maxBody = int64(v)
	}
	return &Receiver{
		addr:         rc.Endpoint, // e.g. "0.0.0.0:9460"
		path:         path,
		maxBodyBytes: maxBody,
	}
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Event) error {
	if r.addr == "" {
		r.addr = "0.0.0.0:9460"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(r.path, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		n, err := r.handleBody(req, out)
		if err != nil {
			badRequests.Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		eventsAccepted.Add(float64(n))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
		log.Debug().Int("events", n).Msg("http ingest accepted batch")
	})

	srv := &http.Server{
		Addr:              r.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", r.addr).Str("path", r.path).Msg("http ingest listening")

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
		return nil
	case e := <-errCh:
		return e
	}
}

// handleBody decompresses and decodes one ingest request, emitting every
// decoded event. Undecodable lines are skipped rather than failing the batch.
func (r *Receiver) handleBody(req *http.Request, out chan<- model.Event) (int, error) {
	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxBodyBytes))
	if err != nil {
		return 0, errBadBody
	}

	switch enc := strings.ToLower(req.Header.Get("Content-Encoding")); {
	case strings.Contains(enc, "snappy"):
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return 0, errBadSnappy
		}
	case strings.Contains(enc, "gzip"):
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return 0, errBadGzip
		}
		body, err = io.ReadAll(gr)
		gr.Close()
		if err != nil {
			return 0, errBadGzip
		}
	}

	payload := bytes.TrimSpace(body)
	if len(payload) == 0 {
		return 0, nil
	}

	// A JSON array is one batch; anything else is NDJSON (a single object is
	// one-line NDJSON).
	if payload[0] == '[' {
		var events []model.Event
		if err := json.Unmarshal(payload, &events); err != nil {
			return 0, errBadJSON
		}
		n := 0
		for _, ev := range events {
			if ev == nil {
				continue
			}
			out <- ev
			n++
		}
		return n, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(payload))
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 10*1024*1024)
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Err(err).Msg("http ingest skipping undecodable line")
			continue
		}
		out <- ev
		n++
	}
	if err := sc.Err(); err != nil {
		return n, errBadBody
	}
	return n, nil
}

var (
	errBadBody   = &ingestError{"bad body"}
	errBadGzip   = &ingestError{"bad gzip"}
	errBadSnappy = &ingestError{"bad snappy"}
	errBadJSON   = &ingestError{"bad json"}
)

type ingestError struct{ s string }

func (e *ingestError) Error() string { return e.s }
