// Package insightstore ships finished analysis runs to a downstream insight
// service over HTTP. Issues and personas are upserted individually so the
// downstream can index them by id; a 409 from the service means the object
// already exists and is not an error.
package insightstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

type Exporter struct {
	endpoint string
	tenant   string
	client   *http.Client
}

// New creates an insight-store exporter from config.
//
// Supported cfg.Extra keys:
//   - tenant: string, forwarded as the X-Tenant header
//   - timeout_ms: int (default 10000)
func New(cfg config.ExporterCfg) *Exporter {
	timeout := 10 * time.Second
	if v := config.ExtraInt(cfg.Extra, "timeout_ms", 0); v > 0 {
		timeout = time.Duration(v) * time.Millisecond
	}
	return &Exporter{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		tenant:   config.ExtraString(cfg.Extra, "tenant", ""),
		client:   &http.Client{Timeout: timeout},
	}
}

// Start runs the exporter, consuming runs until the input channel closes.
func (e *Exporter) Start(ctx context.Context, in <-chan model.AnalysisRun) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case run, ok := <-in:
			if !ok {
				return nil
			}
			e.export(ctx, run)
		}
	}
}

func (e *Exporter) export(ctx context.Context, run model.AnalysisRun) {
	for _, iss := range run.Issues {
		if err := e.upsert(ctx, "/v1/issues", iss.ID, iss); err != nil {
			log.Warn().Err(err).Str("issue", iss.ID).Msg("insight store upsert failed")
		}
	}
	for _, p := range run.Personas {
		if err := e.upsert(ctx, "/v1/personas", p.Name, p); err != nil {
			log.Warn().Err(err).Str("persona", p.Name).Msg("insight store upsert failed")
		}
	}
}

func (e *Exporter) upsert(ctx context.Context, path, id string, obj any) error {
	body := map[string]any{
		"id":         id,
		"properties": obj,
	}
	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.tenant != "" {
		req.Header.Set("X-Tenant", e.tenant)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Already exists; the downstream keeps the newest copy on its own.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("insight store HTTP %d", resp.StatusCode)
	}
	return nil
}
