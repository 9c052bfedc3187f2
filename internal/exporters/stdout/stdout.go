// Package stdout prints finished analysis runs as JSON lines. Useful for
// piping the engine's output into jq or a log shipper during development.
package stdout

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

type Exporter struct {
	w      io.Writer
	pretty bool
}

func New(cfg config.ExporterCfg) *Exporter {
	return &Exporter{
		w:      os.Stdout,
		pretty: config.ExtraBool(cfg.Extra, "pretty", false),
	}
}

// Start consumes analysis runs until the input channel closes.
func (e *Exporter) Start(ctx context.Context, in <-chan model.AnalysisRun) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case run, ok := <-in:
			if !ok {
				return nil
			}
			e.print(run)
		}
	}
}

func (e *Exporter) print(run model.AnalysisRun) {
	enc := json.NewEncoder(e.w)
	if e.pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(run); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("stdout exporter encode failed")
	}
}
