// Package window resolves the comparison windows for issue detection and the
// analysis range for persona derivation.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/normalize"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

// Parse decodes a "start/end" RFC3339 pair into a Window.
func Parse(spec string) (model.Window, error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return model.Window{}, fmt.Errorf("window %q: want \"start/end\" RFC3339 pair", spec)
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[0]))
	if err != nil {
		return model.Window{}, fmt.Errorf("window start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[1]))
	if err != nil {
		return model.Window{}, fmt.Errorf("window end: %w", err)
	}
	return validated(model.Window{Start: start.UTC(), End: end.UTC()})
}

// ResolvePair produces the two comparison windows. Explicit specs win; the
// derived default ends window A at ref and spans daysBack days, with window B
// the immediately preceding equal-length period (B.End == A.Start).
func ResolvePair(specA, specB string, daysBack int, ref time.Time) (model.Window, model.Window, error) {
	if specA != "" && specB != "" {
		wa, err := Parse(specA)
		if err != nil {
			return model.Window{}, model.Window{}, fmt.Errorf("window_a: %w", err)
		}
		wb, err := Parse(specB)
		if err != nil {
			return model.Window{}, model.Window{}, fmt.Errorf("window_b: %w", err)
		}
		return wa, wb, nil
	}
	if daysBack <= 0 {
		daysBack = 7
	}
	span := time.Duration(daysBack) * 24 * time.Hour
	end := ref.UTC()
	wa := model.Window{Start: end.Add(-span), End: end}
	wb := model.Window{Start: wa.Start.Add(-span), End: wa.Start}
	return wa, wb, nil
}

// LatestEventTime scans the batch for the latest resolvable event timestamp.
// Used by the evidence-gathering variant so derived windows cover the data
// actually present instead of wall-clock now. Falls back to fallback when no
// event carries a resolvable timestamp.
func LatestEventTime(events []model.Event, fallback time.Time) time.Time {
	latest := time.Time{}
	for _, ev := range events {
		if ts, ok := normalize.Timestamp(ev); ok && ts.After(latest) {
			latest = ts
		}
	}
	if latest.IsZero() {
		return fallback
	}
	return latest
}

// ResolveRange produces the single persona analysis window, explicit bounds
// winning over the "last daysBack days from ref" default.
func ResolveRange(startSpec, endSpec string, daysBack int, ref time.Time) (model.Window, error) {
	if startSpec != "" && endSpec != "" {
		start, err := time.Parse(time.RFC3339, startSpec)
		if err != nil {
			return model.Window{}, fmt.Errorf("range_start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, endSpec)
		if err != nil {
			return model.Window{}, fmt.Errorf("range_end: %w", err)
		}
		return validated(model.Window{Start: start.UTC(), End: end.UTC()})
	}
	if daysBack <= 0 {
		daysBack = 30
	}
	end := ref.UTC()
	return model.Window{Start: end.Add(-time.Duration(daysBack) * 24 * time.Hour), End: end}, nil
}

func validated(w model.Window) (model.Window, error) {
	if w.End.Before(w.Start) {
		return model.Window{}, fmt.Errorf("window end %s before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return w, nil
}
