// Package segment groups normalized events into segments and accumulates
// per-segment, per-window counters used by issue detection.
package segment

import (
	"sort"
	"strings"

	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/normalize"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

// AllSegment is the sentinel key used when no grouping fields are configured;
// every event collapses into it for global issue detection.
const AllSegment = "all"

// Window labels recorded on evidence samples.
const (
	LabelA = "A"
	LabelB = "B"
)

// Aggregate buckets every event with a resolvable timestamp into a segment
// and one of the two windows. Classification is mutually exclusive with A
// checked before B, so an event never counts toward both even if the windows
// are misconfigured to overlap. Events outside both windows are dropped.
// Sample caps fill first-seen in input slice order, which fixes the sampling
// total order and makes re-runs deterministic.
func Aggregate(events []model.Event, segmentBy []string, winA, winB model.Window, sampleSize int) map[string]*model.SegmentGroup {
	if sampleSize <= 0 {
		sampleSize = 20
	}
	groups := map[string]*model.SegmentGroup{}

	for _, ev := range events {
		ts, ok := normalize.Timestamp(ev)
		if !ok {
			continue
		}

		var label string
		switch {
		case winA.Contains(ts):
			label = LabelA
		case winB.Contains(ts):
			label = LabelB
		default:
			continue
		}

		key, values := Key(ev, segmentBy)
		g, ok := groups[key]
		if !ok {
			g = &model.SegmentGroup{
				Values:  values,
				WindowA: model.NewSegmentStats(),
				WindowB: model.NewSegmentStats(),
			}
			groups[key] = g
		}

		stats := g.WindowA
		if label == LabelB {
			stats = g.WindowB
		}
		stats.EventCount++

		uid := normalize.UserID(ev)
		stats.UniqueUsers[uid] = struct{}{}
		if len(stats.SampleUsers) < sampleSize {
			stats.SampleUsers[uid] = struct{}{}
		}
		if id := normalize.EventID(ev); id != "" && len(stats.SampleEvents) < sampleSize {
			stats.SampleEvents = append(stats.SampleEvents, model.SampleEvent{
				ID:        id,
				Timestamp: ts,
				Window:    label,
			})
		}
	}

	return groups
}

// Key builds the segment identity for an event: ordered "field:value" pairs
// joined with "|", or the AllSegment sentinel when no grouping fields are
// configured. Missing or empty values normalize to "unknown".
func Key(ev model.Event, segmentBy []string) (string, map[string]string) {
	if len(segmentBy) == 0 {
		return AllSegment, map[string]string{}
	}
	values := make(map[string]string, len(segmentBy))
	parts := make([]string, 0, len(segmentBy))
	for _, field := range segmentBy {
		v := normalize.FieldValue(ev, field)
		values[field] = v
		parts = append(parts, field+":"+v)
	}
	return strings.Join(parts, "|"), values
}

// SortedKeys returns the segment keys in lexical order, the canonical
// iteration order whenever deterministic output matters.
func SortedKeys(groups map[string]*model.SegmentGroup) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
