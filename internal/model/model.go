package model

import "time"

// Event is an open-schema behavioral event record as delivered by tracking
// SDKs and ingestion pipelines. Field names are not fixed; the normalize
// package resolves timestamps, user identity, event type and event id via
// priority-ordered fallback chains over this map.
type Event map[string]any

// Window is a closed time interval [Start, End] used as the unit of
// before/after comparison. Window A is the recent period, window B the
// immediately preceding baseline of equal length (B.End == A.Start).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the window, inclusive on both ends.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && !ts.After(w.End)
}

// SampleEvent is a bounded evidence sample attached to a segment window.
type SampleEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Window    string    `json:"window"` // "A" or "B"
}

// SegmentStats accumulates per-segment, per-window counters. Sample lists and
// sets are filled first-seen in input order and bounded by the configured
// sample cap.
type SegmentStats struct {
	EventCount   int                 `json:"event_count"`
	UniqueUsers  map[string]struct{} `json:"-"`
	SampleEvents []SampleEvent       `json:"sample_events,omitempty"`
	SampleUsers  map[string]struct{} `json:"-"`
}

// NewSegmentStats returns empty stats with allocated sets.
func NewSegmentStats() *SegmentStats {
	return &SegmentStats{
		UniqueUsers: map[string]struct{}{},
		SampleUsers: map[string]struct{}{},
	}
}

// SegmentGroup is one segment's accumulated state across both windows.
type SegmentGroup struct {
	Values  map[string]string `json:"values"`
	WindowA *SegmentStats     `json:"window_a"`
	WindowB *SegmentStats     `json:"window_b"`
}

// Issue severity levels, a step function of |deltaPct|.
const (
	SeverityHigh   = "high"   // |deltaPct| >= 50
	SeverityMedium = "medium" // |deltaPct| >= 25
	SeverityLow    = "low"
)

// Issue direction values, the sign of deltaPct.
const (
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"
	DirectionFlat     = "flat"
)

// Evidence carries the bounded raw identifiers backing an issue, for
// external auditability and LLM grounding.
type Evidence struct {
	EventIDsA []string `json:"event_ids_a,omitempty"`
	EventIDsB []string `json:"event_ids_b,omitempty"`
	UserIDsA  []string `json:"user_ids_a,omitempty"`
	UserIDsB  []string `json:"user_ids_b,omitempty"`
}

// Issue is a segment whose events-per-user rate changed between window A and
// window B. ValueA/ValueB are mean events per unique user in each window.
type Issue struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	Segment   map[string]string `json:"segment"`
	WindowA   Window            `json:"window_a"`
	WindowB   Window            `json:"window_b"`
	ValueA    float64           `json:"value_a"`
	ValueB    float64           `json:"value_b"`
	DeltaPct  float64           `json:"delta_pct"`
	Direction string            `json:"direction"`
	Severity  string            `json:"severity"`
	SampleA   int               `json:"sample_a"` // unique users in window A
	SampleB   int               `json:"sample_b"` // unique users in window B
	Evidence  *Evidence         `json:"evidence,omitempty"`
	Samples   []SampleEvent     `json:"samples,omitempty"`
	Summary   string            `json:"summary,omitempty"` // filled by the grounding layer
}

// Rule is a human-readable record of the predicate that selected a persona
// cohort, kept for downstream display and audit.
type Rule struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// EventFrequency is one entry of a cohort's top-events list.
type EventFrequency struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

// PersonaMetrics aggregates simple means across a cohort's members, plus the
// top five event types by summed per-user counts. Span quantiles are
// t-digest estimates over members' active spans.
type PersonaMetrics struct {
	AvgEventCount         float64          `json:"avg_event_count"`
	AvgDistinctEventTypes float64          `json:"avg_distinct_event_types"`
	AvgActiveSpanMinutes  float64          `json:"avg_active_span_minutes"`
	AvgConversionRate     float64          `json:"avg_conversion_rate"`
	SpanP50Minutes        float64          `json:"span_p50_minutes"`
	SpanP95Minutes        float64          `json:"span_p95_minutes"`
	TopEvents             []EventFrequency `json:"top_events,omitempty"`
}

// PersonaDefinition is a named cohort of users sharing a statistically
// defined behavioral trait, reduced from a candidate once it survives the
// minimum-cohort-size filter.
type PersonaDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Rules       []Rule         `json:"rules"`
	Metrics     PersonaMetrics `json:"metrics"`
	SampleSize  int            `json:"sample_size"`
	RangeStart  time.Time      `json:"range_start"`
	RangeEnd    time.Time      `json:"range_end"`
}

// AnalysisRun ties one scheduled or requested analysis invocation together
// for persistence and audit.
type AnalysisRun struct {
	ID         string              `json:"id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	EventCount int                 `json:"event_count"`
	Issues     []Issue             `json:"issues,omitempty"`
	Personas   []PersonaDefinition `json:"personas,omitempty"`
}
