// Package persona derives named user cohorts from percentile thresholds on
// activity, diversity and conversion behavior over a single analysis window.
package persona

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tdigest "github.com/caio/go-tdigest/v4"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/normalize"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/window"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

// Behavioral keyword sets. Matching is case-insensitive substring, so
// unrelated event names can misclassify (e.g. "previewed" counts as a view).
// That imprecision is accepted and must not be "fixed" silently.
var (
	viewKeywords       = []string{"view", "screen", "page", "impression"}
	clickKeywords      = []string{"click", "tap", "select", "press"}
	conversionKeywords = []string{"purchase", "signup", "checkout", "payment", "convert", "upgrade"}
)

// userStats is the per-user accumulator over the analysis window.
type userStats struct {
	eventCount  int
	eventTypes  map[string]int
	firstSeen   time.Time
	lastSeen    time.Time
	views       int
	clicks      int
	conversions int
}

func (u *userStats) activeSpanMinutes() float64 {
	if u.firstSeen.IsZero() || u.lastSeen.IsZero() {
		return 0
	}
	return u.lastSeen.Sub(u.firstSeen).Minutes()
}

func (u *userStats) conversionRate() float64 {
	denom := u.views + u.clicks
	if denom == 0 {
		return 0
	}
	return float64(u.conversions) / float64(denom)
}

// Derive computes between 0 and MaxPersonas cohorts from the event batch.
// Candidates are fixed: High Activity, Low Activity, Explorers, Converters.
// When none survives the MinUsers gate but the population itself does, a
// single "All Users" fallback persona is emitted.
func Derive(events []model.Event, cfg config.PersonaConfig, now time.Time) ([]model.PersonaDefinition, error) {
	cfg = cfg.Defaulted()
	rng, err := window.ResolveRange(cfg.RangeStart, cfg.RangeEnd, cfg.DaysBack, now)
	if err != nil {
		return nil, err
	}

	users, order := accumulate(events, rng)
	if len(users) == 0 {
		return nil, nil
	}

	counts := make([]int, 0, len(users))
	distinct := make([]int, 0, len(users))
	for _, uid := range order {
		counts = append(counts, users[uid].eventCount)
		distinct = append(distinct, len(users[uid].eventTypes))
	}
	p25Count := percentile(counts, 0.25)
	p75Count := percentile(counts, 0.75)
	p75Distinct := percentile(distinct, 0.75)

	type candidate struct {
		name        string
		description string
		rules       []model.Rule
		match       func(u *userStats) bool
	}
	candidates := []candidate{
		{
			name:        "High Activity",
			description: "Users in the top quartile by event volume",
			rules:       []model.Rule{{Field: "event_count", Operator: ">=", Value: float64(p75Count)}},
			match:       func(u *userStats) bool { return u.eventCount >= p75Count },
		},
		{
			name:        "Low Activity",
			description: "Users in the bottom quartile by event volume",
			rules:       []model.Rule{{Field: "event_count", Operator: "<=", Value: float64(p25Count)}},
			match:       func(u *userStats) bool { return u.eventCount <= p25Count },
		},
		{
			name:        "Explorers",
			description: "Users touching an unusually wide range of event types",
			rules:       []model.Rule{{Field: "distinct_event_types", Operator: ">=", Value: float64(p75Distinct)}},
			match:       func(u *userStats) bool { return len(u.eventTypes) >= p75Distinct },
		},
		{
			name:        "Converters",
			description: "Users who convert at a meaningful rate",
			rules: []model.Rule{
				{Field: "conversion_count", Operator: ">", Value: 0},
				{Field: "conversion_rate", Operator: ">=", Value: 0.2},
			},
			match: func(u *userStats) bool { return u.conversions > 0 && u.conversionRate() >= 0.2 },
		},
	}

	kept := make([]model.PersonaDefinition, 0, len(candidates))
	for _, c := range candidates {
		members := make([]string, 0)
		for _, uid := range order {
			if c.match(users[uid]) {
				members = append(members, uid)
			}
		}
		if len(members) < cfg.MinUsers {
			continue
		}
		kept = append(kept, model.PersonaDefinition{
			Name:        c.name,
			Description: c.description,
			Rules:       c.rules,
			Metrics:     metricsOf(users, members),
			SampleSize:  len(members),
			RangeStart:  rng.Start,
			RangeEnd:    rng.End,
		})
	}

	if len(kept) == 0 {
		if len(users) < cfg.MinUsers {
			return nil, nil
		}
		return []model.PersonaDefinition{{
			Name:        "All Users",
			Description: "Everyone active in the analysis window",
			Rules:       []model.Rule{{Field: "event_count", Operator: ">", Value: 0}},
			Metrics:     metricsOf(users, order),
			SampleSize:  len(users),
			RangeStart:  rng.Start,
			RangeEnd:    rng.End,
		}}, nil
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].SampleSize > kept[j].SampleSize })
	if len(kept) > cfg.MaxPersonas {
		kept = kept[:cfg.MaxPersonas]
	}
	return kept, nil
}

// accumulate builds per-user stats over events inside the range. The order
// slice records first-seen user order to keep downstream iteration stable.
func accumulate(events []model.Event, rng model.Window) (map[string]*userStats, []string) {
	users := map[string]*userStats{}
	order := make([]string, 0)

	for _, ev := range events {
		ts, ok := normalize.Timestamp(ev)
		if !ok || !rng.Contains(ts) {
			continue
		}
		uid := normalize.UserID(ev)
		u, seen := users[uid]
		if !seen {
			u = &userStats{eventTypes: map[string]int{}}
			users[uid] = u
			order = append(order, uid)
		}

		u.eventCount++
		if u.firstSeen.IsZero() || ts.Before(u.firstSeen) {
			u.firstSeen = ts
		}
		if ts.After(u.lastSeen) {
			u.lastSeen = ts
		}

		et := normalize.EventType(ev, normalize.UnknownValue)
		u.eventTypes[et]++

		lower := strings.ToLower(et)
		if containsAny(lower, viewKeywords) {
			u.views++
		}
		if containsAny(lower, clickKeywords) {
			u.clicks++
		}
		if containsAny(lower, conversionKeywords) {
			u.conversions++
		}
	}
	return users, order
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// percentile is nearest-rank selection on a sorted copy: index floor(pct*n)
// clamped to the valid range. Deliberately not interpolated.
func percentile(values []int, pct float64) int {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	idx := int(pct * float64(len(sorted)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func metricsOf(users map[string]*userStats, members []string) model.PersonaMetrics {
	var m model.PersonaMetrics
	if len(members) == 0 {
		return m
	}

	td, _ := tdigest.New()
	typeCounts := map[string]int{}
	typeOrder := make([]string, 0)
	var sumEvents, sumDistinct, sumSpan, sumConv float64

	for _, uid := range members {
		u := users[uid]
		sumEvents += float64(u.eventCount)
		sumDistinct += float64(len(u.eventTypes))
		span := u.activeSpanMinutes()
		sumSpan += span
		sumConv += u.conversionRate()
		_ = td.Add(span)

		for _, et := range sortedKeys(u.eventTypes) {
			if _, seen := typeCounts[et]; !seen {
				typeOrder = append(typeOrder, et)
			}
			typeCounts[et] += u.eventTypes[et]
		}
	}

	n := float64(len(members))
	m.AvgEventCount = sumEvents / n
	m.AvgDistinctEventTypes = sumDistinct / n
	m.AvgActiveSpanMinutes = sumSpan / n
	m.AvgConversionRate = sumConv / n
	m.SpanP50Minutes = td.Quantile(0.50)
	m.SpanP95Minutes = td.Quantile(0.95)
	m.TopEvents = topEvents(typeCounts, typeOrder, 5)
	return m
}

// topEvents picks the five highest-frequency event types, ties broken by
// insertion order.
func topEvents(counts map[string]int, order []string, limit int) []model.EventFrequency {
	out := make([]model.EventFrequency, 0, len(order))
	for _, et := range order {
		out = append(out, model.EventFrequency{EventType: et, Count: counts[et]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DescribeRules renders rule records for logs and API responses.
func DescribeRules(rules []model.Rule) string {
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		parts = append(parts, fmt.Sprintf("%s %s %g", r.Field, r.Operator, r.Value))
	}
	return strings.Join(parts, " and ")
}
