// Package issue ranks segments by how much their events-per-user rate changed
// between the recent window and the prior baseline.
package issue

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/normalize"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/segment"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/window"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Detect is the deterministic variant: a segment is eligible only when its
// unique-user count meets MinUsers in BOTH windows, and candidates below the
// MinDeltaPct magnitude floor are discarded. Windows derive from cfg or from
// now when unset; an unset SegmentBy groups by country.
func Detect(events []model.Event, cfg config.IssueConfig, now time.Time) ([]model.Issue, error) {
	cfg = cfg.Defaulted()
	if len(cfg.SegmentBy) == 0 {
		cfg.SegmentBy = []string{"country"}
	}
	winA, winB, err := window.ResolvePair(cfg.WindowA, cfg.WindowB, cfg.DaysBack, now)
	if err != nil {
		return nil, err
	}
	events = filterByType(events, cfg.EventType)
	groups := segment.Aggregate(events, cfg.SegmentBy, winA, winB, cfg.SampleSize)
	return rank(groups, cfg, winA, winB, gateBoth, false), nil
}

// DetectWithEvidence is the evidence-gathering variant: eligibility requires
// MinUsers in EITHER window, the MinDeltaPct floor is not applied, windows
// derived from the latest event timestamp rather than wall-clock now, and
// bounded evidence samples are attached to every issue. The asymmetric gate
// between the two variants is intentional, as is the different SegmentBy
// default: unset here groups by event_type, not country.
func DetectWithEvidence(events []model.Event, cfg config.IssueConfig, now time.Time) ([]model.Issue, error) {
	cfg = cfg.Defaulted()
	if len(cfg.SegmentBy) == 0 {
		cfg.SegmentBy = []string{"event_type"}
	}
	ref := window.LatestEventTime(events, now)
	winA, winB, err := window.ResolvePair(cfg.WindowA, cfg.WindowB, cfg.DaysBack, ref)
	if err != nil {
		return nil, err
	}
	events = filterByType(events, cfg.EventType)
	groups := segment.Aggregate(events, cfg.SegmentBy, winA, winB, cfg.SampleSize)
	return rank(groups, cfg, winA, winB, gateEither, true), nil
}

type gateFn func(usersA, usersB, minUsers int) bool

func gateBoth(usersA, usersB, minUsers int) bool {
	return usersA >= minUsers && usersB >= minUsers
}

func gateEither(usersA, usersB, minUsers int) bool {
	return usersA >= minUsers || usersB >= minUsers
}

func rank(groups map[string]*model.SegmentGroup, cfg config.IssueConfig, winA, winB model.Window, gate gateFn, withEvidence bool) []model.Issue {
	issues := make([]model.Issue, 0, len(groups))
	type keyed struct {
		key   string
		issue model.Issue
	}
	candidates := make([]keyed, 0, len(groups))

	// Lexical key order fixes the id counter and the sort tie-break, so
	// re-running on the same batch yields byte-identical output.
	for _, key := range segment.SortedKeys(groups) {
		g := groups[key]
		usersA := len(g.WindowA.UniqueUsers)
		usersB := len(g.WindowB.UniqueUsers)
		if !gate(usersA, usersB, cfg.MinUsers) {
			continue
		}

		valueA := ratePerUser(g.WindowA.EventCount, usersA)
		valueB := ratePerUser(g.WindowB.EventCount, usersB)
		deltaPct := deltaPercent(valueA, valueB)
		if !withEvidence && math.Abs(deltaPct) < *cfg.MinDeltaPct {
			continue
		}

		iss := model.Issue{
			EventType: cfg.EventType,
			Segment:   g.Values,
			WindowA:   winA,
			WindowB:   winB,
			ValueA:    valueA,
			ValueB:    valueB,
			DeltaPct:  deltaPct,
			Direction: direction(deltaPct),
			Severity:  Severity(deltaPct),
			SampleA:   usersA,
			SampleB:   usersB,
		}
		if iss.EventType == "" {
			iss.EventType = normalize.UnknownValue
		}
		if withEvidence {
			iss.Evidence = evidenceOf(g)
			iss.Samples = append(append([]model.SampleEvent{}, g.WindowA.SampleEvents...), g.WindowB.SampleEvents...)
		}
		candidates = append(candidates, keyed{key: key, issue: iss})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := math.Abs(candidates[i].issue.DeltaPct), math.Abs(candidates[j].issue.DeltaPct)
		if di != dj {
			return di > dj
		}
		return candidates[i].key < candidates[j].key
	})

	if len(candidates) > cfg.TopN {
		candidates = candidates[:cfg.TopN]
	}
	for i, c := range candidates {
		c.issue.ID = issueID(i+1, c.key)
		issues = append(issues, c.issue)
	}
	return issues
}

// ratePerUser is mean events per unique user: count / max(1, users), zero
// when the window has no users at all.
func ratePerUser(count, users int) float64 {
	if users == 0 {
		return 0
	}
	return float64(count) / float64(users)
}

func deltaPercent(valueA, valueB float64) float64 {
	if valueB == 0 {
		if valueA != 0 {
			return 100
		}
		return 0
	}
	return (valueA - valueB) / valueB * 100
}

func direction(deltaPct float64) string {
	switch {
	case deltaPct > 0:
		return model.DirectionIncrease
	case deltaPct < 0:
		return model.DirectionDecrease
	default:
		return model.DirectionFlat
	}
}

// Severity classifies |deltaPct|: >=50 high, >=25 medium, else low.
func Severity(deltaPct float64) string {
	abs := math.Abs(deltaPct)
	switch {
	case abs >= 50:
		return model.SeverityHigh
	case abs >= 25:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// issueID builds the synthetic issue id from the rank counter and the
// sanitized segment key. Unique within one invocation only.
func issueID(n int, key string) string {
	sanitized := strings.Trim(nonAlnum.ReplaceAllString(key, "_"), "_")
	return fmt.Sprintf("issue_%d_%s", n, sanitized)
}

func evidenceOf(g *model.SegmentGroup) *model.Evidence {
	ev := &model.Evidence{
		UserIDsA: sortedSet(g.WindowA.SampleUsers),
		UserIDsB: sortedSet(g.WindowB.SampleUsers),
	}
	for _, s := range g.WindowA.SampleEvents {
		ev.EventIDsA = append(ev.EventIDsA, s.ID)
	}
	for _, s := range g.WindowB.SampleEvents {
		ev.EventIDsB = append(ev.EventIDsB, s.ID)
	}
	return ev
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func filterByType(events []model.Event, eventType string) []model.Event {
	if eventType == "" {
		return events
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if normalize.EventType(ev, normalize.UnknownValue) == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// SummaryText renders the compact one-line description used as grounding and
// export input.
func SummaryText(iss model.Issue) string {
	var b strings.Builder
	b.WriteString("issue segment=")
	first := true
	for _, k := range sortedMapKeys(iss.Segment) {
		if !first {
			b.WriteByte(',')
		}
		b.WriteString(k + ":" + iss.Segment[k])
		first = false
	}
	if first {
		b.WriteString(segment.AllSegment)
	}
	b.WriteString(" rate_a=" + strconv.FormatFloat(iss.ValueA, 'f', 4, 64))
	b.WriteString(" rate_b=" + strconv.FormatFloat(iss.ValueB, 'f', 4, 64))
	b.WriteString(" delta_pct=" + strconv.FormatFloat(iss.DeltaPct, 'f', 2, 64))
	b.WriteString(" direction=" + iss.Direction)
	b.WriteString(" severity=" + iss.Severity)
	return b.String()
}

func sortedMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
