// Package filter evaluates a configurable CEL predicate over open-schema
// behavioral events before they reach the analysis engines.
package filter

import (
	"time"

	"github.com/google/cel-go/cel"
	"github.com/rs/zerolog/log"

	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/normalize"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

// Filter compiles one CEL expression once and applies it to whole batches.
// Evaluation is fail-open: an expression error keeps the event.
type Filter struct {
	expr string
	prg  cel.Program
}

// New builds a CEL program for the given expression. Declarations are kept
// permissive (DynType) so expressions can reach arbitrary event fields.
//
// Example expressions:
//
//	'event["country"] == "TH"'
//	'event_type.contains("checkout") && user_id != "anonymous"'
//	'ts_unix > now_unix - 86400'
func New(expr string) *Filter {
	if expr == "" {
		expr = "true"
	}
	env, err := cel.NewEnv(
		cel.Variable("now_unix", cel.IntType),
		cel.Variable("ts_unix", cel.IntType),
		cel.Variable("event", cel.DynType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("user_id", cel.StringType),
	)
	if err != nil {
		log.Error().Err(err).Msg("filter: cel env init failed; defaulting to pass-through")
		env, _ = cel.NewEnv()
		expr = "true"
	}

	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		log.Error().Err(iss.Err()).Str("expr", expr).Msg("filter: cel parse failed; defaulting to pass-through")
		ast, _ = env.Parse("true")
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		log.Error().Err(iss.Err()).Str("expr", expr).Msg("filter: cel type-check failed; using unchecked ast")
		checked = ast
	}
	prg, err := env.Program(checked)
	if err != nil {
		log.Error().Err(err).Msg("filter: cel program failed; defaulting to pass-through")
		astTrue, _ := env.Parse("true")
		prg, _ = env.Program(astTrue)
	}
	return &Filter{expr: expr, prg: prg}
}

// Apply returns the events matching the predicate, preserving input order so
// downstream first-seen sampling stays deterministic.
func (f *Filter) Apply(events []model.Event) []model.Event {
	if f == nil || f.expr == "true" {
		return events
	}
	nowUnix := time.Now().Unix()
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if f.keep(ev, nowUnix) {
			out = append(out, ev)
		}
	}
	return out
}

func (f *Filter) keep(ev model.Event, nowUnix int64) bool {
	var tsUnix int64
	if ts, ok := normalize.Timestamp(ev); ok {
		tsUnix = ts.Unix()
	}
	vars := map[string]any{
		"now_unix":   nowUnix,
		"ts_unix":    tsUnix,
		"event":      map[string]any(ev),
		"event_type": normalize.EventType(ev, normalize.UnknownValue),
		"user_id":    normalize.UserID(ev),
	}
	out, _, err := f.prg.Eval(vars)
	if err != nil {
		return true
	}
	if b, ok := out.Value().(bool); ok {
		return b
	}
	return true
}
