// Package pipeline wires receivers, the event batch, the analysis engine,
// grounding, persistence, and exporters together. Receivers fan in to the
// bounded batch store; a ticker drives analysis runs over the materialized
// batch; finished runs fan out to every configured exporter.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/filter"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/issue"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/persona"
	"github.com/platformbuilds/mirador-behavior-engine/internal/grounding"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
	"github.com/platformbuilds/mirador-behavior-engine/internal/store/batch"

	"github.com/platformbuilds/mirador-behavior-engine/internal/exporters/insightstore"
	"github.com/platformbuilds/mirador-behavior-engine/internal/exporters/stdout"
	"github.com/platformbuilds/mirador-behavior-engine/internal/receivers/httpevents"
	"github.com/platformbuilds/mirador-behavior-engine/internal/receivers/kafka"
	"github.com/platformbuilds/mirador-behavior-engine/internal/receivers/pulsar"
)

// Interface contracts
type Receiver interface {
	Start(ctx context.Context, out chan<- model.Event) error
}

type Exporter interface {
	Start(ctx context.Context, in <-chan model.AnalysisRun) error
}

// ResultsWriter persists finished runs; the Redis store satisfies it.
type ResultsWriter interface {
	SaveIssues(ctx context.Context, issues []model.Issue) error
	SavePersonas(ctx context.Context, personas []model.PersonaDefinition) error
}

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "behavior_engine_analysis_runs_total",
		Help: "Completed analysis runs.",
	})
	lastRunIssues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "behavior_engine_last_run_issues",
		Help: "Issues produced by the most recent analysis run.",
	})
)

type Pipeline struct {
	cfg        *config.Config
	batch      *batch.Store
	filter     *filter.Filter
	results    ResultsWriter
	summarizer grounding.Summarizer

	receivers map[string]Receiver
	exporters map[string]Exporter
}

// New assembles a pipeline from config. results and summarizer may be nil,
// disabling persistence and grounding respectively.
func New(cfg *config.Config, st *batch.Store, results ResultsWriter, summarizer grounding.Summarizer) (*Pipeline, error) {
	rx, err := buildReceivers(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := buildExporters(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		batch:      st,
		filter:     filter.New(cfg.Analysis.FilterExpr),
		results:    results,
		summarizer: summarizer,
		receivers:  rx,
		exporters:  exp,
	}, nil
}

// Run drives the pipeline until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Stage 1: receivers fan in to the batch store.
	intake := make(chan model.Event, 1024)
	for key, r := range p.receivers {
		key, r := key, r
		g.Go(func() error {
			if err := r.Start(ctx, intake); err != nil {
				return fmt.Errorf("receiver %q: %w", key, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-intake:
				p.batch.Append(ev)
			}
		}
	})

	// Stage 2: exporter fan-out.
	runs := make(chan model.AnalysisRun)
	expInputs := make([]chan model.AnalysisRun, 0, len(p.exporters))
	for key, e := range p.exporters {
		key, e := key, e
		ch := make(chan model.AnalysisRun)
		expInputs = append(expInputs, ch)
		g.Go(func() error {
			if err := e.Start(ctx, ch); err != nil {
				return fmt.Errorf("exporter %q: %w", key, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, ch := range expInputs {
				close(ch)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return nil
			case run := <-runs:
				for _, ch := range expInputs {
					select {
					case ch <- run:
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
	})

	// Stage 3: scheduled analysis.
	g.Go(func() error {
		interval := 5 * time.Minute
		if p.cfg.Analysis.IntervalSeconds > 0 {
			interval = time.Duration(p.cfg.Analysis.IntervalSeconds) * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				run := p.RunOnce(ctx, time.Now().UTC())
				select {
				case runs <- run:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// RunOnce performs one full analysis pass over the current batch: pre-filter,
// evidence-gathering issue detection, persona derivation, grounding, and
// persistence. Failures in the optional stages degrade rather than abort.
func (p *Pipeline) RunOnce(ctx context.Context, now time.Time) model.AnalysisRun {
	run := model.AnalysisRun{
		ID:        uuid.NewString(),
		StartedAt: now,
	}

	events := p.filter.Apply(p.batch.Snapshot())
	run.EventCount = len(events)

	issues, err := issue.DetectWithEvidence(events, p.cfg.Analysis.Issues, now)
	if err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("issue detection failed")
	} else {
		run.Issues = grounding.Ground(ctx, p.summarizer, issues)
	}

	personas, err := persona.Derive(events, p.cfg.Analysis.Personas, now)
	if err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("persona derivation failed")
	} else {
		run.Personas = personas
		for _, def := range personas {
			log.Debug().Str("run", run.ID).Str("persona", def.Name).
				Int("members", def.SampleSize).
				Str("rules", persona.DescribeRules(def.Rules)).
				Msg("persona derived")
		}
	}

	if p.results != nil {
		if err := p.results.SaveIssues(ctx, run.Issues); err != nil {
			log.Warn().Err(err).Str("run", run.ID).Msg("issue persistence failed")
		}
		if err := p.results.SavePersonas(ctx, run.Personas); err != nil {
			log.Warn().Err(err).Str("run", run.ID).Msg("persona persistence failed")
		}
	}

	run.FinishedAt = time.Now().UTC()
	runsTotal.Inc()
	lastRunIssues.Set(float64(len(run.Issues)))
	log.Info().Str("run", run.ID).Int("events", run.EventCount).
		Int("issues", len(run.Issues)).Int("personas", len(run.Personas)).
		Msg("analysis run finished")
	return run
}

// ---- Factory builders ----

func buildReceivers(cfg *config.Config) (map[string]Receiver, error) {
	rx := make(map[string]Receiver, len(cfg.Receivers))
	for key, rc := range cfg.Receivers {
		var r Receiver
		switch rc.Type {
		case "http", "httpevents":
			r = httpevents.New(rc)
		case "kafka":
			r = kafka.New(rc)
		case "pulsar":
			r = pulsar.New(rc)
		default:
			return nil, fmt.Errorf("unknown receiver type %q (key=%s)", rc.Type, key)
		}
		rx[key] = r
	}
	return rx, nil
}

func buildExporters(cfg *config.Config) (map[string]Exporter, error) {
	exp := make(map[string]Exporter, len(cfg.Exporters))
	for key, ec := range cfg.Exporters {
		var e Exporter
		switch ec.Type {
		case "stdout":
			e = stdout.New(ec)
		case "insightstore":
			e = insightstore.New(ec)
		default:
			return nil, fmt.Errorf("unknown exporter type %q (key=%s)", ec.Type, key)
		}
		exp[key] = e
	}
	return exp, nil
}
