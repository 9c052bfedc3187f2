package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
	"github.com/platformbuilds/mirador-behavior-engine/internal/store/batch"
)

type fakeResults struct {
	issues   []model.Issue
	personas []model.PersonaDefinition
}

func (f *fakeResults) SaveIssues(_ context.Context, issues []model.Issue) error {
	f.issues = issues
	return nil
}

func (f *fakeResults) SavePersonas(_ context.Context, personas []model.PersonaDefinition) error {
	f.personas = personas
	return nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, issues []model.Issue) (map[string]string, error) {
	out := make(map[string]string, len(issues))
	for _, iss := range issues {
		out[iss.ID] = "summary for " + iss.ID
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Analysis: config.AnalysisCfg{
			FilterExpr: `event_type != "noise"`,
			Issues: config.IssueConfig{
				EventType: "signup",
				MinUsers:  1,
				WindowA:   "2024-05-08T00:00:00Z/2024-05-15T00:00:00Z",
				WindowB:   "2024-05-01T00:00:00Z/2024-05-08T00:00:00Z",
			},
			Personas: config.PersonaConfig{MinUsers: 1},
		},
	}
}

func seed(st *batch.Store) {
	for i := 0; i < 10; i++ {
		st.Append(model.Event{
			"event_type": "signup",
			"user_id":    fmt.Sprintf("a%d", i%5),
			"country":    "TH",
			"event_time": "2024-05-10T12:00:00Z",
		})
	}
	for i := 0; i < 4; i++ {
		st.Append(model.Event{
			"event_type": "signup",
			"user_id":    fmt.Sprintf("b%d", i),
			"country":    "TH",
			"event_time": "2024-05-03T12:00:00Z",
		})
	}
	st.Append(model.Event{
		"event_type": "noise",
		"user_id":    "bot",
		"event_time": "2024-05-10T12:00:00Z",
	})
}

func TestRunOnceFullPass(t *testing.T) {
	st := batch.New(10000)
	seed(st)
	results := &fakeResults{}

	p, err := New(testConfig(), st, results, fakeSummarizer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)
	run := p.RunOnce(context.Background(), now)

	if run.ID == "" {
		t.Fatalf("run id empty")
	}
	if run.EventCount != 14 {
		t.Fatalf("event count = %d, want 14 (noise filtered out)", run.EventCount)
	}
	if len(run.Issues) == 0 {
		t.Fatalf("expected issues")
	}
	top := run.Issues[0]
	if top.DeltaPct != 100 || top.Severity != model.SeverityHigh {
		t.Fatalf("top issue = %+v", top)
	}
	if top.Summary != "summary for "+top.ID {
		t.Fatalf("grounding not applied: %q", top.Summary)
	}
	if len(run.Personas) == 0 {
		t.Fatalf("expected personas")
	}
	if len(results.issues) != len(run.Issues) || len(results.personas) != len(run.Personas) {
		t.Fatalf("persistence missed: %d/%d", len(results.issues), len(results.personas))
	}
}

func TestRunOnceWithoutOptionalStages(t *testing.T) {
	st := batch.New(100)
	st.Append(model.Event{
		"event_type": "signup", "user_id": "u1", "country": "TH",
		"event_time": "2024-05-10T12:00:00Z",
	})

	cfg := testConfig()
	cfg.Analysis.FilterExpr = ""
	p, err := New(cfg, st, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run := p.RunOnce(context.Background(), time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC))
	if run.EventCount != 1 {
		t.Fatalf("event count = %d", run.EventCount)
	}
	for _, iss := range run.Issues {
		if iss.Summary != "" {
			t.Fatalf("summary without grounding: %+v", iss)
		}
	}
}

func TestBuildReceiversFactory(t *testing.T) {
	cfg := &config.Config{Receivers: map[string]config.ReceiverCfg{
		"http/ingest":  {Type: "http", Endpoint: ":9460", Extra: map[string]any{}},
		"kafka/events": {Type: "kafka", Brokers: []string{"k:9092"}, Topic: "ev", Extra: map[string]any{}},
		"pulsar/ev":    {Type: "pulsar", Brokers: []string{"pulsar://p:6650"}, Topic: "ev", Group: "g", Extra: map[string]any{}},
	}}
	rx, err := buildReceivers(cfg)
	if err != nil {
		t.Fatalf("buildReceivers: %v", err)
	}
	if len(rx) != 3 {
		t.Fatalf("receivers = %d, want 3", len(rx))
	}

	cfg.Receivers["bogus/x"] = config.ReceiverCfg{Type: "bogus"}
	if _, err := buildReceivers(cfg); err == nil {
		t.Fatalf("expected error for unknown receiver type")
	}
}

func TestBuildExportersFactory(t *testing.T) {
	cfg := &config.Config{Exporters: map[string]config.ExporterCfg{
		"stdout/debug":          {Type: "stdout", Extra: map[string]any{}},
		"insightstore/insights": {Type: "insightstore", Endpoint: "http://insights:8080", Extra: map[string]any{}},
	}}
	exp, err := buildExporters(cfg)
	if err != nil {
		t.Fatalf("buildExporters: %v", err)
	}
	if len(exp) != 2 {
		t.Fatalf("exporters = %d, want 2", len(exp))
	}

	cfg.Exporters["bogus/x"] = config.ExporterCfg{Type: "bogus"}
	if _, err := buildExporters(cfg); err == nil {
		t.Fatalf("expected error for unknown exporter type")
	}
}
