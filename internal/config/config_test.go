package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
)

func TestLoadNormalizesCompositeKeys(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cfg.yaml")
	yaml := `receivers:
  http/ingest:
    endpoint: "0.0.0.0:9460"
    path: /ingest
  kafka:
    brokers: [kafka:9092]
    topic: events
exporters:
  insightstore/insights:
    endpoint: "http://insights:8080"
    tenant: acme
  stdout:
    pretty: true
store:
  address: "redis:6379"
analysis:
  interval_seconds: 60
  issues:
    segment_by: [country, platform]
    min_users: 10
  personas:
    days_back: 14
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	rc, ok := cfg.Receivers["http/ingest"]
	if !ok {
		t.Fatalf("composite receiver key not loaded")
	}
	if rc.Type != "http" || rc.Name != "ingest" {
		t.Fatalf("receiver type/name normalization failed: %+v", rc)
	}
	if got := rc.ExtraString("path", ""); got != "/ingest" {
		t.Fatalf("inline extra lost: %q", got)
	}

	kc, ok := cfg.Receivers["kafka"]
	if !ok || kc.Type != "kafka" || kc.Name != "kafka" {
		t.Fatalf("bare key normalization failed: %+v", kc)
	}

	ec, ok := cfg.Exporters["insightstore/insights"]
	if !ok || ec.Type != "insightstore" || ec.Name != "insights" {
		t.Fatalf("exporter normalization failed: %+v", ec)
	}
	if got := ec.ExtraString("tenant", ""); got != "acme" {
		t.Fatalf("exporter extra lost: %q", got)
	}
	if !cfg.Exporters["stdout"].ExtraBool("pretty", false) {
		t.Fatalf("bool extra lost")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Batch.MaxEvents != 500_000 {
		t.Fatalf("batch default = %d", cfg.Batch.MaxEvents)
	}
	if cfg.Store.KeyPrefix != "behavior" {
		t.Fatalf("key prefix default = %q", cfg.Store.KeyPrefix)
	}
	if cfg.Analysis.IntervalSeconds != 300 {
		t.Fatalf("interval default = %d", cfg.Analysis.IntervalSeconds)
	}

	iss := cfg.Analysis.Issues
	if len(iss.SegmentBy) != 0 {
		t.Fatalf("segment_by must stay unset at config level (each detection variant fills its own), got %v", iss.SegmentBy)
	}
	if iss.MinDeltaPct == nil || *iss.MinDeltaPct != 10 {
		t.Fatalf("min_delta_pct default = %v", iss.MinDeltaPct)
	}
	if iss.MinUsers != 5 || iss.TopN != 10 || iss.DaysBack != 7 || iss.SampleSize != 20 {
		t.Fatalf("issue defaults = %+v", iss)
	}

	per := cfg.Analysis.Personas
	if per.DaysBack != 30 || per.MinUsers != 3 || per.MaxPersonas != 5 {
		t.Fatalf("persona defaults = %+v", per)
	}
}

func TestExplicitZeroMinDeltaPctSurvives(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cfg.yaml")
	yaml := `analysis:
  issues:
    min_delta_pct: 0
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	got := cfg.Analysis.Issues.MinDeltaPct
	if got == nil || *got != 0 {
		t.Fatalf("explicit zero floor lost through defaulting: %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestExtrasHelpers(t *testing.T) {
	m := map[string]any{
		"s": "str",
		"b": true,
		"i": 7,
		"f": 8.0,
		"n": "9",
	}
	if got := config.ExtraString(m, "s", "d"); got != "str" {
		t.Fatalf("ExtraString = %q", got)
	}
	if got := config.ExtraString(m, "missing", "d"); got != "d" {
		t.Fatalf("ExtraString default = %q", got)
	}
	if !config.ExtraBool(m, "b", false) {
		t.Fatalf("ExtraBool lost value")
	}
	if got := config.ExtraInt(m, "i", 0); got != 7 {
		t.Fatalf("ExtraInt = %d", got)
	}
	if got := config.ExtraInt(m, "f", 0); got != 8 {
		t.Fatalf("ExtraInt float coercion = %d", got)
	}
	if got := config.ExtraInt(m, "n", 0); got != 9 {
		t.Fatalf("ExtraInt string coercion = %d", got)
	}
}

func TestResolvePath(t *testing.T) {
	if got := config.ResolvePath("/etc/engine/cfg.yaml", "certs/ca.pem"); got != "/etc/engine/certs/ca.pem" {
		t.Fatalf("relative resolve = %q", got)
	}
	if got := config.ResolvePath("/etc/engine/cfg.yaml", "/abs/ca.pem"); got != "/abs/ca.pem" {
		t.Fatalf("absolute passthrough = %q", got)
	}
}
