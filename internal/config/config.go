package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Root config object
type Config struct {
	Receivers map[string]ReceiverCfg `yaml:"receivers"`
	Exporters map[string]ExporterCfg `yaml:"exporters"`
	Batch     BatchCfg               `yaml:"batch"`
	Store     StoreCfg               `yaml:"store"`
	Grounding GroundingCfg           `yaml:"grounding"`
	API       APICfg                 `yaml:"api"`
	Analysis  AnalysisCfg            `yaml:"analysis"`
}

type ReceiverCfg struct {
	Name     string         `yaml:"-"`
	Type     string         `yaml:"type"`
	Endpoint string         `yaml:"endpoint,omitempty"`
	Brokers  []string       `yaml:"brokers,omitempty"`
	Topic    string         `yaml:"topic,omitempty"`
	Group    string         `yaml:"group,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

type ExporterCfg struct {
	Name     string         `yaml:"-"`
	Type     string         `yaml:"type"`
	Endpoint string         `yaml:"endpoint,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

// BatchCfg bounds the materialized in-memory event batch.
type BatchCfg struct {
	MaxEvents int `yaml:"max_events,omitempty"`
}

// StoreCfg configures the Redis persistence of issues and personas.
type StoreCfg struct {
	Address   string `yaml:"address,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// GroundingCfg points at the external LLM-grounding collaborator. An empty
// endpoint disables grounding; issues are emitted without summaries.
type GroundingCfg struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	TimeoutMS int    `yaml:"timeout_ms,omitempty"`
}

// APICfg configures the analysis HTTP API.
type APICfg struct {
	Endpoint        string  `yaml:"endpoint,omitempty"` // host:port
	RatePerSecond   float64 `yaml:"rate_per_second,omitempty"`
	RateBurst       int     `yaml:"rate_burst,omitempty"`
	CacheMaxSizeMB  int     `yaml:"cache_max_size_mb,omitempty"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds,omitempty"`
	MaxBodyBytes    int64   `yaml:"max_body_bytes,omitempty"`
	ReadTimeoutMS   int     `yaml:"read_timeout_ms,omitempty"`
	WriteTimeoutMS  int     `yaml:"write_timeout_ms,omitempty"`
}

// AnalysisCfg drives the scheduled analysis runs plus the engine defaults
// applied when a request leaves a knob unset.
type AnalysisCfg struct {
	IntervalSeconds int            `yaml:"interval_seconds,omitempty"`
	FilterExpr      string         `yaml:"filter_expr,omitempty"` // CEL pre-filter over events
	Issues          IssueConfig    `yaml:"issues,omitempty"`
	Personas        PersonaConfig  `yaml:"personas,omitempty"`
	Extra           map[string]any `yaml:",inline"`
}

// IssueConfig parameterizes windowed segment-diffing. Zero values are filled
// by Defaulted; explicit windows win over DaysBack derivation. SegmentBy has
// no default here because each detection variant supplies its own; a nil
// MinDeltaPct means unset while an explicit 0 disables the magnitude floor.
type IssueConfig struct {
	EventType   string   `yaml:"event_type,omitempty" json:"event_type,omitempty"` // optional exact-match filter
	SegmentBy   []string `yaml:"segment_by,omitempty" json:"segment_by,omitempty"`
	MinUsers    int      `yaml:"min_users,omitempty" json:"min_users,omitempty"`
	MinDeltaPct *float64 `yaml:"min_delta_pct,omitempty" json:"min_delta_pct,omitempty"`
	TopN        int      `yaml:"top_n,omitempty" json:"top_n,omitempty"`
	DaysBack    int      `yaml:"days_back,omitempty" json:"days_back,omitempty"`
	SampleSize  int      `yaml:"sample_size,omitempty" json:"sample_size,omitempty"`
	WindowA     string   `yaml:"window_a,omitempty" json:"window_a,omitempty"` // "start/end" RFC3339 pair
	WindowB     string   `yaml:"window_b,omitempty" json:"window_b,omitempty"`
}

// Defaulted returns a copy with zero fields replaced by engine defaults.
// SegmentBy is left alone: the detection variants fill their own defaults.
func (c IssueConfig) Defaulted() IssueConfig {
	if c.MinUsers <= 0 {
		c.MinUsers = 5
	}
	if c.MinDeltaPct == nil {
		floor := 10.0
		c.MinDeltaPct = &floor
	}
	if c.TopN <= 0 {
		c.TopN = 10
	}
	if c.DaysBack <= 0 {
		c.DaysBack = 7
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 20
	}
	return c
}

// PersonaConfig parameterizes persona derivation over a single analysis window.
type PersonaConfig struct {
	ProjectID   string `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	DaysBack    int    `yaml:"days_back,omitempty" json:"days_back,omitempty"`
	MinUsers    int    `yaml:"min_users,omitempty" json:"min_users,omitempty"`
	MaxPersonas int    `yaml:"max_personas,omitempty" json:"max_personas,omitempty"`
	RangeStart  string `yaml:"range_start,omitempty" json:"range_start,omitempty"` // RFC3339
	RangeEnd    string `yaml:"range_end,omitempty" json:"range_end,omitempty"`
}

// Defaulted returns a copy with zero fields replaced by engine defaults.
func (c PersonaConfig) Defaulted() PersonaConfig {
	if c.DaysBack <= 0 {
		c.DaysBack = 30
	}
	if c.MinUsers <= 0 {
		c.MinUsers = 3
	}
	if c.MaxPersonas <= 0 {
		c.MaxPersonas = 5
	}
	return c
}

// Load reads YAML config into a Config struct.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// Normalize receivers
	for k, v := range cfg.Receivers {
		typ, name := splitKey(k)
		if v.Type == "" {
			v.Type = typ
		}
		if v.Name == "" {
			v.Name = name
		}
		if v.Extra == nil {
			v.Extra = map[string]any{}
		}
		cfg.Receivers[k] = v
	}

	// Normalize exporters
	for k, v := range cfg.Exporters {
		typ, name := splitKey(k)
		if v.Type == "" {
			v.Type = typ
		}
		if v.Name == "" {
			v.Name = name
		}
		if v.Extra == nil {
			v.Extra = map[string]any{}
		}
		cfg.Exporters[k] = v
	}

	if cfg.Batch.MaxEvents <= 0 {
		cfg.Batch.MaxEvents = 500_000
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "behavior"
	}
	if cfg.Analysis.IntervalSeconds <= 0 {
		cfg.Analysis.IntervalSeconds = 300
	}
	cfg.Analysis.Issues = cfg.Analysis.Issues.Defaulted()
	cfg.Analysis.Personas = cfg.Analysis.Personas.Defaulted()

	return &cfg, nil
}

// splitKey lets you write keys like "httpevents/ingest" in YAML.
// It splits into (type, name).
func splitKey(k string) (typ, name string) {
	if k == "" {
		return "", ""
	}
	parts := strings.SplitN(k, "/", 2)
	if len(parts) == 1 {
		return parts[0], parts[0]
	}
	return parts[0], parts[1]
}

// --- Helpers for reading typed extras ---

func (rc ReceiverCfg) ExtraString(key, def string) string {
	return extraString(rc.Extra, key, def)
}

func (rc ReceiverCfg) ExtraBool(key string, def bool) bool {
	return extraBool(rc.Extra, key, def)
}

func (rc ReceiverCfg) ExtraInt(key string, def int) int {
	return extraInt(rc.Extra, key, def)
}

func (ec ExporterCfg) ExtraString(key, def string) string {
	return extraString(ec.Extra, key, def)
}

func (ec ExporterCfg) ExtraBool(key string, def bool) bool {
	return extraBool(ec.Extra, key, def)
}

// ExtraString reads a string out of an inline extras bag.
func ExtraString(m map[string]any, key, def string) string { return extraString(m, key, def) }

// ExtraBool reads a bool out of an inline extras bag.
func ExtraBool(m map[string]any, key string, def bool) bool { return extraBool(m, key, def) }

// ExtraInt reads an int out of an inline extras bag; YAML and JSON numerics
// both coerce.
func ExtraInt(m map[string]any, key string, def int) int { return extraInt(m, key, def) }

func extraString(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key]; ok {
		if s, ok2 := v.(string); ok2 {
			return s
		}
	}
	return def
}

func extraBool(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key]; ok {
		if b, ok2 := v.(bool); ok2 {
			return b
		}
	}
	return def
}

func extraInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch t := m[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// --- Utility ---

// ResolvePath returns an absolute path relative to the config file dir.
func ResolvePath(cfgPath, given string) string {
	if filepath.IsAbs(given) {
		return given
	}
	return filepath.Join(filepath.Dir(cfgPath), given)
}
