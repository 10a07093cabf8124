package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// for root
var (
	Debug = false
)

// Attribute keys stamped on spans produced by the processor.
const (
	AttrSynthetic        = "runspan.synthetic"
	AttrRunState         = "runspan.run.state"
	AttrRootSpanID       = "runspan.root.span_id"
	AttrExternalParentID = "runspan.parent.external_id"

	RunStateRunning   = "running"
	RunStateCompleted = "completed"
)

// Config holds every recognized processor option.
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// filter mode: drop the root and hang its children under ExternalParentID
	ExternalParentID string `mapstructure:"external_parent_id"`
	FilterRoot       bool   `mapstructure:"filter_root"`

	IdleEvictionSeconds  int `mapstructure:"idle_eviction_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	// classifier tuning
	RootNames              []string `mapstructure:"root_names"`
	NodeNameSet            []string `mapstructure:"node_name_set"`
	NodeNamePrefixes       []string `mapstructure:"node_name_prefixes"`
	NodeMarkerAttributeKey string   `mapstructure:"node_marker_attribute_key"`
	LeafKindAllowlist      []string `mapstructure:"leaf_kind_allowlist"`
	KindAttributeKey       string   `mapstructure:"kind_attribute_key"`

	MaxTraces         int    `mapstructure:"max_traces"`
	MaxFinishedTraces int    `mapstructure:"max_finished_traces"`
	SyntheticSpanName string `mapstructure:"synthetic_span_name"`
}

var defaults = map[string]any{
	"enabled":                   true,
	"external_parent_id":        "",
	"filter_root":               false,
	"idle_eviction_seconds":     300,
	"sweep_interval_seconds":    30,
	"root_names":                []string{"LangGraph"},
	"node_name_set":             []string{"__start__", "__end__", "RunnableSequence", "RunnableLambda", "RunnableParallel", "ChannelRead", "ChannelWrite"},
	"node_name_prefixes":        []string{"ChannelWrite<", "Branch<", "RunnableSequence<"},
	"node_marker_attribute_key": "langgraph.internal",
	"leaf_kind_allowlist":       []string{"llm", "tool", "model-call", "tool-call"},
	"kind_attribute_key":        "openinference.span.kind",
	"max_traces":                4096,
	"max_finished_traces":       1024,
	"synthetic_span_name":       "",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Enabled:                defaults["enabled"].(bool),
		IdleEvictionSeconds:    defaults["idle_eviction_seconds"].(int),
		SweepIntervalSeconds:   defaults["sweep_interval_seconds"].(int),
		RootNames:              cloneStrings(defaults["root_names"]),
		NodeNameSet:            cloneStrings(defaults["node_name_set"]),
		NodeNamePrefixes:       cloneStrings(defaults["node_name_prefixes"]),
		NodeMarkerAttributeKey: defaults["node_marker_attribute_key"].(string),
		LeafKindAllowlist:      cloneStrings(defaults["leaf_kind_allowlist"]),
		KindAttributeKey:       defaults["kind_attribute_key"].(string),
		MaxTraces:              defaults["max_traces"].(int),
		MaxFinishedTraces:      defaults["max_finished_traces"].(int),
	}
}

// SetDefaults registers the built-in values on vp so that file and env sources
// only need to override what they change.
func SetDefaults(vp *viper.Viper) {
	for k, v := range defaults {
		vp.SetDefault(k, v)
	}
}

// Load reads the configuration from vp (flags, config file, RUNSPAN_* env).
func Load(vp *viper.Viper) (*Config, error) {
	if vp == nil {
		return Default(), nil
	}
	SetDefaults(vp)
	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects impossible values and downgrades half-configured filter mode.
func (c *Config) Validate() error {
	if c.IdleEvictionSeconds < 0 {
		return fmt.Errorf("idle_eviction_seconds must not be negative, got %d", c.IdleEvictionSeconds)
	}
	if c.SweepIntervalSeconds < 0 {
		return fmt.Errorf("sweep_interval_seconds must not be negative, got %d", c.SweepIntervalSeconds)
	}
	if c.MaxTraces <= 0 {
		return fmt.Errorf("max_traces must be positive, got %d", c.MaxTraces)
	}
	if c.MaxFinishedTraces <= 0 {
		return fmt.Errorf("max_finished_traces must be positive, got %d", c.MaxFinishedTraces)
	}
	if c.FilterRoot && c.ExternalParentID == "" {
		logrus.Warn("filter_root is set without external_parent_id, keeping the synthetic run span")
		c.FilterRoot = false
	}
	return nil
}

// FilterMode reports whether the root is dropped in favour of ExternalParentID.
func (c *Config) FilterMode() bool {
	return c.FilterRoot && c.ExternalParentID != ""
}

// IdleTimeout is the trace-state sweep threshold; zero disables sweeping.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleEvictionSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func cloneStrings(v any) []string {
	src := v.([]string)
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
