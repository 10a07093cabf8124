package config

import (
	"testing"
	"time"

	r "github.com/stretchr/testify/require"

	"github.com/spf13/viper"
)

func TestConfig_Default(t *testing.T) {
	cfg := Default()
	r.True(t, cfg.Enabled)
	r.Equal(t, []string{"LangGraph"}, cfg.RootNames)
	r.Contains(t, cfg.LeafKindAllowlist, "llm")
	r.Equal(t, 300*time.Second, cfg.IdleTimeout())
	r.False(t, cfg.FilterMode())
	r.NoError(t, cfg.Validate())

	// callers may mutate their copy
	cfg.RootNames[0] = "Other"
	r.Equal(t, []string{"LangGraph"}, Default().RootNames)
}

func TestConfig_Load(t *testing.T) {
	vp := viper.New()
	vp.Set("external_parent_id", "ext-42")
	vp.Set("filter_root", true)
	vp.Set("idle_eviction_seconds", 5)
	vp.Set("leaf_kind_allowlist", []string{"LLM"})

	cfg, err := Load(vp)
	r.NoError(t, err)
	r.True(t, cfg.FilterMode())
	r.Equal(t, 5*time.Second, cfg.IdleTimeout())
	r.Equal(t, []string{"LLM"}, cfg.LeafKindAllowlist)
	// untouched keys keep their defaults
	r.Equal(t, 4096, cfg.MaxTraces)
	r.Equal(t, "openinference.span.kind", cfg.KindAttributeKey)
}

func TestConfig_Load_nil(t *testing.T) {
	cfg, err := Load(nil)
	r.NoError(t, err)
	r.Equal(t, Default(), cfg)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"negative idle", func(c *Config) { c.IdleEvictionSeconds = -1 }, true},
		{"negative sweep", func(c *Config) { c.SweepIntervalSeconds = -1 }, true},
		{"zero max traces", func(c *Config) { c.MaxTraces = 0 }, true},
		{"zero finished", func(c *Config) { c.MaxFinishedTraces = 0 }, true},
		{"zero idle disables sweeping", func(c *Config) { c.IdleEvictionSeconds = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				r.Error(t, err)
			} else {
				r.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate_filterWithoutParent(t *testing.T) {
	cfg := Default()
	cfg.FilterRoot = true
	r.NoError(t, cfg.Validate())
	r.False(t, cfg.FilterRoot)
	r.False(t, cfg.FilterMode())
}
