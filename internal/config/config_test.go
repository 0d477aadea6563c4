package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.NumCandidates)
	assert.Equal(t, 0.3, cfg.MinScoreDiff)
	assert.Equal(t, 0.7, cfg.MinChosenScore)
	assert.True(t, cfg.EnableVerbatimGate)
	assert.Equal(t, 30*time.Minute, cfg.BatchTimeout)
	assert.Equal(t, 10_000, cfg.MaxOpenBatches)
	assert.Equal(t, 4, cfg.JudgeConcurrency)
	assert.Equal(t, "every", cfg.SinkSync)
	assert.Equal(t, 5, cfg.MaxDeliveries)

	require.Len(t, cfg.SamplingProfiles, 3)
	assert.Equal(t, 0.2, cfg.SamplingProfiles[0].Temperature)
	assert.Equal(t, 0.7, cfg.SamplingProfiles[1].Temperature)
	assert.Equal(t, 1.0, cfg.SamplingProfiles[2].Temperature)
}

func TestLoadSamplingProfilesFromEnv(t *testing.T) {
	t.Setenv("SAMPLING_PROFILES", `[{"temperature":0.1},{"temperature":0.9,"top_p":0.95}]`)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.SamplingProfiles, 2)
	assert.Equal(t, 0.1, cfg.SamplingProfiles[0].Temperature)
	require.NotNil(t, cfg.SamplingProfiles[1].TopP)
	assert.Equal(t, 0.95, *cfg.SamplingProfiles[1].TopP)
}

func TestLoadRejectsBadProfiles(t *testing.T) {
	t.Setenv("SAMPLING_PROFILES", `not json`)
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SAMPLING_PROFILES", `[]`)
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero candidates", func(c *Config) { c.NumCandidates = 0 }},
		{"too many candidates", func(c *Config) { c.NumCandidates = 9 }},
		{"bad sink sync", func(c *Config) { c.SinkSync = "sometimes" }},
		{"bad bus backend", func(c *Config) { c.BusBackend = "kafka" }},
		{"negative score diff", func(c *Config) { c.MinScoreDiff = -0.1 }},
		{"zero max deliveries", func(c *Config) { c.MaxDeliveries = 0 }},
		{"bad judge mode", func(c *Config) { c.JudgeMode = "oracle" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
