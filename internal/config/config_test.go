package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agalue/micarray-dsp/internal/perr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig is scenario E1: default values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8, cfg.NumMicrophones)
	assert.Equal(t, 15.0, cfg.MicSpacing)
	assert.Equal(t, 16000, cfg.SampleRate)
	assert.True(t, cfg.NoiseReductionEnable)
	assert.Equal(t, 0.05, cfg.NoiseThreshold)
	assert.Equal(t, 0.8, cfg.Volume)
	assert.Equal(t, "spectral_subtraction", cfg.Algorithm)
}

// TestConfigValidation is scenario E2: out-of-range values are
// rejected with a CONFIG error.
func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name  string
		apply func(*Config)
	}{
		{"zero microphones", func(c *Config) { c.NumMicrophones = 0 }},
		{"too many microphones", func(c *Config) { c.NumMicrophones = 17 }},
		{"volume over one", func(c *Config) { c.Volume = 1.1 }},
		{"zero dma buffer", func(c *Config) { c.DMABufferSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.apply(cfg)

			err := cfg.Validate()
			assert.Error(t, err)

			var perrErr *perr.Error
			assert.True(t, errors.As(err, &perrErr))
			assert.Equal(t, perr.Config, perrErr.Kind)
		})
	}
}

func TestConfigValidationAcceptsDefaults(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigRejectsMismatchedMicPositions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = []MicPosition{{X: 0, Y: 0, Z: 0}}
	assert.Error(t, cfg.Validate())
}

func TestLoadAppliesFlagsOverDefaults(t *testing.T) {
	cfg, err := Load([]string{"--num-microphones=4", "--volume=0.5"})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumMicrophones)
	assert.Equal(t, 0.5, cfg.Volume)
	assert.Equal(t, 16000, cfg.SampleRate) // untouched fields keep their default
}

func TestLoadFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_microphones: 6\nvolume: 0.2\n"), 0o600))

	cfg, err := Load([]string{"--config=" + path, "--volume=0.9"})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.NumMicrophones) // from file, not overridden
	assert.Equal(t, 0.9, cfg.Volume)       // flag wins over file
}

func TestLoadRejectsInvalidFlag(t *testing.T) {
	_, err := Load([]string{"--num-microphones=0"})
	assert.Error(t, err)
}
