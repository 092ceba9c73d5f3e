// Package config provides configuration and CLI argument parsing for
// the microphone array daemon.
package config

import (
	"os"

	"github.com/agalue/micarray-dsp/internal/perr"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// MicPosition is one (x,y,z) microphone coordinate in metres, as
// loaded from a config file override.
type MicPosition struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Config holds all configuration for the microphone array daemon.
// Populated from a YAML file, CLI flags, or defaults (§6 "configuration
// surface"); flags override file values.
type Config struct {
	NumMicrophones         int           `yaml:"num_microphones"`
	MicSpacing             float64       `yaml:"mic_spacing"` // millimetres
	SampleRate             int           `yaml:"sample_rate"`
	DMABufferSize          int           `yaml:"dma_buffer_size"`
	NoiseReductionEnable   bool          `yaml:"noise_reduction_enable"`
	NoiseThreshold         float64       `yaml:"noise_threshold"`
	Algorithm              string        `yaml:"algorithm"`
	Volume                 float64       `yaml:"volume"`
	MinConfidenceThreshold float64       `yaml:"min_confidence_threshold"`
	MicPositions           []MicPosition `yaml:"mic_positions,omitempty"`

	// Ambient settings, not part of the spec's DSP surface.
	LogLevel      string `yaml:"log_level"`
	MetricsAddr   string `yaml:"metrics_addr"`
	RingCapacity  int    `yaml:"ring_capacity"`
	SinkBufferMs  int    `yaml:"sink_buffer_ms"`
	CorrWindow    int    `yaml:"correlation_window_size"`
	FrameSize     int    `yaml:"frame_size"`
	FrameOverlap  int    `yaml:"frame_overlap"`
	OversubFactor float64 `yaml:"oversub_factor"`
	GainFloor     float64 `yaml:"gain_floor"`
}

// DefaultConfig returns a configuration with the spec's documented
// defaults (E1).
func DefaultConfig() *Config {
	return &Config{
		NumMicrophones:         8,
		MicSpacing:             15.0,
		SampleRate:             16000,
		DMABufferSize:          512,
		NoiseReductionEnable:   true,
		NoiseThreshold:         0.05,
		Algorithm:              "spectral_subtraction",
		Volume:                 0.8,
		MinConfidenceThreshold: 0.3,
		LogLevel:               "info",
		MetricsAddr:            ":9090",
		RingCapacity:           8192,
		SinkBufferMs:           100,
		CorrWindow:             0,
		FrameSize:              1024,
		FrameOverlap:           512,
		OversubFactor:          2.0,
		GainFloor:              0.1,
	}
}

// LoadFile reads a YAML config file on top of DefaultConfig, so an
// omitted field keeps its default.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrap(perr.Config, "read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, perr.Wrap(perr.Config, "parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load resolves the daemon's configuration from args: defaults, then a
// `--config` file if named, then any explicitly-set flags layered on
// top (flags always win over the file).
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := pflag.NewFlagSet("micarrayd", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML config file")
	bindFlags(fs, cfg)

	if err := fs.Parse(args); err != nil {
		return nil, perr.Wrap(perr.Config, "parse flags", err)
	}

	if *configFile != "" {
		fileCfg, err := LoadFile(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
		// Re-bind onto the file-loaded config and re-apply only the
		// flags the caller actually set, so file values win unless a
		// flag explicitly overrides them.
		fs2 := pflag.NewFlagSet("micarrayd", pflag.ContinueOnError)
		fs2.String("config", "", "path to a YAML config file")
		bindFlags(fs2, cfg)
		if err := fs2.Parse(args); err != nil {
			return nil, perr.Wrap(perr.Config, "parse flags", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.NumMicrophones, "num-microphones", cfg.NumMicrophones, "number of microphones in the array (1-16)")
	fs.Float64Var(&cfg.MicSpacing, "mic-spacing", cfg.MicSpacing, "radial microphone spacing in millimetres")
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "capture/processing sample rate in Hz")
	fs.IntVar(&cfg.DMABufferSize, "dma-buffer-size", cfg.DMABufferSize, "per-block sample count (1-8192)")
	fs.BoolVar(&cfg.NoiseReductionEnable, "noise-reduction-enable", cfg.NoiseReductionEnable, "enable STFT noise reduction")
	fs.Float64Var(&cfg.NoiseThreshold, "noise-threshold", cfg.NoiseThreshold, "spectral subtraction SNR gate")
	fs.StringVar(&cfg.Algorithm, "algorithm", cfg.Algorithm, "noise reduction algorithm (spectral_subtraction)")
	fs.Float64Var(&cfg.Volume, "volume", cfg.Volume, "sink post-gain, 0-1")
	fs.Float64Var(&cfg.MinConfidenceThreshold, "min-confidence-threshold", cfg.MinConfidenceThreshold, "localiser confidence gate, 0-1")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on")
}

// Validate rejects out-of-range configuration (§6's configuration
// surface table; E2).
func (c *Config) Validate() error {
	if c.NumMicrophones < 1 || c.NumMicrophones > 16 {
		return perr.New(perr.Config, "num_microphones must be between 1 and 16")
	}
	if c.MicSpacing <= 0 {
		return perr.New(perr.Config, "mic_spacing must be positive")
	}
	if c.SampleRate <= 0 {
		return perr.New(perr.Config, "sample_rate must be positive")
	}
	if c.DMABufferSize < 1 || c.DMABufferSize > 8192 {
		return perr.New(perr.Config, "dma_buffer_size must be between 1 and 8192")
	}
	if c.Algorithm != "spectral_subtraction" {
		return perr.New(perr.Config, "unknown algorithm: "+c.Algorithm)
	}
	if c.Volume < 0 || c.Volume > 1 {
		return perr.New(perr.Config, "volume must be between 0 and 1")
	}
	if c.MinConfidenceThreshold < 0 || c.MinConfidenceThreshold > 1 {
		return perr.New(perr.Config, "min_confidence_threshold must be between 0 and 1")
	}
	if len(c.MicPositions) > 0 && len(c.MicPositions) != c.NumMicrophones {
		return perr.New(perr.Config, "mic_positions must have one entry per microphone")
	}
	return nil
}
