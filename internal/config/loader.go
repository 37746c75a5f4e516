package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied underneath.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		errs = append(errs, errors.New("metrics.listen_addr is required when metrics.enabled is true"))
	}

	p := cfg.Playback
	if p.StartBufferMS < 0 {
		errs = append(errs, fmt.Errorf("playback.start_buffer_ms must not be negative, got %v", p.StartBufferMS))
	}
	if p.MinMixMS <= 0 {
		errs = append(errs, fmt.Errorf("playback.min_mix_ms must be positive, got %v", p.MinMixMS))
	}
	if p.TrackEOSMS < 0 {
		errs = append(errs, fmt.Errorf("playback.track_eos_ms must not be negative, got %v", p.TrackEOSMS))
	}
	if p.MaxSinkChunks > 0 && p.StartSinkChunks > p.MaxSinkChunks {
		errs = append(errs, fmt.Errorf("playback.start_sink_chunks (%d) exceeds max_sink_chunks (%d)",
			p.StartSinkChunks, p.MaxSinkChunks))
	}
	if p.Volume < 0 || p.Volume > 1 {
		errs = append(errs, fmt.Errorf("playback.volume must be in [0, 1], got %v", p.Volume))
	}

	return errors.Join(errs...)
}
