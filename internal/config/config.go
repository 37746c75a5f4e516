// Package config provides the configuration schema and loader for the
// proteus playback engine.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader]; CLI flags override
// individual fields afterwards.
type Config struct {
	LogLevel LogLevel       `yaml:"log_level"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Playback PlaybackConfig `yaml:"playback"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the OTel meter provider and /metrics endpoint on.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the address /metrics is served on (e.g. ":9090").
	ListenAddr string `yaml:"listen_addr"`
}

// PlaybackConfig holds the engine and sink tuning knobs.
type PlaybackConfig struct {
	// StartBufferMS is the minimum buffered audio per slot, in
	// milliseconds, before mixing begins.
	StartBufferMS float64 `yaml:"start_buffer_ms"`

	// MinMixMS is the target minimum mix chunk length in milliseconds.
	MinMixMS float64 `yaml:"min_mix_ms"`

	// TrackEOSMS is the decoder inactivity window, in milliseconds, after
	// which a track is declared finished.
	TrackEOSMS float64 `yaml:"track_eos_ms"`

	// ShuffleCrossfadeMS is the outgoing fade length at shuffle
	// boundaries.
	ShuffleCrossfadeMS float64 `yaml:"shuffle_crossfade_ms"`

	// InlineTransitionMS is the crossfade length of an inline effect
	// chain swap.
	InlineTransitionMS float64 `yaml:"inline_transition_ms"`

	// RingBufferMS is the per-track ring buffer capacity in milliseconds.
	RingBufferMS float64 `yaml:"ring_buffer_ms"`

	// StartSinkChunks is how many chunks must be queued before the sink
	// starts playing.
	StartSinkChunks int `yaml:"start_sink_chunks"`

	// MaxSinkChunks caps the sink queue for backpressure.
	MaxSinkChunks int `yaml:"max_sink_chunks"`

	// PauseFadeMS and ResumeFadeMS are the pause/resume volume ramps.
	PauseFadeMS  float64 `yaml:"pause_fade_ms"`
	ResumeFadeMS float64 `yaml:"resume_fade_ms"`

	// SeekFadeOutMS and SeekFadeInMS are the fades around a seek.
	SeekFadeOutMS float64 `yaml:"seek_fade_out_ms"`
	SeekFadeInMS  float64 `yaml:"seek_fade_in_ms"`

	// StartupSilenceMS is the silent pre-roll appended to a fresh sink.
	StartupSilenceMS float64 `yaml:"startup_silence_ms"`

	// Volume is the initial output volume in [0, 1].
	Volume float64 `yaml:"volume"`

	// Seed seeds the shuffle RNG for reproducible schedules. Zero means a
	// random seed.
	Seed uint64 `yaml:"seed"`

	// NoGapless disables the shared-container reader fast path, forcing
	// one decoder per slot.
	NoGapless bool `yaml:"no_gapless"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Playback: PlaybackConfig{
			StartBufferMS:      20,
			MinMixMS:           300,
			TrackEOSMS:         1000,
			ShuffleCrossfadeMS: 5,
			InlineTransitionMS: 25,
			RingBufferMS:       500,
			StartSinkChunks:    2,
			MaxSinkChunks:      4,
			PauseFadeMS:        100,
			ResumeFadeMS:       100,
			SeekFadeOutMS:      50,
			SeekFadeInMS:       50,
			StartupSilenceMS:   50,
			Volume:             1.0,
		},
	}
}
