// Package effects implements the DSP chain the mix engine runs over every
// premixed chunk.
//
// Each effect is an opaque processor with a uniform contract: it consumes
// an interleaved float32 chunk and may return fewer or more samples than it
// was given (latency and tails are reconciled by the engine's output
// stage). Effects keep their own history and must survive repeated resets.
// The chain is the unit of atomic swap — a live chain is never mutated,
// it is replaced wholesale.
//
// The heavy lifting is delegated to github.com/cwbudde/algo-dsp: streaming
// partitioned convolution for the reverb, biquad sections for the filters
// and compressor ballistics for the limiter.
package effects

import (
	"log/slog"
)

// Context carries the stream parameters effects are built against.
type Context struct {
	SampleRate int
	Channels   int

	// ContainerPath is the directory anchor for relative impulse-response
	// paths and the source of attachment lookups. Empty for multi-file
	// playback.
	ContainerPath string

	// ImpulseResponse is the reverb IR reference, when configured.
	ImpulseResponse *IRSpec

	// ImpulseResponseTailDB is the level below peak at which loaded IRs are
	// truncated.
	ImpulseResponseTailDB float64
}

// Effect is one processor in the chain.
type Effect interface {
	// Process runs the effect over one interleaved chunk. With drain set,
	// the effect flushes whatever internal tail it still holds; a drained
	// effect returns an empty slice.
	Process(in []float32, drain bool) []float32

	// ResetState zeroes all internal history (filter state, feedback
	// lines, convolution partitions).
	ResetState()

	// PreferredBatchSamples returns the interleaved-sample granularity the
	// effect wants its input aligned to, or 0 when it has no preference.
	PreferredBatchSamples(channels int) int
}

// Chain is an ordered effect list. Chunks flow head to tail.
type Chain struct {
	effects []Effect
}

// NewChain builds a chain over the given effects. A nil or empty effect
// list yields a passthrough chain.
func NewChain(effects ...Effect) *Chain {
	return &Chain{effects: effects}
}

// Len returns the number of effects in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.effects)
}

// Process runs in through every effect in order. A panicking effect is
// contained to this chunk: the chain logs the failure and substitutes
// silence of the input length so playback cadence is preserved.
func (c *Chain) Process(in []float32, drain bool) (out []float32) {
	if c == nil || len(c.effects) == 0 {
		return append([]float32(nil), in...)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("effect chain failed; substituting silence", "panic", r)
			out = make([]float32, len(in))
		}
	}()

	current := append([]float32(nil), in...)
	for _, e := range c.effects {
		current = e.Process(current, drain)
	}
	return current
}

// ResetState zeroes the history of every effect.
func (c *Chain) ResetState() {
	if c == nil {
		return
	}
	for _, e := range c.effects {
		e.ResetState()
	}
}

// PreferredBatchSamples returns the alignment granularity the chain
// requires for the given channel count: the first non-zero preference of
// its effects, or 0 when none care.
func (c *Chain) PreferredBatchSamples(channels int) int {
	if c == nil {
		return 0
	}
	for _, e := range c.effects {
		if n := e.PreferredBatchSamples(channels); n > 0 {
			return n
		}
	}
	return 0
}

// WarmUp pushes one silent chunk of the given size through the chain so
// FFT plans and lazily sized buffers are allocated before the real-time
// loop starts, then resets whatever state the silence left behind.
func (c *Chain) WarmUp(samples int) {
	if c == nil || len(c.effects) == 0 || samples <= 0 {
		return
	}
	silence := make([]float32, samples)
	_ = c.Process(silence, false)
	c.ResetState()
}
