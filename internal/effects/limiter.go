package effects

import (
	"fmt"

	algoeffects "github.com/cwbudde/algo-dsp/dsp/effects"
)

// Limiter is a per-channel peak limiter built on the algo-dsp high-ratio
// compressor. It keeps the mixed sum of several full-scale tracks from
// clipping the output stage.
type Limiter struct {
	limiters []*algoeffects.Limiter // one per channel
}

// NewLimiter builds a limiter with the given ceiling (dBFS, typically a
// small negative value) and release time in milliseconds.
func NewLimiter(ceilingDB, releaseMS float64, sampleRate, channels int) (*Limiter, error) {
	if channels < 1 {
		channels = 1
	}
	l := &Limiter{limiters: make([]*algoeffects.Limiter, channels)}
	for ch := range l.limiters {
		lim, err := algoeffects.NewLimiter(float64(sampleRate))
		if err != nil {
			return nil, fmt.Errorf("effects: limiter: %w", err)
		}
		if err := lim.SetThreshold(ceilingDB); err != nil {
			return nil, fmt.Errorf("effects: limiter threshold %v dB: %w", ceilingDB, err)
		}
		if releaseMS > 0 {
			if err := lim.SetRelease(releaseMS); err != nil {
				return nil, fmt.Errorf("effects: limiter release %v ms: %w", releaseMS, err)
			}
		}
		l.limiters[ch] = lim
	}
	return l, nil
}

// Process limits each channel independently; output length equals input
// length and draining is a no-op.
func (l *Limiter) Process(in []float32, _ bool) []float32 {
	out := make([]float32, len(in))
	channels := len(l.limiters)
	for i, s := range in {
		out[i] = float32(l.limiters[i%channels].ProcessSample(float64(s)))
	}
	return out
}

// ResetState clears the envelope state of every channel.
func (l *Limiter) ResetState() {
	for _, lim := range l.limiters {
		lim.Reset()
	}
}

// PreferredBatchSamples reports no alignment preference.
func (l *Limiter) PreferredBatchSamples(int) int { return 0 }
