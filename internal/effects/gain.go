package effects

// Gain scales every sample by a constant linear factor. It is stateless
// and mainly useful as the cheapest possible chain element.
type Gain struct {
	factor float32
}

// NewGain returns a gain stage with the given linear factor.
func NewGain(factor float32) *Gain {
	return &Gain{factor: factor}
}

// Process scales in by the configured factor. Draining a gain stage is a
// no-op; it holds no tail.
func (g *Gain) Process(in []float32, _ bool) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = s * g.factor
	}
	return out
}

// ResetState is a no-op; gain has no history.
func (g *Gain) ResetState() {}

// PreferredBatchSamples reports no alignment preference.
func (g *Gain) PreferredBatchSamples(int) int { return 0 }
