package effects

import (
	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// FilterKind selects the biquad response of a [Filter].
type FilterKind int

const (
	// FilterLowPass attenuates content above the cutoff frequency.
	FilterLowPass FilterKind = iota

	// FilterHighPass attenuates content below the cutoff frequency.
	FilterHighPass
)

// Filter is a per-channel second-order low-pass or high-pass stage built
// on algo-dsp biquad sections.
type Filter struct {
	kind     FilterKind
	freq     float64
	q        float64
	sections []*biquad.Section // one per channel
}

// NewFilter builds a filter of the given kind at freq Hz with quality q
// for an interleaved stream of the given channel count.
func NewFilter(kind FilterKind, freq, q float64, sampleRate, channels int) *Filter {
	if q <= 0 {
		q = 0.7071
	}
	if channels < 1 {
		channels = 1
	}
	f := &Filter{kind: kind, freq: freq, q: q}
	coeffs := f.coefficients(float64(sampleRate))
	f.sections = make([]*biquad.Section, channels)
	for ch := range f.sections {
		f.sections[ch] = biquad.NewSection(coeffs)
	}
	return f
}

func (f *Filter) coefficients(sampleRate float64) biquad.Coefficients {
	if f.kind == FilterHighPass {
		return design.Highpass(f.freq, f.q, sampleRate)
	}
	return design.Lowpass(f.freq, f.q, sampleRate)
}

// Process filters each channel independently. The output length always
// equals the input length; draining is a no-op because the filter's tail
// is only two samples of state.
func (f *Filter) Process(in []float32, _ bool) []float32 {
	out := make([]float32, len(in))
	channels := len(f.sections)
	for i, s := range in {
		out[i] = float32(f.sections[i%channels].ProcessSample(float64(s)))
	}
	return out
}

// ResetState zeroes the per-channel filter state while keeping the
// coefficients.
func (f *Filter) ResetState() {
	for ch := range f.sections {
		f.sections[ch] = biquad.NewSection(f.sections[ch].Coefficients)
	}
}

// PreferredBatchSamples reports no alignment preference.
func (f *Filter) PreferredBatchSamples(int) int { return 0 }
