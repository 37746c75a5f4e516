package effects

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/conv"
)

const (
	// defaultBlockFrames is the per-channel FFT block length of the
	// streaming convolver.
	defaultBlockFrames = 1024

	// reverbBatchBlocks is how many FFT blocks the reverb wants per input
	// batch; the mix engine rounds its chunk size up to this granularity.
	reverbBatchBlocks = 2
)

// ConvolutionReverb convolves the stream with an impulse response using
// algo-dsp's streaming overlap-add convolver, one instance per channel.
//
// Because the convolver consumes fixed FFT blocks, the effect reports a
// preferred batch size and the engine aligns chunk sizes to it. Input that
// does not fill a block is staged until more arrives; the convolution tail
// past end of input is flushed on drain.
type ConvolutionReverb struct {
	dryWet      float32
	channels    int
	blockFrames int

	convs []*conv.StreamingOverlapAddT[float32, complex64]

	staged  []float32 // interleaved input awaiting a full block
	pending []float32 // processed output not yet handed back

	blockIn  [][]float32 // per-channel scratch, blockFrames each
	blockOut [][]float32

	tailFrames int
	drained    bool
}

// NewConvolutionReverb builds a reverb from per-channel impulse responses.
// A single kernel is shared across all channels; otherwise one kernel per
// channel is required. dryWet of 0 is a passthrough, 1 is fully wet.
func NewConvolutionReverb(kernels [][]float32, dryWet float32, channels int) (*ConvolutionReverb, error) {
	if channels < 1 {
		channels = 1
	}
	if len(kernels) == 0 || len(kernels[0]) == 0 {
		return nil, fmt.Errorf("effects: convolution reverb: empty impulse response")
	}
	if len(kernels) != 1 && len(kernels) != channels {
		return nil, fmt.Errorf("effects: convolution reverb: %d IR channels for %d stream channels", len(kernels), channels)
	}

	r := &ConvolutionReverb{
		dryWet:      clamp01(dryWet),
		channels:    channels,
		blockFrames: defaultBlockFrames,
		convs:       make([]*conv.StreamingOverlapAddT[float32, complex64], channels),
		blockIn:     make([][]float32, channels),
		blockOut:    make([][]float32, channels),
	}
	for ch := 0; ch < channels; ch++ {
		kernel := kernels[0]
		if len(kernels) == channels {
			kernel = kernels[ch]
		}
		c, err := conv.NewStreamingOverlapAdd32(kernel, r.blockFrames)
		if err != nil {
			return nil, fmt.Errorf("effects: convolution reverb: %w", err)
		}
		r.convs[ch] = c
		if tail := len(kernel) - 1; tail > r.tailFrames {
			r.tailFrames = tail
		}
		r.blockIn[ch] = make([]float32, r.blockFrames)
		r.blockOut[ch] = make([]float32, r.blockFrames)
	}
	return r, nil
}

// Process stages in, convolves every complete FFT block, and returns
// len(in) samples (padding the very first blocks with silence while the
// stager fills). With drain set it instead flushes the remaining staged
// input and the convolution tail and returns everything that is ready;
// once the tail is out, further drain calls return nil.
func (r *ConvolutionReverb) Process(in []float32, drain bool) []float32 {
	if len(in) > 0 {
		r.staged = append(r.staged, in...)
		r.drained = false
	}

	blockSamples := r.blockFrames * r.channels
	for len(r.staged) >= blockSamples {
		r.processBlock(r.staged[:blockSamples])
		r.staged = r.staged[:copy(r.staged, r.staged[blockSamples:])]
	}

	if drain {
		r.flushTail(blockSamples)
		out := r.pending
		r.pending = nil
		return out
	}

	if len(r.pending) < len(in) {
		out := make([]float32, len(in))
		copy(out, r.pending)
		r.pending = r.pending[:0]
		return out
	}
	out := append([]float32(nil), r.pending[:len(in)]...)
	r.pending = r.pending[:copy(r.pending, r.pending[len(in):])]
	return out
}

// processBlock convolves one interleaved block and appends the wet/dry mix
// to the pending output.
func (r *ConvolutionReverb) processBlock(block []float32) {
	for ch := 0; ch < r.channels; ch++ {
		dst := r.blockIn[ch]
		for i := 0; i < r.blockFrames; i++ {
			dst[i] = block[i*r.channels+ch]
		}
		if err := r.convs[ch].ProcessBlockTo(r.blockOut[ch], dst); err != nil {
			// A sizing error here is a programming bug; surface it through
			// the chain's containment rather than corrupting the stream.
			panic(fmt.Sprintf("convolution block failed: %v", err))
		}
	}

	wet := r.dryWet
	dry := 1 - wet
	for i := 0; i < r.blockFrames; i++ {
		for ch := 0; ch < r.channels; ch++ {
			r.pending = append(r.pending, dry*block[i*r.channels+ch]+wet*r.blockOut[ch][i])
		}
	}
}

// flushTail pushes the final partial block and enough silence through the
// convolvers to surface the full impulse-response tail.
func (r *ConvolutionReverb) flushTail(blockSamples int) {
	if r.drained {
		return
	}
	r.drained = true

	if len(r.staged) > 0 {
		block := make([]float32, blockSamples)
		copy(block, r.staged)
		r.staged = r.staged[:0]
		r.processBlock(block)
	}

	silent := make([]float32, blockSamples)
	for flushed := 0; flushed < r.tailFrames; flushed += r.blockFrames {
		r.processBlock(silent)
	}
}

// ResetState clears the convolver history and all staging, keeping the FFT
// plans and scratch buffers allocated.
func (r *ConvolutionReverb) ResetState() {
	for _, c := range r.convs {
		c.Reset()
	}
	r.staged = r.staged[:0]
	r.pending = nil
	r.drained = false
}

// PreferredBatchSamples asks the engine to align chunks to whole FFT
// batches so block boundaries and chunk boundaries coincide.
func (r *ConvolutionReverb) PreferredBatchSamples(channels int) int {
	if channels < 1 {
		channels = 1
	}
	return r.blockFrames * channels * reverbBatchBlocks
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
