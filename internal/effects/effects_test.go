package effects

import (
	"math"
	"testing"
)

func TestChainPassthroughWhenEmpty(t *testing.T) {
	c := NewChain()
	in := []float32{0.1, -0.2, 0.3}
	out := c.Process(in, false)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestGain(t *testing.T) {
	g := NewGain(0.5)
	out := g.Process([]float32{1, -1, 0.5}, false)
	want := []float32{0.5, -0.5, 0.25}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
	if g.PreferredBatchSamples(2) != 0 {
		t.Error("gain reported a batch preference")
	}
}

type panicEffect struct{}

func (panicEffect) Process([]float32, bool) []float32 { panic("boom") }
func (panicEffect) ResetState()                       {}
func (panicEffect) PreferredBatchSamples(int) int     { return 0 }

func TestChainContainsEffectPanic(t *testing.T) {
	c := NewChain(NewGain(1), panicEffect{})
	in := []float32{0.5, 0.5, 0.5, 0.5}
	out := c.Process(in, false)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d (silence substitution)", len(out), len(in))
	}
	for i, s := range out {
		if s != 0 {
			t.Errorf("out[%d] = %v, want silence", i, s)
		}
	}
}

func TestChainPreferredBatchSamples(t *testing.T) {
	r, err := NewConvolutionReverb([][]float32{{1}}, 1, 2)
	if err != nil {
		t.Fatalf("NewConvolutionReverb: %v", err)
	}
	c := NewChain(NewGain(1), r)
	want := defaultBlockFrames * 2 * reverbBatchBlocks
	if got := c.PreferredBatchSamples(2); got != want {
		t.Errorf("PreferredBatchSamples = %d, want %d", got, want)
	}
}

func TestConvolutionReverbUnitImpulseIsIdentity(t *testing.T) {
	r, err := NewConvolutionReverb([][]float32{{1}}, 1, 2)
	if err != nil {
		t.Fatalf("NewConvolutionReverb: %v", err)
	}

	batch := r.PreferredBatchSamples(2)
	in := make([]float32, batch)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * float64(i) / 97))
	}

	out := r.Process(in, false)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > 1e-5 {
			t.Fatalf("out[%d] = %v, want %v (diff %v)", i, out[i], in[i], diff)
		}
	}

	// Unit impulse leaves no tail: drain returns nothing further.
	tail := r.Process(nil, true)
	for i, s := range tail {
		if s != 0 {
			t.Fatalf("tail[%d] = %v, want silence after unit impulse", i, s)
		}
	}
	if again := r.Process(nil, true); len(again) != 0 {
		t.Errorf("second drain returned %d samples, want 0", len(again))
	}
}

func TestConvolutionReverbDrainFlushesTail(t *testing.T) {
	// A delayed impulse: every input sample reappears kernelDelay frames
	// later, so a final chunk must surface a tail on drain.
	kernelDelay := 64
	kernel := make([]float32, kernelDelay+1)
	kernel[kernelDelay] = 1
	r, err := NewConvolutionReverb([][]float32{kernel}, 1, 1)
	if err != nil {
		t.Fatalf("NewConvolutionReverb: %v", err)
	}

	in := make([]float32, defaultBlockFrames)
	for i := range in {
		in[i] = 1
	}
	_ = r.Process(in, false)
	tail := r.Process(nil, true)

	var energy float64
	for _, s := range tail {
		energy += math.Abs(float64(s))
	}
	if energy == 0 {
		t.Error("drain produced no tail for a delayed impulse response")
	}
}

func TestConvolutionReverbResetState(t *testing.T) {
	kernel := make([]float32, 128)
	kernel[100] = 1
	r, err := NewConvolutionReverb([][]float32{kernel}, 1, 1)
	if err != nil {
		t.Fatalf("NewConvolutionReverb: %v", err)
	}

	loud := make([]float32, defaultBlockFrames)
	for i := range loud {
		loud[i] = 1
	}
	_ = r.Process(loud, false)
	r.ResetState()

	// After reset, silence in must give silence out.
	out := r.Process(make([]float32, defaultBlockFrames), false)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("out[%d] = %v after reset, want 0", i, s)
		}
	}
}

func TestFilterProcessesPerChannel(t *testing.T) {
	f := NewFilter(FilterLowPass, 1000, 0.7071, 48000, 2)
	in := make([]float32, 256)
	for i := range in {
		in[i] = 1
	}
	out := f.Process(in, false)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	// DC passes a low-pass: the tail of the step response approaches 1.
	if got := out[len(out)-2]; math.Abs(float64(got)-1) > 0.1 {
		t.Errorf("step response settled at %v, want ~1", got)
	}
	f.ResetState()
	out = f.Process(make([]float32, 64), false)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("out[%d] = %v after reset on silence, want 0", i, s)
		}
	}
}

func TestParseIRSpec(t *testing.T) {
	tests := []struct {
		in       string
		wantKind IRSourceKind
		wantName string
		wantErr  bool
	}{
		{"file:/tmp/ir.wav", IRFile, "/tmp/ir.wav", false},
		{"attachment:hall.wav", IRAttachment, "hall.wav", false},
		{"plain/path.wav", IRFile, "plain/path.wav", false},
		{"  ", 0, "", true},
	}
	for _, tt := range tests {
		got, err := ParseIRSpec(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIRSpec(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && (got.Kind != tt.wantKind || got.Name != tt.wantName) {
			t.Errorf("ParseIRSpec(%q) = %+v", tt.in, got)
		}
	}
}

func TestTruncateTail(t *testing.T) {
	kernel := []float32{1, 0.5, 0.0001, 0.0001, 0.0001}
	got := TruncateTail(kernel, -60)
	if len(got) != 2 {
		t.Errorf("len = %d, want 2 (everything below -60 dB dropped)", len(got))
	}

	// tailDB >= 0 disables truncation.
	if got := TruncateTail(kernel, 0); len(got) != len(kernel) {
		t.Errorf("len = %d, want %d", len(got), len(kernel))
	}
}
