package decode

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/proteus-audio/proteus/pkg/audio"
)

// fakeStream yields a fixed mono sample block, then either stalls (keeps
// returning no data) or ends.
type fakeStream struct {
	samples []float32
	pos     int
	stall   bool
}

func (s *fakeStream) Format() audio.Format { return audio.Format{SampleRate: 48000, Channels: 1} }

func (s *fakeStream) ReadSamples(dst []float32) (int, error) {
	if s.pos >= len(s.samples) {
		if s.stall {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(dst, s.samples[s.pos:])
	s.pos += n
	return n, nil
}

func (s *fakeStream) Close() error { return nil }

func TestPumpReachesEOS(t *testing.T) {
	ring := audio.NewRing(1<<16, nil)
	stream := &fakeStream{samples: make([]float32, 1000)}
	var abort atomic.Bool

	if err := pump(stream, ring, &abort, time.Second, 1); err != nil {
		t.Fatalf("pump: %v", err)
	}

	// Mono input is duplicated to stereo.
	dst := make([]float32, 4000)
	if n := ring.PopUpTo(dst); n != 2000 {
		t.Fatalf("ring holds %d samples, want 2000", n)
	}
}

func TestPumpStallTriggersEOSWindow(t *testing.T) {
	ring := audio.NewRing(1<<16, nil)
	stream := &fakeStream{samples: make([]float32, 512), stall: true}
	var abort atomic.Bool

	start := time.Now()
	if err := pump(stream, ring, &abort, 50*time.Millisecond, 1); err != nil {
		t.Fatalf("pump: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("pump returned after %v, before the EOS window", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("pump took %v, EOS window did not bound the stall", elapsed)
	}
}

func TestPumpAbort(t *testing.T) {
	// A ring too small for the payload: the push blocks until abort.
	ring := audio.NewRing(64, nil)
	stream := &fakeStream{samples: make([]float32, 100000), stall: true}
	var abort atomic.Bool

	done := make(chan error, 1)
	go func() { done <- pump(stream, ring, &abort, time.Minute, 1) }()

	time.Sleep(20 * time.Millisecond)
	abort.Store(true)
	ring.Abort()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pump after abort: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not observe abort")
	}
}

func TestFinishedSet(t *testing.T) {
	s := NewFinishedSet()
	if s.Contains(3) {
		t.Error("fresh set contains key")
	}
	s.Mark(3)
	s.Mark(3)
	if !s.Contains(3) || s.Len() != 1 {
		t.Errorf("set state after double mark: len=%d", s.Len())
	}
	snap := s.Snapshot()
	if !snap[3] || len(snap) != 1 {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestDecodePCMPacket(t *testing.T) {
	// 16-bit little-endian: -32768 and +32767.
	out, err := decodePCMPacket(nil, codecPCMIntLE, 16, []byte{0x00, 0x80, 0xFF, 0x7F})
	if err != nil {
		t.Fatalf("decodePCMPacket: %v", err)
	}
	if out[0] != -1.0 {
		t.Errorf("out[0] = %v, want -1.0", out[0])
	}
	if out[1] < 0.999 {
		t.Errorf("out[1] = %v, want ~1.0", out[1])
	}

	// 32-bit float passthrough.
	out, err = decodePCMPacket(nil, codecPCMFloat, 32, []byte{0, 0, 0x80, 0x3F}) // 1.0f
	if err != nil {
		t.Fatalf("decodePCMPacket float: %v", err)
	}
	if out[0] != 1.0 {
		t.Errorf("float out[0] = %v, want 1.0", out[0])
	}

	if _, err := decodePCMPacket(nil, "A_OPUS", 0, nil); err == nil {
		t.Error("unsupported codec did not error")
	}
}

// writeTestWAV writes a 16-bit PCM wav of the given mono samples.
func writeTestWAV(t *testing.T, path string, rate int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestOpenFileWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	samples := make([]int, 4800)
	for i := range samples {
		samples[i] = 1000
	}
	writeTestWAV(t, path, 48000, samples)

	stream, err := OpenFile(path, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer stream.Close()

	format := stream.Format()
	if format.SampleRate != 48000 || format.Channels != 1 {
		t.Fatalf("format = %+v", format)
	}

	total := 0
	dst := make([]float32, 1024)
	for {
		n, err := stream.ReadSamples(dst)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadSamples: %v", err)
		}
		if n > 0 {
			want := float32(1000) / 32768
			if diff := dst[0] - want; diff > 1e-6 || diff < -1e-6 {
				t.Fatalf("sample = %v, want %v", dst[0], want)
			}
		}
	}
	if total != len(samples) {
		t.Fatalf("read %d samples, want %d", total, len(samples))
	}
}

func TestOpenFileSeekSkips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.wav")
	samples := make([]int, 48000)
	for i := range samples {
		samples[i] = i % 1000
	}
	writeTestWAV(t, path, 48000, samples)

	// Start half a second in: half the samples remain.
	stream, err := OpenFile(path, 0.5)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer stream.Close()

	total := 0
	dst := make([]float32, 4096)
	for {
		n, err := stream.ReadSamples(dst)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadSamples: %v", err)
		}
	}
	if total != 24000 {
		t.Fatalf("read %d samples after seek, want 24000", total)
	}
}

func TestOpenFileUnsupported(t *testing.T) {
	if _, err := OpenFile("whatever.flac", 0); err == nil {
		t.Error("unsupported extension did not error")
	}
}
