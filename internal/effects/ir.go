package effects

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"

	"github.com/proteus-audio/proteus/pkg/audio"
)

// IRSourceKind discriminates where an impulse response is loaded from.
type IRSourceKind int

const (
	// IRFile loads the impulse response from a WAV file on disk.
	IRFile IRSourceKind = iota

	// IRAttachment loads the impulse response from a container attachment.
	IRAttachment
)

// IRSpec is a parsed impulse-response reference.
type IRSpec struct {
	Kind IRSourceKind
	Name string // file path or attachment name
}

// ParseIRSpec parses an impulse-response reference of the form
// "file:<path>", "attachment:<name>", or a bare path (treated as a file).
func ParseIRSpec(value string) (IRSpec, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return IRSpec{}, fmt.Errorf("effects: empty impulse response reference")
	}
	switch {
	case strings.HasPrefix(trimmed, "file:"):
		return IRSpec{Kind: IRFile, Name: strings.TrimPrefix(trimmed, "file:")}, nil
	case strings.HasPrefix(trimmed, "attachment:"):
		return IRSpec{Kind: IRAttachment, Name: strings.TrimPrefix(trimmed, "attachment:")}, nil
	default:
		return IRSpec{Kind: IRFile, Name: trimmed}, nil
	}
}

// ResolveIRPath anchors a relative impulse-response file path next to the
// container it was referenced from.
func ResolveIRPath(containerPath, irPath string) string {
	if filepath.IsAbs(irPath) || containerPath == "" {
		return irPath
	}
	if _, err := os.Stat(irPath); err == nil {
		return irPath
	}
	return filepath.Join(filepath.Dir(containerPath), irPath)
}

// LoadImpulseResponseFile reads a WAV impulse response from disk and
// returns per-channel kernels truncated at tailDB below peak.
func LoadImpulseResponseFile(path string, tailDB float64) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("effects: open impulse response %q: %w", path, err)
	}
	defer f.Close()
	kernels, err := LoadImpulseResponseWAV(f, tailDB)
	if err != nil {
		return nil, fmt.Errorf("effects: impulse response %q: %w", path, err)
	}
	return kernels, nil
}

// LoadImpulseResponseBytes decodes a WAV impulse response held in memory,
// e.g. a container attachment.
func LoadImpulseResponseBytes(data []byte, tailDB float64) ([][]float32, error) {
	return LoadImpulseResponseWAV(bytes.NewReader(data), tailDB)
}

// LoadImpulseResponseWAV decodes WAV data into per-channel float32 kernels
// and truncates each at tailDB below its peak.
func LoadImpulseResponseWAV(r io.ReadSeeker, tailDB float64) ([][]float32, error) {
	dec := wav.NewDecoder(r)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("decode wav: empty impulse response")
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	interleaved := audio.IntPCMToFloat32(nil, buf.Data, int(dec.BitDepth))

	kernels := make([][]float32, channels)
	frames := len(interleaved) / channels
	for ch := 0; ch < channels; ch++ {
		kernel := make([]float32, frames)
		for i := 0; i < frames; i++ {
			kernel[i] = interleaved[i*channels+ch]
		}
		kernels[ch] = TruncateTail(kernel, tailDB)
	}
	return kernels, nil
}

// TruncateTail drops the trailing portion of kernel whose magnitude never
// rises above tailDB relative to the kernel's peak. A tailDB of zero or
// above disables truncation.
func TruncateTail(kernel []float32, tailDB float64) []float32 {
	if tailDB >= 0 || len(kernel) == 0 {
		return kernel
	}

	var peak float64
	for _, s := range kernel {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return kernel[:1]
	}

	floor := peak * math.Pow(10, tailDB/20)
	last := 0
	for i, s := range kernel {
		if math.Abs(float64(s)) >= floor {
			last = i
		}
	}
	return kernel[:last+1]
}
