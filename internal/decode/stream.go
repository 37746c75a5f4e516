// Package decode turns sources — standalone audio files or container
// tracks — into interleaved float32 sample streams and runs the decoder
// workers that feed the per-track ring buffers.
//
// File decoding dispatches on extension: WAV via go-audio/wav, MP3 via
// hajimehoshi/go-mp3, Ogg Vorbis via jfreymuth/oggvorbis. Container tracks
// are demuxed from the Matroska layer and PCM-decoded here.
package decode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"github.com/proteus-audio/proteus/pkg/audio"
)

// Stream is a decoded audio source yielding interleaved samples in the
// source's native format.
//
// ReadSamples fills dst with up to len(dst) samples and returns the count,
// always a multiple of the channel count. (0, nil) means no data is
// currently available — a stalled but not finished source; io.EOF marks
// the true end.
type Stream interface {
	Format() audio.Format
	ReadSamples(dst []float32) (int, error)
	Close() error
}

// OpenFile opens a standalone audio file and positions it at startTime
// seconds.
func OpenFile(path string, startTime float64) (Stream, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return openWAV(path, startTime)
	case ".mp3":
		return openMP3(path, startTime)
	case ".ogg", ".oga":
		return openVorbis(path, startTime)
	default:
		return nil, fmt.Errorf("decode: unsupported file type %q", path)
	}
}

// --- WAV ---

type wavStream struct {
	f      *os.File
	dec    *wav.Decoder
	format audio.Format
	buf    *goaudio.IntBuffer
}

func openWAV(path string, startTime float64) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode: open %q: %w", path, err)
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		f.Close()
		return nil, fmt.Errorf("decode: %q is not a readable wav file", path)
	}

	s := &wavStream{
		f:      f,
		dec:    dec,
		format: audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)},
		buf: &goaudio.IntBuffer{
			Data:   make([]int, 4096),
			Format: &goaudio.Format{NumChannels: int(dec.NumChans), SampleRate: int(dec.SampleRate)},
		},
	}
	if err := skipSamples(s, startTime); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *wavStream) Format() audio.Format { return s.format }

func (s *wavStream) ReadSamples(dst []float32) (int, error) {
	want := len(dst)
	if cap(s.buf.Data) < want {
		s.buf.Data = make([]int, want)
	}
	s.buf.Data = s.buf.Data[:want]

	n, err := s.dec.PCMBuffer(s.buf)
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	out := audio.IntPCMToFloat32(dst[:0], s.buf.Data[:n], int(s.dec.BitDepth))
	return len(out), err
}

func (s *wavStream) Close() error { return s.f.Close() }

// --- MP3 ---

type mp3Stream struct {
	f      *os.File
	dec    *mp3.Decoder
	format audio.Format
	buf    []byte
}

func openMP3(path string, startTime float64) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode: open %q: %w", path, err)
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode: %q: %w", path, err)
	}

	// go-mp3 always yields 16-bit stereo at the stream sample rate and
	// supports sample-accurate seeking (4 bytes per frame).
	if startTime > 0 {
		offset := int64(startTime*float64(dec.SampleRate())) * 4
		if _, err := dec.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("decode: seek %q: %w", path, err)
		}
	}
	return &mp3Stream{
		f:      f,
		dec:    dec,
		format: audio.Format{SampleRate: dec.SampleRate(), Channels: 2},
	}, nil
}

func (s *mp3Stream) Format() audio.Format { return s.format }

func (s *mp3Stream) ReadSamples(dst []float32) (int, error) {
	need := len(dst) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	n, err := s.dec.Read(s.buf[:need])
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, nil
	}
	out := audio.PCM16LEToFloat32(dst[:0], s.buf[:n])
	return len(out), err
}

func (s *mp3Stream) Close() error { return s.f.Close() }

// --- Ogg Vorbis ---

type vorbisStream struct {
	f      *os.File
	dec    *oggvorbis.Reader
	format audio.Format
}

func openVorbis(path string, startTime float64) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode: open %q: %w", path, err)
	}
	dec, err := oggvorbis.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode: %q: %w", path, err)
	}
	if startTime > 0 {
		pos := int64(startTime * float64(dec.SampleRate()))
		if err := dec.SetPosition(pos); err != nil {
			f.Close()
			return nil, fmt.Errorf("decode: seek %q: %w", path, err)
		}
	}
	return &vorbisStream{
		f:      f,
		dec:    dec,
		format: audio.Format{SampleRate: dec.SampleRate(), Channels: dec.Channels()},
	}, nil
}

func (s *vorbisStream) Format() audio.Format { return s.format }

func (s *vorbisStream) ReadSamples(dst []float32) (int, error) {
	// oggvorbis reads interleaved samples directly.
	n, err := s.dec.Read(dst)
	if n == 0 && err == nil {
		return 0, nil
	}
	return n, err
}

func (s *vorbisStream) Close() error { return s.f.Close() }

// skipSamples advances a stream without native seeking by decoding and
// discarding everything before startTime.
func skipSamples(s Stream, startTime float64) error {
	if startTime <= 0 {
		return nil
	}
	format := s.Format()
	remaining := int(startTime*float64(format.SampleRate)) * format.Channels
	scratch := make([]float32, 8192)
	for remaining > 0 {
		want := remaining
		if want > len(scratch) {
			want = len(scratch)
		}
		n, err := s.ReadSamples(scratch[:want])
		remaining -= n
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode: skip to start: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}
