package decode

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/pkg/audio"
)

// containerStream decodes one PCM track out of a Matroska container. A
// background goroutine demuxes packets and hands decoded sample batches
// over a channel, so ReadSamples can report a stalled track by timing out
// instead of blocking forever.
type containerStream struct {
	format   audio.Format
	batches  chan []float32
	parseErr chan error
	stop     atomic.Bool

	leftover []float32
	done     bool
}

const containerReadTimeout = 20 * time.Millisecond

// OpenContainerTrack opens the given container track for decoding from
// startTime seconds. Only PCM codecs are supported; anything else fails
// at open.
func OpenContainerTrack(path string, track *container.TrackInfo, startTime float64) (Stream, error) {
	if track == nil {
		return nil, fmt.Errorf("decode: nil container track")
	}
	if !SupportedContainerCodec(track.CodecID) {
		return nil, fmt.Errorf("decode: container track %d: unsupported codec %q", track.Number, track.CodecID)
	}

	rate := int(track.SampleRate)
	if rate <= 0 {
		return nil, fmt.Errorf("decode: container track %d has no sample rate", track.Number)
	}

	s := &containerStream{
		format:   audio.Format{SampleRate: rate, Channels: track.Channels},
		batches:  make(chan []float32, 4),
		parseErr: make(chan error, 1),
	}

	info := *track
	go func() {
		defer close(s.batches)
		err := container.ReadPackets(path, map[uint64]bool{info.Number: true}, func(p container.Packet) error {
			if s.stop.Load() {
				return container.ErrStopScan
			}
			if info.Duration > 0 && p.Timestamp >= info.Duration {
				return container.ErrStopScan
			}
			if p.Timestamp < startTime {
				return nil
			}
			samples, err := decodePCMPacket(nil, info.CodecID, info.BitDepth, p.Data)
			if err != nil {
				return err
			}
			if len(samples) > 0 {
				s.batches <- samples
			}
			return nil
		})
		if err != nil {
			s.parseErr <- err
		}
	}()

	return s, nil
}

func (s *containerStream) Format() audio.Format { return s.format }

func (s *containerStream) ReadSamples(dst []float32) (int, error) {
	filled := 0
	for filled < len(dst) {
		if len(s.leftover) > 0 {
			n := copy(dst[filled:], s.leftover)
			s.leftover = s.leftover[n:]
			filled += n
			continue
		}
		if s.done {
			break
		}

		if filled > 0 {
			// Return what we already have rather than waiting for more.
			select {
			case batch, ok := <-s.batches:
				if !ok {
					s.done = true
					continue
				}
				s.leftover = batch
			default:
				return filled, nil
			}
			continue
		}

		select {
		case batch, ok := <-s.batches:
			if !ok {
				s.done = true
			} else {
				s.leftover = batch
			}
		case <-time.After(containerReadTimeout):
			return 0, nil
		}
	}

	if filled == 0 && s.done {
		select {
		case err := <-s.parseErr:
			return 0, err
		default:
		}
		return 0, io.EOF
	}
	return filled, nil
}

func (s *containerStream) Close() error {
	s.stop.Store(true)
	// Drain so the demux goroutine is never stuck on a full channel.
	go func() {
		for range s.batches {
		}
	}()
	return nil
}
