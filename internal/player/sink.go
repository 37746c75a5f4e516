// Package player owns the user-facing playback surface: transport
// controls, the platform audio sink, the sink-feeding worker with its
// clock accounting, and the output meter.
package player

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/proteus-audio/proteus/pkg/audio"
)

// Sink is the platform audio output the worker appends mixed chunks to.
// Implementations must be safe for use from the worker goroutine plus
// concurrent transport calls.
type Sink interface {
	// Append queues one interleaved float32 chunk for playback.
	Append(samples []float32)

	// Len returns the number of queued chunks not yet fully played.
	Len() int

	Play()
	Pause()
	IsPaused() bool

	// SetVolume scales output in [0, 1].
	SetVolume(v float64)
	Volume() float64

	// Clear drops all queued audio.
	Clear()

	Close() error
}

const (
	sinkOpenRetries = 3
	sinkOpenRetryMS = 500
)

// openSinkWithRetry opens the default output device with a short bounded
// retry, per the bootstrap contract: transient device failures are common
// right after hotplug or session switches.
func openSinkWithRetry(factory func() (Sink, error)) (Sink, error) {
	var lastErr error
	for attempt := 1; attempt <= sinkOpenRetries; attempt++ {
		sink, err := factory()
		if err == nil {
			return sink, nil
		}
		lastErr = err
		if attempt < sinkOpenRetries {
			slog.Warn("output device open failed; retrying",
				"attempt", attempt, "retries", sinkOpenRetries, "err", err)
			time.Sleep(sinkOpenRetryMS * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("player: open output device after %d attempts: %w", sinkOpenRetries, lastErr)
}

// otoContext is process-global: oto permits a single context per process,
// so every playback generation shares it and opens a fresh player.
var (
	otoOnce    sync.Once
	otoCtx     *oto.Context
	otoCtxRate int
	otoErr     error
)

func getOtoContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: audio.OutputChannels,
			Format:       oto.FormatFloat32LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
		otoCtxRate = sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoCtxRate != sampleRate {
		slog.Warn("oto context rate differs from stream rate",
			"context_rate", otoCtxRate, "stream_rate", sampleRate)
	}
	return otoCtx, nil
}

// otoSink plays chunks through an oto v3 player. The player pulls from
// Read; queued chunks are tracked so Len reflects whole chunks still
// audible, which the worker's clock accounting depends on.
type otoSink struct {
	player *oto.Player

	mu     sync.Mutex
	queue  [][]byte // float32le-encoded chunks
	offset int      // consumed bytes of queue[0]
	closed bool
}

// NewOtoSink opens (or reuses) the process audio context and creates a
// paused sink at the given sample rate.
func NewOtoSink(sampleRate int) (Sink, error) {
	ctx, err := getOtoContext(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("player: oto context: %w", err)
	}
	s := &otoSink{}
	s.player = ctx.NewPlayer(s)
	return s, nil
}

// Read feeds the device. Silence is substituted when the queue runs dry so
// the device stays fed and resumes seamlessly when chunks arrive.
func (s *otoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filled := 0
	for filled < len(p) && len(s.queue) > 0 {
		head := s.queue[0]
		n := copy(p[filled:], head[s.offset:])
		filled += n
		s.offset += n
		if s.offset == len(head) {
			s.queue = s.queue[1:]
			s.offset = 0
		}
	}
	for i := filled; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

func (s *otoSink) Append(samples []float32) {
	buf := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	s.mu.Lock()
	s.queue = append(s.queue, buf)
	s.mu.Unlock()
}

func (s *otoSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *otoSink) Play() {
	if !s.player.IsPlaying() {
		s.player.Play()
	}
}

func (s *otoSink) Pause() {
	if s.player.IsPlaying() {
		s.player.Pause()
	}
}

func (s *otoSink) IsPaused() bool {
	return !s.player.IsPlaying()
}

func (s *otoSink) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	s.player.SetVolume(v)
}

func (s *otoSink) Volume() float64 {
	return s.player.Volume()
}

func (s *otoSink) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.offset = 0
	s.mu.Unlock()
}

func (s *otoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	return s.player.Close()
}

// discardSink consumes chunks without a device. Used by --decode-only
// runs, where the pipeline is exercised at full speed and the output is
// discarded.
type discardSink struct {
	mu     sync.Mutex
	paused bool
	volume float64
}

// NewDiscardSink returns a sink that plays nothing and never queues.
func NewDiscardSink() Sink {
	return &discardSink{paused: true, volume: 1}
}

func (s *discardSink) Append([]float32) {}
func (s *discardSink) Len() int         { return 0 }

func (s *discardSink) Play() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *discardSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *discardSink) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *discardSink) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *discardSink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *discardSink) Clear()       {}
func (s *discardSink) Close() error { return nil }
