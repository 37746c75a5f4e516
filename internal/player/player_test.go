package player

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/proteus-audio/proteus/internal/config"
	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/pkg/audio"
)

func TestTimerAccumulates(t *testing.T) {
	var tm timer
	tm.Start()
	time.Sleep(30 * time.Millisecond)
	tm.Pause()
	paused := tm.Elapsed()
	if paused < 25*time.Millisecond {
		t.Fatalf("Elapsed = %v, want >= 25ms", paused)
	}

	time.Sleep(20 * time.Millisecond)
	if tm.Elapsed() != paused {
		t.Error("timer advanced while paused")
	}

	tm.Unpause()
	time.Sleep(10 * time.Millisecond)
	if tm.Elapsed() <= paused {
		t.Error("timer did not advance after unpause")
	}

	tm.Reset()
	if tm.Elapsed() != 0 {
		t.Error("timer not zero after reset")
	}
}

func TestOutputMeterTracksAudibleChunk(t *testing.T) {
	m := NewOutputMeter(2)
	m.PushChunk([]float32{0.5, -0.25, 0.1, 0.1}) // peaks 0.5 / 0.25
	m.PushChunk([]float32{0.9, 0.8})             // peaks 0.9 / 0.8

	// Both chunks still queued: the first one is audible.
	m.UpdateFromSinkLen(2)
	levels := m.Levels()
	if levels[0] != 0.5 || levels[1] != 0.25 {
		t.Errorf("levels = %v, want [0.5 0.25]", levels)
	}

	// First chunk consumed.
	m.UpdateFromSinkLen(1)
	levels = m.Levels()
	if levels[0] != 0.9 || levels[1] != 0.8 {
		t.Errorf("levels = %v, want [0.9 0.8]", levels)
	}

	m.Reset()
	levels = m.Levels()
	if levels[0] != 0 || levels[1] != 0 {
		t.Errorf("levels after reset = %v", levels)
	}
}

// fakeSink tracks queue depth and transport state under test control.
// With autoConsume set, appended chunks are considered played immediately.
type fakeSink struct {
	mu          sync.Mutex
	queued      int
	appends     int
	paused      bool
	volume      float64
	autoConsume bool
}

func (s *fakeSink) Append([]float32) {
	s.mu.Lock()
	s.appends++
	if !s.autoConsume {
		s.queued++
	}
	s.mu.Unlock()
}

func (s *fakeSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *fakeSink) Consume(n int) {
	s.mu.Lock()
	if n > s.queued {
		n = s.queued
	}
	s.queued -= n
	s.mu.Unlock()
}

func (s *fakeSink) Play() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *fakeSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *fakeSink) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *fakeSink) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *fakeSink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *fakeSink) Clear()       { s.Consume(1 << 30) }
func (s *fakeSink) Close() error { return nil }

// writeToneWAV writes a mono 16-bit wav of constant amplitude.
func writeToneWAV(t *testing.T, path string, rate int, seconds float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	n := int(seconds * float64(rate))
	data := make([]int, n)
	for i := range data {
		data[i] = 2000
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Data:           data,
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

func testPlaybackConfig() config.PlaybackConfig {
	cfg := config.Default().Playback
	cfg.StartSinkChunks = 0
	cfg.MaxSinkChunks = 0
	cfg.StartupSilenceMS = 0
	cfg.PauseFadeMS = 1
	cfg.ResumeFadeMS = 1
	cfg.SeekFadeOutMS = 1
	cfg.SeekFadeInMS = 1
	cfg.MinMixMS = 50
	return cfg
}

func newTestPlayer(t *testing.T, seconds float64, sinks *[]*fakeSink, auto bool) *Player {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeToneWAV(t, path, 44100, seconds)

	model, err := container.NewFromPaths([]container.PathsTrack{
		{FilePaths: []string{path}, Level: 1},
	}, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("NewFromPaths: %v", err)
	}

	var mu sync.Mutex
	return New(model, testPlaybackConfig(), nil, WithSinkFactory(func(audio.Format) (Sink, error) {
		s := &fakeSink{paused: true, autoConsume: auto}
		mu.Lock()
		*sinks = append(*sinks, s)
		mu.Unlock()
		return s, nil
	}))
}

func TestPlayThroughReportsFullDuration(t *testing.T) {
	var sinks []*fakeSink
	p := newTestPlayer(t, 0.5, &sinks, true)

	p.PlayAt(0)
	waitFor(t, 10*time.Second, p.IsFinished)

	got := p.Time()
	if got < 0.5-0.01 || got > 0.5+0.1 {
		t.Errorf("Time = %v, want ~0.5", got)
	}
	if len(sinks) != 1 {
		t.Errorf("opened %d sinks, want 1", len(sinks))
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	var sinks []*fakeSink
	p := newTestPlayer(t, 2.0, &sinks, false)

	p.PlayAt(0)
	waitFor(t, 5*time.Second, p.IsPlaying)
	waitFor(t, 5*time.Second, func() bool {
		return len(sinks) == 1 && !sinks[0].IsPaused()
	})

	p.Pause()
	waitFor(t, 5*time.Second, func() bool {
		return p.IsPaused() && sinks[0].IsPaused()
	})

	// Paused: the clock must hold still.
	t1 := p.Time()
	time.Sleep(50 * time.Millisecond)
	if t2 := p.Time(); t2 != t1 {
		t.Errorf("clock moved while paused: %v -> %v", t1, t2)
	}

	p.Resume()
	waitFor(t, 5*time.Second, func() bool {
		return p.IsPlaying() && !sinks[0].IsPaused()
	})
	if v := sinks[0].Volume(); v <= 0 {
		t.Errorf("volume = %v after resume, want > 0", v)
	}

	p.Stop()
}

func TestSeekStartsFreshGenerationAtTarget(t *testing.T) {
	var sinks []*fakeSink
	p := newTestPlayer(t, 2.0, &sinks, false)

	p.PlayAt(0)
	waitFor(t, 5*time.Second, p.IsPlaying)

	p.Seek(1.0)
	waitFor(t, 5*time.Second, func() bool { return len(sinks) >= 2 })

	// The clock restarts at the seek target: nothing consumed yet on the
	// fresh sink, so time sits at 1.0.
	waitFor(t, 5*time.Second, func() bool {
		got := p.Time()
		return got >= 1.0 && got < 1.2
	})

	p.Stop()
}

func TestClockAdvancesWithConsumedChunks(t *testing.T) {
	var sinks []*fakeSink
	p := newTestPlayer(t, 1.0, &sinks, false)

	p.PlayAt(0)
	waitFor(t, 5*time.Second, func() bool {
		return len(sinks) == 1 && sinks[0].Len() > 0
	})

	before := p.Time()
	sinks[0].Consume(1)
	waitFor(t, 5*time.Second, func() bool { return p.Time() > before })

	p.Stop()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
