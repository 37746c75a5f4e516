package player

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/proteus-audio/proteus/internal/config"
	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/internal/engine"
	"github.com/proteus-audio/proteus/internal/observe"
	"github.com/proteus-audio/proteus/pkg/audio"
)

// State is the transport state machine. Pausing and Resuming are the
// transitional states the sink worker converts into fades.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
	StatePausing
	StateResuming
)

// SinkFactory opens the platform sink for a given stream format.
type SinkFactory func(format audio.Format) (Sink, error)

// Option configures a [Player] during construction.
type Option func(*Player)

// WithSinkFactory overrides how the output sink is opened. Used by
// --decode-only runs and tests.
func WithSinkFactory(f SinkFactory) Option {
	return func(p *Player) {
		p.newSink = f
	}
}

// Player is the playback surface over one loaded container model. It owns
// the generation lifecycle: every Play/Seek/Refresh spawns a fresh engine
// and sink worker cohort and invalidates the previous one.
type Player struct {
	model   *container.Model
	cfg     config.PlaybackConfig
	metrics *observe.Metrics
	format  audio.Format
	session string

	newSink SinkFactory

	generation atomic.Uint64

	mu               sync.Mutex
	state            State
	volume           float64
	timePassed       float64
	duration         float64
	nextResumeFadeMS *float64
	eng              *engine.Engine
	sink             Sink
	workerDone       chan struct{}

	meter *OutputMeter
}

// New builds a player over model. The output format inherits the first
// container track's sample rate (44.1 kHz when nothing declares one) and
// is always stereo.
func New(model *container.Model, cfg config.PlaybackConfig, metrics *observe.Metrics, opts ...Option) *Player {
	rate := 44100
	if meta := model.Metadata(); meta != nil && len(meta.Tracks) > 0 && meta.Tracks[0].SampleRate > 0 {
		rate = int(meta.Tracks[0].SampleRate)
	}

	p := &Player{
		model:   model,
		cfg:     cfg,
		metrics: metrics,
		format:  audio.Format{SampleRate: rate, Channels: audio.OutputChannels},
		session: uuid.NewString(),
		volume:  cfg.Volume,
		state:   StateStopped,
		meter:   NewOutputMeter(audio.OutputChannels),
		newSink: func(format audio.Format) (Sink, error) {
			return NewOtoSink(format.SampleRate)
		},
	}
	for _, o := range opts {
		o(p)
	}
	slog.Info("player ready",
		"session", p.session,
		"sample_rate", p.format.SampleRate,
		"slots", model.Schedule().SlotCount(),
		"duration", model.Duration(),
	)
	return p
}

// Format returns the output stream format.
func (p *Player) Format() audio.Format { return p.format }

// Play starts playback from the beginning, or resumes when paused.
func (p *Player) Play() {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	switch state {
	case StatePaused, StatePausing:
		p.Resume()
	case StatePlaying, StateResuming:
	default:
		p.PlayAt(0)
	}
}

// PlayAt starts a fresh playback generation at ts seconds.
func (p *Player) PlayAt(ts float64) {
	p.killCurrent()
	p.initializeGeneration(ts)
	p.mu.Lock()
	p.state = StateResuming
	p.mu.Unlock()
}

// Pause requests a fade-out followed by a sink pause.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state == StatePlaying || p.state == StateResuming {
		p.state = StatePausing
	}
	p.mu.Unlock()
}

// Resume requests a fade-in back to the target volume.
func (p *Player) Resume() {
	p.mu.Lock()
	if p.state == StatePaused || p.state == StatePausing {
		p.state = StateResuming
	}
	p.mu.Unlock()
}

// Seek fades out, kills the current generation, and starts a fresh one at
// ts seconds; when playback was active it fades back in afterwards.
func (p *Player) Seek(ts float64) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	playing := state == StatePlaying || state == StateResuming
	if playing && p.cfg.SeekFadeOutMS > 0 {
		p.fadeCurrentSinkOut(p.cfg.SeekFadeOutMS)
	}

	p.killCurrent()
	p.initializeGeneration(ts)

	p.mu.Lock()
	if playing {
		fade := p.cfg.SeekFadeInMS
		p.nextResumeFadeMS = &fade
		p.state = StateResuming
	} else {
		p.state = state
	}
	p.mu.Unlock()
}

// Stop tears the current generation down and rests the transport.
func (p *Player) Stop() {
	p.killCurrent()
	p.mu.Lock()
	p.state = StateStopped
	p.timePassed = 0
	p.mu.Unlock()
	p.meter.Reset()
}

// RefreshTracks redraws the shuffle schedule and restarts playback of the
// new selection at the current position.
func (p *Player) RefreshTracks() {
	p.mu.Lock()
	state := p.state
	ts := p.timePassed
	p.mu.Unlock()

	p.killCurrent()
	p.model.RefreshTracks()
	p.initializeGeneration(ts)

	p.mu.Lock()
	if state == StatePlaying || state == StateResuming {
		p.state = StateResuming
	} else {
		p.state = state
	}
	p.mu.Unlock()
}

// Shuffle is RefreshTracks restarted from zero.
func (p *Player) Shuffle() {
	p.killCurrent()
	p.model.RefreshTracks()
	p.initializeGeneration(0)
	p.mu.Lock()
	p.state = StateResuming
	p.mu.Unlock()
}

// SetVolume sets the target output volume in [0, 1]. When playing, the
// live sink follows immediately.
func (p *Player) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	sink := p.sink
	state := p.state
	p.mu.Unlock()

	if sink != nil && state == StatePlaying {
		sink.SetVolume(v)
	}
}

// Volume returns the target output volume.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Time returns the playback clock in seconds.
func (p *Player) Time() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timePassed
}

// Duration returns the longest known duration of the selection, seconds.
func (p *Player) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.duration > 0 {
		return p.duration
	}
	return p.model.Duration()
}

// IsPlaying reports whether the transport is in a playing state.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StatePlaying || p.state == StateResuming
}

// IsPaused reports whether the transport is paused or pausing.
func (p *Player) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StatePaused || p.state == StatePausing
}

// IsFinished reports whether the generation has emitted and played
// everything.
func (p *Player) IsFinished() bool {
	p.mu.Lock()
	eng := p.eng
	done := p.workerDone
	p.mu.Unlock()
	if eng == nil {
		return true
	}
	if !eng.FinishedBuffering() {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// WaitUntilEnd blocks until the current generation's worker exits.
func (p *Player) WaitUntilEnd() {
	p.mu.Lock()
	done := p.workerDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Levels returns the output meter's current per-channel peaks.
func (p *Player) Levels() []float32 {
	return p.meter.Levels()
}

// SetTrackMix updates a slot's level/pan at the next chunk boundary.
func (p *Player) SetTrackMix(slot int, level, pan float64) {
	p.mu.Lock()
	eng := p.eng
	p.mu.Unlock()
	if eng != nil {
		eng.SetTrackMix(slot, level, pan)
	}
}

// UpdateEffects rebuilds the effect chain from the model's current
// settings and swaps it inline with a crossfade.
func (p *Player) UpdateEffects() error {
	p.mu.Lock()
	eng := p.eng
	p.mu.Unlock()
	if eng == nil {
		return nil
	}
	chain, err := BuildChain(p.model, p.format)
	if err != nil {
		return fmt.Errorf("player: rebuild effect chain: %w", err)
	}
	eng.UpdateChain(chain)
	return nil
}

// ScheduleForDisplay exposes the shuffle schedule for UIs.
func (p *Player) ScheduleForDisplay() [][2]any {
	return p.model.ScheduleForDisplay()
}

// initializeGeneration builds a fresh engine + worker cohort at ts.
func (p *Player) initializeGeneration(ts float64) {
	gen := p.generation.Add(1)

	chain, err := BuildChain(p.model, p.format)
	if err != nil {
		slog.Error("effect chain build failed; playing dry", "err", err)
		chain = nil
	}

	eng := engine.New(p.model, p.format, chain, engine.Config{
		StartBufferMS:      p.cfg.StartBufferMS,
		MinMixMS:           p.cfg.MinMixMS,
		TrackEOSMS:         p.cfg.TrackEOSMS,
		ShuffleCrossfadeMS: p.cfg.ShuffleCrossfadeMS,
		InlineTransitionMS: p.cfg.InlineTransitionMS,
		RingBufferMS:       p.cfg.RingBufferMS,

		DisableContainerFastPath: p.cfg.NoGapless,
	}, p.metrics)

	done := make(chan struct{})
	p.mu.Lock()
	p.eng = eng
	p.workerDone = done
	p.timePassed = ts
	p.duration = p.model.Duration()
	p.mu.Unlock()
	p.meter.Reset()

	chunks := eng.Start(ts)
	go func() {
		defer close(done)
		p.runWorker(gen, ts, eng, chunks)
	}()

	slog.Info("playback generation started", "session", p.session, "generation", gen, "start_time", ts)
}

// killCurrent aborts the running generation and waits for its worker to
// let go of the device.
func (p *Player) killCurrent() {
	p.mu.Lock()
	eng := p.eng
	done := p.workerDone
	p.eng = nil
	p.mu.Unlock()

	if eng != nil {
		eng.Abort()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			slog.Warn("sink worker did not exit in time")
		}
	}
}

// fadeCurrentSinkOut ramps the live sink to silence over fadeMS before a
// disruptive transition.
func (p *Player) fadeCurrentSinkOut(fadeMS float64) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}

	start := sink.Volume()
	if start <= 0 {
		return
	}
	steps := int(fadeMS/5.0) + 1
	for i := 1; i <= steps; i++ {
		sink.SetVolume(start * (1 - float64(i)/float64(steps)))
		time.Sleep(5 * time.Millisecond)
	}
}

func (p *Player) stateSnapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
