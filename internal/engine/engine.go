// Package engine implements the mix scheduler: the dedicated goroutine
// that consumes the per-track ring buffers, applies gains and shuffle
// crossfades, clips chunks to schedule-event boundaries, runs the DSP
// chain, and emits fixed-cadence chunks to the sink worker.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/internal/decode"
	"github.com/proteus-audio/proteus/internal/effects"
	"github.com/proteus-audio/proteus/internal/observe"
	"github.com/proteus-audio/proteus/internal/schedule"
	"github.com/proteus-audio/proteus/pkg/audio"
)

// Chunk is one mixed, effect-processed block of interleaved samples bound
// for the sink worker.
type Chunk struct {
	Samples  []float32
	Duration float64 // seconds
}

// Config carries the playback tuning knobs the engine consumes.
type Config struct {
	// StartBufferMS is the minimum buffered audio per slot before the
	// first chunk may be mixed.
	StartBufferMS float64

	// MinMixMS is the target minimum chunk length.
	MinMixMS float64

	// TrackEOSMS is the decoder inactivity window after which a track is
	// declared finished.
	TrackEOSMS float64

	// ShuffleCrossfadeMS is the linear fade-out applied to the outgoing
	// source at a shuffle boundary.
	ShuffleCrossfadeMS float64

	// InlineTransitionMS is the crossfade length of an inline effect-chain
	// swap.
	InlineTransitionMS float64

	// RingBufferMS is the per-track ring capacity. The ring never holds
	// less than twice the start buffer.
	RingBufferMS float64

	// DisableContainerFastPath forces one decoder worker per slot even
	// when a single shared container reader would do.
	DisableContainerFastPath bool
}

// withDefaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.StartBufferMS <= 0 {
		c.StartBufferMS = 20
	}
	if c.MinMixMS <= 0 {
		c.MinMixMS = 300
	}
	if c.TrackEOSMS == 0 {
		c.TrackEOSMS = 1000
	}
	if c.ShuffleCrossfadeMS <= 0 {
		c.ShuffleCrossfadeMS = 5
	}
	if c.InlineTransitionMS <= 0 {
		c.InlineTransitionMS = 25
	}
	if c.RingBufferMS <= 0 {
		c.RingBufferMS = 500
	}
	return c
}

// chainUpdate is one staged inline effect-chain swap.
type chainUpdate struct {
	chain        *effects.Chain
	transitionMS float64
}

// trackMixUpdate is one staged per-slot level/pan change.
type trackMixUpdate struct {
	slot  int
	level float64
	pan   float64
}

// Model is the engine's view of the loaded container model.
// *container.Model implements it; tests substitute fixed schedules.
type Model interface {
	RuntimePlan(startTime float64) schedule.Plan
	SlotMixSettings() []container.SlotMix
	Path() string
	Metadata() *container.Metadata
	Duration() float64
}

// Compile-time interface assertion.
var _ Model = (*container.Model)(nil)

// spawnFunc launches the decoder feeding (slot, key, source) from
// startTime. Swapped out by tests to inject synthetic sources.
type spawnFunc func(e *Engine, slot int, key decode.Key, src schedule.Source, startTime float64)

// Engine owns one playback generation's mix state. Create with New, drive
// with Start, tear down with Abort; a new generation means a new Engine.
type Engine struct {
	model   Model
	format  audio.Format
	cfg     Config
	metrics *observe.Metrics // nil disables instrumentation

	chain *effects.Chain // owned by the mix goroutine after Start

	buffers  *trackBuffers
	finished *decode.FinishedSet

	mu           sync.Mutex
	weights      map[decode.Key]float64
	gains        map[decode.Key][]float64
	slotGains    [][]float64 // per-slot fallback gains, index = slot
	pendingChain *chainUpdate
	pendingMix   []trackMixUpdate

	resetSeq atomic.Uint64
	aborted  atomic.Bool
	abortCh  chan struct{}
	done     atomic.Bool

	chunks  chan Chunk
	workers errgroup.Group

	spawn spawnFunc
}

// New builds an engine over the given model. The chain becomes engine
// property; format is the output stream format (channels fixed at 2).
func New(model Model, format audio.Format, chain *effects.Chain, cfg Config, metrics *observe.Metrics) *Engine {
	e := &Engine{
		model:    model,
		format:   format,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		chain:    chain,
		buffers:  newTrackBuffers(),
		finished: decode.NewFinishedSet(),
		weights:  make(map[decode.Key]float64),
		gains:    make(map[decode.Key][]float64),
		abortCh:  make(chan struct{}),
		chunks:   make(chan Chunk, 1),
		spawn:    spawnDecoder,
	}
	if e.chain == nil {
		e.chain = effects.NewChain()
	}
	return e
}

// Start launches the mix goroutine at startTime seconds and returns the
// chunk channel. The channel closes when mixing and draining complete.
func (e *Engine) Start(startTime float64) <-chan Chunk {
	go e.run(startTime)
	return e.chunks
}

// Abort terminates the generation: the mix loop exits at its next check
// and decoder workers unwind off their aborted rings.
func (e *Engine) Abort() {
	if e.aborted.Swap(true) {
		return
	}
	close(e.abortCh)
	e.buffers.abortAll()
	e.buffers.notify()
}

// Aborted reports whether this generation has been invalidated.
func (e *Engine) Aborted() bool {
	return e.aborted.Load()
}

// FinishedBuffering reports whether the mix goroutine has emitted and
// drained everything it ever will.
func (e *Engine) FinishedBuffering() bool {
	return e.done.Load()
}

// Duration returns the longest known duration of the current selection in
// seconds, 0 when unknown.
func (e *Engine) Duration() float64 {
	return e.model.Duration()
}

// UpdateChain stages chain to replace the live effect chain without a
// restart. The swap happens at the next chunk boundary with a linear
// crossfade of the configured inline transition length.
func (e *Engine) UpdateChain(chain *effects.Chain) {
	e.mu.Lock()
	e.pendingChain = &chainUpdate{chain: chain, transitionMS: e.cfg.InlineTransitionMS}
	e.mu.Unlock()
}

// SetTrackMix stages a level/pan change for a slot, applied at the next
// chunk boundary.
func (e *Engine) SetTrackMix(slot int, level, pan float64) {
	e.mu.Lock()
	e.pendingMix = append(e.pendingMix, trackMixUpdate{slot: slot, level: level, pan: pan})
	e.mu.Unlock()
}

// RequestReset asks the mix goroutine to zero all effect state and flush
// the premix FIFO, effect tail and fading tracks at its next iteration.
func (e *Engine) RequestReset() {
	e.resetSeq.Add(1)
}

// Wait blocks until every decoder worker has exited.
func (e *Engine) Wait() error {
	return e.workers.Wait()
}

// channelGains derives per-channel gains from (level, pan): positive pan
// attenuates the left channel linearly, negative pan the right.
func channelGains(level, pan float64, channels int) []float64 {
	if level < 0 {
		level = 0
	}
	if channels <= 1 {
		return []float64{level}
	}
	if pan > 1 {
		pan = 1
	} else if pan < -1 {
		pan = -1
	}

	left, right := 1.0, 1.0
	if pan > 0 {
		left = 1 - pan
	}
	if pan < 0 {
		right = 1 + pan
	}

	gains := make([]float64, channels)
	for i := range gains {
		gains[i] = level
	}
	gains[0] = level * left
	gains[1] = level * right
	return gains
}

// setWeight records the mix weight of a runtime key.
func (e *Engine) setWeight(key decode.Key, weight float64) {
	e.mu.Lock()
	e.weights[key] = weight
	e.mu.Unlock()
}

// registerKey installs ring, weight and gains for a freshly allocated
// runtime key bound to slot.
func (e *Engine) registerKey(key decode.Key, slot int, ringCapacity int) *audio.Ring {
	ring := e.buffers.create(key, ringCapacity)
	e.mu.Lock()
	e.weights[key] = 1.0
	if slot >= 0 && slot < len(e.slotGains) {
		e.gains[key] = append([]float64(nil), e.slotGains[slot]...)
	} else {
		e.gains[key] = channelGains(1, 0, e.format.Channels)
	}
	e.mu.Unlock()
	return ring
}

// spawnDecoder is the production spawnFunc: it launches a single-source
// decoder worker goroutine under the engine's worker group.
func spawnDecoder(e *Engine, _ int, key decode.Key, src schedule.Source, startTime float64) {
	args := decode.WorkerArgs{
		Source:        src,
		ContainerPath: e.model.Path(),
		Meta:          e.model.Metadata(),
		Key:           key,
		Ring:          e.buffers.get(key),
		Finished:      e.finished,
		StartTime:     startTime,
		TrackEOS:      msToDuration(e.cfg.TrackEOSMS),
		Abort:         &e.aborted,
	}
	e.workers.Go(func() error {
		e.trackDecoder(1)
		defer e.trackDecoder(-1)
		// Worker errors surface as early EOS; they never fail the group.
		if err := decode.Run(args); err != nil {
			e.recordDecodeError()
		}
		e.buffers.notify()
		return nil
	})
}

func (e *Engine) trackDecoder(delta int64) {
	if e.metrics != nil {
		e.metrics.ActiveDecoders.Add(context.Background(), delta)
	}
}

func (e *Engine) recordDecodeError() {
	if e.metrics != nil {
		e.metrics.DecodeErrors.Add(context.Background(), 1)
	}
}
