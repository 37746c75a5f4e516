package player

import (
	"context"
	"log/slog"
	"time"

	"github.com/proteus-audio/proteus/internal/engine"
)

const (
	chunkRecvTimeout  = 20 * time.Millisecond
	capacityPollDelay = 5 * time.Millisecond
	drainPollDelay    = 10 * time.Millisecond

	// drainEpsilon is the clock slack tolerated when deciding the final
	// chunk has been played out.
	drainEpsilon = 0.001

	// transitionFadeSeconds is the short ramp used to fade out a generation
	// that has been superseded or aborted (pause and resume use the
	// configured fades).
	transitionFadeSeconds = 0.1
)

// loopState is the per-generation bookkeeping of the sink worker: the
// chunk-length FIFO that backs the playback clock, the sub-chunk timer,
// and append-cadence statistics.
type loopState struct {
	startTime          float64
	startupFadePending bool

	chunkLengths     []float64
	timeChunksPassed float64
	clock            timer

	bufferingDone bool
	finalDuration float64
	hasFinal      bool

	lastAppend  time.Time
	hasAppended bool
}

// runWorker is the sink worker loop for one generation. It bootstraps the
// device, appends chunks with backpressure and stale-generation checks,
// maintains the playback clock, applies transport fades, and finally
// drains until the last chunk has been heard.
func (p *Player) runWorker(gen uint64, startTime float64, eng *engine.Engine, chunks <-chan engine.Chunk) {
	sink, err := openSinkWithRetry(func() (Sink, error) {
		return p.newSink(p.format)
	})
	if err != nil {
		slog.Error("sink bootstrap failed", "err", err)
		eng.Abort()
		return
	}
	defer sink.Close()

	sink.Pause()
	sink.SetVolume(0)
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.sink == sink {
			p.sink = nil
		}
		p.mu.Unlock()
	}()

	p.appendStartupSilence(sink)

	// The chunk accumulator starts at the seek position so the clock
	// reports absolute playback time.
	ls := &loopState{startTime: startTime, startupFadePending: true, timeChunksPassed: startTime}
	ls.clock.Start()

receive:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break receive
			}
			if !p.appendChunk(gen, eng, sink, ls, chunk) {
				return
			}
		case <-time.After(chunkRecvTimeout):
			p.updateClock(sink, ls)
			if !p.checkRuntimeState(gen, eng, sink, ls) {
				return
			}
		}
	}

	// Producer finished: fix the expected total and drain the sink.
	ls.bufferingDone = true
	if !ls.hasFinal {
		total := ls.timeChunksPassed
		for _, d := range ls.chunkLengths {
			total += d
		}
		ls.finalDuration = total
		ls.hasFinal = true
	}

	for {
		p.updateClock(sink, ls)
		if !p.checkRuntimeState(gen, eng, sink, ls) {
			return
		}
		if eng.FinishedBuffering() && p.Time() >= ls.finalDuration-drainEpsilon {
			slog.Info("playback drained", "generation", gen, "final_duration", ls.finalDuration)
			return
		}
		time.Sleep(drainPollDelay)
	}
}

// appendStartupSilence queues a short silent pre-roll so the device has a
// stable startup window before real audio begins.
func (p *Player) appendStartupSilence(sink Sink) {
	ms := p.cfg.StartupSilenceMS
	if ms <= 0 {
		return
	}
	samples := int(ms/1000.0*float64(p.format.SampleRate)+0.5) * p.format.Channels
	if samples < 1 {
		samples = p.format.Channels
	}
	sink.Append(make([]float32, samples))
}

// appendChunk pushes one chunk into the sink, enforcing generation
// freshness and the sink-queue cap. Returns false when the worker should
// exit.
func (p *Player) appendChunk(gen uint64, eng *engine.Engine, sink Sink, ls *loopState, chunk engine.Chunk) bool {
	if p.generation.Load() != gen {
		return false
	}
	if !p.waitForSinkCapacity(gen, eng, sink, ls) {
		return false
	}

	p.recordAppendTiming(ls, chunk.Duration)

	p.meter.PushChunk(chunk.Samples)
	sink.Append(chunk.Samples)
	ls.chunkLengths = append(ls.chunkLengths, chunk.Duration)
	if p.metrics != nil {
		p.metrics.SinkQueueDepth.Add(context.Background(), 1)
	}

	// Keep the clock and transport responsive on every append.
	p.updateClock(sink, ls)
	return p.checkRuntimeState(gen, eng, sink, ls)
}

// waitForSinkCapacity blocks until the sink queue is below the configured
// cap, keeping the clock and transport alive while it waits.
func (p *Player) waitForSinkCapacity(gen uint64, eng *engine.Engine, sink Sink, ls *loopState) bool {
	maxChunks := p.cfg.MaxSinkChunks
	if maxChunks <= 0 {
		return true
	}
	for {
		if p.generation.Load() != gen {
			return false
		}
		if sink.Len() < maxChunks {
			return true
		}
		p.updateClock(sink, ls)
		if !p.checkRuntimeState(gen, eng, sink, ls) {
			return false
		}
		time.Sleep(capacityPollDelay)
	}
}

// recordAppendTiming tracks append cadence; an append later than 1.2× its
// chunk length means the engine failed to stay ahead of the device.
func (p *Player) recordAppendTiming(ls *loopState, chunkSeconds float64) {
	now := time.Now()
	if ls.hasAppended {
		deltaMS := now.Sub(ls.lastAppend).Seconds() * 1000
		chunkMS := chunkSeconds * 1000
		if chunkMS > 0 && deltaMS > chunkMS*1.2 {
			slog.Debug("late chunk append", "delta_ms", deltaMS, "chunk_ms", chunkMS)
			if p.metrics != nil {
				p.metrics.LateAppends.Add(context.Background(), 1)
			}
		}
	}
	ls.lastAppend = now
	ls.hasAppended = true
}

// updateClock advances the playback clock: whole chunks are accounted by
// comparing the append count with the sink queue depth; the running timer
// covers the sub-chunk remainder and pauses with the sink.
func (p *Player) updateClock(sink Sink, ls *loopState) {
	if !ls.bufferingDone {
		played := len(ls.chunkLengths) - sink.Len()
		for i := 0; i < played; i++ {
			ls.clock.Reset()
			ls.clock.Start()
			ls.timeChunksPassed += ls.chunkLengths[0]
			ls.chunkLengths = ls.chunkLengths[1:]
			if p.metrics != nil {
				p.metrics.SinkQueueDepth.Add(context.Background(), -1)
			}
		}
	}

	if sink.IsPaused() {
		ls.clock.Pause()
	} else {
		ls.clock.Unpause()
	}

	current := ls.timeChunksPassed + ls.clock.Elapsed().Seconds()
	if current < ls.startTime {
		current = ls.startTime
	}

	p.meter.UpdateFromSinkLen(sink.Len())

	p.mu.Lock()
	p.timePassed = current
	p.mu.Unlock()
}

// checkRuntimeState applies transport transitions (pause/resume fades,
// start gating) and returns false when the generation is dead.
func (p *Player) checkRuntimeState(gen uint64, eng *engine.Engine, sink Sink, ls *loopState) bool {
	if p.generation.Load() != gen || eng.Aborted() {
		p.fadeAndPause(sink, transitionFadeSeconds)
		sink.Clear()
		return false
	}

	state := p.stateSnapshot()

	// Start gating: do not open the device until enough chunks are queued
	// to survive scheduling jitter.
	if state == StateResuming && p.cfg.StartSinkChunks > 0 && sink.Len() < p.cfg.StartSinkChunks {
		sink.Pause()
		return true
	}

	switch state {
	case StatePausing:
		p.fadeAndPause(sink, p.cfg.PauseFadeMS/1000.0)
		p.setState(StatePaused)

	case StateResuming:
		fadeSeconds := p.cfg.ResumeFadeMS / 1000.0
		if ls.startupFadePending {
			ls.startupFadePending = false
			p.mu.Lock()
			if p.nextResumeFadeMS != nil {
				fadeSeconds = *p.nextResumeFadeMS / 1000.0
				p.nextResumeFadeMS = nil
			} else {
				fadeSeconds = p.cfg.ResumeFadeMS / 1000.0
			}
			p.mu.Unlock()
		}
		p.resumeSink(sink, fadeSeconds)
		p.setState(StatePlaying)
	}

	return true
}

// fadeAndPause ramps the sink volume to zero over fadeSeconds and pauses.
func (p *Player) fadeAndPause(sink Sink, fadeSeconds float64) {
	start := sink.Volume()
	if start > 0 && fadeSeconds > 0 && !sink.IsPaused() {
		steps := int(fadeSeconds*100) + 1
		for i := 1; i <= steps; i++ {
			sink.SetVolume(start * (1 - float64(i)/float64(steps)))
			time.Sleep(10 * time.Millisecond)
		}
	}
	sink.SetVolume(0)
	sink.Pause()
}

// resumeSink starts playback and ramps the volume up to the target over
// fadeSeconds.
func (p *Player) resumeSink(sink Sink, fadeSeconds float64) {
	p.mu.Lock()
	target := p.volume
	p.mu.Unlock()

	sink.Play()
	if fadeSeconds <= 0 {
		sink.SetVolume(target)
		return
	}

	start := sink.Volume()
	steps := int(fadeSeconds*200) + 1
	for i := 1; i <= steps; i++ {
		sink.SetVolume(start + (target-start)*float64(i)/float64(steps))
		time.Sleep(5 * time.Millisecond)
	}
}
