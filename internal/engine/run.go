package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/proteus-audio/proteus/internal/decode"
	"github.com/proteus-audio/proteus/internal/schedule"
)

const mixWaitTimeout = 20 * time.Millisecond

// run is the mix goroutine. It expands the runtime plan, spawns decoder
// workers, and loops: fire due shuffle events, mix one chunk into the
// premix FIFO, run the DSP stage, emit the result. It exits on abort, or
// once every source is finished and all buffered audio has drained.
func (e *Engine) run(startTime float64) {
	defer func() {
		close(e.chunks)
		e.done.Store(true)
	}()

	rate := e.format.SampleRate
	channels := e.format.Channels

	plan := e.model.RuntimePlan(startTime)
	activeSources := append([]schedule.Source(nil), plan.Current...)
	upcoming := plan.Upcoming
	nextEvent := 0

	if len(activeSources) == 0 {
		slog.Warn("mix started with no sources")
		return
	}

	// Per-slot fallback gains from the model's mix settings.
	slotMix := e.model.SlotMixSettings()
	e.mu.Lock()
	e.slotGains = make([][]float64, len(activeSources))
	for i := range e.slotGains {
		level, pan := 1.0, 0.0
		if i < len(slotMix) {
			level, pan = slotMix[i].Level, slotMix[i].Pan
		}
		e.slotGains[i] = channelGains(level, pan, channels)
	}
	e.mu.Unlock()

	activeKeys := make([]decode.Key, len(activeSources))
	for i := range activeKeys {
		activeKeys[i] = decode.Key(i)
	}
	nextKey := decode.Key(len(activeKeys))

	crossfadeFrames := uint32(float64(rate)*e.cfg.ShuffleCrossfadeMS/1000.0 + 0.5)
	if crossfadeFrames == 0 {
		crossfadeFrames = 1
	}
	fades := make(map[decode.Key]fadeState)

	startSamples := int(float64(rate)*e.cfg.StartBufferMS/1000.0) * channels
	minMixSamples := int(float64(rate) * e.cfg.MinMixMS / 1000.0)
	if minMixSamples < 1 {
		minMixSamples = 1
	}
	minMixSamples *= channels
	if batch := e.chain.PreferredBatchSamples(channels); batch > 0 {
		minMixSamples = (minMixSamples + batch - 1) / batch * batch
	}

	started := startSamples == 0
	premixMax := 4 * maxInt(startSamples, minMixSamples, 1)
	ringCapacity := maxInt(int(float64(rate)*e.cfg.RingBufferMS/1000.0)*channels, 2*startSamples, minMixSamples)

	mixBuf := make([]float32, minMixSamples)
	popBuf := make([]float32, minMixSamples)
	st := &outputState{premix: &sampleFIFO{}, tail: &sampleFIFO{}}

	// The source timeline counts mixed source frames, not post-DSP output,
	// so shuffle boundaries stay put even when effects queue tail samples.
	sourceTimelineFrames := uint64(startTime*float64(rate) + 0.5)

	e.spawnInitialSources(activeSources, activeKeys, upcoming, startTime, ringCapacity)

	warmStart := time.Now()
	e.chain.WarmUp(minMixSamples)
	st.tail.Clear()
	slog.Debug("dsp warmup complete", "elapsed", time.Since(warmStart), "samples", minMixSamples)

	lastReset := e.resetSeq.Load()

loop:
	for {
		if e.aborted.Load() {
			break
		}

		var currentSourceMS uint64
		if rate > 0 {
			currentSourceMS = sourceTimelineFrames * 1000 / uint64(rate)
		}

		// Fire every due shuffle event: changed slots fade out their old
		// key and get a fresh decoder at the event's source position.
		for nextEvent < len(upcoming) && upcoming[nextEvent].AtMS <= currentSourceMS {
			ev := upcoming[nextEvent]
			evSeconds := float64(ev.AtMS) / 1000.0
			for slot := range ev.Sources {
				if slot >= len(activeSources) || ev.Sources[slot] == activeSources[slot] {
					continue
				}
				fades[activeKeys[slot]] = fadeState{remaining: crossfadeFrames, total: crossfadeFrames}
				key := nextKey
				nextKey++
				activeSources[slot] = ev.Sources[slot]
				activeKeys[slot] = key
				e.registerKey(key, slot, ringCapacity)
				e.spawn(e, slot, key, ev.Sources[slot], evSeconds)
				slog.Info("shuffle event fired",
					"at_ms", ev.AtMS, "slot", slot, "source", ev.Sources[slot].String(), "key", key)
			}
			nextEvent++
		}

		e.applyPendingMix(activeKeys)

		snapshot := e.buffers.snapshot()
		finishedSnap := e.finished.Snapshot()
		activeSet := make(map[decode.Key]bool, len(activeKeys))
		for _, k := range activeKeys {
			activeSet[k] = true
		}

		var active, fading []keyRing
		var removable []decode.Key
		anyActiveEmpty := false
		for key, ring := range snapshot {
			empty := ring.IsEmpty()
			switch {
			case activeSet[key]:
				active = append(active, keyRing{key: key, ring: ring})
				if empty {
					anyActiveEmpty = true
				}
			default:
				if _, isFading := fades[key]; isFading {
					fading = append(fading, keyRing{key: key, ring: ring})
				} else if empty && finishedSnap[key] {
					removable = append(removable, key)
				}
			}
		}
		for _, key := range removable {
			e.buffers.remove(key)
			delete(fades, key)
			e.mu.Lock()
			delete(e.weights, key)
			delete(e.gains, key)
			e.mu.Unlock()
		}

		// Normal end of stream: every ring destroyed, nothing buffered,
		// no events left to fire.
		if len(active) == 0 && st.tail.IsEmpty() && st.premix.IsEmpty() && nextEvent >= len(upcoming) {
			break
		}

		if !started {
			ready := true
			for _, kr := range active {
				if !finishedSnap[kr.key] && kr.ring.Len() < startSamples {
					ready = false
					break
				}
			}
			if !ready {
				e.buffers.wait(mixWaitTimeout)
				continue
			}
			started = true
		}

		if cur := e.resetSeq.Load(); cur != lastReset {
			e.chain.ResetState()
			st.premix.Clear()
			st.tail.Clear()
			st.transition = nil
			st.boundaries = nil
			st.premixPushed = 0
			st.premixPopped = 0
			for k := range fades {
				delete(fades, k)
			}
			e.mu.Lock()
			e.pendingChain = nil
			e.mu.Unlock()
			lastReset = cur
		}

		e.applyPendingChain(st)

		allKeysFinished := true
		for _, k := range activeKeys {
			if !finishedSnap[k] {
				allKeysFinished = false
				break
			}
		}

		activeMinLen, finishedMinLen := -1, -1
		liveRingsEmpty := true
		for _, kr := range active {
			l := kr.ring.Len()
			if l > 0 {
				liveRingsEmpty = false
			}
			if finishedSnap[kr.key] {
				if l > 0 && (finishedMinLen < 0 || l < finishedMinLen) {
					finishedMinLen = l
				}
			} else if activeMinLen < 0 || l < activeMinLen {
				activeMinLen = l
			}
		}
		for _, kr := range fading {
			if kr.ring.Len() > 0 {
				liveRingsEmpty = false
			}
		}
		if activeMinLen < 0 {
			activeMinLen = 0
		}
		if finishedMinLen < 0 {
			finishedMinLen = 0
		}

		// Stall safeguard: every decoder is done and every live ring is
		// dry, so pending shuffle events can never be reached — drop them
		// rather than block forever.
		if allKeysFinished && liveRingsEmpty && nextEvent < len(upcoming) {
			slog.Warn("forcing end of stream with unreachable shuffle events pending",
				"next_event_ms", upcoming[nextEvent].AtMS)
			nextEvent = len(upcoming)
		}
		allFinished := allKeysFinished && nextEvent >= len(upcoming)

		// Every decoder done and nothing buffered anywhere: flush the
		// chain tail, then stop.
		if allFinished && liveRingsEmpty && st.premix.IsEmpty() && st.tail.IsEmpty() {
			if e.drainChains(st) {
				continue
			}
			break
		}

		didWork := false
		shouldMix := len(active) > 0 && st.premix.Len() < premixMax &&
			((!allKeysFinished && activeMinLen >= minMixSamples) || (allKeysFinished && finishedMinLen > 0))

		if shouldMix || st.tail.Len() > 0 || !st.premix.IsEmpty() {
			if shouldMix {
				var nextEventMS uint64
				hasNext := nextEvent < len(upcoming)
				if hasNext {
					nextEventMS = upcoming[nextEvent].AtMS
				}
				consumed, mixed, atBoundary := mixTracksIntoPremix(mixArgs{
					mixBuf:           mixBuf,
					popBuf:           popBuf,
					premix:           st.premix,
					active:           active,
					fading:           fading,
					weights:          e.weightsSnapshot(),
					gains:            e.gainsSnapshot(),
					fades:            fades,
					minMixSamples:    minMixSamples,
					premixMaxSamples: premixMax,
					allFinished:      allKeysFinished,
					activeMinLen:     activeMinLen,
					finishedMinLen:   finishedMinLen,
					nextEventMS:      nextEventMS,
					hasNextEvent:     hasNext,
					currentSourceMS:  currentSourceMS,
					sampleRate:       rate,
					channels:         channels,
				})
				sourceTimelineFrames += consumed
				if mixed {
					st.premixPushed += int(consumed) * channels
					if atBoundary {
						st.pushBoundary()
					}
					didWork = true
				}
			}

			dspStart := time.Now()
			samples := e.produceOutput(st, minMixSamples, allFinished)
			if len(samples) > 0 {
				e.recordChunk(len(samples), time.Since(dspStart))
				chunk := Chunk{
					Samples:  samples,
					Duration: float64(len(samples)) / float64(rate) / float64(channels),
				}
				select {
				case e.chunks <- chunk:
					didWork = true
				case <-e.abortCh:
					break loop
				}
			}
		}

		switch {
		case anyActiveEmpty && st.tail.IsEmpty() && st.premix.IsEmpty():
			e.recordUnderrun(started)
			e.buffers.wait(mixWaitTimeout)
		case !didWork:
			e.buffers.wait(mixWaitTimeout)
		default:
			e.buffers.notify()
		}
	}

	e.buffers.abortAll()
	if err := e.workers.Wait(); err != nil {
		slog.Warn("decode worker group exited with error", "err", err)
	}
}

// spawnInitialSources launches the decoders for the plan's current
// sources. When every slot maps to a distinct container track and no
// shuffle events are pending, one shared reader demuxes the container for
// all of them instead of N parallel readers.
func (e *Engine) spawnInitialSources(sources []schedule.Source, keys []decode.Key, upcoming []schedule.Entry, startTime float64, ringCapacity int) {
	for slot, key := range keys {
		e.registerKey(key, slot, ringCapacity)
	}

	useContainer := e.model.Path() != "" && len(upcoming) == 0 && !e.cfg.DisableContainerFastPath
	if useContainer {
		for _, src := range sources {
			if src.Kind != schedule.SourceTrackID {
				useContainer = false
				break
			}
		}
	}

	if useContainer {
		entries := make([]decode.ContainerEntry, 0, len(sources))
		for slot, src := range sources {
			entries = append(entries, decode.ContainerEntry{Key: keys[slot], TrackNumber: src.TrackID})
		}
		args := decode.ContainerArgs{
			Path:      e.model.Path(),
			Meta:      e.model.Metadata(),
			Entries:   entries,
			RingFor:   e.buffers.get,
			Finished:  e.finished,
			SetWeight: e.setWeight,
			StartTime: startTime,
			TrackEOS:  msToDuration(e.cfg.TrackEOSMS),
			Abort:     &e.aborted,
		}
		e.workers.Go(func() error {
			e.trackDecoder(1)
			defer e.trackDecoder(-1)
			if err := decode.RunContainer(args); err != nil {
				e.recordDecodeError()
			}
			e.buffers.notify()
			return nil
		})
		return
	}

	for slot, src := range sources {
		e.spawn(e, slot, keys[slot], src, startTime)
	}
}

func (e *Engine) weightsSnapshot() map[decode.Key]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[decode.Key]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

func (e *Engine) gainsSnapshot() map[decode.Key][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[decode.Key][]float64, len(e.gains))
	for k, v := range e.gains {
		out[k] = v
	}
	return out
}

func (e *Engine) recordChunk(samples int, dsp time.Duration) {
	if e.metrics == nil {
		return
	}
	ctx := context.Background()
	e.metrics.ChunkDSPDuration.Record(ctx, dsp.Seconds())
	e.metrics.ChunkDuration.Record(ctx, e.format.Seconds(samples))
}

func (e *Engine) recordUnderrun(started bool) {
	if e.metrics == nil || !started {
		return
	}
	e.metrics.Underruns.Add(context.Background(), 1)
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func maxInt(values ...int) int {
	out := values[0]
	for _, v := range values[1:] {
		if v > out {
			out = v
		}
	}
	return out
}
