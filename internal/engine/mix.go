package engine

import (
	"github.com/proteus-audio/proteus/internal/decode"
	"github.com/proteus-audio/proteus/pkg/audio"
)

// fadeState tracks one outgoing runtime key's shuffle crossfade in frames.
type fadeState struct {
	remaining uint32
	total     uint32
}

// mixArgs bundles the per-iteration inputs of mixTracksIntoPremix.
type mixArgs struct {
	mixBuf  []float32
	popBuf  []float32
	premix  *sampleFIFO
	active  []keyRing
	fading  []keyRing
	weights map[decode.Key]float64
	gains   map[decode.Key][]float64
	fades   map[decode.Key]fadeState

	minMixSamples    int
	premixMaxSamples int
	allFinished      bool
	activeMinLen     int
	finishedMinLen   int

	nextEventMS     uint64 // 0 when no upcoming event
	hasNextEvent    bool
	currentSourceMS uint64
	sampleRate      int
	channels        int
}

// keyRing pairs a runtime key with its ring for snapshot iteration.
type keyRing struct {
	key  decode.Key
	ring *audio.Ring
}

// mixTracksIntoPremix mixes one chunk from the active and fading rings
// into the premix FIFO and returns the number of source frames consumed.
//
// Chunk sizing: while any active decoder is still running the chunk is
// exactly the target minimum, mixed only once every unfinished active ring
// holds that much; a smaller partial chunk is never mixed. Once every
// active decoder has finished, the chunk is the shortest non-empty finished
// ring. The result is clipped so no chunk straddles the next shuffle event
// and capped by remaining premix room and the mix buffer length. A
// zero-sized result means this iteration mixes nothing.
func mixTracksIntoPremix(a mixArgs) (consumedFrames uint64, mixed, atEventBoundary bool) {
	chunk := 0
	switch {
	case !a.allFinished && a.activeMinLen >= a.minMixSamples:
		chunk = a.minMixSamples
	case a.allFinished && a.finishedMinLen > 0:
		chunk = a.finishedMinLen
	}

	// A chunk boundary must land exactly on the next shuffle event.
	samplesUntil := -1
	if a.hasNextEvent && a.sampleRate > 0 && a.nextEventMS > a.currentSourceMS {
		remainingMS := a.nextEventMS - a.currentSourceMS
		framesUntil := remainingMS * uint64(a.sampleRate) / 1000
		samplesUntil = int(framesUntil) * a.channels
		if samplesUntil > 0 && chunk > samplesUntil {
			chunk = samplesUntil
		}
	}

	if room := a.premixMaxSamples - a.premix.Len(); chunk > room {
		chunk = room
	}
	if chunk > len(a.mixBuf) {
		chunk = len(a.mixBuf)
	}
	if chunk <= 0 {
		return 0, false, false
	}
	atEventBoundary = chunk == samplesUntil

	mix := a.mixBuf[:chunk]
	for i := range mix {
		mix[i] = 0
	}

	for _, kr := range a.active {
		weight := weightOf(a.weights, kr.key)
		gains := a.gains[kr.key]
		n := kr.ring.PopUpTo(a.popBuf[:chunk])
		for i := 0; i < n; i++ {
			mix[i] += a.popBuf[i] * float32(weight*gainAt(gains, i%a.channels))
		}
	}

	if len(a.fading) > 0 {
		chunkFrames := uint32(chunk / a.channels)
		if chunkFrames == 0 {
			chunkFrames = 1
		}
		for _, kr := range a.fading {
			fade, ok := a.fades[kr.key]
			if !ok || fade.total == 0 {
				continue
			}
			weight := weightOf(a.weights, kr.key)
			gains := a.gains[kr.key]
			n := kr.ring.PopUpTo(a.popBuf[:chunk])
			for i := 0; i < n; i++ {
				frame := uint32(i / a.channels)
				if frame >= fade.remaining {
					continue
				}
				fadeGain := float64(fade.remaining-frame) / float64(fade.total)
				mix[i] += a.popBuf[i] * float32(weight*gainAt(gains, i%a.channels)*fadeGain)
			}
			fade.remaining -= min32(fade.remaining, chunkFrames)
			a.fades[kr.key] = fade
		}
		for key, fade := range a.fades {
			if fade.remaining == 0 {
				delete(a.fades, key)
			}
		}
	}

	a.premix.Push(mix)
	return uint64(chunk / a.channels), true, atEventBoundary
}

func weightOf(weights map[decode.Key]float64, key decode.Key) float64 {
	if w, ok := weights[key]; ok {
		return w
	}
	return 1
}

func gainAt(gains []float64, channel int) float64 {
	if channel < len(gains) {
		return gains[channel]
	}
	return 1
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
