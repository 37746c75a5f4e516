package engine

import (
	"github.com/proteus-audio/proteus/internal/decode"
	"github.com/proteus-audio/proteus/internal/effects"
)

// inlineTransition is an in-progress inline effect-chain swap: both chains
// process every chunk and the outputs are crossfaded per sample until the
// budget is spent, after which only the new chain survives.
type inlineTransition struct {
	oldChain *effects.Chain
	newChain *effects.Chain
	total    int // samples
	left     int // samples
}

// blend crossfades old and new chain outputs for one chunk and advances
// the transition budget. Outputs of unequal length are zero-extended.
func (t *inlineTransition) blend(oldOut, newOut []float32) []float32 {
	n := len(oldOut)
	if len(newOut) > n {
		n = len(newOut)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		mix := 1.0
		if t.total > 0 {
			mix = float64(t.total-t.left) / float64(t.total)
			if mix > 1 {
				mix = 1
			}
		}
		var o, w float32
		if i < len(oldOut) {
			o = oldOut[i]
		}
		if i < len(newOut) {
			w = newOut[i]
		}
		out[i] = o*float32(1-mix) + w*float32(mix)
		if t.left > 0 {
			t.left--
		}
	}
	return out
}

// outputState is the mix goroutine's DSP-side state.
type outputState struct {
	premix     *sampleFIFO
	tail       *sampleFIFO
	transition *inlineTransition

	// premixPushed/premixPopped count samples through the premix FIFO;
	// boundaries holds the pushed-counter positions of shuffle events so
	// no emitted chunk ever straddles one.
	premixPushed int
	premixPopped int
	boundaries   []int
}

// pushBoundary records that the premix stream has a shuffle-event boundary
// at its current end.
func (st *outputState) pushBoundary() {
	st.boundaries = append(st.boundaries, st.premixPushed)
}

// nextBoundaryDistance returns the samples between the premix head and the
// nearest pending boundary, or -1 when none is pending. Boundaries already
// reached are discarded.
func (st *outputState) nextBoundaryDistance() int {
	for len(st.boundaries) > 0 {
		d := st.boundaries[0] - st.premixPopped
		if d > 0 {
			return d
		}
		st.boundaries = st.boundaries[1:]
	}
	return -1
}

// produceOutput assembles the next sink-bound sample block per the output
// stage rules: the effect tail drains first, then a premix chunk runs
// through the chain (both chains during an inline transition); a
// shorter-than-input chain output is topped up with dry input to keep
// cadence, a longer one spills into the tail buffer. An empty result means
// nothing was ready.
func (e *Engine) produceOutput(st *outputState, minMixSamples int, allFinished bool) []float32 {
	if st.tail.Len() > 0 {
		take := st.tail.Len()
		if take > minMixSamples {
			take = minMixSamples
		}
		return append([]float32(nil), st.tail.Pop(take)...)
	}

	take := minMixSamples

	// A pending shuffle boundary caps the chunk so the cut lands exactly
	// on it; a fully buffered pre-boundary remainder is emitted even when
	// shorter than the target size.
	boundary := st.nextBoundaryDistance()
	atBoundary := boundary > 0 && boundary <= st.premix.Len()
	if atBoundary && boundary < take {
		take = boundary
	}

	if st.premix.Len() < take && !atBoundary && !(allFinished && st.premix.Len() > 0) {
		return nil
	}
	if st.premix.Len() < take {
		take = st.premix.Len()
	}
	input := append([]float32(nil), st.premix.Pop(take)...)
	st.premixPopped += take

	drain := allFinished && st.premix.IsEmpty()
	processed := e.runChains(st, input, drain)

	if len(processed) < len(input) {
		// Keep cadence stable: top up with the dry input's own tail.
		missing := len(input) - len(processed)
		processed = append(processed, input[len(input)-missing:]...)
	} else if len(processed) > len(input) {
		st.tail.Push(processed[len(input):])
		processed = processed[:len(input)]
	}
	return processed
}

// runChains processes input through the live chain, or through both
// chains of an active inline transition, completing the swap when the
// crossfade budget is exhausted.
func (e *Engine) runChains(st *outputState, input []float32, drain bool) []float32 {
	t := st.transition
	if t == nil {
		return e.chain.Process(input, drain)
	}

	oldOut := t.oldChain.Process(input, drain)
	newOut := t.newChain.Process(input, drain)
	out := t.blend(oldOut, newOut)

	if t.left == 0 {
		// Old chain dropped, its tail with it. A reset would have zeroed
		// state instead; an inline swap just lets go.
		e.chain = t.newChain
		st.transition = nil
	}
	return out
}

// drainChains flushes remaining effect tails once every source is done and
// the premix FIFO is empty. Returns false when the chain has nothing left.
func (e *Engine) drainChains(st *outputState) bool {
	out := e.runChains(st, nil, true)
	if len(out) == 0 {
		return false
	}
	st.tail.Push(out)
	return true
}

// applyPendingChain stages an inline chain swap if one was requested.
func (e *Engine) applyPendingChain(st *outputState) {
	e.mu.Lock()
	update := e.pendingChain
	e.pendingChain = nil
	e.mu.Unlock()
	if update == nil {
		return
	}

	samples := int(update.transitionMS/1000.0*float64(e.format.SampleRate)+0.5) * e.format.Channels
	if samples <= 0 {
		e.chain = update.chain
		st.transition = nil
		return
	}
	st.transition = &inlineTransition{
		oldChain: e.chain,
		newChain: update.chain,
		total:    samples,
		left:     samples,
	}
}

// applyPendingMix applies staged level/pan updates to slot fallbacks and
// the currently bound runtime keys.
func (e *Engine) applyPendingMix(activeKeys []decode.Key) {
	e.mu.Lock()
	updates := e.pendingMix
	e.pendingMix = nil
	if len(updates) == 0 {
		e.mu.Unlock()
		return
	}
	for _, u := range updates {
		if u.slot < 0 || u.slot >= len(e.slotGains) {
			continue
		}
		gains := channelGains(u.level, u.pan, e.format.Channels)
		e.slotGains[u.slot] = gains
		if u.slot < len(activeKeys) {
			e.gains[activeKeys[u.slot]] = append([]float64(nil), gains...)
		}
	}
	e.mu.Unlock()
}
