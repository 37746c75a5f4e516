package engine

import (
	"sync"
	"time"

	"github.com/proteus-audio/proteus/internal/decode"
	"github.com/proteus-audio/proteus/pkg/audio"
)

// trackBuffers owns the per-key ring buffers and the wakeup channel the
// mix loop parks on while decoders fill them. Each ring carries its own
// lock; this map lock is only held for create/lookup/remove.
type trackBuffers struct {
	mu    sync.Mutex
	rings map[decode.Key]*audio.Ring

	// wake is a capacity-1 notification channel: decoder pushes signal it,
	// the mix loop drains it. Sends never block.
	wake chan struct{}
}

func newTrackBuffers() *trackBuffers {
	return &trackBuffers{
		rings: make(map[decode.Key]*audio.Ring),
		wake:  make(chan struct{}, 1),
	}
}

// create registers a fresh ring for key with the given sample capacity.
func (b *trackBuffers) create(key decode.Key, capacity int) *audio.Ring {
	ring := audio.NewRing(capacity, b.notify)
	b.mu.Lock()
	b.rings[key] = ring
	b.mu.Unlock()
	return ring
}

// get returns the ring for key, or nil.
func (b *trackBuffers) get(key decode.Key) *audio.Ring {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rings[key]
}

// remove drops the ring for key, waking any producer still blocked on it.
func (b *trackBuffers) remove(key decode.Key) {
	b.mu.Lock()
	ring := b.rings[key]
	delete(b.rings, key)
	b.mu.Unlock()
	if ring != nil {
		ring.Abort()
	}
}

// snapshot returns the current key→ring pairs.
func (b *trackBuffers) snapshot() map[decode.Key]*audio.Ring {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[decode.Key]*audio.Ring, len(b.rings))
	for k, r := range b.rings {
		out[k] = r
	}
	return out
}

// notify wakes the mix loop. Non-blocking.
func (b *trackBuffers) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// wait parks until new samples arrive or the timeout expires. The short
// timeout keeps abort and reset observation responsive.
func (b *trackBuffers) wait(timeout time.Duration) {
	select {
	case <-b.wake:
	case <-time.After(timeout):
	}
}

// abortAll unblocks every producer; used at generation teardown.
func (b *trackBuffers) abortAll() {
	b.mu.Lock()
	rings := make([]*audio.Ring, 0, len(b.rings))
	for _, r := range b.rings {
		rings = append(rings, r)
	}
	b.mu.Unlock()
	for _, r := range rings {
		r.Abort()
	}
}
