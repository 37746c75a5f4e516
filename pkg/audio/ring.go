package audio

import (
	"errors"
	"sync"
)

// ErrRingAborted is returned by [Ring.Push] when the ring has been aborted
// and the producer should unwind.
var ErrRingAborted = errors.New("audio: ring aborted")

// Ring is a bounded FIFO of interleaved float32 samples shared by exactly
// one producer (a decoder worker) and one consumer (the mix scheduler).
//
// The producer blocks in [Ring.Push] while the ring is full; the consumer's
// [Ring.PopUpTo] never blocks and returns whatever prefix is available.
// Capacity is fixed at construction and the backing array is never
// reallocated, so the steady-state path is allocation free.
type Ring struct {
	mu      sync.Mutex
	notFull sync.Cond

	buf    []float32
	head   int // read position
	length int // buffered samples

	aborted bool

	// onWrite, when non-nil, is invoked after samples land in the ring so
	// the consumer side can be woken without sharing a lock with it.
	onWrite func()
}

// NewRing creates a ring holding up to capacity interleaved samples.
// onWrite may be nil; otherwise it is called (outside the ring lock) every
// time a Push makes new samples visible.
func NewRing(capacity int, onWrite func()) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring{
		buf:     make([]float32, capacity),
		onWrite: onWrite,
	}
	r.notFull.L = &r.mu
	return r
}

// Cap returns the fixed capacity in samples.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of buffered samples. The value may be stale by the
// time the caller acts on it, but it only moves in the direction the caller
// cares about (producers only add, the single consumer only removes).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// IsEmpty reports whether no samples are buffered.
func (r *Ring) IsEmpty() bool {
	return r.Len() == 0
}

// Push appends all of samples to the ring, blocking while the ring is full.
// It returns [ErrRingAborted] if the ring is aborted before or while
// waiting; samples already written stay in the ring.
func (r *Ring) Push(samples []float32) error {
	offset := 0
	for offset < len(samples) {
		r.mu.Lock()
		for r.length == len(r.buf) && !r.aborted {
			r.notFull.Wait()
		}
		if r.aborted {
			r.mu.Unlock()
			return ErrRingAborted
		}

		free := len(r.buf) - r.length
		take := len(samples) - offset
		if take > free {
			take = free
		}
		write := (r.head + r.length) % len(r.buf)
		n := copy(r.buf[write:], samples[offset:offset+take])
		if n < take {
			copy(r.buf, samples[offset+n:offset+take])
		}
		r.length += take
		offset += take
		r.mu.Unlock()

		if r.onWrite != nil {
			r.onWrite()
		}
	}
	return nil
}

// PopUpTo fills dst with up to len(dst) samples from the head of the ring
// and returns the number copied. It never blocks; zero is a legal result.
func (r *Ring) PopUpTo(dst []float32) int {
	r.mu.Lock()
	take := r.length
	if take > len(dst) {
		take = len(dst)
	}
	n := copy(dst, r.buf[r.head:min(r.head+take, len(r.buf))])
	if n < take {
		copy(dst[n:], r.buf[:take-n])
	}
	r.head = (r.head + take) % len(r.buf)
	r.length -= take
	r.mu.Unlock()

	if take > 0 {
		r.NotifyProducer()
	}
	return take
}

// Abort permanently unblocks the producer. Subsequent and in-flight Push
// calls return [ErrRingAborted]; PopUpTo continues to drain what is left.
func (r *Ring) Abort() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.notFull.Broadcast()
}

// NotifyProducer wakes a producer blocked on a full ring. PopUpTo calls it
// automatically; it is exported for consumers that drop a ring wholesale.
func (r *Ring) NotifyProducer() {
	r.notFull.Broadcast()
}
