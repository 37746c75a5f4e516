package audio_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/proteus-audio/proteus/pkg/audio"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestRingFIFOOrder(t *testing.T) {
	r := audio.NewRing(64, nil)
	if err := r.Push(seq(10)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	dst := make([]float32, 4)
	if n := r.PopUpTo(dst); n != 4 {
		t.Fatalf("PopUpTo = %d, want 4", n)
	}
	for i, v := range dst {
		if v != float32(i) {
			t.Errorf("dst[%d] = %v, want %v", i, v, float32(i))
		}
	}

	dst = make([]float32, 10)
	if n := r.PopUpTo(dst); n != 6 {
		t.Fatalf("PopUpTo = %d, want 6", n)
	}
	if dst[0] != 4 || dst[5] != 9 {
		t.Errorf("tail pop out of order: %v", dst[:6])
	}
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	const capacity = 32
	r := audio.NewRing(capacity, nil)

	done := make(chan error, 1)
	go func() {
		done <- r.Push(seq(200))
	}()

	dst := make([]float32, 7)
	popped := 0
	deadline := time.Now().Add(2 * time.Second)
	for popped < 200 {
		if time.Now().After(deadline) {
			t.Fatal("timed out draining ring")
		}
		if l := r.Len(); l > capacity {
			t.Fatalf("Len = %d exceeds capacity %d", l, capacity)
		}
		popped += r.PopUpTo(dst)
	}

	if err := <-done; err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestRingPushBlocksWhenFull(t *testing.T) {
	r := audio.NewRing(8, nil)
	if err := r.Push(seq(8)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- r.Push(seq(4))
	}()

	<-started
	select {
	case err := <-done:
		t.Fatalf("Push returned early with %v; expected to block on full ring", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Freeing space lets the producer complete.
	dst := make([]float32, 4)
	r.PopUpTo(dst)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Push after drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push did not resume after space was freed")
	}
}

func TestRingAbortUnblocksProducer(t *testing.T) {
	r := audio.NewRing(4, nil)
	if err := r.Push(seq(4)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Push(seq(4))
	}()

	time.Sleep(20 * time.Millisecond)
	r.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, audio.ErrRingAborted) {
			t.Fatalf("Push = %v, want ErrRingAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Abort did not unblock producer")
	}

	// The consumer can still drain what was written.
	dst := make([]float32, 8)
	if n := r.PopUpTo(dst); n != 4 {
		t.Fatalf("PopUpTo after abort = %d, want 4", n)
	}
}

func TestRingOnWriteNotification(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	r := audio.NewRing(16, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := r.Push(seq(3)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Error("onWrite was not invoked by Push")
	}
}

func TestRingPopFromEmpty(t *testing.T) {
	r := audio.NewRing(8, nil)
	dst := make([]float32, 8)
	if n := r.PopUpTo(dst); n != 0 {
		t.Fatalf("PopUpTo on empty ring = %d, want 0", n)
	}
	if !r.IsEmpty() {
		t.Error("IsEmpty = false on fresh ring")
	}
}

func TestRingWrapAround(t *testing.T) {
	r := audio.NewRing(8, nil)
	dst := make([]float32, 8)

	// Drive head around the buffer several times.
	next := float32(0)
	for round := 0; round < 5; round++ {
		in := make([]float32, 5)
		for i := range in {
			in[i] = next
			next++
		}
		if err := r.Push(in); err != nil {
			t.Fatalf("Push: %v", err)
		}
		n := r.PopUpTo(dst[:5])
		if n != 5 {
			t.Fatalf("PopUpTo = %d, want 5", n)
		}
		for i := 0; i < n; i++ {
			want := next - 5 + float32(i)
			if dst[i] != want {
				t.Fatalf("round %d: dst[%d] = %v, want %v", round, i, dst[i], want)
			}
		}
	}
}

func TestFormatSeconds(t *testing.T) {
	f := audio.Format{SampleRate: 48000, Channels: 2}
	if got := f.Seconds(96000); got != 1.0 {
		t.Errorf("Seconds(96000) = %v, want 1.0", got)
	}
	if got := f.FrameCount(96000); got != 48000 {
		t.Errorf("FrameCount(96000) = %v, want 48000", got)
	}
}

func TestDownmixToStereo(t *testing.T) {
	tests := []struct {
		name     string
		src      []float32
		channels int
		want     []float32
	}{
		{"mono duplicates", []float32{0.5, -0.5}, 1, []float32{0.5, 0.5, -0.5, -0.5}},
		{"stereo passthrough", []float32{1, 2, 3, 4}, 2, []float32{1, 2, 3, 4}},
		{"5.1 keeps first two", []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 6, []float32{1, 2, 7, 8}},
		{"empty", nil, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.DownmixToStereo(nil, tt.src, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPCM16LEToFloat32(t *testing.T) {
	b := []byte{0x00, 0x80, 0xFF, 0x7F, 0x00, 0x00}
	got := audio.PCM16LEToFloat32(nil, b)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] != -1.0 {
		t.Errorf("got[0] = %v, want -1.0", got[0])
	}
	if got[1] < 0.999 || got[1] > 1.0 {
		t.Errorf("got[1] = %v, want just under 1.0", got[1])
	}
	if got[2] != 0 {
		t.Errorf("got[2] = %v, want 0", got[2])
	}
}
