package decode

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/pkg/audio"
)

// ContainerEntry binds one runtime key to a container track number.
type ContainerEntry struct {
	Key         Key
	TrackNumber uint64
}

// ContainerArgs configures the shared-container fast path: one reader that
// demuxes a single .prot/.mka file and feeds every active track's ring,
// instead of one reader per track.
type ContainerArgs struct {
	Path    string
	Meta    *container.Metadata
	Entries []ContainerEntry

	RingFor  func(Key) *audio.Ring
	Finished *FinishedSet

	// SetWeight lets the worker collapse duplicate selections of the same
	// track: the first key carries the summed weight, the rest are muted
	// and marked finished immediately.
	SetWeight func(Key, float64)

	StartTime float64
	TrackEOS  time.Duration
	Abort     *atomic.Bool
}

type containerTrackState struct {
	info     *container.TrackInfo
	keys     []Key
	finished bool
	lastSeen float64
}

// RunContainer demuxes the container once, decoding each selected track's
// packets into its ring. Tracks without a supported codec, and tracks that
// stall while others progress past the EOS window, are marked finished so
// the mix never waits on them.
func RunContainer(args ContainerArgs) error {
	states := make(map[uint64]*containerTrackState)
	selected := make(map[uint64]bool)

	for _, entry := range args.Entries {
		st := states[entry.TrackNumber]
		if st == nil {
			info := args.Meta.TrackByNumber(entry.TrackNumber)
			if info == nil {
				slog.Warn("container track missing", "track", entry.TrackNumber)
				args.Finished.Mark(entry.Key)
				continue
			}
			if !SupportedContainerCodec(info.CodecID) {
				slog.Warn("container track has unsupported codec",
					"track", entry.TrackNumber, "codec", info.CodecID)
				args.Finished.Mark(entry.Key)
				continue
			}
			st = &containerTrackState{info: info, lastSeen: args.StartTime}
			states[entry.TrackNumber] = st
			selected[entry.TrackNumber] = true
		}
		st.keys = append(st.keys, entry.Key)
	}

	if len(states) == 0 {
		return fmt.Errorf("decode: no decodable tracks in %q", args.Path)
	}

	// Duplicate selections of one track share a single decode: the first
	// key carries the whole weight, the rest finish immediately.
	if args.SetWeight != nil {
		for _, st := range states {
			if len(st.keys) > 1 {
				args.SetWeight(st.keys[0], float64(len(st.keys)))
				for _, dup := range st.keys[1:] {
					args.SetWeight(dup, 0)
					args.Finished.Mark(dup)
				}
			}
		}
	}

	markFinished := func(st *containerTrackState) bool {
		if st.finished || len(st.keys) == 0 {
			return false
		}
		st.finished = true
		args.Finished.Mark(st.keys[0])
		return true
	}

	eosSeconds := args.TrackEOS.Seconds()
	maxSeen := args.StartTime
	finishedCount := 0
	var scratch []float32
	var stereo []float32

	err := container.ReadPackets(args.Path, selected, func(p container.Packet) error {
		if args.Abort != nil && args.Abort.Load() {
			return container.ErrStopScan
		}

		st := states[p.TrackNumber]
		if st == nil || st.finished {
			return nil
		}

		st.lastSeen = p.Timestamp
		if p.Timestamp > maxSeen {
			maxSeen = p.Timestamp
		}

		// Hard duration always wins over the inactivity heuristic.
		if st.info.Duration > 0 && p.Timestamp >= st.info.Duration {
			if markFinished(st) {
				finishedCount++
			}
			if finishedCount == len(states) {
				return container.ErrStopScan
			}
			return nil
		}

		if eosSeconds > 0 {
			for _, other := range states {
				if other.finished || other == st {
					continue
				}
				if maxSeen-other.lastSeen >= eosSeconds && markFinished(other) {
					finishedCount++
				}
			}
			if finishedCount == len(states) {
				return container.ErrStopScan
			}
		}

		if p.Timestamp < args.StartTime {
			return nil
		}

		var err error
		scratch, err = decodePCMPacket(scratch[:0], st.info.CodecID, st.info.BitDepth, p.Data)
		if err != nil {
			slog.Warn("container packet decode failed", "track", p.TrackNumber, "err", err)
			if markFinished(st) {
				finishedCount++
			}
			if finishedCount == len(states) {
				return container.ErrStopScan
			}
			return nil
		}

		stereo = audio.DownmixToStereo(stereo[:0], scratch, st.info.Channels)
		if ring := args.RingFor(st.keys[0]); ring != nil {
			if pushErr := ring.Push(stereo); pushErr != nil {
				return container.ErrStopScan
			}
		}
		return nil
	})

	for _, st := range states {
		_ = markFinished(st)
	}
	if err != nil {
		slog.Warn("container demux ended with error", "path", args.Path, "err", err)
	}
	return err
}
