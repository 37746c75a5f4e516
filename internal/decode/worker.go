package decode

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/internal/schedule"
	"github.com/proteus-audio/proteus/pkg/audio"
)

// pushBatchSamples is how many stereo samples a worker accumulates before
// pushing into its ring.
const pushBatchSamples = 4096

// WorkerArgs configures one single-source decoder worker.
type WorkerArgs struct {
	// Source selects what to decode; container-track sources resolve
	// against ContainerPath/Meta.
	Source        schedule.Source
	ContainerPath string
	Meta          *container.Metadata

	Key      Key
	Ring     *audio.Ring
	Finished *FinishedSet

	// StartTime is the source-relative decode start in seconds.
	StartTime float64

	// TrackEOS is how long the worker tolerates a stalled source before
	// declaring it finished. Zero disables the heuristic.
	TrackEOS time.Duration

	Abort *atomic.Bool
}

// Run decodes one source into its ring until end of stream, error, stall
// or abort, then marks the key finished. Errors are reported for logging
// but never propagate past the finished-set contract.
func Run(args WorkerArgs) error {
	defer args.Finished.Mark(args.Key)

	stream, err := openSource(args)
	if err != nil {
		slog.Warn("decoder open failed", "key", args.Key, "source", args.Source.String(), "err", err)
		return err
	}
	defer stream.Close()

	return pump(stream, args.Ring, args.Abort, args.TrackEOS, args.Key)
}

func openSource(args WorkerArgs) (Stream, error) {
	if args.Source.Kind == schedule.SourceFilePath {
		return OpenFile(args.Source.Path, args.StartTime)
	}
	var track *container.TrackInfo
	if args.Meta != nil {
		track = args.Meta.TrackByNumber(args.Source.TrackID)
	}
	return OpenContainerTrack(args.ContainerPath, track, args.StartTime)
}

// pump moves samples from stream into ring, collapsing to stereo, until
// EOF, a decode error, an abort, or a stall longer than trackEOS.
func pump(stream Stream, ring *audio.Ring, abort *atomic.Bool, trackEOS time.Duration, key Key) error {
	format := stream.Format()
	native := make([]float32, pushBatchSamples)
	stereo := make([]float32, 0, pushBatchSamples*2)
	lastProgress := time.Now()

	for {
		if abort != nil && abort.Load() {
			return nil
		}

		n, err := stream.ReadSamples(native)
		if n > 0 {
			stereo = audio.DownmixToStereo(stereo[:0], native[:n], format.Channels)
			if pushErr := ring.Push(stereo); pushErr != nil {
				// Ring aborted: the generation is over.
				return nil
			}
			lastProgress = time.Now()
		}

		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			slog.Warn("decode error treated as end of stream", "key", key, "err", err)
			return err
		case n == 0:
			if trackEOS > 0 && time.Since(lastProgress) >= trackEOS {
				slog.Warn("track stalled past EOS window", "key", key, "window", trackEOS)
				return nil
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
