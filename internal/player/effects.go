package player

import (
	"fmt"
	"log/slog"

	"github.com/proteus-audio/proteus/internal/container"
	"github.com/proteus-audio/proteus/internal/effects"
	"github.com/proteus-audio/proteus/pkg/audio"
)

const defaultIRTailDB = -60

// BuildChain assembles the effect chain configured by the container's play
// settings. Effects that cannot be built (missing impulse response,
// unsupported legacy variant) are skipped with a log so playback always
// proceeds; only a completely unreadable impulse response for an
// explicitly configured reverb is reported as an error.
func BuildChain(model *container.Model, format audio.Format) (*effects.Chain, error) {
	var built []effects.Effect

	for _, e := range model.Effects() {
		switch {
		case e.ConvolutionReverb != nil:
			reverb, err := buildConvolutionReverb(model, format)
			if err != nil {
				return nil, err
			}
			if reverb != nil {
				built = append(built, reverb)
			}

		case e.Compressor != nil:
			if !e.Compressor.Active {
				continue
			}
			lim, err := effects.NewLimiter(e.Compressor.Threshold, e.Compressor.Release,
				format.SampleRate, format.Channels)
			if err != nil {
				slog.Warn("skipping compressor effect", "err", err)
				continue
			}
			built = append(built, lim)

		case e.Reverb != nil:
			slog.Warn("legacy algorithmic reverb is not supported; skipping")
		}
	}

	// A configured impulse response without an explicit effect entry still
	// enables the reverb (v1 settings files work this way).
	if len(built) == 0 {
		if ref, _ := model.ImpulseResponse(); ref != "" {
			reverb, err := buildConvolutionReverb(model, format)
			if err != nil {
				return nil, err
			}
			if reverb != nil {
				built = append(built, reverb)
			}
		}
	}

	return effects.NewChain(built...), nil
}

func buildConvolutionReverb(model *container.Model, format audio.Format) (effects.Effect, error) {
	ref, tailDB := model.ImpulseResponse()
	if ref == "" {
		slog.Warn("convolution reverb configured without an impulse response; skipping")
		return nil, nil
	}
	if tailDB >= 0 {
		tailDB = defaultIRTailDB
	}

	spec, err := effects.ParseIRSpec(ref)
	if err != nil {
		return nil, fmt.Errorf("player: impulse response: %w", err)
	}

	var kernels [][]float32
	switch spec.Kind {
	case effects.IRAttachment:
		meta := model.Metadata()
		if meta == nil {
			return nil, fmt.Errorf("player: impulse response attachment %q without a container", spec.Name)
		}
		att := meta.AttachmentByName(spec.Name)
		if att == nil {
			return nil, fmt.Errorf("player: impulse response attachment %q not found", spec.Name)
		}
		kernels, err = effects.LoadImpulseResponseBytes(att.Data, tailDB)
		if err != nil {
			return nil, fmt.Errorf("player: impulse response attachment %q: %w", spec.Name, err)
		}
	default:
		path := effects.ResolveIRPath(model.Path(), spec.Name)
		kernels, err = effects.LoadImpulseResponseFile(path, tailDB)
		if err != nil {
			return nil, err
		}
	}

	return effects.NewConvolutionReverb(kernels, 1, format.Channels)
}
