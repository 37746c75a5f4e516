package container

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// PlaySettingsAttachment is the attachment name carrying play settings
// inside a .prot container.
const PlaySettingsAttachment = "play_settings.json"

// SettingsTrack is one track definition in a versioned settings file.
type SettingsTrack struct {
	Level    float64  `json:"level"`
	Pan      float64  `json:"pan"`
	IDs      []uint64 `json:"ids"`
	Name     string   `json:"name"`
	SafeName string   `json:"safe_name"`

	// SelectionsCount expands the track into that many concurrent slots.
	// Zero means one.
	SelectionsCount int `json:"selections_count"`

	// ShufflePoints are raw "HH:MM:SS"-style timestamps at which the
	// track's slots redraw their source.
	ShufflePoints []string `json:"shuffle_points"`
}

// EffectSettings is one entry of the settings effect chain. Exactly one of
// the variant fields is set, keyed by the JSON object's single key.
type EffectSettings struct {
	ConvolutionReverb *ConvolutionReverbSettings
	Compressor        *CompressorSettings
	Reverb            *ReverbSettings
}

// ConvolutionReverbSettings configures impulse-response selection for the
// convolution reverb.
type ConvolutionReverbSettings struct {
	ImpulseResponse           *string  `json:"impulse_response"`
	ImpulseResponseAttachment *string  `json:"impulse_response_attachment"`
	ImpulseResponsePath       *string  `json:"impulse_response_path"`
	ImpulseResponseTailDB     *float64 `json:"impulse_response_tail_db"`
	ImpulseResponseTail       *float64 `json:"impulse_response_tail"`
}

// CompressorSettings is the legacy compressor configuration.
type CompressorSettings struct {
	Attack    float64 `json:"attack"`
	Knee      float64 `json:"knee"`
	Ratio     float64 `json:"ratio"`
	Release   float64 `json:"release"`
	Threshold float64 `json:"threshold"`
	Active    bool    `json:"active"`
}

// ReverbSettings is the legacy algorithmic reverb configuration.
type ReverbSettings struct {
	Decay    float64 `json:"decay"`
	PreDelay float64 `json:"pre_delay"`
	Mix      float64 `json:"mix"`
	Active   bool    `json:"active"`
}

// UnmarshalJSON decodes the externally tagged effect variant
// ({"ConvolutionReverbSettings": {...}} and friends).
func (e *EffectSettings) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, payload := range raw {
		switch key {
		case "ConvolutionReverbSettings":
			e.ConvolutionReverb = &ConvolutionReverbSettings{}
			return json.Unmarshal(payload, e.ConvolutionReverb)
		case "CompressorSettings":
			e.Compressor = &CompressorSettings{}
			return json.Unmarshal(payload, e.Compressor)
		case "ReverbSettings":
			e.Reverb = &ReverbSettings{}
			return json.Unmarshal(payload, e.Reverb)
		default:
			slog.Warn("unknown effect settings variant", "key", key)
		}
	}
	return nil
}

// PlaySettings is the decoded content of play_settings.json, normalised
// across schema versions.
type PlaySettings struct {
	// EncoderVersion is "1", "2" or "3"; empty for the legacy schema.
	EncoderVersion string

	Tracks  []SettingsTrack
	Effects []EffectSettings

	// LegacyTracks holds the pre-versioned schema's track windows; only
	// set when EncoderVersion is empty.
	LegacyTracks []LegacyTrack
}

// LegacyTrack is one entry of the pre-versioned settings schema: a window
// of consecutive container tracks.
type LegacyTrack struct {
	StartingIndex *int `json:"startingIndex"`
	Length        *int `json:"length"`
}

type versionedSettings struct {
	EncoderVersion json.RawMessage `json:"encoder_version"`
	PlaySettings   *settingsBody   `json:"play_settings"`
	settingsBody
}

type settingsBody struct {
	Tracks  []SettingsTrack  `json:"tracks"`
	Effects []EffectSettings `json:"effects"`
}

type legacyFile struct {
	PlaySettings *legacyBody `json:"play_settings"`
	legacyBody
}

type legacyBody struct {
	Tracks []LegacyTrack `json:"tracks"`
}

// ParsePlaySettings decodes a play_settings.json document. The settings
// payload may be nested under a "play_settings" key or flat at top level;
// a missing encoder_version selects the legacy schema and unknown versions
// are rejected.
func ParsePlaySettings(data []byte) (*PlaySettings, error) {
	var probe struct {
		EncoderVersion json.RawMessage `json:"encoder_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("container: parse %s: %w", PlaySettingsAttachment, err)
	}

	version, err := normaliseVersion(probe.EncoderVersion)
	if err != nil {
		return nil, err
	}

	if version == "" {
		var file legacyFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("container: parse legacy %s: %w", PlaySettingsAttachment, err)
		}
		body := file.legacyBody
		if file.PlaySettings != nil {
			body = *file.PlaySettings
		}
		return &PlaySettings{LegacyTracks: body.Tracks}, nil
	}

	switch version {
	case "1", "2", "3":
	default:
		return nil, fmt.Errorf("container: unknown %s encoder_version %q", PlaySettingsAttachment, version)
	}

	var file versionedSettings
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("container: parse %s v%s: %w", PlaySettingsAttachment, version, err)
	}
	body := file.settingsBody
	if file.PlaySettings != nil {
		body = *file.PlaySettings
	}
	return &PlaySettings{
		EncoderVersion: version,
		Tracks:         body.Tracks,
		Effects:        body.Effects,
	}, nil
}

// normaliseVersion renders the encoder_version field, which appears both
// as a JSON string and as a number in the wild, into a canonical string.
func normaliseVersion(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fmt.Sprintf("%d", int(n)), nil
	}
	return "", fmt.Errorf("container: unreadable encoder_version %s", string(raw))
}

// ImpulseResponseRef extracts the configured impulse-response reference
// from the effect chain, preferring the explicit spec string, then the
// attachment, then the file path. The second return is the tail trim in
// dB (negative) or 0 when unset.
func (p *PlaySettings) ImpulseResponseRef() (string, float64) {
	for _, e := range p.Effects {
		cr := e.ConvolutionReverb
		if cr == nil {
			continue
		}
		tail := 0.0
		if cr.ImpulseResponseTailDB != nil {
			tail = *cr.ImpulseResponseTailDB
		} else if cr.ImpulseResponseTail != nil {
			tail = *cr.ImpulseResponseTail
		}
		switch {
		case cr.ImpulseResponse != nil && *cr.ImpulseResponse != "":
			return *cr.ImpulseResponse, tail
		case cr.ImpulseResponseAttachment != nil && *cr.ImpulseResponseAttachment != "":
			return "attachment:" + *cr.ImpulseResponseAttachment, tail
		case cr.ImpulseResponsePath != nil && *cr.ImpulseResponsePath != "":
			return "file:" + *cr.ImpulseResponsePath, tail
		}
	}
	return "", 0
}
