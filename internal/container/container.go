package container

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/proteus-audio/proteus/internal/schedule"
)

// PathsTrack is one track definition for multi-file playback, where each
// slot draws from standalone audio files instead of container tracks.
type PathsTrack struct {
	FilePaths     []string
	Level         float64
	Pan           float64
	Selections    int
	ShufflePoints []string
}

// SlotMix is the static mix setting of one schedule slot.
type SlotMix struct {
	Level float64
	Pan   float64
}

// Model is the resolved track/selection model of one playback input: a
// .prot/.mka container or a set of standalone files. RefreshTracks draws a
// new shuffle schedule; everything else is read-only between refreshes.
type Model struct {
	path        string
	meta        *Metadata
	settings    *PlaySettings
	pathsTracks []PathsTrack

	rng *rand.Rand

	sched    schedule.Schedule
	slotMix  []SlotMix
	duration float64

	irRef    string
	irTailDB float64
}

// Open loads a .prot or .mka container, parses its play settings (when
// attached) and draws the initial shuffle schedule from rng.
func Open(path string, rng *rand.Rand) (*Model, error) {
	meta, err := ReadMetadata(path)
	if err != nil {
		return nil, err
	}

	m := &Model{path: path, meta: meta, rng: rng}

	if att := meta.AttachmentByName(PlaySettingsAttachment); att != nil {
		settings, err := ParsePlaySettings(att.Data)
		if err != nil {
			return nil, err
		}
		m.settings = settings
		m.irRef, m.irTailDB = settings.ImpulseResponseRef()
		slog.Info("loaded play settings",
			"path", path,
			"encoder_version", settings.EncoderVersion,
			"tracks", len(settings.Tracks),
			"effects", len(settings.Effects),
		)
	}

	m.RefreshTracks()
	if m.sched.IsEmpty() {
		return nil, fmt.Errorf("container: %q selects no playable tracks", path)
	}
	return m, nil
}

// NewFromPaths builds a model over standalone files grouped into tracks.
func NewFromPaths(tracks []PathsTrack, rng *rand.Rand) (*Model, error) {
	m := &Model{pathsTracks: tracks, rng: rng}
	m.RefreshTracks()
	if m.sched.IsEmpty() {
		return nil, fmt.Errorf("container: no playable file paths")
	}
	return m, nil
}

// RefreshTracks redraws the shuffle schedule and per-slot mix settings.
// Called once at load and again whenever the user reshuffles.
func (m *Model) RefreshTracks() {
	defs, mix := m.trackDefs()
	m.sched = schedule.Build(defs, m.rng)
	m.slotMix = mix
	m.duration = m.longestCandidateDuration(defs)
}

// trackDefs derives the schedule track definitions and the per-slot mix
// settings, in slot order.
func (m *Model) trackDefs() ([]schedule.TrackDef, []SlotMix) {
	var defs []schedule.TrackDef
	var mix []SlotMix

	appendDef := func(def schedule.TrackDef, level, pan float64) {
		if len(def.Candidates) == 0 || def.Selections < 1 {
			return
		}
		defs = append(defs, def)
		for i := 0; i < def.Selections; i++ {
			mix = append(mix, SlotMix{Level: level, Pan: pan})
		}
	}

	switch {
	case m.pathsTracks != nil:
		for _, t := range m.pathsTracks {
			candidates := make([]schedule.Source, 0, len(t.FilePaths))
			for _, p := range t.FilePaths {
				candidates = append(candidates, schedule.PathSource(p))
			}
			selections := t.Selections
			if selections < 1 {
				selections = 1
			}
			level := t.Level
			if level == 0 {
				level = 1
			}
			appendDef(schedule.TrackDef{
				Candidates:    candidates,
				Selections:    selections,
				ShufflePoints: t.ShufflePoints,
			}, level, t.Pan)
		}

	case m.settings != nil && len(m.settings.Tracks) > 0:
		for _, t := range m.settings.Tracks {
			candidates := make([]schedule.Source, 0, len(t.IDs))
			for _, id := range t.IDs {
				if m.meta.TrackByNumber(id) == nil {
					slog.Warn("play settings reference unknown track", "track", id)
					continue
				}
				candidates = append(candidates, schedule.TrackSource(id))
			}
			selections := t.SelectionsCount
			if selections < 1 {
				selections = 1
			}
			level := t.Level
			if level == 0 {
				level = 1
			}
			appendDef(schedule.TrackDef{
				Candidates:    candidates,
				Selections:    selections,
				ShufflePoints: t.ShufflePoints,
			}, level, t.Pan)
		}

	case m.settings != nil && len(m.settings.LegacyTracks) > 0:
		for _, t := range m.settings.LegacyTracks {
			start, length := 0, len(m.meta.Tracks)
			if t.StartingIndex != nil {
				start = *t.StartingIndex
			}
			if t.Length != nil {
				length = *t.Length
			}
			var candidates []schedule.Source
			for i := start; i < start+length && i < len(m.meta.Tracks); i++ {
				if i < 0 {
					continue
				}
				candidates = append(candidates, schedule.TrackSource(m.meta.Tracks[i].Number))
			}
			appendDef(schedule.TrackDef{Candidates: candidates, Selections: 1}, 1, 0)
		}

	default:
		// Bare .mka: every audio track plays as its own fixed slot.
		for _, t := range m.meta.Tracks {
			appendDef(schedule.TrackDef{
				Candidates: []schedule.Source{schedule.TrackSource(t.Number)},
				Selections: 1,
			}, 1, 0)
		}
	}

	return defs, mix
}

func (m *Model) longestCandidateDuration(defs []schedule.TrackDef) float64 {
	longest := 0.0
	for _, def := range defs {
		for _, c := range def.Candidates {
			if c.Kind == schedule.SourceTrackID && m.meta != nil {
				if t := m.meta.TrackByNumber(c.TrackID); t != nil && t.Duration > longest {
					longest = t.Duration
				}
			}
		}
	}
	return longest
}

// Path returns the container path, or "" for multi-file playback.
func (m *Model) Path() string { return m.path }

// Metadata returns the parsed container header, nil for multi-file mode.
func (m *Model) Metadata() *Metadata { return m.meta }

// Schedule returns the current shuffle schedule.
func (m *Model) Schedule() schedule.Schedule { return m.sched }

// RuntimePlan derives the schedule state for a start time in seconds.
func (m *Model) RuntimePlan(startTime float64) schedule.Plan {
	return m.sched.RuntimePlan(startTime)
}

// SlotMixSettings returns the per-slot (level, pan) settings in slot order.
func (m *Model) SlotMixSettings() []SlotMix {
	return m.slotMix
}

// Duration returns the longest known duration among candidate container
// tracks, in seconds. Zero when nothing is known (file paths, or a
// container without duration metadata).
func (m *Model) Duration() float64 { return m.duration }

// Effects returns the configured effect chain settings, in order.
func (m *Model) Effects() []EffectSettings {
	if m.settings == nil {
		return nil
	}
	return m.settings.Effects
}

// ImpulseResponse returns the configured impulse-response reference and
// tail trim in dB; the reference is "" when no convolution reverb is set.
func (m *Model) ImpulseResponse() (string, float64) {
	return m.irRef, m.irTailDB
}

// SetImpulseResponse overrides the impulse-response reference at runtime.
func (m *Model) SetImpulseResponse(ref string, tailDB float64) {
	m.irRef = ref
	m.irTailDB = tailDB
}

// ScheduleForDisplay renders the schedule as (seconds, source labels)
// pairs for UIs and --probe-only output.
func (m *Model) ScheduleForDisplay() [][2]any {
	entries := m.sched.Entries()
	out := make([][2]any, 0, len(entries))
	for _, e := range entries {
		labels := make([]string, 0, len(e.Sources))
		for _, s := range e.Sources {
			labels = append(labels, s.String())
		}
		out = append(out, [2]any{float64(e.AtMS) / 1000.0, labels})
	}
	return out
}
