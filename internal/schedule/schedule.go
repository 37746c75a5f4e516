// Package schedule expands track definitions into the timestamp-ordered
// shuffle schedule the mix engine plays from.
//
// A track definition contributes one or more concurrent slots (its
// selections count). Every slot draws uniformly at random, with
// replacement, from the track's candidate sources — once at time zero and
// again at each of the track's shuffle points. The resulting schedule is a
// sequence of full slot snapshots; deriving the state for an arbitrary
// start time is [Schedule.RuntimePlan].
package schedule

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
)

// SourceKind discriminates the two ways a slot can be fed.
type SourceKind int

const (
	// SourceTrackID selects a track inside the loaded container.
	SourceTrackID SourceKind = iota

	// SourceFilePath selects a standalone audio file.
	SourceFilePath
)

// Source identifies one playable input for a slot.
type Source struct {
	Kind    SourceKind
	TrackID uint64
	Path    string
}

// TrackSource returns a container-track source.
func TrackSource(id uint64) Source {
	return Source{Kind: SourceTrackID, TrackID: id}
}

// PathSource returns a file-path source.
func PathSource(path string) Source {
	return Source{Kind: SourceFilePath, Path: path}
}

// String renders the source for logs and schedule display.
func (s Source) String() string {
	if s.Kind == SourceTrackID {
		return fmt.Sprintf("track:%d", s.TrackID)
	}
	return s.Path
}

// TrackDef is one track definition as read from play settings or supplied
// directly for multi-file playback.
type TrackDef struct {
	// Candidates are the sources this track's slots draw from.
	Candidates []Source

	// Selections is the number of concurrent slots this track expands to.
	// Values below 1 contribute no slots.
	Selections int

	// ShufflePoints are raw timestamps ("SS", "MM:SS" or "HH:MM:SS", with
	// optional decimal seconds) at which this track's slots redraw.
	// Malformed entries are logged and skipped.
	ShufflePoints []string
}

// Entry is a full slot snapshot anchored at a timestamp.
type Entry struct {
	AtMS    uint64
	Sources []Source
}

// Schedule is the ordered sequence of slot snapshots for one playback.
// It is immutable once built; rebuild it to reshuffle.
type Schedule struct {
	entries []Entry
}

// Plan is the schedule state derived for a concrete start time.
type Plan struct {
	// Current holds the source of every slot at the start time.
	Current []Source

	// Upcoming lists the events strictly after the start time, in order.
	Upcoming []Entry
}

// Build draws a fresh schedule from defs using rng. The first entry is
// always at 0 ms; later entries exist for every distinct shuffle point
// across all tracks, each holding a complete slot snapshot in which only
// the slots whose definition included that point have been redrawn.
func Build(defs []TrackDef, rng *rand.Rand) Schedule {
	type slot struct {
		candidates []Source
		points     map[uint64]bool
	}

	timestamps := map[uint64]bool{}
	var slots []slot
	var current []Source

	for _, def := range defs {
		if len(def.Candidates) == 0 || def.Selections < 1 {
			continue
		}
		points := ParseShufflePoints(def.ShufflePoints)
		pointSet := make(map[uint64]bool, len(points))
		for _, p := range points {
			timestamps[p] = true
			pointSet[p] = true
		}
		for i := 0; i < def.Selections; i++ {
			slots = append(slots, slot{candidates: def.Candidates, points: pointSet})
			current = append(current, pick(def.Candidates, rng))
		}
	}

	if len(slots) == 0 {
		return Schedule{}
	}

	ordered := make([]uint64, 0, len(timestamps))
	for ts := range timestamps {
		if ts > 0 {
			ordered = append(ordered, ts)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	entries := make([]Entry, 0, len(ordered)+1)
	entries = append(entries, Entry{AtMS: 0, Sources: append([]Source(nil), current...)})

	for _, ts := range ordered {
		for i, sl := range slots {
			if sl.points[ts] {
				current[i] = pick(sl.candidates, rng)
			}
		}
		entries = append(entries, Entry{AtMS: ts, Sources: append([]Source(nil), current...)})
	}

	return Schedule{entries: entries}
}

// FromEntries wraps explicit snapshots into a schedule. Entries must be
// timestamp-ordered with the first at 0 ms.
func FromEntries(entries []Entry) Schedule {
	return Schedule{entries: append([]Entry(nil), entries...)}
}

// FromSources wraps an already-chosen source list into a single-entry
// schedule with no upcoming events.
func FromSources(sources []Source) Schedule {
	if len(sources) == 0 {
		return Schedule{}
	}
	return Schedule{entries: []Entry{{AtMS: 0, Sources: append([]Source(nil), sources...)}}}
}

// Entries returns the snapshots for display. The slice is shared; callers
// must not mutate it.
func (s Schedule) Entries() []Entry {
	return s.entries
}

// IsEmpty reports whether the schedule holds no slots.
func (s Schedule) IsEmpty() bool {
	return len(s.entries) == 0
}

// SlotCount returns the number of concurrent slots.
func (s Schedule) SlotCount() int {
	if len(s.entries) == 0 {
		return 0
	}
	return len(s.entries[0].Sources)
}

// RuntimePlan derives the playback state at startTime seconds: the last
// entry at or before the start time becomes the current source list and
// every later entry an upcoming event.
func (s Schedule) RuntimePlan(startTime float64) Plan {
	if len(s.entries) == 0 {
		return Plan{}
	}

	startMS := secondsToMS(startTime)
	current := 0
	for i, e := range s.entries {
		if e.AtMS <= startMS {
			current = i
		} else {
			break
		}
	}

	return Plan{
		Current:  append([]Source(nil), s.entries[current].Sources...),
		Upcoming: append([]Entry(nil), s.entries[current+1:]...),
	}
}

// ParseShufflePoints parses, sorts and deduplicates raw shuffle timestamps.
// Entries that fail to parse are logged and dropped.
func ParseShufflePoints(points []string) []uint64 {
	var parsed []uint64
	for _, p := range points {
		ms, err := ParseTimestampMS(p)
		if err != nil {
			slog.Warn("ignoring malformed shuffle point", "timestamp", p, "err", err)
			continue
		}
		parsed = append(parsed, ms)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i] < parsed[j] })
	out := parsed[:0]
	var last uint64
	for i, v := range parsed {
		if i == 0 || v != last {
			out = append(out, v)
			last = v
		}
	}
	return out
}

func pick(candidates []Source, rng *rand.Rand) Source {
	return candidates[rng.IntN(len(candidates))]
}

func secondsToMS(seconds float64) uint64 {
	if seconds <= 0 {
		return 0
	}
	return uint64(seconds*1000.0 + 0.5)
}
