// Package container loads .prot and .mka files: Matroska structure, audio
// track metadata, attachments, and the play-settings document that drives
// shuffle scheduling and the DSP chain.
//
// A .prot file is a Matroska container whose play_settings.json attachment
// carries the track model; a plain .mka simply plays every audio track it
// contains.
package container

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/remko/go-mkvparse"
)

const trackTypeAudio = 2

// TrackInfo describes one audio track found in a container.
type TrackInfo struct {
	// Number is the track number referenced by block headers.
	Number uint64

	UID          uint64
	Name         string
	CodecID      string
	CodecPrivate []byte
	Channels     int
	SampleRate   float64
	BitDepth     int

	// Duration is the best known play length in seconds, 0 when the
	// container does not say. Matroska has no per-track duration, so this
	// starts as the segment duration and may be refined by scanning.
	Duration float64
}

// Attachment is a file attached to the container.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Metadata is the parsed header of a Matroska container.
type Metadata struct {
	// TimecodeScale is nanoseconds per timecode tick (Matroska default
	// 1_000_000).
	TimecodeScale uint64

	// Duration is the segment duration in seconds, 0 when absent.
	Duration float64

	Tracks      []TrackInfo
	Attachments []Attachment
}

// AttachmentByName returns the named attachment, or nil.
func (m *Metadata) AttachmentByName(name string) *Attachment {
	for i := range m.Attachments {
		if m.Attachments[i].Name == name {
			return &m.Attachments[i]
		}
	}
	return nil
}

// TrackByNumber returns the described track, or nil.
func (m *Metadata) TrackByNumber(number uint64) *TrackInfo {
	for i := range m.Tracks {
		if m.Tracks[i].Number == number {
			return &m.Tracks[i]
		}
	}
	return nil
}

// errStopScan terminates a parse early without reporting failure.
var errStopScan = errors.New("container: stop scan")

// ReadMetadata parses the container header: segment info, audio tracks and
// attachments. Clusters are not visited.
func ReadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %q: %w", path, err)
	}
	defer f.Close()

	h := &metadataHandler{meta: &Metadata{TimecodeScale: 1_000_000}}
	err = mkvparse.ParseSections(f, h,
		mkvparse.InfoElement, mkvparse.TracksElement, mkvparse.AttachmentsElement)
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, fmt.Errorf("container: parse %q: %w", path, err)
	}

	if h.meta.Duration > 0 {
		// Segment duration is stored in timecode ticks.
		h.meta.Duration = h.meta.Duration * float64(h.meta.TimecodeScale) / 1e9
	}
	for i := range h.meta.Tracks {
		if h.meta.Tracks[i].Duration == 0 {
			h.meta.Tracks[i].Duration = h.meta.Duration
		}
	}
	if len(h.meta.Tracks) == 0 {
		return nil, fmt.Errorf("container: %q has no audio tracks", path)
	}
	return h.meta, nil
}

type metadataHandler struct {
	mkvparse.DefaultHandler
	meta *Metadata

	track      *TrackInfo
	attachment *Attachment
}

func (h *metadataHandler) HandleMasterBegin(id mkvparse.ElementID, _ mkvparse.ElementInfo) (bool, error) {
	switch id {
	case mkvparse.SegmentElement, mkvparse.InfoElement, mkvparse.TracksElement,
		mkvparse.AttachmentsElement, mkvparse.AudioElement:
		return true, nil
	case mkvparse.TrackEntryElement:
		h.track = &TrackInfo{Channels: 1}
		return true, nil
	case mkvparse.AttachedFileElement:
		h.attachment = &Attachment{}
		return true, nil
	case mkvparse.ClusterElement:
		return false, errStopScan
	}
	return false, nil
}

func (h *metadataHandler) HandleMasterEnd(id mkvparse.ElementID, _ mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.TrackEntryElement:
		if h.track != nil && h.track.Number != 0 {
			h.meta.Tracks = append(h.meta.Tracks, *h.track)
		}
		h.track = nil
	case mkvparse.AttachedFileElement:
		if h.attachment != nil {
			h.meta.Attachments = append(h.meta.Attachments, *h.attachment)
		}
		h.attachment = nil
	}
	return nil
}

func (h *metadataHandler) HandleInteger(id mkvparse.ElementID, value int64, _ mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.TimecodeScaleElement:
		h.meta.TimecodeScale = uint64(value)
	case mkvparse.TrackNumberElement:
		if h.track != nil {
			h.track.Number = uint64(value)
		}
	case mkvparse.TrackUIDElement:
		if h.track != nil {
			h.track.UID = uint64(value)
		}
	case mkvparse.TrackTypeElement:
		if h.track != nil && value != trackTypeAudio {
			// Drop non-audio entries at TrackEntry end by blanking the number.
			h.track.Number = 0
		}
	case mkvparse.ChannelsElement:
		if h.track != nil {
			h.track.Channels = int(value)
		}
	case mkvparse.BitDepthElement:
		if h.track != nil {
			h.track.BitDepth = int(value)
		}
	}
	return nil
}

func (h *metadataHandler) HandleFloat(id mkvparse.ElementID, value float64, _ mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.DurationElement:
		h.meta.Duration = value
	case mkvparse.SamplingFrequencyElement:
		if h.track != nil {
			h.track.SampleRate = value
		}
	}
	return nil
}

func (h *metadataHandler) HandleString(id mkvparse.ElementID, value string, _ mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.NameElement:
		if h.track != nil {
			h.track.Name = value
		}
	case mkvparse.CodecIDElement:
		if h.track != nil {
			h.track.CodecID = value
		}
	case mkvparse.FileNameElement:
		if h.attachment != nil {
			h.attachment.Name = value
		}
	case mkvparse.FileMimeTypeElement:
		if h.attachment != nil {
			h.attachment.MimeType = value
		}
	}
	return nil
}

func (h *metadataHandler) HandleBinary(id mkvparse.ElementID, value []byte, _ mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.CodecPrivateElement:
		if h.track != nil {
			h.track.CodecPrivate = append([]byte(nil), value...)
		}
	case mkvparse.FileDataElement:
		if h.attachment != nil {
			h.attachment.Data = append([]byte(nil), value...)
		}
	}
	return nil
}

func (h *metadataHandler) HandleDate(mkvparse.ElementID, time.Time, mkvparse.ElementInfo) error {
	return nil
}

// Packet is one coded frame of an audio track in presentation order.
type Packet struct {
	TrackNumber uint64

	// Timestamp is the packet presentation time in seconds.
	Timestamp float64

	Data []byte
}

// ErrStopScan may be returned by a ReadPackets callback to end the scan
// without error.
var ErrStopScan = errStopScan

// ReadPackets streams the coded frames of the selected track numbers in
// file order, calling fn for each. A nil tracks set selects every track.
func ReadPackets(path string, tracks map[uint64]bool, fn func(Packet) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("container: open %q: %w", path, err)
	}
	defer f.Close()

	h := &demuxHandler{tracks: tracks, fn: fn, timecodeScale: 1_000_000}
	if err := mkvparse.Parse(f, h); err != nil && !errors.Is(err, errStopScan) {
		return fmt.Errorf("container: demux %q: %w", path, err)
	}
	return nil
}

type demuxHandler struct {
	mkvparse.DefaultHandler
	tracks        map[uint64]bool
	fn            func(Packet) error
	timecodeScale uint64

	clusterTimecode int64
}

func (h *demuxHandler) HandleMasterBegin(id mkvparse.ElementID, _ mkvparse.ElementInfo) (bool, error) {
	switch id {
	case mkvparse.SegmentElement, mkvparse.InfoElement, mkvparse.ClusterElement, mkvparse.BlockGroupElement:
		return true, nil
	}
	return false, nil
}

func (h *demuxHandler) HandleInteger(id mkvparse.ElementID, value int64, _ mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.TimecodeScaleElement:
		h.timecodeScale = uint64(value)
	case mkvparse.TimecodeElement:
		h.clusterTimecode = value
	}
	return nil
}

func (h *demuxHandler) HandleBinary(id mkvparse.ElementID, value []byte, _ mkvparse.ElementInfo) error {
	if id != mkvparse.SimpleBlockElement && id != mkvparse.BlockElement {
		return nil
	}

	block, err := ParseBlock(value)
	if err != nil {
		return fmt.Errorf("container: malformed block: %w", err)
	}
	if h.tracks != nil && !h.tracks[block.TrackNumber] {
		return nil
	}

	ts := float64(h.clusterTimecode+int64(block.RelativeTimecode)) *
		float64(h.timecodeScale) / 1e9
	for _, frame := range block.Frames {
		if err := h.fn(Packet{TrackNumber: block.TrackNumber, Timestamp: ts, Data: frame}); err != nil {
			return err
		}
	}
	return nil
}
