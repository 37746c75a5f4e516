package container

import (
	"testing"
)

func TestParseBlockNoLacing(t *testing.T) {
	// Track 3 (1-byte vint 0x83), timecode 0x0102, keyframe, no lacing.
	data := []byte{0x83, 0x01, 0x02, 0x80, 0xAA, 0xBB, 0xCC}
	b, err := ParseBlock(data)
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}
	if b.TrackNumber != 3 {
		t.Errorf("TrackNumber = %d, want 3", b.TrackNumber)
	}
	if b.RelativeTimecode != 0x0102 {
		t.Errorf("RelativeTimecode = %d, want %d", b.RelativeTimecode, 0x0102)
	}
	if !b.Keyframe {
		t.Error("Keyframe = false, want true")
	}
	if len(b.Frames) != 1 || len(b.Frames[0]) != 3 {
		t.Fatalf("Frames = %v", b.Frames)
	}
}

func TestParseBlockNegativeTimecode(t *testing.T) {
	data := []byte{0x81, 0xFF, 0xFF, 0x00, 0x01}
	b, err := ParseBlock(data)
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}
	if b.RelativeTimecode != -1 {
		t.Errorf("RelativeTimecode = %d, want -1", b.RelativeTimecode)
	}
}

func TestParseBlockFixedLacing(t *testing.T) {
	// Two frames of 2 bytes each, fixed lacing (flags 0x04, count-1 = 1).
	data := []byte{0x81, 0x00, 0x00, 0x04, 0x01, 0x0A, 0x0B, 0x0C, 0x0D}
	b, err := ParseBlock(data)
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}
	if len(b.Frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(b.Frames))
	}
	if b.Frames[0][0] != 0x0A || b.Frames[1][0] != 0x0C {
		t.Errorf("frame contents wrong: %v", b.Frames)
	}
}

func TestParseBlockXiphLacing(t *testing.T) {
	// Two frames: first 3 bytes (size byte 3), second the remainder.
	data := []byte{0x81, 0x00, 0x00, 0x02, 0x01, 0x03, 1, 2, 3, 4, 5}
	b, err := ParseBlock(data)
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}
	if len(b.Frames) != 2 || len(b.Frames[0]) != 3 || len(b.Frames[1]) != 2 {
		t.Fatalf("frames = %v", b.Frames)
	}
}

func TestParseBlockTruncated(t *testing.T) {
	if _, err := ParseBlock([]byte{0x81, 0x00}); err == nil {
		t.Error("truncated block did not error")
	}
	if _, err := ParseBlock(nil); err == nil {
		t.Error("empty block did not error")
	}
}

func TestReadVint(t *testing.T) {
	tests := []struct {
		in      []byte
		want    uint64
		wantLen int
	}{
		{[]byte{0x81}, 1, 1},
		{[]byte{0xFF}, 127, 1},
		{[]byte{0x40, 0x02}, 2, 2},
		{[]byte{0x21, 0x23, 0x45}, 0x12345, 3},
	}
	for _, tt := range tests {
		got, n, err := readVint(tt.in)
		if err != nil {
			t.Errorf("readVint(%v): %v", tt.in, err)
			continue
		}
		if got != tt.want || n != tt.wantLen {
			t.Errorf("readVint(%v) = (%d, %d), want (%d, %d)", tt.in, got, n, tt.want, tt.wantLen)
		}
	}
	if _, _, err := readVint([]byte{0x00}); err == nil {
		t.Error("invalid vint did not error")
	}
}

func TestParsePlaySettingsV2(t *testing.T) {
	data := []byte(`{
		"encoder_version": "2",
		"play_settings": {
			"tracks": [
				{"level": 0.8, "pan": -0.25, "ids": [1, 2, 3], "name": "Rain",
				 "safe_name": "rain", "selections_count": 2, "shuffle_points": ["30", "1:00"]}
			],
			"effects": [
				{"ConvolutionReverbSettings": {
					"impulse_response_attachment": "hall.wav",
					"impulse_response_tail_db": -48
				}}
			]
		}
	}`)

	ps, err := ParsePlaySettings(data)
	if err != nil {
		t.Fatalf("ParsePlaySettings: %v", err)
	}
	if ps.EncoderVersion != "2" {
		t.Errorf("EncoderVersion = %q", ps.EncoderVersion)
	}
	if len(ps.Tracks) != 1 {
		t.Fatalf("tracks = %d", len(ps.Tracks))
	}
	tr := ps.Tracks[0]
	if tr.SelectionsCount != 2 || len(tr.IDs) != 3 || tr.Level != 0.8 {
		t.Errorf("track = %+v", tr)
	}

	ref, tail := ps.ImpulseResponseRef()
	if ref != "attachment:hall.wav" {
		t.Errorf("ref = %q", ref)
	}
	if tail != -48 {
		t.Errorf("tail = %v", tail)
	}
}

func TestParsePlaySettingsNumericVersionAndFlat(t *testing.T) {
	data := []byte(`{"encoder_version": 1, "tracks": [{"level": 1, "pan": 0, "ids": [7], "name": "a", "safe_name": "a"}]}`)
	ps, err := ParsePlaySettings(data)
	if err != nil {
		t.Fatalf("ParsePlaySettings: %v", err)
	}
	if ps.EncoderVersion != "1" || len(ps.Tracks) != 1 {
		t.Errorf("parsed = %+v", ps)
	}
}

func TestParsePlaySettingsLegacy(t *testing.T) {
	data := []byte(`{"play_settings": {"tracks": [{"startingIndex": 0, "length": 4}]}}`)
	ps, err := ParsePlaySettings(data)
	if err != nil {
		t.Fatalf("ParsePlaySettings: %v", err)
	}
	if ps.EncoderVersion != "" || len(ps.LegacyTracks) != 1 {
		t.Errorf("parsed = %+v", ps)
	}
	if *ps.LegacyTracks[0].Length != 4 {
		t.Errorf("legacy track = %+v", ps.LegacyTracks[0])
	}
}

func TestParsePlaySettingsUnknownVersion(t *testing.T) {
	if _, err := ParsePlaySettings([]byte(`{"encoder_version": "9"}`)); err == nil {
		t.Error("unknown encoder_version did not error")
	}
}

func TestMetadataLookups(t *testing.T) {
	m := &Metadata{
		Tracks:      []TrackInfo{{Number: 1, Name: "a"}, {Number: 5, Name: "b"}},
		Attachments: []Attachment{{Name: "play_settings.json", Data: []byte("{}")}},
	}
	if tr := m.TrackByNumber(5); tr == nil || tr.Name != "b" {
		t.Errorf("TrackByNumber(5) = %+v", tr)
	}
	if m.TrackByNumber(9) != nil {
		t.Error("TrackByNumber(9) should be nil")
	}
	if att := m.AttachmentByName("play_settings.json"); att == nil {
		t.Error("attachment lookup failed")
	}
}
