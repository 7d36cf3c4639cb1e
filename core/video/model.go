// Package video inspects and sanitizes video containers. MP4-family files
// (MP4, MOV, M4V) are probed and remuxed natively; Matroska, WebM and AVI
// are probed natively and remuxed through ffmpeg. Re-encoding always goes
// through a Transcoder.
package video

import (
	"strings"
	"time"
)

// TrackKind is the broad media type of a track.
type TrackKind string

const (
	TrackVideo    TrackKind = "video"
	TrackAudio    TrackKind = "audio"
	TrackText     TrackKind = "text"
	TrackTimecode TrackKind = "timecode"
	TrackMetadata TrackKind = "metadata"
	TrackOther    TrackKind = "other"
)

// ColorInfo carries ISO/IEC 23091-2 code points.
type ColorInfo struct {
	Primaries uint16
	Transfer  uint16
	Matrix    uint16
	FullRange bool
}

// HDR reports PQ or HLG transfer, or BT.2020 primaries.
func (c *ColorInfo) HDR() bool {
	if c == nil {
		return false
	}
	return c.Transfer == 16 || c.Transfer == 18 || c.Primaries == 9
}

// Item is one metadata entry. Space names where it was found: udta,
// mdta, itunes, id3, tags (Matroska/ffprobe) or riff (AVI INFO).
type Item struct {
	Space string
	Key   string
	Value string
}

// IsLocation reports the keys that carry a physical location.
func (it Item) IsLocation() bool {
	k := strings.ToLower(it.Key)
	return k == "©xyz" ||
		k == "loci" ||
		strings.HasPrefix(k, "location") ||
		strings.HasSuffix(k, "_location") ||
		strings.HasSuffix(k, "location.iso6709")
}

// Track describes one elementary stream.
type Track struct {
	ID          uint32
	Index       int // position among tracks of the same kind
	Kind        TrackKind
	Handler     string
	Codec       string
	Width       int
	Height      int
	Duration    time.Duration
	SampleCount int
	DataSize    int64
	SampleRate  int
	Channels    int
	FrameRate   float64
	BitRate     int64
	Rotation    int // clockwise display rotation in degrees
	Color       *ColorInfo
	Metadata    []Item
	Chapters    []uint32 // track ids referenced as chapter lists
}

// EstimatedDataRate is the average bitrate in bits per second.
func (t Track) EstimatedDataRate() float64 {
	if t.BitRate > 0 {
		return float64(t.BitRate)
	}
	if t.DataSize <= 0 || t.Duration <= 0 {
		return 0
	}
	return float64(t.DataSize*8) / t.Duration.Seconds()
}

// EstimatedFrameRate falls back to sample count over duration.
func (t Track) EstimatedFrameRate() float64 {
	if t.FrameRate > 0 {
		return t.FrameRate
	}
	if t.SampleCount > 0 && t.Duration > 0 {
		return float64(t.SampleCount) / t.Duration.Seconds()
	}
	return 0
}

// Asset is what a Prober learns about a container.
type Asset struct {
	Path      string
	Container string // mp4, matroska, avi or the ffprobe format name
	Duration  time.Duration
	Tracks    []Track
	Metadata  []Item
	Chapters  int
	CoverArt  bool
	ID3Frames int
}

// FirstTrack returns the first track of kind.
func (a *Asset) FirstTrack(kind TrackKind) (Track, bool) {
	for _, t := range a.Tracks {
		if t.Kind == kind {
			return t, true
		}
	}
	return Track{}, false
}

// VideoTracks counts video tracks.
func (a *Asset) VideoTracks() int {
	n := 0
	for _, t := range a.Tracks {
		if t.Kind == TrackVideo {
			n++
		}
	}
	return n
}

// LocationItems returns movie-level and track-level location entries.
func (a *Asset) LocationItems() []Item {
	var out []Item
	for _, it := range a.Metadata {
		if it.IsLocation() {
			out = append(out, it)
		}
	}
	for _, t := range a.Tracks {
		for _, it := range t.Metadata {
			if it.IsLocation() {
				out = append(out, it)
			}
		}
	}
	return out
}
