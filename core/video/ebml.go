package video

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"
)

// EBML element IDs
const (
	ebmlIDHeader      = 0x1A45DFA3
	ebmlIDDocType     = 0x4282
	ebmlIDSegment     = 0x18538067
	ebmlIDInfo        = 0x1549A966
	ebmlIDTracks      = 0x1654AE6B
	ebmlIDTags        = 0x1254C367
	ebmlIDChapters    = 0x1043A770
	ebmlIDAttachments = 0x1941A469
	ebmlIDCluster     = 0x1F43B675

	ebmlIDTimecodeScale = 0x2AD7B1
	ebmlIDDuration      = 0x4489
	ebmlIDTitle         = 0x7BA9
	ebmlIDDateUTC       = 0x4461

	ebmlIDTrackEntry      = 0xAE
	ebmlIDTrackNumber     = 0xD7
	ebmlIDTrackType       = 0x83
	ebmlIDCodecID         = 0x86
	ebmlIDDefaultDuration = 0x23E383
	ebmlIDVideo           = 0xE0
	ebmlIDPixelWidth      = 0xB0
	ebmlIDPixelHeight     = 0xBA
	ebmlIDColour          = 0x55B0
	ebmlIDMatrix          = 0x55B1
	ebmlIDTransfer        = 0x55BA
	ebmlIDPrimaries       = 0x55BB
	ebmlIDRange           = 0x55B9
	ebmlIDAudio           = 0xE1
	ebmlIDSamplingFreq    = 0xB5
	ebmlIDChannels        = 0x9F

	ebmlIDTag       = 0x7373
	ebmlIDSimpleTag = 0x67C8
	ebmlIDTagName   = 0x45A3
	ebmlIDTagString = 0x4487

	ebmlIDEditionEntry = 0x45B9
	ebmlIDChapterAtom  = 0xB6

	ebmlIDAttachedFile  = 0x61A7
	ebmlIDFileName      = 0x466E
	ebmlIDFileMediaType = 0x4660
)

// muxer-written tags that describe the stream rather than the user
var technicalTags = map[string]bool{
	"duration":          true,
	"encoder":           true,
	"bps":               true,
	"number_of_frames":  true,
	"number_of_bytes":   true,
	"_statistics_tags":  true,
	"handler_name":      true,
	"vendor_id":         true,
	"language":          true,
	"major_brand":       true,
	"minor_version":     true,
	"compatible_brands": true,
}

const (
	maxEBMLElement = 16 << 20
	unknownSize    = -1
)

var errNotEBML = errors.New("not an EBML file")

// MatroskaProber reads Matroska and WebM headers natively. It walks the
// Segment by element headers and never reads Cluster payloads.
type MatroskaProber struct{}

func (MatroskaProber) Probe(ctx context.Context, path string) (*Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	id, hdrLen, n, err := readElementHeader(f, 0)
	if err != nil || id != ebmlIDHeader {
		return nil, errNotEBML
	}
	a := &Asset{Path: path, Container: "matroska"}
	if n > 0 && n < 4096 {
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, hdrLen); err == nil {
			walkEBML(buf, func(id uint32, p []byte) {
				if id == ebmlIDDocType {
					a.Container = string(p)
				}
			})
		}
	}

	pos := hdrLen + n
	id, hdrLen, n, err = readElementHeader(f, pos)
	if err != nil || id != ebmlIDSegment {
		return nil, fmt.Errorf("%w: no segment", errNotEBML)
	}
	start := pos + hdrLen
	end := size
	if n != unknownSize {
		end = min(start+n, size)
	}

	scale := int64(1_000_000)
	var duration float64
	for pos = start; pos < end; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, hdrLen, n, err := readElementHeader(f, pos)
		if err != nil {
			break
		}
		if n == unknownSize {
			// only a Cluster is streamed with unknown size; nothing after
			// it can be reached without parsing blocks
			break
		}
		switch id {
		case ebmlIDInfo, ebmlIDTracks, ebmlIDTags, ebmlIDChapters, ebmlIDAttachments:
			if n > maxEBMLElement {
				return nil, fmt.Errorf("element %#x too large: %d bytes", id, n)
			}
			buf := make([]byte, n)
			if _, err := f.ReadAt(buf, pos+hdrLen); err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			switch id {
			case ebmlIDInfo:
				scale, duration = parseSegmentInfo(buf, a, scale)
			case ebmlIDTracks:
				parseTracks(buf, a)
			case ebmlIDTags:
				parseTags(buf, a)
			case ebmlIDChapters:
				a.Chapters += countChapterAtoms(buf)
			case ebmlIDAttachments:
				a.CoverArt = a.CoverArt || hasCoverAttachment(buf)
			}
		}
		pos += hdrLen + n
	}
	a.Duration = time.Duration(duration * float64(scale))

	perKind := map[TrackKind]int{}
	for i := range a.Tracks {
		t := &a.Tracks[i]
		t.Index = perKind[t.Kind]
		perKind[t.Kind]++
		if t.Duration == 0 {
			t.Duration = a.Duration
		}
	}
	return a, nil
}

// readElementHeader reads an element ID and size at off. A size of
// unknownSize marks a streamed element.
func readElementHeader(r io.ReaderAt, off int64) (id uint32, hdrLen, size int64, err error) {
	var buf [12]byte
	n, err := r.ReadAt(buf[:], off)
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, 0, err
	}
	id, idLen := readEBMLID(buf[:n], 0)
	if idLen == 0 || id == 0 {
		return 0, 0, 0, errNotEBML
	}
	sz, szLen := readEBMLSize(buf[:n], idLen)
	if szLen == 0 {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	return id, int64(idLen + szLen), sz, nil
}

// walkEBML calls fn for every direct child element of data.
func walkEBML(data []byte, fn func(id uint32, payload []byte)) {
	for i := 0; i < len(data); {
		id, idLen := readEBMLID(data, i)
		if idLen == 0 {
			return
		}
		i += idLen
		size, sizeLen := readEBMLSize(data, i)
		if sizeLen == 0 || size < 0 || int64(i+sizeLen)+size > int64(len(data)) {
			return
		}
		i += sizeLen
		fn(id, data[i:i+int(size)])
		i += int(size)
	}
}

func readEBMLID(data []byte, pos int) (id uint32, length int) {
	if pos >= len(data) {
		return 0, 0
	}
	b := data[pos]
	switch {
	case b&0x80 != 0:
		length = 1
	case b&0x40 != 0:
		length = 2
	case b&0x20 != 0:
		length = 3
	case b&0x10 != 0:
		length = 4
	default:
		return 0, 0
	}
	if pos+length > len(data) {
		return 0, 0
	}
	for _, c := range data[pos : pos+length] {
		id = id<<8 | uint32(c)
	}
	return id, length
}

// readEBMLSize decodes a variable-length size of up to eight bytes. All
// value bits set means unknown.
func readEBMLSize(data []byte, pos int) (size int64, length int) {
	if pos >= len(data) {
		return 0, 0
	}
	b := data[pos]
	length = 1
	for mask := byte(0x80); b&mask == 0; mask >>= 1 {
		if mask == 1 {
			return 0, 0
		}
		length++
	}
	if pos+length > len(data) {
		return 0, 0
	}
	v := uint64(b & (0xFF >> length))
	allOnes := v == uint64(0xFF>>length)
	for _, c := range data[pos+1 : pos+length] {
		v = v<<8 | uint64(c)
		allOnes = allOnes && c == 0xFF
	}
	if allOnes {
		return unknownSize, length
	}
	return int64(v), length
}

func ebmlUint(p []byte) uint64 {
	var v uint64
	for _, c := range p {
		v = v<<8 | uint64(c)
	}
	return v
}

func ebmlFloat(p []byte) float64 {
	switch len(p) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(p)))
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(p))
	}
	return 0
}

func parseSegmentInfo(data []byte, a *Asset, scale int64) (int64, float64) {
	var duration float64
	walkEBML(data, func(id uint32, p []byte) {
		switch id {
		case ebmlIDTimecodeScale:
			if v := int64(ebmlUint(p)); v > 0 {
				scale = v
			}
		case ebmlIDDuration:
			duration = ebmlFloat(p)
		case ebmlIDTitle:
			a.Metadata = append(a.Metadata, Item{Space: "info", Key: "Title", Value: string(p)})
		case ebmlIDDateUTC:
			a.Metadata = append(a.Metadata, Item{Space: "info", Key: "DateUTC"})
		}
	})
	return scale, duration
}

func parseTracks(data []byte, a *Asset) {
	walkEBML(data, func(id uint32, p []byte) {
		if id == ebmlIDTrackEntry {
			a.Tracks = append(a.Tracks, parseTrackEntry(p))
		}
	})
}

func parseTrackEntry(data []byte) Track {
	var t Track
	t.Kind = TrackOther
	walkEBML(data, func(id uint32, p []byte) {
		switch id {
		case ebmlIDTrackNumber:
			t.ID = uint32(ebmlUint(p))
		case ebmlIDTrackType:
			switch ebmlUint(p) {
			case 1:
				t.Kind = TrackVideo
			case 2:
				t.Kind = TrackAudio
			case 17:
				t.Kind = TrackText
			case 33:
				t.Kind = TrackMetadata
			}
		case ebmlIDCodecID:
			t.Codec = string(p)
		case ebmlIDDefaultDuration:
			if ns := ebmlUint(p); ns > 0 {
				t.FrameRate = float64(time.Second) / float64(ns)
			}
		case ebmlIDVideo:
			walkEBML(p, func(id uint32, p []byte) {
				switch id {
				case ebmlIDPixelWidth:
					t.Width = int(ebmlUint(p))
				case ebmlIDPixelHeight:
					t.Height = int(ebmlUint(p))
				case ebmlIDColour:
					t.Color = parseColour(p)
				}
			})
		case ebmlIDAudio:
			walkEBML(p, func(id uint32, p []byte) {
				switch id {
				case ebmlIDSamplingFreq:
					t.SampleRate = int(ebmlFloat(p))
				case ebmlIDChannels:
					t.Channels = int(ebmlUint(p))
				}
			})
		}
	})
	return t
}

func parseColour(data []byte) *ColorInfo {
	c := &ColorInfo{Primaries: 2, Transfer: 2, Matrix: 2}
	walkEBML(data, func(id uint32, p []byte) {
		switch id {
		case ebmlIDPrimaries:
			c.Primaries = uint16(ebmlUint(p))
		case ebmlIDTransfer:
			c.Transfer = uint16(ebmlUint(p))
		case ebmlIDMatrix:
			c.Matrix = uint16(ebmlUint(p))
		case ebmlIDRange:
			c.FullRange = ebmlUint(p) == 2
		}
	})
	return c
}

func parseTags(data []byte, a *Asset) {
	walkEBML(data, func(id uint32, p []byte) {
		if id != ebmlIDTag {
			return
		}
		walkEBML(p, func(id uint32, p []byte) {
			if id == ebmlIDSimpleTag {
				parseSimpleTag(p, a)
			}
		})
	})
}

// parseSimpleTag records one tag, descending into nested SimpleTags.
func parseSimpleTag(data []byte, a *Asset) {
	var name, val string
	walkEBML(data, func(id uint32, p []byte) {
		switch id {
		case ebmlIDTagName:
			name = string(p)
		case ebmlIDTagString:
			val = string(p)
		case ebmlIDSimpleTag:
			parseSimpleTag(p, a)
		}
	})
	if name == "" || technicalTags[strings.ToLower(name)] {
		return
	}
	a.Metadata = append(a.Metadata, Item{Space: "tags", Key: name, Value: val})
}

func countChapterAtoms(data []byte) int {
	n := 0
	walkEBML(data, func(id uint32, p []byte) {
		switch id {
		case ebmlIDEditionEntry:
			n += countChapterAtoms(p)
		case ebmlIDChapterAtom:
			n += 1 + countChapterAtoms(p)
		}
	})
	return n
}

func hasCoverAttachment(data []byte) bool {
	found := false
	walkEBML(data, func(id uint32, p []byte) {
		if id != ebmlIDAttachedFile {
			return
		}
		var name, mime string
		walkEBML(p, func(id uint32, p []byte) {
			switch id {
			case ebmlIDFileName:
				name = strings.ToLower(string(p))
			case ebmlIDFileMediaType:
				mime = string(p)
			}
		})
		if strings.HasPrefix(mime, "image/") || strings.HasPrefix(name, "cover") {
			found = true
		}
	})
	return found
}
