package video

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

var errNotAVI = errors.New("not an AVI file")

// AVIProber reads RIFF AVI headers natively, skipping the movi list.
type AVIProber struct{}

type riffChunk struct {
	id     string
	offset int64 // payload start
	size   int64
}

func (AVIProber) Probe(ctx context.Context, path string) (*Asset, error) {
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

	var hdr [12]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil || string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "AVI " {
		return nil, errNotAVI
	}
	a := &Asset{Path: path, Container: "avi"}
	end := min(12+int64(binary.LittleEndian.Uint32(hdr[4:8]))-4, info.Size())

	var frames uint32
	var usPerFrame uint32
	err = walkRIFF(f, 12, end, func(c riffChunk, list string) error {
		switch {
		case list == "hdrl":
			return walkRIFF(f, c.offset+4, c.offset+c.size, func(c riffChunk, list string) error {
				switch {
				case c.id == "avih" && c.size >= 40:
					p, err := readChunk(f, c, 40)
					if err != nil {
						return err
					}
					usPerFrame = binary.LittleEndian.Uint32(p[0:4])
					frames = binary.LittleEndian.Uint32(p[16:20])
				case list == "strl":
					if t, ok := parseStreamList(f, c); ok {
						a.Tracks = append(a.Tracks, t)
					}
				case list == "INFO":
					items, err := parseInfoList(f, c)
					if err != nil {
						return err
					}
					a.Metadata = append(a.Metadata, items...)
				case c.id == "IDIT":
					a.Metadata = append(a.Metadata, Item{Space: "riff", Key: "IDIT"})
				}
				return nil
			})
		case list == "INFO":
			items, err := parseInfoList(f, c)
			if err != nil {
				return err
			}
			a.Metadata = append(a.Metadata, items...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.Duration = time.Duration(frames) * time.Duration(usPerFrame) * time.Microsecond
	perKind := map[TrackKind]int{}
	for i := range a.Tracks {
		t := &a.Tracks[i]
		t.ID = uint32(i)
		t.Index = perKind[t.Kind]
		perKind[t.Kind]++
		if t.Duration == 0 {
			t.Duration = a.Duration
		}
	}
	return a, nil
}

// walkRIFF visits chunks in [start, end). For LIST chunks list holds the
// list type and c.offset points at it.
func walkRIFF(r io.ReaderAt, start, end int64, fn func(c riffChunk, list string) error) error {
	var hdr [12]byte
	for pos := start; pos+8 <= end; {
		n, err := r.ReadAt(hdr[:], pos)
		if n < 8 {
			if err == nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		c := riffChunk{
			id:     string(hdr[0:4]),
			offset: pos + 8,
			size:   int64(binary.LittleEndian.Uint32(hdr[4:8])),
		}
		if c.offset+c.size > end {
			c.size = end - c.offset
		}
		var list string
		if c.id == "LIST" && n >= 12 && c.size >= 4 {
			list = string(hdr[8:12])
		}
		if list != "movi" {
			if err := fn(c, list); err != nil {
				return err
			}
		}
		pos = c.offset + c.size + c.size%2
	}
	return nil
}

func readChunk(r io.ReaderAt, c riffChunk, limit int64) ([]byte, error) {
	buf := make([]byte, min(c.size, limit))
	if _, err := r.ReadAt(buf, c.offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// parseStreamList reads strh and strf of one strl list.
func parseStreamList(r io.ReaderAt, list riffChunk) (Track, bool) {
	var t Track
	found := false
	walkRIFF(r, list.offset+4, list.offset+list.size, func(c riffChunk, _ string) error {
		switch c.id {
		case "strh":
			p, err := readChunk(r, c, 56)
			if err != nil || len(p) < 36 {
				return nil
			}
			found = true
			switch string(p[0:4]) {
			case "vids":
				t.Kind = TrackVideo
			case "auds":
				t.Kind = TrackAudio
			case "txts":
				t.Kind = TrackText
			default:
				t.Kind = TrackOther
			}
			t.Codec = strings.TrimRight(string(p[4:8]), "\x00 ")
			scale := binary.LittleEndian.Uint32(p[20:24])
			rate := binary.LittleEndian.Uint32(p[24:28])
			length := binary.LittleEndian.Uint32(p[32:36])
			if scale > 0 && rate > 0 {
				if t.Kind == TrackVideo {
					t.FrameRate = float64(rate) / float64(scale)
				}
				t.Duration = time.Duration(float64(length) * float64(scale) / float64(rate) * float64(time.Second))
			}
		case "strf":
			p, err := readChunk(r, c, 40)
			if err != nil {
				return nil
			}
			switch t.Kind {
			case TrackVideo:
				if len(p) >= 12 {
					t.Width = int(int32(binary.LittleEndian.Uint32(p[4:8])))
					t.Height = abs(int(int32(binary.LittleEndian.Uint32(p[8:12]))))
				}
			case TrackAudio:
				if len(p) >= 8 {
					t.Channels = int(binary.LittleEndian.Uint16(p[2:4]))
					t.SampleRate = int(binary.LittleEndian.Uint32(p[4:8]))
				}
			}
		}
		return nil
	})
	return t, found
}

// parseInfoList reads the items of a LIST INFO chunk.
func parseInfoList(r io.ReaderAt, list riffChunk) ([]Item, error) {
	var items []Item
	err := walkRIFF(r, list.offset+4, list.offset+list.size, func(c riffChunk, _ string) error {
		p, err := readChunk(r, c, 64<<10)
		if err != nil {
			return err
		}
		if val := strings.TrimRight(string(p), "\x00"); val != "" {
			items = append(items, Item{Space: "riff", Key: c.id, Value: val})
		}
		return nil
	})
	return items, err
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
