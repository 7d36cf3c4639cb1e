package video

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func mkBox(typ string, parts ...[]byte) []byte {
	payload := bytes.Join(parts, nil)
	out := u32(uint32(8 + len(payload)))
	out = append(out, typ...)
	return append(out, payload...)
}

// mkFull prefixes a version 0 full box header.
func mkFull(typ string, parts ...[]byte) []byte {
	return mkBox(typ, append([][]byte{u32(0)}, parts...)...)
}

const (
	fixtureCreated  = 0xC0FFEE01
	fixtureLocation = "+37.7749-122.4194/"
	fixtureChapter  = "Secret Chapter"
)

// mp4Fixture describes a synthetic QuickTime movie: one 64x48 video track
// with three 64-byte samples, optionally a chapter text track, location
// and title user data, and an mdta location item. moov follows mdat.
type mp4Fixture struct {
	durationMS   uint32
	location     bool
	title        bool
	mdtaLocation bool
	chapters     bool
	rotation     int
	// chapterRun overrides the first chunk of the chapter track's stsc run.
	chapterRun *uint32
}

func (f mp4Fixture) samples() [][]byte {
	out := make([][]byte, 3)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte(0x10 + i)}, 64)
	}
	return out
}

func (f mp4Fixture) chapterFirstChunk() uint32 {
	if f.chapterRun != nil {
		return *f.chapterRun
	}
	return 1
}

func (f mp4Fixture) build() []byte {
	if f.durationMS == 0 {
		f.durationMS = 3000
	}
	ftyp := mkBox("ftyp", []byte("qt  "), u32(0x200), []byte("qt  isom"))

	chapterSample := append(u16(uint16(len(fixtureChapter))), fixtureChapter...)
	media := bytes.Join(f.samples(), nil)
	chapterOff := uint32(len(ftyp) + 8 + len(media))
	if f.chapters {
		media = append(media, chapterSample...)
	}
	mdat := mkBox("mdat", media)
	videoOff := uint32(len(ftyp) + 8)

	mvhd := mkFull("mvhd", u32(fixtureCreated), u32(fixtureCreated), u32(1000), u32(f.durationMS), make([]byte, 80))

	videoTrak := mkBox("trak",
		f.tkhd(1),
		f.tref(),
		mkBox("mdia",
			mkFull("mdhd", u32(fixtureCreated), u32(fixtureCreated), u32(1000), u32(f.durationMS), u16(0x55C4), u16(0)),
			mkFull("hdlr", u32(0), []byte("vide"), make([]byte, 13)),
			mkBox("minf", mkBox("stbl",
				mkFull("stsd", u32(1), avc1Entry(64, 48)),
				mkFull("stts", u32(1), u32(3), u32(f.durationMS/3)),
				mkFull("stsc", u32(1), u32(1), u32(3), u32(1)),
				mkFull("stsz", u32(0), u32(3), u32(64), u32(64), u32(64)),
				mkFull("stco", u32(1), u32(videoOff)),
			)),
		),
	)
	moovParts := [][]byte{mvhd, videoTrak}

	if f.chapters {
		textEntry := mkBox("text", make([]byte, 8))
		moovParts = append(moovParts, mkBox("trak",
			f.tkhd(2),
			mkBox("mdia",
				mkFull("mdhd", u32(0), u32(0), u32(1000), u32(f.durationMS), u16(0x55C4), u16(0)),
				mkFull("hdlr", u32(0), []byte("text"), make([]byte, 13)),
				mkBox("minf", mkBox("stbl",
					mkFull("stsd", u32(1), textEntry),
					mkFull("stts", u32(1), u32(1), u32(f.durationMS)),
					mkFull("stsc", u32(1), u32(f.chapterFirstChunk()), u32(1), u32(1)),
					mkFull("stsz", u32(0), u32(1), u32(uint32(len(chapterSample)))),
					mkFull("stco", u32(1), u32(chapterOff)),
				)),
			),
		))
	}

	var udta [][]byte
	if f.location {
		udta = append(udta, mkBox("\xa9xyz", u16(uint16(len(fixtureLocation))), u16(0x15C7), []byte(fixtureLocation)))
	}
	if f.title {
		udta = append(udta, mkBox("\xa9nam", u16(7), u16(0), []byte("Holiday")))
	}
	if len(udta) > 0 {
		moovParts = append(moovParts, mkBox("udta", udta...))
	}
	if f.mdtaLocation {
		key := "com.apple.quicktime.location.ISO6709"
		moovParts = append(moovParts, mkFull("meta",
			mkFull("hdlr", u32(0), []byte("mdta"), make([]byte, 13)),
			mkFull("keys", u32(1), mkBox("mdta", []byte(key))),
			mkBox("ilst", mkBox(string(u32(1)), mkBox("data", u32(1), u32(0), []byte(fixtureLocation)))),
		))
	}
	moov := mkBox("moov", moovParts...)
	return bytes.Join([][]byte{ftyp, mdat, moov}, nil)
}

func (f mp4Fixture) tkhd(id uint32) []byte {
	matrix := make([]byte, 36)
	a, b, c, d := int32(1<<16), int32(0), int32(0), int32(1<<16)
	switch f.rotation {
	case 90:
		a, b, c, d = 0, 1<<16, -(1 << 16), 0
	case 180:
		a, d = -(1 << 16), -(1 << 16)
	case 270:
		a, b, c, d = 0, -(1 << 16), 1<<16, 0
	}
	binary.BigEndian.PutUint32(matrix[0:], uint32(a))
	binary.BigEndian.PutUint32(matrix[4:], uint32(b))
	binary.BigEndian.PutUint32(matrix[12:], uint32(c))
	binary.BigEndian.PutUint32(matrix[16:], uint32(d))
	binary.BigEndian.PutUint32(matrix[32:], 1<<30)
	return mkFull("tkhd",
		u32(fixtureCreated), u32(fixtureCreated), u32(id), u32(0), u32(f.durationMS),
		make([]byte, 8), u16(0), u16(0), u16(0), u16(0),
		matrix, u32(64<<16), u32(48<<16))
}

func (f mp4Fixture) tref() []byte {
	if !f.chapters {
		return nil
	}
	return mkBox("tref", mkBox("chap", u32(2)))
}

func avc1Entry(w, h uint16) []byte {
	return mkBox("avc1",
		make([]byte, 6), u16(1),
		make([]byte, 16),
		u16(w), u16(h),
		u32(0x00480000), u32(0x00480000), u32(0), u16(1),
		make([]byte, 32), u16(0x18), u16(0xFFFF),
	)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// ─── Matroska ────────────────────────────────────────────────────────────────

// ebmlElem writes an element with an eight-byte size.
func ebmlElem(id uint32, parts ...[]byte) []byte {
	payload := bytes.Join(parts, nil)
	var out []byte
	switch {
	case id > 0xFFFFFF:
		out = u32(id)
	case id > 0xFFFF:
		out = []byte{byte(id >> 16), byte(id >> 8), byte(id)}
	case id > 0xFF:
		out = u16(uint16(id))
	default:
		out = []byte{byte(id)}
	}
	size := binary.BigEndian.AppendUint64(nil, uint64(len(payload)))
	size[0] = 0x01
	out = append(out, size...)
	return append(out, payload...)
}

func ebmlU(id uint32, v uint64) []byte {
	return ebmlElem(id, binary.BigEndian.AppendUint64(nil, v))
}

func ebmlF(id uint32, v float64) []byte {
	return ebmlElem(id, binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
}

func ebmlS(id uint32, s string) []byte {
	return ebmlElem(id, []byte(s))
}

func buildWebM() []byte {
	header := ebmlElem(ebmlIDHeader, ebmlS(ebmlIDDocType, "webm"))
	segment := ebmlElem(ebmlIDSegment,
		ebmlElem(ebmlIDInfo,
			ebmlU(ebmlIDTimecodeScale, 1_000_000),
			ebmlF(ebmlIDDuration, 2500),
			ebmlS(ebmlIDTitle, "Holiday"),
			ebmlS(0x4D80, "Lavf"), // MuxingApp
		),
		ebmlElem(ebmlIDTracks,
			ebmlElem(ebmlIDTrackEntry,
				ebmlU(ebmlIDTrackNumber, 1),
				ebmlU(ebmlIDTrackType, 1),
				ebmlS(ebmlIDCodecID, "V_VP9"),
				ebmlU(ebmlIDDefaultDuration, 40_000_000),
				ebmlElem(ebmlIDVideo,
					ebmlU(ebmlIDPixelWidth, 320),
					ebmlU(ebmlIDPixelHeight, 240),
					ebmlElem(ebmlIDColour,
						ebmlU(ebmlIDPrimaries, 9),
						ebmlU(ebmlIDTransfer, 16),
						ebmlU(ebmlIDMatrix, 9),
					),
				),
			),
			ebmlElem(ebmlIDTrackEntry,
				ebmlU(ebmlIDTrackNumber, 2),
				ebmlU(ebmlIDTrackType, 2),
				ebmlS(ebmlIDCodecID, "A_OPUS"),
				ebmlElem(ebmlIDAudio,
					ebmlF(ebmlIDSamplingFreq, 48000),
					ebmlU(ebmlIDChannels, 2),
				),
			),
		),
		ebmlElem(ebmlIDTags,
			ebmlElem(ebmlIDTag,
				ebmlElem(ebmlIDSimpleTag, ebmlS(ebmlIDTagName, "LOCATION"), ebmlS(ebmlIDTagString, fixtureLocation)),
				ebmlElem(ebmlIDSimpleTag, ebmlS(ebmlIDTagName, "ENCODER"), ebmlS(ebmlIDTagString, "Lavf")),
			),
		),
		ebmlElem(ebmlIDChapters,
			ebmlElem(ebmlIDEditionEntry,
				ebmlElem(ebmlIDChapterAtom, ebmlU(0x73C4, 1)),
				ebmlElem(ebmlIDChapterAtom, ebmlU(0x73C4, 2)),
			),
		),
		ebmlElem(ebmlIDAttachments,
			ebmlElem(ebmlIDAttachedFile,
				ebmlS(ebmlIDFileName, "cover.jpg"),
				ebmlS(ebmlIDFileMediaType, "image/jpeg"),
			),
		),
	)
	// a streamed cluster ends the walk
	cluster := append(u32(ebmlIDCluster), 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	cluster = append(cluster, bytes.Repeat([]byte{0xA3}, 32)...)
	return bytes.Join([][]byte{header, segment, cluster}, nil)
}

// ─── AVI ─────────────────────────────────────────────────────────────────────

func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

func riff(id string, parts ...[]byte) []byte {
	payload := bytes.Join(parts, nil)
	out := append([]byte(id), le32(uint32(len(payload)))...)
	out = append(out, payload...)
	if len(payload)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func riffList(typ string, parts ...[]byte) []byte {
	return riff("LIST", append([][]byte{[]byte(typ)}, parts...)...)
}

func buildAVI() []byte {
	avih := make([]byte, 56)
	binary.LittleEndian.PutUint32(avih[0:], 40000) // 25 fps
	binary.LittleEndian.PutUint32(avih[16:], 50)
	binary.LittleEndian.PutUint32(avih[24:], 2)
	binary.LittleEndian.PutUint32(avih[32:], 320)
	binary.LittleEndian.PutUint32(avih[36:], 240)

	strh := func(typ, handler string, scale, rate, length uint32) []byte {
		p := make([]byte, 56)
		copy(p[0:], typ)
		copy(p[4:], handler)
		binary.LittleEndian.PutUint32(p[20:], scale)
		binary.LittleEndian.PutUint32(p[24:], rate)
		binary.LittleEndian.PutUint32(p[32:], length)
		return riff("strh", p)
	}
	bih := bytes.Join([][]byte{le32(40), le32(320), le32(240), le16(1), le16(24), []byte("H264"), make([]byte, 20)}, nil)
	wfx := bytes.Join([][]byte{le16(1), le16(2), le32(44100), le32(176400), le16(4), le16(16)}, nil)

	body := bytes.Join([][]byte{
		[]byte("AVI "),
		riffList("hdrl",
			riff("avih", avih),
			riffList("strl", strh("vids", "H264", 1, 25, 50), riff("strf", bih)),
			riffList("strl", strh("auds", "", 1, 44100, 88200), riff("strf", wfx)),
		),
		riffList("INFO",
			riff("INAM", []byte("Trip\x00")),
			riff("ICRD", []byte("2024-05-01\x00")),
		),
		riffList("movi", riff("00dc", bytes.Repeat([]byte{0xEE}, 100))),
	}, nil)
	return append(append([]byte("RIFF"), le32(uint32(len(body)))...), body...)
}
