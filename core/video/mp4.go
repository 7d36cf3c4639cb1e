package video

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bogem/id3v2/v2"
	"github.com/dhowden/tag"
	"golang.org/x/text/encoding/charmap"
)

// iTunes metadata atom names → human-readable
var itunesAtomNames = map[string]string{
	"\xa9nam": "Title",
	"\xa9ART": "Artist",
	"\xa9alb": "Album",
	"\xa9day": "Year",
	"\xa9gen": "Genre",
	"\xa9cmt": "Comment",
	"\xa9lyr": "Lyrics",
	"\xa9too": "EncodingTool",
	"\xa9wrt": "Composer",
	"\xa9xyz": "©xyz",
	"aART":    "AlbumArtist",
	"cprt":    "Copyright",
	"desc":    "Description",
	"ldes":    "LongDescription",
	"tvsh":    "TVShowName",
	"tvsn":    "TVSeason",
	"tves":    "TVEpisode",
	"tven":    "TVEpisodeName",
	"purl":    "PodcastURL",
	"catg":    "Category",
	"keyw":    "Keywords",
	"cpil":    "Compilation",
	"tmpo":    "BPM",
	"hdvd":    "HDVideo",
	"stik":    "MediaKind",
	"rtng":    "ContentRating",
	"covr":    "CoverArt",
}

// xmpUUID marks a top-level uuid box holding an XMP packet.
var xmpUUID = []byte{0xBE, 0x7A, 0xCF, 0xCB, 0x97, 0xA9, 0x42, 0xE8, 0x9C, 0x71, 0x99, 0x94, 0x91, 0xE3, 0xAF, 0xAC}

var errTruncatedBox = errors.New("truncated box")

// ─── In-memory box tree ──────────────────────────────────────────────────────

// box is one atom of the moov tree. Containers hold parsed children,
// leaves hold their raw payload.
type box struct {
	typ       string
	data      []byte
	children  []*box
	container bool
}

var containerTypes = map[string]bool{
	"moov": true,
	"trak": true,
	"mdia": true,
	"minf": true,
	"stbl": true,
	"edts": true,
	"dinf": true,
	"udta": true,
	"tref": true,
	"mvex": true,
}

func parseBoxes(data []byte) ([]*box, error) {
	var out []*box
	for i := 0; i < len(data); {
		if len(data)-i < 8 {
			// QuickTime user data may end with a 32-bit zero terminator
			break
		}
		size := uint64(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		hdr := uint64(8)
		switch size {
		case 0:
			size = uint64(len(data) - i)
		case 1:
			if len(data)-i < 16 {
				return out, errTruncatedBox
			}
			size = binary.BigEndian.Uint64(data[i+8 : i+16])
			hdr = 16
		}
		if size < hdr || uint64(i)+size > uint64(len(data)) {
			return out, fmt.Errorf("%w: %q", errTruncatedBox, typ)
		}
		payload := data[i+int(hdr) : i+int(size)]
		b := &box{typ: typ, data: payload}
		if containerTypes[typ] {
			if children, err := parseBoxes(payload); err == nil {
				b.children, b.data, b.container = children, nil, true
			}
		}
		out = append(out, b)
		i += int(size)
	}
	return out, nil
}

func (b *box) size() int {
	n := 8
	if b.container {
		for _, c := range b.children {
			n += c.size()
		}
		return n
	}
	return n + len(b.data)
}

func (b *box) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(b.size()))
	dst = append(dst, b.typ...)
	if !b.container {
		return append(dst, b.data...)
	}
	for _, c := range b.children {
		dst = c.appendTo(dst)
	}
	return dst
}

func (b *box) child(typ string) *box {
	if b == nil {
		return nil
	}
	for _, c := range b.children {
		if c.typ == typ {
			return c
		}
	}
	return nil
}

func (b *box) path(types ...string) *box {
	for _, t := range types {
		b = b.child(t)
	}
	return b
}

// atomName decodes a four-character code; © atoms use Mac Roman 0xA9.
func atomName(typ string) string {
	if s, err := charmap.Macintosh.NewDecoder().String(typ); err == nil {
		return s
	}
	return typ
}

// ─── Top-level scan ──────────────────────────────────────────────────────────

type atom struct {
	typ    string
	offset int64
	size   int64
	hdr    int64
}

func (a atom) payloadStart() int64 { return a.offset + a.hdr }
func (a atom) end() int64          { return a.offset + a.size }

// scanAtoms lists top-level atoms by reading headers only.
func scanAtoms(r io.ReaderAt, fileSize int64) ([]atom, error) {
	var out []atom
	var hdr [16]byte
	for pos := int64(0); pos+8 <= fileSize; {
		if _, err := r.ReadAt(hdr[:8], pos); err != nil {
			return out, err
		}
		a := atom{typ: string(hdr[4:8]), offset: pos, size: int64(binary.BigEndian.Uint32(hdr[0:4])), hdr: 8}
		switch a.size {
		case 0:
			a.size = fileSize - pos
		case 1:
			if _, err := r.ReadAt(hdr[8:16], pos+8); err != nil {
				return out, err
			}
			a.size = int64(binary.BigEndian.Uint64(hdr[8:16]))
			a.hdr = 16
		}
		if a.size < a.hdr || pos+a.size > fileSize {
			return out, fmt.Errorf("%w: top-level %q", errTruncatedBox, a.typ)
		}
		out = append(out, a)
		pos += a.size
	}
	return out, nil
}

func findAtom(atoms []atom, typ string) (atom, bool) {
	for _, a := range atoms {
		if a.typ == typ {
			return a, true
		}
	}
	return atom{}, false
}

const maxMoovSize = 256 << 20

func readMoov(r io.ReaderAt, atoms []atom) (*box, error) {
	a, ok := findAtom(atoms, "moov")
	if !ok {
		return nil, errors.New("no moov atom")
	}
	n := a.size - a.hdr
	if n > maxMoovSize {
		return nil, fmt.Errorf("moov atom too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, a.payloadStart()); err != nil {
		return nil, err
	}
	children, err := parseBoxes(buf)
	if err != nil {
		return nil, err
	}
	return &box{typ: "moov", children: children, container: true}, nil
}

// ─── Prober ──────────────────────────────────────────────────────────────────

// MP4Prober reads ISO BMFF and QuickTime containers natively.
type MP4Prober struct{}

func (MP4Prober) Probe(ctx context.Context, path string) (*Asset, error) {
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
	atoms, err := scanAtoms(f, info.Size())
	if err != nil {
		return nil, err
	}
	moov, err := readMoov(f, atoms)
	if err != nil {
		return nil, err
	}
	a := parseMovie(moov)
	a.Path = path
	a.Container = "mp4"

	for _, top := range atoms {
		switch top.typ {
		case "uuid":
			var id [16]byte
			if _, err := f.ReadAt(id[:], top.payloadStart()); err == nil && bytes.Equal(id[:], xmpUUID) {
				a.Metadata = append(a.Metadata, Item{Space: "xmp", Key: "XMP"})
			}
		case "udta", "meta":
			a.Metadata = append(a.Metadata, Item{Space: "udta", Key: top.typ})
		}
	}

	// dhowden/tag understands more iTunes item encodings than the native
	// walk; it only ever adds detail.
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if m, err := tag.ReadAtoms(f); err == nil && m.Picture() != nil {
			a.CoverArt = true
		}
	}
	return a, nil
}

// parseMovie extracts timing, tracks and metadata from a moov tree.
func parseMovie(moov *box) *Asset {
	a := &Asset{}
	if mvhd := moov.child("mvhd"); mvhd != nil {
		a.Duration = headerDuration(mvhd.data)
	}

	chpl := 0
	for _, c := range moov.children {
		switch c.typ {
		case "udta":
			m := parseUserData(c)
			a.Metadata = append(a.Metadata, m.items...)
			a.ID3Frames += m.id3
			a.CoverArt = a.CoverArt || m.cover
			chpl = max(chpl, m.chapters)
		case "meta":
			m := parseMeta(c.data)
			a.Metadata = append(a.Metadata, m.items...)
			a.ID3Frames += m.id3
			a.CoverArt = a.CoverArt || m.cover
		case "trak":
			a.Tracks = append(a.Tracks, parseTrack(c))
		}
	}

	chapterIDs := map[uint32]bool{}
	for _, t := range a.Tracks {
		for _, id := range t.Chapters {
			chapterIDs[id] = true
		}
	}
	perKind := map[TrackKind]int{}
	chapterSamples := 0
	for i := range a.Tracks {
		t := &a.Tracks[i]
		if chapterIDs[t.ID] {
			chapterSamples += t.SampleCount
		}
		t.Index = perKind[t.Kind]
		perKind[t.Kind]++
	}
	a.Chapters = max(chpl, chapterSamples)
	return a
}

// headerDuration reads timescale and duration from mvhd or mdhd.
func headerDuration(p []byte) time.Duration {
	if len(p) < 20 {
		return 0
	}
	var scale uint32
	var dur uint64
	if p[0] == 1 {
		if len(p) < 32 {
			return 0
		}
		scale = binary.BigEndian.Uint32(p[20:24])
		dur = binary.BigEndian.Uint64(p[24:32])
	} else {
		scale = binary.BigEndian.Uint32(p[12:16])
		dur = uint64(binary.BigEndian.Uint32(p[16:20]))
	}
	if scale == 0 || dur == 0xFFFFFFFF || dur == 0xFFFFFFFFFFFFFFFF {
		return 0
	}
	return time.Duration(float64(dur) / float64(scale) * float64(time.Second))
}

func trackKind(handler string) TrackKind {
	switch handler {
	case "vide":
		return TrackVideo
	case "soun":
		return TrackAudio
	case "text", "sbtl", "subt":
		return TrackText
	case "tmcd":
		return TrackTimecode
	case "meta":
		return TrackMetadata
	}
	return TrackOther
}

func parseTrack(trak *box) Track {
	var t Track
	if tkhd := trak.child("tkhd"); tkhd != nil && len(tkhd.data) >= 24 {
		t.ID = trackID(trak)
		matrix := 40
		if tkhd.data[0] == 1 {
			matrix = 52
		}
		if len(tkhd.data) >= matrix+36 {
			t.Rotation = matrixRotation(tkhd.data[matrix : matrix+36])
		}
	}
	mdia := trak.child("mdia")
	if mdhd := mdia.child("mdhd"); mdhd != nil {
		t.Duration = headerDuration(mdhd.data)
	}
	if hdlr := mdia.child("hdlr"); hdlr != nil && len(hdlr.data) >= 12 {
		t.Handler = string(hdlr.data[8:12])
	}
	t.Kind = trackKind(t.Handler)

	stbl := mdia.path("minf", "stbl")
	if stsd := stbl.child("stsd"); stsd != nil {
		parseSampleDescription(&t, stsd.data)
	}
	if stsz := stbl.child("stsz"); stsz != nil {
		sizes, _ := sampleSizes(stsz.data)
		t.SampleCount = len(sizes)
		for _, s := range sizes {
			t.DataSize += int64(s)
		}
	}
	if chap := trak.path("tref", "chap"); chap != nil {
		for i := 0; i+4 <= len(chap.data); i += 4 {
			t.Chapters = append(t.Chapters, binary.BigEndian.Uint32(chap.data[i:i+4]))
		}
	}
	for _, c := range trak.children {
		switch c.typ {
		case "udta":
			t.Metadata = append(t.Metadata, parseUserData(c).items...)
		case "meta":
			t.Metadata = append(t.Metadata, parseMeta(c.data).items...)
		}
	}
	return t
}

// matrixRotation maps a tkhd display matrix to clockwise degrees.
func matrixRotation(m []byte) int {
	a := int32(binary.BigEndian.Uint32(m[0:4]))
	b := int32(binary.BigEndian.Uint32(m[4:8]))
	const one = 1 << 16
	switch {
	case a == 0 && b == one:
		return 90
	case a == -one && b == 0:
		return 180
	case a == 0 && b == -one:
		return 270
	}
	return 0
}

// parseSampleDescription reads the first stsd entry.
func parseSampleDescription(t *Track, p []byte) {
	if len(p) < 16 {
		return
	}
	size := int(binary.BigEndian.Uint32(p[8:12]))
	if size < 8 || 8+size > len(p) {
		return
	}
	entry := p[8 : 8+size]
	t.Codec = string(entry[4:8])
	switch t.Kind {
	case TrackVideo:
		if len(entry) < 86 {
			return
		}
		t.Width = int(binary.BigEndian.Uint16(entry[32:34]))
		t.Height = int(binary.BigEndian.Uint16(entry[34:36]))
		ext, _ := parseBoxes(entry[86:])
		for _, b := range ext {
			if b.typ == "colr" {
				t.Color = parseColr(b.data)
			}
		}
	case TrackAudio:
		if len(entry) < 36 {
			return
		}
		t.Channels = int(binary.BigEndian.Uint16(entry[24:26]))
		t.SampleRate = int(binary.BigEndian.Uint16(entry[32:34]))
	case TrackMetadata:
		// timed metadata (mebx) declares its keys in the sample entry
		if bytes.Contains(entry, []byte("location.ISO6709")) {
			t.Metadata = append(t.Metadata, Item{Space: "mdta", Key: "com.apple.quicktime.location.ISO6709"})
		}
	}
}

func parseColr(p []byte) *ColorInfo {
	if len(p) < 10 {
		return nil
	}
	switch string(p[0:4]) {
	case "nclx", "nclc":
	default:
		return nil
	}
	c := &ColorInfo{
		Primaries: binary.BigEndian.Uint16(p[4:6]),
		Transfer:  binary.BigEndian.Uint16(p[6:8]),
		Matrix:    binary.BigEndian.Uint16(p[8:10]),
	}
	if string(p[0:4]) == "nclx" && len(p) >= 11 {
		c.FullRange = p[10]&0x80 != 0
	}
	return c
}

// ─── Metadata atoms ──────────────────────────────────────────────────────────

type metaScan struct {
	items    []Item
	id3      int
	cover    bool
	chapters int
}

func (m *metaScan) merge(o metaScan) {
	m.items = append(m.items, o.items...)
	m.id3 += o.id3
	m.cover = m.cover || o.cover
	m.chapters = max(m.chapters, o.chapters)
}

// parseUserData reads a QuickTime udta container.
func parseUserData(udta *box) metaScan {
	var m metaScan
	if !udta.container {
		m.items = append(m.items, Item{Space: "udta", Key: "udta"})
		return m
	}
	for _, c := range udta.children {
		switch {
		case c.typ == "meta":
			m.merge(parseMeta(c.data))
		case c.typ == "chpl":
			m.chapters = countNeroChapters(c.data)
		case c.typ == "ID32":
			m.id3 += countID3Frames(c.data)
		case len(c.typ) == 4 && c.typ[0] == 0xA9:
			m.items = append(m.items, Item{Space: "udta", Key: atomName(c.typ), Value: decodeUserDataText(c.data)})
		default:
			m.items = append(m.items, Item{Space: "udta", Key: atomName(c.typ)})
		}
	}
	return m
}

// decodeUserDataText reads the first [size][language][text] record of a
// © atom. Language codes below 0x400 are Macintosh codes, so the text
// is Mac Roman; otherwise it is UTF-8.
func decodeUserDataText(p []byte) string {
	if len(p) < 4 {
		return ""
	}
	n := int(binary.BigEndian.Uint16(p[0:2]))
	lang := binary.BigEndian.Uint16(p[2:4])
	if 4+n > len(p) {
		n = len(p) - 4
	}
	text := p[4 : 4+n]
	if lang < 0x400 {
		if s, err := charmap.Macintosh.NewDecoder().Bytes(text); err == nil {
			return string(s)
		}
	}
	return string(text)
}

// parseMeta reads a meta box payload. ISO meta is a full box; QuickTime
// meta in moov starts directly with hdlr.
func parseMeta(p []byte) metaScan {
	var m metaScan
	if len(p) >= 8 && string(p[4:8]) != "hdlr" {
		p = p[4:]
	}
	children, _ := parseBoxes(p)

	var handler string
	var keys []string
	for _, c := range children {
		switch c.typ {
		case "hdlr":
			if len(c.data) >= 12 {
				handler = string(c.data[8:12])
			}
		case "keys":
			keys = parseKeys(c.data)
		}
	}
	for _, c := range children {
		switch c.typ {
		case "ilst":
			items, cover := parseItemList(c.data, handler, keys)
			m.items = append(m.items, items...)
			m.cover = m.cover || cover
		case "ID32":
			m.id3 += countID3Frames(c.data)
		}
	}
	return m
}

func parseKeys(p []byte) []string {
	if len(p) < 8 {
		return nil
	}
	count := int(binary.BigEndian.Uint32(p[4:8]))
	var keys []string
	for i, pos := 0, 8; i < count && pos+8 <= len(p); i++ {
		size := int(binary.BigEndian.Uint32(p[pos : pos+4]))
		if size < 8 || pos+size > len(p) {
			break
		}
		keys = append(keys, string(p[pos+8:pos+size]))
		pos += size
	}
	return keys
}

// parseItemList reads ilst children. Under an mdta handler the child type
// is a 1-based index into keys.
func parseItemList(p []byte, handler string, keys []string) ([]Item, bool) {
	children, _ := parseBoxes(p)
	var items []Item
	cover := false
	for _, c := range children {
		it := Item{Space: "itunes", Key: atomName(c.typ)}
		if name, ok := itunesAtomNames[c.typ]; ok {
			it.Key = name
		}
		if handler == "mdta" {
			idx := int(binary.BigEndian.Uint32([]byte(c.typ)))
			it.Space = "mdta"
			if idx >= 1 && idx <= len(keys) {
				it.Key = keys[idx-1]
			}
		}
		if c.typ == "covr" {
			cover = true
		}
		it.Value = itemValue(c.data)
		items = append(items, it)
	}
	return items, cover
}

// itemValue returns the UTF-8 payload of the first data atom.
func itemValue(p []byte) string {
	children, _ := parseBoxes(p)
	for _, c := range children {
		if c.typ == "data" && len(c.data) >= 8 && binary.BigEndian.Uint32(c.data[0:4])&0xFFFFFF == 1 {
			return string(c.data[8:])
		}
	}
	return ""
}

// countID3Frames parses an ID32 box: full box header, packed language,
// then an ID3v2 tag.
func countID3Frames(p []byte) int {
	if len(p) < 6 {
		return 0
	}
	t, err := id3v2.ParseReader(bytes.NewReader(p[6:]), id3v2.Options{Parse: true})
	if err != nil {
		return 0
	}
	n := 0
	for _, frames := range t.AllFrames() {
		n += len(frames)
	}
	return n
}

// countNeroChapters reads a chpl box.
func countNeroChapters(p []byte) int {
	if len(p) < 5 {
		return 0
	}
	pos := 4
	if p[0] == 1 {
		pos += 4
	}
	if pos >= len(p) {
		return 0
	}
	return int(p[pos])
}

// ─── Sample tables ───────────────────────────────────────────────────────────

type byteRange struct {
	off  int64
	size int64
}

func (r byteRange) end() int64 { return r.off + r.size }

func sampleSizes(stsz []byte) ([]uint32, error) {
	if len(stsz) < 12 {
		return nil, errTruncatedBox
	}
	fixed := binary.BigEndian.Uint32(stsz[4:8])
	count := int(binary.BigEndian.Uint32(stsz[8:12]))
	if fixed != 0 {
		sizes := make([]uint32, min(count, 1<<24))
		for i := range sizes {
			sizes[i] = fixed
		}
		return sizes, nil
	}
	if 12+count*4 > len(stsz) {
		return nil, errTruncatedBox
	}
	sizes := make([]uint32, count)
	for i := range sizes {
		sizes[i] = binary.BigEndian.Uint32(stsz[12+i*4:])
	}
	return sizes, nil
}

func chunkOffsets(b *box) ([]int64, error) {
	p := b.data
	if len(p) < 8 {
		return nil, errTruncatedBox
	}
	count := int(binary.BigEndian.Uint32(p[4:8]))
	width := 4
	if b.typ == "co64" {
		width = 8
	}
	if 8+count*width > len(p) {
		return nil, errTruncatedBox
	}
	out := make([]int64, count)
	for i := range out {
		if width == 8 {
			out[i] = int64(binary.BigEndian.Uint64(p[8+i*8:]))
		} else {
			out[i] = int64(binary.BigEndian.Uint32(p[8+i*4:]))
		}
	}
	return out, nil
}

func chunkOffsetBox(stbl *box) *box {
	if b := stbl.child("stco"); b != nil {
		return b
	}
	return stbl.child("co64")
}

// sampleRanges resolves every sample of a track to its file byte range.
func sampleRanges(stbl *box) ([]byteRange, error) {
	stsz, stsc, co := stbl.child("stsz"), stbl.child("stsc"), chunkOffsetBox(stbl)
	if stsz == nil || stsc == nil || co == nil {
		return nil, errors.New("incomplete sample table")
	}
	sizes, err := sampleSizes(stsz.data)
	if err != nil {
		return nil, err
	}
	offsets, err := chunkOffsets(co)
	if err != nil {
		return nil, err
	}
	p := stsc.data
	if len(p) < 8 {
		return nil, errTruncatedBox
	}
	entries := int(binary.BigEndian.Uint32(p[4:8]))
	if 8+entries*12 > len(p) {
		return nil, errTruncatedBox
	}
	type run struct{ first, perChunk int }
	runs := make([]run, entries)
	for i := range runs {
		runs[i] = run{
			first:    int(binary.BigEndian.Uint32(p[8+i*12:])),
			perChunk: int(binary.BigEndian.Uint32(p[12+i*12:])),
		}
		// runs are 1-based, strictly increasing and inside the offset table
		if runs[i].first < 1 || runs[i].first > len(offsets) || (i > 0 && runs[i].first <= runs[i-1].first) {
			return nil, fmt.Errorf("%w: stsc run %d starts at chunk %d", errTruncatedBox, i, runs[i].first)
		}
	}

	var out []byteRange
	sample := 0
	for r := range runs {
		last := len(offsets)
		if r+1 < len(runs) {
			last = runs[r+1].first - 1
		}
		for chunk := runs[r].first; chunk <= last && chunk-1 < len(offsets); chunk++ {
			off := offsets[chunk-1]
			for s := 0; s < runs[r].perChunk && sample < len(sizes); s++ {
				out = append(out, byteRange{off: off, size: int64(sizes[sample])})
				off += int64(sizes[sample])
				sample++
			}
		}
	}
	return out, nil
}
