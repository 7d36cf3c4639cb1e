package image

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/xml"
	"io"
	"sort"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/metakill/metakill/core"
)

// scan is everything the inspector learns about one encoded image. The
// sanitizer reuses the orientation and colour information.
type scan struct {
	format      core.FormatID
	exifFields  int
	gpsFields   int
	orientation int
	thumbnail   bool
	iptcFields  int
	xmpFields   int
	pngText     int
	icc         []byte
	colorSpace  ColorSpace
	explicitCS  bool // colour space declared by ICC, nclx or sRGB chunk
}

// Inspect reports the metadata categories present in an encoded image.
// It never fails: unreadable structures simply produce fewer findings.
func Inspect(data []byte, name string) core.Findings {
	return inspect(data, core.DetectBytes(data, name)).findings()
}

func inspect(data []byte, format core.FormatID) (s *scan) {
	s = &scan{format: format, orientation: 1, colorSpace: ColorSpaceSRGB}
	defer func() {
		// malformed input must degrade, not crash the pipeline
		_ = recover()
	}()

	switch {
	case format == core.FmtJPEG:
		s.scanJPEG(data)
	case format == core.FmtPNG:
		s.scanPNG(data)
	case format == core.FmtWebP:
		s.scanWebP(data)
	case format == core.FmtHEIC:
		s.scanHEIC(data)
	case format == core.FmtTIFF || core.IsRAW(format):
		s.decodeEXIF(data)
	}
	if s.icc != nil {
		s.colorSpace = profileColorSpace(s.icc)
		s.explicitCS = true
	}
	return s
}

func (s *scan) findings() core.Findings {
	var out core.Findings
	add := func(kind core.MetadataKind, n int) {
		if n > 0 {
			out = append(out, core.NewFinding(kind, n))
		}
	}
	add(core.MetaEXIF, s.exifFields)
	add(core.MetaGPS, s.gpsFields)
	add(core.MetaIPTC, s.iptcFields)
	add(core.MetaXMP, s.xmpFields)
	if s.orientation > 1 && s.orientation <= 8 {
		add(core.MetaOrientation, 1)
	}
	if s.explicitCS {
		add(core.MetaColorProfile, 1)
	}
	if s.thumbnail {
		add(core.MetaThumbnail, 1)
	}
	add(core.MetaPNGText, s.pngText)
	return out
}

// ─── EXIF ────────────────────────────────────────────────────────────────────

// exifCounter splits walked fields into GPS and non-GPS counts. IFD
// pointers are structure, not fields.
type exifCounter struct {
	exif int
	gps  int
}

func (c *exifCounter) Walk(name exif.FieldName, tag *tiff.Tag) error {
	n := string(name)
	switch {
	case strings.HasSuffix(n, "IFDPointer"):
	case strings.HasPrefix(n, "GPS"):
		c.gps++
	default:
		c.exif++
	}
	return nil
}

// decodeEXIF accepts a raw "Exif\0\0" block, a bare TIFF stream or a JPEG.
func (s *scan) decodeEXIF(raw []byte) {
	x, err := exif.Decode(bytes.NewReader(raw))
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		return
	}
	var c exifCounter
	if err := x.Walk(&c); err != nil {
		return
	}
	s.exifFields += c.exif
	s.gpsFields += c.gps
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			s.orientation = v
		}
	}
	if _, err := x.JpegThumbnail(); err == nil {
		s.thumbnail = true
	}
}

// ─── JPEG ────────────────────────────────────────────────────────────────────

func (s *scan) scanJPEG(data []byte) {
	segs, err := parseJPEGSegments(data)
	if err != nil {
		return
	}
	type iccPart struct {
		seq  byte
		data []byte
	}
	var icc []iccPart
	for _, seg := range segs {
		switch {
		case seg.marker == markerAPP1 && bytes.HasPrefix(seg.data, exifPrefix):
			s.decodeEXIF(seg.data)
		case seg.marker == markerAPP1 && bytes.HasPrefix(seg.data, xmpPrefix):
			s.xmpFields += countXMPFields(seg.data[len(xmpPrefix):])
		case seg.marker == markerAPP13 && bytes.HasPrefix(seg.data, iptcPrefix):
			s.iptcFields += countIPTC(seg.data[len(iptcPrefix):])
		case seg.marker == markerAPP2 && bytes.HasPrefix(seg.data, iccPrefix) && len(seg.data) > len(iccPrefix)+2:
			body := seg.data[len(iccPrefix):]
			icc = append(icc, iccPart{seq: body[0], data: body[2:]})
		}
	}
	if len(icc) > 0 {
		sort.SliceStable(icc, func(i, j int) bool { return icc[i].seq < icc[j].seq })
		var profile []byte
		for _, p := range icc {
			profile = append(profile, p.data...)
		}
		s.icc = profile
	}
}

// ─── XMP ─────────────────────────────────────────────────────────────────────

// countXMPFields counts property attributes and leaf elements. A packet
// that is present but unparseable still counts as one field.
func countXMPFields(data []byte) int {
	dec := xml.NewDecoder(bytes.NewReader(data))
	n := 0
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || strings.HasPrefix(attr.Name.Local, "xmlns") || attr.Name.Local == "about" {
					continue
				}
				if attr.Value != "" {
					n++
				}
			}
		case xml.CharData:
			val := strings.TrimSpace(string(t))
			if val != "" && current != "" && current != "xmpmeta" && current != "RDF" {
				n++
			}
		}
	}
	if n == 0 && len(bytes.TrimSpace(data)) > 0 {
		return 1
	}
	return n
}

// ─── IPTC ────────────────────────────────────────────────────────────────────

// countIPTC walks Photoshop 8BIM resources and counts IIM datasets in the
// IPTC-NAA resource (0x0404).
func countIPTC(data []byte) int {
	n := 0
	i := 0
	for i+8 < len(data) {
		if !bytes.Equal(data[i:i+4], []byte("8BIM")) {
			i++
			continue
		}
		resType := binary.BigEndian.Uint16(data[i+4 : i+6])
		nameLen := int(data[i+6])
		if nameLen%2 == 0 {
			nameLen++
		}
		i += 7 + nameLen
		if i+4 > len(data) {
			break
		}
		blockLen := int(binary.BigEndian.Uint32(data[i : i+4]))
		i += 4
		if resType == 0x0404 && i+blockLen <= len(data) {
			n += countIIM(data[i : i+blockLen])
		}
		i += blockLen
		if blockLen%2 != 0 {
			i++
		}
	}
	return n
}

func countIIM(data []byte) int {
	n := 0
	i := 0
	for i+5 <= len(data) {
		if data[i] != 0x1C {
			i++
			continue
		}
		record, dataset := data[i+1], data[i+2]
		length := int(binary.BigEndian.Uint16(data[i+3 : i+5]))
		i += 5
		if i+length > len(data) {
			break
		}
		if !(record == 2 && dataset == 0) { // record version is structural
			n++
		}
		i += length
	}
	return n
}

// ─── PNG ─────────────────────────────────────────────────────────────────────

const xmpPNGKeyword = "XML:com.adobe.xmp"

func (s *scan) scanPNG(data []byte) {
	chunks, _ := readPNGChunks(data)
	for _, c := range chunks {
		switch c.typ {
		case "eXIf":
			s.decodeEXIF(c.data)
		case "iTXt":
			if key, text, ok := parseITXt(c.data); ok && key == xmpPNGKeyword {
				s.xmpFields += countXMPFields(text)
				continue
			}
			s.pngText++
		case "tEXt", "zTXt", "tIME":
			s.pngText++
		case "iCCP":
			if profile := inflateICCP(c.data); profile != nil {
				s.icc = profile
			}
		case "sRGB":
			s.explicitCS = true
		}
	}
}

// parseITXt returns keyword and uncompressed text; compressed text is
// inflated.
func parseITXt(data []byte) (string, []byte, bool) {
	null := bytes.IndexByte(data, 0)
	if null <= 0 || null+3 > len(data) {
		return "", nil, false
	}
	key := string(data[:null])
	compressed := data[null+1] == 1
	rest := data[null+3:]
	for i := 0; i < 2; i++ { // language tag, translated keyword
		n := bytes.IndexByte(rest, 0)
		if n < 0 {
			return key, nil, false
		}
		rest = rest[n+1:]
	}
	if compressed {
		r, err := zlib.NewReader(bytes.NewReader(rest))
		if err != nil {
			return key, nil, false
		}
		defer r.Close()
		text, err := io.ReadAll(r)
		if err != nil {
			return key, nil, false
		}
		return key, text, true
	}
	return key, rest, true
}

func inflateICCP(data []byte) []byte {
	null := bytes.IndexByte(data, 0)
	if null <= 0 || null+2 > len(data) {
		return nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data[null+2:]))
	if err != nil {
		return nil
	}
	defer r.Close()
	profile, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return profile
}

// ─── WebP ────────────────────────────────────────────────────────────────────

func (s *scan) scanWebP(data []byte) {
	for _, c := range readWebPChunks(data) {
		switch c.id {
		case "EXIF":
			s.decodeEXIF(c.data)
		case "XMP ":
			s.xmpFields += countXMPFields(c.data)
		case "ICCP":
			s.icc = c.data
		}
	}
}

// ─── HEIC ────────────────────────────────────────────────────────────────────

type heifItem struct {
	id          uint32
	typ         string
	contentType string
}

type heifExtent struct {
	offset, length uint64
}

type heifLocation struct {
	construction uint16
	baseOffset   uint64
	extents      []heifExtent
}

func (s *scan) scanHEIC(data []byte) {
	meta, ok := findBox(readBoxes(data, 0), "meta")
	if !ok || len(meta.payload) < 4 {
		return
	}
	children := readBoxes(meta.payload[4:], meta.offset+4)

	var items []heifItem
	if iinf, ok := findBox(children, "iinf"); ok {
		items = parseIINF(iinf.payload)
	}
	var locs map[uint32]heifLocation
	if iloc, ok := findBox(children, "iloc"); ok {
		locs = parseILOC(iloc.payload)
	}
	var idat []byte
	if b, ok := findBox(children, "idat"); ok {
		idat = b.payload
	}

	for _, it := range items {
		loc, ok := locs[it.id]
		if !ok {
			continue
		}
		body := itemData(data, idat, loc)
		switch {
		case it.typ == "Exif" && len(body) > 4:
			off := int(binary.BigEndian.Uint32(body[0:4]))
			if 4+off < len(body) {
				s.decodeEXIF(body[4+off:])
			} else {
				s.decodeEXIF(body[4:])
			}
		case it.typ == "mime" && strings.Contains(it.contentType, "rdf+xml"):
			s.xmpFields += countXMPFields(body)
		}
	}

	if iprp, ok := findBox(children, "iprp"); ok {
		if ipco, ok := findBox(readBoxes(iprp.payload, iprp.offset), "ipco"); ok {
			for _, prop := range readBoxes(ipco.payload, ipco.offset) {
				if prop.typ == "colr" {
					s.parseColr(prop.payload)
				}
			}
		}
	}
}

func (s *scan) parseColr(p []byte) {
	if len(p) < 4 {
		return
	}
	switch string(p[0:4]) {
	case "nclx":
		if len(p) < 6 {
			return
		}
		s.explicitCS = true
		s.colorSpace = nclxColorSpace(binary.BigEndian.Uint16(p[4:6]))
	case "prof", "rICC":
		s.icc = p[4:]
	}
}

func parseIINF(p []byte) []heifItem {
	r := &byteReader{b: p}
	version := r.u8()
	r.skip(3)
	if version == 0 {
		r.u16()
	} else {
		r.u32()
	}
	var items []heifItem
	for _, infe := range readBoxes(r.rest(), 0) {
		if infe.typ != "infe" {
			continue
		}
		ir := &byteReader{b: infe.payload}
		v := ir.u8()
		ir.skip(3)
		if v < 2 {
			continue
		}
		var it heifItem
		if v == 2 {
			it.id = uint32(ir.u16())
		} else {
			it.id = ir.u32()
		}
		ir.u16() // protection index
		it.typ = string(ir.bytes(4))
		ir.cstring() // item name
		if it.typ == "mime" {
			it.contentType = ir.cstring()
		}
		if !ir.failed {
			items = append(items, it)
		}
	}
	return items
}

func parseILOC(p []byte) map[uint32]heifLocation {
	r := &byteReader{b: p}
	version := r.u8()
	r.skip(3)
	sizes := r.u8()
	offsetSize, lengthSize := int(sizes>>4), int(sizes&0x0F)
	sizes = r.u8()
	baseOffsetSize := int(sizes >> 4)
	indexSize := 0
	if version == 1 || version == 2 {
		indexSize = int(sizes & 0x0F)
	}
	var count uint32
	if version < 2 {
		count = uint32(r.u16())
	} else {
		count = r.u32()
	}
	out := make(map[uint32]heifLocation, count)
	for i := uint32(0); i < count && !r.failed; i++ {
		var id uint32
		if version < 2 {
			id = uint32(r.u16())
		} else {
			id = r.u32()
		}
		var loc heifLocation
		if version == 1 || version == 2 {
			loc.construction = r.u16() & 0x0F
		}
		r.u16() // data reference index
		loc.baseOffset = r.uintN(baseOffsetSize)
		extents := int(r.u16())
		for e := 0; e < extents && !r.failed; e++ {
			if indexSize > 0 {
				r.uintN(indexSize)
			}
			off := r.uintN(offsetSize)
			length := r.uintN(lengthSize)
			loc.extents = append(loc.extents, heifExtent{offset: off, length: length})
		}
		if !r.failed {
			out[id] = loc
		}
	}
	return out
}

func itemData(file, idat []byte, loc heifLocation) []byte {
	src := file
	if loc.construction == 1 {
		src = idat
	} else if loc.construction != 0 {
		return nil
	}
	var out []byte
	for _, e := range loc.extents {
		start := loc.baseOffset + e.offset
		end := start + e.length
		if e.length == 0 {
			end = uint64(len(src))
		}
		if start > uint64(len(src)) || end > uint64(len(src)) || end < start {
			return nil
		}
		out = append(out, src[start:end]...)
	}
	return out
}

// byteReader is a bounds-checked big-endian cursor; reads past the end
// return zero and set failed.
type byteReader struct {
	b      []byte
	pos    int
	failed bool
}

func (r *byteReader) bytes(n int) []byte {
	if n < 0 || r.pos+n > len(r.b) {
		r.failed = true
		r.pos = len(r.b)
		return make([]byte, max(n, 0))
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *byteReader) skip(n int)  { r.bytes(n) }
func (r *byteReader) u8() byte    { return r.bytes(1)[0] }
func (r *byteReader) u16() uint16 { return binary.BigEndian.Uint16(r.bytes(2)) }
func (r *byteReader) u32() uint32 { return binary.BigEndian.Uint32(r.bytes(4)) }
func (r *byteReader) rest() []byte {
	out := r.b[r.pos:]
	r.pos = len(r.b)
	return out
}

func (r *byteReader) uintN(n int) uint64 {
	switch n {
	case 0:
		return 0
	case 4:
		return uint64(r.u32())
	case 8:
		return binary.BigEndian.Uint64(r.bytes(8))
	case 2:
		return uint64(r.u16())
	default:
		r.failed = true
		return 0
	}
}

func (r *byteReader) cstring() string {
	end := bytes.IndexByte(r.b[r.pos:], 0)
	if end < 0 {
		r.failed = true
		r.pos = len(r.b)
		return ""
	}
	s := string(r.b[r.pos : r.pos+end])
	r.pos += end + 1
	return s
}
