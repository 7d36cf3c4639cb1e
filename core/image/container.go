package image

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ─── JPEG ────────────────────────────────────────────────────────────────────

const (
	markerSOI   = 0xD8
	markerEOI   = 0xD9
	markerSOS   = 0xDA
	markerAPP1  = 0xE1
	markerAPP2  = 0xE2
	markerAPP13 = 0xED
	markerScan  = 0x00 // pseudo marker for entropy-coded data after SOS
)

var (
	exifPrefix = []byte("Exif\x00\x00")
	xmpPrefix  = []byte("http://ns.adobe.com/xap/1.0/\x00")
	iptcPrefix = []byte("Photoshop 3.0\x00")
	iccPrefix  = []byte("ICC_PROFILE\x00")
)

type jpegSegment struct {
	marker byte
	data   []byte
}

var errNotJPEG = errors.New("not a JPEG")

func parseJPEGSegments(data []byte) ([]jpegSegment, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, errNotJPEG
	}
	segs := []jpegSegment{{marker: markerSOI}}

	i := 2
	for i < len(data) {
		if data[i] != 0xFF {
			segs = append(segs, jpegSegment{marker: markerScan, data: data[i:]})
			break
		}
		i++
		if i >= len(data) {
			break
		}
		marker := data[i]
		i++
		if marker == 0xFF { // fill byte
			i--
			continue
		}
		if marker == markerSOI || marker == markerEOI {
			segs = append(segs, jpegSegment{marker: marker})
			if marker == markerEOI {
				break
			}
			continue
		}
		if i+2 > len(data) {
			break
		}
		segLen := int(binary.BigEndian.Uint16(data[i:i+2])) - 2
		i += 2
		if segLen < 0 || i+segLen > len(data) {
			break
		}
		segs = append(segs, jpegSegment{marker: marker, data: data[i : i+segLen]})
		i += segLen
		if marker == markerSOS {
			segs = append(segs, jpegSegment{marker: markerScan, data: data[i:]})
			break
		}
	}
	return segs, nil
}

func writeJPEGSegments(segs []jpegSegment) []byte {
	var buf bytes.Buffer
	for _, seg := range segs {
		switch seg.marker {
		case markerSOI, markerEOI:
			buf.Write([]byte{0xFF, seg.marker})
		case markerScan:
			buf.Write(seg.data)
		default:
			buf.WriteByte(0xFF)
			buf.WriteByte(seg.marker)
			length := uint16(len(seg.data) + 2)
			buf.WriteByte(byte(length >> 8))
			buf.WriteByte(byte(length))
			buf.Write(seg.data)
		}
	}
	return buf.Bytes()
}

// maxICCChunk is the ICC payload that fits one APP2 segment after the
// "ICC_PROFILE\0" prefix and the two sequence bytes.
const maxICCChunk = 65535 - 2 - 12 - 2

// embedJPEGICC inserts APP2 ICC_PROFILE segments right after SOI.
func embedJPEGICC(data, profile []byte) ([]byte, error) {
	segs, err := parseJPEGSegments(data)
	if err != nil {
		return nil, err
	}
	n := (len(profile) + maxICCChunk - 1) / maxICCChunk
	if n > 255 {
		return nil, errors.New("icc profile too large for JPEG")
	}
	app2 := make([]jpegSegment, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*maxICCChunk, len(profile))
		payload := make([]byte, 0, len(iccPrefix)+2+end-i*maxICCChunk)
		payload = append(payload, iccPrefix...)
		payload = append(payload, byte(i+1), byte(n))
		payload = append(payload, profile[i*maxICCChunk:end]...)
		app2 = append(app2, jpegSegment{marker: markerAPP2, data: payload})
	}
	out := make([]jpegSegment, 0, len(segs)+n)
	out = append(out, segs[0])
	out = append(out, app2...)
	out = append(out, segs[1:]...)
	return writeJPEGSegments(out), nil
}

// ─── PNG ─────────────────────────────────────────────────────────────────────

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

var errNotPNG = errors.New("not a valid PNG")

type pngChunk struct {
	typ  string
	data []byte
	crc  uint32
}

// readPNGChunks walks the chunk stream up to and including IEND. A
// truncated trailing chunk is an error.
func readPNGChunks(data []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, errNotPNG
	}
	var chunks []pngChunk
	i := len(pngSignature)
	for i+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		if length < 0 || i+12+length > len(data) {
			return chunks, errors.New("truncated PNG chunk " + typ)
		}
		body := data[i+8 : i+8+length]
		crc := binary.BigEndian.Uint32(data[i+8+length : i+12+length])
		chunks = append(chunks, pngChunk{typ: typ, data: body, crc: crc})
		i += 12 + length
		if typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

func writePNGChunks(chunks []pngChunk) []byte {
	var buf bytes.Buffer
	buf.Write(pngSignature)
	for _, c := range chunks {
		writePNGChunk(&buf, c.typ, c.data)
	}
	return buf.Bytes()
}

func writePNGChunk(w *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	copy(hdr[4:8], typ)
	w.Write(hdr[:])
	w.Write(data)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32PNG(hdr[4:8], data))
	w.Write(crc[:])
}

// crc32PNG computes the chunk CRC over type + data.
func crc32PNG(typ, data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(typ)
	h.Write(data)
	return h.Sum32()
}

// pngStrippedChunks are the textual and timestamp chunk types.
var pngStrippedChunks = map[string]bool{
	"tEXt": true,
	"iTXt": true,
	"zTXt": true,
	"tIME": true,
}

// FilterPNGChunks drops tEXt/iTXt/zTXt/tIME chunks and copies every other
// chunk verbatim, in order, through IEND.
func FilterPNGChunks(data []byte) ([]byte, error) {
	chunks, err := readPNGChunks(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data))
	buf.Write(pngSignature)
	for _, c := range chunks {
		if pngStrippedChunks[c.typ] {
			continue
		}
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(len(c.data)))
		copy(hdr[4:8], c.typ)
		buf.Write(hdr[:])
		buf.Write(c.data)
		var crc [4]byte
		binary.BigEndian.PutUint32(crc[:], c.crc)
		buf.Write(crc[:])
	}
	return buf.Bytes(), nil
}

// embedPNGICC inserts an iCCP chunk right after IHDR.
func embedPNGICC(data, profile []byte) ([]byte, error) {
	chunks, err := readPNGChunks(data)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, errors.New("PNG does not start with IHDR")
	}
	var body bytes.Buffer
	body.WriteString("ICC Profile")
	body.Write([]byte{0, 0}) // name terminator, deflate method
	zw := zlib.NewWriter(&body)
	if _, err := zw.Write(profile); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	out := make([]pngChunk, 0, len(chunks)+1)
	out = append(out, chunks[0], pngChunk{typ: "iCCP", data: body.Bytes()})
	out = append(out, chunks[1:]...)
	return writePNGChunks(out), nil
}

// ─── WebP ────────────────────────────────────────────────────────────────────

type riffChunk struct {
	id   string
	data []byte
}

func readWebPChunks(data []byte) []riffChunk {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil
	}
	var out []riffChunk
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		offset += 8
		if size < 0 || offset+size > len(data) {
			break
		}
		out = append(out, riffChunk{id: id, data: data[offset : offset+size]})
		offset += size
		if size%2 != 0 {
			offset++
		}
	}
	return out
}

// ─── ISO BMFF (HEIC) ─────────────────────────────────────────────────────────

type bmffBox struct {
	typ     string
	payload []byte
	offset  int // absolute offset of the payload in the file
}

// readBoxes walks sibling boxes in data; base is data's absolute offset.
func readBoxes(data []byte, base int) []bmffBox {
	var out []bmffBox
	i := 0
	for i+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		hdr := 8
		switch size {
		case 1:
			if i+16 > len(data) {
				return out
			}
			size = int(binary.BigEndian.Uint64(data[i+8 : i+16]))
			hdr = 16
		case 0:
			size = len(data) - i
		}
		if size < hdr || i+size > len(data) {
			return out
		}
		out = append(out, bmffBox{typ: typ, payload: data[i+hdr : i+size], offset: base + i + hdr})
		i += size
	}
	return out
}

func findBox(boxes []bmffBox, typ string) (bmffBox, bool) {
	for _, b := range boxes {
		if b.typ == typ {
			return b, true
		}
	}
	return bmffBox{}, false
}
