package image

import (
	"bytes"
	"context"
	"encoding/binary"
	stdimage "image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// tiffEXIF builds a little-endian "Exif\0\0" block with Make and
// Orientation in IFD0 and, optionally, a GPS IFD with three fields.
func tiffEXIF(orientation uint16, withGPS bool) []byte {
	le := binary.LittleEndian
	var b bytes.Buffer
	b.WriteString("II")
	binary.Write(&b, le, uint16(42))
	binary.Write(&b, le, uint32(8))

	n := uint16(2)
	if withGPS {
		n = 3
	}
	makeOff := 8 + 2 + int(n)*12 + 4
	gpsOff := makeOff + 6
	entry := func(tag, typ uint16, count, value uint32) {
		binary.Write(&b, le, tag)
		binary.Write(&b, le, typ)
		binary.Write(&b, le, count)
		binary.Write(&b, le, value)
	}

	binary.Write(&b, le, n)
	entry(0x010F, 2, 6, uint32(makeOff))
	entry(0x0112, 3, 1, uint32(orientation))
	if withGPS {
		entry(0x8825, 4, 1, uint32(gpsOff))
	}
	binary.Write(&b, le, uint32(0))
	b.WriteString("Canon\x00")

	if withGPS {
		latOff := gpsOff + 2 + 3*12 + 4
		binary.Write(&b, le, uint16(3))
		entry(0x0000, 1, 4, le.Uint32([]byte{2, 2, 0, 0}))
		entry(0x0001, 2, 2, le.Uint32([]byte{'N', 0, 0, 0}))
		entry(0x0002, 5, 3, uint32(latOff))
		binary.Write(&b, le, uint32(0))
		for _, v := range []uint32{52, 1, 31, 1, 0, 1} {
			binary.Write(&b, le, v)
		}
	}
	return append([]byte("Exif\x00\x00"), b.Bytes()...)
}

func testImage(w, h int) *stdimage.NRGBA {
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 2), G: uint8(y * 2), B: 128, A: 255})
		}
	}
	return img
}

// jpegWith encodes a w×h JPEG and inserts the given APPn segments after SOI.
func jpegWith(t *testing.T, w, h int, segs ...jpegSegment) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(w, h), &jpeg.Options{Quality: 90}))
	parsed, err := parseJPEGSegments(buf.Bytes())
	require.NoError(t, err)
	out := append([]jpegSegment{parsed[0]}, segs...)
	out = append(out, parsed[1:]...)
	return writeJPEGSegments(out)
}

func app1EXIF(orientation uint16, withGPS bool) jpegSegment {
	return jpegSegment{marker: markerAPP1, data: tiffEXIF(orientation, withGPS)}
}

func app1XMP() jpegSegment {
	packet := `<x:xmpmeta xmlns:x="adobe:ns:meta/"><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` +
		`<rdf:Description rdf:about="" xmlns:xmp="http://ns.adobe.com/xap/1.0/" xmp:CreatorTool="Camera 1.0">` +
		`<xmp:Label>holiday</xmp:Label></rdf:Description></rdf:RDF></x:xmpmeta>`
	return jpegSegment{marker: markerAPP1, data: append(append([]byte{}, xmpPrefix...), packet...)}
}

func app13IPTC() jpegSegment {
	var iim bytes.Buffer
	record := func(ds byte, val string) {
		iim.Write([]byte{0x1C, 2, ds})
		binary.Write(&iim, binary.BigEndian, uint16(len(val)))
		iim.WriteString(val)
	}
	record(0x00, "\x00\x04")
	record(0x50, "Jane Doe")
	record(0x5A, "Lisbon")

	var res bytes.Buffer
	res.Write(iptcPrefix)
	res.WriteString("8BIM")
	binary.Write(&res, binary.BigEndian, uint16(0x0404))
	res.Write([]byte{0, 0}) // empty pascal name, padded
	binary.Write(&res, binary.BigEndian, uint32(iim.Len()))
	res.Write(iim.Bytes())
	if iim.Len()%2 != 0 {
		res.WriteByte(0)
	}
	return jpegSegment{marker: markerAPP13, data: res.Bytes()}
}

// pngWith encodes a w×h PNG and inserts chunks after IHDR.
func pngWith(t *testing.T, w, h int, extra ...pngChunk) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(w, h)))
	chunks, err := readPNGChunks(buf.Bytes())
	require.NoError(t, err)
	out := append([]pngChunk{chunks[0]}, extra...)
	out = append(out, chunks[1:]...)
	return writePNGChunks(out)
}

func chunkTypes(t *testing.T, data []byte) []string {
	t.Helper()
	chunks, err := readPNGChunks(data)
	require.NoError(t, err)
	types := make([]string, len(chunks))
	for i, c := range chunks {
		types[i] = c.typ
	}
	return types
}

// ─── ISO BMFF ────────────────────────────────────────────────────────────────

func box(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(body)))
	copy(out[4:8], typ)
	return append(out, body...)
}

func fullBox(typ string, version byte, payload ...[]byte) []byte {
	return box(typ, append([][]byte{{version, 0, 0, 0}}, payload...)...)
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

// heicWithEXIF builds ftyp + meta(iinf, iloc) + mdat carrying one Exif item.
func heicWithEXIF(exifBlock []byte) []byte {
	ftyp := box("ftyp", []byte("heic"), u32(0), []byte("mif1heic"))
	item := append(u32(6), exifBlock...) // offset of the TIFF header past "Exif\0\0"

	meta := func(itemOffset uint32) []byte {
		infe := fullBox("infe", 2, u16(1), u16(0), []byte("Exif"), []byte{0})
		iinf := fullBox("iinf", 0, u16(1), infe)
		iloc := fullBox("iloc", 0,
			[]byte{0x44, 0x00}, u16(1),
			u16(1), u16(0), u16(1), u32(itemOffset), u32(uint32(len(item))))
		hdlr := fullBox("hdlr", 0, u32(0), []byte("pict"), make([]byte, 12), []byte{0})
		return fullBox("meta", 0, hdlr, iinf, iloc)
	}
	offset := uint32(len(ftyp) + len(meta(0)) + 8)
	return bytes.Join([][]byte{ftyp, meta(offset), box("mdat", item)}, nil)
}

// ─── Fake codec ──────────────────────────────────────────────────────────────

// fakeHEIF decodes anything to a fixed raster and records encodes.
type fakeHEIF struct {
	w, h    int
	applied bool

	mu        sync.Mutex
	encoded   []stdimage.Rectangle
	qualities []float64
}

func (f *fakeHEIF) Decode(context.Context, []byte) (Decoded, error) {
	return Decoded{Image: testImage(f.w, f.h), AppliedOrientation: f.applied}, nil
}

func (f *fakeHEIF) Encode(_ context.Context, img stdimage.Image, opts EncodeOptions) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encoded = append(f.encoded, img.Bounds())
	f.qualities = append(f.qualities, opts.Quality)
	return box("ftyp", []byte("heic"), u32(0), []byte("mif1heic")), nil
}

func (f *fakeHEIF) CanEncode() bool { return true }
