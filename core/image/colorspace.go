package image

import (
	"bytes"
	"context"
	"encoding/binary"
	stdimage "image"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/unicode"
)

// ColorSpace is the RGB colour space a source declares.
type ColorSpace string

const (
	ColorSpaceSRGB      ColorSpace = "sRGB"
	ColorSpaceDisplayP3 ColorSpace = "Display P3"
	ColorSpaceAdobeRGB  ColorSpace = "Adobe RGB (1998)"
	ColorSpaceBT2020    ColorSpace = "BT.2020"
	ColorSpaceUnknown   ColorSpace = "unknown"
)

// ─── ICC profile identification ──────────────────────────────────────────────

// profileColorSpace identifies a profile by its description tag.
func profileColorSpace(icc []byte) ColorSpace {
	desc := strings.ToLower(iccDescription(icc))
	switch {
	case desc == "":
		return ColorSpaceUnknown
	case strings.Contains(desc, "srgb"), strings.Contains(desc, "iec61966-2.1"):
		return ColorSpaceSRGB
	case strings.Contains(desc, "display p3"), strings.Contains(desc, "p3"):
		return ColorSpaceDisplayP3
	case strings.Contains(desc, "adobe rgb"), strings.Contains(desc, "compatible with adobe"):
		return ColorSpaceAdobeRGB
	case strings.Contains(desc, "2020"):
		return ColorSpaceBT2020
	}
	return ColorSpaceUnknown
}

// nclxColorSpace maps ISO/IEC 23091-2 colour primaries.
func nclxColorSpace(primaries uint16) ColorSpace {
	switch primaries {
	case 1, 2: // BT.709, unspecified
		return ColorSpaceSRGB
	case 9: // BT.2020
		return ColorSpaceBT2020
	case 12: // SMPTE EG 432-1
		return ColorSpaceDisplayP3
	}
	return ColorSpaceUnknown
}

// iccDescription returns the profile's 'desc' text for v2 (desc) and v4
// (mluc) profiles.
func iccDescription(icc []byte) string {
	if len(icc) < 132 {
		return ""
	}
	count := int(binary.BigEndian.Uint32(icc[128:132]))
	for i := 0; i < count; i++ {
		entry := 132 + i*12
		if entry+12 > len(icc) {
			return ""
		}
		if string(icc[entry:entry+4]) != "desc" {
			continue
		}
		off := int(binary.BigEndian.Uint32(icc[entry+4 : entry+8]))
		size := int(binary.BigEndian.Uint32(icc[entry+8 : entry+12]))
		if off < 0 || size < 12 || off+size > len(icc) {
			return ""
		}
		return decodeDescTag(icc[off : off+size])
	}
	return ""
}

func decodeDescTag(tag []byte) string {
	switch string(tag[0:4]) {
	case "desc":
		n := int(binary.BigEndian.Uint32(tag[8:12]))
		if 12+n > len(tag) {
			return ""
		}
		return string(bytes.TrimRight(tag[12:12+n], "\x00"))
	case "mluc":
		if len(tag) < 28 {
			return ""
		}
		length := int(binary.BigEndian.Uint32(tag[20:24]))
		off := int(binary.BigEndian.Uint32(tag[24:28]))
		if off+length > len(tag) {
			return ""
		}
		dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
		text, err := dec.Bytes(tag[off : off+length])
		if err != nil {
			return ""
		}
		return string(text)
	}
	return ""
}

// ─── Conversion ──────────────────────────────────────────────────────────────

type conversion struct {
	decode func(float64) float64
	m      [9]float64 // linear source RGB -> linear sRGB
}

var conversions = map[ColorSpace]conversion{
	ColorSpaceDisplayP3: {
		decode: srgbToLinear,
		m: [9]float64{
			1.2249401, -0.2249404, 0,
			-0.0420569, 1.0420571, 0,
			-0.0196376, -0.0786361, 1.0982735,
		},
	},
	ColorSpaceAdobeRGB: {
		decode: func(c float64) float64 { return math.Pow(c, 563.0/256.0) },
		m: [9]float64{
			1.3982832, -0.3982831, 0,
			0, 1, 0,
			0, -0.0429383, 1.0429383,
		},
	},
	// BT.2087 primaries conversion, BT.709 transfer
	ColorSpaceBT2020: {
		decode: bt709ToLinear,
		m: [9]float64{
			1.660491, -0.587641, -0.072850,
			-0.124550, 1.132900, -0.008349,
			-0.018151, -0.100579, 1.118730,
		},
	},
}

func bt709ToLinear(c float64) float64 {
	if c < 0.081 {
		return c / 4.5
	}
	return math.Pow((c+0.099)/1.099, 1/0.45)
}

func srgbToLinear(c float64) float64 {
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

func linearToSRGB(l float64) float64 {
	if l <= 0.0031308 {
		return 12.92 * l
	}
	return 1.055*math.Pow(l, 1/2.4) - 0.055
}

const encodeLUTSize = 4096

var srgbEncodeLUT = func() [encodeLUTSize]uint8 {
	var lut [encodeLUTSize]uint8
	for i := range lut {
		v := linearToSRGB(float64(i) / (encodeLUTSize - 1))
		lut[i] = uint8(math.Round(v * 255))
	}
	return lut
}()

// toNRGBA redraws img into a fresh zero-origin NRGBA buffer.
func toNRGBA(img stdimage.Image) *stdimage.NRGBA {
	b := img.Bounds()
	dst := stdimage.NewNRGBA(stdimage.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// convertToSRGB renders img into an sRGB buffer. Known wide-gamut spaces
// are converted row band by row band with at most workers bands in
// flight; unknown spaces are redrawn as-is.
func convertToSRGB(ctx context.Context, img stdimage.Image, cs ColorSpace, workers int) (*stdimage.NRGBA, error) {
	dst := toNRGBA(img)
	conv, ok := conversions[cs]
	if !ok {
		return dst, nil
	}

	var decodeLUT [256]float64
	for i := range decodeLUT {
		decodeLUT[i] = conv.decode(float64(i) / 255)
	}

	workers = max(1, workers)
	h := dst.Bounds().Dy()
	band := max(16, (h+workers*4-1)/(workers*4))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for y0 := 0; y0 < h; y0 += band {
		y0 := y0
		y1 := min(h, y0+band)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			convertRows(dst, y0, y1, &decodeLUT, &conv.m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

func convertRows(img *stdimage.NRGBA, y0, y1 int, lut *[256]float64, m *[9]float64) {
	w := img.Bounds().Dx()
	for y := y0; y < y1; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			r, g, b := lut[row[x]], lut[row[x+1]], lut[row[x+2]]
			row[x] = encodeLinear(m[0]*r + m[1]*g + m[2]*b)
			row[x+1] = encodeLinear(m[3]*r + m[4]*g + m[5]*b)
			row[x+2] = encodeLinear(m[6]*r + m[7]*g + m[8]*b)
		}
	}
}

func encodeLinear(l float64) uint8 {
	switch {
	case l <= 0:
		return 0
	case l >= 1:
		return 255
	}
	return srgbEncodeLUT[int(l*(encodeLUTSize-1)+0.5)]
}
