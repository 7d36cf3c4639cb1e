package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	stdimage "image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"sync"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/metakill/metakill/core"
)

// Decoded is a raster plus what the decoder already did to it.
type Decoded struct {
	Image stdimage.Image
	// AppliedOrientation is true when the decoder already rotated the
	// pixels (e.g. HEIF irot/imir), so the sanitizer must not bake again.
	AppliedOrientation bool
}

// EncodeOptions control one encode. Encoders must never write metadata.
type EncodeOptions struct {
	Quality    float64 // 0.5-1.0, lossy formats only
	ICCProfile []byte  // optional colour profile to embed
}

// Codec is the per-format image backend.
type Codec interface {
	Decode(ctx context.Context, data []byte) (Decoded, error)
	Encode(ctx context.Context, img stdimage.Image, opts EncodeOptions) ([]byte, error)
	CanEncode() bool
}

// ErrEncodeUnsupported is returned by decode-only codecs.
var ErrEncodeUnsupported = errors.New("encoding not supported")

// Registry maps formats to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[core.FormatID]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[core.FormatID]Codec)}
}

// DefaultRegistry registers the pure-Go codecs and, when libheif's tools
// are installed, the HEIC backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(core.FmtJPEG, jpegCodec{})
	r.Register(core.FmtPNG, pngCodec{})
	r.Register(core.FmtGIF, decodeOnly(func(b []byte) (stdimage.Image, error) { return gif.Decode(bytes.NewReader(b)) }))
	r.Register(core.FmtWebP, decodeOnly(func(b []byte) (stdimage.Image, error) { return webp.Decode(bytes.NewReader(b)) }))
	r.Register(core.FmtTIFF, decodeOnly(func(b []byte) (stdimage.Image, error) { return tiff.Decode(bytes.NewReader(b)) }))
	r.Register(core.FmtBMP, decodeOnly(func(b []byte) (stdimage.Image, error) { return bmp.Decode(bytes.NewReader(b)) }))
	raw := rawCodec{}
	for _, f := range []core.FormatID{core.FmtDNG, core.FmtCR2, core.FmtNEF, core.FmtARW, core.FmtRAW} {
		r.Register(f, raw)
	}
	if heif, err := NewHEIFCodec(); err == nil {
		r.Register(core.FmtHEIC, heif)
	}
	return r
}

// Register installs c for format, replacing any previous codec.
func (r *Registry) Register(format core.FormatID, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[format] = c
}

// Lookup returns the codec for format.
func (r *Registry) Lookup(format core.FormatID) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[format]
	return c, ok
}

// CanEncode reports whether format has an encoder.
func (r *Registry) CanEncode(format core.FormatID) bool {
	c, ok := r.Lookup(format)
	return ok && c.CanEncode()
}

func qualityPercent(q float64) int {
	return max(1, min(100, int(q*100+0.5)))
}

// ─── JPEG / PNG ──────────────────────────────────────────────────────────────

type jpegCodec struct{}

func (jpegCodec) Decode(_ context.Context, data []byte) (Decoded, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	return Decoded{Image: img}, err
}

// Encode writes SOI, tables, frame and scan only; the stdlib encoder emits
// no APPn segments.
func (jpegCodec) Encode(_ context.Context, img stdimage.Image, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: qualityPercent(opts.Quality)}); err != nil {
		return nil, err
	}
	if len(opts.ICCProfile) > 0 {
		return embedJPEGICC(buf.Bytes(), opts.ICCProfile)
	}
	return buf.Bytes(), nil
}

func (jpegCodec) CanEncode() bool { return true }

type pngCodec struct{}

func (pngCodec) Decode(_ context.Context, data []byte) (Decoded, error) {
	img, err := png.Decode(bytes.NewReader(data))
	return Decoded{Image: img}, err
}

func (pngCodec) Encode(_ context.Context, img stdimage.Image, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	if len(opts.ICCProfile) > 0 {
		return embedPNGICC(buf.Bytes(), opts.ICCProfile)
	}
	return buf.Bytes(), nil
}

func (pngCodec) CanEncode() bool { return true }

// ─── Decode-only ─────────────────────────────────────────────────────────────

type decodeOnly func([]byte) (stdimage.Image, error)

func (d decodeOnly) Decode(_ context.Context, data []byte) (Decoded, error) {
	img, err := d(data)
	return Decoded{Image: img}, err
}

func (decodeOnly) Encode(context.Context, stdimage.Image, EncodeOptions) ([]byte, error) {
	return nil, ErrEncodeUnsupported
}

func (decodeOnly) CanEncode() bool { return false }

// ─── RAW ─────────────────────────────────────────────────────────────────────

// rawCodec decodes TIFF-based camera RAW files through their main IFD
// when it is baseline TIFF, otherwise through the largest embedded JPEG
// preview.
type rawCodec struct{}

func (rawCodec) Decode(_ context.Context, data []byte) (Decoded, error) {
	if img, err := tiff.Decode(bytes.NewReader(data)); err == nil {
		return Decoded{Image: img}, nil
	}
	preview := largestJPEGPreview(data)
	if preview == nil {
		return Decoded{}, fmt.Errorf("no decodable raster in RAW container")
	}
	img, err := jpeg.Decode(bytes.NewReader(preview))
	return Decoded{Image: img}, err
}

func (rawCodec) Encode(context.Context, stdimage.Image, EncodeOptions) ([]byte, error) {
	return nil, ErrEncodeUnsupported
}

func (rawCodec) CanEncode() bool { return false }

func largestJPEGPreview(data []byte) []byte {
	var best []byte
	bestArea := 0
	soi := []byte{0xFF, 0xD8, 0xFF}
	for i := 0; ; {
		j := bytes.Index(data[i:], soi)
		if j < 0 {
			break
		}
		start := i + j
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data[start:]))
		if err == nil && cfg.Width*cfg.Height > bestArea {
			bestArea = cfg.Width * cfg.Height
			best = data[start:]
		}
		i = start + len(soi)
	}
	return best
}
