// Package image inspects and sanitizes still images: JPEG, PNG, WebP,
// HEIC/HEIF, TIFF, BMP, GIF and TIFF-based camera RAW.
//
// Sanitizing decodes to pixels and re-encodes through a Codec that never
// writes metadata, so EXIF, GPS, IPTC, XMP and thumbnails are absent by
// construction rather than blanked.
package image

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/metakill/metakill/core"
)

// Sanitizer is stateless apart from its codec registry and logger and is
// safe for concurrent use.
type Sanitizer struct {
	codecs *Registry
	log    zerolog.Logger
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithCodecs replaces the default codec registry.
func WithCodecs(r *Registry) Option {
	return func(s *Sanitizer) { s.codecs = r }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sanitizer) { s.log = l }
}

// NewSanitizer builds a Sanitizer over DefaultRegistry unless overridden.
func NewSanitizer(opts ...Option) *Sanitizer {
	s := &Sanitizer{log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.codecs == nil {
		s.codecs = DefaultRegistry()
	}
	return s
}

// Result is the clean output of one image.
type Result struct {
	Data     []byte
	Format   core.FormatID
	Findings core.Findings       // detected before mutation
	Removed  []core.MetadataKind // detected kinds absent from Data
	Width    int
	Height   int
}

// Inspect reports findings without sanitizing.
func (s *Sanitizer) Inspect(data []byte, name string) core.Findings {
	return Inspect(data, name)
}

// OutputFormat decides the container a source named name is written to.
func (s *Sanitizer) OutputFormat(name string, cfg core.Configuration) core.FormatID {
	src := core.FormatFromExt(name)
	switch {
	case src == core.FmtJPEG, src == core.FmtPNG:
		return src
	case src == core.FmtHEIC && !cfg.HEICToJPEG && s.codecs.CanEncode(core.FmtHEIC):
		return core.FmtHEIC
	case src == core.FmtWebP && s.codecs.CanEncode(core.FmtWebP):
		return core.FmtWebP
	}
	// HEIC or WebP without an encoder, RAW, and everything else
	return core.FmtJPEG
}

// Sanitize strips all metadata from data, optionally baking orientation
// and normalising to sRGB, and encodes to OutputFormat(name, cfg).
func (s *Sanitizer) Sanitize(ctx context.Context, name string, data []byte, cfg core.Configuration) (*Result, error) {
	cfg = cfg.Normalized()
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.KindCancelled, err)
	}

	srcFormat := core.DetectBytes(data, name)
	codec, ok := s.codecs.Lookup(srcFormat)
	if srcFormat == core.FmtUnknown || !ok {
		return nil, &core.CleaningError{Kind: core.KindUnsupportedFormat, Reason: string(srcFormat)}
	}
	decoded, err := codec.Decode(ctx, data)
	if err != nil || decoded.Image == nil {
		if ctx.Err() != nil {
			return nil, core.NewError(core.KindCancelled, ctx.Err())
		}
		if err == nil {
			err = errors.New("decoder returned no image")
		}
		return nil, core.NewError(core.KindCorruptedFile, err)
	}

	sc := inspect(data, srcFormat)
	findings := sc.findings()

	target := s.OutputFormat(name, cfg)
	enc, ok := s.codecs.Lookup(target)
	if !ok || !enc.CanEncode() {
		return nil, &core.CleaningError{Kind: core.KindUnsupportedFormat, Reason: "no encoder for " + string(target)}
	}

	img := decoded.Image
	if cfg.BakeOrientation && !decoded.AppliedOrientation {
		img = bakeOrientation(img, sc.orientation)
	}

	var icc []byte
	switch {
	case cfg.ForceSRGB && sc.colorSpace != ColorSpaceSRGB:
		img, err = convertToSRGB(ctx, img, sc.colorSpace, cfg.MaxConcurrentOperations)
		if err != nil {
			if ctx.Err() != nil {
				return nil, core.NewError(core.KindCancelled, err)
			}
			return nil, core.WrapProcessing(err, "Cannot create color space")
		}
	case !cfg.ForceSRGB && sc.icc != nil && sc.colorSpace != ColorSpaceSRGB:
		icc = sc.icc
	}

	opts := EncodeOptions{ICCProfile: icc}
	switch target {
	case core.FmtJPEG:
		opts.Quality = cfg.JPEGQuality
	case core.FmtHEIC:
		opts.Quality = cfg.HEICQuality
	}
	out, err := enc.Encode(ctx, img, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewError(core.KindCancelled, err)
		}
		return nil, core.WrapProcessing(err, "Cannot finalize image destination")
	}
	if target == core.FmtPNG {
		if out, err = FilterPNGChunks(out); err != nil {
			return nil, core.WrapProcessing(err, "Cannot filter PNG chunks")
		}
	}

	remaining := inspect(out, target).findings()
	var removed []core.MetadataKind
	for _, k := range findings.Kinds() {
		if !remaining.Has(k) {
			removed = append(removed, k)
		}
	}

	b := img.Bounds()
	s.log.Debug().
		Str("name", name).
		Str("from", string(srcFormat)).
		Str("to", string(target)).
		Int("findings", len(findings)).
		Int("removed", len(removed)).
		Dur("elapsed", time.Since(start)).
		Msg("image sanitized")

	return &Result{
		Data:     out,
		Format:   target,
		Findings: findings,
		Removed:  removed,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}
