package image

import (
	"bytes"
	"context"
	"fmt"
	stdimage "image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// HEIFCodec shells out to libheif's command-line tools. heif-dec applies
// the irot/imir transforms while decoding.
type HEIFCodec struct {
	decoder string
	encoder string
}

// NewHEIFCodec locates heif-dec (or the older heif-convert) and heif-enc.
func NewHEIFCodec() (*HEIFCodec, error) {
	dec, err := exec.LookPath("heif-dec")
	if err != nil {
		if dec, err = exec.LookPath("heif-convert"); err != nil {
			return nil, fmt.Errorf("libheif decoder not found: %w", err)
		}
	}
	c := &HEIFCodec{decoder: dec}
	if enc, err := exec.LookPath("heif-enc"); err == nil {
		c.encoder = enc
	}
	return c, nil
}

func (c *HEIFCodec) Decode(ctx context.Context, data []byte) (Decoded, error) {
	dir, err := os.MkdirTemp("", "metakill-heif-*")
	if err != nil {
		return Decoded{}, err
	}
	defer os.RemoveAll(dir)

	in, out := filepath.Join(dir, "in.heic"), filepath.Join(dir, "out.png")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return Decoded{}, err
	}
	if err := run(ctx, c.decoder, in, out); err != nil {
		return Decoded{}, err
	}
	f, err := os.Open(out)
	if err != nil {
		return Decoded{}, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Image: img, AppliedOrientation: true}, nil
}

func (c *HEIFCodec) Encode(ctx context.Context, img stdimage.Image, opts EncodeOptions) ([]byte, error) {
	if c.encoder == "" {
		return nil, ErrEncodeUnsupported
	}
	dir, err := os.MkdirTemp("", "metakill-heif-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	// the intermediate PNG carries pixels and, at most, an ICC profile
	pngData, err := pngCodec{}.Encode(ctx, img, EncodeOptions{ICCProfile: opts.ICCProfile})
	if err != nil {
		return nil, err
	}
	in, out := filepath.Join(dir, "in.png"), filepath.Join(dir, "out.heic")
	if err := os.WriteFile(in, pngData, 0o600); err != nil {
		return nil, err
	}
	if err := run(ctx, c.encoder, "-q", strconv.Itoa(qualityPercent(opts.Quality)), "-o", out, in); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

func (c *HEIFCodec) CanEncode() bool { return c.encoder != "" }

func run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
