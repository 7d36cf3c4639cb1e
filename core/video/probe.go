package video

import (
	"context"
	"errors"
	"fmt"

	"github.com/metakill/metakill/core"
)

// Prober reads the structure and metadata of a video container.
type Prober interface {
	Probe(ctx context.Context, path string) (*Asset, error)
}

// ChainProber routes MP4-family files to MP4, Matroska and WebM to
// Matroska, AVI to AVI, and uses Fallback for anything else or when a
// native prober fails.
type ChainProber struct {
	MP4      Prober
	Matroska Prober
	AVI      Prober
	Fallback Prober
}

// DefaultProber uses the native probers with ffprobe as the fallback.
func DefaultProber(ffprobe string) ChainProber {
	return ChainProber{
		MP4:      MP4Prober{},
		Matroska: MatroskaProber{},
		AVI:      AVIProber{},
		Fallback: FFprobeProber{Binary: ffprobe},
	}
}

func (c ChainProber) Probe(ctx context.Context, path string) (*Asset, error) {
	id, err := core.DetectFormat(path)
	if err != nil {
		return nil, err
	}
	var native Prober
	switch id {
	case core.FmtMP4, core.FmtMOV, core.FmtM4V:
		native = c.MP4
	case core.FmtMKV, core.FmtWebM:
		native = c.Matroska
	case core.FmtAVI:
		native = c.AVI
	}

	var nativeErr error
	if native != nil {
		a, err := native.Probe(ctx, path)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		nativeErr = err
	}
	if c.Fallback == nil {
		if nativeErr != nil {
			return nil, nativeErr
		}
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, id)
	}
	a, err := c.Fallback.Probe(ctx, path)
	if err != nil {
		return nil, errors.Join(nativeErr, err)
	}
	return a, nil
}
