// Package storage places cleaned outputs: naming and collision handling,
// file dates, media libraries and deletion of originals. The sanitizers
// never call into it; the batch runner and front ends do.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/metakill/metakill/core"
)

// Sink receives cleaned outputs.
//
// Images are handed over as bytes through Save. Videos are streamed by
// their writers, so the runner asks for a destination with OutputPath
// first and hands the written file back through Commit.
type Sink interface {
	Save(ctx context.Context, data []byte, asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error)
	OutputPath(ctx context.Context, asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error)
	Commit(ctx context.Context, written string, asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error)
	SaveToLibrary(ctx context.Context, output string, asset core.MediaAsset) (string, error)
	DeleteOriginal(ctx context.Context, asset core.MediaAsset) error
}

// Library is a media library cleaned files can be imported into.
type Library interface {
	Import(ctx context.Context, path string, asset core.MediaAsset) (string, error)
}

// Remover is implemented by libraries that can delete the library copy
// an asset was imported from (MediaAsset.LibraryID).
type Remover interface {
	Remove(ctx context.Context, id string) error
}

// ErrNoLibrary is returned by SaveToLibrary when no library is configured.
var ErrNoLibrary = errors.New("no media library configured")

const timestampLayout = "20060102_150405"

// CleanName returns the file name for a new copy of source written as
// format: "<base>_clean.<ext>", or "<base>_clean_<stamp>.<ext>" when stamp
// is non-zero. n > 0 adds a collision counter.
func CleanName(source string, format core.FormatID, stamp time.Time, n int) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	name := base + "_clean"
	if !stamp.IsZero() {
		name += "_" + stamp.Format(timestampLayout)
	}
	if n > 0 {
		name += fmt.Sprintf("_%d", n)
	}
	return name + extension(source, format)
}

// ReplaceName is the in-place name for source written as format; only
// the extension changes, and only when the container does.
func ReplaceName(source string, format core.FormatID) string {
	return strings.TrimSuffix(source, filepath.Ext(source)) + extension(source, format)
}

func extension(source string, format core.FormatID) string {
	ext := filepath.Ext(source)
	if core.FormatFromExt(source) == format && ext != "" {
		return ext
	}
	if e := core.Extension(format); e != "" {
		return e
	}
	return ext
}

// ContentType is the MIME type for a cleaned output.
func ContentType(format core.FormatID) string {
	switch format {
	case core.FmtJPEG:
		return "image/jpeg"
	case core.FmtPNG:
		return "image/png"
	case core.FmtWebP:
		return "image/webp"
	case core.FmtHEIC:
		return "image/heic"
	case core.FmtTIFF:
		return "image/tiff"
	case core.FmtMP4, core.FmtM4V:
		return "video/mp4"
	case core.FmtMOV:
		return "video/quicktime"
	case core.FmtMKV:
		return "video/x-matroska"
	case core.FmtWebM:
		return "video/webm"
	}
	return "application/octet-stream"
}
