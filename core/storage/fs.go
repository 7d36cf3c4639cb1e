package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/metakill/metakill/core"
)

const tempPrefix = ".metakill-"

// FileSink writes cleaned outputs to the local filesystem.
type FileSink struct {
	dir     string
	library Library
	now     func() time.Time
	log     zerolog.Logger

	mu sync.Mutex // serializes name selection and the final rename
}

// FileOption configures a FileSink.
type FileOption func(*FileSink)

// WithLibrary sets the library SaveToLibrary imports into.
func WithLibrary(l Library) FileOption {
	return func(s *FileSink) { s.library = l }
}

func WithClock(now func() time.Time) FileOption {
	return func(s *FileSink) { s.now = now }
}

func WithSinkLogger(l zerolog.Logger) FileOption {
	return func(s *FileSink) { s.log = l }
}

// NewFileSink returns a sink writing copies into dir, or next to each
// source when dir is empty. Replace mode always writes next to the source.
func NewFileSink(dir string, opts ...FileOption) *FileSink {
	s := &FileSink{dir: dir, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save writes data to a temporary file and commits it.
func (s *FileSink) Save(ctx context.Context, data []byte, asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error) {
	tmp, err := s.OutputPath(ctx, asset, format, cfg)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return "", fsError("Cannot write output", err)
	}
	return s.Commit(ctx, tmp, asset, format, cfg)
}

// OutputPath returns a fresh temporary path in the directory the final
// output will live in, so Commit is a same-device rename.
func (s *FileSink) OutputPath(ctx context.Context, asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", core.NewError(core.KindCancelled, err)
	}
	dir := s.targetDir(asset, cfg.Normalized())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fsError("Cannot create output directory", err)
	}
	return filepath.Join(dir, tempPrefix+uuid.NewString()+extension(asset.Locator, format)), nil
}

// Commit moves a file written at an OutputPath location to its final
// name and applies PreserveFileDate. In replace mode the source is
// overwritten, or removed when the extension changed.
func (s *FileSink) Commit(ctx context.Context, written string, asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error) {
	cfg = cfg.Normalized()
	if err := ctx.Err(); err != nil {
		os.Remove(written)
		return "", core.NewError(core.KindCancelled, err)
	}

	var modTime time.Time
	if cfg.PreserveFileDate {
		if info, err := os.Stat(asset.Locator); err == nil {
			modTime = info.ModTime()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final, err := s.finalPath(asset, format, cfg)
	if err != nil {
		os.Remove(written)
		return "", err
	}
	if err := os.Rename(written, final); err != nil {
		os.Remove(written)
		return "", fsError("Cannot place output", err)
	}
	if cfg.OutputMode == core.OutputReplace && final != asset.Locator {
		if err := os.Remove(asset.Locator); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("source", asset.Locator).Msg("cannot remove replaced source")
		}
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(final, modTime, modTime); err != nil {
			s.log.Warn().Err(err).Str("output", final).Msg("cannot preserve file date")
		}
	}
	s.log.Debug().Str("output", final).Str("mode", string(cfg.OutputMode)).Msg("output placed")
	return final, nil
}

// SaveToLibrary imports output into the configured library.
func (s *FileSink) SaveToLibrary(ctx context.Context, output string, asset core.MediaAsset) (string, error) {
	if s.library == nil {
		return "", ErrNoLibrary
	}
	return s.library.Import(ctx, output, asset)
}

// DeleteOriginal removes the source. Assets imported from a library that
// supports removal are deleted there instead.
func (s *FileSink) DeleteOriginal(ctx context.Context, asset core.MediaAsset) error {
	if r, ok := s.library.(Remover); ok && asset.LibraryID != "" {
		return r.Remove(ctx, asset.LibraryID)
	}
	if err := os.Remove(asset.Locator); err != nil {
		return fsError("Cannot delete original", err)
	}
	return nil
}

func (s *FileSink) targetDir(asset core.MediaAsset, cfg core.Configuration) string {
	if s.dir == "" || cfg.OutputMode == core.OutputReplace {
		return filepath.Dir(asset.Locator)
	}
	return s.dir
}

func (s *FileSink) finalPath(asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error) {
	if cfg.OutputMode == core.OutputReplace {
		return ReplaceName(asset.Locator, format), nil
	}
	var stamp time.Time
	if cfg.OutputMode == core.OutputNewCopyWithTimestamp {
		stamp = s.now()
	}
	dir := s.targetDir(asset, cfg)
	for n := 0; ; n++ {
		p := filepath.Join(dir, CleanName(asset.Locator, format, stamp, n))
		_, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		if err != nil {
			return "", fsError("Cannot check output name", err)
		}
	}
}

func fsError(op string, err error) error {
	if kind := core.KindOf(err); kind != core.KindProcessingFailed {
		return core.NewError(kind, fmt.Errorf("%s: %w", op, err))
	}
	return core.WrapProcessing(err, op)
}
