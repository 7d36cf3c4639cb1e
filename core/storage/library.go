package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/metakill/metakill/core"
)

// DirLibrary is a media library laid out as <root>/<yyyy>/<mm>/<file>.
// Library ids are paths relative to root.
type DirLibrary struct {
	root string
	now  func() time.Time
}

func NewDirLibrary(root string) *DirLibrary {
	return &DirLibrary{root: root, now: time.Now}
}

// Import copies path into the library and returns its id.
func (l *DirLibrary) Import(ctx context.Context, path string, asset core.MediaAsset) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", core.NewError(core.KindCancelled, err)
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fsError("Cannot open output", err)
	}
	defer src.Close()

	now := l.now()
	id := filepath.Join(now.Format("2006"), now.Format("01"), uuid.NewString()[:8]+"-"+filepath.Base(path))
	dst := filepath.Join(l.root, id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fsError("Cannot create library directory", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fsError("Cannot create library file", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fsError("Cannot copy into library", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fsError("Cannot copy into library", err)
	}
	return filepath.ToSlash(id), nil
}

// Remove deletes a library file by id.
func (l *DirLibrary) Remove(_ context.Context, id string) error {
	rel := filepath.FromSlash(id)
	if !filepath.IsLocal(rel) {
		return core.NewError(core.KindPermissionDenied, fmt.Errorf("library id %q escapes the library", id))
	}
	if err := os.Remove(filepath.Join(l.root, rel)); err != nil {
		return fsError("Cannot delete library file", err)
	}
	return nil
}

// Path resolves a library id to its file.
func (l *DirLibrary) Path(id string) (string, error) {
	rel := filepath.FromSlash(id)
	if !filepath.IsLocal(rel) {
		return "", errors.New("invalid library id")
	}
	return filepath.Join(l.root, rel), nil
}
