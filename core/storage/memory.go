package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metakill/metakill/core"
)

// MemorySink keeps outputs in memory under "mem://<asset id>/<name>"
// locators. Streamed outputs are staged in a temporary directory until
// Commit reads them back.
type MemorySink struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	imported map[string]string // output locator -> library id
	deleted  []core.MediaAsset
	tempDir  string
}

// NewMemorySink stages streamed outputs under tempDir, or os.TempDir()
// when empty.
func NewMemorySink(tempDir string) *MemorySink {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &MemorySink{
		objects:  make(map[string][]byte),
		imported: make(map[string]string),
		tempDir:  tempDir,
	}
}

func (m *MemorySink) Save(ctx context.Context, data []byte, asset core.MediaAsset, format core.FormatID, _ core.Configuration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", core.NewError(core.KindCancelled, err)
	}
	loc := "mem://" + path.Join(asset.ID.String(), CleanName(asset.Name, format, time.Time{}, 0))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[loc] = append([]byte(nil), data...)
	return loc, nil
}

func (m *MemorySink) OutputPath(ctx context.Context, asset core.MediaAsset, format core.FormatID, _ core.Configuration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", core.NewError(core.KindCancelled, err)
	}
	if err := os.MkdirAll(m.tempDir, 0o755); err != nil {
		return "", fsError("Cannot create output directory", err)
	}
	return filepath.Join(m.tempDir, tempPrefix+uuid.NewString()+extension(asset.Name, format)), nil
}

func (m *MemorySink) Commit(ctx context.Context, written string, asset core.MediaAsset, format core.FormatID, cfg core.Configuration) (string, error) {
	defer os.Remove(written)
	data, err := os.ReadFile(written)
	if err != nil {
		return "", fsError("Cannot read output", err)
	}
	return m.Save(ctx, data, asset, format, cfg)
}

func (m *MemorySink) SaveToLibrary(_ context.Context, output string, _ core.MediaAsset) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[output]; !ok {
		return "", core.NewError(core.KindFileNotFound, os.ErrNotExist)
	}
	id := uuid.NewString()
	m.imported[output] = id
	return id, nil
}

// DeleteOriginal records the request; sources are never touched.
func (m *MemorySink) DeleteOriginal(_ context.Context, asset core.MediaAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, asset)
	return nil
}

// Get returns a stored output.
func (m *MemorySink) Get(locator string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[locator]
	return data, ok
}

// Take returns and forgets a stored output.
func (m *MemorySink) Take(locator string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[locator]
	delete(m.objects, locator)
	delete(m.imported, locator)
	return data, ok
}

// Locators lists stored outputs in sorted order.
func (m *MemorySink) Locators() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Imported reports the library id an output was imported under.
func (m *MemorySink) Imported(locator string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.imported[locator]
	return id, ok
}

// Deleted lists assets whose originals were requested to be deleted.
func (m *MemorySink) Deleted() []core.MediaAsset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.MediaAsset(nil), m.deleted...)
}
