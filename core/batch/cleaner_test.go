package batch

import (
	"bytes"
	"context"
	"fmt"
	stdimage "image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/core/cache"
	"github.com/metakill/metakill/core/storage"
	"github.com/metakill/metakill/core/video"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: 0x80, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeAsset(t *testing.T, dir, name string, data []byte, kind core.MediaKind) core.MediaAsset {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return core.NewMediaAsset(name, p, kind, int64(len(data)))
}

func TestCleaner_BatchWithCorruptedAsset(t *testing.T) {
	dir := t.TempDir()
	var assets []core.MediaAsset
	for i := 0; i < 5; i++ {
		if i == 2 {
			assets = append(assets, writeAsset(t, dir, "broken.jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, core.KindImage))
			continue
		}
		assets = append(assets, writeAsset(t, dir, fmt.Sprintf("p%d.png", i), pngBytes(t, 8+i, 8), core.KindImage))
	}

	sink := storage.NewMemorySink(t.TempDir())
	outcomes, err := New(NewCleaner(sink)).Run(context.Background(), assets, core.DefaultConfiguration(), nil, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	completed := 0
	for _, o := range outcomes {
		if o.AssetID == assets[2].ID {
			assert.Equal(t, core.StateFailed, o.State)
			assert.Equal(t, "File is corrupted or unreadable", o.Error)
			assert.Nil(t, o.OutputSize)
			continue
		}
		require.Equal(t, core.StateCompleted, o.State, o.Error)
		completed++
		require.NotNil(t, o.OutputSize)
		data, ok := sink.Get(o.Output)
		require.True(t, ok, "output stored at %s", o.Output)
		assert.Equal(t, int64(len(data)), *o.OutputSize)
		_, err := png.Decode(bytes.NewReader(data))
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, completed)
}

func TestCleaner_CacheKeyedOnOutputSettings(t *testing.T) {
	dir := t.TempDir()
	asset := writeAsset(t, dir, "a.png", pngBytes(t, 4, 4), core.KindImage)
	rc := cache.New(10)
	c := NewCleaner(storage.NewFileSink(""), WithCache(rc))
	ctx := context.Background()

	base := core.DefaultConfiguration()
	first := c.Run(ctx, asset, base)
	require.True(t, first.Succeeded(), first.Error)

	lower := base
	lower.JPEGQuality = 0.6
	second := c.Run(ctx, asset, lower)
	require.True(t, second.Succeeded(), second.Error)

	deleting := base
	deleting.DeleteOriginal = true
	third := c.Run(ctx, asset, deleting)
	require.True(t, third.Succeeded(), third.Error)

	s := rc.Stats()
	assert.Equal(t, uint64(2), s.Misses, "quality bucket change misses")
	assert.Equal(t, uint64(1), s.Hits, "DeleteOriginal does not affect the key")
	assert.Equal(t, 2, rc.Len())

	assert.Equal(t, []string{"a_clean.png", "a_clean_1.png", "a_clean_2.png"},
		[]string{filepath.Base(first.Output), filepath.Base(second.Output), filepath.Base(third.Output)})
	assert.NoFileExists(t, asset.Locator, "original deleted after the last run")
	assert.Equal(t, *first.OutputSize, *third.OutputSize)
}

func TestCleaner_StaleCacheEntry(t *testing.T) {
	dir := t.TempDir()
	asset := writeAsset(t, dir, "a.png", pngBytes(t, 4, 4), core.KindImage)
	rc := cache.New(10)
	c := NewCleaner(storage.NewMemorySink(t.TempDir()), WithCache(rc))

	require.True(t, c.Run(context.Background(), asset, core.DefaultConfiguration()).Succeeded())
	require.NoError(t, os.WriteFile(asset.Locator, pngBytes(t, 6, 6), 0o644))

	o := c.Run(context.Background(), asset, core.DefaultConfiguration())
	require.True(t, o.Succeeded(), o.Error)
	assert.Equal(t, uint64(1), rc.Stats().Stale)
	assert.Equal(t, uint64(0), rc.Stats().Hits)
}

func TestCleaner_Failures(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c := NewCleaner(storage.NewFileSink(""))

	t.Run("missing source", func(t *testing.T) {
		asset := core.NewMediaAsset("gone.png", filepath.Join(dir, "gone.png"), core.KindImage, 10)
		o := c.Run(ctx, asset, core.DefaultConfiguration())
		assert.Equal(t, core.StateFailed, o.State)
		assert.Equal(t, "File not found", o.Error)
	})

	t.Run("unknown kind", func(t *testing.T) {
		asset := writeAsset(t, dir, "notes.txt", []byte("hello"), "")
		o := c.Run(ctx, asset, core.DefaultConfiguration())
		assert.Equal(t, core.StateFailed, o.State)
		assert.Contains(t, o.Error, "Unsupported file format")
	})

	t.Run("library not configured", func(t *testing.T) {
		asset := writeAsset(t, dir, "lib.png", pngBytes(t, 2, 2), core.KindImage)
		cfg := core.DefaultConfiguration()
		cfg.SaveToLibrary = true
		o := c.Run(ctx, asset, cfg)
		assert.Equal(t, core.StateFailed, o.State)
		assert.Equal(t, "Processing failed: Cannot save to library: no media library configured", o.Error)
	})
}

func TestCleaner_ReplaceKeepsSource(t *testing.T) {
	dir := t.TempDir()
	asset := writeAsset(t, dir, "r.png", pngBytes(t, 3, 3), core.KindImage)
	cfg := core.DefaultConfiguration()
	cfg.OutputMode = core.OutputReplace
	cfg.DeleteOriginal = true

	o := NewCleaner(storage.NewFileSink("")).Run(context.Background(), asset, cfg)
	require.True(t, o.Succeeded(), o.Error)
	assert.Equal(t, asset.Locator, o.Output)
	assert.FileExists(t, asset.Locator)
}

// fakeProber reports the source as tagged and anything else as clean.
type fakeProber struct {
	source string
}

func (p fakeProber) Probe(_ context.Context, path string) (*video.Asset, error) {
	a := &video.Asset{
		Path:      path,
		Container: "mp4",
		Duration:  5 * time.Second,
		Tracks:    []video.Track{{ID: 1, Kind: video.TrackVideo, Codec: "avc1", Width: 64, Height: 48}},
	}
	if path == p.source {
		a.Metadata = []video.Item{
			{Space: "udta", Key: "©xyz", Value: "+37.7749-122.4194/"},
			{Space: "udta", Key: "©nam", Value: "holiday"},
		}
	}
	return a, nil
}

type copyRemuxer struct{}

func (copyRemuxer) Remux(_ context.Context, src, dst string, progress video.ProgressFunc) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if progress != nil {
		progress(0.5)
	}
	_, err = io.Copy(out, in)
	return err
}

func TestCleaner_Video(t *testing.T) {
	dir := t.TempDir()
	mp4 := append([]byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2"), make([]byte, 64)...)
	asset := writeAsset(t, dir, "clip.mp4", mp4, core.KindVideo)

	videos := video.NewSanitizer(
		video.WithProber(fakeProber{source: asset.Locator}),
		video.WithRemuxer(copyRemuxer{}),
	)
	lib := storage.NewDirLibrary(filepath.Join(dir, "library"))

	var mu sync.Mutex
	var progress []float64
	c := NewCleaner(storage.NewFileSink("", storage.WithLibrary(lib)),
		WithVideoSanitizer(videos),
		WithVideoProgress(func(a core.MediaAsset, p float64) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, asset.ID, a.ID)
			progress = append(progress, p)
		}))

	cfg := core.DefaultConfiguration()
	cfg.VideoStrategy = core.StrategyFastRemux
	cfg.SaveToLibrary = true
	o := c.Run(context.Background(), asset, cfg)
	require.True(t, o.Succeeded(), o.Error)

	assert.Equal(t, filepath.Join(dir, "clip_clean.mp4"), o.Output)
	assert.FileExists(t, o.Output)
	assert.Equal(t, int64(len(mp4)), *o.OutputSize)
	assert.ElementsMatch(t, []core.MetadataKind{core.MetaQuickTimeLocation, core.MetaQuickTimeUserData}, o.Removed)
	assert.True(t, o.Findings.Has(core.MetaQuickTimeLocation))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])

	imported, err := filepath.Glob(filepath.Join(dir, "library", "*", "*", "*-clip_clean.mp4"))
	require.NoError(t, err)
	assert.Len(t, imported, 1)

	left, err := filepath.Glob(filepath.Join(dir, ".metakill-*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCleaner_VideoFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	asset := writeAsset(t, dir, "bad.mp4", []byte("\x00\x00\x00\x08ftyp"), core.KindVideo)

	c := NewCleaner(storage.NewFileSink(""), WithVideoSanitizer(video.NewSanitizer(
		video.WithProber(fakeProber{source: asset.Locator}),
		video.WithRemuxer(failRemuxer{}),
	)))
	cfg := core.DefaultConfiguration()
	cfg.VideoStrategy = core.StrategyFastRemux

	o := c.Run(context.Background(), asset, cfg)
	assert.Equal(t, core.StateFailed, o.State)
	assert.Contains(t, o.Error, "Processing failed")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the source remains")
}

type failRemuxer struct{}

func (failRemuxer) Remux(context.Context, string, string, video.ProgressFunc) error {
	return core.ProcessingFailed("Export failed")
}
