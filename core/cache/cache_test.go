package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metakill/metakill/core"
)

func entry(data string, size int64) Entry {
	return Entry{
		Data:       []byte(data),
		Format:     core.FmtJPEG,
		Findings:   core.Findings{core.NewFinding(core.MetaEXIF, 3), core.NewFinding(core.MetaGPS, 2)},
		Removed:    []core.MetadataKind{core.MetaEXIF, core.MetaGPS},
		SourceSize: size,
	}
}

func TestKeyIgnoresUnrelatedSettings(t *testing.T) {
	c := New(10)
	cfg := core.DefaultConfiguration()
	c.Set(KeyFor("/photos/a.jpg", cfg), entry("clean", 100))

	other := cfg
	other.DeleteOriginal = true
	other.SaveToLibrary = true
	other.OutputMode = core.OutputReplace
	other.PreserveFileDate = true
	other.VideoStrategy = core.StrategyReencode

	assert.Equal(t, KeyFor("/photos/a.jpg", cfg), KeyFor("/photos/a.jpg", other))
	e, ok := c.Get(KeyFor("/photos/a.jpg", other), 100)
	require.True(t, ok)
	assert.Equal(t, "clean", string(e.Data))
}

func TestKeyTracksOutputSettings(t *testing.T) {
	base := core.DefaultConfiguration()
	tests := []struct {
		name   string
		change func(*core.Configuration)
	}{
		{"jpeg quality bucket", func(c *core.Configuration) { c.JPEGQuality = 0.6 }},
		{"heic quality bucket", func(c *core.Configuration) { c.HEICQuality = 0.6 }},
		{"bake orientation", func(c *core.Configuration) { c.BakeOrientation = !c.BakeOrientation }},
		{"srgb", func(c *core.Configuration) { c.ForceSRGB = !c.ForceSRGB }},
		{"heic to jpeg", func(c *core.Configuration) { c.HEICToJPEG = !c.HEICToJPEG }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(10)
			c.Set(KeyFor("/a.jpg", base), entry("first", 10))

			changed := base
			tt.change(&changed)
			require.NotEqual(t, KeyFor("/a.jpg", base), KeyFor("/a.jpg", changed))

			_, ok := c.Get(KeyFor("/a.jpg", changed), 10)
			assert.False(t, ok)

			c.Set(KeyFor("/a.jpg", changed), entry("second", 10))
			assert.Equal(t, 2, c.Len(), "distinct entries")
		})
	}
}

func TestKeyString(t *testing.T) {
	cfg := core.DefaultConfiguration()
	cfg.HEICToJPEG = true
	assert.Equal(t, "/a.heic_baked_srgb_jpeg_q90_h85", KeyFor("/a.heic", cfg).String())

	cfg.BakeOrientation = false
	cfg.ForceSRGB = false
	cfg.HEICToJPEG = false
	assert.Equal(t, "/a.heic_q90_h85", KeyFor("/a.heic", cfg).String())
}

func TestQualityWithinBucketHits(t *testing.T) {
	c := New(10)
	cfg := core.DefaultConfiguration()
	cfg.JPEGQuality = 0.901
	c.Set(KeyFor("/a.jpg", cfg), entry("x", 1))

	cfg.JPEGQuality = 0.899
	_, ok := c.Get(KeyFor("/a.jpg", cfg), 1)
	assert.True(t, ok)
}

func TestStaleSizeIsMiss(t *testing.T) {
	c := New(10)
	k := KeyFor("/a.jpg", core.DefaultConfiguration())
	c.Set(k, entry("x", 100))

	_, ok := c.Get(k, 101)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "stale entry dropped")

	_, ok = c.Get(k, 100)
	assert.False(t, ok, "dropped entry does not come back")

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Stale)
	assert.Equal(t, uint64(2), s.Misses)
	assert.Equal(t, uint64(0), s.Hits)
}

func TestLRUEviction(t *testing.T) {
	c := New(3)
	cfg := core.DefaultConfiguration()
	key := func(i int) Key { return KeyFor(fmt.Sprintf("/%d.jpg", i), cfg) }

	for i := 0; i < 3; i++ {
		c.Set(key(i), entry("x", 1))
	}
	// touch 0 so 1 becomes the oldest
	_, ok := c.Get(key(0), 1)
	require.True(t, ok)

	c.Set(key(3), entry("x", 1))
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get(key(1), 1)
	assert.False(t, ok, "least recently used evicted")
	for _, i := range []int{0, 2, 3} {
		_, ok := c.Get(key(i), 1)
		assert.True(t, ok, "entry %d kept", i)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestSetReplacesWithoutEviction(t *testing.T) {
	c := New(2)
	k := KeyFor("/a.jpg", core.DefaultConfiguration())
	c.Set(k, entry("old", 1))
	c.Set(k, entry("new", 2))

	assert.Equal(t, 1, c.Len())
	e, ok := c.Get(k, 2)
	require.True(t, ok)
	assert.Equal(t, "new", string(e.Data))
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestEntriesAreSnapshots(t *testing.T) {
	c := New(2)
	k := KeyFor("/a.jpg", core.DefaultConfiguration())
	e := entry("abc", 1)
	c.Set(k, e)

	e.Data[0] = 'z'
	e.Findings[0].FieldCount = 99

	got, ok := c.Get(k, 1)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got.Data))
	assert.Equal(t, 3, got.Findings[0].FieldCount)
	assert.False(t, got.Stored.IsZero())

	got.Findings[0].FieldCount = 42
	got.Data[0] = 'X'
	got.Removed[0] = core.MetaXMP
	again, _ := c.Get(k, 1)
	assert.Equal(t, 3, again.Findings[0].FieldCount)
	assert.Equal(t, "abc", string(again.Data))
	assert.Equal(t, []core.MetadataKind{core.MetaEXIF, core.MetaGPS}, again.Removed)
}

func TestRemoveAndClear(t *testing.T) {
	c := New(0)
	cfg := core.DefaultConfiguration()
	a, b := KeyFor("/a.jpg", cfg), KeyFor("/b.jpg", cfg)
	c.Set(a, entry("a", 1))
	c.Set(b, entry("b", 1))

	c.Remove(a)
	_, ok := c.Get(a, 1)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Remove(a)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(8)
	cfg := core.DefaultConfiguration()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := KeyFor(fmt.Sprintf("/%d.jpg", (w+i)%16), cfg)
				if e, ok := c.Get(k, 5); ok {
					assert.Equal(t, k.Locator, string(e.Data))
					continue
				}
				c.Set(k, entry(k.Locator, 5))
				if i%50 == 0 {
					c.Remove(k)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}
