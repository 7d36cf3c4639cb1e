// Package cache keeps recently cleaned image bytes so repeated runs over
// the same unchanged source with the same output settings skip the
// decode/encode round trip.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/metakill/metakill/core"
)

// DefaultSize is the entry limit used when New is given a non-positive size.
const DefaultSize = 50

// Key identifies a cached output. Only the source locator and the settings
// that change the output bytes take part; flags such as DeleteOriginal or
// OutputMode do not.
type Key struct {
	Locator    string
	Bake       bool
	SRGB       bool
	HEICToJPEG bool
	JPEGBucket int
	HEICBucket int
}

// KeyFor derives the key for a source under cfg.
func KeyFor(locator string, cfg core.Configuration) Key {
	return Key{
		Locator:    locator,
		Bake:       cfg.BakeOrientation,
		SRGB:       cfg.ForceSRGB,
		HEICToJPEG: cfg.HEICToJPEG,
		JPEGBucket: core.QualityBucket(cfg.JPEGQuality),
		HEICBucket: core.QualityBucket(cfg.HEICQuality),
	}
}

func (k Key) String() string {
	parts := []string{k.Locator}
	if k.Bake {
		parts = append(parts, "baked")
	}
	if k.SRGB {
		parts = append(parts, "srgb")
	}
	if k.HEICToJPEG {
		parts = append(parts, "jpeg")
	}
	parts = append(parts, fmt.Sprintf("q%d", k.JPEGBucket), fmt.Sprintf("h%d", k.HEICBucket))
	return strings.Join(parts, "_")
}

// Entry is an immutable snapshot of one cleaned output.
type Entry struct {
	Data       []byte
	Format     core.FormatID
	Findings   core.Findings
	Removed    []core.MetadataKind
	SourceSize int64 // source byte size when the entry was stored
	Stored     time.Time
}

func (e Entry) clone() Entry {
	e.Data = append([]byte(nil), e.Data...)
	e.Findings = e.Findings.Clone()
	e.Removed = append([]core.MetadataKind(nil), e.Removed...)
	return e
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Stale     uint64
	Evictions uint64
}

// Cache is a strict LRU of cleaned outputs. All methods are safe for
// concurrent use; a single mutex serializes every operation.
type Cache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[Key, Entry]
	stats Stats
	now   func() time.Time
}

// New returns a cache holding at most size entries.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache{now: time.Now}
	// NewLRU only fails for a non-positive size.
	c.lru, _ = simplelru.NewLRU[Key, Entry](size, nil)
	return c
}

// Get returns the entry for key. An entry whose recorded source size
// differs from sourceSize is dropped and reported as a miss.
func (c *Cache) Get(key Key, sourceSize int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return Entry{}, false
	}
	if e.SourceSize != sourceSize {
		c.lru.Remove(key)
		c.stats.Stale++
		c.stats.Misses++
		return Entry{}, false
	}
	c.stats.Hits++
	return e.clone(), true
}

// Set stores a copy of e under key, replacing any previous entry and
// evicting the least recently used entries beyond the size limit.
func (c *Cache) Set(key Key, e Entry) {
	e = e.clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Stored.IsZero() {
		e.Stored = c.now()
	}
	if c.lru.Add(key, e) {
		c.stats.Evictions++
	}
}

// Remove drops key if present.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
