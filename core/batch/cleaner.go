package batch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/core/cache"
	"github.com/metakill/metakill/core/image"
	"github.com/metakill/metakill/core/storage"
	"github.com/metakill/metakill/core/video"
)

// VideoProgressFunc receives per-asset video progress.
type VideoProgressFunc func(asset core.MediaAsset, fraction float64)

// Cleaner is the Runner for real assets: it reads the source, consults
// the cache, runs the image or video sanitizer and hands the output to
// the sink. Library import and deletion of the original happen only
// after the output is placed.
type Cleaner struct {
	images   *image.Sanitizer
	videos   *video.Sanitizer
	cache    *cache.Cache
	sink     storage.Sink
	progress VideoProgressFunc
	log      zerolog.Logger
}

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

func WithImageSanitizer(s *image.Sanitizer) CleanerOption {
	return func(c *Cleaner) { c.images = s }
}

func WithVideoSanitizer(s *video.Sanitizer) CleanerOption {
	return func(c *Cleaner) { c.videos = s }
}

// WithCache enables the result cache for images.
func WithCache(rc *cache.Cache) CleanerOption {
	return func(c *Cleaner) { c.cache = rc }
}

func WithVideoProgress(fn VideoProgressFunc) CleanerOption {
	return func(c *Cleaner) { c.progress = fn }
}

func WithCleanerLogger(l zerolog.Logger) CleanerOption {
	return func(c *Cleaner) { c.log = l }
}

func NewCleaner(sink storage.Sink, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{sink: sink, log: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	if c.images == nil {
		c.images = image.NewSanitizer(image.WithLogger(c.log))
	}
	if c.videos == nil {
		c.videos = video.NewSanitizer(video.WithLogger(c.log))
	}
	return c
}

type cleaned struct {
	output   string
	size     int64
	findings core.Findings
	removed  []core.MetadataKind
}

// Run implements Runner.
func (c *Cleaner) Run(ctx context.Context, asset core.MediaAsset, cfg core.Configuration) core.CleaningOutcome {
	cfg = cfg.Normalized()
	start := time.Now()

	var (
		res *cleaned
		err error
	)
	switch asset.Kind {
	case core.KindImage:
		res, err = c.cleanImage(ctx, asset, cfg)
	case core.KindVideo:
		res, err = c.cleanVideo(ctx, asset, cfg)
	default:
		err = &core.CleaningError{Kind: core.KindUnsupportedFormat, Reason: string(asset.Kind)}
	}
	if err != nil {
		var findings core.Findings
		if res != nil {
			findings = res.findings
		}
		return core.Failed(asset, findings, time.Since(start), err)
	}

	if cfg.SaveToLibrary {
		id, err := c.sink.SaveToLibrary(ctx, res.output, asset)
		if err != nil {
			return core.Failed(asset, res.findings, time.Since(start), core.WrapProcessing(err, "Cannot save to library"))
		}
		c.log.Debug().Str("asset", asset.ID.String()).Str("library_id", id).Msg("saved to library")
	}
	// in replace mode the source already holds the clean output
	if cfg.DeleteOriginal && cfg.OutputMode != core.OutputReplace {
		if err := c.sink.DeleteOriginal(ctx, asset); err != nil {
			return core.Failed(asset, res.findings, time.Since(start), err)
		}
	}
	return core.Completed(asset, res.findings, res.removed, time.Since(start), res.output, res.size)
}

func (c *Cleaner) cleanImage(ctx context.Context, asset core.MediaAsset, cfg core.Configuration) (*cleaned, error) {
	data, err := os.ReadFile(asset.Locator)
	if err != nil {
		return nil, core.Classify(err)
	}
	name := asset.Name
	if filepath.Ext(name) == "" {
		name = filepath.Base(asset.Locator)
	}

	var entry cache.Entry
	key := cache.KeyFor(asset.Locator, cfg)
	hit := false
	if c.cache != nil {
		entry, hit = c.cache.Get(key, int64(len(data)))
	}
	if hit {
		c.log.Debug().Str("asset", asset.ID.String()).Str("key", key.String()).Msg("cache hit")
	} else {
		r, err := c.images.Sanitize(ctx, name, data, cfg)
		if err != nil {
			return nil, err
		}
		entry = cache.Entry{
			Data:       r.Data,
			Format:     r.Format,
			Findings:   r.Findings,
			Removed:    r.Removed,
			SourceSize: int64(len(data)),
		}
		if c.cache != nil {
			c.cache.Set(key, entry)
			c.log.Debug().Str("asset", asset.ID.String()).Str("key", key.String()).Msg("cache miss")
		}
	}

	res := &cleaned{findings: entry.Findings, removed: entry.Removed, size: int64(len(entry.Data))}
	res.output, err = c.sink.Save(ctx, entry.Data, asset, entry.Format, cfg)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (c *Cleaner) cleanVideo(ctx context.Context, asset core.MediaAsset, cfg core.Configuration) (*cleaned, error) {
	format := c.videos.OutputFormat(asset.Locator)
	dst, err := c.sink.OutputPath(ctx, asset, format, cfg)
	if err != nil {
		return nil, err
	}

	var progress video.ProgressFunc
	if c.progress != nil {
		progress = func(p float64) { c.progress(asset, p) }
	}
	r, err := c.videos.Sanitize(ctx, asset.Locator, dst, cfg, progress)
	if err != nil {
		os.Remove(dst)
		return nil, err
	}

	res := &cleaned{findings: r.Findings, removed: r.Removed, size: r.Size}
	res.output, err = c.sink.Commit(ctx, dst, asset, format, cfg)
	if err != nil {
		return res, err
	}
	return res, nil
}
