package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/core/batch"
	"github.com/metakill/metakill/core/cache"
	"github.com/metakill/metakill/core/image"
	"github.com/metakill/metakill/core/video"
	"github.com/metakill/metakill/internal/server"
	"github.com/metakill/metakill/internal/settings"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// collectAssets expands directories into the media files below them.
// Paths that cannot be turned into assets are reported in failed.
func collectAssets(paths []string) (assets []core.MediaAsset, failed []core.CleaningOutcome) {
	add := func(path string) {
		asset, err := core.AssetFromPath(path)
		if err != nil {
			failed = append(failed, core.Failed(core.MediaAsset{Name: path, Locator: path}, nil, 0, err))
			return
		}
		assets = append(assets, asset)
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			add(p)
			continue
		}
		filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			name := d.Name()
			if d.IsDir() {
				if path != p && strings.HasPrefix(name, ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return nil
			}
			if core.MediaKindFor(core.FormatFromExt(name)) != "" {
				add(path)
			}
			return nil
		})
	}
	return assets, failed
}

func newInspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file|dir>...",
		Short: "Report the metadata found in files without changing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			images := image.NewSanitizer(image.WithLogger(a.log))
			videos := video.NewSanitizer(a.settings.VideoOptions(a.log)...)

			assets, failed := collectAssets(args)
			for _, asset := range assets {
				if err := ctx.Err(); err != nil {
					return core.NewError(core.KindCancelled, err)
				}
				format, err := core.DetectFormat(asset.Locator)
				if err != nil {
					failed = append(failed, core.Failed(asset, nil, 0, err))
					continue
				}
				var findings core.Findings
				switch asset.Kind {
				case core.KindImage:
					data, err := os.ReadFile(asset.Locator)
					if err != nil {
						failed = append(failed, core.Failed(asset, nil, 0, err))
						continue
					}
					findings = images.Inspect(data, asset.Name)
				case core.KindVideo:
					findings = videos.Inspect(ctx, asset.Locator)
				}
				a.printer.PrintReport(core.Report{File: asset.Locator, Format: format, Findings: findings})
			}
			for _, o := range failed {
				core.PrintError(o.Name + ": " + o.Error)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d files could not be inspected", len(failed), len(assets)+len(failed))
			}
			return nil
		},
	}
}

type cleanOptions struct {
	cfg       core.Configuration
	policy    string
	workers   int
	cacheSize int
	outputDir string
}

func newCleanCommand(a *app) *cobra.Command {
	opts := cleanOptions{cfg: core.DefaultConfiguration(), policy: settings.PolicyLocation, workers: batch.DefaultWorkers, cacheSize: cache.DefaultSize}
	var outputMode, strategy string

	cmd := &cobra.Command{
		Use:   "clean <file|dir>...",
		Short: "Strip metadata from photos and videos",
		Long: `Strip metadata from photos and videos.

Cleaned copies are written next to each source (or to --output-dir) as
<name>_clean.<ext>. Flags override the config file and the environment.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.cfg.OutputMode = core.OutputMode(outputMode)
			opts.cfg.VideoStrategy = core.VideoStrategy(strategy)
			s := *a.settings
			applyCleanFlags(cmd, &s, opts)
			if err := s.Validate(); err != nil {
				return err
			}
			return runClean(cmd, a, s, args)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.cfg.RemoveGPS, "remove-gps", opts.cfg.RemoveGPS, "remove location data")
	f.BoolVar(&opts.cfg.RemoveAllMetadata, "remove-all", opts.cfg.RemoveAllMetadata, "remove all metadata")
	f.BoolVar(&opts.cfg.PreserveFileDate, "preserve-date", opts.cfg.PreserveFileDate, "copy the source modification time to the output")
	f.StringVar(&outputMode, "output-mode", string(opts.cfg.OutputMode), "replace, newCopy or newCopyWithTimestamp")
	f.BoolVar(&opts.cfg.HEICToJPEG, "heic-to-jpeg", opts.cfg.HEICToJPEG, "write HEIC sources as JPEG")
	f.Float64Var(&opts.cfg.HEICQuality, "heic-quality", opts.cfg.HEICQuality, "HEIC quality (0.5-1.0)")
	f.Float64Var(&opts.cfg.JPEGQuality, "jpeg-quality", opts.cfg.JPEGQuality, "JPEG quality (0.5-1.0)")
	f.BoolVar(&opts.cfg.ForceSRGB, "force-srgb", opts.cfg.ForceSRGB, "convert pixels to sRGB")
	f.BoolVar(&opts.cfg.BakeOrientation, "bake-orientation", opts.cfg.BakeOrientation, "rotate pixels upright instead of keeping the orientation tag")
	f.StringVar(&strategy, "video-strategy", string(opts.cfg.VideoStrategy), "fastRemux, reencode or smartAuto")
	f.StringVar(&opts.policy, "video-policy", opts.policy, "smartAuto fallback: location or strict")
	f.BoolVar(&opts.cfg.PreserveHDR, "preserve-hdr", opts.cfg.PreserveHDR, "keep HDR when re-encoding video")
	f.IntVar(&opts.cfg.MaxConcurrentOperations, "max-concurrent", opts.cfg.MaxConcurrentOperations, "parallelism inside one file (1-8)")
	f.BoolVar(&opts.cfg.SaveToLibrary, "save-to-library", opts.cfg.SaveToLibrary, "import outputs into the configured library")
	f.BoolVar(&opts.cfg.DeleteOriginal, "delete-original", opts.cfg.DeleteOriginal, "delete sources after a successful clean")
	f.IntVarP(&opts.workers, "workers", "w", opts.workers, "files cleaned at once")
	f.IntVar(&opts.cacheSize, "cache-size", opts.cacheSize, "cleaned images kept in memory")
	f.StringVarP(&opts.outputDir, "output-dir", "o", "", "directory for cleaned copies")

	return cmd
}

// applyCleanFlags copies the flags the user set over s.
func applyCleanFlags(cmd *cobra.Command, s *settings.Settings, o cleanOptions) {
	c := &s.Cleaning
	set := map[string]func(){
		"remove-gps":       func() { c.RemoveGPS = o.cfg.RemoveGPS },
		"remove-all":       func() { c.RemoveAllMetadata = o.cfg.RemoveAllMetadata },
		"preserve-date":    func() { c.PreserveFileDate = o.cfg.PreserveFileDate },
		"output-mode":      func() { c.OutputMode = string(o.cfg.OutputMode) },
		"heic-to-jpeg":     func() { c.HEICToJPEG = o.cfg.HEICToJPEG },
		"heic-quality":     func() { c.HEICQuality = o.cfg.HEICQuality },
		"jpeg-quality":     func() { c.JPEGQuality = o.cfg.JPEGQuality },
		"force-srgb":       func() { c.ForceSRGB = o.cfg.ForceSRGB },
		"bake-orientation": func() { c.BakeOrientation = o.cfg.BakeOrientation },
		"video-strategy":   func() { c.VideoStrategy = string(o.cfg.VideoStrategy) },
		"video-policy":     func() { c.VideoPolicy = o.policy },
		"preserve-hdr":     func() { c.PreserveHDR = o.cfg.PreserveHDR },
		"max-concurrent":   func() { c.MaxConcurrentOperations = o.cfg.MaxConcurrentOperations },
		"save-to-library":  func() { c.SaveToLibrary = o.cfg.SaveToLibrary },
		"delete-original":  func() { c.DeleteOriginal = o.cfg.DeleteOriginal },
		"workers":          func() { s.Workers = o.workers },
		"cache-size":       func() { s.CacheSize = o.cacheSize },
		"output-dir":       func() { s.OutputDir = o.outputDir },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

func runClean(cmd *cobra.Command, a *app, s settings.Settings, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sink, err := s.FileSink(ctx, a.log)
	if err != nil {
		return err
	}
	cleaner := batch.NewCleaner(sink,
		batch.WithImageSanitizer(image.NewSanitizer(image.WithLogger(a.log))),
		batch.WithVideoSanitizer(video.NewSanitizer(s.VideoOptions(a.log)...)),
		batch.WithCache(cache.New(s.CacheSize)),
		batch.WithCleanerLogger(a.log),
		batch.WithVideoProgress(func(asset core.MediaAsset, p float64) {
			a.log.Debug().Str("asset", asset.Name).Float64("progress", p).Msg("video progress")
		}))
	orch := batch.New(cleaner, batch.WithWorkers(s.Workers), batch.WithLogger(a.log))

	assets, failed := collectAssets(args)
	for _, o := range failed {
		a.printer.PrintOutcome(o)
	}
	if len(assets) == 0 && len(failed) == 0 {
		a.printer.PrintInfo("no photos or videos found")
		return nil
	}

	progress := cmd.ErrOrStderr()
	onProgress := func(p float64) {
		if !a.printer.JSON {
			fmt.Fprintf(progress, "\r%3.0f%%", p*100)
		}
	}
	onItem := func(_ int, o core.CleaningOutcome) {
		if !a.printer.JSON {
			fmt.Fprint(progress, "\r")
		}
		a.printer.PrintOutcome(o)
	}

	start := time.Now()
	outcomes, runErr := orch.Run(ctx, assets, s.Configuration(), onProgress, onItem)
	if !a.printer.JSON && len(assets) > 0 {
		fmt.Fprintln(progress)
	}
	outcomes = append(failed, outcomes...)
	a.printer.PrintSummary(outcomes)
	a.log.Debug().Dur("elapsed", time.Since(start)).Msg("clean finished")

	if runErr != nil {
		return runErr
	}
	bad := 0
	for _, o := range outcomes {
		if !o.Succeeded() {
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d files failed", bad, len(outcomes))
	}
	return nil
}

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve inspection and sanitization over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.settings
			if addr != "" {
				s.Server.Addr = addr
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			srv := server.New(server.Config{
				Addr:            s.Server.Addr,
				MaxUploadBytes:  s.Server.MaxUploadMB << 20,
				RateLimit:       rate.Limit(s.Server.RateLimit),
				RateBurst:       s.Server.RateBurst,
				Workers:         s.Workers,
				ReadTimeout:     s.Server.ReadTimeout,
				WriteTimeout:    s.Server.WriteTimeout,
				ShutdownTimeout: s.Server.ShutdownTimeout,
				Defaults:        s.Configuration().Normalized(),
			},
				server.WithImageSanitizer(image.NewSanitizer(image.WithLogger(a.log))),
				server.WithVideoSanitizer(video.NewSanitizer(s.VideoOptions(a.log)...)),
				server.WithLogger(a.log))

			a.printer.PrintInfo("listening on " + s.Server.Addr)
			err := srv.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides METAKILL_ADDR)")
	return cmd
}
