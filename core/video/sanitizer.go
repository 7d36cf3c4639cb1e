package video

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/metakill/metakill/core"
)

// Sanitizer removes container metadata from videos. It holds no
// per-call state and is safe for concurrent use.
type Sanitizer struct {
	prober        Prober
	remuxer       Remuxer
	transcoder    Transcoder
	policy        SensitivityPolicy
	progressEvery time.Duration
	log           zerolog.Logger
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

func WithProber(p Prober) Option {
	return func(s *Sanitizer) { s.prober = p }
}

func WithRemuxer(r Remuxer) Option {
	return func(s *Sanitizer) { s.remuxer = r }
}

func WithTranscoder(t Transcoder) Option {
	return func(s *Sanitizer) { s.transcoder = t }
}

// WithPolicy sets when smartAuto abandons a fast remux. The default is
// LocationOnly.
func WithPolicy(p SensitivityPolicy) Option {
	return func(s *Sanitizer) { s.policy = p }
}

// WithProgressInterval sets the minimum spacing of re-encode progress
// reports.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Sanitizer) { s.progressEvery = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sanitizer) { s.log = l }
}

// WithFFmpeg points the default ffmpeg-backed components at the given
// binaries. Explicit WithProber/WithRemuxer/WithTranscoder options win.
func WithFFmpeg(ffmpeg, ffprobe string) Option {
	return func(s *Sanitizer) {
		fallback := FFprobeProber{Binary: ffprobe}
		if s.prober == nil {
			s.prober = DefaultProber(ffprobe)
		}
		if s.remuxer == nil {
			s.remuxer = AutoRemuxer{
				Native:   MP4Remuxer{},
				Fallback: FFmpegRemuxer{Binary: ffmpeg, Prober: fallback},
			}
		}
		if s.transcoder == nil {
			s.transcoder = FFmpegTranscoder{Binary: ffmpeg}
		}
	}
}

// NewSanitizer builds a Sanitizer with native probers and remuxer, ffmpeg
// for everything else, and the LocationOnly policy.
func NewSanitizer(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		progressEvery: 100 * time.Millisecond,
		log:           zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	WithFFmpeg(defaultFFmpeg, defaultFFprobe)(s)
	if s.policy == nil {
		s.policy = LocationOnly
	}
	return s
}

// Result describes a cleaned video written to the destination.
type Result struct {
	Format    core.FormatID
	Strategy  core.VideoStrategy // the strategy that produced the output
	FellBack  bool               // smartAuto abandoned its fast pass
	Findings  core.Findings      // source findings of the producing pass
	Remaining core.Findings      // findings in the output
	Removed   []core.MetadataKind
	Size      int64
}

// OutputFormat is the container a source is written to. WebM and AVI
// are written as MP4.
func (s *Sanitizer) OutputFormat(src string) core.FormatID {
	switch id := outputFormat(src); id {
	case core.FmtMP4, core.FmtMOV, core.FmtM4V, core.FmtMKV:
		return id
	}
	return core.FmtMP4
}

// Sanitize writes a metadata-free copy of src to dst using
// cfg.VideoStrategy. progress, when non-nil, receives non-decreasing
// fractions ending at exactly 1 on success, or a single 0 after
// cancellation.
func (s *Sanitizer) Sanitize(ctx context.Context, src, dst string, cfg core.Configuration, progress ProgressFunc) (*Result, error) {
	cfg = cfg.Normalized()
	start := time.Now()
	rep := &reporter{fn: progress}

	res, err := s.sanitize(ctx, src, dst, cfg, rep)
	if err != nil {
		os.Remove(dst)
		if ctx.Err() != nil || core.KindOf(err) == core.KindCancelled {
			rep.reset()
			return nil, core.NewError(core.KindCancelled, context.Cause(ctx))
		}
		s.log.Debug().Err(err).Str("src", src).Msg("video sanitize failed")
		return nil, core.Classify(err)
	}
	if info, err := os.Stat(dst); err == nil {
		res.Size = info.Size()
	}
	rep.done()

	s.log.Debug().
		Str("src", src).
		Str("strategy", string(res.Strategy)).
		Bool("fell_back", res.FellBack).
		Int("findings", len(res.Findings)).
		Int("removed", len(res.Removed)).
		Dur("elapsed", time.Since(start)).
		Msg("video sanitized")
	return res, nil
}

func (s *Sanitizer) sanitize(ctx context.Context, src, dst string, cfg core.Configuration, rep *reporter) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := core.DetectFormat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, err
		}
		return nil, core.NewError(core.KindCorruptedFile, err)
	}
	if core.MediaKindFor(id) != core.KindVideo {
		return nil, &core.CleaningError{Kind: core.KindUnsupportedFormat, Reason: string(id)}
	}
	source, err := s.probeSource(ctx, src)
	if err != nil {
		return nil, err
	}

	switch cfg.VideoStrategy {
	case core.StrategyFastRemux:
		return s.fastRemux(ctx, src, dst, source, rep.scaled(0, 1))
	case core.StrategyReencode:
		return s.reencodePass(ctx, src, dst, source, cfg, rep.scaled(0, 1))
	}
	return s.smartAuto(ctx, src, dst, source, cfg, rep)
}

func (s *Sanitizer) probeSource(ctx context.Context, src string) (*Asset, error) {
	a, err := s.prober.Probe(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewError(core.KindCorruptedFile, err)
	}
	for _, t := range a.Tracks {
		switch t.Codec {
		case "encv", "enca", "drmi", "drms":
			return nil, core.NewError(core.KindDRMProtected, errors.New(t.Codec))
		}
	}
	return a, nil
}

func (s *Sanitizer) fastRemux(ctx context.Context, src, dst string, source *Asset, progress ProgressFunc) (*Result, error) {
	findings := Findings(source)
	if err := s.remuxer.Remux(ctx, src, dst, progress); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Classify(err)
	}
	out, err := s.prober.Probe(ctx, dst)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.WrapProcessing(err, "Cannot read cleaned output")
	}
	if err := Verify(source, out); err != nil {
		return nil, err
	}
	return newResult(core.StrategyFastRemux, dst, findings, Findings(out)), nil
}

func (s *Sanitizer) reencodePass(ctx context.Context, src, dst string, source *Asset, cfg core.Configuration, progress ProgressFunc) (*Result, error) {
	findings := Findings(source)
	if err := s.reencode(ctx, src, dst, source, cfg, progress); err != nil {
		return nil, err
	}
	out, err := s.prober.Probe(ctx, dst)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.WrapProcessing(err, "Cannot read cleaned output")
	}
	remaining := Findings(out)
	if len(remaining.Sensitive()) > 0 {
		return nil, core.ProcessingFailed("Sensitive metadata still present after cleaning")
	}
	return newResult(core.StrategyReencode, dst, findings, remaining), nil
}

// smartAuto remuxes first and re-encodes at most once when the fast pass
// fails, fails verification, or leaves findings the policy rejects.
func (s *Sanitizer) smartAuto(ctx context.Context, src, dst string, source *Asset, cfg core.Configuration, rep *reporter) (*Result, error) {
	res, err := s.fastRemux(ctx, src, dst, source, rep.scaled(0, 0.5))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	switch {
	case err != nil:
		s.log.Info().Err(err).Str("src", src).Msg("fast remux failed, re-encoding")
	case s.policy(res.Remaining):
		s.log.Info().Str("src", src).Strs("remaining", kindNames(res.Remaining)).Msg("fast remux left metadata, re-encoding")
	default:
		return res, nil
	}

	os.Remove(dst)
	source, err = s.probeSource(ctx, src)
	if err != nil {
		return nil, err
	}
	res, err = s.reencodePass(ctx, src, dst, source, cfg, rep.scaled(0.5, 0.5))
	if err != nil {
		return nil, err
	}
	res.FellBack = true
	return res, nil
}

func newResult(strategy core.VideoStrategy, dst string, findings, remaining core.Findings) *Result {
	var removed []core.MetadataKind
	for _, k := range findings.Kinds() {
		if !remaining.Has(k) {
			removed = append(removed, k)
		}
	}
	return &Result{
		Format:    outputFormat(dst),
		Strategy:  strategy,
		Findings:  findings,
		Remaining: remaining,
		Removed:   removed,
	}
}

func outputFormat(path string) core.FormatID {
	if id, err := core.DetectFormat(path); err == nil && id != core.FmtUnknown {
		return id
	}
	return core.FormatFromExt(path)
}

func kindNames(list core.Findings) []string {
	out := make([]string, 0, len(list))
	for _, k := range list.Kinds() {
		out = append(out, string(k))
	}
	return out
}

// reporter forwards monotonic progress to a caller callback.
type reporter struct {
	mu   sync.Mutex
	fn   ProgressFunc
	last float64
}

func (r *reporter) report(p float64) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p <= r.last {
		return
	}
	r.last = p
	r.fn(p)
}

// scaled maps a phase's [0, 1] into [lo, lo+span].
func (r *reporter) scaled(lo, span float64) ProgressFunc {
	return func(p float64) {
		r.report(lo + span*max(0, min(p, 1)))
	}
}

func (r *reporter) done() {
	r.report(1)
}

func (r *reporter) reset() {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = 0
	r.fn(0)
}
