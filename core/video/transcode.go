package video

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/metakill/metakill/core"
)

// Bitrate bounds for re-encoded video and the fixed audio bitrate.
const (
	MinVideoBitrate  = 2_000_000
	MaxVideoBitrate  = 12_000_000
	AudioBitrate     = 128_000
	DefaultFrameRate = 30
	defaultRate      = 44100
	defaultChannels  = 2
)

// Sample is one decoded unit: a raw frame for video, an interleaved PCM
// chunk for audio.
type Sample struct {
	Data []byte
	PTS  time.Duration
}

// TrackOutput yields decoded samples of one source track. Next returns
// io.EOF once the track is exhausted.
type TrackOutput interface {
	Next(ctx context.Context) (Sample, error)
	Close() error
}

// TrackInput accepts samples for one output track. MarkFinished signals
// end of data and is safe to call more than once.
type TrackInput interface {
	Append(ctx context.Context, s Sample) error
	MarkFinished() error
}

// Writer muxes encoded tracks into one output file.
type Writer interface {
	Input(kind TrackKind) (TrackInput, bool)
	// Finish waits for every input to drain and finalises the file.
	Finish(ctx context.Context) error
	// Abort stops writing and leaves no guarantee about the file.
	Abort()
}

// EncodeSettings describes one output track.
type EncodeSettings struct {
	Kind TrackKind

	// video
	Codec       string // h264 or hevc
	Width       int
	Height      int
	FrameRate   float64
	Bitrate     int
	PixelFormat string // yuv420p or yuv420p10le
	Color       *ColorInfo

	// audio
	SampleRate int
	Channels   int
}

// Transcoder opens decoded track outputs and encoding writers.
type Transcoder interface {
	OpenTrackOutput(ctx context.Context, src string, track Track, settings EncodeSettings) (TrackOutput, error)
	CreateWriter(ctx context.Context, dst string, tracks []EncodeSettings) (Writer, error)
}

// videoSettings derives the encoder configuration for the first video
// track. HEVC is chosen only when HDR is both requested and present.
func videoSettings(t Track, preserveHDR bool) EncodeSettings {
	w, h := t.Width, t.Height
	if t.Rotation == 90 || t.Rotation == 270 {
		// decoders apply the display matrix
		w, h = h, w
	}
	s := EncodeSettings{
		Kind:        TrackVideo,
		Codec:       "h264",
		Width:       w &^ 1,
		Height:      h &^ 1,
		FrameRate:   t.EstimatedFrameRate(),
		Bitrate:     int(max(MinVideoBitrate, min(t.EstimatedDataRate(), MaxVideoBitrate))),
		PixelFormat: "yuv420p",
		Color:       t.Color,
	}
	if s.FrameRate <= 0 {
		s.FrameRate = DefaultFrameRate
	}
	if preserveHDR && t.Color.HDR() {
		s.Codec = "hevc"
		s.PixelFormat = "yuv420p10le"
	}
	return s
}

func audioSettings(t Track) EncodeSettings {
	s := EncodeSettings{
		Kind:       TrackAudio,
		Codec:      "aac",
		Bitrate:    AudioBitrate,
		SampleRate: t.SampleRate,
		Channels:   t.Channels,
	}
	if s.SampleRate <= 0 {
		s.SampleRate = defaultRate
	}
	if s.Channels <= 0 {
		s.Channels = defaultChannels
	}
	return s
}

// reencode decodes the first video and first audio track and re-encodes
// them into dst. Every pump runs concurrently because a single muxer
// consumes all inputs.
func (s *Sanitizer) reencode(ctx context.Context, src, dst string, asset *Asset, cfg core.Configuration, progress ProgressFunc) (err error) {
	vt, ok := asset.FirstTrack(TrackVideo)
	if !ok {
		return core.ProcessingFailed("No video tracks in source")
	}
	type job struct {
		track    Track
		settings EncodeSettings
	}
	jobs := []job{{vt, videoSettings(vt, cfg.PreserveHDR)}}
	if at, ok := asset.FirstTrack(TrackAudio); ok {
		jobs = append(jobs, job{at, audioSettings(at)})
	}

	os.Remove(dst)
	settings := make([]EncodeSettings, len(jobs))
	for i, j := range jobs {
		settings[i] = j.settings
	}
	w, err := s.transcoder.CreateWriter(ctx, dst, settings)
	if err != nil {
		return core.WrapProcessing(err, "Cannot create writer")
	}
	defer func() {
		if err != nil {
			w.Abort()
			os.Remove(dst)
		}
	}()

	outputs := make([]TrackOutput, len(jobs))
	for i, j := range jobs {
		out, err := s.transcoder.OpenTrackOutput(ctx, src, j.track, j.settings)
		if err != nil {
			for _, o := range outputs[:i] {
				o.Close()
			}
			return core.WrapProcessing(err, "Cannot add "+string(j.track.Kind)+" reader output")
		}
		outputs[i] = out
	}
	defer func() {
		for _, o := range outputs {
			o.Close()
		}
	}()

	total := asset.Duration
	if total <= 0 {
		total = vt.Duration
	}
	limiter := rate.NewLimiter(rate.Every(s.progressEvery), 1)
	onVideo := func(smp Sample) {
		if progress == nil || total <= 0 || !limiter.Allow() {
			return
		}
		progress(max(0, min(smp.PTS.Seconds()/total.Seconds(), 0.99)))
	}

	inputs := make([]TrackInput, len(jobs))
	for i, j := range jobs {
		in, ok := w.Input(j.settings.Kind)
		if !ok {
			return core.ProcessingFailed("Cannot add %s writer input", j.settings.Kind)
		}
		inputs[i] = in
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		var observe func(Sample)
		if j.settings.Kind == TrackVideo {
			observe = onVideo
		}
		out, in := outputs[i], inputs[i]
		g.Go(func() error { return pump(gctx, out, in, observe) })
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return core.NewError(core.KindCancelled, ctx.Err())
		}
		return core.WrapProcessing(err, "Writing failed")
	}
	if err := w.Finish(ctx); err != nil {
		if ctx.Err() != nil {
			return core.NewError(core.KindCancelled, ctx.Err())
		}
		return core.WrapProcessing(err, "Writing failed")
	}
	return nil
}

// pump moves samples from out to in until end of data, an error, or
// cancellation. The input is always marked finished on return.
func pump(ctx context.Context, out TrackOutput, in TrackInput, observe func(Sample)) error {
	defer in.MarkFinished()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		smp, err := out.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := in.Append(ctx, smp); err != nil {
			return err
		}
		if observe != nil {
			observe(smp)
		}
	}
}
