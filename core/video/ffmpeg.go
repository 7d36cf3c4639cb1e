package video

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/metakill/metakill/core"
)

const (
	defaultFFmpeg  = "ffmpeg"
	defaultFFprobe = "ffprobe"
	audioChunk     = 1024 // frames per PCM sample
)

// ISO/IEC 23091-2 code points and their ffmpeg names.
var (
	primariesNames = map[uint16]string{1: "bt709", 9: "bt2020", 12: "smpte432"}
	transferNames  = map[uint16]string{1: "bt709", 14: "bt2020-10", 16: "smpte2084", 18: "arib-std-b67"}
	matrixNames    = map[uint16]string{1: "bt709", 9: "bt2020nc"}
)

func codePoint(names map[uint16]string, name string) (uint16, bool) {
	for k, v := range names {
		if v == name {
			return k, true
		}
	}
	return 0, false
}

// stderrTail keeps the last bytes ffmpeg wrote for error messages.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (s *stderrTail) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	if over := len(s.buf) - 4096; over > 0 {
		s.buf = s.buf[over:]
	}
	return len(p), nil
}

func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(string(s.buf))
}

func commandError(name string, err error, stderr *stderrTail) error {
	if msg := stderr.String(); msg != "" {
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// ─── ffprobe ─────────────────────────────────────────────────────────────────

// FFprobeProber probes any container ffprobe understands.
type FFprobeProber struct {
	Binary string
}

type probeOutput struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
	Streams []struct {
		Index          int               `json:"index"`
		CodecType      string            `json:"codec_type"`
		CodecName      string            `json:"codec_name"`
		CodecTag       string            `json:"codec_tag_string"`
		Width          int               `json:"width"`
		Height         int               `json:"height"`
		AvgFrameRate   string            `json:"avg_frame_rate"`
		SampleRate     string            `json:"sample_rate"`
		Channels       int               `json:"channels"`
		BitRate        string            `json:"bit_rate"`
		Duration       string            `json:"duration"`
		NbFrames       string            `json:"nb_frames"`
		ColorPrimaries string            `json:"color_primaries"`
		ColorTransfer  string            `json:"color_transfer"`
		ColorSpace     string            `json:"color_space"`
		ColorRange     string            `json:"color_range"`
		Disposition    map[string]int    `json:"disposition"`
		Tags           map[string]string `json:"tags"`
		SideData       []struct {
			Rotation int `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
	Chapters []json.RawMessage `json:"chapters"`
}

func (p FFprobeProber) Probe(ctx context.Context, path string) (*Asset, error) {
	bin := orDefault(p.Binary, defaultFFprobe)
	var stderr stderrTail
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams", "-show_chapters",
		path)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, commandError("ffprobe", err, &stderr)
	}
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return po.asset(path), nil
}

func (po *probeOutput) asset(path string) *Asset {
	a := &Asset{
		Path:      path,
		Container: po.Format.FormatName,
		Duration:  parseSeconds(po.Format.Duration),
		Chapters:  len(po.Chapters),
	}
	for k, v := range po.Format.Tags {
		if technicalTags[strings.ToLower(k)] {
			continue
		}
		a.Metadata = append(a.Metadata, Item{Space: "tags", Key: k, Value: v})
	}

	perKind := map[TrackKind]int{}
	for _, s := range po.Streams {
		if s.Disposition["attached_pic"] == 1 || s.CodecType == "attachment" {
			a.CoverArt = true
			continue
		}
		t := Track{
			ID:       uint32(s.Index),
			Codec:    s.CodecName,
			Width:    s.Width,
			Height:   s.Height,
			Channels: s.Channels,
			Duration: parseSeconds(s.Duration),
		}
		switch s.CodecType {
		case "video":
			t.Kind = TrackVideo
		case "audio":
			t.Kind = TrackAudio
		case "subtitle":
			t.Kind = TrackText
		case "data":
			t.Kind = TrackMetadata
			if s.CodecTag == "tmcd" {
				t.Kind = TrackTimecode
			}
		default:
			t.Kind = TrackOther
		}
		t.SampleRate, _ = strconv.Atoi(s.SampleRate)
		t.BitRate, _ = strconv.ParseInt(s.BitRate, 10, 64)
		t.SampleCount, _ = strconv.Atoi(s.NbFrames)
		t.FrameRate = parseRational(s.AvgFrameRate)
		for _, sd := range s.SideData {
			if sd.Rotation != 0 {
				// ffprobe reports counter-clockwise degrees
				t.Rotation = ((-sd.Rotation % 360) + 360) % 360
			}
		}
		if t.Kind == TrackVideo && s.ColorPrimaries != "" {
			c := &ColorInfo{FullRange: s.ColorRange == "pc"}
			c.Primaries, _ = codePoint(primariesNames, s.ColorPrimaries)
			c.Transfer, _ = codePoint(transferNames, s.ColorTransfer)
			c.Matrix, _ = codePoint(matrixNames, s.ColorSpace)
			t.Color = c
		}
		for k, v := range s.Tags {
			if technicalTags[strings.ToLower(k)] {
				continue
			}
			t.Metadata = append(t.Metadata, Item{Space: "tags", Key: k, Value: v})
		}
		t.Index = perKind[t.Kind]
		perKind[t.Kind]++
		if t.Duration == 0 {
			t.Duration = a.Duration
		}
		a.Tracks = append(a.Tracks, t)
	}
	return a
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ─── ffmpeg remux ────────────────────────────────────────────────────────────

// FFmpegRemuxer stream-copies any container ffmpeg can read, dropping
// global, stream and chapter metadata, attachments and cover art.
type FFmpegRemuxer struct {
	Binary string
	Prober Prober // supplies the duration for progress
}

func isMP4Family(path string) bool {
	switch core.FormatFromExt(path) {
	case core.FmtMP4, core.FmtMOV, core.FmtM4V:
		return true
	}
	return false
}

func (r FFmpegRemuxer) Remux(ctx context.Context, src, dst string, progress ProgressFunc) (err error) {
	var total time.Duration
	if r.Prober != nil {
		if a, err := r.Prober.Probe(ctx, src); err == nil {
			total = a.Duration
		}
	}

	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-map", "0:V", "-map", "0:a?",
	}
	if !isMP4Family(dst) {
		args = append(args, "-map", "0:s?")
	}
	args = append(args,
		"-c", "copy",
		"-map_metadata", "-1",
		"-map_chapters", "-1",
		"-fflags", "+bitexact",
	)
	if isMP4Family(dst) {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-progress", "pipe:1", dst)

	var stderr stderrTail
	cmd := exec.CommandContext(ctx, orDefault(r.Binary, defaultFFmpeg), args...)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		if !ok || key != "out_time_us" || progress == nil || total <= 0 {
			continue
		}
		if us, err := strconv.ParseInt(val, 10, 64); err == nil && us > 0 {
			progress(min(float64(us)/float64(total.Microseconds()), 0.99))
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return commandError("ffmpeg", err, &stderr)
	}
	return nil
}

// ─── ffmpeg transcode ────────────────────────────────────────────────────────

// FFmpegTranscoder decodes tracks to raw frames and PCM through one
// ffmpeg process per track, and encodes through a single ffmpeg process
// fed by pipes.
type FFmpegTranscoder struct {
	Binary string
}

func (t FFmpegTranscoder) OpenTrackOutput(ctx context.Context, src string, track Track, s EncodeSettings) (TrackOutput, error) {
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-i", src}
	var frameSize int
	var step time.Duration
	switch s.Kind {
	case TrackVideo:
		fps := s.FrameRate
		if fps <= 0 {
			fps = DefaultFrameRate
		}
		args = append(args,
			"-map", fmt.Sprintf("0:v:%d", track.Index),
			"-f", "rawvideo", "-pix_fmt", s.PixelFormat,
			"-s", fmt.Sprintf("%dx%d", s.Width, s.Height),
			"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		)
		frameSize = rawFrameSize(s)
		step = time.Duration(float64(time.Second) / fps)
	case TrackAudio:
		args = append(args,
			"-map", fmt.Sprintf("0:a:%d", track.Index),
			"-f", "s16le", "-acodec", "pcm_s16le",
			"-ar", strconv.Itoa(s.SampleRate), "-ac", strconv.Itoa(s.Channels),
		)
		frameSize = audioChunk * s.Channels * 2
		step = time.Duration(float64(time.Second) * audioChunk / float64(s.SampleRate))
	default:
		return nil, fmt.Errorf("cannot decode %s tracks", s.Kind)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("invalid %s output geometry", s.Kind)
	}
	args = append(args, "pipe:1")

	o := &ffmpegOutput{kind: s.Kind, frameSize: frameSize, step: step}
	o.cmd = exec.CommandContext(ctx, orDefault(t.Binary, defaultFFmpeg), args...)
	o.cmd.Stderr = &o.stderr
	stdout, err := o.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	o.r = bufio.NewReaderSize(stdout, 1<<20)
	if err := o.cmd.Start(); err != nil {
		return nil, err
	}
	return o, nil
}

func rawFrameSize(s EncodeSettings) int {
	cw, ch := (s.Width+1)/2, (s.Height+1)/2
	n := s.Width*s.Height + 2*cw*ch
	if strings.HasSuffix(s.PixelFormat, "10le") {
		n *= 2
	}
	return n
}

type ffmpegOutput struct {
	kind      TrackKind
	cmd       *exec.Cmd
	r         io.Reader
	stderr    stderrTail
	frameSize int
	step      time.Duration
	n         int64
	done      bool
	closeOnce sync.Once
}

func (o *ffmpegOutput) Next(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if o.done {
		return Sample{}, io.EOF
	}
	buf := make([]byte, o.frameSize)
	n, err := io.ReadFull(o.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF) && o.kind == TrackAudio && n > 0:
		buf = buf[:n]
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		o.done = true
		if werr := o.wait(); werr != nil {
			return Sample{}, werr
		}
		return Sample{}, io.EOF
	default:
		return Sample{}, err
	}
	s := Sample{Data: buf, PTS: time.Duration(o.n) * o.step}
	o.n++
	return s, nil
}

func (o *ffmpegOutput) wait() (err error) {
	o.closeOnce.Do(func() {
		if werr := o.cmd.Wait(); werr != nil {
			err = commandError("ffmpeg decode", werr, &o.stderr)
		}
	})
	return err
}

func (o *ffmpegOutput) Close() error {
	o.closeOnce.Do(func() {
		if o.cmd.Process != nil {
			o.cmd.Process.Kill()
		}
		o.cmd.Wait()
	})
	return nil
}

func (t FFmpegTranscoder) CreateWriter(ctx context.Context, dst string, tracks []EncodeSettings) (Writer, error) {
	w := &ffmpegWriter{inputs: map[TrackKind]*pipeInput{}}
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-y"}
	var outArgs []string
	var files []*os.File
	fail := func(err error) (Writer, error) {
		for _, f := range files {
			f.Close()
		}
		for _, in := range w.inputs {
			in.w.Close()
		}
		return nil, err
	}

	for i, s := range tracks {
		pr, pw, err := os.Pipe()
		if err != nil {
			return fail(err)
		}
		files = append(files, pr)
		w.inputs[s.Kind] = &pipeInput{w: pw}
		fd := 3 + i
		switch s.Kind {
		case TrackVideo:
			args = append(args,
				"-f", "rawvideo", "-pix_fmt", s.PixelFormat,
				"-s", fmt.Sprintf("%dx%d", s.Width, s.Height),
				"-r", strconv.FormatFloat(s.FrameRate, 'f', -1, 64),
				"-i", fmt.Sprintf("pipe:%d", fd))
			outArgs = append(outArgs, "-map", fmt.Sprintf("%d:v", i))
			outArgs = append(outArgs, videoEncoderArgs(s, dst)...)
		case TrackAudio:
			args = append(args,
				"-f", "s16le",
				"-ar", strconv.Itoa(s.SampleRate), "-ac", strconv.Itoa(s.Channels),
				"-i", fmt.Sprintf("pipe:%d", fd))
			outArgs = append(outArgs, "-map", fmt.Sprintf("%d:a", i),
				"-c:a", "aac", "-b:a", strconv.Itoa(s.Bitrate))
		default:
			return fail(fmt.Errorf("cannot encode %s tracks", s.Kind))
		}
	}
	args = append(args, outArgs...)
	args = append(args, "-map_metadata", "-1", "-map_chapters", "-1", "-fflags", "+bitexact")
	if isMP4Family(dst) {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, dst)

	w.cmd = exec.CommandContext(ctx, orDefault(t.Binary, defaultFFmpeg), args...)
	w.cmd.Stderr = &w.stderr
	w.cmd.ExtraFiles = files
	if err := w.cmd.Start(); err != nil {
		return fail(err)
	}
	for _, f := range files {
		f.Close()
	}
	return w, nil
}

func videoEncoderArgs(s EncodeSettings, dst string) []string {
	var args []string
	if s.Codec == "hevc" {
		args = append(args, "-c:v", "libx265", "-x265-params", "log-level=error")
		if isMP4Family(dst) {
			args = append(args, "-tag:v", "hvc1")
		}
	} else {
		args = append(args, "-c:v", "libx264")
	}
	args = append(args, "-b:v", strconv.Itoa(s.Bitrate), "-pix_fmt", s.PixelFormat)
	if c := s.Color; c != nil {
		if n, ok := primariesNames[c.Primaries]; ok {
			args = append(args, "-color_primaries", n)
		}
		if n, ok := transferNames[c.Transfer]; ok {
			args = append(args, "-color_trc", n)
		}
		if n, ok := matrixNames[c.Matrix]; ok {
			args = append(args, "-colorspace", n)
		}
	}
	return args
}

type ffmpegWriter struct {
	cmd    *exec.Cmd
	stderr stderrTail
	inputs map[TrackKind]*pipeInput
}

func (w *ffmpegWriter) Input(kind TrackKind) (TrackInput, bool) {
	in, ok := w.inputs[kind]
	return in, ok
}

func (w *ffmpegWriter) closeInputs() {
	for _, in := range w.inputs {
		in.MarkFinished()
	}
}

func (w *ffmpegWriter) Finish(ctx context.Context) error {
	w.closeInputs()
	if err := w.cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return commandError("ffmpeg encode", err, &w.stderr)
	}
	return nil
}

func (w *ffmpegWriter) Abort() {
	w.closeInputs()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.cmd.Wait()
}

type pipeInput struct {
	w    *os.File
	once sync.Once
}

func (p *pipeInput) Append(ctx context.Context, s Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.w.Write(s.Data)
	return err
}

func (p *pipeInput) MarkFinished() error {
	var err error
	p.once.Do(func() { err = p.w.Close() })
	return err
}
