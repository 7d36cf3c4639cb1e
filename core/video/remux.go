package video

import (
	"bufio"
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/metakill/metakill/core"
)

// ProgressFunc receives a completion fraction in [0, 1]. It may be nil.
type ProgressFunc func(float64)

// Remuxer copies a container's media without transcoding and without
// any metadata.
type Remuxer interface {
	Remux(ctx context.Context, src, dst string, progress ProgressFunc) error
}

// MP4Remuxer rewrites MP4/MOV/M4V files in place of an export session:
// moov is rebuilt without udta/meta at any level, chapter, timecode and
// timed-metadata tracks are dropped and their samples zeroed in mdat,
// header timestamps are zeroed, and moov is written ahead of mdat.
type MP4Remuxer struct {
	// PollInterval is how often progress is sampled (default 100ms).
	PollInterval time.Duration
}

// mediaMap translates a source mdat payload range to its output position.
type mediaMap struct {
	src    atom
	dstOff int64
}

func (r MP4Remuxer) Remux(ctx context.Context, src, dst string, progress ProgressFunc) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	atoms, err := scanAtoms(in, info.Size())
	if err != nil {
		return core.NewError(core.KindCorruptedFile, err)
	}
	if _, ok := findAtom(atoms, "moof"); ok {
		return core.ProcessingFailed("fragmented MP4 is not supported for remuxing")
	}
	moov, err := readMoov(in, atoms)
	if err != nil {
		return core.NewError(core.KindCorruptedFile, err)
	}
	if moov.child("mvex") != nil {
		return core.ProcessingFailed("fragmented MP4 is not supported for remuxing")
	}

	dropped := droppedTracks(moov)
	var zero []byteRange
	for _, trak := range moov.children {
		if trak.typ != "trak" || !dropped[trackID(trak)] {
			continue
		}
		ranges, err := sampleRanges(trak.path("mdia", "minf", "stbl"))
		if err != nil {
			return core.WrapProcessing(err, "Cannot read sample table")
		}
		zero = append(zero, ranges...)
	}
	clean := cleanMovie(moov, dropped)

	var ftyp []byte
	if a, ok := findAtom(atoms, "ftyp"); ok {
		ftyp = make([]byte, a.size)
		if _, err := in.ReadAt(ftyp, a.offset); err != nil {
			return err
		}
	}

	pos := int64(len(ftyp) + clean.size())
	var media []mediaMap
	for _, a := range atoms {
		if a.typ != "mdat" {
			continue
		}
		media = append(media, mediaMap{src: a, dstOff: pos})
		pos += a.size
	}
	total := pos
	if err := patchChunkOffsets(clean, media); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	var written atomic.Int64
	stop := r.pollProgress(&written, total, progress)
	defer stop()

	bw := bufio.NewWriterSize(out, 1<<20)
	w := &countingWriter{ctx: ctx, w: bw, n: &written}
	if _, err := w.Write(ftyp); err != nil {
		return err
	}
	if _, err := w.Write(clean.appendTo(make([]byte, 0, clean.size()))); err != nil {
		return err
	}
	for _, m := range media {
		var hdr []byte
		if m.src.hdr == 16 {
			hdr = binary.BigEndian.AppendUint32(hdr, 1)
			hdr = append(hdr, "mdat"...)
			hdr = binary.BigEndian.AppendUint64(hdr, uint64(m.src.size))
		} else {
			hdr = binary.BigEndian.AppendUint32(hdr, uint32(m.src.size))
			hdr = append(hdr, "mdat"...)
		}
		if _, err := w.Write(hdr); err != nil {
			return err
		}
		if err := copyMedia(w, in, m.src.payloadStart(), m.src.end(), zero); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return nil
}

func (r MP4Remuxer) pollProgress(written *atomic.Int64, total int64, progress ProgressFunc) (stop func()) {
	if progress == nil || total <= 0 {
		return func() {}
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				progress(min(float64(written.Load())/float64(total), 0.99))
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

type countingWriter struct {
	ctx context.Context
	w   io.Writer
	n   *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// copyMedia copies [start, end) from r, writing zeros over the given
// ranges.
func copyMedia(w io.Writer, r io.ReaderAt, start, end int64, zero []byteRange) error {
	var spans []byteRange
	for _, z := range zero {
		lo, hi := max(z.off, start), min(z.end(), end)
		if lo < hi {
			spans = append(spans, byteRange{off: lo, size: hi - lo})
		}
	}
	slices.SortFunc(spans, func(a, b byteRange) int { return cmp.Compare(a.off, b.off) })

	pos := start
	for _, z := range spans {
		if z.end() <= pos {
			continue
		}
		if z.off > pos {
			if _, err := io.Copy(w, io.NewSectionReader(r, pos, z.off-pos)); err != nil {
				return err
			}
			pos = z.off
		}
		if _, err := io.CopyN(w, zeroReader{}, z.end()-pos); err != nil {
			return err
		}
		pos = z.end()
	}
	if pos < end {
		if _, err := io.Copy(w, io.NewSectionReader(r, pos, end-pos)); err != nil {
			return err
		}
	}
	return nil
}

// ─── moov rewriting ──────────────────────────────────────────────────────────

func trackID(trak *box) uint32 {
	tkhd := trak.child("tkhd")
	if tkhd == nil || len(tkhd.data) < 24 {
		return 0
	}
	if tkhd.data[0] == 1 {
		return binary.BigEndian.Uint32(tkhd.data[20:24])
	}
	return binary.BigEndian.Uint32(tkhd.data[12:16])
}

// droppedTracks returns ids of chapter, timecode and timed-metadata tracks.
func droppedTracks(moov *box) map[uint32]bool {
	out := map[uint32]bool{}
	for _, trak := range moov.children {
		if trak.typ != "trak" {
			continue
		}
		t := parseTrack(trak)
		if t.Kind == TrackTimecode || t.Kind == TrackMetadata {
			out[t.ID] = true
		}
		for _, id := range t.Chapters {
			out[id] = true
		}
	}
	return out
}

var metadataBoxes = map[string]bool{
	"udta": true,
	"meta": true,
	"uuid": true,
}

// cleanMovie returns a copy of moov without metadata boxes or dropped
// tracks, with creation/modification times zeroed. Leaf payloads are
// copied so patching offsets never touches the source tree.
func cleanMovie(moov *box, dropped map[uint32]bool) *box {
	out := &box{typ: moov.typ, container: true}
	for _, c := range moov.children {
		switch {
		case metadataBoxes[c.typ]:
			continue
		case c.typ == "trak" && dropped[trackID(c)]:
			continue
		}
		out.children = append(out.children, cleanBox(c))
	}
	return out
}

func cleanBox(b *box) *box {
	if !b.container {
		data := slices.Clone(b.data)
		switch b.typ {
		case "mvhd", "tkhd", "mdhd":
			zeroTimes(data)
		}
		return &box{typ: b.typ, data: data}
	}
	out := &box{typ: b.typ, container: true}
	for _, c := range b.children {
		if metadataBoxes[c.typ] {
			continue
		}
		if b.typ == "tref" && (c.typ == "chap" || c.typ == "tmcd") {
			continue
		}
		if c.typ == "tref" {
			if t := cleanBox(c); len(t.children) > 0 {
				out.children = append(out.children, t)
			}
			continue
		}
		out.children = append(out.children, cleanBox(c))
	}
	return out
}

// zeroTimes clears creation and modification times of a v0/v1 header.
func zeroTimes(p []byte) {
	switch {
	case len(p) >= 20 && p[0] == 1:
		clear(p[4:20])
	case len(p) >= 12:
		clear(p[4:12])
	}
}

// patchChunkOffsets rewrites stco/co64 entries to the output layout.
func patchChunkOffsets(moov *box, media []mediaMap) error {
	translate := func(off int64) (int64, bool) {
		for _, m := range media {
			if off >= m.src.payloadStart() && off < m.src.end() {
				return off - m.src.offset + m.dstOff, true
			}
		}
		return 0, false
	}
	for _, trak := range moov.children {
		if trak.typ != "trak" {
			continue
		}
		co := chunkOffsetBox(trak.path("mdia", "minf", "stbl"))
		if co == nil {
			continue
		}
		offsets, err := chunkOffsets(co)
		if err != nil {
			return core.WrapProcessing(err, "Cannot read chunk offsets")
		}
		for i, off := range offsets {
			n, ok := translate(off)
			if !ok {
				return core.ProcessingFailed("chunk offset %d outside media data", off)
			}
			if co.typ == "co64" {
				binary.BigEndian.PutUint64(co.data[8+i*8:], uint64(n))
				continue
			}
			if n > 0xFFFFFFFF {
				return core.WrapProcessing(errStcoOverflow, "")
			}
			binary.BigEndian.PutUint32(co.data[8+i*4:], uint32(n))
		}
	}
	return nil
}

var errStcoOverflow = errors.New("32-bit chunk offset overflow after moving moov")

// AutoRemuxer remuxes MP4-family files natively and everything else
// through Fallback.
type AutoRemuxer struct {
	Native   Remuxer
	Fallback Remuxer
}

func (a AutoRemuxer) Remux(ctx context.Context, src, dst string, progress ProgressFunc) error {
	switch core.FormatFromExt(src) {
	case core.FmtMP4, core.FmtMOV, core.FmtM4V:
		return a.Native.Remux(ctx, src, dst, progress)
	}
	if id, err := core.DetectFormat(src); err == nil {
		switch id {
		case core.FmtMP4, core.FmtMOV, core.FmtM4V:
			return a.Native.Remux(ctx, src, dst, progress)
		}
	}
	if a.Fallback == nil {
		return fmt.Errorf("%w: no remuxer for %s", core.ErrUnsupportedFormat, src)
	}
	return a.Fallback.Remux(ctx, src, dst, progress)
}
