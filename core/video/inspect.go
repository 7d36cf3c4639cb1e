package video

import (
	"context"

	"github.com/metakill/metakill/core"
)

// Findings summarises a probed asset. Location entries are reported both
// under their own sensitive kind and under the space they were found in.
func Findings(a *Asset) core.Findings {
	if a == nil {
		return nil
	}
	var userData, tagged, location int
	count := func(items []Item) {
		for _, it := range items {
			switch it.Space {
			case "udta":
				userData++
			case "id3":
			default:
				tagged++
			}
			if it.IsLocation() {
				location++
			}
		}
	}
	count(a.Metadata)
	var timecode int
	for _, t := range a.Tracks {
		count(t.Metadata)
		switch t.Kind {
		case TrackTimecode:
			timecode++
		case TrackMetadata:
			tagged++
		}
	}

	var out core.Findings
	add := func(kind core.MetadataKind, n int) {
		if n > 0 {
			out = append(out, core.NewFinding(kind, n))
		}
	}
	add(core.MetaVideoMetadata, tagged)
	add(core.MetaQuickTimeLocation, location)
	add(core.MetaQuickTimeUserData, userData)
	add(core.MetaChapters, a.Chapters)
	if a.CoverArt {
		add(core.MetaCoverArt, 1)
	}
	add(core.MetaTimecode, timecode)
	add(core.MetaID3, a.ID3Frames)
	return out
}

// Inspect probes path and reports findings. Probe failures degrade to no
// findings.
func (s *Sanitizer) Inspect(ctx context.Context, path string) core.Findings {
	a, err := s.prober.Probe(ctx, path)
	if err != nil {
		s.log.Debug().Err(err).Str("path", path).Msg("video probe failed")
		return nil
	}
	return Findings(a)
}
