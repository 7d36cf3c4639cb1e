package video

import (
	"time"

	"github.com/metakill/metakill/core"
)

// maxDurationDrift is how far a remuxed duration may stray from the source.
const maxDurationDrift = time.Second

// Verify checks a remuxed asset against its source: duration within one
// second, at least one video track, and no location entries.
func Verify(src, out *Asset) error {
	diff := out.Duration - src.Duration
	if diff < 0 {
		diff = -diff
	}
	if diff > maxDurationDrift {
		return core.ProcessingFailed("Duration mismatch after cleaning")
	}
	if out.VideoTracks() == 0 {
		return core.ProcessingFailed("No video tracks in output")
	}
	if len(out.LocationItems()) > 0 {
		return core.ProcessingFailed("Sensitive metadata still present after cleaning")
	}
	return nil
}

// SensitivityPolicy decides whether findings left in a fast-remuxed file
// require falling back to a re-encode.
type SensitivityPolicy func(remaining core.Findings) bool

// LocationOnly falls back only when sensitive findings remain.
func LocationOnly(remaining core.Findings) bool {
	return len(remaining.Sensitive()) > 0
}

// Strict falls back when any finding remains.
func Strict(remaining core.Findings) bool {
	return len(remaining.Kinds()) > 0
}
