// Package core defines the shared types, configuration, error taxonomy and
// format registry for metakill.
package core

import (
	"time"

	"github.com/google/uuid"
)

// MediaKind is the declared broad kind of an input asset.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// MediaAsset identifies one input. It is never mutated by the core.
type MediaAsset struct {
	ID        uuid.UUID
	Name      string    // display name, usually the base file name
	Locator   string    // readable source location (a path for the filesystem supplier)
	Kind      MediaKind // image | video
	Size      int64     // byte size at import time
	LibraryID string    // opaque, only meaningful to the storage collaborator
}

// NewMediaAsset builds an asset with a fresh id.
func NewMediaAsset(name, locator string, kind MediaKind, size int64) MediaAsset {
	return MediaAsset{
		ID:      uuid.New(),
		Name:    name,
		Locator: locator,
		Kind:    kind,
		Size:    size,
	}
}

// MetadataKind names a detected metadata category.
type MetadataKind string

const (
	MetaEXIF              MetadataKind = "exif"
	MetaGPS               MetadataKind = "gps"
	MetaIPTC              MetadataKind = "iptc"
	MetaXMP               MetadataKind = "xmp"
	MetaOrientation       MetadataKind = "orientation"
	MetaColorProfile      MetadataKind = "color-profile"
	MetaThumbnail         MetadataKind = "thumbnail"
	MetaPNGText           MetadataKind = "png-text"
	MetaQuickTimeLocation MetadataKind = "quicktime-location"
	MetaQuickTimeUserData MetadataKind = "quicktime-user-data"
	MetaVideoMetadata     MetadataKind = "video-metadata"
	MetaChapters          MetadataKind = "chapters"
	MetaCoverArt          MetadataKind = "cover-art"
	MetaTimecode          MetadataKind = "timecode"
	MetaID3               MetadataKind = "id3"
)

// Label returns a human-readable name for the kind.
func (k MetadataKind) Label() string {
	switch k {
	case MetaEXIF:
		return "EXIF"
	case MetaGPS:
		return "GPS Location"
	case MetaIPTC:
		return "IPTC"
	case MetaXMP:
		return "XMP"
	case MetaOrientation:
		return "Orientation"
	case MetaColorProfile:
		return "Color Profile"
	case MetaThumbnail:
		return "Embedded Thumbnail"
	case MetaPNGText:
		return "PNG Text"
	case MetaQuickTimeLocation:
		return "QuickTime Location"
	case MetaQuickTimeUserData:
		return "QuickTime User Data"
	case MetaVideoMetadata:
		return "Video Metadata"
	case MetaChapters:
		return "Chapters"
	case MetaCoverArt:
		return "Cover Art"
	case MetaTimecode:
		return "Timecode"
	case MetaID3:
		return "ID3"
	}
	return string(k)
}

// Sensitive reports whether the category can leak physical location.
func (k MetadataKind) Sensitive() bool {
	return k == MetaGPS || k == MetaQuickTimeLocation
}

// Finding is one detected metadata category.
type Finding struct {
	Kind       MetadataKind `json:"kind"`
	Detected   bool         `json:"detected"`
	FieldCount int          `json:"fieldCount"`
	Sensitive  bool         `json:"sensitive"`
}

// NewFinding returns a detected finding; sensitivity follows the kind.
func NewFinding(kind MetadataKind, fields int) Finding {
	return Finding{Kind: kind, Detected: true, FieldCount: fields, Sensitive: kind.Sensitive()}
}

// Findings is an ordered list produced once per sanitization call.
type Findings []Finding

// Has reports whether kind was detected.
func (fs Findings) Has(kind MetadataKind) bool {
	for _, f := range fs {
		if f.Kind == kind && f.Detected {
			return true
		}
	}
	return false
}

// Get returns the finding for kind, if any.
func (fs Findings) Get(kind MetadataKind) (Finding, bool) {
	for _, f := range fs {
		if f.Kind == kind {
			return f, true
		}
	}
	return Finding{}, false
}

// Sensitive returns the detected findings flagged sensitive.
func (fs Findings) Sensitive() Findings {
	var out Findings
	for _, f := range fs {
		if f.Detected && f.Sensitive {
			out = append(out, f)
		}
	}
	return out
}

// Kinds lists the detected kinds in order.
func (fs Findings) Kinds() []MetadataKind {
	out := make([]MetadataKind, 0, len(fs))
	for _, f := range fs {
		if f.Detected {
			out = append(out, f.Kind)
		}
	}
	return out
}

// Clone returns an independent copy.
func (fs Findings) Clone() Findings {
	if fs == nil {
		return nil
	}
	out := make(Findings, len(fs))
	copy(out, fs)
	return out
}

// OutcomeState is the terminal state of one sanitization.
type OutcomeState string

const (
	StateCompleted OutcomeState = "completed"
	StateFailed    OutcomeState = "failed"
)

// CleaningOutcome is the immutable result of sanitizing one asset.
// A completed outcome always has OutputSize and never Error; a failed one
// has Error and no OutputSize. Use Completed / Failed to build one.
type CleaningOutcome struct {
	Asset      MediaAsset     `json:"-"`
	AssetID    uuid.UUID      `json:"assetId"`
	Name       string         `json:"name"`
	State      OutcomeState   `json:"state"`
	Findings   Findings       `json:"findings"`
	Removed    []MetadataKind `json:"removed"`
	Elapsed    time.Duration  `json:"elapsed"`
	OutputSize *int64         `json:"outputSize,omitempty"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"errorKind,omitempty"`
}

// Completed builds a successful outcome.
func Completed(asset MediaAsset, findings Findings, removed []MetadataKind, elapsed time.Duration, output string, size int64) CleaningOutcome {
	return CleaningOutcome{
		Asset:      asset,
		AssetID:    asset.ID,
		Name:       asset.Name,
		State:      StateCompleted,
		Findings:   findings,
		Removed:    removed,
		Elapsed:    elapsed,
		OutputSize: &size,
		Output:     output,
	}
}

// Failed builds a failed outcome carrying a user-visible message derived from err.
func Failed(asset MediaAsset, findings Findings, elapsed time.Duration, err error) CleaningOutcome {
	return CleaningOutcome{
		Asset:     asset,
		AssetID:   asset.ID,
		Name:      asset.Name,
		State:     StateFailed,
		Findings:  findings,
		Elapsed:   elapsed,
		Error:     Message(err),
		ErrorKind: KindOf(err),
	}
}

// Succeeded reports whether the outcome is completed.
func (o CleaningOutcome) Succeeded() bool { return o.State == StateCompleted }

// SpaceSaved is source size minus output size; zero unless completed.
func (o CleaningOutcome) SpaceSaved() int64 {
	if o.State != StateCompleted || o.OutputSize == nil {
		return 0
	}
	return o.Asset.Size - *o.OutputSize
}
