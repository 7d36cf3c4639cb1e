package core

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FormatID enumerates every recognised container.
type FormatID string

const (
	FmtJPEG FormatID = "jpeg"
	FmtPNG  FormatID = "png"
	FmtGIF  FormatID = "gif"
	FmtWebP FormatID = "webp"
	FmtTIFF FormatID = "tiff"
	FmtBMP  FormatID = "bmp"
	FmtHEIC FormatID = "heic"
	FmtDNG  FormatID = "dng"
	FmtCR2  FormatID = "cr2"
	FmtNEF  FormatID = "nef"
	FmtARW  FormatID = "arw"
	FmtRAW  FormatID = "raw"

	FmtMP4  FormatID = "mp4"
	FmtMOV  FormatID = "mov"
	FmtM4V  FormatID = "m4v"
	FmtMKV  FormatID = "mkv"
	FmtWebM FormatID = "webm"
	FmtAVI  FormatID = "avi"

	FmtUnknown FormatID = "unknown"
)

// extMap maps lowercase extensions to format IDs.
var extMap = map[string]FormatID{
	".jpg":  FmtJPEG,
	".jpeg": FmtJPEG,
	".png":  FmtPNG,
	".gif":  FmtGIF,
	".webp": FmtWebP,
	".tiff": FmtTIFF,
	".tif":  FmtTIFF,
	".bmp":  FmtBMP,
	".heic": FmtHEIC,
	".heif": FmtHEIC,
	".hif":  FmtHEIC,
	".dng":  FmtDNG,
	".cr2":  FmtCR2,
	".nef":  FmtNEF,
	".arw":  FmtARW,
	".raw":  FmtRAW,

	".mp4":  FmtMP4,
	".m4v":  FmtM4V,
	".mov":  FmtMOV,
	".qt":   FmtMOV,
	".mkv":  FmtMKV,
	".webm": FmtWebM,
	".avi":  FmtAVI,
}

// extFor is the canonical output extension per format.
var extFor = map[FormatID]string{
	FmtJPEG: ".jpg",
	FmtPNG:  ".png",
	FmtGIF:  ".gif",
	FmtWebP: ".webp",
	FmtTIFF: ".tiff",
	FmtBMP:  ".bmp",
	FmtHEIC: ".heic",
	FmtMP4:  ".mp4",
	FmtMOV:  ".mov",
	FmtM4V:  ".m4v",
	FmtMKV:  ".mkv",
	FmtWebM: ".webm",
	FmtAVI:  ".avi",
}

// Extension returns the canonical extension for id, or "" if unknown.
func Extension(id FormatID) string {
	return extFor[id]
}

// FormatFromExt resolves a file name's extension alone.
func FormatFromExt(name string) FormatID {
	if id, ok := extMap[strings.ToLower(filepath.Ext(name))]; ok {
		return id
	}
	return FmtUnknown
}

// DetectFormat returns the FormatID for the given file, first by reading
// magic bytes and falling back to extension.
func DetectFormat(path string) (FormatID, error) {
	f, err := os.Open(path)
	if err != nil {
		return FmtUnknown, err
	}
	defer f.Close()

	buf := make([]byte, 32)
	n, err := io.ReadFull(f, buf)
	if err != nil && n == 0 {
		return FmtUnknown, err
	}
	return DetectBytes(buf[:n], path), nil
}

// DetectBytes sniffs a header prefix; name is only used as a tie-breaker
// for TIFF-based RAW files and when no magic matches.
func DetectBytes(b []byte, name string) FormatID {
	id := detectMagic(b)
	byExt := FormatFromExt(name)
	switch {
	case id == FmtTIFF && IsRAW(byExt):
		return byExt
	case id == FmtMP4 && (byExt == FmtM4V || byExt == FmtMOV):
		return byExt
	case id == FmtMKV && byExt == FmtWebM:
		return FmtWebM
	case id != FmtUnknown:
		return id
	}
	return byExt
}

func detectMagic(b []byte) FormatID {
	if len(b) < 4 {
		return FmtUnknown
	}
	switch {
	// JPEG: FF D8 FF
	case b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF:
		return FmtJPEG
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	case bytes.HasPrefix(b, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return FmtPNG
	case bytes.HasPrefix(b, []byte("GIF87a")) || bytes.HasPrefix(b, []byte("GIF89a")):
		return FmtGIF
	// WebP: RIFF????WEBP
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP")):
		return FmtWebP
	// Canon CR2 is TIFF with "CR" at offset 8
	case len(b) >= 10 && bytes.HasPrefix(b, []byte{0x49, 0x49, 0x2A, 0x00}) && b[8] == 'C' && b[9] == 'R':
		return FmtCR2
	// TIFF: 49 49 2A 00 (little-endian) or 4D 4D 00 2A (big-endian)
	case bytes.HasPrefix(b, []byte{0x49, 0x49, 0x2A, 0x00}) ||
		bytes.HasPrefix(b, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return FmtTIFF
	case b[0] == 0x42 && b[1] == 0x4D:
		return FmtBMP
	// ISO BMFF: ftyp box at offset 4, brand decides image vs video
	case len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")):
		return detectFtypBrand(b)
	// MKV/WebM: EBML header 0x1A45DFA3
	case binary.BigEndian.Uint32(b[0:4]) == 0x1A45DFA3:
		if bytes.Contains(b, []byte("webm")) {
			return FmtWebM
		}
		return FmtMKV
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("AVI ")):
		return FmtAVI
	// Bare QuickTime files without ftyp start with moov/mdat/wide
	case len(b) >= 8 && (bytes.Equal(b[4:8], []byte("moov")) || bytes.Equal(b[4:8], []byte("mdat")) || bytes.Equal(b[4:8], []byte("wide"))):
		return FmtMOV
	}
	return FmtUnknown
}

func detectFtypBrand(b []byte) FormatID {
	if len(b) < 12 {
		return FmtMP4
	}
	switch string(b[8:12]) {
	case "heic", "heix", "heim", "heis", "hevc", "hevx", "mif1", "msf1", "heif":
		return FmtHEIC
	case "qt  ":
		return FmtMOV
	case "M4V ", "M4VH", "M4VP":
		return FmtM4V
	default:
		return FmtMP4
	}
}

// IsRAW reports camera RAW containers.
func IsRAW(id FormatID) bool {
	switch id {
	case FmtDNG, FmtCR2, FmtNEF, FmtARW, FmtRAW:
		return true
	}
	return false
}

// MediaKindFor returns the broad media kind for a format, or "" when the
// format is neither an image nor a video.
func MediaKindFor(id FormatID) MediaKind {
	switch id {
	case FmtJPEG, FmtPNG, FmtGIF, FmtWebP, FmtTIFF, FmtBMP, FmtHEIC,
		FmtDNG, FmtCR2, FmtNEF, FmtARW, FmtRAW:
		return KindImage
	case FmtMP4, FmtMOV, FmtM4V, FmtMKV, FmtWebM, FmtAVI:
		return KindVideo
	default:
		return ""
	}
}

// AssetFromPath stats path and builds a MediaAsset with a sniffed kind.
func AssetFromPath(path string) (MediaAsset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return MediaAsset{}, NewError(KindOf(err), err)
	}
	id, err := DetectFormat(path)
	if err != nil {
		return MediaAsset{}, NewError(KindOf(err), err)
	}
	kind := MediaKindFor(id)
	if kind == "" {
		return MediaAsset{}, &CleaningError{Kind: KindUnsupportedFormat, Reason: filepath.Base(path)}
	}
	return NewMediaAsset(filepath.Base(path), path, kind, info.Size()), nil
}
