package core

import (
	"errors"
	"fmt"
)

// VideoStrategy selects how videos are cleaned.
type VideoStrategy string

const (
	StrategyFastRemux VideoStrategy = "fastRemux"
	StrategyReencode  VideoStrategy = "reencode"
	StrategySmartAuto VideoStrategy = "smartAuto"
)

// OutputMode decides where the storage sink places cleaned files.
type OutputMode string

const (
	OutputReplace              OutputMode = "replace"
	OutputNewCopy              OutputMode = "newCopy"
	OutputNewCopyWithTimestamp OutputMode = "newCopyWithTimestamp"
)

// Quality and concurrency bounds.
const (
	MinQuality     = 0.5
	MaxQuality     = 1.0
	MinConcurrency = 1
	MaxConcurrency = 8
)

// Configuration controls sanitization. It is a value: pass it by value and
// call Normalized before use.
type Configuration struct {
	RemoveGPS         bool
	RemoveAllMetadata bool
	PreserveFileDate  bool
	OutputMode        OutputMode

	HEICToJPEG      bool
	HEICQuality     float64
	JPEGQuality     float64
	ForceSRGB       bool
	BakeOrientation bool

	VideoStrategy VideoStrategy
	PreserveHDR   bool

	// MaxConcurrentOperations bounds parallelism inside one sanitization
	// (colour conversion bands, track pumps). Batch width is separate.
	MaxConcurrentOperations int

	SaveToLibrary  bool
	DeleteOriginal bool
}

// DefaultConfiguration returns the stock settings.
func DefaultConfiguration() Configuration {
	return Configuration{
		RemoveGPS:               true,
		RemoveAllMetadata:       true,
		PreserveFileDate:        false,
		OutputMode:              OutputNewCopy,
		HEICToJPEG:              false,
		HEICQuality:             0.85,
		JPEGQuality:             0.90,
		ForceSRGB:               true,
		BakeOrientation:         true,
		VideoStrategy:           StrategySmartAuto,
		PreserveHDR:             false,
		MaxConcurrentOperations: 4,
	}
}

// Normalized clamps quality and concurrency into range and fills unset
// enum fields. It never fails and Normalized(Normalized(c)) == Normalized(c).
func (c Configuration) Normalized() Configuration {
	c.HEICQuality = clampFloat(c.HEICQuality, MinQuality, MaxQuality)
	c.JPEGQuality = clampFloat(c.JPEGQuality, MinQuality, MaxQuality)
	c.MaxConcurrentOperations = clampInt(c.MaxConcurrentOperations, MinConcurrency, MaxConcurrency)
	switch c.VideoStrategy {
	case StrategyFastRemux, StrategyReencode, StrategySmartAuto:
	default:
		c.VideoStrategy = StrategySmartAuto
	}
	switch c.OutputMode {
	case OutputReplace, OutputNewCopy, OutputNewCopyWithTimestamp:
	default:
		c.OutputMode = OutputNewCopy
	}
	return c
}

// Validate is the strict alternative to Normalized: it reports every
// out-of-range or unknown value instead of saturating it.
func (c Configuration) Validate() error {
	var errs []error
	if c.HEICQuality < MinQuality || c.HEICQuality > MaxQuality {
		errs = append(errs, fmt.Errorf("heic quality %.2f outside [%.1f, %.1f]", c.HEICQuality, MinQuality, MaxQuality))
	}
	if c.JPEGQuality < MinQuality || c.JPEGQuality > MaxQuality {
		errs = append(errs, fmt.Errorf("jpeg quality %.2f outside [%.1f, %.1f]", c.JPEGQuality, MinQuality, MaxQuality))
	}
	if c.MaxConcurrentOperations < MinConcurrency || c.MaxConcurrentOperations > MaxConcurrency {
		errs = append(errs, fmt.Errorf("max concurrent operations %d outside [%d, %d]", c.MaxConcurrentOperations, MinConcurrency, MaxConcurrency))
	}
	switch c.VideoStrategy {
	case StrategyFastRemux, StrategyReencode, StrategySmartAuto:
	default:
		errs = append(errs, fmt.Errorf("unknown video strategy %q", c.VideoStrategy))
	}
	switch c.OutputMode {
	case OutputReplace, OutputNewCopy, OutputNewCopyWithTimestamp:
	default:
		errs = append(errs, fmt.Errorf("unknown output mode %q", c.OutputMode))
	}
	return errors.Join(errs...)
}

// QualityBucket returns the percent bucket used for cache keys.
func QualityBucket(q float64) int {
	return int(clampFloat(q, MinQuality, MaxQuality)*100 + 0.5)
}

func clampFloat(v, lo, hi float64) float64 {
	if v != v { // NaN
		return hi
	}
	return max(lo, min(hi, v))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
