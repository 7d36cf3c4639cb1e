// Package settings loads process configuration from an optional config file,
// a .env file and METAKILL_* environment variables.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/core/storage"
	"github.com/metakill/metakill/core/video"
)

// Library backends.
const (
	LibraryNone = "none"
	LibraryDir  = "dir"
	LibraryS3   = "s3"
)

// Video fallback policies.
const (
	PolicyLocation = "location"
	PolicyStrict   = "strict"
)

type Settings struct {
	Env       string `yaml:"env" env:"METAKILL_ENV" env-default:"production"`
	LogLevel  string `yaml:"log_level" env:"METAKILL_LOG_LEVEL"`
	Workers   int    `yaml:"workers" env:"METAKILL_WORKERS" env-default:"2"`
	CacheSize int    `yaml:"cache_size" env:"METAKILL_CACHE_SIZE" env-default:"50"`
	OutputDir string `yaml:"output_dir" env:"METAKILL_OUTPUT_DIR"`

	Server   ServerSettings   `yaml:"server"`
	Cleaning CleaningSettings `yaml:"cleaning"`
	Library  LibrarySettings  `yaml:"library"`
	Tools    ToolSettings     `yaml:"tools"`
}

type ServerSettings struct {
	Addr            string        `yaml:"addr" env:"METAKILL_ADDR" env-default:":8080"`
	MaxUploadMB     int64         `yaml:"max_upload_mb" env:"METAKILL_MAX_UPLOAD_MB" env-default:"64"`
	RateLimit       float64       `yaml:"rate_limit" env:"METAKILL_RATE_LIMIT" env-default:"5"`
	RateBurst       int           `yaml:"rate_burst" env:"METAKILL_RATE_BURST" env-default:"10"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"METAKILL_READ_TIMEOUT" env-default:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"METAKILL_WRITE_TIMEOUT" env-default:"5m"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"METAKILL_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

// CleaningSettings mirrors core.Configuration.
type CleaningSettings struct {
	RemoveGPS               bool    `yaml:"remove_gps" env:"METAKILL_REMOVE_GPS" env-default:"true"`
	RemoveAllMetadata       bool    `yaml:"remove_all_metadata" env:"METAKILL_REMOVE_ALL_METADATA" env-default:"true"`
	PreserveFileDate        bool    `yaml:"preserve_file_date" env:"METAKILL_PRESERVE_FILE_DATE" env-default:"false"`
	OutputMode              string  `yaml:"output_mode" env:"METAKILL_OUTPUT_MODE" env-default:"newCopy"`
	HEICToJPEG              bool    `yaml:"heic_to_jpeg" env:"METAKILL_HEIC_TO_JPEG" env-default:"false"`
	HEICQuality             float64 `yaml:"heic_quality" env:"METAKILL_HEIC_QUALITY" env-default:"0.85"`
	JPEGQuality             float64 `yaml:"jpeg_quality" env:"METAKILL_JPEG_QUALITY" env-default:"0.90"`
	ForceSRGB               bool    `yaml:"force_srgb" env:"METAKILL_FORCE_SRGB" env-default:"true"`
	BakeOrientation         bool    `yaml:"bake_orientation" env:"METAKILL_BAKE_ORIENTATION" env-default:"true"`
	VideoStrategy           string  `yaml:"video_strategy" env:"METAKILL_VIDEO_STRATEGY" env-default:"smartAuto"`
	VideoPolicy             string  `yaml:"video_policy" env:"METAKILL_VIDEO_POLICY" env-default:"location"`
	PreserveHDR             bool    `yaml:"preserve_hdr" env:"METAKILL_PRESERVE_HDR" env-default:"false"`
	MaxConcurrentOperations int     `yaml:"max_concurrent_operations" env:"METAKILL_MAX_CONCURRENT_OPERATIONS" env-default:"4"`
	SaveToLibrary           bool    `yaml:"save_to_library" env:"METAKILL_SAVE_TO_LIBRARY" env-default:"false"`
	DeleteOriginal          bool    `yaml:"delete_original" env:"METAKILL_DELETE_ORIGINAL" env-default:"false"`
}

type LibrarySettings struct {
	Kind string     `yaml:"kind" env:"METAKILL_LIBRARY" env-default:"none"`
	Dir  string     `yaml:"dir" env:"METAKILL_LIBRARY_DIR"`
	S3   S3Settings `yaml:"s3"`
}

type S3Settings struct {
	Region          string `yaml:"region" env:"AWS_S3_REGION" env-default:"us-east-1"`
	Bucket          string `yaml:"bucket" env:"AWS_S3_BUCKET"`
	Prefix          string `yaml:"prefix" env:"METAKILL_S3_PREFIX" env-default:"metakill"`
	Endpoint        string `yaml:"endpoint" env:"AWS_S3_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
	EnableSSE       bool   `yaml:"enable_sse" env:"AWS_S3_ENABLE_SSE" env-default:"false"`
	SSEAlgorithm    string `yaml:"sse_algorithm" env:"AWS_S3_SSE_ALGORITHM"`
	SSEKMSKeyID     string `yaml:"sse_kms_key_id" env:"AWS_S3_SSE_KMS_KEY_ID"`
}

type ToolSettings struct {
	FFmpeg  string `yaml:"ffmpeg" env:"METAKILL_FFMPEG" env-default:"ffmpeg"`
	FFprobe string `yaml:"ffprobe" env:"METAKILL_FFPROBE" env-default:"ffprobe"`
}

// Load reads settings. envFiles are loaded into the environment first
// (".env" when none are given); missing files are ignored. A non-empty path
// names a YAML, TOML, JSON or EDN config file whose values the environment
// overrides.
func Load(path string, envFiles ...string) (*Settings, error) {
	// Load .env file if it exists (don't error if missing)
	_ = godotenv.Load(envFiles...)

	var s Settings
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &s)
	} else {
		err = cleanenv.ReadEnv(&s)
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Usage describes every environment variable.
func Usage() string {
	var s Settings
	text, err := cleanenv.GetDescription(&s, nil)
	if err != nil {
		return err.Error()
	}
	return text
}

// Validate rejects settings that would fail later in a confusing way.
func (s Settings) Validate() error {
	var errs []error
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", s.Workers))
	}
	if s.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("cache size must be at least 1, got %d", s.CacheSize))
	}
	if s.Server.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("max upload must be at least 1 MB, got %d", s.Server.MaxUploadMB))
	}
	if s.Server.RateLimit <= 0 || s.Server.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate limit %.2f/s burst %d must be positive", s.Server.RateLimit, s.Server.RateBurst))
	}
	switch s.Cleaning.VideoPolicy {
	case PolicyLocation, PolicyStrict:
	default:
		errs = append(errs, fmt.Errorf("unknown video policy %q", s.Cleaning.VideoPolicy))
	}
	switch s.Library.Kind {
	case LibraryNone, "":
	case LibraryDir:
		if s.Library.Dir == "" {
			errs = append(errs, errors.New("dir library needs METAKILL_LIBRARY_DIR"))
		}
	case LibraryS3:
		if s.Library.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 library needs AWS_S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown library %q", s.Library.Kind))
	}
	if err := s.Configuration().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

// Configuration returns the cleaning settings as a core.Configuration.
// It is not normalized so Validate can see the raw values.
func (s Settings) Configuration() core.Configuration {
	c := s.Cleaning
	return core.Configuration{
		RemoveGPS:               c.RemoveGPS,
		RemoveAllMetadata:       c.RemoveAllMetadata,
		PreserveFileDate:        c.PreserveFileDate,
		OutputMode:              core.OutputMode(c.OutputMode),
		HEICToJPEG:              c.HEICToJPEG,
		HEICQuality:             c.HEICQuality,
		JPEGQuality:             c.JPEGQuality,
		ForceSRGB:               c.ForceSRGB,
		BakeOrientation:         c.BakeOrientation,
		VideoStrategy:           core.VideoStrategy(c.VideoStrategy),
		PreserveHDR:             c.PreserveHDR,
		MaxConcurrentOperations: c.MaxConcurrentOperations,
		SaveToLibrary:           c.SaveToLibrary,
		DeleteOriginal:          c.DeleteOriginal,
	}
}

// Policy returns the smartAuto fallback policy.
func (s Settings) Policy() video.SensitivityPolicy {
	if s.Cleaning.VideoPolicy == PolicyStrict {
		return video.Strict
	}
	return video.LocationOnly
}

// VideoOptions configures a video.Sanitizer from the settings.
func (s Settings) VideoOptions(log zerolog.Logger) []video.Option {
	return []video.Option{
		video.WithFFmpeg(s.Tools.FFmpeg, s.Tools.FFprobe),
		video.WithPolicy(s.Policy()),
		video.WithLogger(log),
	}
}

// Library builds the configured media library, or nil when none is set.
func (s Settings) Library(ctx context.Context) (storage.Library, error) {
	switch s.Library.Kind {
	case LibraryDir:
		return storage.NewDirLibrary(s.Library.Dir), nil
	case LibraryS3:
		c := s.Library.S3
		lib, err := storage.NewS3Library(ctx, storage.S3Config{
			Region:          c.Region,
			Bucket:          c.Bucket,
			Prefix:          c.Prefix,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			Endpoint:        c.Endpoint,
			UsePathStyle:    c.UsePathStyle,
			EnableSSE:       c.EnableSSE,
			SSEAlgorithm:    c.SSEAlgorithm,
			SSEKMSKeyID:     c.SSEKMSKeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 library: %w", err)
		}
		return lib, nil
	}
	return nil, nil
}

// FileSink builds the filesystem sink writing to OutputDir (next to each
// source when empty) with the configured library attached.
func (s Settings) FileSink(ctx context.Context, log zerolog.Logger) (*storage.FileSink, error) {
	opts := []storage.FileOption{storage.WithSinkLogger(log)}
	lib, err := s.Library(ctx)
	if err != nil {
		return nil, err
	}
	if lib != nil {
		opts = append(opts, storage.WithLibrary(lib))
	}
	return storage.NewFileSink(s.OutputDir, opts...), nil
}
