package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/core/storage"
)

func noDotEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("", noDotEnv(t))
	require.NoError(t, err)

	assert.Equal(t, "production", s.Env)
	assert.Equal(t, 2, s.Workers)
	assert.Equal(t, 50, s.CacheSize)
	assert.Equal(t, ":8080", s.Server.Addr)
	assert.Equal(t, int64(64), s.Server.MaxUploadMB)
	assert.Equal(t, 30*time.Second, s.Server.ShutdownTimeout)
	assert.Equal(t, LibraryNone, s.Library.Kind)
	assert.Equal(t, "ffmpeg", s.Tools.FFmpeg)
	assert.Equal(t, core.DefaultConfiguration(), s.Configuration())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("METAKILL_WORKERS", "4")
	t.Setenv("METAKILL_JPEG_QUALITY", "0.7")
	t.Setenv("METAKILL_VIDEO_STRATEGY", "fastRemux")
	t.Setenv("METAKILL_OUTPUT_MODE", "newCopyWithTimestamp")
	t.Setenv("METAKILL_FORCE_SRGB", "false")
	t.Setenv("METAKILL_READ_TIMEOUT", "10s")

	s, err := Load("", noDotEnv(t))
	require.NoError(t, err)

	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, 10*time.Second, s.Server.ReadTimeout)
	cfg := s.Configuration()
	assert.Equal(t, 0.7, cfg.JPEGQuality)
	assert.Equal(t, core.StrategyFastRemux, cfg.VideoStrategy)
	assert.Equal(t, core.OutputNewCopyWithTimestamp, cfg.OutputMode)
	assert.False(t, cfg.ForceSRGB)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte(
		"METAKILL_LIBRARY=dir\nMETAKILL_LIBRARY_DIR="+filepath.Join(dir, "lib")+"\nMETAKILL_CACHE_SIZE=7\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("METAKILL_LIBRARY")
		os.Unsetenv("METAKILL_LIBRARY_DIR")
		os.Unsetenv("METAKILL_CACHE_SIZE")
	})

	s, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, LibraryDir, s.Library.Kind)
	assert.Equal(t, 7, s.CacheSize)

	lib, err := s.Library(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &storage.DirLibrary{}, lib)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metakill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: development
workers: 3
server:
  addr: "127.0.0.1:9000"
  max_upload_mb: 16
cleaning:
  heic_to_jpeg: true
  heic_quality: 0.6
  video_policy: strict
`), 0o644))
	t.Setenv("METAKILL_WORKERS", "5")

	s, err := Load(path, noDotEnv(t))
	require.NoError(t, err)

	assert.Equal(t, "development", s.Env)
	assert.Equal(t, 5, s.Workers, "environment overrides the file")
	assert.Equal(t, "127.0.0.1:9000", s.Server.Addr)
	assert.Equal(t, int64(16), s.Server.MaxUploadMB)
	assert.True(t, s.Cleaning.HEICToJPEG)
	assert.Equal(t, 0.6, s.Configuration().HEICQuality)
	assert.Equal(t, 0.90, s.Configuration().JPEGQuality, "unset fields keep their defaults")
	assert.Equal(t, PolicyStrict, s.Cleaning.VideoPolicy)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("METAKILL_JPEG_QUALITY", "1.5")
	_, err := Load("", noDotEnv(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jpeg quality")
}

func TestValidate(t *testing.T) {
	valid := func() Settings {
		s, err := Load("", noDotEnv(t))
		require.NoError(t, err)
		return *s
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"workers", func(s *Settings) { s.Workers = 0 }, "workers"},
		{"cache", func(s *Settings) { s.CacheSize = 0 }, "cache size"},
		{"upload", func(s *Settings) { s.Server.MaxUploadMB = 0 }, "max upload"},
		{"rate", func(s *Settings) { s.Server.RateLimit = 0 }, "rate limit"},
		{"policy", func(s *Settings) { s.Cleaning.VideoPolicy = "paranoid" }, "video policy"},
		{"library kind", func(s *Settings) { s.Library.Kind = "ftp" }, "unknown library"},
		{"dir library", func(s *Settings) { s.Library.Kind = LibraryDir }, "METAKILL_LIBRARY_DIR"},
		{"s3 library", func(s *Settings) { s.Library.Kind = LibraryS3 }, "AWS_S3_BUCKET"},
		{"strategy", func(s *Settings) { s.Cleaning.VideoStrategy = "turbo" }, "video strategy"},
		{"output mode", func(s *Settings) { s.Cleaning.OutputMode = "move" }, "output mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			require.NoError(t, s.Validate())
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPolicy(t *testing.T) {
	findings := core.Findings{core.NewFinding(core.MetaQuickTimeUserData, 1)}

	var s Settings
	s.Cleaning.VideoPolicy = PolicyLocation
	assert.False(t, s.Policy()(findings))
	s.Cleaning.VideoPolicy = PolicyStrict
	assert.True(t, s.Policy()(findings))
}

func TestFileSinkWithoutLibrary(t *testing.T) {
	s, err := Load("", noDotEnv(t))
	require.NoError(t, err)

	lib, err := s.Library(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lib)

	sink, err := s.FileSink(context.Background(), zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, sink)

	src := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	_, err = sink.SaveToLibrary(context.Background(), src, core.NewMediaAsset("a.png", src, core.KindImage, 1))
	assert.ErrorIs(t, err, storage.ErrNoLibrary)
}

func TestUsage(t *testing.T) {
	u := Usage()
	assert.Contains(t, u, "METAKILL_JPEG_QUALITY")
	assert.Contains(t, u, "AWS_S3_BUCKET")
}
