package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	stdimage "image"
	"image/color"
	"image/png"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/metakill/metakill/core"
)

// taggedPNG returns a small PNG carrying a tEXt chunk.
func taggedPNG(t *testing.T) []byte {
	t.Helper()
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 60), B: 0x20, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := buf.Bytes()

	payload := []byte("Author\x00Jane Doe")
	chunk := make([]byte, 8, 12+len(payload))
	binary.BigEndian.PutUint32(chunk, uint32(len(payload)))
	copy(chunk[4:], "tEXt")
	chunk = append(chunk, payload...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	// insert right after IHDR (8 byte signature + 25 byte chunk)
	out := append([]byte(nil), data[:33]...)
	out = append(out, chunk...)
	return append(out, data[33:]...)
}

func multipartBody(t *testing.T, field, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, target, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "file", name, data)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	cfg.TempDir = t.TempDir()
	return New(cfg).Routes()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestInspect(t *testing.T) {
	h := newTestServer(t, Config{})
	rec := do(t, h, "/v1/inspect", "photo.png", taggedPNG(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report core.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "photo.png", report.File)
	assert.Equal(t, core.FmtPNG, report.Format)
	assert.True(t, report.Findings.Has(core.MetaPNGText))
}

func TestSanitize(t *testing.T) {
	h := newTestServer(t, Config{})
	rec := do(t, h, "/v1/sanitize", "photo.png", taggedPNG(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get(RemovedHeader), string(core.MetaPNGText))
	_, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "photo_clean.png", params["filename"])

	out := rec.Body.Bytes()
	assert.NotContains(t, string(out), "Jane Doe")
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, stdimage.Rect(0, 0, 6, 4), img.Bounds())
}

func TestSanitizeQueryOverrides(t *testing.T) {
	h := newTestServer(t, Config{})
	rec := do(t, h, "/v1/sanitize?jpeg_quality=0.7&force_srgb=false", "photo.png", taggedPNG(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"), "PNG stays PNG")
}

func TestSanitizeErrors(t *testing.T) {
	h := newTestServer(t, Config{})

	t.Run("bad override", func(t *testing.T) {
		rec := do(t, h, "/v1/sanitize?jpeg_quality=2", "photo.png", taggedPNG(t))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error, "jpeg quality")
	})

	t.Run("unparseable override", func(t *testing.T) {
		rec := do(t, h, "/v1/sanitize?force_srgb=maybe", "photo.png", taggedPNG(t))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error, "force_srgb")
	})

	t.Run("unsupported", func(t *testing.T) {
		rec := do(t, h, "/v1/sanitize", "notes.txt", []byte("just some text"))
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
		assert.Equal(t, core.KindUnsupportedFormat, decodeError(t, rec).Kind)
	})

	t.Run("corrupted", func(t *testing.T) {
		rec := do(t, h, "/v1/sanitize", "broken.jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "File is corrupted or unreadable", resp.Error)
		assert.Equal(t, core.KindCorruptedFile, resp.Kind)
	})

	t.Run("missing file field", func(t *testing.T) {
		body, ct := multipartBody(t, "other", "photo.png", taggedPNG(t))
		req := httptest.NewRequest(http.MethodPost, "/v1/sanitize", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadLimit(t *testing.T) {
	h := newTestServer(t, Config{MaxUploadBytes: 1024})
	rec := do(t, h, "/v1/inspect", "big.png", bytes.Repeat([]byte{0x89}, 8192))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, Config{RateLimit: rate.Every(time.Hour), RateBurst: 1})

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/inspect", nil))
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/inspect", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	other := httptest.NewRequest(http.MethodPost, "/v1/inspect", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	third := httptest.NewRecorder()
	h.ServeHTTP(third, other)
	assert.Equal(t, http.StatusBadRequest, third.Code, "limits are per client")

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code, "health checks are not limited")
}

func TestOverrides(t *testing.T) {
	base := core.DefaultConfiguration()
	base.SaveToLibrary = true
	base.DeleteOriginal = true
	base.OutputMode = core.OutputReplace

	cfg, err := overrides(base, url.Values{
		"jpeg_quality":              {"0.75"},
		"heic_to_jpeg":              {"true"},
		"video_strategy":            {"reencode"},
		"max_concurrent_operations": {"2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.JPEGQuality)
	assert.True(t, cfg.HEICToJPEG)
	assert.Equal(t, core.StrategyReencode, cfg.VideoStrategy)
	assert.Equal(t, 2, cfg.MaxConcurrentOperations)
	assert.False(t, cfg.SaveToLibrary)
	assert.False(t, cfg.DeleteOriginal)
	assert.Equal(t, core.OutputNewCopy, cfg.OutputMode)

	_, err = overrides(base, url.Values{"video_strategy": {"turbo"}})
	assert.ErrorContains(t, err, "unknown video strategy")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnsupportedMediaType, statusFor(core.KindUnsupportedFormat))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(core.KindDRMProtected))
	assert.Equal(t, http.StatusInsufficientStorage, statusFor(core.KindInsufficientSpace))
	assert.Equal(t, http.StatusInternalServerError, statusFor(core.KindProcessingFailed))
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Config{TempDir: t.TempDir()}).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
