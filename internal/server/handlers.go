package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/render"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/core/batch"
	"github.com/metakill/metakill/core/storage"
)

// multipart parts above this size are spooled to disk by net/http
const formMemory = 8 << 20

type errorResponse struct {
	Error string         `json:"error"`
	Kind  core.ErrorKind `json:"kind,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var ce *core.CleaningError
	if errors.As(err, &ce) {
		resp.Kind = ce.Kind
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case core.KindCorruptedFile, core.KindDRMProtected:
		return http.StatusUnprocessableEntity
	case core.KindFileNotFound:
		return http.StatusBadRequest
	case core.KindInsufficientSpace:
		return http.StatusInsufficientStorage
	case core.KindPermissionDenied:
		return http.StatusForbidden
	case core.KindCancelled, core.KindNetworkRequired:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type upload struct {
	name   string
	path   string
	size   int64
	format core.FormatID
}

func (u *upload) asset() core.MediaAsset {
	return core.NewMediaAsset(u.name, u.path, core.MediaKindFor(u.format), u.size)
}

// receive spools the multipart "file" field to a temporary file. The caller
// removes it. On failure the response has already been written.
func (s *Server) receive(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.fail(w, r, http.StatusRequestEntityTooLarge,
				fmt.Errorf("upload exceeds %d MB", s.cfg.MaxUploadBytes>>20))
			return nil, false
		}
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid multipart body: %w", err))
		return nil, false
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("missing multipart field \"file\""))
		return nil, false
	}
	defer file.Close()

	name := filepath.Base(filepath.Clean("/" + hdr.Filename))
	if name == "/" || name == "." {
		name = "upload"
	}
	tmp, err := os.CreateTemp(s.cfg.TempDir, "metakill-upload-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, core.Classify(err))
		return nil, false
	}
	size, err := io.Copy(tmp, file)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		s.fail(w, r, http.StatusInternalServerError, core.Classify(err))
		return nil, false
	}

	format, err := core.DetectFormat(tmp.Name())
	if err == nil && core.MediaKindFor(format) == "" {
		err = &core.CleaningError{Kind: core.KindUnsupportedFormat, Reason: name}
	}
	if err != nil {
		os.Remove(tmp.Name())
		ce := core.Classify(err)
		s.fail(w, r, statusFor(ce.Kind), ce)
		return nil, false
	}
	return &upload{name: name, path: tmp.Name(), size: size, format: format}, true
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) bool {
	if err := s.slots.Acquire(r.Context(), 1); err != nil {
		s.fail(w, r, http.StatusServiceUnavailable, core.NewError(core.KindCancelled, err))
		return false
	}
	return true
}

func (s *Server) inspect(w http.ResponseWriter, r *http.Request) {
	up, ok := s.receive(w, r)
	if !ok {
		return
	}
	defer os.Remove(up.path)
	if !s.acquire(w, r) {
		return
	}
	defer s.slots.Release(1)

	var findings core.Findings
	switch core.MediaKindFor(up.format) {
	case core.KindImage:
		data, err := os.ReadFile(up.path)
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, core.Classify(err))
			return
		}
		findings = s.images.Inspect(data, up.name)
	case core.KindVideo:
		findings = s.videos.Inspect(r.Context(), up.path)
	}
	if findings == nil {
		findings = core.Findings{}
	}
	render.JSON(w, r, core.Report{File: up.name, Format: up.format, Findings: findings})
}

func (s *Server) sanitize(w http.ResponseWriter, r *http.Request) {
	cfg, err := overrides(s.cfg.Defaults, r.URL.Query())
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	up, ok := s.receive(w, r)
	if !ok {
		return
	}
	defer os.Remove(up.path)
	if !s.acquire(w, r) {
		return
	}
	defer s.slots.Release(1)

	sink := storage.NewMemorySink(s.cfg.TempDir)
	cleaner := batch.NewCleaner(sink,
		batch.WithImageSanitizer(s.images),
		batch.WithVideoSanitizer(s.videos),
		batch.WithCleanerLogger(s.log))

	outcome := cleaner.Run(r.Context(), up.asset(), cfg)
	if !outcome.Succeeded() {
		resp := errorResponse{Error: outcome.Error, Kind: outcome.ErrorKind}
		render.Status(r, statusFor(outcome.ErrorKind))
		render.JSON(w, r, resp)
		return
	}
	data, ok := sink.Take(outcome.Output)
	if !ok {
		s.fail(w, r, http.StatusInternalServerError, core.ProcessingFailed("output missing"))
		return
	}

	out := path.Base(outcome.Output)
	removed := make([]string, len(outcome.Removed))
	for i, k := range outcome.Removed {
		removed[i] = string(k)
	}
	h := w.Header()
	h.Set("Content-Type", storage.ContentType(core.FormatFromExt(out)))
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": out}))
	h.Set(RemovedHeader, strings.Join(removed, ","))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// overrides applies query parameters to the server defaults. Output
// placement, library import and deletion are fixed for uploads.
func overrides(cfg core.Configuration, q url.Values) (core.Configuration, error) {
	var errs []error
	boolean := func(key string, dst *bool) {
		if v := q.Get(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}
	float := func(key string, dst *float64) {
		if v := q.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a number", key, v))
				return
			}
			*dst = f
		}
	}

	boolean("remove_gps", &cfg.RemoveGPS)
	boolean("remove_all_metadata", &cfg.RemoveAllMetadata)
	boolean("heic_to_jpeg", &cfg.HEICToJPEG)
	boolean("force_srgb", &cfg.ForceSRGB)
	boolean("bake_orientation", &cfg.BakeOrientation)
	boolean("preserve_hdr", &cfg.PreserveHDR)
	float("jpeg_quality", &cfg.JPEGQuality)
	float("heic_quality", &cfg.HEICQuality)
	if v := q.Get("video_strategy"); v != "" {
		cfg.VideoStrategy = core.VideoStrategy(v)
	}
	if v := q.Get("max_concurrent_operations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("max_concurrent_operations: %q is not an integer", v))
		} else {
			cfg.MaxConcurrentOperations = n
		}
	}
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}

	cfg.OutputMode = core.OutputNewCopy
	cfg.PreserveFileDate = false
	cfg.SaveToLibrary = false
	cfg.DeleteOriginal = false
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
