// Package server exposes inspection and sanitization over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/metakill/metakill/core"
	"github.com/metakill/metakill/core/image"
	"github.com/metakill/metakill/core/video"
)

// RemovedHeader lists the metadata kinds stripped from a sanitized upload.
const RemovedHeader = "X-Metakill-Removed"

type Config struct {
	Addr            string
	MaxUploadBytes  int64
	RateLimit       rate.Limit
	RateBurst       int
	Workers         int // concurrent sanitizations
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TempDir         string             // uploads are spooled here; os.TempDir when empty
	Defaults        core.Configuration // query parameters override these per request
}

type Server struct {
	cfg    Config
	images *image.Sanitizer
	videos *video.Sanitizer
	slots  *semaphore.Weighted
	log    zerolog.Logger
}

type Option func(*Server)

func WithImageSanitizer(s *image.Sanitizer) Option {
	return func(srv *Server) { srv.images = s }
}

func WithVideoSanitizer(s *video.Sanitizer) Option {
	return func(srv *Server) { srv.videos = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(srv *Server) { srv.log = l }
}

func New(cfg Config, opts ...Option) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Defaults == (core.Configuration{}) {
		cfg.Defaults = core.DefaultConfiguration()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	s := &Server{cfg: cfg, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.images == nil {
		s.images = image.NewSanitizer(image.WithLogger(s.log))
	}
	if s.videos == nil {
		s.videos = video.NewSanitizer(video.WithLogger(s.log))
	}
	s.slots = semaphore.NewWeighted(int64(s.cfg.Workers))
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, http.StatusText(http.StatusOK))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimit(s.cfg.RateLimit, s.cfg.RateBurst))
		r.Post("/inspect", s.inspect)
		r.Post("/sanitize", s.sanitize)
	})
	return r
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and shuts down gracefully once ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:      s.Routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	g.Go(func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("starting server")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	s.log.Info().Msg("stopped server")
	return nil
}
