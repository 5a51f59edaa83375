// Package assets serves the shared brief bundle (stylesheet, script, media)
// at the URL the brief rewriter points references to.
//
// Routes:
//
//	GET /health     {"status":"ok"}
//	GET /main.js    <shared>/dist/main.js, else <shared>/src/getbundle.js
//	GET /dist/*     <shared>/dist
//	GET /assets/*   <shared>/assets
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr matches the default LOCAL_SERVER_URL port.
const DefaultAddr = "127.0.0.1:5001"

// Config configures a Server.
type Config struct {
	// Shared is the directory holding dist/, src/ and assets/.
	Shared string
	// Addr is the listen address. Default: DefaultAddr. Use ":0" or
	// "127.0.0.1:0" for an ephemeral port.
	Addr   string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the asset HTTP server.
type Server struct {
	cfg    Config
	router chi.Router

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New checks that cfg.Shared is a directory and builds the router.
func New(cfg Config) (*Server, error) {
	cfg.defaults()
	info, err := os.Stat(cfg.Shared)
	if err != nil {
		return nil, fmt.Errorf("assets: shared dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("assets: shared dir %s is not a directory", cfg.Shared)
	}
	s := &Server{cfg: cfg}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(headToGet)
	r.Use(openAccess)
	r.Use(requestLog(s.cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/main.js", s.handleBundle)
	r.Handle("/dist/*", s.dir("/dist/", "dist"))
	r.Handle("/assets/*", s.dir("/assets/", "assets"))
	return r
}

func (s *Server) dir(prefix, name string) http.Handler {
	return http.StripPrefix(prefix, http.FileServer(http.Dir(filepath.Join(s.cfg.Shared, name))))
}

// handleBundle serves the built bundle, falling back to the source entry
// point when the bundle has not been built.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	for _, rel := range []string{filepath.Join("dist", "main.js"), filepath.Join("src", "getbundle.js")} {
		p := filepath.Join(s.cfg.Shared, rel)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
			http.ServeFile(w, r, p)
			return
		}
	}
	http.NotFound(w, r)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Addr and serves in the background. It returns the
// base URL of the bound address.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return "", errors.New("assets: already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("assets: listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("assets: serve", "error", err)
		}
	}()

	url := "http://" + ln.Addr().String()
	s.cfg.Logger.Info("assets: serving", "url", url, "shared", s.cfg.Shared)
	return url, nil
}

// ListenAndServe starts the server and blocks until ctx is done, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if _, err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops a started server. It is a no-op otherwise.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("assets: shutdown: %w", err)
	}
	s.cfg.Logger.Info("assets: stopped")
	return nil
}
