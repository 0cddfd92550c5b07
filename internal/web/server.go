// Package web exposes the search service over a local HTTP API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/crothmeier/search/internal/logging"
	"github.com/crothmeier/search/internal/search"
)

var log = logging.ForComponent(logging.CompWeb)

// Config holds server settings.
type Config struct {
	// ListenAddr is the host:port to bind. Keep this on loopback unless
	// something upstream handles auth.
	ListenAddr string
}

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	service *search.Service
	httpSrv *http.Server
}

// NewServer builds a Server over svc.
func NewServer(cfg Config, svc *search.Service) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8585"
	}
	s := &Server{cfg: cfg, service: svc}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversation)
	mux.HandleFunc("GET /api/suggest", s.handleSuggest)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/admin/optimize", s.handleOptimize)
	mux.HandleFunc("POST /api/admin/cache/clear", s.handleCacheClear)
	return withRecover(mux)
}

// Start runs the server until ListenAndServe fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info("http server listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// withRecover converts handler panics into 500s instead of dropping the
// connection.
func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
