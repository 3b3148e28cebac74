// Package server provides the HTTP server and routing for Clarity.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/config"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/reliability"
)

// RouteRegistrar is implemented by every module handler package.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Config holds everything the HTTP server needs.
type Config struct {
	Log         zerolog.Logger
	Config      *config.Config
	Bus         *events.Bus
	Diagnostics *DiagnosticsHandlers
	Backups     *reliability.BackupService // nil when backups are disabled
	Restores    *reliability.RestoreService
	Handlers    []RouteRegistrar
}

// Server is the HTTP front of the application.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	cfg         *config.Config
	bus         *events.Bus
	diagnostics *DiagnosticsHandlers
	backups     *reliability.BackupService
	restores    *reliability.RestoreService
	handlers    []RouteRegistrar
	log         zerolog.Logger
}

// New creates the HTTP server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg.Config,
		bus:         cfg.Bus,
		diagnostics: cfg.Diagnostics,
		backups:     cfg.Backups,
		restores:    cfg.Restores,
		handlers:    cfg.Handlers,
		log:         cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the assembled router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	origins := s.cfg.CORSAllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Email", "X-User-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(s.authMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	streamHandler := NewEventsStreamHandler(s.bus, s.log)
	s.router.Get("/api/events/stream", streamHandler.ServeHTTP)

	if s.diagnostics != nil {
		s.router.Get("/api/diagnostics/status/{id}", s.diagnostics.HandleStatus)
		s.router.Get("/api/diagnostics/ingestion/{id}", s.diagnostics.HandleIngestion)
	}

	// Backup and restore triggers are dev tooling, never exposed by default.
	// Registered directly rather than via Route: the tick handler owns other
	// /api/system paths on the same mux.
	if s.cfg.DevTools {
		s.router.Post("/api/system/backup", s.handleTriggerBackup)
		s.router.Get("/api/system/backups", s.handleListBackups)
		s.router.Post("/api/system/restore", s.handleStageRestore)
	}

	for _, h := range s.handlers {
		h.RegisterRoutes(s.router)
	}
}

// authMiddleware requires a caller identity on /api/* and /ledger/* routes.
// Webhooks are exempt: the provider signature is verified instead.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		guarded := strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/ledger/")
		if !guarded || strings.HasPrefix(path, "/api/webhooks/") {
			next.ServeHTTP(w, r)
			return
		}

		if r.Header.Get("X-User-Email") == "" && r.Header.Get("X-User-Id") == "" {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "authentication required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server. Blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
