// Package api exposes the chat index and playlist builder over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatrack/chatrack/internal/config"
	"github.com/chatrack/chatrack/internal/playlist"
	"github.com/chatrack/chatrack/internal/query"
	"github.com/chatrack/chatrack/internal/scheduler"
	"github.com/chatrack/chatrack/internal/store"
)

// ChatQuerier is the read surface the API serves. Satisfied by
// *query.Engine.
type ChatQuerier interface {
	ListChats(ctx context.Context, sortBy query.ChatSort) ([]query.ChatSummary, error)
	SearchChats(ctx context.Context, term string) ([]query.ChatSummary, error)
	ChatDetail(ctx context.Context, chatRowID int64, recentN int) (*query.ChatDetail, error)
}

// StatsSource reports index statistics. Satisfied by *store.Store.
type StatsSource interface {
	Stats(ctx context.Context) (*store.IndexStats, error)
}

// SyncTrigger starts index syncs and reports their state. Satisfied by
// *scheduler.Scheduler.
type SyncTrigger interface {
	TriggerSync() error
	Status() scheduler.Status
}

// PlaylistBuilder runs playlist builds. Satisfied by
// *playlist.Builder.
type PlaylistBuilder interface {
	Build(ctx context.Context, req playlist.Request) <-chan playlist.Event
}

// Server is the HTTP API server.
type Server struct {
	cfg     *config.Config
	engine  ChatQuerier
	stats   StatsSource
	sched   SyncTrigger
	builder PlaylistBuilder
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer creates an API server. builder may be nil when no playlist
// service is configured; the build endpoint then returns 503.
func NewServer(cfg *config.Config, engine ChatQuerier, stats StatsSource, sched SyncTrigger, builder PlaylistBuilder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		stats:   stats,
		sched:   sched,
		builder: builder,
		logger:  logger,
	}
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)

	if len(s.cfg.Server.CORSOrigins) > 0 {
		maxAge := s.cfg.Server.CORSMaxAge
		if maxAge == 0 {
			maxAge = 86400
		}
		r.Use(CORSMiddleware(CORSConfig{
			AllowedOrigins:   s.cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
			AllowCredentials: s.cfg.Server.CORSCredentials,
			MaxAge:           maxAge,
		}))
	}

	r.Use(RateLimitMiddleware(NewRateLimiter(10, 20)))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(60 * time.Second))

			r.Get("/chats", s.handleListChats)
			r.Get("/chats/{id}", s.handleChatDetail)
			r.Get("/search", s.handleSearch)
			r.Get("/stats", s.handleStats)
			r.Post("/index/sync", s.handleSync)
		})

		// No timeout middleware here. A build streams progress for as
		// long as it runs; the client disconnecting cancels it.
		r.Post("/playlist/build", s.handleBuild)
	})

	return r
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	if err := s.cfg.ValidateServer(); err != nil {
		return err
	}
	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("no API key configured, serving unauthenticated on loopback")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddr, s.cfg.Server.APIPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.setupRouter(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset. The build endpoint streams events for
		// the full run; non-streaming routes are bounded by the 60s
		// timeout middleware instead.
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the configured router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
