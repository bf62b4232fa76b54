// Package server provides the HTTP server and routing for the leaderboard.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/broadcast"
	"github.com/pms/leaderboard/internal/bulkhead"
	"github.com/pms/leaderboard/internal/database"
	"github.com/pms/leaderboard/internal/health"
	"github.com/pms/leaderboard/internal/ingest"
	"github.com/pms/leaderboard/internal/persistence"
	"github.com/pms/leaderboard/internal/query"
	"github.com/pms/leaderboard/internal/wal"
)

// Config holds server configuration.
type Config struct {
	Log      zerolog.Logger
	Port     int
	DevMode  bool
	BoardKey string
	DataDir  string

	Buffer      *ingest.Buffer
	Query       *query.Service
	Repo        *persistence.Repository
	Hub         *broadcast.Hub
	Stream      *wal.Stream
	Consumer    *wal.Consumer
	DB          *database.DB
	Pools       *bulkhead.Pools
	CacheHealth *health.Monitor
	StoreHealth *health.Monitor
}

// Server is the HTTP surface: the event feed boundary, board reads, the
// websocket snapshot feed, and system monitoring.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            Config
	handlers       *LeaderboardHandlers
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
		handlers: NewLeaderboardHandlers(
			cfg.Log, cfg.BoardKey, cfg.Buffer, cfg.Query, cfg.Repo,
		),
		systemHandlers: NewSystemHandlers(
			cfg.Log, cfg.DataDir, cfg.DB, cfg.CacheHealth, cfg.StoreHealth,
			cfg.Buffer, cfg.Pools, cfg.Stream, cfg.Consumer,
		),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout. Generous because feed submissions block on backpressure
	// instead of failing fast.
	s.router.Use(middleware.Timeout(30 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.systemHandlers.HandleHealth)
	s.router.Get("/api/system/status", s.systemHandlers.HandleSystemStatus)

	s.router.Route("/api/leaderboard", func(r chi.Router) {
		r.Post("/events", s.handlers.HandleIngestEvents)
		r.Get("/top", s.handlers.HandleTop)
		r.Get("/around", s.handlers.HandleAround)
		r.Get("/entity/{entityID}/history", s.handlers.HandleHistory)
	})

	if s.cfg.Hub != nil {
		s.router.Get("/ws/leaderboard", s.cfg.Hub.ServeHTTP)
	}
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
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
