package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/breaker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/control"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/feeds"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/risk"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP SURFACE - Control & observability
// ═══════════════════════════════════════════════════════════════════════════════
//
// Serves the ops dashboard and any script that wants to poke the engine:
//   GET  /healthz                           liveness, never touches the DB
//   GET  /api/v1/strategies                 strategy states
//   POST /api/v1/strategies/{name}/control  pause/resume/stop/start intents
//   GET  /api/v1/killswitch                 kill switch state
//   POST /api/v1/killswitch                 manual kill (confirm required)
//   DELETE /api/v1/killswitch               deactivate
//   GET  /api/v1/feed/status                feed liveness
//   GET  /api/v1/breakers                   circuit breaker states
//   GET  /api/v1/observe/resources          resource samples + open alerts
//
// Control POSTs ride the same intent/ack path as the Telegram bot; this
// layer never flips strategy status itself.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config carries the listen address and every component the handlers read
// or act through.
type Config struct {
	Addr     string
	Store    storage.Store
	Control  *control.Service
	Risk     *risk.Engine
	Breakers *breaker.Set
	Feed     *feeds.Worker
	DryRun   bool
}

// Server is the HTTP control surface.
type Server struct {
	router *chi.Mux
	server *http.Server

	store    storage.Store
	control  *control.Service
	risk     *risk.Engine
	breakers *breaker.Set
	feed     *feeds.Worker
	dryRun   bool

	startedAt time.Time
}

// New builds the router and the http.Server. Nothing listens until Start.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     cfg.Store,
		control:   cfg.Control,
		risk:      cfg.Risk,
		breakers:  cfg.Breakers,
		feed:      cfg.Feed,
		dryRun:    cfg.DryRun,
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Actor"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/strategies", s.handleStrategies)
		r.Post("/strategies/{name}/control", s.handleStrategyControl)

		r.Get("/killswitch", s.handleKillSwitchState)
		r.Post("/killswitch", s.handleKillSwitchTrigger)
		r.Delete("/killswitch", s.handleKillSwitchDeactivate)

		r.Get("/feed/status", s.handleFeedStatus)
		r.Get("/breakers", s.handleBreakers)
		r.Get("/observe/resources", s.handleResources)
	})
}

// Start blocks in ListenAndServe. Run it in a goroutine; a clean Shutdown
// surfaces as http.ErrServerClosed.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("🌐 HTTP surface listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP surface shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
