package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/callbridge/callbridge/internal/access"
	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/escalation"
	"github.com/callbridge/callbridge/internal/notify"
	"github.com/callbridge/callbridge/internal/recording"
	"github.com/callbridge/callbridge/internal/session"
	"github.com/callbridge/callbridge/internal/signaling"
	"github.com/callbridge/callbridge/internal/storage"
	"github.com/callbridge/callbridge/internal/store"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config

	sessions   *session.Manager
	hub        *signaling.Hub
	recordings *recording.Pipeline
	access     *access.Service
	engine     *escalation.Engine
	rules      store.RuleRepository
	channels   *notify.Registry
	outbox     store.OutboxRepository
	blob       storage.Store
	sealer     *storage.Sealer

	jwtSecret      []byte
	metricsHandler http.Handler
	limiter        *middleware.IPRateLimiter
	createLimiter  *middleware.IPRateLimiter
	log            *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. metricsHandler
// may be nil to leave /metrics unmounted.
func NewServer(
	cfg *config.Config,
	jwtSecret []byte,
	sessions *session.Manager,
	hub *signaling.Hub,
	recordings *recording.Pipeline,
	accessSvc *access.Service,
	engine *escalation.Engine,
	rules store.RuleRepository,
	channels *notify.Registry,
	outbox store.OutboxRepository,
	blob storage.Store,
	sealer *storage.Sealer,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		cfg:            cfg,
		sessions:       sessions,
		hub:            hub,
		recordings:     recordings,
		access:         accessSvc,
		engine:         engine,
		rules:          rules,
		channels:       channels,
		outbox:         outbox,
		blob:           blob,
		sealer:         sealer,
		jwtSecret:      jwtSecret,
		metricsHandler: metricsHandler,
		limiter:        middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		createLimiter:  middleware.NewIPRateLimiter(middleware.CallCreateRateLimitConfig()),
		log:            logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.createLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))
	if origins := middleware.ParseCORSOrigins(s.cfg.CORSOrigins); len(origins) > 0 {
		r.Use(middleware.CORS(origins))
	}

	// Unauthenticated operational surface.
	r.Get("/healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	// API routes under /api/v1. Everything below requires a bearer token.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Use(middleware.RequireAuth(s.jwtSecret))

		r.Route("/calls", func(r chi.Router) {
			r.With(middleware.RateLimit(s.createLimiter)).Post("/", s.handleCreateCall)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/signal", s.handleSendSignal)
				r.Get("/signals", s.handlePollSignals)
				r.Get("/socket", s.handleSocket)
				r.Post("/hangup", s.handleHangup)
				r.Post("/missed", s.handleMissed)
				r.Get("/escalations", s.handleListCallEscalations)
				r.Post("/recording", s.handleStartRecording)
			})
		})

		r.Route("/recordings/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRecording)
			r.Post("/pause", s.handlePauseRecording)
			r.Post("/resume", s.handleResumeRecording)
			r.Post("/stop", s.handleStopRecording)
			r.Get("/download", s.handleDownloadRecording)
			r.Get("/segments/{seq}/download", s.handleDownloadSegment)

			// Grant management and the audit trail are admin surfaces.
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleAdmin))
				r.Get("/grants", s.handleListGrants)
				r.Post("/grants", s.handleCreateGrant)
				r.Get("/access-log", s.handleAccessLog)
			})
		})

		r.With(middleware.RequireRole(middleware.RoleAdmin)).
			Delete("/grants/{id}", s.handleRevokeGrant)

		r.Get("/users/{id}/recordings", s.handleListUserRecordings)

		r.Route("/escalation-rules", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Put("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})

		r.Post("/escalations/{id}/ack", s.handleAcknowledgeEscalation)

		r.With(middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin)).
			Get("/events", s.handleListEvents)
	})

	s.log.Info("api routes mounted")
}

// handleHealthz returns basic health status. Unauthenticated.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
