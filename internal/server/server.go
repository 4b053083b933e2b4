package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/inbox"
	"github.com/cyderes/reel-publisher/internal/metrics"
	"github.com/cyderes/reel-publisher/internal/models"
	"github.com/cyderes/reel-publisher/internal/tracking"
)

// Tracker is the attribution surface the server exposes
type Tracker interface {
	Resolve(ctx context.Context, token string, meta models.ClickMetadata) (*tracking.Resolution, error)
	Stats(ctx context.Context, productName string) (models.ClickStats, error)
	Recent(ctx context.Context, limit int) ([]models.ClickEvent, error)
}

// Scheduler is the publishing loop surface the server exposes
type Scheduler interface {
	Status() models.SchedulerStatus
	Resume() bool
}

// Inbox handles messages forwarded by the DM listener
type Inbox interface {
	Handle(ctx context.Context, msg inbox.Message) (inbox.Reply, error)
}

// Deps are the collaborators behind the HTTP routes. Scheduler and Inbox
// may be nil, in which case their routes answer 503.
type Deps struct {
	Tracker   Tracker
	Scheduler Scheduler
	Inbox     Inbox
}

// Server handles HTTP requests on two listeners: the public one for
// redirects and stats, and the admin one for operator routes.
type Server struct {
	config config.ServerConfig
	deps   Deps
	log    zerolog.Logger
	server *http.Server
	admin  *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	if deps.Tracker == nil {
		panic("server.NewServer: nil tracker")
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		log:    log.With().Str("component", "http").Logger(),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.admin = &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      s.AdminRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.HTTPLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Routes builds the public router. It only serves redirects and read-only
// attribution data.
func (s *Server) Routes() http.Handler {
	r := s.newRouter()

	r.Get("/", s.handleIndex(publicEndpoints))
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	r.Group(func(r chi.Router) {
		if s.config.RateLimitOn {
			r.Use(httprate.LimitByIP(s.config.RateLimit, s.config.RateLimitWindow))
		}
		r.Get("/track/{token}", s.handleTrack)
	})

	r.Get("/stats", s.handleStats)
	r.Get("/recent", s.handleRecent)

	return r
}

// AdminRoutes builds the operator router served on the admin listener
func (s *Server) AdminRoutes() http.Handler {
	r := s.newRouter()

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAdminToken)

		r.Get("/", s.handleIndex(adminEndpoints))
		r.Get("/status", s.handleStatus)
		r.Post("/scheduler/resume", s.handleResume)

		r.Group(func(r chi.Router) {
			if s.config.RateLimitOn {
				r.Use(httprate.LimitByIP(s.config.RateLimit, s.config.RateLimitWindow))
			}
			r.Post("/inbox/messages", s.handleInboxMessage)
		})
	})

	return r
}

// Start starts both listeners and returns when either stops
func (s *Server) Start() error {
	errc := make(chan error, 2)
	go func() {
		s.log.Info().Str("addr", s.admin.Addr).Msg("starting admin HTTP server")
		errc <- s.admin.ListenAndServe()
	}()
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
		errc <- s.server.ListenAndServe()
	}()
	return <-errc
}

// Shutdown gracefully shuts down both listeners
func (s *Server) Shutdown(ctx context.Context) error {
	adminErr := s.admin.Shutdown(ctx)
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return adminErr
}
