package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/reporting"
	"github.com/opensource-finance/sentinel/internal/telemetry"
)

// Deps are the collaborators the HTTP layer serves from.
type Deps struct {
	Service    *reporting.Service
	Reloader   Reloader
	Repository domain.ArtifactRepository
	Store      domain.GraphStore
	Cache      domain.Cache
	Metrics    *telemetry.Metrics
	Version    string
}

// Server represents the HTTP API server.
type Server struct {
	router *chi.Mux
	server *http.Server
	config domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)                  // CORS for the dashboard
	router.Use(RecoverMiddleware)               // Recover from panics
	router.Use(TracingMiddleware)               // OpenTelemetry tracing
	router.Use(LoggingMiddleware)               // Request logging
	router.Use(MetricsMiddleware(deps.Metrics)) // Prometheus request metrics
	router.Use(middleware.RealIP)               // Extract real IP
	router.Use(middleware.Compress(5))          // Gzip compression

	// Operational endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	// Ranking and explanation
	router.Get("/suspicious-networks", handler.SuspiciousNetworks)
	router.Get("/account/{id}/explanation", handler.Explanation)

	// Aggregate views
	router.Route("/statistics", func(r chi.Router) {
		r.Get("/patterns", handler.PatternStatistics)
		r.Get("/heatmap", handler.Heatmap)
	})

	// Visualisation
	router.Route("/network/{id}", func(r chi.Router) {
		r.Get("/", handler.Network)
		r.Get("/illicit-transactions", handler.IllicitTransactions)
	})

	// Model bundle management
	router.Route("/model", func(r chi.Router) {
		r.Get("/", handler.Model)
		r.Get("/bundles", handler.ListBundles)
		r.Post("/reload", handler.ReloadModel)
	})

	return &Server{
		router:  router,
		config:  cfg,
	}
}

// Addr is the listen address built from the server config.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// graceful stop.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the routes, for httptest servers.
func (s *Server) Router() *chi.Mux {
	return s.router
}
