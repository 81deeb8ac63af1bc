// Package gateway is the public HTTP surface: user administration routes,
// per-service reverse proxy to the workers, metrics and health.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/supervisor"
	"github.com/hyperasset/hyperasset/internal/userconfig"
)

// Config holds server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
	RateLimit      int // requests per minute per (user, service); 0 disables
}

// Server represents the gateway HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	users   *userconfig.Manager
	super   *supervisor.Supervisor // nil outside the control plane
	metrics *Metrics
	cfg     Config
	log     zerolog.Logger
}

// New creates the gateway server. super may be nil; registry receives the
// gateway collectors.
func New(cfg Config, users *userconfig.Manager, super *supervisor.Supervisor,
	workers Workers, registry *prometheus.Registry, log zerolog.Logger) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		router:  chi.NewRouter(),
		users:   users,
		super:   super,
		metrics: NewMetrics(registry),
		cfg:     cfg,
		log:     log.With().Str("component", "gateway").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes(workers, registry)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.cfg.RateLimit > 0 {
		s.router.Use(httprate.Limit(
			s.cfg.RateLimit,
			time.Minute,
			httprate.WithKeyFuncs(rateKey),
		))
	}
}

// rateKey buckets requests per (user, service) so one noisy user cannot
// starve a worker for everyone.
func rateKey(r *http.Request) (string, error) {
	user := r.Header.Get("X-User-ID")
	if user == "" {
		user = r.RemoteAddr
	}
	service, _ := splitServicePath(r.URL.Path)
	return user + "|" + service, nil
}

func (s *Server) setupRoutes(workers Workers, registry *prometheus.Registry) {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.router.Post("/users/profile", s.handleCreateProfile)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			r.Get("/config/{user_id}", s.handleGetConfig)
			r.Post("/config/{user_id}", s.handleUpdateConfig)
			r.Post("/stocks/{user_id}", s.handleUpdateStocks)
			r.Post("/model/{user_id}", s.handleUpdateModel)
		})

		r.Route("/services", func(r chi.Router) {
			r.Post("/start/{user_id}", s.handleStartServices)
			r.Post("/stop/{user_id}", s.handleStopServices)
			r.Get("/{user_id}", s.handleGetServices)
		})

		r.Get("/system/health", s.handleSystemHealth)

		// Everything else under /api/{service}/* forwards to the worker.
		p := newProxy(workers, s.metrics, s.log)
		r.Handle("/*", p)
	})
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Gateway listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down gateway")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
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
