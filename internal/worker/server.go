package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// executeTimeout bounds one worker pass.
const executeTimeout = 5 * time.Minute

// Server is one worker process's HTTP surface: health, execute,
// check-schedule and set-user. The runner is built lazily on first use so a
// worker that never runs never opens its downstream clients.
type Server struct {
	service     domain.ServiceName
	defaultUser string
	makeRunner  func() (Runner, error)
	server      *http.Server
	log         zerolog.Logger

	mu         sync.Mutex
	runner     Runner
	activeUser string
	lastRun    time.Time
}

// NewServer creates the worker server. makeRunner is invoked at most once,
// on the first request that needs the runner.
func NewServer(service domain.ServiceName, port int, defaultUser string,
	makeRunner func() (Runner, error), log zerolog.Logger) *Server {
	s := &Server{
		service:     service,
		defaultUser: defaultUser,
		makeRunner:  makeRunner,
		activeUser:  defaultUser,
		log:         log.With().Str("component", "worker").Str("service", string(service)).Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)

	router.Get("/health", s.handleHealth)
	router.Post("/execute", s.handleExecute)
	router.Post("/check-schedule", s.handleCheckSchedule)
	router.Post("/set-user/{user_id}", s.handleSetUser)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: executeTimeout + 30*time.Second,
	}
	return s
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Worker listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down worker")
	return s.server.Shutdown(ctx)
}

func (s *Server) getRunner() (Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return s.runner, nil
	}
	runner, err := s.makeRunner()
	if err != nil {
		return nil, err
	}
	s.runner = runner
	s.log.Info().Msg("runner initialized")
	return runner, nil
}

func (s *Server) user(r *http.Request) string {
	if uid := r.Header.Get("X-User-ID"); uid != "" {
		return uid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeUser
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   string(s.service),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	userID := s.user(r)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no user context"})
		return
	}

	runner, err := s.getRunner()
	if err != nil {
		s.log.Error().Err(err).Msg("runner init failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), executeTimeout)
	defer cancel()

	result, err := runner.Execute(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("pass failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCheckSchedule(w http.ResponseWriter, r *http.Request) {
	runner, err := s.getRunner()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	lastRun := s.lastRun
	userID := s.activeUser
	s.mu.Unlock()

	run, reason := runner.ShouldRun(time.Now(), lastRun)
	if !run {
		writeJSON(w, http.StatusOK, map[string]any{
			"executed": false,
			"reason":   reason,
		})
		return
	}
	if userID == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"executed": false,
			"reason":   "no user context",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), executeTimeout)
	defer cancel()

	result, err := runner.Execute(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("scheduled pass failed")
		writeJSON(w, http.StatusOK, map[string]any{
			"executed": false,
			"reason":   err.Error(),
		})
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"executed": true,
		"message":  result.TelegramMessage,
	})
}

func (s *Server) handleSetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty user_id"})
		return
	}
	s.mu.Lock()
	s.activeUser = userID
	s.mu.Unlock()

	s.log.Info().Str("user_id", userID).Msg("user context switched")
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
