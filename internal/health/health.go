// Package health serves the daemon's liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Pinger checks stream store connectivity. *bus.Bus implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyFunc reports whether the daemon is ready, with per-loop details.
type ReadyFunc func() (bool, map[string]string)

// Response is the JSON body of every health endpoint.
type Response struct {
	Status string            `json:"status"`
	Redis  string            `json:"redis,omitempty"`
	Loops  map[string]string `json:"loops,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Server provides HTTP health check endpoints.
type Server struct {
	pinger Pinger
	ready  ReadyFunc
	log    zerolog.Logger
	server *http.Server
}

// NewServer creates a health server. ready may be nil.
func NewServer(pinger Pinger, ready ReadyFunc, logger zerolog.Logger) *Server {
	return &Server{
		pinger: pinger,
		ready:  ready,
		log:    logger.With().Str("component", "health").Logger(),
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	return r
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Health server failed")
		}
	}()

	s.log.Info().Str("addr", addr).Msg("Health server listening")
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealth returns 200 if Redis is reachable, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: "unhealthy", Redis: "disconnected", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "healthy", Redis: "connected"})
}

// handleReady additionally requires every consumer loop to be running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := Response{Status: "ready", Redis: "connected"}
	code := http.StatusOK

	if err := s.pinger.Ping(ctx); err != nil {
		resp.Status = "not_ready"
		resp.Redis = "disconnected"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	if s.ready != nil {
		ok, loops := s.ready()
		resp.Loops = loops
		if !ok {
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
