// Package api provides the HTTP API for the village simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/engine"
	"github.com/talgya/villagelife/internal/events"
	"github.com/talgya/villagelife/internal/persistence"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/task"
)

// Server serves the village state over HTTP.
type Server struct {
	Session  *engine.Session
	Eng      *engine.Engine
	Catalog  *catalog.Catalog
	Recorder *events.Recorder
	Hub      *Hub
	DB       *persistence.DB // optional; enables event history
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.
	// RateLimit is requests per minute per client; <= 0 disables limiting.
	RateLimit int
	// Save persists the village on demand and returns the saved tick.
	Save func() (uint64, error)

	srv *http.Server
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/templates", s.handleTemplates)
	mux.HandleFunc("GET /api/v1/templates/{id}", s.handleTemplate)
	mux.HandleFunc("GET /api/v1/chains", s.handleChains)
	mux.HandleFunc("GET /api/v1/owners/{owner}/available", s.handleAvailable)
	mux.HandleFunc("GET /api/v1/owners/{owner}/check/{template}", s.handleCheck)
	mux.HandleFunc("GET /api/v1/owners/{owner}/inventory", s.handleInventory)
	mux.HandleFunc("GET /api/v1/owners/{owner}/profile", s.handleProfile)
	mux.HandleFunc("GET /api/v1/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/speed", s.handleSpeed)
	if s.Hub != nil {
		mux.Handle("GET /api/v1/stream", s.Hub)
	}

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("POST /api/v1/tasks", s.adminOnly(s.handleBegin))
	mux.HandleFunc("POST /api/v1/tasks/{id}/{action}", s.adminOnly(s.handleTaskAction))
	mux.HandleFunc("POST /api/v1/owners/{owner}/grant", s.adminOnly(s.handleGrant))
	mux.HandleFunc("POST /api/v1/owners/{owner}/skills", s.adminOnly(s.handleSkills))
	mux.HandleFunc("POST /api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("POST /api/v1/snapshot", s.adminOnly(s.handleSnapshot))

	var handler http.Handler = mux
	if s.RateLimit > 0 {
		handler = RateLimitMiddleware(NewRateLimiter(s.RateLimit, time.Minute), handler)
	}
	return corsMiddleware(handler)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "rate_limit", s.RateLimit)

	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no VILLAGESIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}

			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// writeError maps domain errors to HTTP statuses. Start failures carry
// their blockers and the id of the instance left PENDING.
func writeError(w http.ResponseWriter, err error) {
	var start *task.StartError
	if errors.As(err, &start) {
		writeJSONStatus(w, http.StatusConflict, map[string]any{
			"error":       err.Error(),
			"instance_id": start.InstanceID,
			"blockers":    start.Result.Blockers,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNotDue),
		errors.Is(err, resources.ErrCapacityExceeded), errors.Is(err, resources.ErrInsufficientResource):
		status = http.StatusConflict
	case errors.Is(err, resources.ErrInvalidQuantity):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeJSONStatus(w, status, map[string]string{"error": err.Error()})
}
