package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/nicodishanthj/soldocs/internal/agent"
	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/store"
)

const maxRequestBody = 5 << 20 // 5 MiB

var errTooManyRequests = errors.New("too many requests")

// Server exposes queue state, program metadata, IDL blobs, and generated
// documentation over HTTP. It delegates all persistence to the store and
// all lifecycle control to the agent.
type Server struct {
	router  chi.Router
	store   *store.Store
	agent   *agent.Agent
	limiter *rateLimiter
}

// NewServer builds the router. Close must be called on shutdown to stop the
// rate-limiter reaper.
func NewServer(st *store.Store, ag *agent.Agent) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		store:   st,
		agent:   ag,
		limiter: newRateLimiter(),
	}
	srv.routes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/agent/status", s.handleAgentStatus)
	s.router.Get("/api/programs", s.handleListPrograms)
	s.router.Get("/api/programs/{id}", s.handleGetProgram)
	s.router.Get("/api/programs/{id}/idl", s.handleGetIDL)
	s.router.Get("/api/queue", s.handleQueue)
	s.router.Get("/api/logs", s.handleLogs)

	s.router.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Post("/api/programs", s.handleSubmitProgram)
		r.Post("/api/programs/{id}/idl", s.handleUploadIDL)
		r.Delete("/api/programs/{id}", s.handleDeleteProgram)
		r.Post("/api/agent/start", s.handleAgentStart)
		r.Post("/api/agent/stop", s.handleAgentStop)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
