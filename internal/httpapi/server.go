// Package httpapi exposes the generation orchestrator over HTTP: create and
// status endpoints for try-on and composite generations plus a health
// check. The same handler serves the Lambda (through the API Gateway
// adapter) and the local server.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/fpang/tryon-studio/internal/generation"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "tryon-studio"

// Generations is the orchestrator surface used by the handlers.
type Generations interface {
	Create(ctx context.Context, req generation.CreateRequest) (*generation.Generation, error)
	GetStatus(ctx context.Context, t generation.Type, id string) (generation.Projection, error)
}

// Server routes API requests to the orchestrator.
type Server struct {
	gens     Generations
	validate *validator.Validate
	mux      *http.ServeMux
}

// New creates a Server.
func New(gens Generations) *Server {
	s := &Server{
		gens:     gens,
		validate: newValidator(),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/try-on", s.handleTryOn)
	s.mux.HandleFunc("/api/composite", s.handleComposite)
	return s
}

// Handler returns the routed handler wrapped with CORS and request metrics.
func (s *Server) Handler() http.Handler {
	return withCORS(withMetrics(s.mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
	})
}

func (s *Server) handleTryOn(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTryOn(w, r)
	case http.MethodGet:
		s.getStatus(w, r, generation.TypeTryOn)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createComposite(w, r)
	case http.MethodGet:
		s.getStatus(w, r, generation.TypeComposite)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
