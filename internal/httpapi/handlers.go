package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/generation"
	"github.com/fpang/tryon-studio/internal/provider"
)

// maxRequestBody caps create request bodies (inline images included).
const maxRequestBody = 20 << 20

// Estimated completion times returned by the create endpoints.
const (
	tryOnEstimateSeconds     = 15
	compositeEstimateSeconds = 20
)

type createResponse struct {
	ID                   string            `json:"id"`
	Status               generation.Status `json:"status"`
	Message              string            `json:"message"`
	EstimatedTimeSeconds int               `json:"estimatedTimeSeconds"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		httpError(w, http.StatusBadRequest, "Invalid JSON request body")
		return false
	}
	return true
}

// POST /api/try-on
func (s *Server) createTryOn(w http.ResponseWriter, r *http.Request) {
	var req tryOnRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		req.Prompt = DefaultTryOnPrompt
	}
	if err := s.validate.Struct(req); err != nil {
		validationError(w, fieldErrors(err))
		return
	}

	g, err := s.gens.Create(r.Context(), generation.CreateRequest{
		Type: generation.TypeTryOn,
		Images: []provider.Image{
			{Role: provider.RoleModel, Data: req.ModelImageData},
			{Role: provider.RoleClothing, Data: req.ClothingImageData},
		},
		Prompt: req.Prompt,
		Metadata: metadata(map[string]string{
			"modelImageId":    req.ModelImageID,
			"clothingImageId": req.ClothingImageID,
			"prompt":          req.Prompt,
		}),
	})
	if err != nil {
		s.createFailed(w, generation.TypeTryOn, err)
		return
	}

	respondJSON(w, http.StatusOK, createResponse{
		ID:                   g.ID,
		Status:               g.Status,
		Message:              "Try-on generation started",
		EstimatedTimeSeconds: tryOnEstimateSeconds,
	})
}

// POST /api/composite
func (s *Server) createComposite(w http.ResponseWriter, r *http.Request) {
	var req compositeRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := s.validate.Struct(req); err != nil {
		validationError(w, fieldErrors(err))
		return
	}

	g, err := s.gens.Create(r.Context(), generation.CreateRequest{
		Type: generation.TypeComposite,
		Images: []provider.Image{
			{Role: provider.RoleFigure, Data: req.FigureImageData},
			{Role: provider.RoleScene, Data: req.SceneImageData},
		},
		Prompt: req.Prompt,
		Metadata: metadata(map[string]string{
			"figureImageId": req.FigureImageID,
			"sceneImageId":  req.SceneImageID,
			"prompt":        req.Prompt,
		}),
		SourceGenerationID: req.SourceGenerationID,
	})
	if err != nil {
		s.createFailed(w, generation.TypeComposite, err)
		return
	}

	respondJSON(w, http.StatusOK, createResponse{
		ID:                   g.ID,
		Status:               g.Status,
		Message:              "Composite generation started",
		EstimatedTimeSeconds: compositeEstimateSeconds,
	})
}

func (s *Server) createFailed(w http.ResponseWriter, t generation.Type, err error) {
	var vErr *generation.ValidationError
	var subErr *provider.SubmissionError
	switch {
	case errors.As(err, &vErr):
		validationError(w, vErr.Fields)
	case errors.Is(err, generation.ErrSourceNotReady):
		validationError(w, []generation.FieldError{{
			Field:   "sourceGenerationId",
			Message: "must reference an existing, completed generation",
		}})
	case errors.As(err, &subErr):
		httpError(w, http.StatusInternalServerError, "Failed to start "+string(t)+" generation: "+subErr.Message, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "Failed to start "+string(t)+" generation", err.Error())
	}
}

// GET /api/try-on?id=... and GET /api/composite?id=...
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request, t generation.Type) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpError(w, http.StatusBadRequest, "Missing id query parameter")
		return
	}

	p, err := s.gens.GetStatus(r.Context(), t, id)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Generation not found")
			return
		}
		var pollErr *provider.PollError
		if errors.As(err, &pollErr) {
			httpError(w, http.StatusInternalServerError, "Failed to check generation status", err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, "Failed to load generation", err.Error())
		return
	}

	log.Debug().Str("generationId", id).Str("status", string(p.Status)).Int("progress", p.Progress).Msg("Generation status served")
	respondJSON(w, http.StatusOK, p)
}

// metadata drops empty values.
func metadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
